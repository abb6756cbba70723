package config

import "time"

// Default timing configurations used throughout the worker
const (
	// DefaultInitTimeout bounds the wait for WorkerInitRequest after StartStream
	DefaultInitTimeout = 30 * time.Second

	// DefaultDrainGrace is how long a drain waits for in-flight invocations
	DefaultDrainGrace = 10 * time.Second

	// DefaultCancelGrace is how long a cancelled invocation may keep running
	DefaultCancelGrace = 100 * time.Millisecond

	// DefaultConnectTimeout bounds opening the event stream
	DefaultConnectTimeout = 15 * time.Second

	// DefaultCloseLinger is how long closing waits for the host to end the stream
	DefaultCloseLinger = 2 * time.Second
)

// Default sizes
const (
	// DefaultOutboundQueueSize bounds the outbound message queue
	DefaultOutboundQueueSize = 1024

	// DefaultConcurrencyPerCPU multiplies runtime.NumCPU for the invocation cap
	DefaultConcurrencyPerCPU = 4

	// DefaultHighWaterFactor multiplies the cap for the saturation high-water mark
	DefaultHighWaterFactor = 4

	// DefaultLogRate is the per-invocation user log rate (lines per second)
	DefaultLogRate = 1000

	// DefaultLogBurst is the per-invocation user log burst
	DefaultLogBurst = 1000

	// DefaultMaxMessageBytes bounds a single frame on the event stream
	DefaultMaxMessageBytes = 64 * 1024 * 1024
)
