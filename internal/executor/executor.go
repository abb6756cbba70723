// Package executor runs invocations on a bounded goroutine pool and turns
// every outcome into exactly one InvocationResponse
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	rpcv1 "github.com/AltairaLabs/funcworker/api/rpc/v1"
	"github.com/AltairaLabs/funcworker/internal/config"
	"github.com/AltairaLabs/funcworker/internal/metrics"
	"github.com/AltairaLabs/funcworker/internal/registry"
)

// Emitter is the outbound queue
type Emitter interface {
	Enqueue(ctx context.Context, msg *rpcv1.StreamingMessage) error
}

// Functions looks up loaded functions
type Functions interface {
	Lookup(ctx context.Context, functionID string) (*registry.Descriptor, error)
	Count() int
}

// Options configures an Executor
type Options struct {
	MaxConcurrency int
	QueueHighWater int
	CancelGrace    time.Duration
	LogLevel       slog.Level
	LogRate        float64
	LogBurst       int
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// Executor owns every live invocation
type Executor struct {
	opts      Options
	out       Emitter
	functions Functions
	logger    *slog.Logger
	metrics   *metrics.Metrics
	pool      *ants.Pool

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	cond       *sync.Cond
	active     map[string]*invocation
	queue      []*invocation
	queued     int
	running    int
	draining   bool
	stopped    bool
	saturated  bool
	inFlight   sync.WaitGroup
	statusMu   sync.Mutex
	dispatched chan struct{}
}

// New creates an executor and starts its dispatcher
func New(out Emitter, functions Functions, opts Options) (*Executor, error) {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = runtime.NumCPU() * config.DefaultConcurrencyPerCPU
	}
	if opts.QueueHighWater <= 0 {
		opts.QueueHighWater = opts.MaxConcurrency * config.DefaultHighWaterFactor
	}
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = config.DefaultCancelGrace
	}
	if opts.LogRate <= 0 {
		opts.LogRate = config.DefaultLogRate
	}
	if opts.LogBurst <= 0 {
		opts.LogBurst = config.DefaultLogBurst
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	e := &Executor{
		opts:       opts,
		out:        out,
		functions:  functions,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		active:     make(map[string]*invocation),
		dispatched: make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.mu)
	e.ctx, e.cancel = context.WithCancel(context.Background())

	pool, err := ants.NewPool(opts.MaxConcurrency, ants.WithPanicHandler(func(v any) {
		e.logger.Error("Invocation task panic escaped recovery", "panic", v)
	}))
	if err != nil {
		e.cancel()
		return nil, fmt.Errorf("create invocation pool: %w", err)
	}
	e.pool = pool

	go e.dispatch()
	return e, nil
}

// Submit accepts an InvocationRequest. It never blocks on user code:
// requests above the concurrency cap wait in a FIFO queue
func (e *Executor) Submit(req *rpcv1.InvocationRequest) {
	if req == nil || req.InvocationID == "" {
		e.logger.Warn("Protocol error: invocation request without id")
		return
	}

	e.mu.Lock()
	if e.draining || e.stopped {
		e.mu.Unlock()
		e.reject(req, &rpcv1.FailureDetail{
			Kind:    rpcv1.FailureWorkerShuttingDown,
			Message: "worker is shutting down",
		})
		return
	}
	if _, dup := e.active[req.InvocationID]; dup {
		e.mu.Unlock()
		e.logger.Warn("Protocol error: duplicate invocation id dropped", "invocation_id", req.InvocationID)
		return
	}

	inv := e.newInvocation(req)
	e.active[req.InvocationID] = inv
	e.inFlight.Add(1)
	e.queue = append(e.queue, inv)
	e.queued++
	e.cond.Signal()
	e.mu.Unlock()

	e.metrics.SetQueued(e.queuedCount())
	e.updateSaturation()

	e.logger.Debug("Invocation accepted",
		"invocation_id", req.InvocationID,
		"function_id", req.FunctionID)
}

// reject answers a request that never becomes a live invocation
func (e *Executor) reject(req *rpcv1.InvocationRequest, failure *rpcv1.FailureDetail) {
	resp := &rpcv1.InvocationResponse{
		InvocationID: req.InvocationID,
		Status:       rpcv1.InvocationFailure,
		Failure:      failure,
	}
	if err := e.out.Enqueue(e.ctx, &rpcv1.StreamingMessage{InvocationResponse: resp}); err != nil {
		e.logger.Warn("Failed to enqueue invocation response", "invocation_id", req.InvocationID, "error", err)
	}
	e.metrics.InvocationRejected(req.FunctionID, resp.Status.String())
}

// dispatch moves queued invocations onto the pool in arrival order,
// blocking while every pool worker is busy
func (e *Executor) dispatch() {
	defer close(e.dispatched)
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.stopped {
			e.cond.Wait()
		}
		if len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}
		inv := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()

		if err := e.pool.Submit(func() { e.run(inv) }); err != nil {
			e.finish(inv, &rpcv1.InvocationResponse{
				InvocationID: inv.id,
				Status:       rpcv1.InvocationFailure,
				Failure: &rpcv1.FailureDetail{
					Kind:    rpcv1.FailureWorkerShuttingDown,
					Message: err.Error(),
				},
			})
		}
	}
}

// Cancel requests cooperative cancellation. If the invocation has not
// answered within the grace period it is reported Cancelled and abandoned.
// A zero grace selects the configured default
func (e *Executor) Cancel(invocationID string, grace time.Duration) {
	e.mu.Lock()
	inv, ok := e.active[invocationID]
	e.mu.Unlock()

	if !ok {
		e.logger.Debug("Cancel for unknown or finished invocation", "invocation_id", invocationID)
		return
	}
	if grace <= 0 {
		grace = e.opts.CancelGrace
	}
	e.logger.Debug("Cancelling invocation", "invocation_id", invocationID, "grace", grace)
	inv.requestCancel(grace)
}

// Drain refuses new invocations and waits up to grace for the live ones.
// Whatever is still running afterwards is reported Cancelled. It returns
// the number of invocations cancelled
func (e *Executor) Drain(ctx context.Context, grace time.Duration) int {
	e.mu.Lock()
	e.draining = true
	e.mu.Unlock()
	e.pushStatus()

	done := make(chan struct{})
	go func() {
		e.inFlight.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		return 0
	case <-timer.C:
	case <-ctx.Done():
	}

	e.mu.Lock()
	remaining := make([]*invocation, 0, len(e.active))
	for _, inv := range e.active {
		remaining = append(remaining, inv)
	}
	e.mu.Unlock()

	cancelled := 0
	for _, inv := range remaining {
		inv.markCancelRequested()
		if e.finish(inv, inv.cancelledResponse(rpcv1.FailureCancelled, "worker drain grace period expired")) {
			cancelled++
		}
	}
	e.logger.Info("Drain grace expired", "cancelled", cancelled)
	return cancelled
}

// Close stops the dispatcher, cancels every invocation context and
// releases the pool without waiting for abandoned tasks
func (e *Executor) Close() {
	e.mu.Lock()
	e.stopped = true
	e.cond.Broadcast()
	e.mu.Unlock()

	e.cancel()
	e.pool.Release()
	<-e.dispatched
}

// Status reports current health
func (e *Executor) Status() *rpcv1.WorkerStatusResponse {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

func (e *Executor) statusLocked() *rpcv1.WorkerStatusResponse {
	st := &rpcv1.WorkerStatusResponse{
		Healthy:           true,
		ActiveInvocations: int32(e.running),
		QueuedInvocations: int32(e.queued),
		LoadedFunctions:   int32(e.functions.Count()),
	}
	switch {
	case e.draining:
		st.Healthy = false
		st.Reason = rpcv1.StatusReasonDraining
	case e.saturated:
		st.Healthy = false
		st.Reason = rpcv1.StatusReasonSaturated
	}
	return st
}

func (e *Executor) queuedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queued
}

// updateSaturation pushes an unsolicited status whenever the queue crosses
// the high-water mark in either direction
func (e *Executor) updateSaturation() {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()

	e.mu.Lock()
	saturated := e.queued > e.opts.QueueHighWater
	changed := saturated != e.saturated
	e.saturated = saturated
	st := e.statusLocked()
	e.mu.Unlock()

	if !changed {
		return
	}
	if saturated {
		e.logger.Warn("Worker saturated", "queued", st.QueuedInvocations, "high_water", e.opts.QueueHighWater)
	} else {
		e.logger.Info("Worker no longer saturated", "queued", st.QueuedInvocations)
	}
	e.sendStatus(st)
}

func (e *Executor) pushStatus() {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	e.sendStatus(e.Status())
}

func (e *Executor) sendStatus(st *rpcv1.WorkerStatusResponse) {
	if err := e.out.Enqueue(e.ctx, &rpcv1.StreamingMessage{WorkerStatusResponse: st}); err != nil {
		e.logger.Debug("Failed to push worker status", "error", err)
	}
}

// markStarted moves an invocation from queued to running. It reports false
// if the invocation already answered while queued
func (e *Executor) markStarted(inv *invocation) bool {
	e.mu.Lock()
	if inv.finished {
		e.mu.Unlock()
		return false
	}
	e.queued--
	e.running++
	inv.running = true
	e.mu.Unlock()

	e.metrics.SetQueued(e.queuedCount())
	e.metrics.InvocationStarted()
	e.updateSaturation()
	return true
}

// finish emits resp as the invocation's only response. It returns false if
// the invocation had already answered
func (e *Executor) finish(inv *invocation, resp *rpcv1.InvocationResponse) bool {
	if !inv.respond(resp) {
		return false
	}
	inv.release()

	e.mu.Lock()
	delete(e.active, inv.id)
	inv.finished = true
	wasRunning := inv.running
	if wasRunning {
		e.running--
	} else {
		e.queued--
	}
	e.mu.Unlock()
	e.inFlight.Done()

	e.metrics.LogDropped(int(inv.logs.Dropped()))
	if wasRunning {
		e.metrics.InvocationFinished(inv.functionID, resp.Status.String(), time.Since(inv.accepted))
	} else {
		e.metrics.InvocationRejected(inv.functionID, resp.Status.String())
		e.metrics.SetQueued(e.queuedCount())
		e.updateSaturation()
	}

	e.logger.Debug("Invocation finished",
		"invocation_id", inv.id,
		"status", resp.Status.String())
	return true
}
