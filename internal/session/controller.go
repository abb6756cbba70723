// Package session drives one worker session: the handshake, steady-state
// dispatch of host messages and the shutdown paths
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"google.golang.org/grpc/codes"

	rpcv1 "github.com/AltairaLabs/funcworker/api/rpc/v1"
	"github.com/AltairaLabs/funcworker/internal/config"
	"github.com/AltairaLabs/funcworker/internal/entrypoint"
	"github.com/AltairaLabs/funcworker/internal/executor"
	"github.com/AltairaLabs/funcworker/internal/logging"
	"github.com/AltairaLabs/funcworker/internal/metrics"
	"github.com/AltairaLabs/funcworker/internal/registry"
	"github.com/AltairaLabs/funcworker/internal/router"
	"github.com/AltairaLabs/funcworker/internal/transport"
)

const (
	// flushTimeout bounds writing queued messages during shutdown
	flushTimeout = 5 * time.Second
	// readerTimeout bounds the wait for the inbound reader after close
	readerTimeout = 5 * time.Second
)

// Stream is the event stream a session runs over
type Stream interface {
	router.Stream
	Close() error
}

// DialFunc opens the event stream
type DialFunc func(ctx context.Context) (Stream, error)

// Options configures a Controller
type Options struct {
	WorkerID string
	// RequestID tags StartStream
	RequestID     string
	WorkerVersion string
	Config        *config.Config
	Resolver      entrypoint.Resolver
	Dial          DialFunc
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// Controller owns the transport, the registry and the executor for the
// lifetime of one session
type Controller struct {
	opts   Options
	cfg    *config.Config
	logger *slog.Logger
	state  atomic.Int32

	stream   Stream
	router   *router.Router
	registry *registry.Registry
	exec     *executor.Executor

	initDone  chan struct{}
	terminate chan time.Duration
	fatal     chan error
	runDone   chan error
}

// New creates a controller in the Connecting state
func New(opts Options) (*Controller, error) {
	if opts.Dial == nil {
		return nil, errors.New("session: dial function is required")
	}
	if opts.Resolver == nil {
		return nil, errors.New("session: entry point resolver is required")
	}
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.WorkerVersion == "" {
		opts.WorkerVersion = "dev"
	}

	c := &Controller{
		opts:      opts,
		cfg:       opts.Config,
		logger:    opts.Logger.With("worker_id", opts.WorkerID),
		initDone:  make(chan struct{}),
		terminate: make(chan time.Duration, 1),
		fatal:     make(chan error, 1),
		runDone:   make(chan error, 1),
	}
	c.setState(Connecting)
	return c, nil
}

// State returns the current session state
func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		logging.Trace(c.logger, "Session state changed", "from", old.String(), "to", s.String())
	}
}

// Run connects and serves the session until it terminates. Cancelling ctx
// starts a drain with the configured grace. It returns nil after a drain
// and the terminal error otherwise
func (c *Controller) Run(ctx context.Context) error {
	stream, err := c.opts.Dial(ctx)
	if err != nil {
		c.setState(Terminated)
		logging.Critical(c.logger, "Failed to open event stream", "error", err)
		return err
	}
	c.stream = stream

	if err := c.build(); err != nil {
		_ = stream.Close()
		c.setState(Terminated)
		logging.Critical(c.logger, "Failed to start session", "error", err)
		return err
	}

	c.setState(AwaitingWorkerInit)
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go func() {
		c.runDone <- c.router.Run(runCtx)
	}()

	start := &rpcv1.StreamingMessage{
		RequestID: c.opts.RequestID,
		StartStream: &rpcv1.StartStream{
			WorkerID:        c.opts.WorkerID,
			ProtocolVersion: rpcv1.ProtocolVersion,
		},
	}
	if err := c.router.Enqueue(ctx, start); err != nil {
		return c.fail(&transport.Error{Op: "start stream", Code: codes.Unavailable, Err: err})
	}

	initTimer := time.NewTimer(c.cfg.InitTimeout)
	defer initTimer.Stop()
	initDone := c.initDone

	for {
		select {
		case <-initDone:
			initTimer.Stop()
			initDone = nil
			c.logger.Info("Worker ready")

		case <-initTimer.C:
			if c.State() == AwaitingWorkerInit {
				return c.fail(&transport.Error{Op: "handshake", Code: codes.DeadlineExceeded, Err: ErrInitTimeout})
			}

		case grace := <-c.terminate:
			return c.drain(grace)

		case <-ctx.Done():
			c.logger.Info("Shutdown requested")
			return c.drain(c.cfg.DrainGrace)

		case err := <-c.fatal:
			return c.fail(err)

		case err := <-c.runDone:
			c.runDone <- err
			if err == nil {
				err = &transport.Error{Op: "recv", Code: codes.Unavailable, Err: ErrStreamEnded}
			}
			return c.fail(err)

		case <-c.router.Dead():
			return c.fail(c.router.Err())
		}
	}
}

// build wires the router lanes to the registry and executor
func (c *Controller) build() error {
	c.router = router.New(c.stream, router.Options{
		QueueSize: c.cfg.OutboundQueueSize,
		Logger:    c.logger,
	})

	var regOpts []registry.Option
	if c.opts.Metrics != nil {
		regOpts = append(regOpts, registry.WithObserver(c.opts.Metrics))
	}
	c.registry = registry.New(c.opts.Resolver, c.logger, regOpts...)

	exec, err := executor.New(c.router, c.registry, executor.Options{
		MaxConcurrency: c.cfg.MaxConcurrency,
		QueueHighWater: c.cfg.QueueHighWater,
		CancelGrace:    c.cfg.CancelGrace,
		LogLevel:       c.cfg.LogLevel,
		LogRate:        c.cfg.LogRate,
		LogBurst:       c.cfg.LogBurst,
		Logger:         c.logger,
		Metrics:        c.opts.Metrics,
	})
	if err != nil {
		return err
	}
	c.exec = exec

	c.router.SetFilter(c.filter)
	c.router.Handle("registry", c.handleLoad, rpcv1.KindFunctionLoadRequest)
	c.router.Handle("invocations", c.handleInvocation, rpcv1.KindInvocationRequest, rpcv1.KindInvocationCancel)
	c.router.Handle("control", c.handleControl, rpcv1.KindWorkerStatusRequest, rpcv1.KindWorkerTerminate)
	return nil
}

// filter runs on the reader goroutine in arrival order. It completes the
// handshake inline, gates traffic on the session state and registers
// pending loads before any later invocation can be dispatched
func (c *Controller) filter(msg *rpcv1.StreamingMessage) bool {
	kind := msg.Kind()
	state := c.State()

	switch kind {
	case rpcv1.KindWorkerInitRequest:
		if state != AwaitingWorkerInit {
			c.protocolError(msg, state, "duplicate WorkerInitRequest")
			return false
		}
		c.handleInit(msg)
		return false

	case rpcv1.KindFunctionLoadRequest, rpcv1.KindInvocationRequest, rpcv1.KindInvocationCancel,
		rpcv1.KindWorkerStatusRequest, rpcv1.KindWorkerTerminate:
		if state < Ready {
			c.protocolError(msg, state, "received before WorkerInitRequest")
			return false
		}
		if kind == rpcv1.KindFunctionLoadRequest {
			if msg.FunctionLoadRequest.FunctionID == "" {
				c.protocolError(msg, state, "function load without id")
				return false
			}
			c.registry.Expect(msg.FunctionLoadRequest.FunctionID)
		}
		return true

	default:
		c.protocolError(msg, state, "not a host-to-worker message")
		return false
	}
}

func (c *Controller) handleInit(msg *rpcv1.StreamingMessage) {
	req := msg.WorkerInitRequest
	resp := &rpcv1.WorkerInitResponse{
		WorkerVersion: c.opts.WorkerVersion,
		Capabilities:  capabilities(),
		Result:        &rpcv1.StatusResult{Status: rpcv1.StatusSuccess},
	}

	var fatal error
	if req.ProtocolVersion != rpcv1.ProtocolVersion {
		fatal = &transport.Error{
			Op:   "handshake",
			Code: codes.FailedPrecondition,
			Err:  fmt.Errorf("%w: host speaks %d, worker speaks %d", ErrProtocolVersion, req.ProtocolVersion, rpcv1.ProtocolVersion),
		}
		resp.Result = &rpcv1.StatusResult{
			Status:  rpcv1.StatusFailure,
			Message: fatal.Error(),
		}
	}

	out := &rpcv1.StreamingMessage{RequestID: msg.RequestID, WorkerInitResponse: resp}
	if err := c.router.Enqueue(context.Background(), out); err != nil {
		c.raise(err)
		return
	}
	if fatal != nil {
		c.raise(fatal)
		return
	}

	c.logger.Info("Worker initialized",
		"host_version", req.HostVersion,
		"protocol_version", req.ProtocolVersion)
	c.setState(Ready)
	close(c.initDone)
}

func capabilities() map[string]string {
	return map[string]string{
		"InvocationCancel":   "true",
		"InvocationDeadline": "true",
		"WorkerStatus":       "true",
		"RawHttpBodyBytes":   "true",
		"JsonSchema":         "true",
	}
}

func (c *Controller) handleLoad(ctx context.Context, msg *rpcv1.StreamingMessage) {
	err := c.registry.Load(ctx, msg.FunctionLoadRequest, func(resp *rpcv1.FunctionLoadResponse) error {
		return c.router.Enqueue(ctx, &rpcv1.StreamingMessage{
			RequestID:            msg.RequestID,
			FunctionLoadResponse: resp,
		})
	})
	if errors.Is(err, registry.ErrDuplicateFunction) {
		c.protocolError(msg, c.State(), "duplicate function id")
	}
}

func (c *Controller) handleInvocation(_ context.Context, msg *rpcv1.StreamingMessage) {
	switch {
	case msg.InvocationRequest != nil:
		c.exec.Submit(msg.InvocationRequest)
	case msg.InvocationCancel != nil:
		cancel := msg.InvocationCancel
		c.exec.Cancel(cancel.InvocationID, time.Duration(cancel.GraceMillis)*time.Millisecond)
	}
}

func (c *Controller) handleControl(ctx context.Context, msg *rpcv1.StreamingMessage) {
	switch {
	case msg.WorkerStatusRequest != nil:
		out := &rpcv1.StreamingMessage{RequestID: msg.RequestID, WorkerStatusResponse: c.exec.Status()}
		if err := c.router.Enqueue(ctx, out); err != nil {
			c.logger.Debug("Failed to answer status request", "error", err)
		}
	case msg.WorkerTerminate != nil:
		grace := time.Duration(msg.WorkerTerminate.GraceMillis) * time.Millisecond
		if grace <= 0 {
			grace = c.cfg.DrainGrace
		}
		select {
		case c.terminate <- grace:
		default:
			c.logger.Debug("Terminate already in progress")
		}
	}
}

func (c *Controller) protocolError(msg *rpcv1.StreamingMessage, state State, reason string) {
	err := &ProtocolError{Kind: msg.Kind(), RequestID: msg.RequestID, State: state, Reason: reason}
	c.logger.Warn("Dropping message", "error", err)
}

// raise reports a terminal error to Run
func (c *Controller) raise(err error) {
	select {
	case c.fatal <- err:
	default:
	}
}

// drain finishes in-flight invocations within grace, flushes every queued
// response and closes the stream
func (c *Controller) drain(grace time.Duration) error {
	c.setState(Draining)
	c.logger.Info("Draining", "grace", grace)

	cancelled := c.exec.Drain(context.Background(), grace)
	c.shutdown()
	c.setState(Terminated)

	c.logger.Info("Session drained", "cancelled", cancelled)
	return nil
}

// fail terminates the session on a fatal error
func (c *Controller) fail(err error) error {
	c.setState(Terminated)
	logging.Critical(c.logger, "Session terminated", "error", err)
	c.shutdown()
	return err
}

func (c *Controller) shutdown() {
	flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	if err := c.router.Flush(flushCtx); err != nil {
		c.logger.Warn("Outbound queue not fully flushed", "pending", c.router.Pending(), "error", err)
	}
	cancel()

	if err := c.stream.Close(); err != nil {
		c.logger.Debug("Stream close failed", "error", err)
	}

	select {
	case err := <-c.runDone:
		c.runDone <- err
	case <-time.After(readerTimeout):
		c.logger.Warn("Inbound reader did not stop in time")
	}
	c.exec.Close()
}
