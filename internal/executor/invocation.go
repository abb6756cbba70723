package executor

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	rpcv1 "github.com/AltairaLabs/funcworker/api/rpc/v1"
	"github.com/AltairaLabs/funcworker/internal/binding"
	"github.com/AltairaLabs/funcworker/internal/entrypoint"
	"github.com/AltairaLabs/funcworker/internal/registry"
)

var errCancelRequested = errors.New("invocation cancelled by host")

// invocation is the context of one InvocationRequest. It implements
// entrypoint.Context
type invocation struct {
	e          *Executor
	id         string
	functionID string
	req        *rpcv1.InvocationRequest
	accepted   time.Time
	trace      entrypoint.TraceContext

	ctx          context.Context
	cancel       context.CancelCauseFunc
	stopDeadline context.CancelFunc
	stopWatch    func() bool

	cancelRequested atomic.Bool
	grace           atomic.Int64

	logs   *rpcLogHandler
	logger *slog.Logger

	// mu orders log lines before the response
	mu        sync.Mutex
	responded bool
	timer     *time.Timer

	// guarded by Executor.mu
	running  bool
	finished bool
}

func (e *Executor) newInvocation(req *rpcv1.InvocationRequest) *invocation {
	ctx, cancel := context.WithCancelCause(e.ctx)
	stopDeadline := context.CancelFunc(func() {})
	if req.DeadlineMillis > 0 {
		ctx, stopDeadline = context.WithTimeout(ctx, time.Duration(req.DeadlineMillis)*time.Millisecond)
	}

	inv := &invocation{
		e:            e,
		id:           req.InvocationID,
		functionID:   req.FunctionID,
		req:          req,
		accepted:     time.Now(),
		trace:        traceContext(req.TraceContext),
		ctx:          ctx,
		cancel:       cancel,
		stopDeadline: stopDeadline,
	}

	limiter := rate.NewLimiter(rate.Limit(e.opts.LogRate), e.opts.LogBurst)
	inv.logs = newRPCLogHandler(req.InvocationID, "Function."+req.FunctionID+".User", e.opts.LogLevel, limiter, inv.emitLog)
	inv.logger = slog.New(inv.logs)
	inv.stopWatch = context.AfterFunc(ctx, inv.startGrace)
	return inv
}

// traceContext copies the host trace context, minting a W3C traceparent
// when the host sent none
func traceContext(tc *rpcv1.TraceContext) entrypoint.TraceContext {
	if tc != nil && tc.TraceParent != "" {
		return entrypoint.TraceContext{
			TraceParent: tc.TraceParent,
			TraceState:  tc.TraceState,
			Attributes:  tc.Attributes,
		}
	}
	traceID := uuid.New()
	spanID := uuid.New()
	out := entrypoint.TraceContext{
		TraceParent: "00-" + hex.EncodeToString(traceID[:]) + "-" + hex.EncodeToString(spanID[:8]) + "-01",
	}
	if tc != nil {
		out.TraceState = tc.TraceState
		out.Attributes = tc.Attributes
	}
	return out
}

// emitLog forwards one user log line unless the response already left
func (inv *invocation) emitLog(msg *rpcv1.RpcLog) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.responded {
		return nil
	}
	if err := inv.e.out.Enqueue(inv.e.ctx, &rpcv1.StreamingMessage{RpcLog: msg}); err != nil {
		return err
	}
	inv.e.metrics.LogLine(msg.Level)
	return nil
}

// respond enqueues resp if nothing was sent yet. A throttling summary is
// logged first so it too precedes the response
func (inv *invocation) respond(resp *rpcv1.InvocationResponse) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.responded {
		return false
	}
	inv.responded = true

	out := inv.e.out
	if dropped := inv.logs.Dropped(); dropped > 0 {
		_ = out.Enqueue(inv.e.ctx, &rpcv1.StreamingMessage{RpcLog: &rpcv1.RpcLog{
			InvocationID:      inv.id,
			Level:             rpcv1.LogWarning,
			Category:          inv.logs.category,
			Message:           fmt.Sprintf("%d log lines dropped by throttling", dropped),
			TimestampUnixNano: time.Now().UnixNano(),
		}})
	}
	if err := out.Enqueue(inv.e.ctx, &rpcv1.StreamingMessage{InvocationResponse: resp}); err != nil {
		inv.e.logger.Warn("Failed to enqueue invocation response",
			"invocation_id", inv.id,
			"error", err)
	}
	return true
}

// release frees the timers and contexts once the response is out. An
// abandoned task sees its context cancelled
func (inv *invocation) release() {
	inv.stopWatch()
	inv.mu.Lock()
	if inv.timer != nil {
		inv.timer.Stop()
	}
	inv.mu.Unlock()
	inv.stopDeadline()
	inv.cancel(nil)
}

func (inv *invocation) requestCancel(grace time.Duration) {
	inv.grace.Store(int64(grace))
	inv.markCancelRequested()
}

func (inv *invocation) markCancelRequested() {
	inv.cancelRequested.Store(true)
	inv.cancel(errCancelRequested)
}

// startGrace runs when the invocation context ends, by host cancel or by
// deadline, and arms the abandonment timer
func (inv *invocation) startGrace() {
	grace := time.Duration(inv.grace.Load())
	if grace <= 0 {
		grace = inv.e.opts.CancelGrace
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.responded || inv.timer != nil {
		return
	}
	inv.timer = time.AfterFunc(grace, func() {
		kind, msg := inv.cancelKind()
		if inv.e.finish(inv, inv.cancelledResponse(kind, msg+"; abandoned after grace period")) {
			inv.e.logger.Warn("Invocation abandoned after grace period",
				"invocation_id", inv.id,
				"grace", grace)
		}
	})
}

func (inv *invocation) cancelKind() (string, string) {
	if !inv.cancelRequested.Load() && errors.Is(inv.ctx.Err(), context.DeadlineExceeded) {
		return rpcv1.FailureDeadlineExceeded, "deadline exceeded"
	}
	return rpcv1.FailureCancelled, "invocation cancelled"
}

func (inv *invocation) cancelledResponse(kind, msg string) *rpcv1.InvocationResponse {
	return &rpcv1.InvocationResponse{
		InvocationID: inv.id,
		Status:       rpcv1.InvocationCancelled,
		Failure:      &rpcv1.FailureDetail{Kind: kind, Message: msg},
	}
}

func (inv *invocation) failed(failure *rpcv1.FailureDetail) *rpcv1.InvocationResponse {
	return &rpcv1.InvocationResponse{
		InvocationID: inv.id,
		Status:       rpcv1.InvocationFailure,
		Failure:      failure,
	}
}

// run executes one invocation on a pool worker
func (e *Executor) run(inv *invocation) {
	if !e.markStarted(inv) {
		return
	}
	if inv.IsCancelled() {
		kind, msg := inv.cancelKind()
		e.finish(inv, inv.cancelledResponse(kind, msg+" before start"))
		return
	}

	desc, err := e.functions.Lookup(inv.ctx, inv.functionID)
	if err != nil {
		if inv.IsCancelled() {
			kind, msg := inv.cancelKind()
			e.finish(inv, inv.cancelledResponse(kind, msg))
			return
		}
		e.finish(inv, inv.failed(&rpcv1.FailureDetail{
			Kind:    rpcv1.FailureFunctionNotLoaded,
			Message: err.Error(),
		}))
		return
	}

	args, failure := inv.bindArgs(desc)
	if failure != nil {
		e.finish(inv, inv.failed(failure))
		return
	}

	result, callErr := inv.call(desc.EntryPoint, args)
	e.finish(inv, inv.complete(desc, args, result, callErr))
}

// bindArgs materializes every argument; the first failure stops binding
// before the entry point runs
func (inv *invocation) bindArgs(desc *registry.Descriptor) ([]any, *rpcv1.FailureDetail) {
	inputs := make(map[string]*rpcv1.TypedValue, len(inv.req.InputData))
	for _, pb := range inv.req.InputData {
		if pb == nil {
			continue
		}
		if _, dup := inputs[pb.Name]; dup {
			return nil, bindingFailure(binding.WithParam(errors.New("duplicate input"), pb.Name))
		}
		inputs[pb.Name] = pb.Value
	}

	args := make([]any, len(desc.Args))
	for i, a := range desc.Args {
		switch a.Param.Kind {
		case entrypoint.ParamInput:
			v, ok := inputs[a.Binding]
			if !ok {
				return nil, bindingFailure(binding.WithParam(errors.New("missing input"), a.Binding))
			}
			arg, err := binding.ToArg(v, a.Param.Type, binding.WithSchema(a.Schema))
			if err != nil {
				return nil, bindingFailure(binding.WithParam(err, a.Binding))
			}
			args[i] = arg

		case entrypoint.ParamHandle:
			out := entrypoint.NewOut(nil, false)
			if a.Seeded {
				if v, ok := inputs[a.Binding]; ok {
					seed, err := binding.ToArg(v, a.Param.Type)
					if err != nil {
						return nil, bindingFailure(binding.WithParam(err, a.Binding))
					}
					out = entrypoint.NewOut(seed, true)
				}
			}
			args[i] = out

		case entrypoint.ParamSlot:
			args[i] = inv.slot(a.Param.Slot)
		}
	}
	return args, nil
}

func (inv *invocation) slot(s entrypoint.Slot) any {
	switch s {
	case entrypoint.SlotInvocationID:
		return inv.id
	case entrypoint.SlotTraceContext:
		return inv.trace
	case entrypoint.SlotLogger:
		return inv.logger
	case entrypoint.SlotContext:
		return entrypoint.Context(inv)
	}
	return nil
}

// call runs the entry point, converting a panic into an error
func (inv *invocation) call(ep entrypoint.EntryPoint, args []any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recovered(r)
		}
	}()
	return ep.Call(entrypoint.WithLogger(inv.ctx, inv.logger), args)
}

// complete maps the call outcome to the response
func (inv *invocation) complete(desc *registry.Descriptor, args []any, result any, callErr error) *rpcv1.InvocationResponse {
	if inv.IsCancelled() {
		kind, msg := inv.cancelKind()
		return inv.cancelledResponse(kind, msg)
	}
	if callErr != nil {
		var pe *panicError
		if errors.As(callErr, &pe) {
			inv.e.logger.Warn("User function panicked", "invocation_id", inv.id, "panic", pe.value)
		}
		return inv.failed(userFailure(callErr))
	}

	resp := &rpcv1.InvocationResponse{InvocationID: inv.id, Status: rpcv1.InvocationSuccess}

	record, isRecord := result.(map[string]any)
	for _, o := range desc.Outputs {
		var (
			v  any
			ok bool
		)
		switch o.Source {
		case registry.FromHandle:
			if out, isOut := args[o.ArgIndex].(*entrypoint.Out); isOut {
				v, ok = out.Get()
			}
		case registry.FromField:
			if result != nil && !isRecord {
				return inv.failed(bindingFailure(binding.WithParam(
					fmt.Errorf("return value %T is not a record", result), o.Name)))
			}
			v, ok = record[o.Name]
		}
		if !ok {
			continue
		}

		tv, err := binding.FromOutput(v, o.TransportType)
		if err != nil {
			return inv.failed(bindingFailure(binding.WithParam(err, o.Name)))
		}
		if tv != nil {
			resp.OutputData = append(resp.OutputData, &rpcv1.ParameterBinding{Name: o.Name, Value: tv})
		}
	}

	if desc.Return != nil {
		tv, err := binding.FromOutput(result, desc.Return.TransportType)
		if err != nil {
			return inv.failed(bindingFailure(binding.WithParam(err, desc.Return.Name)))
		}
		resp.ReturnValue = tv
	}
	return resp
}

// InvocationID implements entrypoint.Context
func (inv *invocation) InvocationID() string { return inv.id }

// FunctionID implements entrypoint.Context
func (inv *invocation) FunctionID() string { return inv.functionID }

// IsCancelled implements entrypoint.Context
func (inv *invocation) IsCancelled() bool {
	return inv.cancelRequested.Load() || inv.ctx.Err() != nil
}

// Done implements entrypoint.Context
func (inv *invocation) Done() <-chan struct{} { return inv.ctx.Done() }

// Metadata implements entrypoint.Context
func (inv *invocation) Metadata(name, declaredType string) (any, error) {
	v, ok := inv.req.TriggerMetadata[name]
	if !ok {
		return nil, binding.WithParam(errors.New("no such trigger metadata"), name)
	}
	arg, err := binding.ToArg(v, declaredType)
	if err != nil {
		return nil, binding.WithParam(err, name)
	}
	return arg, nil
}

// Logger implements entrypoint.Context
func (inv *invocation) Logger() *slog.Logger { return inv.logger }
