package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rpcv1 "github.com/AltairaLabs/funcworker/api/rpc/v1"
	"github.com/AltairaLabs/funcworker/internal/binding"
	"github.com/AltairaLabs/funcworker/internal/entrypoint"
	"github.com/AltairaLabs/funcworker/internal/entrypoint/builtin"
	"github.com/AltairaLabs/funcworker/internal/registry"
)

// wire records every enqueued message in order
type wire struct {
	mu     sync.Mutex
	msgs   []*rpcv1.StreamingMessage
	notify chan struct{}
}

func newWire() *wire {
	return &wire{notify: make(chan struct{}, 1)}
}

func (w *wire) Enqueue(_ context.Context, msg *rpcv1.StreamingMessage) error {
	w.mu.Lock()
	w.msgs = append(w.msgs, msg)
	w.mu.Unlock()
	select {
	case w.notify <- struct{}{}:
	default:
	}
	return nil
}

func (w *wire) snapshot() []*rpcv1.StreamingMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*rpcv1.StreamingMessage(nil), w.msgs...)
}

func (w *wire) responses() map[string][]*rpcv1.InvocationResponse {
	out := make(map[string][]*rpcv1.InvocationResponse)
	for _, m := range w.snapshot() {
		if r := m.InvocationResponse; r != nil {
			out[r.InvocationID] = append(out[r.InvocationID], r)
		}
	}
	return out
}

func (w *wire) statuses() []*rpcv1.WorkerStatusResponse {
	var out []*rpcv1.WorkerStatusResponse
	for _, m := range w.snapshot() {
		if m.WorkerStatusResponse != nil {
			out = append(out, m.WorkerStatusResponse)
		}
	}
	return out
}

// await blocks until the response for id arrives
func (w *wire) await(t *testing.T, id string, timeout time.Duration) *rpcv1.InvocationResponse {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if rs := w.responses()[id]; len(rs) > 0 {
			return rs[0]
		}
		select {
		case <-w.notify:
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			t.Fatalf("no response for %s within %v", id, timeout)
			return nil
		}
	}
}

const (
	logSpam  = "logSpam"
	boom     = "boom"
	stubborn = "stubborn"
	profile  = "profile"
)

func testCatalog() *entrypoint.Catalog {
	catalog := entrypoint.NewCatalog()
	builtin.Register(catalog)
	catalog.MustRegister(
		entrypoint.NewFunc(logSpam, entrypoint.Signature{
			Params: []entrypoint.Param{
				entrypoint.Input("count", binding.TypeInt64),
				entrypoint.SlotParam(entrypoint.SlotLogger),
			},
		}, func(_ context.Context, args []any) (any, error) {
			n, _ := args[0].(int64)
			logger := args[1].(*slog.Logger)
			for i := int64(0); i < n; i++ {
				logger.Info("line", "i", i)
			}
			return nil, nil
		}),
		entrypoint.NewFunc(boom, entrypoint.Signature{}, func(context.Context, []any) (any, error) {
			panic("kaboom")
		}),
		entrypoint.NewFunc(stubborn, entrypoint.Signature{
			Params: []entrypoint.Param{entrypoint.Input("millis", binding.TypeInt64)},
		}, func(_ context.Context, args []any) (any, error) {
			millis, _ := args[0].(int64)
			time.Sleep(time.Duration(millis) * time.Millisecond)
			return nil, nil
		}),
		entrypoint.NewFunc(profile, entrypoint.Signature{
			Params: []entrypoint.Param{
				entrypoint.Input("name", binding.TypeString),
				entrypoint.Handle("audit", binding.TypeString),
				entrypoint.SlotParam(entrypoint.SlotInvocationID),
				entrypoint.SlotParam(entrypoint.SlotTraceContext),
			},
			Return: &entrypoint.Return{Type: binding.TypeJSON, Fields: []entrypoint.Field{
				{Name: "greeting", Type: binding.TypeString},
				{Name: "trace", Type: binding.TypeString},
			}},
		}, func(_ context.Context, args []any) (any, error) {
			name := args[0].(string)
			args[1].(*entrypoint.Out).Set("seen " + args[2].(string))
			tc := args[3].(entrypoint.TraceContext)
			return map[string]any{"greeting": "hello " + name, "trace": tc.TraceParent}, nil
		}),
	)
	return catalog
}

type harness struct {
	exec *Executor
	reg  *registry.Registry
	wire *wire
}

func newHarness(t *testing.T, opts Options, extra ...entrypoint.EntryPoint) *harness {
	t.Helper()
	catalog := testCatalog()
	catalog.MustRegister(extra...)
	reg := registry.New(catalog, nil)
	w := newWire()
	exec, err := New(w, reg, opts)
	require.NoError(t, err)
	t.Cleanup(exec.Close)
	return &harness{exec: exec, reg: reg, wire: w}
}

func in(transport string) *rpcv1.BindingInfo {
	return &rpcv1.BindingInfo{Direction: rpcv1.DirectionIn, TransportType: transport}
}

func (h *harness) load(t *testing.T, id, entry string, bindings map[string]*rpcv1.BindingInfo, ret *rpcv1.BindingInfo) {
	t.Helper()
	req := &rpcv1.FunctionLoadRequest{
		FunctionID: id,
		Metadata: &rpcv1.FunctionMetadata{
			Name:          entry,
			EntryPoint:    entry,
			Bindings:      bindings,
			ReturnBinding: ret,
		},
	}
	h.reg.Expect(id)
	require.NoError(t, h.reg.Load(context.Background(), req, func(resp *rpcv1.FunctionLoadResponse) error {
		if resp.Result.Status != rpcv1.StatusSuccess {
			return fmt.Errorf("load failed: %s", resp.Result.Message)
		}
		return nil
	}))
}

func (h *harness) loadEcho(t *testing.T) {
	h.load(t, "f1", builtin.Echo,
		map[string]*rpcv1.BindingInfo{"msg": in(rpcv1.TypeString)},
		&rpcv1.BindingInfo{Direction: rpcv1.DirectionOut, TransportType: rpcv1.TypeString})
}

func (h *harness) loadSleep(t *testing.T, id string) {
	h.load(t, id, builtin.Sleep,
		map[string]*rpcv1.BindingInfo{"millis": in(rpcv1.TypeInt)},
		&rpcv1.BindingInfo{Direction: rpcv1.DirectionOut, TransportType: rpcv1.TypeInt})
}

func invoke(id, fid string, args ...*rpcv1.ParameterBinding) *rpcv1.InvocationRequest {
	return &rpcv1.InvocationRequest{InvocationID: id, FunctionID: fid, InputData: args}
}

func arg(name string, v *rpcv1.TypedValue) *rpcv1.ParameterBinding {
	return &rpcv1.ParameterBinding{Name: name, Value: v}
}

func TestSubmit_HappyPath(t *testing.T) {
	h := newHarness(t, Options{})
	h.loadEcho(t)

	h.exec.Submit(invoke("i1", "f1", arg("msg", rpcv1.StringValue("hi"))))

	resp := h.wire.await(t, "i1", time.Second)
	assert.Equal(t, rpcv1.InvocationSuccess, resp.Status)
	require.NotNil(t, resp.ReturnValue)
	assert.Equal(t, "hi", resp.ReturnValue.String)
	assert.Nil(t, resp.Failure)
}

func TestSubmit_BindingError(t *testing.T) {
	h := newHarness(t, Options{})
	h.loadEcho(t)

	h.exec.Submit(invoke("i2", "f1", arg("msg", rpcv1.BytesValue([]byte{0xFF, 0xFE}))))

	resp := h.wire.await(t, "i2", time.Second)
	assert.Equal(t, rpcv1.InvocationFailure, resp.Status)
	require.NotNil(t, resp.Failure)
	assert.Equal(t, rpcv1.FailureBindingError, resp.Failure.Kind)
	assert.Equal(t, "msg", resp.Failure.Parameter)
}

func TestSubmit_InputFailures(t *testing.T) {
	tests := []struct {
		name  string
		req   *rpcv1.InvocationRequest
		kind  string
		param string
	}{
		{
			name:  "missing input",
			req:   invoke("m1", "f1"),
			kind:  rpcv1.FailureBindingError,
			param: "msg",
		},
		{
			name: "duplicate input",
			req: invoke("m2", "f1",
				arg("msg", rpcv1.StringValue("a")),
				arg("msg", rpcv1.StringValue("b"))),
			kind:  rpcv1.FailureBindingError,
			param: "msg",
		},
		{
			name:  "incompatible kind",
			req:   invoke("m3", "f1", arg("msg", rpcv1.IntValue(3))),
			kind:  rpcv1.FailureBindingError,
			param: "msg",
		},
	}

	h := newHarness(t, Options{})
	h.loadEcho(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.exec.Submit(tt.req)
			resp := h.wire.await(t, tt.req.InvocationID, time.Second)
			assert.Equal(t, rpcv1.InvocationFailure, resp.Status)
			require.NotNil(t, resp.Failure)
			assert.Equal(t, tt.kind, resp.Failure.Kind)
			assert.Equal(t, tt.param, resp.Failure.Parameter)
		})
	}
}

func TestSubmit_UnknownFunction(t *testing.T) {
	h := newHarness(t, Options{})

	h.exec.Submit(invoke("i3", "f99"))

	resp := h.wire.await(t, "i3", time.Second)
	assert.Equal(t, rpcv1.InvocationFailure, resp.Status)
	assert.Equal(t, rpcv1.FailureFunctionNotLoaded, resp.Failure.Kind)
}

func TestSubmit_WaitsForPendingLoad(t *testing.T) {
	h := newHarness(t, Options{})
	h.reg.Expect("f1")
	h.exec.Submit(invoke("i1", "f1", arg("msg", rpcv1.StringValue("late"))))

	time.Sleep(20 * time.Millisecond)
	h.loadEcho(t)

	resp := h.wire.await(t, "i1", time.Second)
	assert.Equal(t, rpcv1.InvocationSuccess, resp.Status)
	assert.Equal(t, "late", resp.ReturnValue.String)
}

func TestCancel_CooperativeFunction(t *testing.T) {
	h := newHarness(t, Options{CancelGrace: 100 * time.Millisecond})
	h.loadSleep(t, "s1")

	h.exec.Submit(invoke("i4", "s1", arg("millis", rpcv1.IntValue(5000))))
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	h.exec.Cancel("i4", 0)

	resp := h.wire.await(t, "i4", time.Second)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
	assert.Equal(t, rpcv1.InvocationCancelled, resp.Status)
	require.NotNil(t, resp.Failure)
	assert.Equal(t, rpcv1.FailureCancelled, resp.Failure.Kind)
	assert.NotContains(t, resp.Failure.Message, "abandoned")
}

// cancelWatcher blocks until its invocation is cancelled and reports what
// IsCancelled returned at that point
func cancelWatcher(seen chan<- bool) entrypoint.EntryPoint {
	return entrypoint.NewFunc("watchCancel", entrypoint.Signature{
		Params: []entrypoint.Param{entrypoint.SlotParam(entrypoint.SlotContext)},
	}, func(_ context.Context, args []any) (any, error) {
		ic := args[0].(entrypoint.Context)
		select {
		case <-ic.Done():
		case <-time.After(5 * time.Second):
		}
		seen <- ic.IsCancelled()
		return nil, nil
	})
}

func TestCancel_FunctionObservesFlag(t *testing.T) {
	seen := make(chan bool, 1)
	h := newHarness(t, Options{CancelGrace: 100 * time.Millisecond}, cancelWatcher(seen))
	h.load(t, "w1", "watchCancel", nil, nil)

	h.exec.Submit(invoke("i4", "w1"))
	time.Sleep(50 * time.Millisecond)
	h.exec.Cancel("i4", 0)

	select {
	case cancelled := <-seen:
		assert.True(t, cancelled)
	case <-time.After(time.Second):
		t.Fatal("entry point never returned after cancel")
	}

	resp := h.wire.await(t, "i4", time.Second)
	assert.Equal(t, rpcv1.InvocationCancelled, resp.Status)
	require.NotNil(t, resp.Failure)
	assert.Equal(t, "invocation cancelled", resp.Failure.Message)
}

func TestCancel_AbandonsAfterGrace(t *testing.T) {
	h := newHarness(t, Options{})
	h.load(t, "st", stubborn, map[string]*rpcv1.BindingInfo{"millis": in(rpcv1.TypeInt)}, nil)

	h.exec.Submit(invoke("i5", "st", arg("millis", rpcv1.IntValue(2000))))
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	h.exec.Cancel("i5", 50*time.Millisecond)

	resp := h.wire.await(t, "i5", time.Second)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
	assert.Equal(t, rpcv1.InvocationCancelled, resp.Status)
	assert.Contains(t, resp.Failure.Message, "abandoned")
}

func TestCancel_UnknownInvocationIgnored(t *testing.T) {
	h := newHarness(t, Options{})
	h.exec.Cancel("nope", 0)
	assert.Empty(t, h.wire.responses())
}

func TestDeadline_Exceeded(t *testing.T) {
	h := newHarness(t, Options{CancelGrace: 50 * time.Millisecond})
	h.loadSleep(t, "s1")

	req := invoke("d1", "s1", arg("millis", rpcv1.IntValue(5000)))
	req.DeadlineMillis = 30
	h.exec.Submit(req)

	resp := h.wire.await(t, "d1", time.Second)
	assert.Equal(t, rpcv1.InvocationCancelled, resp.Status)
	assert.Equal(t, rpcv1.FailureDeadlineExceeded, resp.Failure.Kind)
}

func TestDrain_SplitsFinishedAndCancelled(t *testing.T) {
	h := newHarness(t, Options{CancelGrace: time.Second})
	h.load(t, "st", stubborn, map[string]*rpcv1.BindingInfo{"millis": in(rpcv1.TypeInt)}, nil)

	h.exec.Submit(invoke("fast", "st", arg("millis", rpcv1.IntValue(100))))
	h.exec.Submit(invoke("slow", "st", arg("millis", rpcv1.IntValue(5000))))
	time.Sleep(10 * time.Millisecond)

	start := time.Now()
	cancelled := h.exec.Drain(context.Background(), 500*time.Millisecond)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, cancelled)

	rs := h.wire.responses()
	require.Len(t, rs["fast"], 1)
	require.Len(t, rs["slow"], 1)
	assert.Equal(t, rpcv1.InvocationSuccess, rs["fast"][0].Status)
	assert.Equal(t, rpcv1.InvocationCancelled, rs["slow"][0].Status)

	h.exec.Submit(invoke("after", "st", arg("millis", rpcv1.IntValue(1))))
	resp := h.wire.await(t, "after", time.Second)
	assert.Equal(t, rpcv1.FailureWorkerShuttingDown, resp.Failure.Kind)

	statuses := h.wire.statuses()
	require.NotEmpty(t, statuses)
	assert.False(t, statuses[0].Healthy)
	assert.Equal(t, rpcv1.StatusReasonDraining, statuses[0].Reason)
}

func TestDrain_ReturnsEarlyWhenIdle(t *testing.T) {
	h := newHarness(t, Options{})
	h.loadEcho(t)
	h.exec.Submit(invoke("i1", "f1", arg("msg", rpcv1.StringValue("x"))))
	h.wire.await(t, "i1", time.Second)

	start := time.Now()
	assert.Equal(t, 0, h.exec.Drain(context.Background(), 5*time.Second))
	assert.Less(t, time.Since(start), time.Second)
}

func TestResponses_ExactlyOnePerRequest(t *testing.T) {
	h := newHarness(t, Options{MaxConcurrency: 4, CancelGrace: 20 * time.Millisecond})
	h.loadEcho(t)
	h.loadSleep(t, "s1")

	const n = 50
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("e%d", i)
		switch i % 3 {
		case 0:
			h.exec.Submit(invoke(id, "f1", arg("msg", rpcv1.StringValue(id))))
		case 1:
			h.exec.Submit(invoke(id, "s1", arg("millis", rpcv1.IntValue(30))))
			h.exec.Cancel(id, 0)
		default:
			h.exec.Submit(invoke(id, "missing"))
		}
	}
	// duplicate ids are dropped while live
	h.exec.Submit(invoke("long", "s1", arg("millis", rpcv1.IntValue(200))))
	h.exec.Submit(invoke("long", "f1", arg("msg", rpcv1.StringValue("dup"))))

	for i := 0; i < n; i++ {
		h.wire.await(t, fmt.Sprintf("e%d", i), 2*time.Second)
	}
	long := h.wire.await(t, "long", 2*time.Second)
	assert.Equal(t, rpcv1.InvocationSuccess, long.Status)
	assert.Equal(t, int64(200), long.ReturnValue.Int)
	time.Sleep(100 * time.Millisecond)

	rs := h.wire.responses()
	assert.Len(t, rs, n+1)
	for id, list := range rs {
		assert.Len(t, list, 1, "invocation %s", id)
	}
}

func TestLogs_PrecedeResponse(t *testing.T) {
	h := newHarness(t, Options{LogLevel: slog.LevelDebug})
	h.load(t, "ls", logSpam, map[string]*rpcv1.BindingInfo{"count": in(rpcv1.TypeInt)}, nil)

	h.exec.Submit(invoke("l1", "ls", arg("count", rpcv1.IntValue(20))))
	h.wire.await(t, "l1", time.Second)
	time.Sleep(20 * time.Millisecond)

	var logs int
	responded := false
	for _, m := range h.wire.snapshot() {
		if m.RpcLog != nil && m.RpcLog.InvocationID == "l1" {
			assert.False(t, responded, "log after response")
			assert.Equal(t, "Function.ls.User", m.RpcLog.Category)
			assert.Equal(t, rpcv1.LogInfo, m.RpcLog.Level)
			logs++
		}
		if m.InvocationResponse != nil && m.InvocationResponse.InvocationID == "l1" {
			responded = true
		}
	}
	assert.Equal(t, 20, logs)
}

func TestLogs_ThrottledWithSummary(t *testing.T) {
	h := newHarness(t, Options{LogRate: 1, LogBurst: 5})
	h.load(t, "ls", logSpam, map[string]*rpcv1.BindingInfo{"count": in(rpcv1.TypeInt)}, nil)

	h.exec.Submit(invoke("l2", "ls", arg("count", rpcv1.IntValue(50))))
	h.wire.await(t, "l2", time.Second)

	var lines []*rpcv1.RpcLog
	for _, m := range h.wire.snapshot() {
		if m.RpcLog != nil && m.RpcLog.InvocationID == "l2" {
			lines = append(lines, m.RpcLog)
		}
	}
	require.NotEmpty(t, lines)
	assert.Less(t, len(lines), 50)
	last := lines[len(lines)-1]
	assert.Equal(t, rpcv1.LogWarning, last.Level)
	assert.Contains(t, last.Message, "dropped")
}

func TestPanic_ReportedAsUserFailure(t *testing.T) {
	h := newHarness(t, Options{})
	h.load(t, "b", boom, nil, nil)

	h.exec.Submit(invoke("p1", "b"))

	resp := h.wire.await(t, "p1", time.Second)
	assert.Equal(t, rpcv1.InvocationFailure, resp.Status)
	assert.Equal(t, rpcv1.FailureUserFailure, resp.Failure.Kind)
	assert.Contains(t, resp.Failure.Message, "kaboom")
	assert.NotEmpty(t, resp.Failure.Stack)
}

func TestUserError_ReportedAsUserFailure(t *testing.T) {
	h := newHarness(t, Options{})
	h.load(t, "fl", builtin.Fail, map[string]*rpcv1.BindingInfo{"message": in(rpcv1.TypeString)}, nil)

	h.exec.Submit(invoke("u1", "fl", arg("message", rpcv1.StringValue("bad input"))))

	resp := h.wire.await(t, "u1", time.Second)
	assert.Equal(t, rpcv1.FailureUserFailure, resp.Failure.Kind)
	assert.Equal(t, "bad input", resp.Failure.Message)
}

func TestOutputs_HandlesFieldsAndSlots(t *testing.T) {
	h := newHarness(t, Options{})
	h.load(t, "pr", profile, map[string]*rpcv1.BindingInfo{
		"name":     in(rpcv1.TypeString),
		"audit":    {Direction: rpcv1.DirectionOut, TransportType: rpcv1.TypeString},
		"greeting": {Direction: rpcv1.DirectionOut, TransportType: rpcv1.TypeString},
		"trace":    {Direction: rpcv1.DirectionOut, TransportType: rpcv1.TypeString},
	}, nil)

	req := invoke("o1", "pr", arg("name", rpcv1.StringValue("ada")))
	req.TraceContext = &rpcv1.TraceContext{TraceParent: "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01"}
	h.exec.Submit(req)

	resp := h.wire.await(t, "o1", time.Second)
	require.Equal(t, rpcv1.InvocationSuccess, resp.Status, "%+v", resp.Failure)

	outputs := make(map[string]string)
	for _, pb := range resp.OutputData {
		outputs[pb.Name] = pb.Value.String
	}
	assert.Equal(t, map[string]string{
		"audit":    "seen o1",
		"greeting": "hello ada",
		"trace":    "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01",
	}, outputs)
	assert.Nil(t, resp.ReturnValue)
}

func TestTraceContext_MintedWhenAbsent(t *testing.T) {
	tc := traceContext(nil)
	assert.Regexp(t, `^00-[0-9a-f]{32}-[0-9a-f]{16}-01$`, tc.TraceParent)

	kept := traceContext(&rpcv1.TraceContext{TraceParent: "00-a-b-01", TraceState: "k=v"})
	assert.Equal(t, "00-a-b-01", kept.TraceParent)
	assert.Equal(t, "k=v", kept.TraceState)
}

func TestSaturation_StatusTransitions(t *testing.T) {
	h := newHarness(t, Options{MaxConcurrency: 1, QueueHighWater: 1})
	h.load(t, "st", stubborn, map[string]*rpcv1.BindingInfo{"millis": in(rpcv1.TypeInt)}, nil)

	for i := 0; i < 4; i++ {
		h.exec.Submit(invoke(fmt.Sprintf("q%d", i), "st", arg("millis", rpcv1.IntValue(30))))
	}
	for i := 0; i < 4; i++ {
		h.wire.await(t, fmt.Sprintf("q%d", i), 2*time.Second)
	}
	time.Sleep(20 * time.Millisecond)

	statuses := h.wire.statuses()
	require.GreaterOrEqual(t, len(statuses), 2)
	assert.False(t, statuses[0].Healthy)
	assert.Equal(t, rpcv1.StatusReasonSaturated, statuses[0].Reason)
	assert.True(t, statuses[len(statuses)-1].Healthy)

	st := h.exec.Status()
	assert.True(t, st.Healthy)
	assert.Equal(t, int32(0), st.QueuedInvocations)
	assert.Equal(t, int32(1), st.LoadedFunctions)
}

func TestContext_Metadata(t *testing.T) {
	h := newHarness(t, Options{})
	inv := h.exec.newInvocation(&rpcv1.InvocationRequest{
		InvocationID:    "c1",
		FunctionID:      "f1",
		TriggerMetadata: map[string]*rpcv1.TypedValue{"attempt": rpcv1.IntValue(3)},
	})
	defer inv.release()

	v, err := inv.Metadata("attempt", binding.TypeInt64)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	_, err = inv.Metadata("missing", binding.TypeString)
	require.Error(t, err)
	assert.Equal(t, "missing", binding.ParamOf(err))

	assert.Equal(t, "c1", inv.InvocationID())
	assert.Equal(t, "f1", inv.FunctionID())
	assert.False(t, inv.IsCancelled())
}
