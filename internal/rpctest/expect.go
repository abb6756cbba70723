package rpctest

import (
	"errors"
	"testing"
	"time"

	rpcv1 "github.com/AltairaLabs/funcworker/api/rpc/v1"
)

// Must sends msg or fails the test
func (s *Stream) Must(t testing.TB, msg *rpcv1.StreamingMessage) {
	t.Helper()
	if err := s.Send(msg); err != nil {
		t.Fatalf("host send %s failed: %v", msg.Kind(), err)
	}
}

// Expect reads worker messages, skipping RpcLog and unsolicited status
// messages, until one of kind arrives
func (s *Stream) Expect(t testing.TB, kind rpcv1.Kind) *rpcv1.StreamingMessage {
	t.Helper()
	deadline := time.Now().Add(DefaultTimeout)
	for {
		msg, err := s.Recv(time.Until(deadline))
		if err != nil {
			t.Fatalf("waiting for %s: %v", kind, err)
		}
		if msg.Kind() == kind {
			return msg
		}
		if msg.Kind() == rpcv1.KindRpcLog || msg.Kind() == rpcv1.KindWorkerStatusResponse {
			continue
		}
		t.Fatalf("expected %s, got %s", kind, msg.Kind())
	}
}

// Collect reads worker messages until the stream ends or no message
// arrives within quiet
func (s *Stream) Collect(quiet time.Duration) []*rpcv1.StreamingMessage {
	var msgs []*rpcv1.StreamingMessage
	for {
		msg, err := s.Recv(quiet)
		if err != nil {
			return msgs
		}
		msgs = append(msgs, msg)
	}
}

// CollectUntilEnd reads worker messages until the worker ends the stream.
// It reports whether the end was observed before timeout
func (s *Stream) CollectUntilEnd(timeout time.Duration) ([]*rpcv1.StreamingMessage, bool) {
	var msgs []*rpcv1.StreamingMessage
	deadline := time.Now().Add(timeout)
	for {
		msg, err := s.Recv(time.Until(deadline))
		if err != nil {
			return msgs, errors.Is(err, ErrStreamEnded)
		}
		msgs = append(msgs, msg)
	}
}

// Handshake drives StartStream and WorkerInit and returns the StartStream
// message the worker sent
func (s *Stream) Handshake(t testing.TB) *rpcv1.StreamingMessage {
	t.Helper()
	start := s.Expect(t, rpcv1.KindStartStream)
	s.Must(t, &rpcv1.StreamingMessage{
		RequestID: "init",
		WorkerInitRequest: &rpcv1.WorkerInitRequest{
			HostVersion:     "test-host",
			ProtocolVersion: rpcv1.ProtocolVersion,
		},
	})
	resp := s.Expect(t, rpcv1.KindWorkerInitResponse)
	if resp.WorkerInitResponse.Result == nil || resp.WorkerInitResponse.Result.Status != rpcv1.StatusSuccess {
		t.Fatalf("worker init failed: %+v", resp.WorkerInitResponse.Result)
	}
	return start
}

// Load sends a FunctionLoadRequest and waits for its response
func (s *Stream) Load(t testing.TB, id string, meta *rpcv1.FunctionMetadata) *rpcv1.FunctionLoadResponse {
	t.Helper()
	s.Must(t, &rpcv1.StreamingMessage{
		RequestID:           "load-" + id,
		FunctionLoadRequest: &rpcv1.FunctionLoadRequest{FunctionID: id, Metadata: meta},
	})
	return s.Expect(t, rpcv1.KindFunctionLoadResponse).FunctionLoadResponse
}

// Invoke sends an InvocationRequest
func (s *Stream) Invoke(t testing.TB, req *rpcv1.InvocationRequest) {
	t.Helper()
	s.Must(t, &rpcv1.StreamingMessage{RequestID: "inv-" + req.InvocationID, InvocationRequest: req})
}
