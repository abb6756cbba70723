// Package rpctest runs an in-process host for the FunctionRpc event stream
// over a bufconn listener
package rpctest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	rpcv1 "github.com/AltairaLabs/funcworker/api/rpc/v1"
)

const bufSize = 1 << 20

// Endpoint is the address workers dial to reach a Host
const Endpoint = "passthrough:///bufnet"

// DefaultTimeout bounds every wait in the helpers
const DefaultTimeout = 5 * time.Second

// Host accepts worker event streams
type Host struct {
	t        testing.TB
	lis      *bufconn.Listener
	srv      *grpc.Server
	streams  chan *Stream
	mu       sync.Mutex
	accepted int
}

// NewHost starts a host; it is stopped when the test ends
func NewHost(t testing.TB) *Host {
	t.Helper()

	h := &Host{
		t:       t,
		lis:     bufconn.Listen(bufSize),
		srv:     grpc.NewServer(),
		streams: make(chan *Stream, 8),
	}
	rpcv1.RegisterFunctionRpcServer(h.srv, h)

	go func() {
		_ = h.srv.Serve(h.lis)
	}()
	t.Cleanup(h.Stop)
	return h
}

// DialOption routes dials to the in-process listener
func (h *Host) DialOption() grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return h.lis.DialContext(ctx)
	})
}

// Stop closes every stream and the listener
func (h *Host) Stop() {
	h.srv.Stop()
	_ = h.lis.Close()
}

// Accepted returns the number of streams opened so far
func (h *Host) Accepted() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.accepted
}

// EventStream implements rpcv1.FunctionRpcServer
func (h *Host) EventStream(srv rpcv1.FunctionRpc_EventStreamServer) error {
	s := &Stream{
		srv:  srv,
		recv: make(chan *rpcv1.StreamingMessage, 4096),
		end:  make(chan error, 1),
	}

	h.mu.Lock()
	h.accepted++
	h.mu.Unlock()

	go s.pump()

	select {
	case h.streams <- s:
	case <-srv.Context().Done():
		return srv.Context().Err()
	}

	select {
	case err := <-s.end:
		return err
	case <-srv.Context().Done():
		return srv.Context().Err()
	}
}

// Accept waits for the next worker stream
func (h *Host) Accept() *Stream {
	h.t.Helper()
	select {
	case s := <-h.streams:
		return s
	case <-time.After(DefaultTimeout):
		h.t.Fatal("timed out waiting for a worker stream")
		return nil
	}
}

// Stream is the host end of one worker session
type Stream struct {
	srv     rpcv1.FunctionRpc_EventStreamServer
	recv    chan *rpcv1.StreamingMessage
	end     chan error
	endOnce sync.Once
	sendMu  sync.Mutex
	recvErr error
}

// pump forwards worker messages; a worker half-close ends the stream the
// way a host does
func (s *Stream) pump() {
	defer close(s.recv)
	for {
		msg, err := s.srv.Recv()
		if err != nil {
			s.recvErr = err
			if errors.Is(err, io.EOF) {
				s.Close(nil)
			}
			return
		}
		s.recv <- msg
	}
}

// Send delivers msg to the worker
func (s *Stream) Send(msg *rpcv1.StreamingMessage) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.srv.Send(msg)
}

// Recv returns the next worker message. It reports ErrStreamEnded once the
// worker half-closes or the stream breaks
func (s *Stream) Recv(timeout time.Duration) (*rpcv1.StreamingMessage, error) {
	select {
	case msg, ok := <-s.recv:
		if !ok {
			return nil, fmt.Errorf("%w: %v", ErrStreamEnded, s.recvErr)
		}
		return msg, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}

// Close ends the stream from the host side with err (nil for a clean end)
func (s *Stream) Close(err error) {
	s.endOnce.Do(func() { s.end <- err })
}

// Errors reported by Stream.Recv
var (
	ErrStreamEnded = errors.New("worker stream ended")
	ErrTimeout     = errors.New("timed out waiting for worker message")
)
