// Package transport owns the single bidirectional event stream between the
// worker and its host
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	rpcv1 "github.com/AltairaLabs/funcworker/api/rpc/v1"
	"github.com/AltairaLabs/funcworker/internal/config"
)

// ErrClosed is returned by Recv once the stream has ended, and by Send
// after Close
var ErrClosed = errors.New("transport closed")

// Error is a terminal transport failure: connection loss, a malformed
// frame, or a failed connect
type Error struct {
	Op   string
	Code codes.Code
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransportError reports whether err is a terminal transport failure
func IsTransportError(err error) bool {
	var te *Error
	return errors.As(err, &te)
}

func classify(op string, err error) error {
	code := codes.Unknown
	if st, ok := status.FromError(err); ok {
		code = st.Code()
	}
	return &Error{Op: op, Code: code, Err: err}
}

// Options configures Dial
type Options struct {
	ConnectTimeout time.Duration
	// CloseLinger bounds how long Close waits for the host to end the
	// stream after the worker half-closes
	CloseLinger     time.Duration
	MaxMessageBytes int
	DialOptions     []grpc.DialOption
	Logger          *slog.Logger
}

// Client is an open event stream. Send is safe for concurrent use but the
// router funnels all writes through one goroutine; Recv must be called
// from a single reader
type Client struct {
	conn   *grpc.ClientConn
	stream rpcv1.FunctionRpc_EventStreamClient
	cancel context.CancelFunc
	logger *slog.Logger

	linger time.Duration

	sendMu    sync.Mutex
	recvDone  atomic.Bool
	recvEnded chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

// Dial connects to endpoint and opens the event stream
func Dial(ctx context.Context, endpoint string, opts Options) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = config.DefaultConnectTimeout
	}
	if opts.CloseLinger <= 0 {
		opts.CloseLinger = config.DefaultCloseLinger
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = config.DefaultMaxMessageBytes
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(opts.MaxMessageBytes),
			grpc.MaxCallSendMsgSize(opts.MaxMessageBytes),
		),
	}, opts.DialOptions...)

	conn, err := grpc.NewClient(endpoint, dialOpts...)
	if err != nil {
		return nil, &Error{Op: "dial", Code: codes.InvalidArgument, Err: err}
	}

	connectCtx, cancelConnect := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancelConnect()
	if err := waitReady(connectCtx, conn); err != nil {
		_ = conn.Close()
		return nil, &Error{Op: "connect", Code: codes.Unavailable, Err: fmt.Errorf("%s: %w", endpoint, err)}
	}

	// The stream outlives the dial context; Close ends it
	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := rpcv1.NewFunctionRpcClient(conn).EventStream(streamCtx)
	if err != nil {
		cancel()
		_ = conn.Close()
		return nil, classify("open stream", err)
	}

	opts.Logger.Debug("Event stream opened", "endpoint", endpoint)
	return &Client{
		conn:      conn,
		stream:    stream,
		cancel:    cancel,
		logger:    opts.Logger,
		linger:    opts.CloseLinger,
		recvEnded: make(chan struct{}),
	}, nil
}

func waitReady(ctx context.Context, conn *grpc.ClientConn) error {
	conn.Connect()
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return errors.New("connection shut down")
		}
		if !conn.WaitForStateChange(ctx, state) {
			return fmt.Errorf("not ready (last state %s): %w", state, ctx.Err())
		}
	}
}

// Send writes one message
func (c *Client) Send(msg *rpcv1.StreamingMessage) error {
	if c.closed.Load() {
		return ErrClosed
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := c.stream.Send(msg); err != nil {
		if c.closed.Load() {
			return ErrClosed
		}
		// io.EOF means the stream broke; the cause surfaces on Recv
		return classify("send", err)
	}
	return nil
}

// Recv returns the next message in the order the host sent it. The end of
// the stream is reported once, as ErrClosed for a clean end or *Error for a
// failure; every later call returns ErrClosed
func (c *Client) Recv() (*rpcv1.StreamingMessage, error) {
	if c.recvDone.Load() {
		return nil, ErrClosed
	}

	msg, err := c.stream.Recv()
	if err == nil {
		return msg, nil
	}

	c.recvDone.Store(true)
	close(c.recvEnded)
	switch {
	case errors.Is(err, io.EOF):
		return nil, ErrClosed
	case c.closed.Load() && status.Code(err) == codes.Canceled:
		return nil, ErrClosed
	default:
		return nil, classify("recv", err)
	}
}

// Close half-closes the stream, waits up to the linger period for the host
// to finish it, and releases the connection. It is idempotent
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.sendMu.Lock()
		c.closed.Store(true)
		if closeErr := c.stream.CloseSend(); closeErr != nil {
			c.logger.Debug("CloseSend failed", "error", closeErr)
		}
		c.sendMu.Unlock()

		timer := time.NewTimer(c.linger)
		select {
		case <-c.recvEnded:
		case <-timer.C:
			c.logger.Debug("Host did not end the stream in time", "linger", c.linger)
		}
		timer.Stop()

		c.cancel()
		err = c.conn.Close()
	})
	return err
}
