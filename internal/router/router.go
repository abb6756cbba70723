// Package router demultiplexes inbound event-stream messages onto ordered
// per-destination lanes and funnels every outbound message through one
// bounded queue drained by a single writer
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	rpcv1 "github.com/AltairaLabs/funcworker/api/rpc/v1"
	"github.com/AltairaLabs/funcworker/internal/config"
	"github.com/AltairaLabs/funcworker/internal/transport"
)

// ErrClosed is returned by Enqueue after Flush
var ErrClosed = errors.New("outbound queue closed")

// Stream is the transport the router reads from and writes to
type Stream interface {
	Send(msg *rpcv1.StreamingMessage) error
	Recv() (*rpcv1.StreamingMessage, error)
}

// HandlerFunc handles one inbound message on its lane
type HandlerFunc func(ctx context.Context, msg *rpcv1.StreamingMessage)

// FilterFunc runs on the reader goroutine before a message is queued on
// its lane. Returning false drops the message
type FilterFunc func(msg *rpcv1.StreamingMessage) bool

// Options configures a Router
type Options struct {
	QueueSize int
	LaneSize  int
	Logger    *slog.Logger
}

type lane struct {
	name    string
	handler HandlerFunc
	ch      chan *rpcv1.StreamingMessage
}

// Router owns the reader and writer goroutines of one session
type Router struct {
	stream Stream
	logger *slog.Logger
	filter FilterFunc

	lanes    map[rpcv1.Kind]*lane
	laneList []*lane
	laneSize int

	out        chan *rpcv1.StreamingMessage
	closed     chan struct{}
	closeOnce  sync.Once
	dead       chan struct{}
	writerDone chan struct{}
	writeErr   error
	startOnce  sync.Once
}

// New creates a router over stream
func New(stream Stream, opts Options) *Router {
	if opts.QueueSize <= 0 {
		opts.QueueSize = config.DefaultOutboundQueueSize
	}
	if opts.LaneSize <= 0 {
		opts.LaneSize = config.DefaultOutboundQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Router{
		stream:     stream,
		logger:     opts.Logger,
		lanes:      make(map[rpcv1.Kind]*lane),
		laneSize:   opts.LaneSize,
		out:        make(chan *rpcv1.StreamingMessage, opts.QueueSize),
		closed:     make(chan struct{}),
		dead:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// Handle routes the given kinds to handler on one lane named name. Messages
// on a lane are handled one at a time in arrival order. Handle must be
// called before Run
func (r *Router) Handle(name string, handler HandlerFunc, kinds ...rpcv1.Kind) {
	l := &lane{name: name, handler: handler, ch: make(chan *rpcv1.StreamingMessage, r.laneSize)}
	r.laneList = append(r.laneList, l)
	for _, k := range kinds {
		r.lanes[k] = l
	}
}

// SetFilter installs f. It must be called before Run
func (r *Router) SetFilter(f FilterFunc) {
	r.filter = f
}

// Start launches the writer. Run calls it; callers that enqueue before
// reading (StartStream) call it first
func (r *Router) Start() {
	r.startOnce.Do(func() {
		go r.writeLoop()
	})
}

// Run reads until the stream ends. A clean end returns nil; a transport
// failure is returned as is. Lanes are drained before Run returns
func (r *Router) Run(ctx context.Context) error {
	r.Start()

	var wg sync.WaitGroup
	for _, l := range r.laneList {
		wg.Add(1)
		go func(l *lane) {
			defer wg.Done()
			for msg := range l.ch {
				l.handler(ctx, msg)
			}
		}(l)
	}

	err := r.readLoop(ctx)

	for _, l := range r.laneList {
		close(l.ch)
	}
	wg.Wait()
	return err
}

func (r *Router) readLoop(ctx context.Context) error {
	for {
		msg, err := r.stream.Recv()
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				r.logger.Debug("Inbound stream closed")
				return nil
			}
			return err
		}

		kind := msg.Kind()
		if r.filter != nil && !r.filter(msg) {
			continue
		}

		l, ok := r.lanes[kind]
		if !ok {
			r.logger.Warn("Protocol error: dropping unroutable message",
				"kind", kind.String(),
				"request_id", msg.RequestID)
			continue
		}

		select {
		case l.ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Router) writeLoop() {
	defer close(r.writerDone)
	for {
		select {
		case msg := <-r.out:
			if !r.write(msg) {
				return
			}
		case <-r.closed:
			for {
				select {
				case msg := <-r.out:
					if !r.write(msg) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (r *Router) write(msg *rpcv1.StreamingMessage) bool {
	if err := r.stream.Send(msg); err != nil {
		r.writeErr = err
		close(r.dead)
		r.logger.Error("Outbound write failed", "kind", msg.Kind().String(), "error", err)
		return false
	}
	return true
}

// Enqueue appends msg to the outbound queue, blocking while it is full.
// Messages leave in enqueue order
func (r *Router) Enqueue(ctx context.Context, msg *rpcv1.StreamingMessage) error {
	select {
	case <-r.closed:
		return ErrClosed
	case <-r.dead:
		return r.deadErr()
	default:
	}

	select {
	case r.out <- msg:
		return nil
	case <-r.closed:
		return ErrClosed
	case <-r.dead:
		return r.deadErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) deadErr() error {
	return fmt.Errorf("outbound writer stopped: %w", r.writeErr)
}

// Dead is closed when the writer stops on a send failure
func (r *Router) Dead() <-chan struct{} { return r.dead }

// Err returns the send failure that stopped the writer, if any
func (r *Router) Err() error {
	select {
	case <-r.dead:
		return r.writeErr
	default:
		return nil
	}
}

// Flush stops accepting messages and waits for the writer to drain what
// was already queued
func (r *Router) Flush(ctx context.Context) error {
	r.Start()
	r.closeOnce.Do(func() { close(r.closed) })

	select {
	case <-r.writerDone:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued outbound messages
func (r *Router) Pending() int { return len(r.out) }
