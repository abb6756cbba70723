// Package registry holds the functions loaded by the host. Descriptors are
// published once and never mutated; readers take a shared view
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	rpcv1 "github.com/AltairaLabs/funcworker/api/rpc/v1"
	"github.com/AltairaLabs/funcworker/internal/entrypoint"
)

var (
	// ErrFunctionNotLoaded reports an invocation for an unknown or failed function
	ErrFunctionNotLoaded = errors.New("function not loaded")

	// ErrDuplicateFunction reports a second load of a function id. It is a
	// protocol error; no response is sent for the duplicate
	ErrDuplicateFunction = errors.New("function already loaded")

	// ErrFunctionLoad wraps every reason a load was refused
	ErrFunctionLoad = errors.New("function load failed")
)

// LoadObserver is notified of every completed load
type LoadObserver interface {
	FunctionLoaded(functionID string, err error)
}

// Registry maps function ids to loaded descriptors
type Registry struct {
	resolver entrypoint.Resolver
	logger   *slog.Logger
	observer LoadObserver

	mu        sync.RWMutex
	functions map[string]*Descriptor
	loading   map[string]bool
	pending   map[string]chan struct{}
}

// Option configures a Registry
type Option func(*Registry)

// WithObserver reports load outcomes to o
func WithObserver(o LoadObserver) Option {
	return func(r *Registry) { r.observer = o }
}

// New creates a registry resolving entry points through resolver
func New(resolver entrypoint.Resolver, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		resolver:  resolver,
		logger:    logger,
		functions: make(map[string]*Descriptor),
		loading:   make(map[string]bool),
		pending:   make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Expect records that a load for functionID has arrived but not yet
// completed. Lookups for that id wait for the load instead of failing.
// The router calls it in arrival order, before any later invocation is
// dispatched
func (r *Registry) Expect(functionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.functions[functionID]; ok {
		return
	}
	if _, ok := r.pending[functionID]; !ok {
		r.pending[functionID] = make(chan struct{})
	}
}

// Load resolves and matches the requested function, hands the response to
// emit, and only then publishes the descriptor. A duplicate id returns
// ErrDuplicateFunction without calling emit. Load failures are reported
// through emit and returned wrapped in ErrFunctionLoad
func (r *Registry) Load(ctx context.Context, req *rpcv1.FunctionLoadRequest, emit func(*rpcv1.FunctionLoadResponse) error) error {
	if req == nil || req.FunctionID == "" {
		return fmt.Errorf("%w: missing function id", ErrFunctionLoad)
	}
	id := req.FunctionID

	r.mu.Lock()
	if _, ok := r.functions[id]; ok || r.loading[id] {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateFunction, id)
	}
	r.loading[id] = true
	r.mu.Unlock()

	desc, loadErr := r.build(ctx, req)

	resp := &rpcv1.FunctionLoadResponse{
		FunctionID: id,
		Result:     &rpcv1.StatusResult{Status: rpcv1.StatusSuccess},
	}
	if loadErr != nil {
		resp.Result = &rpcv1.StatusResult{
			Status:  rpcv1.StatusFailure,
			Message: loadErr.Error(),
			Exception: &rpcv1.RpcException{
				Source:  "FunctionLoadError",
				Message: loadErr.Error(),
			},
		}
	}
	emitErr := emit(resp)

	r.mu.Lock()
	delete(r.loading, id)
	if loadErr == nil {
		r.functions[id] = desc
	}
	if ch, ok := r.pending[id]; ok {
		close(ch)
		delete(r.pending, id)
	}
	r.mu.Unlock()

	if r.observer != nil {
		r.observer.FunctionLoaded(id, loadErr)
	}

	if loadErr != nil {
		r.logger.Warn("Function load failed", "function_id", id, "error", loadErr)
		if emitErr != nil {
			return errors.Join(loadErr, fmt.Errorf("emit load response for %s: %w", id, emitErr))
		}
		return loadErr
	}
	r.logger.Info("Function loaded", "function_id", id, "entry_point", desc.EntryPoint.Name())

	if emitErr != nil {
		return fmt.Errorf("emit load response for %s: %w", id, emitErr)
	}
	return nil
}

func (r *Registry) build(ctx context.Context, req *rpcv1.FunctionLoadRequest) (*Descriptor, error) {
	meta := req.Metadata
	if meta == nil {
		return nil, fmt.Errorf("%w: %s: missing metadata", ErrFunctionLoad, req.FunctionID)
	}

	ep, err := r.resolver.Resolve(ctx, meta)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFunctionLoad, req.FunctionID, err)
	}

	desc, err := buildDescriptor(req.FunctionID, meta, ep)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFunctionLoad, req.FunctionID, err)
	}
	return desc, nil
}

// Lookup returns the descriptor for functionID. If a load for the id is
// in progress it waits for the load to finish or ctx to end
func (r *Registry) Lookup(ctx context.Context, functionID string) (*Descriptor, error) {
	for {
		r.mu.RLock()
		desc, ok := r.functions[functionID]
		ch, waiting := r.pending[functionID]
		r.mu.RUnlock()

		if ok {
			return desc, nil
		}
		if !waiting {
			return nil, fmt.Errorf("%w: %s", ErrFunctionNotLoaded, functionID)
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %w", ErrFunctionNotLoaded, functionID, ctx.Err())
		}
	}
}

// Count returns the number of loaded functions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.functions)
}
