package entrypoint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	rpcv1 "github.com/AltairaLabs/funcworker/api/rpc/v1"
)

// ErrNotFound reports that a resolver has no entry point for the request
var ErrNotFound = errors.New("entry point not found")

// Resolver finds the entry point named by a function's metadata
type Resolver interface {
	Resolve(ctx context.Context, meta *rpcv1.FunctionMetadata) (EntryPoint, error)
}

// Chain tries resolvers in order. A resolver answering ErrNotFound passes
// the request to the next one; any other error stops the search
type Chain []Resolver

// Resolve implements Resolver
func (c Chain) Resolve(ctx context.Context, meta *rpcv1.FunctionMetadata) (EntryPoint, error) {
	for _, r := range c {
		ep, err := r.Resolve(ctx, meta)
		if err == nil {
			return ep, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNotFound, entryName(meta))
}

// Catalog holds native entry points registered by name
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]EntryPoint
}

// NewCatalog creates an empty catalog
func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[string]EntryPoint)}
}

// Register adds an entry point. Names must be unique
func (c *Catalog) Register(ep EntryPoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[ep.Name()]; exists {
		return fmt.Errorf("entry point already registered: %s", ep.Name())
	}
	c.entries[ep.Name()] = ep
	return nil
}

// MustRegister is Register for program initialisation; it panics on duplicates
func (c *Catalog) MustRegister(eps ...EntryPoint) {
	for _, ep := range eps {
		if err := c.Register(ep); err != nil {
			panic(err)
		}
	}
}

// Lookup returns the entry point registered under name
func (c *Catalog) Lookup(name string) (EntryPoint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ep, ok := c.entries[name]
	return ep, ok
}

// Names returns the registered entry point names, sorted
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve implements Resolver by entry point name
func (c *Catalog) Resolve(_ context.Context, meta *rpcv1.FunctionMetadata) (EntryPoint, error) {
	name := entryName(meta)
	if ep, ok := c.Lookup(name); ok {
		return ep, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
}

// entryName picks the entry point name, falling back to the function name
func entryName(meta *rpcv1.FunctionMetadata) string {
	if meta == nil {
		return ""
	}
	if meta.EntryPoint != "" {
		return meta.EntryPoint
	}
	return meta.Name
}

// EntryName exposes the name resolvers look up for meta
func EntryName(meta *rpcv1.FunctionMetadata) string { return entryName(meta) }
