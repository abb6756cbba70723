// Package wasm loads plug-in entry points compiled to WebAssembly.
//
// A plug-in is a WASI command <entryPoint>.wasm with a sidecar manifest
// <entryPoint>.yaml (or .yml, .json) declaring its signature. Bound
// arguments are written to stdin as one JSON object keyed by parameter
// name. The module writes {"return": ..., "outputs": {...}} to stdout;
// every stderr line becomes a user log line
package wasm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	rpcv1 "github.com/AltairaLabs/funcworker/api/rpc/v1"
	"github.com/AltairaLabs/funcworker/internal/entrypoint"
)

var manifestExts = []string{".yaml", ".yml", ".json"}

// Loader resolves entry points from a plug-in search path and caches
// compiled modules by file
type Loader struct {
	runtime  wazero.Runtime
	dirs     []string
	logger   *slog.Logger
	compiled map[string]wazero.CompiledModule
	mu       sync.RWMutex
	closed   bool
}

// NewLoader creates a loader searching dirs in order. Function metadata
// may add its own directory at resolve time
func NewLoader(ctx context.Context, dirs []string, logger *slog.Logger) (*Loader, error) {
	if logger == nil {
		logger = slog.Default()
	}

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}

	return &Loader{
		runtime:  rt,
		dirs:     dirs,
		logger:   logger,
		compiled: make(map[string]wazero.CompiledModule),
	}, nil
}

// Resolve implements entrypoint.Resolver. A missing module answers
// entrypoint.ErrNotFound; a module without a valid manifest or one that
// fails to compile is a hard error
func (l *Loader) Resolve(ctx context.Context, meta *rpcv1.FunctionMetadata) (entrypoint.EntryPoint, error) {
	name := entrypoint.EntryName(meta)
	if name == "" || filepath.Base(name) != name {
		return nil, fmt.Errorf("%w: %q", entrypoint.ErrNotFound, name)
	}

	dirs := l.dirs
	if meta.Directory != "" {
		dirs = append(append([]string(nil), dirs...), meta.Directory)
	}

	for _, dir := range dirs {
		modPath := filepath.Join(dir, name+".wasm")
		if _, err := os.Stat(modPath); err != nil {
			continue
		}

		manifest, err := findManifest(dir, name)
		if err != nil {
			return nil, err
		}
		if manifest.EntryPoint != "" && manifest.EntryPoint != name {
			return nil, fmt.Errorf("manifest for %s declares entry point %q", modPath, manifest.EntryPoint)
		}

		compiled, err := l.getCompiled(ctx, modPath)
		if err != nil {
			return nil, err
		}

		l.logger.Debug("Resolved plug-in entry point", "entry_point", name, "path", modPath)
		return &Plugin{
			name:     name,
			sig:      manifest.Signature(),
			runtime:  l.runtime,
			compiled: compiled,
		}, nil
	}

	return nil, fmt.Errorf("%w: %q", entrypoint.ErrNotFound, name)
}

func findManifest(dir, name string) (*entrypoint.Manifest, error) {
	for _, ext := range manifestExts {
		path := filepath.Join(dir, name+ext)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		return entrypoint.ReadManifest(path)
	}
	return nil, fmt.Errorf("plug-in %s has no manifest in %s", name, dir)
}

// getCompiled returns a cached compiled module, compiling if necessary
func (l *Loader) getCompiled(ctx context.Context, path string) (wazero.CompiledModule, error) {
	l.mu.RLock()
	if compiled, ok := l.compiled[path]; ok {
		l.mu.RUnlock()
		return compiled, nil
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, errors.New("plug-in loader closed")
	}
	if compiled, ok := l.compiled[path]; ok {
		return compiled, nil
	}

	code, err := os.ReadFile(path) //nolint:gosec // Plug-in search path is operator-controlled
	if err != nil {
		return nil, fmt.Errorf("read plug-in %s: %w", path, err)
	}
	compiled, err := l.runtime.CompileModule(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("compile plug-in %s: %w", path, err)
	}

	l.compiled[path] = compiled
	return compiled, nil
}

// Close releases the runtime and every compiled module
func (l *Loader) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	for _, compiled := range l.compiled {
		_ = compiled.Close(ctx)
	}
	l.compiled = nil
	return l.runtime.Close(ctx)
}
