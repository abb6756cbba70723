// Package entrypoint models user function entry points: a uniform call
// shape plus a signature of declared-type tags that the registry matches
// against a function's binding metadata
package entrypoint

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// ParamKind says how the executor produces an argument
type ParamKind int

// Parameter kinds
const (
	// ParamInput is bound from the input binding of the same name
	ParamInput ParamKind = iota
	// ParamHandle receives an *Out write-handle for the output binding of the same name
	ParamHandle
	// ParamSlot receives a well-known context value
	ParamSlot
)

// Slot names a well-known context value
type Slot string

// Well-known slots
const (
	SlotInvocationID Slot = "invocationId"
	SlotTraceContext Slot = "traceContext"
	SlotLogger       Slot = "logger"
	SlotContext      Slot = "context"
)

// IsKnownSlot reports whether s is a slot the executor can fill
func IsKnownSlot(s Slot) bool {
	switch s {
	case SlotInvocationID, SlotTraceContext, SlotLogger, SlotContext:
		return true
	}
	return false
}

// Param is one declared parameter of an entry point
type Param struct {
	Name string
	// Type is the declared type; unused for slots
	Type string
	Kind ParamKind
	Slot Slot
}

// Field is one named field of a record return value
type Field struct {
	Name string
	Type string
}

// Return describes an entry point's result. A record result lists Fields
// and is returned as a map[string]any
type Return struct {
	Type   string
	Fields []Field
}

// Field looks up a record field by name
func (r *Return) Field(name string) (Field, bool) {
	if r == nil {
		return Field{}, false
	}
	for _, f := range r.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Signature is the declared shape of an entry point
type Signature struct {
	Params []Param
	Return *Return
}

// Input declares a parameter bound from an input binding
func Input(name, declaredType string) Param {
	return Param{Name: name, Type: declaredType, Kind: ParamInput}
}

// Handle declares an output write-handle parameter
func Handle(name, declaredType string) Param {
	return Param{Name: name, Type: declaredType, Kind: ParamHandle}
}

// SlotParam declares a parameter filled from a well-known slot
func SlotParam(slot Slot) Param {
	return Param{Name: string(slot), Kind: ParamSlot, Slot: slot}
}

// EntryPoint is a loaded, callable user function
type EntryPoint interface {
	// Name is the entry point name the host refers to
	Name() string
	// Signature describes the parameters Call expects, in order
	Signature() Signature
	// Call runs the function with one argument per signature parameter
	Call(ctx context.Context, args []any) (any, error)
}

// CallFunc is the uniform call shape of native entry points
type CallFunc func(ctx context.Context, args []any) (any, error)

// Func is a native Go entry point
type Func struct {
	name string
	sig  Signature
	fn   CallFunc
}

// NewFunc wraps fn as an entry point with the given signature
func NewFunc(name string, sig Signature, fn CallFunc) *Func {
	return &Func{name: name, sig: sig, fn: fn}
}

// Name implements EntryPoint
func (f *Func) Name() string { return f.name }

// Signature implements EntryPoint
func (f *Func) Signature() Signature { return f.sig }

// Call implements EntryPoint
func (f *Func) Call(ctx context.Context, args []any) (any, error) {
	if len(args) != len(f.sig.Params) {
		return nil, fmt.Errorf("%s: expected %d arguments, got %d", f.name, len(f.sig.Params), len(args))
	}
	return f.fn(ctx, args)
}

// Out is a write-handle for an output binding. The last value set wins
type Out struct {
	mu    sync.Mutex
	value any
	set   bool
}

// NewOut returns a handle, optionally pre-populated for inout bindings
func NewOut(initial any, hasInitial bool) *Out {
	return &Out{value: initial, set: hasInitial}
}

// Set records v as the handle's value
func (o *Out) Set(v any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.value = v
	o.set = true
}

// Get returns the last value set and whether any value was set
func (o *Out) Get() (any, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.value, o.set
}

// TraceContext is the tracing context handed to user code
type TraceContext struct {
	TraceParent string
	TraceState  string
	Attributes  map[string]string
}

// Context is the invocation view handed to user code through SlotContext
type Context interface {
	InvocationID() string
	FunctionID() string
	// IsCancelled reports whether the host cancelled the invocation or its
	// deadline passed
	IsCancelled() bool
	// Done is closed on cancellation
	Done() <-chan struct{}
	// Metadata returns trigger metadata bound to the declared type
	Metadata(name, declaredType string) (any, error)
	Logger() *slog.Logger
}

type loggerKey struct{}

// WithLogger returns a context carrying the invocation logger
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the invocation logger carried by ctx, or the default logger
func LoggerFrom(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return slog.Default()
}
