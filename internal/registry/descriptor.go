package registry

import (
	"fmt"
	"sort"

	rpcv1 "github.com/AltairaLabs/funcworker/api/rpc/v1"
	"github.com/AltairaLabs/funcworker/internal/binding"
	"github.com/AltairaLabs/funcworker/internal/entrypoint"
)

// ReturnBindingName names the return binding in failures and outputs
const ReturnBindingName = "$return"

// Descriptor is a loaded function: the entry point plus the plan that maps
// its parameters and results to bindings. It is immutable once published
type Descriptor struct {
	FunctionID string
	Name       string
	EntryPoint entrypoint.EntryPoint
	// Args holds one entry per signature parameter, in call order
	Args []Arg
	// Outputs lists out and inout bindings sorted by name
	Outputs []Output
	// Return is set when a returnBinding claims the return value
	Return *Output
}

// Arg says how to produce one entry point argument
type Arg struct {
	Param entrypoint.Param
	// Binding is the input binding feeding an input or a seeded handle
	Binding string
	// Seeded marks an inout handle pre-populated from its input binding
	Seeded bool
	Schema *binding.Schema
}

// OutputSource says where an output value comes from
type OutputSource int

// Output sources
const (
	FromHandle OutputSource = iota
	FromField
	FromReturn
)

// Output maps an entry point result to an output binding
type Output struct {
	Name          string
	DeclaredType  string
	TransportType string
	Source        OutputSource
	// ArgIndex is the handle's position in Args for FromHandle
	ArgIndex int
}

// buildDescriptor matches an entry point signature against binding metadata.
// Every mismatch is a load failure
func buildDescriptor(functionID string, meta *rpcv1.FunctionMetadata, ep entrypoint.EntryPoint) (*Descriptor, error) {
	sig := ep.Signature()
	d := &Descriptor{
		FunctionID: functionID,
		Name:       meta.Name,
		EntryPoint: ep,
		Args:       make([]Arg, len(sig.Params)),
	}

	claimed := make(map[string]bool, len(meta.Bindings))
	handles := make(map[string]int)

	for i, p := range sig.Params {
		arg := Arg{Param: p}

		switch p.Kind {
		case entrypoint.ParamSlot:
			if !entrypoint.IsKnownSlot(p.Slot) {
				return nil, fmt.Errorf("parameter %q: unknown context slot %q", p.Name, p.Slot)
			}

		case entrypoint.ParamInput:
			b, ok := meta.Bindings[p.Name]
			if !ok || b == nil {
				return nil, fmt.Errorf("arity mismatch: parameter %q has no binding", p.Name)
			}
			if b.Direction == rpcv1.DirectionOut {
				return nil, fmt.Errorf("parameter %q is bound to an out binding", p.Name)
			}
			if err := checkDeclared(p, b); err != nil {
				return nil, err
			}
			if err := binding.CheckInput(b.TransportType, p.Type); err != nil {
				return nil, binding.WithParam(err, p.Name)
			}
			schema, err := compileSchema(p.Name, b)
			if err != nil {
				return nil, err
			}
			arg.Binding = p.Name
			arg.Schema = schema
			claimed[p.Name] = true

		case entrypoint.ParamHandle:
			b, ok := meta.Bindings[p.Name]
			if !ok || b == nil {
				return nil, fmt.Errorf("arity mismatch: handle %q has no binding", p.Name)
			}
			if b.Direction == rpcv1.DirectionIn {
				return nil, fmt.Errorf("handle %q is bound to an in binding", p.Name)
			}
			if err := checkDeclared(p, b); err != nil {
				return nil, err
			}
			if err := binding.CheckOutput(p.Type, b.TransportType); err != nil {
				return nil, binding.WithParam(err, p.Name)
			}
			if b.Direction == rpcv1.DirectionInOut {
				if err := binding.CheckInput(b.TransportType, p.Type); err != nil {
					return nil, binding.WithParam(err, p.Name)
				}
				arg.Binding = p.Name
				arg.Seeded = true
			}
			handles[p.Name] = i
			claimed[p.Name] = true

		default:
			return nil, fmt.Errorf("parameter %q: unknown parameter kind %d", p.Name, p.Kind)
		}

		d.Args[i] = arg
	}

	names := make([]string, 0, len(meta.Bindings))
	for name := range meta.Bindings {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		b := meta.Bindings[name]
		if b == nil {
			return nil, fmt.Errorf("binding %q has no metadata", name)
		}
		if !binding.IsTransportType(b.TransportType) {
			return nil, fmt.Errorf("binding %q: %w: transport type %q", name, binding.ErrUnsupportedBinding, b.TransportType)
		}

		if idx, ok := handles[name]; ok {
			d.Outputs = append(d.Outputs, Output{
				Name:          name,
				DeclaredType:  sig.Params[idx].Type,
				TransportType: b.TransportType,
				Source:        FromHandle,
				ArgIndex:      idx,
			})
			continue
		}
		if claimed[name] {
			continue
		}

		if b.Direction == rpcv1.DirectionIn {
			return nil, fmt.Errorf("arity mismatch: input binding %q has no parameter", name)
		}

		// out or inout without a handle maps to a return field
		if meta.ReturnBinding != nil {
			return nil, fmt.Errorf("output binding %q has no handle and the return value is claimed by the return binding", name)
		}
		field, ok := sig.Return.Field(name)
		if !ok {
			return nil, fmt.Errorf("output binding %q has neither a handle nor a return field", name)
		}
		if b.DeclaredType != "" && b.DeclaredType != field.Type {
			return nil, fmt.Errorf("output binding %q declares %q but the return field is %q", name, b.DeclaredType, field.Type)
		}
		if err := binding.CheckOutput(field.Type, b.TransportType); err != nil {
			return nil, binding.WithParam(err, name)
		}
		d.Outputs = append(d.Outputs, Output{
			Name:          name,
			DeclaredType:  field.Type,
			TransportType: b.TransportType,
			Source:        FromField,
		})
	}

	if rb := meta.ReturnBinding; rb != nil {
		if sig.Return == nil {
			return nil, fmt.Errorf("return binding present but entry point %q returns nothing", ep.Name())
		}
		if rb.DeclaredType != "" && rb.DeclaredType != sig.Return.Type {
			return nil, fmt.Errorf("return binding declares %q but entry point returns %q", rb.DeclaredType, sig.Return.Type)
		}
		if err := binding.CheckOutput(sig.Return.Type, rb.TransportType); err != nil {
			return nil, binding.WithParam(err, ReturnBindingName)
		}
		d.Return = &Output{
			Name:          ReturnBindingName,
			DeclaredType:  sig.Return.Type,
			TransportType: rb.TransportType,
			Source:        FromReturn,
		}
	}

	return d, nil
}

func checkDeclared(p entrypoint.Param, b *rpcv1.BindingInfo) error {
	if !binding.IsDeclaredType(p.Type) {
		return fmt.Errorf("parameter %q: %w: declared type %q", p.Name, binding.ErrUnsupportedBinding, p.Type)
	}
	if b.DeclaredType != "" && b.DeclaredType != p.Type {
		return fmt.Errorf("parameter %q: binding declares %q but the entry point expects %q", p.Name, b.DeclaredType, p.Type)
	}
	return nil
}

func compileSchema(name string, b *rpcv1.BindingInfo) (*binding.Schema, error) {
	if b.Schema == "" {
		return nil, nil
	}
	schema, err := binding.CompileSchema(b.Schema)
	if err != nil {
		return nil, fmt.Errorf("binding %q: %w", name, err)
	}
	return schema, nil
}
