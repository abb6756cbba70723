package binding

import (
	"errors"
	"fmt"
)

var (
	// ErrBinding reports a value that cannot be converted to or from the
	// requested shape
	ErrBinding = errors.New("binding error")

	// ErrUnsupportedBinding reports an unknown transport or declared type.
	// It is not retriable
	ErrUnsupportedBinding = errors.New("unsupported binding")
)

// Error is a conversion failure, optionally attributed to a parameter
type Error struct {
	// Param is the binding name, empty until the caller attributes it
	Param string
	// Kind is ErrBinding or ErrUnsupportedBinding
	Kind error
	Msg  string
}

func (e *Error) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("%v on %q: %s", e.Kind, e.Param, e.Msg)
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Kind }

func bindingErr(format string, args ...any) error {
	return &Error{Kind: ErrBinding, Msg: fmt.Sprintf(format, args...)}
}

func unsupported(format string, args ...any) error {
	return &Error{Kind: ErrUnsupportedBinding, Msg: fmt.Sprintf(format, args...)}
}

// WithParam attributes err to the named parameter. Errors that are not
// binding errors are wrapped as ErrBinding
func WithParam(err error, param string) error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		cp := *be
		cp.Param = param
		return &cp
	}
	return &Error{Param: param, Kind: ErrBinding, Msg: err.Error()}
}

// ParamOf returns the parameter a binding error is attributed to
func ParamOf(err error) string {
	var be *Error
	if errors.As(err, &be) {
		return be.Param
	}
	return ""
}
