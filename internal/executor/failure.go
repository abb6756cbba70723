package executor

import (
	"errors"
	"fmt"
	"runtime/debug"

	rpcv1 "github.com/AltairaLabs/funcworker/api/rpc/v1"
	"github.com/AltairaLabs/funcworker/internal/binding"
)

// panicError carries a recovered panic and the goroutine stack
type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}

func recovered(v any) *panicError {
	return &panicError{value: v, stack: debug.Stack()}
}

func bindingFailure(err error) *rpcv1.FailureDetail {
	kind := rpcv1.FailureBindingError
	if errors.Is(err, binding.ErrUnsupportedBinding) {
		kind = rpcv1.FailureUnsupportedBinding
	}
	return &rpcv1.FailureDetail{
		Kind:      kind,
		Message:   err.Error(),
		Parameter: binding.ParamOf(err),
	}
}

func userFailure(err error) *rpcv1.FailureDetail {
	if errors.Is(err, binding.ErrBinding) || errors.Is(err, binding.ErrUnsupportedBinding) {
		return bindingFailure(err)
	}
	return &rpcv1.FailureDetail{
		Kind:    rpcv1.FailureUserFailure,
		Message: err.Error(),
		Stack:   renderStack(err),
	}
}

// renderStack returns the panic stack, or the verbose form of errors that
// print more with %+v
func renderStack(err error) string {
	var pe *panicError
	if errors.As(err, &pe) {
		return string(pe.stack)
	}
	if verbose := fmt.Sprintf("%+v", err); verbose != err.Error() {
		return verbose
	}
	return ""
}
