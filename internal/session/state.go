package session

import (
	"errors"
	"fmt"

	rpcv1 "github.com/AltairaLabs/funcworker/api/rpc/v1"
)

// State is the lifecycle stage of the session
type State int32

// Session states
const (
	Connecting State = iota
	AwaitingWorkerInit
	Ready
	Draining
	Terminated
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case AwaitingWorkerInit:
		return "AwaitingWorkerInit"
	case Ready:
		return "Ready"
	case Draining:
		return "Draining"
	case Terminated:
		return "Terminated"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Terminal session failures
var (
	ErrInitTimeout     = errors.New("timed out waiting for WorkerInitRequest")
	ErrProtocolVersion = errors.New("unsupported protocol version")
	ErrStreamEnded     = errors.New("event stream ended by host")
)

// ProtocolError describes a malformed or out-of-sequence message. The
// message is dropped and the session continues
type ProtocolError struct {
	Kind      rpcv1.Kind
	RequestID string
	State     State
	Reason    string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s (request %q) in state %s: %s",
		e.Kind, e.RequestID, e.State, e.Reason)
}
