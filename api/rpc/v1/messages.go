// Package rpcv1 defines the messages exchanged between a function host and a
// language worker over the FunctionRpc event stream
package rpcv1

// ProtocolVersion is the major version of the stream protocol spoken by this worker
const ProtocolVersion = 1

// Kind identifies which payload a StreamingMessage carries
type Kind int

// Message kinds
const (
	KindUnknown Kind = iota
	KindStartStream
	KindWorkerInitRequest
	KindWorkerInitResponse
	KindFunctionLoadRequest
	KindFunctionLoadResponse
	KindInvocationRequest
	KindInvocationResponse
	KindInvocationCancel
	KindWorkerStatusRequest
	KindWorkerStatusResponse
	KindWorkerTerminate
	KindRpcLog
)

var kindNames = map[Kind]string{
	KindUnknown:              "Unknown",
	KindStartStream:          "StartStream",
	KindWorkerInitRequest:    "WorkerInitRequest",
	KindWorkerInitResponse:   "WorkerInitResponse",
	KindFunctionLoadRequest:  "FunctionLoadRequest",
	KindFunctionLoadResponse: "FunctionLoadResponse",
	KindInvocationRequest:    "InvocationRequest",
	KindInvocationResponse:   "InvocationResponse",
	KindInvocationCancel:     "InvocationCancel",
	KindWorkerStatusRequest:  "WorkerStatusRequest",
	KindWorkerStatusResponse: "WorkerStatusResponse",
	KindWorkerTerminate:      "WorkerTerminate",
	KindRpcLog:               "RpcLog",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// StreamingMessage is the envelope for every frame on the event stream.
// Exactly one payload field is set
type StreamingMessage struct {
	RequestID string `cbor:"1,keyasint,omitempty"`

	StartStream          *StartStream          `cbor:"10,keyasint,omitempty"`
	WorkerInitRequest    *WorkerInitRequest    `cbor:"11,keyasint,omitempty"`
	WorkerInitResponse   *WorkerInitResponse   `cbor:"12,keyasint,omitempty"`
	FunctionLoadRequest  *FunctionLoadRequest  `cbor:"13,keyasint,omitempty"`
	FunctionLoadResponse *FunctionLoadResponse `cbor:"14,keyasint,omitempty"`
	InvocationRequest    *InvocationRequest    `cbor:"15,keyasint,omitempty"`
	InvocationResponse   *InvocationResponse   `cbor:"16,keyasint,omitempty"`
	InvocationCancel     *InvocationCancel     `cbor:"17,keyasint,omitempty"`
	WorkerStatusRequest  *WorkerStatusRequest  `cbor:"18,keyasint,omitempty"`
	WorkerStatusResponse *WorkerStatusResponse `cbor:"19,keyasint,omitempty"`
	WorkerTerminate      *WorkerTerminate      `cbor:"20,keyasint,omitempty"`
	RpcLog               *RpcLog               `cbor:"21,keyasint,omitempty"`
}

// Kind reports the payload carried by the message. A message with zero or
// more than one payload is KindUnknown
func (m *StreamingMessage) Kind() Kind {
	if m == nil {
		return KindUnknown
	}
	kind := KindUnknown
	set := 0
	check := func(present bool, k Kind) {
		if present {
			kind = k
			set++
		}
	}
	check(m.StartStream != nil, KindStartStream)
	check(m.WorkerInitRequest != nil, KindWorkerInitRequest)
	check(m.WorkerInitResponse != nil, KindWorkerInitResponse)
	check(m.FunctionLoadRequest != nil, KindFunctionLoadRequest)
	check(m.FunctionLoadResponse != nil, KindFunctionLoadResponse)
	check(m.InvocationRequest != nil, KindInvocationRequest)
	check(m.InvocationResponse != nil, KindInvocationResponse)
	check(m.InvocationCancel != nil, KindInvocationCancel)
	check(m.WorkerStatusRequest != nil, KindWorkerStatusRequest)
	check(m.WorkerStatusResponse != nil, KindWorkerStatusResponse)
	check(m.WorkerTerminate != nil, KindWorkerTerminate)
	check(m.RpcLog != nil, KindRpcLog)
	if set != 1 {
		return KindUnknown
	}
	return kind
}

// StartStream is the first message a worker sends on a new stream
type StartStream struct {
	WorkerID        string `cbor:"1,keyasint,omitempty"`
	ProtocolVersion int32  `cbor:"2,keyasint,omitempty"`
}

// WorkerInitRequest is sent by the host once it has accepted the stream
type WorkerInitRequest struct {
	HostVersion     string            `cbor:"1,keyasint,omitempty"`
	ProtocolVersion int32             `cbor:"2,keyasint,omitempty"`
	Capabilities    map[string]string `cbor:"3,keyasint,omitempty"`
	LogCategories   []string          `cbor:"4,keyasint,omitempty"`
}

// WorkerInitResponse completes the handshake
type WorkerInitResponse struct {
	WorkerVersion string            `cbor:"1,keyasint,omitempty"`
	Capabilities  map[string]string `cbor:"2,keyasint,omitempty"`
	Result        *StatusResult     `cbor:"3,keyasint,omitempty"`
}

// Status is the outcome carried by a StatusResult
type Status int32

// Status values
const (
	StatusUnspecified Status = iota
	StatusSuccess
	StatusFailure
)

// StatusResult reports the outcome of a host request
type StatusResult struct {
	Status    Status        `cbor:"1,keyasint,omitempty"`
	Message   string        `cbor:"2,keyasint,omitempty"`
	Exception *RpcException `cbor:"3,keyasint,omitempty"`
}

// RpcException describes a failure with an optional stack rendering
type RpcException struct {
	Source     string `cbor:"1,keyasint,omitempty"`
	Message    string `cbor:"2,keyasint,omitempty"`
	StackTrace string `cbor:"3,keyasint,omitempty"`
}

// Direction is the data flow of a binding
type Direction int32

// Binding directions
const (
	DirectionIn Direction = iota
	DirectionOut
	DirectionInOut
)

func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "in"
	case DirectionOut:
		return "out"
	case DirectionInOut:
		return "inout"
	default:
		return "unknown"
	}
}

// BindingInfo describes one named binding of a function
type BindingInfo struct {
	Direction     Direction `cbor:"1,keyasint,omitempty"`
	DeclaredType  string    `cbor:"2,keyasint,omitempty"`
	TransportType string    `cbor:"3,keyasint,omitempty"`
	// Schema is an optional JSON Schema document applied to json inputs
	Schema string `cbor:"4,keyasint,omitempty"`
}

// FunctionMetadata describes a user function to load
type FunctionMetadata struct {
	Name          string                  `cbor:"1,keyasint,omitempty"`
	EntryPoint    string                  `cbor:"2,keyasint,omitempty"`
	ScriptFile    string                  `cbor:"3,keyasint,omitempty"`
	Directory     string                  `cbor:"4,keyasint,omitempty"`
	Bindings      map[string]*BindingInfo `cbor:"5,keyasint,omitempty"`
	ReturnBinding *BindingInfo            `cbor:"6,keyasint,omitempty"`
}

// FunctionLoadRequest asks the worker to resolve and register a function
type FunctionLoadRequest struct {
	FunctionID string            `cbor:"1,keyasint,omitempty"`
	Metadata   *FunctionMetadata `cbor:"2,keyasint,omitempty"`
}

// FunctionLoadResponse reports the outcome of a FunctionLoadRequest
type FunctionLoadResponse struct {
	FunctionID string        `cbor:"1,keyasint,omitempty"`
	Result     *StatusResult `cbor:"2,keyasint,omitempty"`
}

// ParameterBinding is a named value flowing into or out of an invocation
type ParameterBinding struct {
	Name  string      `cbor:"1,keyasint,omitempty"`
	Value *TypedValue `cbor:"2,keyasint,omitempty"`
}

// TraceContext carries distributed tracing identifiers
type TraceContext struct {
	TraceParent string            `cbor:"1,keyasint,omitempty"`
	TraceState  string            `cbor:"2,keyasint,omitempty"`
	Attributes  map[string]string `cbor:"3,keyasint,omitempty"`
}

// InvocationRequest asks the worker to run a loaded function
type InvocationRequest struct {
	InvocationID    string                 `cbor:"1,keyasint,omitempty"`
	FunctionID      string                 `cbor:"2,keyasint,omitempty"`
	InputData       []*ParameterBinding    `cbor:"3,keyasint,omitempty"`
	TriggerMetadata map[string]*TypedValue `cbor:"4,keyasint,omitempty"`
	TraceContext    *TraceContext          `cbor:"5,keyasint,omitempty"`
	// DeadlineMillis is a relative execution deadline; zero means none
	DeadlineMillis int64 `cbor:"6,keyasint,omitempty"`
}

// InvocationStatus is the outcome of an invocation
type InvocationStatus int32

// Invocation statuses
const (
	InvocationUnspecified InvocationStatus = iota
	InvocationSuccess
	InvocationFailure
	InvocationCancelled
)

func (s InvocationStatus) String() string {
	switch s {
	case InvocationSuccess:
		return "Success"
	case InvocationFailure:
		return "Failure"
	case InvocationCancelled:
		return "Cancelled"
	default:
		return "Unspecified"
	}
}

// Failure kinds reported in FailureDetail.Kind
const (
	FailureFunctionNotLoaded  = "FunctionNotLoaded"
	FailureBindingError       = "BindingError"
	FailureUnsupportedBinding = "UnsupportedBinding"
	FailureUserFailure        = "UserFailure"
	FailureWorkerShuttingDown = "WorkerShuttingDown"
	FailureCancelled          = "Cancelled"
	FailureDeadlineExceeded   = "DeadlineExceeded"
)

// FailureDetail describes why an invocation did not succeed
type FailureDetail struct {
	Kind      string `cbor:"1,keyasint,omitempty"`
	Message   string `cbor:"2,keyasint,omitempty"`
	Parameter string `cbor:"3,keyasint,omitempty"`
	Stack     string `cbor:"4,keyasint,omitempty"`
}

// InvocationResponse is emitted exactly once per InvocationRequest
type InvocationResponse struct {
	InvocationID string              `cbor:"1,keyasint,omitempty"`
	Status       InvocationStatus    `cbor:"2,keyasint,omitempty"`
	ReturnValue  *TypedValue         `cbor:"3,keyasint,omitempty"`
	OutputData   []*ParameterBinding `cbor:"4,keyasint,omitempty"`
	Failure      *FailureDetail      `cbor:"5,keyasint,omitempty"`
}

// InvocationCancel asks the worker to cancel an in-flight invocation
type InvocationCancel struct {
	InvocationID string `cbor:"1,keyasint,omitempty"`
	// GraceMillis bounds how long the worker waits for the function to
	// return after cancellation; zero selects the worker default
	GraceMillis int64 `cbor:"2,keyasint,omitempty"`
}

// WorkerStatusRequest asks for the current worker health
type WorkerStatusRequest struct{}

// Worker status reasons
const (
	StatusReasonSaturated = "Saturated"
	StatusReasonDraining  = "Draining"
)

// WorkerStatusResponse reports worker health
type WorkerStatusResponse struct {
	Healthy           bool   `cbor:"1,keyasint"`
	Reason            string `cbor:"2,keyasint,omitempty"`
	ActiveInvocations int32  `cbor:"3,keyasint,omitempty"`
	QueuedInvocations int32  `cbor:"4,keyasint,omitempty"`
	LoadedFunctions   int32  `cbor:"5,keyasint,omitempty"`
}

// WorkerTerminate asks the worker to drain and exit
type WorkerTerminate struct {
	// GraceMillis bounds the drain; zero selects the worker default
	GraceMillis int64 `cbor:"1,keyasint,omitempty"`
}

// Log levels carried by RpcLog
const (
	LogTrace    = "Trace"
	LogDebug    = "Debug"
	LogInfo     = "Information"
	LogWarning  = "Warning"
	LogError    = "Error"
	LogCritical = "Critical"
)

// RpcLog is a log line produced by the worker or by user code
type RpcLog struct {
	InvocationID      string            `cbor:"1,keyasint,omitempty"`
	Level             string            `cbor:"2,keyasint,omitempty"`
	Category          string            `cbor:"3,keyasint,omitempty"`
	Message           string            `cbor:"4,keyasint,omitempty"`
	Properties        map[string]string `cbor:"5,keyasint,omitempty"`
	TimestampUnixNano int64             `cbor:"6,keyasint,omitempty"`
}
