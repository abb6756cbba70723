package rpcv1

// TypedValue kinds as they appear in BindingInfo.TransportType
const (
	TypeString       = "string"
	TypeBytes        = "bytes"
	TypeInt          = "int"
	TypeDouble       = "double"
	TypeJSON         = "json"
	TypeHTTP         = "http"
	TypeQueueMessage = "queue_message"
	TypeTimer        = "timer"
)

// TypedValue is a tagged value carried on the wire. Kind selects which of
// the payload fields is meaningful
type TypedValue struct {
	Kind         string        `cbor:"1,keyasint,omitempty"`
	String       string        `cbor:"2,keyasint,omitempty"`
	Bytes        []byte        `cbor:"3,keyasint,omitempty"`
	Int          int64         `cbor:"4,keyasint,omitempty"`
	Double       float64       `cbor:"5,keyasint,omitempty"`
	JSON         string        `cbor:"6,keyasint,omitempty"`
	HTTP         *RpcHttp      `cbor:"7,keyasint,omitempty"`
	QueueMessage *QueueMessage `cbor:"8,keyasint,omitempty"`
	Timer        *TimerInfo    `cbor:"9,keyasint,omitempty"`
}

// HeaderLine is one header line of an HTTP message. Repeated names across
// lines accumulate values; within a single line the last value wins
type HeaderLine struct {
	Name   string   `cbor:"1,keyasint,omitempty"`
	Values []string `cbor:"2,keyasint,omitempty"`
}

// RpcHttp carries an HTTP request (trigger input) or response (output)
type RpcHttp struct {
	Method     string        `cbor:"1,keyasint,omitempty"`
	URL        string        `cbor:"2,keyasint,omitempty"`
	Headers    []*HeaderLine `cbor:"3,keyasint,omitempty"`
	Body       []byte        `cbor:"4,keyasint,omitempty"`
	StatusCode int32         `cbor:"5,keyasint,omitempty"`
}

// QueueMessage is a message delivered by a queue trigger
type QueueMessage struct {
	ID                   string            `cbor:"1,keyasint,omitempty"`
	Body                 []byte            `cbor:"2,keyasint,omitempty"`
	DequeueCount         int64             `cbor:"3,keyasint,omitempty"`
	InsertedAtUnixMillis int64             `cbor:"4,keyasint,omitempty"`
	Properties           map[string]string `cbor:"5,keyasint,omitempty"`
}

// TimerInfo describes a timer trigger firing
type TimerInfo struct {
	ScheduledUnixMillis int64 `cbor:"1,keyasint,omitempty"`
	LastUnixMillis      int64 `cbor:"2,keyasint,omitempty"`
	NextUnixMillis      int64 `cbor:"3,keyasint,omitempty"`
	IsPastDue           bool  `cbor:"4,keyasint,omitempty"`
}

// StringValue returns a string TypedValue
func StringValue(s string) *TypedValue { return &TypedValue{Kind: TypeString, String: s} }

// BytesValue returns a bytes TypedValue
func BytesValue(b []byte) *TypedValue { return &TypedValue{Kind: TypeBytes, Bytes: b} }

// IntValue returns an integer TypedValue
func IntValue(n int64) *TypedValue { return &TypedValue{Kind: TypeInt, Int: n} }

// DoubleValue returns a double TypedValue
func DoubleValue(f float64) *TypedValue { return &TypedValue{Kind: TypeDouble, Double: f} }

// JSONValue returns a json-document TypedValue
func JSONValue(doc string) *TypedValue { return &TypedValue{Kind: TypeJSON, JSON: doc} }
