// Package binding converts host-provided typed values into the argument
// shapes user entry points declare, and converts their results back.
//
// The package is pure: conversions perform no I/O and share no mutable state
package binding

import (
	"time"

	rpcv1 "github.com/AltairaLabs/funcworker/api/rpc/v1"
)

// Declared types a user entry point may use for a parameter or result
const (
	TypeString       = "string"
	TypeBytes        = "bytes"
	TypeInt64        = "int64"
	TypeFloat64      = "float64"
	TypeJSON         = "json"
	TypeStruct       = "json.struct"
	TypeHTTPRequest  = "http.request"
	TypeHTTPResponse = "http.response"
	TypeQueueMessage = "queue.message"
	TypeTimerInfo    = "timer.info"
)

// compatible lists, per transport kind, the declared types an input of that
// kind may be bound to
var compatible = map[string]map[string]bool{
	rpcv1.TypeString: {TypeString: true, TypeBytes: true, TypeJSON: true, TypeStruct: true},
	rpcv1.TypeBytes:  {TypeString: true, TypeBytes: true, TypeJSON: true, TypeStruct: true},
	rpcv1.TypeInt:    {TypeInt64: true, TypeFloat64: true},
	rpcv1.TypeDouble: {TypeFloat64: true, TypeInt64: true},
	rpcv1.TypeJSON:   {TypeJSON: true, TypeStruct: true, TypeString: true, TypeBytes: true},
	rpcv1.TypeHTTP:   {TypeHTTPRequest: true},

	rpcv1.TypeQueueMessage: {TypeQueueMessage: true},
	rpcv1.TypeTimer:        {TypeTimerInfo: true},
}

// outputs lists, per transport kind, the declared types a result of that
// declared type may be sent as
var outputs = map[string]map[string]bool{
	rpcv1.TypeString: {TypeString: true, TypeBytes: true, TypeJSON: true, TypeStruct: true},
	rpcv1.TypeBytes:  {TypeString: true, TypeBytes: true, TypeJSON: true, TypeStruct: true},
	rpcv1.TypeInt:    {TypeInt64: true, TypeFloat64: true},
	rpcv1.TypeDouble: {TypeFloat64: true, TypeInt64: true},
	rpcv1.TypeJSON:   {TypeJSON: true, TypeStruct: true, TypeString: true, TypeBytes: true},
	rpcv1.TypeHTTP: {
		TypeHTTPResponse: true, TypeHTTPRequest: true,
		TypeString: true, TypeBytes: true, TypeJSON: true,
	},
	rpcv1.TypeQueueMessage: {TypeQueueMessage: true},
	rpcv1.TypeTimer:        {TypeTimerInfo: true},
}

var declaredTypes = map[string]bool{
	TypeString: true, TypeBytes: true, TypeInt64: true, TypeFloat64: true,
	TypeJSON: true, TypeStruct: true, TypeHTTPRequest: true, TypeHTTPResponse: true,
	TypeQueueMessage: true, TypeTimerInfo: true,
}

// IsDeclaredType reports whether t is a declared type this layer understands
func IsDeclaredType(t string) bool { return declaredTypes[t] }

// IsTransportType reports whether t is a transport kind this layer understands
func IsTransportType(t string) bool {
	_, ok := compatible[t]
	return ok
}

// CheckInput reports whether a transport kind can be bound to a declared type
func CheckInput(transportType, declaredType string) error {
	return check(compatible, transportType, declaredType)
}

// CheckOutput reports whether a declared type can be sent as a transport kind
func CheckOutput(declaredType, transportType string) error {
	return check(outputs, transportType, declaredType)
}

func check(table map[string]map[string]bool, transportType, declaredType string) error {
	allowed, ok := table[transportType]
	if !ok {
		return unsupported("unknown transport type %q", transportType)
	}
	if !declaredTypes[declaredType] {
		return unsupported("unknown declared type %q", declaredType)
	}
	if !allowed[declaredType] {
		return bindingErr("%s cannot be bound to %s", transportType, declaredType)
	}
	return nil
}

// QueueMessage is the declared shape of a queue trigger message
type QueueMessage struct {
	ID           string
	Body         []byte
	DequeueCount int64
	InsertedAt   time.Time
	Properties   map[string]string
}

// TimerInfo is the declared shape of a timer trigger firing
type TimerInfo struct {
	ScheduledAt time.Time
	Last        time.Time
	Next        time.Time
	IsPastDue   bool
}
