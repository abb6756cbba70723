package binding

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"time"
	"unicode/utf8"

	"google.golang.org/protobuf/types/known/structpb"

	rpcv1 "github.com/AltairaLabs/funcworker/api/rpc/v1"
)

// maxExactFloatInt is the largest integer magnitude a float64 holds exactly
const maxExactFloatInt = 1 << 53

// Option adjusts a single ToArg conversion
type Option func(*options)

type options struct {
	schema *Schema
}

// WithSchema validates json documents against s before binding them
func WithSchema(s *Schema) Option {
	return func(o *options) { o.schema = s }
}

// ToArg converts a host value into the Go value for declaredType
func ToArg(v *rpcv1.TypedValue, declaredType string, opts ...Option) (any, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if v == nil {
		return nil, bindingErr("missing value")
	}
	if err := CheckInput(v.Kind, declaredType); err != nil {
		return nil, err
	}

	switch v.Kind {
	case rpcv1.TypeString:
		return textToArg([]byte(v.String), v.String, declaredType, o)
	case rpcv1.TypeBytes:
		if declaredType == TypeString {
			if !utf8.Valid(v.Bytes) {
				return nil, bindingErr("bytes are not valid UTF-8")
			}
			return string(v.Bytes), nil
		}
		return textToArg(v.Bytes, "", declaredType, o)
	case rpcv1.TypeJSON:
		return jsonToArg(v.JSON, declaredType, o)
	case rpcv1.TypeInt:
		if declaredType == TypeFloat64 {
			return widenInt(v.Int)
		}
		return v.Int, nil
	case rpcv1.TypeDouble:
		if declaredType == TypeInt64 {
			return narrowFloat(v.Double)
		}
		return v.Double, nil
	case rpcv1.TypeHTTP:
		return toHTTPRequest(v.HTTP)
	case rpcv1.TypeQueueMessage:
		return toQueueMessage(v.QueueMessage)
	case rpcv1.TypeTimer:
		return toTimerInfo(v.Timer)
	default:
		return nil, unsupported("unknown transport type %q", v.Kind)
	}
}

func textToArg(raw []byte, s, declaredType string, o options) (any, error) {
	switch declaredType {
	case TypeString:
		return s, nil
	case TypeBytes:
		return cloneBytes(raw), nil
	case TypeJSON, TypeStruct:
		return jsonToArg(string(raw), declaredType, o)
	default:
		return nil, bindingErr("cannot bind text to %s", declaredType)
	}
}

func jsonToArg(doc, declaredType string, o options) (any, error) {
	var (
		v   any
		err error
	)
	switch declaredType {
	case TypeJSON:
		v, err = ParseDocument([]byte(doc))
	case TypeStruct:
		v, err = toStruct([]byte(doc))
	case TypeString, TypeBytes:
		err = validateJSON([]byte(doc))
	default:
		return nil, bindingErr("cannot bind json to %s", declaredType)
	}
	if err != nil {
		return nil, err
	}
	if o.schema != nil {
		if err := o.schema.Validate([]byte(doc)); err != nil {
			return nil, err
		}
	}
	switch declaredType {
	case TypeString:
		return doc, nil
	case TypeBytes:
		return []byte(doc), nil
	default:
		return v, nil
	}
}

func widenInt(n int64) (float64, error) {
	if n > maxExactFloatInt || n < -maxExactFloatInt {
		return 0, bindingErr("integer %d cannot be represented exactly as a double", n)
	}
	return float64(n), nil
}

func narrowFloat(f float64) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, bindingErr("double %v is not an integer", f)
	}
	if f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, bindingErr("double %v overflows int64", f)
	}
	return int64(f), nil
}

func toQueueMessage(q *rpcv1.QueueMessage) (*QueueMessage, error) {
	if q == nil {
		return nil, bindingErr("queue message has no payload")
	}
	var props map[string]string
	if q.Properties != nil {
		props = make(map[string]string, len(q.Properties))
		for k, v := range q.Properties {
			props[k] = v
		}
	}
	return &QueueMessage{
		ID:           q.ID,
		Body:         cloneBytes(q.Body),
		DequeueCount: q.DequeueCount,
		InsertedAt:   fromMillis(q.InsertedAtUnixMillis),
		Properties:   props,
	}, nil
}

func toTimerInfo(t *rpcv1.TimerInfo) (*TimerInfo, error) {
	if t == nil {
		return nil, bindingErr("timer value has no payload")
	}
	return &TimerInfo{
		ScheduledAt: fromMillis(t.ScheduledUnixMillis),
		Last:        fromMillis(t.LastUnixMillis),
		Next:        fromMillis(t.NextUnixMillis),
		IsPastDue:   t.IsPastDue,
	}, nil
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromOutput converts a value produced by user code into a host value of
// the given transport kind. A nil value converts to nil
func FromOutput(value any, transportType string) (*rpcv1.TypedValue, error) {
	if !IsTransportType(transportType) {
		return nil, unsupported("unknown transport type %q", transportType)
	}
	if value == nil {
		return nil, nil
	}

	switch transportType {
	case rpcv1.TypeString:
		s, err := outputText(value)
		if err != nil {
			return nil, err
		}
		return rpcv1.StringValue(s), nil
	case rpcv1.TypeBytes:
		if b, ok := value.([]byte); ok {
			return rpcv1.BytesValue(cloneBytes(b)), nil
		}
		s, err := outputText(value)
		if err != nil {
			return nil, err
		}
		return rpcv1.BytesValue([]byte(s)), nil
	case rpcv1.TypeJSON:
		doc, err := outputJSON(value)
		if err != nil {
			return nil, err
		}
		return rpcv1.JSONValue(doc), nil
	case rpcv1.TypeInt:
		n, err := outputInt(value)
		if err != nil {
			return nil, err
		}
		return rpcv1.IntValue(n), nil
	case rpcv1.TypeDouble:
		f, err := outputDouble(value)
		if err != nil {
			return nil, err
		}
		return rpcv1.DoubleValue(f), nil
	case rpcv1.TypeHTTP:
		return outputHTTP(value)
	case rpcv1.TypeQueueMessage:
		return outputQueueMessage(value)
	case rpcv1.TypeTimer:
		return outputTimer(value)
	default:
		return nil, unsupported("unknown transport type %q", transportType)
	}
}

func outputText(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		if !utf8.Valid(v) {
			return "", bindingErr("bytes are not valid UTF-8")
		}
		return string(v), nil
	case json.RawMessage:
		return verbatimJSON(v)
	case *Document:
		return v.Text()
	case *Struct:
		return v.Text()
	case *structpb.Struct:
		return fromStruct(v)
	default:
		if isJSONValue(value) {
			return EncodeJSON(value)
		}
		return "", bindingErr("cannot send %T as text", value)
	}
}

func outputJSON(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return verbatimJSON([]byte(v))
	case []byte:
		return verbatimJSON(v)
	case json.RawMessage:
		return verbatimJSON(v)
	case *Document:
		return v.Text()
	case *Struct:
		return v.Text()
	case *structpb.Struct:
		return fromStruct(v)
	default:
		doc, err := EncodeJSON(value)
		if err != nil {
			return "", err
		}
		return CanonicalJSON([]byte(doc))
	}
}

// verbatimJSON checks that text is one strict JSON document and returns it
// unchanged
func verbatimJSON(text []byte) (string, error) {
	if err := validateJSON(text); err != nil {
		return "", err
	}
	return string(text), nil
}

// isJSONValue reports values produced by DecodeJSON or plain Go
// collections that render naturally as JSON text
func isJSONValue(value any) bool {
	switch value.(type) {
	case map[string]any, []any, json.Number, bool:
		return true
	}
	kind := reflect.TypeOf(value).Kind()
	return kind == reflect.Map || kind == reflect.Slice || kind == reflect.Struct
}

func outputInt(value any) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint:
		return uintToInt(uint64(v))
	case uint64:
		return uintToInt(v)
	case float32:
		return narrowFloat(float64(v))
	case float64:
		return narrowFloat(v)
	case json.Number:
		n, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return 0, bindingErr("number %s is not an int64", v)
		}
		return n, nil
	default:
		return 0, bindingErr("cannot send %T as int", value)
	}
}

func uintToInt(u uint64) (int64, error) {
	if u > math.MaxInt64 {
		return 0, bindingErr("unsigned %d overflows int64", u)
	}
	return int64(u), nil
}

func outputDouble(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case json.Number:
		f, err := strconv.ParseFloat(string(v), 64)
		if err != nil {
			return 0, bindingErr("number %s is not a double", v)
		}
		return f, nil
	default:
		n, err := outputInt(value)
		if err != nil {
			return 0, bindingErr("cannot send %T as double", value)
		}
		return widenInt(n)
	}
}

func outputHTTP(value any) (*rpcv1.TypedValue, error) {
	var h *rpcv1.RpcHttp
	switch v := value.(type) {
	case *HTTPResponse:
		h = fromHTTPResponse(v)
	case HTTPResponse:
		h = fromHTTPResponse(&v)
	case *HTTPRequest:
		h = fromHTTPRequest(v)
	case string, []byte, json.RawMessage:
		body, err := outputText(v)
		if err != nil {
			return nil, err
		}
		h = fromHTTPResponse(&HTTPResponse{Body: []byte(body)})
	default:
		return nil, bindingErr("cannot send %T as http", value)
	}
	return &rpcv1.TypedValue{Kind: rpcv1.TypeHTTP, HTTP: h}, nil
}

func outputQueueMessage(value any) (*rpcv1.TypedValue, error) {
	var q *QueueMessage
	switch v := value.(type) {
	case *QueueMessage:
		q = v
	case QueueMessage:
		q = &v
	default:
		return nil, bindingErr("cannot send %T as queue message", value)
	}
	var props map[string]string
	if len(q.Properties) > 0 {
		props = make(map[string]string, len(q.Properties))
		for k, v := range q.Properties {
			props[k] = v
		}
	}
	return &rpcv1.TypedValue{Kind: rpcv1.TypeQueueMessage, QueueMessage: &rpcv1.QueueMessage{
		ID:                   q.ID,
		Body:                 cloneBytes(q.Body),
		DequeueCount:         q.DequeueCount,
		InsertedAtUnixMillis: toMillis(q.InsertedAt),
		Properties:           props,
	}}, nil
}

func outputTimer(value any) (*rpcv1.TypedValue, error) {
	var t *TimerInfo
	switch v := value.(type) {
	case *TimerInfo:
		t = v
	case TimerInfo:
		t = &v
	default:
		return nil, bindingErr("cannot send %T as timer", value)
	}
	return &rpcv1.TypedValue{Kind: rpcv1.TypeTimer, Timer: &rpcv1.TimerInfo{
		ScheduledUnixMillis: toMillis(t.ScheduledAt),
		LastUnixMillis:      toMillis(t.Last),
		NextUnixMillis:      toMillis(t.Next),
		IsPastDue:           t.IsPastDue,
	}}, nil
}
