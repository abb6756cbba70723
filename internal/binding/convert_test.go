package binding

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	rpcv1 "github.com/AltairaLabs/funcworker/api/rpc/v1"
)

func sampleValues() map[string][]*rpcv1.TypedValue {
	return map[string][]*rpcv1.TypedValue{
		rpcv1.TypeString: {
			rpcv1.StringValue(""),
			rpcv1.StringValue("hi"),
			rpcv1.StringValue("héllo wörld ✓"),
			rpcv1.StringValue(`{"a":[1,2,{"b":null}],"c":"x"}`),
			rpcv1.StringValue(`{"b": 1, "a": 2}`),
		},
		rpcv1.TypeBytes: {
			rpcv1.BytesValue([]byte("plain")),
			rpcv1.BytesValue([]byte(`[true,false,"s"]`)),
			rpcv1.BytesValue([]byte("  {\"z\": [1, 2.50], \"a\": null}\n")),
		},
		rpcv1.TypeInt: {
			rpcv1.IntValue(0),
			rpcv1.IntValue(-42),
			rpcv1.IntValue(1 << 53),
		},
		rpcv1.TypeDouble: {
			rpcv1.DoubleValue(0),
			rpcv1.DoubleValue(2),
			rpcv1.DoubleValue(-1e15),
		},
		rpcv1.TypeJSON: {
			rpcv1.JSONValue(`{"a":1,"b":[true,"x"],"c":{"d":2.5}}`),
			rpcv1.JSONValue(`{"name":"widget","tags":["a","b"]}`),
			rpcv1.JSONValue(`"\u00e9"`),
			rpcv1.JSONValue(` {"b": 1, "a": {"y": "\u00e9", "x": [3, 1]}}`),
		},
		rpcv1.TypeHTTP: {{
			Kind: rpcv1.TypeHTTP,
			HTTP: &rpcv1.RpcHttp{
				Method: "POST",
				URL:    "https://example.test/api/items?id=7&id=8&q=go",
				Headers: []*rpcv1.HeaderLine{
					{Name: "Accept", Values: []string{"text/plain"}},
					{Name: "Content-Type", Values: []string{"application/json"}},
					{Name: "X-Tag", Values: []string{"a"}},
					{Name: "X-Tag", Values: []string{"b"}},
				},
				Body: []byte(`{"n":1}`),
			},
		}},
		rpcv1.TypeQueueMessage: {{
			Kind: rpcv1.TypeQueueMessage,
			QueueMessage: &rpcv1.QueueMessage{
				ID:                   "m-1",
				Body:                 []byte("payload"),
				DequeueCount:         3,
				InsertedAtUnixMillis: 1700000000123,
				Properties:           map[string]string{"source": "orders"},
			},
		}},
		rpcv1.TypeTimer: {{
			Kind: rpcv1.TypeTimer,
			Timer: &rpcv1.TimerInfo{
				ScheduledUnixMillis: 1700000000000,
				LastUnixMillis:      1699999940000,
				NextUnixMillis:      1700000060000,
				IsPastDue:           true,
			},
		}},
	}
}

// Every value of a supported kind survives ToArg followed by FromOutput for
// every declared type the kind can be bound to
func TestRoundTrip_AllCompatibleTypes(t *testing.T) {
	for kind, values := range sampleValues() {
		for declared := range compatible[kind] {
			for _, v := range values {
				if declared == TypeStruct && !isObjectDoc(v) {
					continue
				}
				if (declared == TypeJSON || declared == TypeStruct) && !isJSONDoc(v) {
					continue
				}
				t.Run(kind+"->"+declared, func(t *testing.T) {
					arg, err := ToArg(v, declared)
					require.NoError(t, err)

					back, err := FromOutput(arg, kind)
					require.NoError(t, err)
					assert.Equal(t, v, back)
				})
			}
		}
	}
}

func isJSONDoc(v *rpcv1.TypedValue) bool {
	switch v.Kind {
	case rpcv1.TypeJSON:
		return true
	case rpcv1.TypeString:
		_, err := DecodeJSON([]byte(v.String))
		return err == nil
	case rpcv1.TypeBytes:
		_, err := DecodeJSON(v.Bytes)
		return err == nil
	}
	return false
}

func isObjectDoc(v *rpcv1.TypedValue) bool {
	var doc []byte
	switch v.Kind {
	case rpcv1.TypeJSON:
		doc = []byte(v.JSON)
	case rpcv1.TypeString:
		doc = []byte(v.String)
	case rpcv1.TypeBytes:
		doc = v.Bytes
	}
	parsed, err := DecodeJSON(doc)
	if err != nil {
		return false
	}
	_, ok := parsed.(map[string]any)
	return ok
}

func TestToArg_InvalidUTF8BytesToString(t *testing.T) {
	_, err := ToArg(rpcv1.BytesValue([]byte{0xFF, 0xFE}), TypeString)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBinding))

	attributed := WithParam(err, "msg")
	assert.Equal(t, "msg", ParamOf(attributed))
	assert.Contains(t, attributed.Error(), `"msg"`)
}

func TestToArg_UnsupportedTypes(t *testing.T) {
	_, err := ToArg(&rpcv1.TypedValue{Kind: "carrier_pigeon"}, TypeString)
	assert.True(t, errors.Is(err, ErrUnsupportedBinding))

	_, err = ToArg(rpcv1.StringValue("x"), "complex128")
	assert.True(t, errors.Is(err, ErrUnsupportedBinding))

	_, err = FromOutput("x", "carrier_pigeon")
	assert.True(t, errors.Is(err, ErrUnsupportedBinding))
}

func TestToArg_IncompatibleKindIsBindingError(t *testing.T) {
	_, err := ToArg(rpcv1.IntValue(4), TypeString)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBinding))
	assert.False(t, errors.Is(err, ErrUnsupportedBinding))
}

func TestToArg_MissingValue(t *testing.T) {
	_, err := ToArg(nil, TypeString)
	assert.True(t, errors.Is(err, ErrBinding))
}

func TestNumericConversions(t *testing.T) {
	t.Run("int widens to double", func(t *testing.T) {
		v, err := ToArg(rpcv1.IntValue(12), TypeFloat64)
		require.NoError(t, err)
		assert.Equal(t, float64(12), v)
	})

	t.Run("int too large for exact double", func(t *testing.T) {
		_, err := ToArg(rpcv1.IntValue(1<<53+1), TypeFloat64)
		assert.True(t, errors.Is(err, ErrBinding))
	})

	t.Run("integral double narrows to int", func(t *testing.T) {
		v, err := ToArg(rpcv1.DoubleValue(-7), TypeInt64)
		require.NoError(t, err)
		assert.Equal(t, int64(-7), v)
	})

	t.Run("fractional double does not narrow", func(t *testing.T) {
		_, err := ToArg(rpcv1.DoubleValue(1.5), TypeInt64)
		assert.True(t, errors.Is(err, ErrBinding))
	})

	t.Run("out of range double does not narrow", func(t *testing.T) {
		_, err := ToArg(rpcv1.DoubleValue(1e19), TypeInt64)
		assert.True(t, errors.Is(err, ErrBinding))
	})

	t.Run("nan does not narrow", func(t *testing.T) {
		_, err := ToArg(rpcv1.DoubleValue(math.NaN()), TypeInt64)
		assert.True(t, errors.Is(err, ErrBinding))
	})

	t.Run("uint64 overflow on output", func(t *testing.T) {
		_, err := FromOutput(uint64(math.MaxUint64), rpcv1.TypeInt)
		assert.True(t, errors.Is(err, ErrBinding))
	})

	t.Run("int32 output widens", func(t *testing.T) {
		v, err := FromOutput(int32(9), rpcv1.TypeDouble)
		require.NoError(t, err)
		assert.Equal(t, rpcv1.DoubleValue(9), v)
	})
}

func TestToArg_JSONStructuredValue(t *testing.T) {
	v, err := ToArg(rpcv1.JSONValue(`{"name":"a","count":3,"big":12345678901234567890}`), TypeJSON)
	require.NoError(t, err)

	doc, ok := v.(*Document)
	require.True(t, ok)
	obj, ok := doc.Value().(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "a", obj["name"])
	assert.Equal(t, json.Number("3"), obj["count"])
	assert.Equal(t, json.Number("12345678901234567890"), obj["big"])
}

func TestToArg_JSONStruct(t *testing.T) {
	v, err := ToArg(rpcv1.JSONValue(`{"name":"a","n":2}`), TypeStruct)
	require.NoError(t, err)

	s, ok := v.(*Struct)
	require.True(t, ok)
	assert.Equal(t, "a", s.Fields["name"].GetStringValue())
	assert.Equal(t, float64(2), s.Fields["n"].GetNumberValue())

	_, err = ToArg(rpcv1.JSONValue(`[1,2]`), TypeStruct)
	assert.True(t, errors.Is(err, ErrBinding))
}

func TestToArg_InvalidUTF8InsideJSON(t *testing.T) {
	for _, declared := range []string{TypeJSON, TypeStruct} {
		_, err := ToArg(rpcv1.BytesValue([]byte("{\"k\":\"\xff\xfe\"}")), declared)
		require.Error(t, err, declared)
		assert.True(t, errors.Is(err, ErrBinding))
	}
}

func TestFromOutput_ChangedDocumentIsReencoded(t *testing.T) {
	v, err := ToArg(rpcv1.JSONValue(`{"b": 1, "a": 2}`), TypeJSON)
	require.NoError(t, err)
	doc := v.(*Document)
	doc.Value().(map[string]any)["c"] = json.Number("3")

	out, err := FromOutput(doc, rpcv1.TypeJSON)
	require.NoError(t, err)
	assert.Equal(t, rpcv1.JSONValue(`{"a":2,"b":1,"c":3}`), out)

	v, err = ToArg(rpcv1.StringValue(`{"n": 1}`), TypeStruct)
	require.NoError(t, err)
	st := v.(*Struct)
	st.Fields["n"] = structpb.NewNumberValue(2)

	out, err = FromOutput(st, rpcv1.TypeString)
	require.NoError(t, err)
	assert.Equal(t, rpcv1.StringValue(`{"n":2}`), out)
}

func TestFromOutput_GoValuesAsJSON(t *testing.T) {
	type item struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	v, err := FromOutput(item{Name: "x", Count: 2}, rpcv1.TypeJSON)
	require.NoError(t, err)
	assert.Equal(t, rpcv1.JSONValue(`{"count":2,"name":"x"}`), v)

	v, err = FromOutput(map[string]any{"b": 1, "a": "<tag>"}, rpcv1.TypeJSON)
	require.NoError(t, err)
	assert.Equal(t, rpcv1.JSONValue(`{"a":"<tag>","b":1}`), v)

	_, err = FromOutput("{not json", rpcv1.TypeJSON)
	assert.True(t, errors.Is(err, ErrBinding))
}

func TestFromOutput_NilIsNoValue(t *testing.T) {
	v, err := FromOutput(nil, rpcv1.TypeString)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestFromOutput_HTTPResponse(t *testing.T) {
	resp := &HTTPResponse{
		StatusCode: 201,
		Header:     map[string][]string{"x-id": {"9"}, "Content-Type": {"text/plain"}},
		Body:       []byte("created"),
	}

	v, err := FromOutput(resp, rpcv1.TypeHTTP)
	require.NoError(t, err)
	require.NotNil(t, v.HTTP)
	assert.Equal(t, int32(201), v.HTTP.StatusCode)
	assert.Equal(t, []*rpcv1.HeaderLine{
		{Name: "Content-Type", Values: []string{"text/plain"}},
		{Name: "X-Id", Values: []string{"9"}},
	}, v.HTTP.Headers)
	assert.Equal(t, []byte("created"), v.HTTP.Body)

	v, err = FromOutput("ok", rpcv1.TypeHTTP)
	require.NoError(t, err)
	assert.Equal(t, int32(200), v.HTTP.StatusCode)
	assert.Equal(t, []byte("ok"), v.HTTP.Body)
}

func TestFromOutput_QueueAndTimer(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	v, err := FromOutput(QueueMessage{ID: "q", Body: []byte("b"), InsertedAt: at}, rpcv1.TypeQueueMessage)
	require.NoError(t, err)
	assert.Equal(t, at.UnixMilli(), v.QueueMessage.InsertedAtUnixMillis)

	v, err = FromOutput(&TimerInfo{Next: at}, rpcv1.TypeTimer)
	require.NoError(t, err)
	assert.Equal(t, at.UnixMilli(), v.Timer.NextUnixMillis)
	assert.Zero(t, v.Timer.LastUnixMillis)

	_, err = FromOutput("later", rpcv1.TypeTimer)
	assert.True(t, errors.Is(err, ErrBinding))
}

func TestCheckInputOutput(t *testing.T) {
	assert.NoError(t, CheckInput(rpcv1.TypeBytes, TypeString))
	assert.True(t, errors.Is(CheckInput(rpcv1.TypeTimer, TypeString), ErrBinding))
	assert.True(t, errors.Is(CheckInput("nope", TypeString), ErrUnsupportedBinding))
	assert.NoError(t, CheckOutput(TypeHTTPResponse, rpcv1.TypeHTTP))
	assert.True(t, errors.Is(CheckOutput(TypeHTTPResponse, rpcv1.TypeString), ErrBinding))
}

func TestSchemaValidation(t *testing.T) {
	schema, err := CompileSchema(`{
		"type": "object",
		"required": ["id"],
		"properties": {"id": {"type": "integer"}}
	}`)
	require.NoError(t, err)

	_, err = ToArg(rpcv1.JSONValue(`{"id":5}`), TypeJSON, WithSchema(schema))
	assert.NoError(t, err)

	_, err = ToArg(rpcv1.JSONValue(`{"id":"five"}`), TypeJSON, WithSchema(schema))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBinding))

	_, err = CompileSchema(`{"type": 12}`)
	assert.Error(t, err)
}
