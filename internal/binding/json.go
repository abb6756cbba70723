package binding

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"unicode/utf8"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/xeipuuv/gojsonschema"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// DecodeJSON parses a single JSON document strictly: invalid UTF-8,
// duplicate object names and trailing data are rejected, and numbers are
// kept as json.Number
func DecodeJSON(data []byte) (any, error) {
	if err := validateJSON(data); err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, bindingErr("invalid json: %v", err)
	}
	return v, nil
}

func validateJSON(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return bindingErr("empty json document")
	}
	if !utf8.Valid(data) {
		return bindingErr("json document is not valid UTF-8")
	}
	var raw jsontext.Value
	if err := jsonv2.Unmarshal(data, &raw); err != nil {
		return bindingErr("invalid json: %v", err)
	}
	return nil
}

// EncodeJSON renders v as compact JSON with sorted object keys
func EncodeJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", bindingErr("cannot encode json: %v", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// CanonicalJSON strictly parses doc and re-renders it in canonical form
func CanonicalJSON(doc []byte) (string, error) {
	v, err := DecodeJSON(doc)
	if err != nil {
		return "", err
	}
	return EncodeJSON(v)
}

// Document is a json input as bound to a json parameter. Sending it back
// without changing its value emits the source text unchanged
type Document struct {
	raw   []byte
	value any
}

// ParseDocument strictly parses data into a Document
func ParseDocument(data []byte) (*Document, error) {
	v, err := DecodeJSON(data)
	if err != nil {
		return nil, err
	}
	return &Document{raw: cloneBytes(data), value: v}, nil
}

// Value returns the decoded document: map[string]any, []any, string,
// json.Number, bool or nil
func (d *Document) Value() any { return d.value }

// String returns the source text
func (d *Document) String() string { return string(d.raw) }

// Text renders the document. The source text is kept while the decoded
// value still matches it
func (d *Document) Text() (string, error) {
	if orig, err := DecodeJSON(d.raw); err == nil && reflect.DeepEqual(orig, d.value) {
		return string(d.raw), nil
	}
	return EncodeJSON(d.value)
}

// MarshalJSON implements json.Marshaler
func (d *Document) MarshalJSON() ([]byte, error) {
	s, err := d.Text()
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

// Struct is a json object bound to a json.struct parameter. Like Document
// it keeps the source text for as long as the fields are left unchanged
type Struct struct {
	*structpb.Struct
	raw []byte
}

// Text renders the object, reusing the source text when unchanged
func (s *Struct) Text() (string, error) {
	if s.raw != nil {
		if orig, err := parseStruct(s.raw); err == nil && proto.Equal(orig, s.Struct) {
			return string(s.raw), nil
		}
	}
	return fromStruct(s.Struct)
}

// MarshalJSON implements json.Marshaler
func (s *Struct) MarshalJSON() ([]byte, error) {
	text, err := s.Text()
	if err != nil {
		return nil, err
	}
	return []byte(text), nil
}

func toStruct(doc []byte) (*Struct, error) {
	s, err := parseStruct(doc)
	if err != nil {
		return nil, err
	}
	return &Struct{Struct: s, raw: cloneBytes(doc)}, nil
}

func parseStruct(doc []byte) (*structpb.Struct, error) {
	v, err := DecodeJSON(doc)
	if err != nil {
		return nil, err
	}
	if _, ok := v.(map[string]any); !ok {
		return nil, bindingErr("json.struct requires a json object")
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(doc, s); err != nil {
		return nil, bindingErr("invalid json object: %v", err)
	}
	return s, nil
}

func fromStruct(s *structpb.Struct) (string, error) {
	data, err := protojson.Marshal(s)
	if err != nil {
		return "", bindingErr("cannot encode struct: %v", err)
	}
	return CanonicalJSON(data)
}

// Schema is a compiled JSON Schema applied to json inputs
type Schema struct {
	schema *gojsonschema.Schema
}

// CompileSchema compiles a JSON Schema document
func CompileSchema(doc string) (*Schema, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("invalid json schema: %w", err)
	}
	return &Schema{schema: s}, nil
}

// Validate checks a JSON document against the schema
func (s *Schema) Validate(doc []byte) error {
	result, err := s.schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return bindingErr("schema validation failed: %v", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return bindingErr("document does not match schema: %s", strings.Join(msgs, "; "))
}
