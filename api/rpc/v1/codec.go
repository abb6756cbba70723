package rpcv1

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype used on the event stream
const CodecName = "cbor"

const (
	maxNestedLevels = 64
	maxArrayElems   = 1 << 20
	maxMapPairs     = 1 << 20
)

// Codec frames StreamingMessage values as CBOR for gRPC
type Codec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCodec builds a codec with deterministic encoding and strict decoding
func NewCodec() (*Codec, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encode mode: %w", err)
	}
	dec, err := cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels:  maxNestedLevels,
		MaxArrayElements: maxArrayElems,
		MaxMapPairs:      maxMapPairs,
		IndefLength:      cbor.IndefLengthForbidden,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor decode mode: %w", err)
	}
	return &Codec{enc: enc, dec: dec}, nil
}

// Marshal implements encoding.Codec
func (c *Codec) Marshal(v any) ([]byte, error) {
	if _, ok := v.(*StreamingMessage); !ok {
		return nil, fmt.Errorf("cbor codec: unexpected message type %T", v)
	}
	return c.enc.Marshal(v)
}

// Unmarshal implements encoding.Codec
func (c *Codec) Unmarshal(data []byte, v any) error {
	if _, ok := v.(*StreamingMessage); !ok {
		return fmt.Errorf("cbor codec: unexpected message type %T", v)
	}
	if err := c.dec.Unmarshal(data, v); err != nil {
		return fmt.Errorf("cbor codec: malformed frame: %w", err)
	}
	return nil
}

// Name implements encoding.Codec
func (c *Codec) Name() string { return CodecName }

func init() {
	codec, err := NewCodec()
	if err != nil {
		panic(err)
	}
	encoding.RegisterCodec(codec)
}
