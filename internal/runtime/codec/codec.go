// Package codec converts between application payloads and bus bytes.
//
// A Codec is a closed variant: Bytes, UTF8, JSON, Custom or Schema. The zero
// value is Bytes. A payload that does not fit the declared codec produces a
// DataTypeError or SchemaError; values are never coerced between types.
package codec

import (
	"fmt"
	"unicode/utf8"

	"github.com/bytedance/sonic"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
)

// Kind tags the codec variant.
type Kind int

const (
	KindBytes Kind = iota
	KindUTF8
	KindJSON
	KindCustom
	KindSchema
)

func (k Kind) String() string {
	switch k {
	case KindBytes:
		return "bytes"
	case KindUTF8:
		return "utf8"
	case KindJSON:
		return "json"
	case KindCustom:
		return "custom"
	case KindSchema:
		return "schema"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// DecodeFunc turns raw bytes into an application value.
type DecodeFunc func(data []byte) (any, error)

// EncodeFunc turns an application value into raw bytes.
type EncodeFunc func(value any) ([]byte, error)

var (
	jsonAPI             = sonic.ConfigStd
	protoMarshalOptions = protojson.MarshalOptions{EmitUnpopulated: true}
)

// Codec is one of Bytes, UTF8, JSON, Custom or Schema.
type Codec struct {
	kind   Kind
	decode DecodeFunc
	encode EncodeFunc
	schema proto.Message
}

// Bytes passes payloads through untouched. Values must be []byte.
func Bytes() Codec { return Codec{kind: KindBytes} }

// UTF8 decodes payloads into strings. Invalid UTF-8 is a DataTypeError.
func UTF8() Codec { return Codec{kind: KindUTF8} }

// JSON decodes payloads into generic values (map[string]any, []any, float64...).
func JSON() Codec { return Codec{kind: KindJSON} }

// JSONOf decodes payloads into a fresh T.
func JSONOf[T any]() Codec {
	return Codec{
		kind: KindJSON,
		decode: func(data []byte) (any, error) {
			var out T
			if err := jsonAPI.Unmarshal(data, &out); err != nil {
				return nil, err
			}
			return out, nil
		},
	}
}

// Custom uses caller supplied functions. A nil encode accepts []byte values only.
func Custom(decode DecodeFunc, encode EncodeFunc) Codec {
	return Codec{kind: KindCustom, decode: decode, encode: encode}
}

// Schema decodes protojson payloads into new instances of prototype.
func Schema(prototype proto.Message) Codec {
	return Codec{kind: KindSchema, schema: prototype}
}

// Kind returns the variant tag.
func (c Codec) Kind() Kind { return c.kind }

func (c Codec) String() string {
	if c.kind == KindSchema && c.schema != nil {
		return fmt.Sprintf("schema(%s)", c.schemaName())
	}
	return c.kind.String()
}

func (c Codec) schemaName() string {
	if c.schema == nil {
		return "<nil>"
	}
	return string(c.schema.ProtoReflect().Descriptor().FullName())
}

// Decode converts a payload into the value handed to handlers.
func (c Codec) Decode(data []byte) (any, error) {
	switch c.kind {
	case KindBytes:
		return data, nil
	case KindUTF8:
		if !utf8.Valid(data) {
			return nil, &errspkg.DataTypeError{Codec: c.String(), Want: "valid UTF-8"}
		}
		return string(data), nil
	case KindJSON:
		if c.decode != nil {
			v, err := c.decode(data)
			if err != nil {
				return nil, &errspkg.DataTypeError{Codec: c.String(), Want: "JSON", Err: err}
			}
			return v, nil
		}
		var v any
		if err := jsonAPI.Unmarshal(data, &v); err != nil {
			return nil, &errspkg.DataTypeError{Codec: c.String(), Want: "JSON", Err: err}
		}
		return v, nil
	case KindCustom:
		if c.decode == nil {
			return data, nil
		}
		v, err := c.decode(data)
		if err != nil {
			return nil, wrapCustom(c, err)
		}
		return v, nil
	case KindSchema:
		if c.schema == nil {
			return nil, &errspkg.SchemaError{Schema: "<nil>", Err: fmt.Errorf("no prototype configured")}
		}
		msg := c.schema.ProtoReflect().New().Interface()
		if err := protojson.Unmarshal(data, msg); err != nil {
			return nil, &errspkg.SchemaError{Schema: c.schemaName(), Err: err}
		}
		return msg, nil
	default:
		return nil, &errspkg.DataTypeError{Codec: c.String(), Want: "known codec"}
	}
}

// Encode converts an application value into payload bytes. A nil value
// encodes to an empty payload.
func (c Codec) Encode(value any) ([]byte, error) {
	if value == nil {
		return nil, nil
	}
	switch c.kind {
	case KindBytes:
		b, ok := value.([]byte)
		if !ok {
			return nil, &errspkg.DataTypeError{Codec: c.String(), Want: "[]byte", Got: typeName(value)}
		}
		return b, nil
	case KindUTF8:
		s, ok := value.(string)
		if !ok {
			return nil, &errspkg.DataTypeError{Codec: c.String(), Want: "string", Got: typeName(value)}
		}
		return []byte(s), nil
	case KindJSON:
		data, err := jsonAPI.Marshal(value)
		if err != nil {
			return nil, &errspkg.DataTypeError{Codec: c.String(), Want: "JSON-serialisable value", Got: typeName(value), Err: err}
		}
		return data, nil
	case KindCustom:
		if c.encode == nil {
			b, ok := value.([]byte)
			if !ok {
				return nil, &errspkg.DataTypeError{Codec: c.String(), Want: "[]byte", Got: typeName(value)}
			}
			return b, nil
		}
		data, err := c.encode(value)
		if err != nil {
			return nil, wrapCustom(c, err)
		}
		return data, nil
	case KindSchema:
		msg, ok := value.(proto.Message)
		if !ok {
			return nil, &errspkg.DataTypeError{Codec: c.String(), Want: c.schemaName(), Got: typeName(value)}
		}
		if c.schema != nil && msg.ProtoReflect().Descriptor().FullName() != c.schema.ProtoReflect().Descriptor().FullName() {
			return nil, &errspkg.SchemaError{
				Schema: c.schemaName(),
				Err:    fmt.Errorf("got message %s", msg.ProtoReflect().Descriptor().FullName()),
			}
		}
		data, err := protoMarshalOptions.Marshal(msg)
		if err != nil {
			return nil, &errspkg.SchemaError{Schema: c.schemaName(), Err: err}
		}
		return data, nil
	default:
		return nil, &errspkg.DataTypeError{Codec: c.String(), Want: "known codec"}
	}
}

// MarshalJSON and UnmarshalJSON expose the package JSON engine to the rest of
// the runtime (bridge records, structured failure replies).
func MarshalJSON(v any) ([]byte, error) { return jsonAPI.Marshal(v) }

func UnmarshalJSON(data []byte, v any) error { return jsonAPI.Unmarshal(data, v) }

func wrapCustom(c Codec, err error) error {
	switch err.(type) {
	case *errspkg.DataTypeError, *errspkg.SchemaError:
		return err
	}
	return &errspkg.DataTypeError{Codec: c.String(), Err: err}
}

func typeName(v any) string {
	return fmt.Sprintf("%T", v)
}
