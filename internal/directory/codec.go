package directory

import (
	"fmt"

	"github.com/tinylib/msgp/msgp"
	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content subtype of the directory wire format.
const codecName = "msgpack"

func init() {
	encoding.RegisterCodec(msgpackCodec{})
}

// Request carries the arguments of a directory call. GetNameserver and
// Lookup pass their label in Domain.
type Request struct {
	Domain string
	ID     string
	Addr   string
}

// Reply carries the result of a directory call.
type Reply struct {
	ID   string
	Addr string
}

// MarshalMsg implements msgp.Marshaler.
func (r *Request) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendMapHeader(b, 3)
	b = msgp.AppendString(b, "domain")
	b = msgp.AppendString(b, r.Domain)
	b = msgp.AppendString(b, "id")
	b = msgp.AppendString(b, r.ID)
	b = msgp.AppendString(b, "addr")
	b = msgp.AppendString(b, r.Addr)
	return b, nil
}

// UnmarshalMsg implements msgp.Unmarshaler. Unknown keys are skipped.
func (r *Request) UnmarshalMsg(b []byte) ([]byte, error) {
	return readMap(b, func(key string, b []byte) ([]byte, error) {
		var err error
		switch key {
		case "domain":
			r.Domain, b, err = msgp.ReadStringBytes(b)
		case "id":
			r.ID, b, err = msgp.ReadStringBytes(b)
		case "addr":
			r.Addr, b, err = msgp.ReadStringBytes(b)
		default:
			b, err = msgp.Skip(b)
		}
		return b, err
	})
}

// MarshalMsg implements msgp.Marshaler.
func (r *Reply) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendMapHeader(b, 2)
	b = msgp.AppendString(b, "id")
	b = msgp.AppendString(b, r.ID)
	b = msgp.AppendString(b, "addr")
	b = msgp.AppendString(b, r.Addr)
	return b, nil
}

// UnmarshalMsg implements msgp.Unmarshaler. Unknown keys are skipped.
func (r *Reply) UnmarshalMsg(b []byte) ([]byte, error) {
	return readMap(b, func(key string, b []byte) ([]byte, error) {
		var err error
		switch key {
		case "id":
			r.ID, b, err = msgp.ReadStringBytes(b)
		case "addr":
			r.Addr, b, err = msgp.ReadStringBytes(b)
		default:
			b, err = msgp.Skip(b)
		}
		return b, err
	})
}

func readMap(b []byte, field func(key string, b []byte) ([]byte, error)) ([]byte, error) {
	n, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return b, err
	}
	for range n {
		var key []byte
		key, b, err = msgp.ReadMapKeyZC(b)
		if err != nil {
			return b, err
		}
		b, err = field(string(key), b)
		if err != nil {
			return b, fmt.Errorf("field %s: %w", key, err)
		}
	}
	return b, nil
}

// msgpackCodec is a gRPC codec for msgp types.
type msgpackCodec struct{}

func (msgpackCodec) Name() string { return codecName }

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(msgp.Marshaler)
	if !ok {
		return nil, fmt.Errorf("msgpack codec: cannot marshal %T", v)
	}
	return m.MarshalMsg(nil)
}

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	u, ok := v.(msgp.Unmarshaler)
	if !ok {
		return fmt.Errorf("msgpack codec: cannot unmarshal into %T", v)
	}
	_, err := u.UnmarshalMsg(data)
	return err
}
