package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cuemby/burrow/pkg/group"
	"github.com/cuemby/burrow/pkg/primitive"
	"github.com/cuemby/burrow/pkg/ttlmap"
)

// The operation codec turns decoded operations into self-describing
// byte strings: a big-endian u16 type id, then the operation payload.
// Query payloads lead with one byte holding the consistency ordinal.
// Strings and byte values are u32-length-prefixed; optional values
// carry a presence byte. TTL commands append one mode byte and a
// big-endian i64 TTL in milliseconds.

// Marshal encodes an operation.
func Marshal(op primitive.Operation) ([]byte, error) {
	var buf bytes.Buffer
	w := &writer{buf: &buf}
	w.u16(op.TypeID())

	switch op := op.(type) {
	case *ttlmap.Put:
		w.str(op.Key)
		w.bytes(op.Value)
		w.u8(uint8(op.Mode))
		w.i64(op.TTL)
	case *ttlmap.PutIfAbsent:
		w.str(op.Key)
		w.bytes(op.Value)
		w.u8(uint8(op.Mode))
		w.i64(op.TTL)
	case *ttlmap.Remove:
		w.str(op.Key)
		w.opt(op.Value)
	case *ttlmap.Clear:
	case *ttlmap.Get:
		w.u8(uint8(op.Level))
		w.str(op.Key)
	case *ttlmap.GetOrDefault:
		w.u8(uint8(op.Level))
		w.str(op.Key)
		w.bytes(op.Default)
	case *ttlmap.ContainsKey:
		w.u8(uint8(op.Level))
		w.str(op.Key)
	case *ttlmap.Size:
		w.u8(uint8(op.Level))
	case *ttlmap.IsEmpty:
		w.u8(uint8(op.Level))
	case *group.Join:
		w.str(op.MemberID)
		w.bool(op.Persistent)
	case *group.Leave:
		w.str(op.MemberID)
	case *group.Listen:
	case *group.Submit:
		w.str(op.Target)
		w.u8(uint8(op.Dispatch))
		w.u8(uint8(op.Delivery))
		w.str(op.ID)
		w.str(op.Type)
		w.bytes(op.Payload)
	case *group.Ack:
		w.str(op.MemberID)
		w.u64(op.ID)
		w.bool(op.Succeeded)
	default:
		return nil, fmt.Errorf("codec: unknown operation %T", op)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes an operation. Queries with an out-of-range
// consistency ordinal are rejected.
func Unmarshal(data []byte) (primitive.Operation, error) {
	r := &reader{buf: bytes.NewReader(data)}
	id := r.u16()

	var op primitive.Operation
	switch id {
	case ttlmap.TypePut:
		op = &ttlmap.Put{Key: r.str(), Value: r.bytes(), Mode: primitive.Mode(r.u8()), TTL: r.i64()}
	case ttlmap.TypePutIfAbsent:
		op = &ttlmap.PutIfAbsent{Key: r.str(), Value: r.bytes(), Mode: primitive.Mode(r.u8()), TTL: r.i64()}
	case ttlmap.TypeRemove:
		op = &ttlmap.Remove{Key: r.str(), Value: r.opt()}
	case ttlmap.TypeClear:
		op = &ttlmap.Clear{}
	case ttlmap.TypeGet:
		op = &ttlmap.Get{Level: r.level(), Key: r.str()}
	case ttlmap.TypeGetOrDefault:
		op = &ttlmap.GetOrDefault{Level: r.level(), Key: r.str(), Default: r.bytes()}
	case ttlmap.TypeContainsKey:
		op = &ttlmap.ContainsKey{Level: r.level(), Key: r.str()}
	case ttlmap.TypeSize:
		op = &ttlmap.Size{Level: r.level()}
	case ttlmap.TypeIsEmpty:
		op = &ttlmap.IsEmpty{Level: r.level()}
	case group.TypeJoin:
		op = &group.Join{MemberID: r.str(), Persistent: r.bool()}
	case group.TypeLeave:
		op = &group.Leave{MemberID: r.str()}
	case group.TypeListen:
		op = &group.Listen{}
	case group.TypeSubmit:
		op = &group.Submit{
			Target:   r.str(),
			Dispatch: group.Dispatch(r.u8()),
			Delivery: group.Delivery(r.u8()),
			ID:       r.str(),
			Type:     r.str(),
			Payload:  r.bytes(),
		}
	case group.TypeAck:
		op = &group.Ack{MemberID: r.str(), ID: r.u64(), Succeeded: r.bool()}
	default:
		return nil, fmt.Errorf("codec: unknown type id %d", id)
	}

	if r.err != nil {
		return nil, fmt.Errorf("codec: decode type %d: %w", id, r.err)
	}
	return op, nil
}

type writer struct {
	buf *bytes.Buffer
}

func (w *writer) u8(v uint8)   { w.buf.WriteByte(v) }
func (w *writer) u16(v uint16) { _ = binary.Write(w.buf, binary.BigEndian, v) }
func (w *writer) u64(v uint64) { _ = binary.Write(w.buf, binary.BigEndian, v) }
func (w *writer) i64(v int64)  { _ = binary.Write(w.buf, binary.BigEndian, v) }

func (w *writer) bytes(v []byte) {
	_ = binary.Write(w.buf, binary.BigEndian, uint32(len(v)))
	w.buf.Write(v)
}

func (w *writer) str(v string) { w.bytes([]byte(v)) }

func (w *writer) bool(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

// opt writes a presence byte then the value, distinguishing nil from
// empty.
func (w *writer) opt(v []byte) {
	if v == nil {
		w.u8(0)
		return
	}
	w.u8(1)
	w.bytes(v)
}

type reader struct {
	buf *bytes.Reader
	err error
}

func (r *reader) u8() uint8 {
	if r.err != nil {
		return 0
	}
	b, err := r.buf.ReadByte()
	if err != nil {
		r.err = err
		return 0
	}
	return b
}

func (r *reader) bool() bool { return r.u8() != 0 }

func (r *reader) u16() uint16 {
	var v uint16
	r.read(&v)
	return v
}

func (r *reader) u64() uint64 {
	var v uint64
	r.read(&v)
	return v
}

func (r *reader) i64() int64 {
	var v int64
	r.read(&v)
	return v
}

func (r *reader) read(v interface{}) {
	if r.err != nil {
		return
	}
	r.err = binary.Read(r.buf, binary.BigEndian, v)
}

func (r *reader) bytes() []byte {
	var n uint32
	r.read(&n)
	if r.err != nil || n == 0 {
		return nil
	}
	if int64(n) > int64(r.buf.Len()) {
		r.err = io.ErrUnexpectedEOF
		return nil
	}
	v := make([]byte, n)
	if _, err := io.ReadFull(r.buf, v); err != nil {
		r.err = err
		return nil
	}
	return v
}

func (r *reader) str() string { return string(r.bytes()) }

// opt reads a presence-flagged value; present-but-empty decodes as an
// empty slice, absent as nil.
func (r *reader) opt() []byte {
	if r.u8() == 0 {
		return nil
	}
	if v := r.bytes(); v != nil {
		return v
	}
	return []byte{}
}

func (r *reader) level() primitive.ConsistencyLevel {
	l := primitive.ConsistencyLevel(r.u8())
	if r.err == nil && !l.Valid() {
		r.err = fmt.Errorf("%w: consistency ordinal %d", primitive.ErrInvalidArgument, uint8(l))
	}
	return l
}
