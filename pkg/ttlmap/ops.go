package ttlmap

import (
	"github.com/cuemby/burrow/pkg/primitive"
)

// Stable operation type ids. These are wire tags; never renumber.
const (
	TypeContainsKey  uint16 = 440
	TypePut          uint16 = 441
	TypePutIfAbsent  uint16 = 442
	TypeGet          uint16 = 443
	TypeGetOrDefault uint16 = 444
	TypeRemove       uint16 = 445
	TypeIsEmpty      uint16 = 446
	TypeSize         uint16 = 447
	TypeClear        uint16 = 448
)

// Put installs a value under a key, replacing any prior entry.
// TTL is milliseconds; zero means no expiry.
type Put struct {
	Key   string
	Value []byte
	Mode  primitive.Mode
	TTL   int64
}

func (*Put) TypeID() uint16 { return TypePut }

// PutIfAbsent installs a value only when the key has no active entry.
type PutIfAbsent struct {
	Key   string
	Value []byte
	Mode  primitive.Mode
	TTL   int64
}

func (*PutIfAbsent) TypeID() uint16 { return TypePutIfAbsent }

// Remove deletes a key. When Value is non-nil the removal is
// conditional on the current value comparing equal.
type Remove struct {
	Key   string
	Value []byte
}

func (*Remove) TypeID() uint16 { return TypeRemove }

// Clear drops every entry.
type Clear struct{}

func (*Clear) TypeID() uint16 { return TypeClear }

// Get reads the active value for a key.
type Get struct {
	Key   string
	Level primitive.ConsistencyLevel
}

func (*Get) TypeID() uint16 { return TypeGet }

func (q *Get) Consistency() primitive.ConsistencyLevel { return q.Level }

// GetOrDefault reads the active value for a key, falling back to a
// caller-supplied default.
type GetOrDefault struct {
	Key     string
	Default []byte
	Level   primitive.ConsistencyLevel
}

func (*GetOrDefault) TypeID() uint16 { return TypeGetOrDefault }

func (q *GetOrDefault) Consistency() primitive.ConsistencyLevel { return q.Level }

// ContainsKey reports whether a key has an active entry.
type ContainsKey struct {
	Key   string
	Level primitive.ConsistencyLevel
}

func (*ContainsKey) TypeID() uint16 { return TypeContainsKey }

func (q *ContainsKey) Consistency() primitive.ConsistencyLevel { return q.Level }

// Size reports the raw entry count.
type Size struct {
	Level primitive.ConsistencyLevel
}

func (*Size) TypeID() uint16 { return TypeSize }

func (q *Size) Consistency() primitive.ConsistencyLevel { return q.Level }

// IsEmpty reports whether the raw entry count is zero.
type IsEmpty struct {
	Level primitive.ConsistencyLevel
}

func (*IsEmpty) TypeID() uint16 { return TypeIsEmpty }

func (q *IsEmpty) Consistency() primitive.ConsistencyLevel { return q.Level }
