package primitive

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testOp struct{ id uint16 }

func (o *testOp) TypeID() uint16 { return o.id }

type testQuery struct {
	id    uint16
	level ConsistencyLevel
}

func (q *testQuery) TypeID() uint16                { return q.id }
func (q *testQuery) Consistency() ConsistencyLevel { return q.level }

func TestCommitRelease(t *testing.T) {
	c := NewCommit(7, 1000, NewSession(1), &testOp{id: 441})
	assert.True(t, c.Retained())

	c.Release()
	assert.False(t, c.Retained())

	// Idempotent
	c.Release()
	assert.False(t, c.Retained())
}

func TestCommitAccessors(t *testing.T) {
	s := NewSession(9)
	c := NewCommit(3, 250, s, &testOp{id: 448})

	assert.Equal(t, uint64(3), c.Index())
	assert.Equal(t, int64(250), c.Timestamp())
	assert.Equal(t, uint64(9), c.SessionID())
	assert.Same(t, s, c.Session())
	assert.Equal(t, uint16(448), c.Operation().TypeID())
}

func TestSessionPublishGating(t *testing.T) {
	var got []string
	s := NewSession(1)
	s.Bind(func(sessionID uint64, event string, payload []byte) {
		got = append(got, event)
	})

	s.Publish("join", nil)
	require.Equal(t, []string{"join"}, got)

	s.Close()
	s.Publish("leave", nil)
	assert.Equal(t, []string{"join"}, got, "closed session must drop events")
}

func TestSessionStateTransitions(t *testing.T) {
	s := NewSession(1)
	assert.True(t, s.Active())

	s.Expire()
	assert.Equal(t, SessionExpired, s.State())

	// Terminal: close after expire does not overwrite
	s.Close()
	assert.Equal(t, SessionExpired, s.State())
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	s1 := r.Open(1)
	s2 := r.Open(2)
	assert.Equal(t, 2, r.Len())
	assert.Same(t, s1, r.Open(1), "reopening returns the existing session")
	assert.Same(t, s2, r.Lookup(2))

	expired := r.Expire(1)
	require.Same(t, s1, expired)
	assert.Equal(t, SessionExpired, s1.State())
	assert.Nil(t, r.Lookup(1))

	closed := r.Close(2)
	require.Same(t, s2, closed)
	assert.Equal(t, SessionClosed, s2.State())
	assert.Equal(t, 0, r.Len())

	assert.Nil(t, r.Expire(99))
}

func TestRegistryIDsSorted(t *testing.T) {
	r := NewRegistry()
	for _, id := range []uint64{5, 1, 9, 3} {
		r.Open(id)
	}
	assert.Equal(t, []uint64{1, 3, 5, 9}, r.IDs())
}

func TestConsistencyLevels(t *testing.T) {
	assert.Equal(t, LinearizableLease, DefaultConsistency)
	assert.True(t, Linearizable.Valid())
	assert.False(t, ConsistencyLevel(5).Valid())

	// The enum is ordered weakest to strongest
	assert.Less(t, uint8(Serializable), uint8(Causal))
	assert.Less(t, uint8(Causal), uint8(Bounded))
	assert.Less(t, uint8(Bounded), uint8(LinearizableLease))
	assert.Less(t, uint8(LinearizableLease), uint8(Linearizable))
}

func TestIsQuery(t *testing.T) {
	assert.False(t, IsQuery(&testOp{id: 441}))
	assert.True(t, IsQuery(&testQuery{id: 443, level: Serializable}))
}
