package ttlmap

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/primitive"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	m.Run()
}

type fakeContext struct {
	index  uint64
	timeMS int64
}

func (c *fakeContext) Index() uint64                     { return c.index }
func (c *fakeContext) Time() int64                       { return c.timeMS }
func (c *fakeContext) Schedule(delayMS int64, fn func()) {}

// harness drives a map state machine with hand-built commits the way
// the substrate would.
type harness struct {
	t     *testing.T
	sm    *StateMachine
	reg   *primitive.Registry
	ctx   *fakeContext
	index uint64
}

func newHarness(t *testing.T) *harness {
	reg := primitive.NewRegistry()
	sm := New(reg)
	ctx := &fakeContext{}
	sm.Init(ctx)
	return &harness{t: t, sm: sm, reg: reg, ctx: ctx}
}

func (h *harness) session(id uint64) *primitive.Session {
	s := h.reg.Open(id)
	h.sm.OnRegister(s)
	return s
}

func (h *harness) apply(s *primitive.Session, ts int64, op primitive.Operation) (interface{}, *primitive.Commit) {
	h.index++
	h.ctx.index = h.index
	if ts > h.ctx.timeMS {
		h.ctx.timeMS = ts
	}
	c := primitive.NewCommit(h.index, ts, s, op)
	result, err := h.sm.Apply(c)
	require.NoError(h.t, err)
	return result, c
}

func (h *harness) get(s *primitive.Session, ts int64, key string) []byte {
	result, _ := h.apply(s, ts, &Get{Key: key})
	if result == nil {
		return nil
	}
	return result.([]byte)
}

func TestPutReplacesAndReturnsPrevious(t *testing.T) {
	h := newHarness(t)
	s := h.session(1)

	prev, first := h.apply(s, 0, &Put{Key: "a", Value: []byte("1")})
	assert.Nil(t, prev)

	prev, _ = h.apply(s, 10, &Put{Key: "a", Value: []byte("2")})
	assert.Equal(t, []byte("1"), prev)
	assert.False(t, first.Retained(), "replaced commit must be released")

	assert.Equal(t, []byte("2"), h.get(s, 20, "a"))
}

func TestPutIfAbsentNeverOverwritesActive(t *testing.T) {
	h := newHarness(t)
	s := h.session(1)

	h.apply(s, 0, &Put{Key: "a", Value: []byte("1")})
	result, c := h.apply(s, 10, &PutIfAbsent{Key: "a", Value: []byte("2")})
	assert.Equal(t, []byte("1"), result, "existing active value wins")
	assert.False(t, c.Retained(), "losing commit must be released")

	result, c = h.apply(s, 20, &PutIfAbsent{Key: "b", Value: []byte("3")})
	assert.Nil(t, result)
	assert.True(t, c.Retained())
	assert.Equal(t, []byte("3"), h.get(s, 30, "b"))
}

func TestPutIfAbsentReplacesExpired(t *testing.T) {
	h := newHarness(t)
	s := h.session(1)

	_, stale := h.apply(s, 0, &Put{Key: "a", Value: []byte("1"), TTL: 50})
	result, _ := h.apply(s, 100, &PutIfAbsent{Key: "a", Value: []byte("2")})
	assert.Nil(t, result, "expired entry does not block")
	assert.False(t, stale.Retained())
	assert.Equal(t, []byte("2"), h.get(s, 110, "a"))
}

func TestTTLExpiryIsLazy(t *testing.T) {
	h := newHarness(t)
	s := h.session(1)

	h.apply(s, 0, &Put{Key: "a", Value: []byte("1"), TTL: 100})

	// An unrelated command advances the logical clock past the TTL.
	size, _ := h.apply(s, 150, &Size{})
	assert.Equal(t, 1, size, "expired entry still counted before eviction")

	assert.Nil(t, h.get(s, 150, "a"))

	size, _ = h.apply(s, 150, &Size{})
	assert.Equal(t, 0, size, "access evicted the entry")
}

func TestTTLBoundaryInclusive(t *testing.T) {
	h := newHarness(t)
	s := h.session(1)

	h.apply(s, 0, &Put{Key: "a", Value: []byte("1"), TTL: 100})
	assert.Equal(t, []byte("1"), h.get(s, 100, "a"), "entry lives through exactly ttl ms")
	assert.Nil(t, h.get(s, 101, "a"))
}

func TestLogicalClockNeverConsultsWallTime(t *testing.T) {
	h := newHarness(t)
	s := h.session(1)

	h.apply(s, 500, &Put{Key: "a", Value: []byte("1"), TTL: 100})
	// Commit timestamps are monotonic; an equal timestamp does not
	// advance the clock, so the entry stays active.
	assert.Equal(t, []byte("1"), h.get(s, 500, "a"))
	assert.Equal(t, int64(500), h.sm.TimeMS())
}

func TestEphemeralDiesWithSession(t *testing.T) {
	h := newHarness(t)
	s1 := h.session(1)
	s2 := h.session(2)

	h.apply(s1, 0, &Put{Key: "k", Value: []byte("v"), Mode: primitive.Ephemeral})
	h.sm.OnClose(s1)

	contains, _ := h.apply(s2, 10, &ContainsKey{Key: "k"})
	assert.False(t, contains.(bool))
	assert.Equal(t, 0, h.sm.Len(), "access evicted the orphaned entry")
}

func TestPersistentSurvivesSession(t *testing.T) {
	h := newHarness(t)
	s1 := h.session(1)
	s2 := h.session(2)

	h.apply(s1, 0, &Put{Key: "k", Value: []byte("v"), Mode: primitive.Persistent})
	h.sm.OnExpire(s1)

	assert.Equal(t, []byte("v"), h.get(s2, 10, "k"))
}

func TestGetOrDefault(t *testing.T) {
	h := newHarness(t)
	s := h.session(1)

	result, _ := h.apply(s, 0, &GetOrDefault{Key: "missing", Default: []byte("d")})
	assert.Equal(t, []byte("d"), result)

	h.apply(s, 10, &Put{Key: "k", Value: []byte("v")})
	result, _ = h.apply(s, 20, &GetOrDefault{Key: "k", Default: []byte("d")})
	assert.Equal(t, []byte("v"), result)
}

func TestRemove(t *testing.T) {
	h := newHarness(t)
	s := h.session(1)

	h.apply(s, 0, &Put{Key: "k", Value: []byte("v")})
	prev, _ := h.apply(s, 10, &Remove{Key: "k"})
	assert.Equal(t, []byte("v"), prev)

	prev, _ = h.apply(s, 20, &Remove{Key: "k"})
	assert.Equal(t, []byte(nil), prev)
}

func TestRemoveByValue(t *testing.T) {
	h := newHarness(t)
	s := h.session(1)

	h.apply(s, 0, &Put{Key: "k", Value: []byte("v")})

	removed, _ := h.apply(s, 10, &Remove{Key: "k", Value: []byte("other")})
	assert.False(t, removed.(bool))
	assert.Equal(t, []byte("v"), h.get(s, 20, "k"))

	removed, _ = h.apply(s, 30, &Remove{Key: "k", Value: []byte("v")})
	assert.True(t, removed.(bool))
	assert.Nil(t, h.get(s, 40, "k"))
}

func TestRemoveByValueMissesExpired(t *testing.T) {
	h := newHarness(t)
	s := h.session(1)

	h.apply(s, 0, &Put{Key: "k", Value: []byte("v"), TTL: 10})
	removed, _ := h.apply(s, 100, &Remove{Key: "k", Value: []byte("v")})
	assert.False(t, removed.(bool), "expired entry never compares equal")
	assert.Equal(t, 0, h.sm.Len())
}

func TestClear(t *testing.T) {
	h := newHarness(t)
	s := h.session(1)

	_, c1 := h.apply(s, 0, &Put{Key: "a", Value: []byte("1")})
	_, c2 := h.apply(s, 0, &Put{Key: "b", Value: []byte("2")})
	_, clearCommit := h.apply(s, 10, &Clear{})

	empty, _ := h.apply(s, 20, &IsEmpty{})
	assert.True(t, empty.(bool))
	assert.False(t, c1.Retained())
	assert.False(t, c2.Retained())
	assert.True(t, clearCommit.Retained(), "clear is a tombstone until major compaction passes")
}

func TestFilterKeepsCurrentActiveEntry(t *testing.T) {
	h := newHarness(t)
	s := h.session(1)

	_, c1 := h.apply(s, 0, &Put{Key: "k", Value: []byte("1")})
	assert.True(t, h.sm.Filter(c1, primitive.Compaction{Index: 100, Major: false}))

	_, c2 := h.apply(s, 10, &Put{Key: "k", Value: []byte("2")})
	assert.False(t, h.sm.Filter(c1, primitive.Compaction{Index: 100}), "superseded commit drops")
	assert.True(t, h.sm.Filter(c2, primitive.Compaction{Index: 100}))
}

func TestFilterDropsExpiredEntry(t *testing.T) {
	h := newHarness(t)
	s := h.session(1)

	_, c := h.apply(s, 0, &Put{Key: "k", Value: []byte("1"), TTL: 50})
	h.apply(s, 200, &Size{})
	assert.False(t, h.sm.Filter(c, primitive.Compaction{Index: 100}))
}

func TestFilterTombstones(t *testing.T) {
	h := newHarness(t)
	s := h.session(1)

	h.apply(s, 0, &Put{Key: "k", Value: []byte("1")})
	_, rm := h.apply(s, 10, &Remove{Key: "k"})

	assert.True(t, h.sm.Filter(rm, primitive.Compaction{Index: rm.Index() - 1, Major: true}))
	assert.False(t, h.sm.Filter(rm, primitive.Compaction{Index: rm.Index(), Major: true}),
		"a caught-up major compaction reclaims the tombstone")
}

func TestReplicasConverge(t *testing.T) {
	type step struct {
		session uint64
		ts      int64
		op      func() primitive.Operation
	}
	steps := []step{
		{1, 0, func() primitive.Operation { return &Put{Key: "a", Value: []byte("1"), TTL: 100} }},
		{2, 50, func() primitive.Operation { return &Put{Key: "b", Value: []byte("2"), Mode: primitive.Ephemeral} }},
		{1, 80, func() primitive.Operation { return &PutIfAbsent{Key: "a", Value: []byte("3")} }},
		{2, 150, func() primitive.Operation { return &Get{Key: "a"} }},
		{1, 160, func() primitive.Operation { return &Remove{Key: "b"} }},
	}

	run := func() *harness {
		h := newHarness(t)
		h.session(1)
		h.session(2)
		for _, st := range steps {
			h.apply(h.reg.Lookup(st.session), st.ts, st.op())
		}
		return h
	}

	a := run()
	b := run()

	snapA, err := a.sm.Snapshot()
	require.NoError(t, err)
	snapB, err := b.sm.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, snapA, snapB, "same commit prefix must produce identical state")
}

func TestSnapshotRestore(t *testing.T) {
	h := newHarness(t)
	s1 := h.session(1)
	s2 := h.session(2)

	h.apply(s1, 0, &Put{Key: "a", Value: []byte("1"), TTL: 500})
	h.apply(s2, 10, &Put{Key: "b", Value: []byte("2"), Mode: primitive.Ephemeral})

	data, err := h.sm.Snapshot()
	require.NoError(t, err)

	restored := New(h.reg)
	restored.Init(h.ctx)
	require.NoError(t, restored.Restore(data))

	assert.Equal(t, h.sm.TimeMS(), restored.TimeMS())
	assert.Equal(t, h.sm.Len(), restored.Len())

	// The restored machine behaves identically.
	c := primitive.NewCommit(100, 20, s1, &Get{Key: "b"})
	result, err := restored.Apply(c)
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), result)
}
