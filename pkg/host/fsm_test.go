package host

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/codec"
	"github.com/cuemby/burrow/pkg/group"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/primitive"
	"github.com/cuemby/burrow/pkg/ttlmap"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	m.Run()
}

type recordedEvent struct {
	SessionID uint64
	Name      string
}

// fsmHarness feeds hand-built raft log entries to an FSM the way the
// raft library would, one entry at a time in index order.
type fsmHarness struct {
	t      *testing.T
	fsm    *FSM
	index  uint64
	events []recordedEvent
}

func newFSMHarness(t *testing.T, opts ...group.Option) *fsmHarness {
	h := &fsmHarness{t: t}
	h.fsm = NewFSM(func(sessionID uint64, name string, payload []byte) {
		h.events = append(h.events, recordedEvent{SessionID: sessionID, Name: name})
	})
	h.fsm.Register("map", ttlmap.New(h.fsm.Registry()))
	h.fsm.Register("group", group.New(h.fsm.Registry(), opts...))
	return h
}

func (h *fsmHarness) entry(cmd Command) interface{} {
	data, err := json.Marshal(cmd)
	require.NoError(h.t, err)
	h.index++
	return h.fsm.Apply(&raft.Log{Index: h.index, Term: 1, Data: data})
}

func (h *fsmHarness) session(kind string, sessionID uint64, ts int64) {
	data, err := json.Marshal(sessionRequest{SessionID: sessionID, TimestampMS: ts})
	require.NoError(h.t, err)
	result := h.entry(Command{Op: kind, Data: data})
	if err, ok := result.(error); ok {
		h.t.Fatalf("session command failed: %v", err)
	}
}

func (h *fsmHarness) apply(resource string, sessionID uint64, ts int64, op primitive.Operation) interface{} {
	opData, err := codec.Marshal(op)
	require.NoError(h.t, err)
	data, err := json.Marshal(applyRequest{
		Resource:    resource,
		SessionID:   sessionID,
		TimestampMS: ts,
		Op:          opData,
	})
	require.NoError(h.t, err)
	return h.entry(Command{Op: cmdApply, Data: data})
}

func TestSessionLifecycle(t *testing.T) {
	h := newFSMHarness(t)

	h.session(cmdOpenSession, 1, 0)
	assert.Equal(t, 1, h.fsm.Registry().Len())

	h.apply("map", 1, 10, &ttlmap.Put{Key: "k", Value: []byte("v"), Mode: primitive.Ephemeral})
	result := h.apply("map", 1, 20, &ttlmap.Get{Key: "k"})
	assert.Equal(t, []byte("v"), result)

	h.session(cmdExpireSession, 1, 30)
	assert.Equal(t, 0, h.fsm.Registry().Len())

	h.session(cmdOpenSession, 2, 40)
	result = h.apply("map", 2, 50, &ttlmap.ContainsKey{Key: "k"})
	assert.Equal(t, false, result, "ephemeral entry died with its session")
}

func TestUnknownResource(t *testing.T) {
	h := newFSMHarness(t)
	h.session(cmdOpenSession, 1, 0)
	result := h.apply("nope", 1, 10, &ttlmap.Get{Key: "k"})
	assert.Error(t, result.(error))
}

func TestOperationFromDeadSession(t *testing.T) {
	h := newFSMHarness(t)
	// No open_session: the log can still carry the operation, and an
	// ephemeral write from it must never become observable.
	h.apply("map", 42, 0, &ttlmap.Put{Key: "k", Value: []byte("v"), Mode: primitive.Ephemeral})
	result := h.apply("map", 42, 10, &ttlmap.Get{Key: "k"})
	assert.Nil(t, result)
}

func TestLogicalTimerFiresOnLaterCommit(t *testing.T) {
	h := newFSMHarness(t, group.WithExpiration(1000))

	h.session(cmdOpenSession, 1, 0)
	h.session(cmdOpenSession, 9, 0)
	h.apply("group", 9, 0, &group.Listen{})
	h.apply("group", 1, 0, &group.Join{MemberID: "a", Persistent: true})

	h.session(cmdCloseSession, 1, 100)
	for _, e := range h.events {
		assert.NotEqual(t, "leave", e.Name, "grace period defers the leave")
	}

	// An unrelated commit advances the logical clock past the grace
	// deadline and the timer fires.
	h.apply("map", 9, 1200, &ttlmap.Size{})
	var leaves int
	for _, e := range h.events {
		if e.Name == "leave" && e.SessionID == 9 {
			leaves++
		}
	}
	assert.Equal(t, 1, leaves)
}

func TestEventsFlowThroughSink(t *testing.T) {
	h := newFSMHarness(t)

	h.session(cmdOpenSession, 9, 0)
	h.session(cmdOpenSession, 1, 0)
	h.apply("group", 9, 0, &group.Listen{})
	h.apply("group", 1, 10, &group.Join{MemberID: "a"})

	var names []string
	for _, e := range h.events {
		if e.SessionID == 9 {
			names = append(names, e.Name)
		}
	}
	assert.Equal(t, []string{"join", "term", "elect"}, names)
}

func TestCompactionReleasesDeadCommits(t *testing.T) {
	h := newFSMHarness(t)
	h.session(cmdOpenSession, 1, 0)

	h.apply("map", 1, 0, &ttlmap.Put{Key: "k", Value: []byte("1")})
	h.apply("map", 1, 10, &ttlmap.Put{Key: "k", Value: []byte("2")})
	h.apply("map", 1, 20, &ttlmap.Remove{Key: "k"})

	require.NotEmpty(t, h.fsm.retained)
	h.fsm.compact(primitive.Compaction{Index: h.index, Major: true})
	assert.Empty(t, h.fsm.retained, "superseded puts and caught-up tombstones all drop")
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	h := newFSMHarness(t)
	h.session(cmdOpenSession, 1, 0)
	h.session(cmdOpenSession, 9, 0)
	h.apply("map", 1, 0, &ttlmap.Put{Key: "k", Value: []byte("v"), TTL: 5000})
	h.apply("group", 9, 0, &group.Listen{})
	h.apply("group", 1, 10, &group.Join{MemberID: "a", Persistent: true})

	snap, err := h.fsm.Snapshot()
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, snap.(*fsmSnapshot).Persist(&memorySink{buf: &buf}))

	h2 := newFSMHarness(t)
	require.NoError(t, h2.fsm.Restore(io.NopCloser(&buf)))
	h2.index = h.index

	assert.Equal(t, h.fsm.Registry().IDs(), h2.fsm.Registry().IDs())

	result := h2.apply("map", 1, 20, &ttlmap.Get{Key: "k"})
	assert.Equal(t, []byte("v"), result)

	// The restored group still publishes to the restored sessions.
	h2.apply("group", 1, 30, &group.Leave{MemberID: "a"})
	var sawLeave bool
	for _, e := range h2.events {
		if e.Name == "leave" && e.SessionID == 9 {
			sawLeave = true
		}
	}
	assert.True(t, sawLeave)
}

// memorySink satisfies raft.SnapshotSink over a buffer.
type memorySink struct {
	buf *bytes.Buffer
}

func (s *memorySink) Write(p []byte) (int, error) { return s.buf.Write(p) }
func (s *memorySink) Close() error                { return nil }
func (s *memorySink) ID() string                  { return "test" }
func (s *memorySink) Cancel() error               { return nil }
