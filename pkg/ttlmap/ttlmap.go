package ttlmap

import (
	"bytes"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/primitive"
)

// StateMachine is the replicated TTL map. Keys map to the retained
// commit that last wrote them; keeping the whole commit (not just the
// value) is what makes TTL and ephemerality recoverable, since both
// depend on commit metadata.
//
// Expiry is lazy: an entry whose TTL has passed, or whose creating
// session is gone, lingers in the map until the next access evicts it.
// Size and IsEmpty report raw cardinality and may therefore overcount.
type StateMachine struct {
	logger   zerolog.Logger
	ctx      primitive.Context
	registry *primitive.Registry
	entries  map[string]*primitive.Commit
	sessions map[uint64]struct{}
	timeMS   int64
}

// New returns an empty map state machine. The registry is the
// substrate's session registry, used to re-link entry commits to their
// sessions when restoring from a snapshot.
func New(registry *primitive.Registry) *StateMachine {
	return &StateMachine{
		logger:   log.WithComponent("ttlmap"),
		registry: registry,
		entries:  make(map[string]*primitive.Commit),
		sessions: make(map[uint64]struct{}),
	}
}

// Init binds the substrate context.
func (m *StateMachine) Init(ctx primitive.Context) {
	m.ctx = ctx
}

// OnRegister records a live session.
func (m *StateMachine) OnRegister(s *primitive.Session) {
	m.sessions[s.ID()] = struct{}{}
}

// OnExpire forgets a session; its ephemeral entries die lazily.
func (m *StateMachine) OnExpire(s *primitive.Session) {
	delete(m.sessions, s.ID())
}

// OnClose forgets a session; its ephemeral entries die lazily.
func (m *StateMachine) OnClose(s *primitive.Session) {
	delete(m.sessions, s.ID())
}

// updateTime advances the logical clock. Called first in every handler
// so TTL checks within the same commit use the commit's own timestamp.
func (m *StateMachine) updateTime(c *primitive.Commit) {
	if c.Timestamp() > m.timeMS {
		m.timeMS = c.Timestamp()
	}
}

// entryFields extracts mode, ttl and value from a Put or PutIfAbsent
// commit.
func entryFields(c *primitive.Commit) (primitive.Mode, int64, []byte) {
	switch op := c.Operation().(type) {
	case *Put:
		return op.Mode, op.TTL, op.Value
	case *PutIfAbsent:
		return op.Mode, op.TTL, op.Value
	default:
		panic(fmt.Sprintf("ttlmap: entry commit holds %T", c.Operation()))
	}
}

// isActive reports whether an entry commit is observable: its creating
// session is still live when ephemeral, and its TTL has not elapsed on
// the logical clock.
func (m *StateMachine) isActive(c *primitive.Commit) bool {
	mode, ttl, _ := entryFields(c)
	if mode == primitive.Ephemeral {
		if _, ok := m.sessions[c.SessionID()]; !ok {
			return false
		}
	}
	return ttl == 0 || m.timeMS-c.Timestamp() <= ttl
}

// evict drops an inactive entry on access and releases its commit.
func (m *StateMachine) evict(key string, c *primitive.Commit) {
	delete(m.entries, key)
	c.Release()
	m.logger.Debug().Str("key", key).Uint64("index", c.Index()).Msg("Evicted inactive entry")
}

// Apply applies one committed operation.
func (m *StateMachine) Apply(c *primitive.Commit) (interface{}, error) {
	m.updateTime(c)
	defer metrics.MapEntries.Set(float64(len(m.entries)))

	switch op := c.Operation().(type) {
	case *Put:
		return m.applyPut(c, op), nil
	case *PutIfAbsent:
		return m.applyPutIfAbsent(c, op), nil
	case *Remove:
		return m.applyRemove(c, op), nil
	case *Clear:
		return m.applyClear(), nil
	case *Get:
		defer c.Release()
		return m.read(op.Key), nil
	case *GetOrDefault:
		defer c.Release()
		if v := m.read(op.Key); v != nil {
			return v, nil
		}
		return op.Default, nil
	case *ContainsKey:
		defer c.Release()
		return m.read(op.Key) != nil, nil
	case *Size:
		defer c.Release()
		return len(m.entries), nil
	case *IsEmpty:
		defer c.Release()
		return len(m.entries) == 0, nil
	default:
		c.Release()
		return nil, fmt.Errorf("ttlmap: %w: operation %T", primitive.ErrInvalidArgument, op)
	}
}

func (m *StateMachine) applyPut(c *primitive.Commit, op *Put) []byte {
	var prev []byte
	if cur, ok := m.entries[op.Key]; ok {
		if m.isActive(cur) {
			_, _, prev = entryFields(cur)
		}
		cur.Release()
	}
	m.entries[op.Key] = c
	return prev
}

func (m *StateMachine) applyPutIfAbsent(c *primitive.Commit, op *PutIfAbsent) []byte {
	if cur, ok := m.entries[op.Key]; ok {
		if m.isActive(cur) {
			_, _, v := entryFields(cur)
			c.Release()
			return v
		}
		cur.Release()
	}
	m.entries[op.Key] = c
	return nil
}

// read returns the active value for key, evicting lazily.
func (m *StateMachine) read(key string) []byte {
	cur, ok := m.entries[key]
	if !ok {
		return nil
	}
	if !m.isActive(cur) {
		m.evict(key, cur)
		return nil
	}
	_, _, v := entryFields(cur)
	return v
}

func (m *StateMachine) applyRemove(c *primitive.Commit, op *Remove) interface{} {
	cur, ok := m.entries[op.Key]
	if !ok {
		if op.Value != nil {
			return false
		}
		return []byte(nil)
	}
	active := m.isActive(cur)

	if op.Value != nil {
		// Compare-and-remove: only an active entry with an equal
		// value is removed.
		_, _, v := entryFields(cur)
		if !active || !bytes.Equal(v, op.Value) {
			if !active {
				m.evict(op.Key, cur)
			}
			return false
		}
		delete(m.entries, op.Key)
		cur.Release()
		return true
	}

	var prev []byte
	if active {
		_, _, prev = entryFields(cur)
	}
	delete(m.entries, op.Key)
	cur.Release()
	return prev
}

// applyClear releases every entry commit; the Clear commit itself
// stays retained as a tombstone.
func (m *StateMachine) applyClear() interface{} {
	for key, cur := range m.entries {
		cur.Release()
		delete(m.entries, key)
	}
	return nil
}

// Filter decides whether a retained commit survives compaction.
//
// A Put or PutIfAbsent survives only while it is still the current,
// active commit for its key. Remove and Clear are tombstones: once a
// major compaction index passes them, replay no longer needs them.
func (m *StateMachine) Filter(c *primitive.Commit, compaction primitive.Compaction) bool {
	switch op := c.Operation().(type) {
	case *Put:
		return m.filterEntry(op.Key, c)
	case *PutIfAbsent:
		return m.filterEntry(op.Key, c)
	case *Remove, *Clear:
		return !compaction.Major || c.Index() > compaction.Index
	default:
		return false
	}
}

func (m *StateMachine) filterEntry(key string, c *primitive.Commit) bool {
	cur, ok := m.entries[key]
	return ok && cur.Index() == c.Index() && m.isActive(cur)
}

// TimeMS exposes the logical clock for tests and metrics.
func (m *StateMachine) TimeMS() int64 {
	return m.timeMS
}

// Len returns raw map cardinality, including lazily expired entries.
func (m *StateMachine) Len() int {
	return len(m.entries)
}
