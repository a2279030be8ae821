package ttlmap

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cuemby/burrow/pkg/primitive"
)

type snapshot struct {
	TimeMS   int64           `json:"time_ms"`
	Sessions []uint64        `json:"sessions"`
	Entries  []entrySnapshot `json:"entries"`
}

type entrySnapshot struct {
	Key         string `json:"key"`
	Index       uint64 `json:"index"`
	TimestampMS int64  `json:"timestamp_ms"`
	SessionID   uint64 `json:"session_id"`
	TypeID      uint16 `json:"type_id"`
	Mode        uint8  `json:"mode"`
	TTL         int64  `json:"ttl"`
	Value       []byte `json:"value"`
}

// Snapshot serializes the full map state, retained commit handles
// included. Entries are emitted in key order so identical state yields
// identical bytes on every replica.
func (m *StateMachine) Snapshot() ([]byte, error) {
	snap := snapshot{
		TimeMS:   m.timeMS,
		Sessions: make([]uint64, 0, len(m.sessions)),
		Entries:  make([]entrySnapshot, 0, len(m.entries)),
	}
	for id := range m.sessions {
		snap.Sessions = append(snap.Sessions, id)
	}
	sort.Slice(snap.Sessions, func(i, j int) bool { return snap.Sessions[i] < snap.Sessions[j] })

	for key, c := range m.entries {
		mode, ttl, value := entryFields(c)
		snap.Entries = append(snap.Entries, entrySnapshot{
			Key:         key,
			Index:       c.Index(),
			TimestampMS: c.Timestamp(),
			SessionID:   c.SessionID(),
			TypeID:      c.Operation().TypeID(),
			Mode:        uint8(mode),
			TTL:         ttl,
			Value:       value,
		})
	}
	sort.Slice(snap.Entries, func(i, j int) bool { return snap.Entries[i].Key < snap.Entries[j].Key })

	return json.Marshal(snap)
}

// Restore rebuilds the map from a snapshot. Entry commits are re-linked
// to live sessions through the registry; a session that no longer
// exists is rebuilt closed, which leaves its ephemeral entries inactive
// exactly as they were on the snapshotting replica.
func (m *StateMachine) Restore(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("ttlmap: decode snapshot: %w", err)
	}

	m.timeMS = snap.TimeMS
	m.entries = make(map[string]*primitive.Commit, len(snap.Entries))
	m.sessions = make(map[uint64]struct{}, len(snap.Sessions))
	for _, id := range snap.Sessions {
		m.sessions[id] = struct{}{}
	}

	for _, e := range snap.Entries {
		var op primitive.Operation
		switch e.TypeID {
		case TypePut:
			op = &Put{Key: e.Key, Value: e.Value, Mode: primitive.Mode(e.Mode), TTL: e.TTL}
		case TypePutIfAbsent:
			op = &PutIfAbsent{Key: e.Key, Value: e.Value, Mode: primitive.Mode(e.Mode), TTL: e.TTL}
		default:
			return fmt.Errorf("ttlmap: snapshot entry %q has type id %d", e.Key, e.TypeID)
		}
		sess := m.registry.Lookup(e.SessionID)
		if sess == nil {
			sess = primitive.NewSession(e.SessionID)
			sess.Close()
		}
		m.entries[e.Key] = primitive.NewCommit(e.Index, e.TimestampMS, sess, op)
	}
	return nil
}
