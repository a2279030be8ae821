package group

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cuemby/burrow/pkg/primitive"
)

type snapshot struct {
	Term        uint64             `json:"term"`
	Leader      string             `json:"leader,omitempty"`
	RandomState int64              `json:"random_state"`
	Members     []memberSnapshot   `json:"members"`
	Candidates  []string           `json:"candidates"`
	Listeners   []listenerSnapshot `json:"listeners"`
}

type memberSnapshot struct {
	ID          string            `json:"id"`
	Index       uint64            `json:"index"`
	Persistent  bool              `json:"persistent"`
	SessionID   uint64            `json:"session_id,omitempty"`
	TimestampMS int64             `json:"timestamp_ms"`
	DetachedAt  int64             `json:"detached_at,omitempty"`
	Current     *messageSnapshot  `json:"current,omitempty"`
	Queue       []messageSnapshot `json:"queue,omitempty"`
}

type messageSnapshot struct {
	Index       uint64 `json:"index"`
	TimestampMS int64  `json:"timestamp_ms"`
	SessionID   uint64 `json:"session_id"`
	Direct      bool   `json:"direct"`
	Submit      Submit `json:"submit"`
}

type listenerSnapshot struct {
	SessionID   uint64 `json:"session_id"`
	Index       uint64 `json:"index"`
	TimestampMS int64  `json:"timestamp_ms"`
}

// Snapshot serializes the full group state: members in insertion
// order, candidate order, leader, term, listener registrations, queued
// messages and the dispatch random's state. Identical state yields
// identical bytes on every replica.
func (s *StateMachine) Snapshot() ([]byte, error) {
	snap := snapshot{
		Term:        s.term,
		RandomState: s.random.State(),
		Members:     make([]memberSnapshot, 0, len(s.memberList)),
		Candidates:  make([]string, 0, len(s.candidates)),
		Listeners:   make([]listenerSnapshot, 0, len(s.listeners)),
	}
	if s.leader != nil {
		snap.Leader = s.leader.id
	}

	for _, m := range s.memberList {
		ms := memberSnapshot{
			ID:          m.id,
			Index:       m.index,
			Persistent:  m.persistent,
			TimestampMS: m.commit.Timestamp(),
			DetachedAt:  m.detachedAt,
		}
		if m.session != nil {
			ms.SessionID = m.session.ID()
		}
		if m.current != nil {
			cs := messageSnap(m.current)
			ms.Current = &cs
		}
		for _, qm := range m.queue {
			ms.Queue = append(ms.Queue, messageSnap(qm))
		}
		snap.Members = append(snap.Members, ms)
	}
	for _, m := range s.candidates {
		snap.Candidates = append(snap.Candidates, m.id)
	}
	for id, l := range s.listeners {
		snap.Listeners = append(snap.Listeners, listenerSnapshot{
			SessionID:   id,
			Index:       l.commit.Index(),
			TimestampMS: l.commit.Timestamp(),
		})
	}
	sort.Slice(snap.Listeners, func(i, j int) bool {
		return snap.Listeners[i].SessionID < snap.Listeners[j].SessionID
	})

	return json.Marshal(snap)
}

func messageSnap(m *message) messageSnapshot {
	return messageSnapshot{
		Index:       m.commit.Index(),
		TimestampMS: m.commit.Timestamp(),
		SessionID:   m.commit.SessionID(),
		Direct:      m.direct,
		Submit:      *m.submit(),
	}
}

// Restore rebuilds the group from a snapshot. Commits are re-linked to
// live sessions through the registry; grace-period checks for detached
// persistent members are re-armed against the restored logical clock.
func (s *StateMachine) Restore(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("group: decode snapshot: %w", err)
	}

	s.members = make(map[string]*Member, len(snap.Members))
	s.memberList = s.memberList[:0]
	s.candidates = s.candidates[:0]
	s.leader = nil
	s.listeners = make(map[uint64]*listener, len(snap.Listeners))
	s.term = snap.Term
	s.random.SetState(snap.RandomState)

	// Submit commits are shared between broadcast copies; rebuild each
	// index once.
	commits := make(map[uint64]*primitive.Commit)
	restoreMessage := func(ms messageSnapshot) *message {
		c, ok := commits[ms.Index]
		if !ok {
			sub := ms.Submit
			c = primitive.NewCommit(ms.Index, ms.TimestampMS, s.lookupSession(ms.SessionID), &sub)
			commits[ms.Index] = c
		}
		return &message{commit: c, direct: ms.Direct}
	}

	for _, ms := range snap.Members {
		op := &Join{MemberID: ms.ID, Persistent: ms.Persistent}
		member := &Member{
			id:         ms.ID,
			index:      ms.Index,
			persistent: ms.Persistent,
			commit:     primitive.NewCommit(ms.Index, ms.TimestampMS, s.lookupSession(ms.SessionID), op),
			detachedAt: ms.DetachedAt,
		}
		if ms.SessionID != 0 {
			member.session = s.registry.Lookup(ms.SessionID)
		}
		if ms.Current != nil {
			member.current = restoreMessage(*ms.Current)
		}
		for _, qs := range ms.Queue {
			member.queue = append(member.queue, restoreMessage(qs))
		}
		s.members[member.id] = member
		s.memberList = append(s.memberList, member)

		if member.persistent && member.session == nil && s.expiration > 0 {
			remaining := s.expiration - (s.ctx.Time() - member.detachedAt)
			if remaining < 0 {
				remaining = 0
			}
			s.scheduleExpiration(member, remaining)
		}
	}

	for _, id := range snap.Candidates {
		if member, ok := s.members[id]; ok {
			s.candidates = append(s.candidates, member)
		}
	}
	if snap.Leader != "" {
		s.leader = s.members[snap.Leader]
	}

	for _, ls := range snap.Listeners {
		sess := s.registry.Lookup(ls.SessionID)
		if sess == nil {
			continue
		}
		s.listeners[ls.SessionID] = &listener{
			session: sess,
			commit:  primitive.NewCommit(ls.Index, ls.TimestampMS, sess, &Listen{}),
		}
	}
	return nil
}

// lookupSession resolves a session id against the registry, falling
// back to a closed placeholder for sessions that are gone.
func (s *StateMachine) lookupSession(id uint64) *primitive.Session {
	if sess := s.registry.Lookup(id); sess != nil {
		return sess
	}
	sess := primitive.NewSession(id)
	sess.Close()
	return sess
}
