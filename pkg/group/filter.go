package group

import (
	"github.com/cuemby/burrow/pkg/primitive"
)

// Filter decides whether a retained commit survives compaction.
//
// A Join survives while its member is registered under the same
// identity tag; a Listen survives while its listener session is
// registered; a Submit survives while any member still holds it. The
// predicate consults only current state and the compaction index, so
// every replica filters identically.
func (s *StateMachine) Filter(c *primitive.Commit, compaction primitive.Compaction) bool {
	switch op := c.Operation().(type) {
	case *Join:
		member, ok := s.members[op.MemberID]
		return ok && member.commit.Index() == c.Index()
	case *Listen:
		l, ok := s.listeners[c.SessionID()]
		return ok && l.commit.Index() == c.Index()
	case *Submit:
		return s.holdsSubmit(c.Index())
	default:
		// Leave and Ack are tombstones; a major compaction that has
		// caught up reclaims them.
		return !compaction.Major || c.Index() > compaction.Index
	}
}

func (s *StateMachine) holdsSubmit(index uint64) bool {
	for _, member := range s.memberList {
		if member.current != nil && member.current.index() == index {
			return true
		}
		for _, m := range member.queue {
			if m.index() == index {
				return true
			}
		}
	}
	return false
}
