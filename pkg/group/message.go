package group

import (
	"github.com/cuemby/burrow/pkg/primitive"
)

// message is one delivery of a Submit to one member. Broadcast creates
// a message per member, all sharing the Submit commit; the commit is
// released once, when the submission completes.
type message struct {
	commit *primitive.Commit
	direct bool
}

func (m *message) index() uint64 {
	return m.commit.Index()
}

func (m *message) submit() *Submit {
	return m.commit.Operation().(*Submit)
}

// complete reports whether a submission has fully worked through the
// group: no member still holds an in-flight message at or before its
// index. Direct messages only consult their target.
func (s *StateMachine) complete(m *message) bool {
	if m.direct {
		t, ok := s.members[m.submit().Target]
		return !ok || t.current == nil || t.current.index() > m.index()
	}
	for _, member := range s.memberList {
		if member.current != nil && member.current.index() <= m.index() {
			return false
		}
	}
	return true
}

// deliver hands a message to a member: straight into the in-flight slot
// when idle, otherwise onto the FIFO queue.
func (s *StateMachine) deliver(member *Member, m *message) {
	if member.current == nil {
		member.current = m
		s.publishMessage(member, m)
	} else {
		member.queue = append(member.queue, m)
	}
}

// advance dispatches the next queued message after the in-flight slot
// clears.
func (s *StateMachine) advance(member *Member) {
	if member.current != nil || len(member.queue) == 0 {
		return
	}
	m := member.queue[0]
	member.queue = member.queue[1:]
	member.current = m
	s.publishMessage(member, m)
}

// ackMessage finalizes a successful delivery: once the completion
// predicate holds, the producer receives an ack and the Submit commit
// is released.
func (s *StateMachine) ackMessage(m *message) {
	if s.complete(m) {
		m.commit.Session().Publish("ack", s.submitEcho(m))
		m.commit.Release()
	}
}

// failMessage finalizes a failed delivery. Direct messages fail the
// producer immediately. A failed broadcast or random delivery has been
// recorded for this member, so the submission still completes like an
// ack once every member has moved past it.
func (s *StateMachine) failMessage(m *message) {
	if m.direct {
		m.commit.Session().Publish("fail", s.submitEcho(m))
		m.commit.Release()
		return
	}
	s.ackMessage(m)
}

// closeMember drains a terminated member's in-flight slot and queue.
// Random deliveries with retry policy are re-dispatched to a surviving
// member; everything else fails back to its producer. Failing goes
// through the same finalization as an explicit failed ack, so a
// broadcast copy that other members still hold stays open until they
// work past it. The caller has already removed the member from every
// collection.
func (s *StateMachine) closeMember(member *Member) {
	drained := make([]*message, 0, len(member.queue)+1)
	if member.current != nil {
		drained = append(drained, member.current)
		member.current = nil
	}
	drained = append(drained, member.queue...)
	member.queue = nil

	for _, m := range drained {
		sub := m.submit()
		if sub.Dispatch == DispatchRandom && sub.Delivery == DeliverRetry && len(s.memberList) > 0 {
			next := s.memberList[s.random.Intn(len(s.memberList))]
			s.deliver(next, m)
			continue
		}
		s.failMessage(m)
	}
}

func (s *StateMachine) applySubmit(c *primitive.Commit, op *Submit) (interface{}, error) {
	if op.Target != "" {
		member, ok := s.members[op.Target]
		if !ok {
			// No such member: the producer learns through a fail
			// event, not an error.
			c.Session().Publish("fail", echoPayload(c.Index(), op))
			c.Release()
			return nil, nil
		}
		s.deliver(member, &message{commit: c, direct: true})
		return nil, nil
	}

	switch op.Dispatch {
	case DispatchRandom:
		if len(s.memberList) == 0 {
			c.Session().Publish("fail", echoPayload(c.Index(), op))
			c.Release()
			return nil, nil
		}
		member := s.memberList[s.random.Intn(len(s.memberList))]
		s.deliver(member, &message{commit: c})
	case DispatchBroadcast:
		if len(s.memberList) == 0 {
			// Nothing will ever hold the message, so the completion
			// predicate already holds.
			c.Session().Publish("ack", echoPayload(c.Index(), op))
			c.Release()
			return nil, nil
		}
		for _, member := range s.memberList {
			s.deliver(member, &message{commit: c})
		}
	default:
		c.Release()
		return nil, primitive.ErrInvalidArgument
	}
	return nil, nil
}

func (s *StateMachine) applyAck(c *primitive.Commit, op *Ack) (interface{}, error) {
	defer c.Release()

	member, ok := s.members[op.MemberID]
	if !ok {
		return nil, nil
	}
	// A spurious ack for a cleared or superseded slot is ignored.
	if member.current == nil || member.current.index() != op.ID {
		return nil, nil
	}

	m := member.current
	member.current = nil
	if op.Succeeded {
		s.ackMessage(m)
	} else {
		s.failMessage(m)
	}
	s.advance(member)
	return nil, nil
}
