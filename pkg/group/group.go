package group

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/primitive"
	"github.com/cuemby/burrow/pkg/prng"
)

// randomSeed seeds the instance random used for random dispatch. Fixed
// so every replica's draw sequence is identical.
const randomSeed = 141650939

// Member is one registered group member. Index is the index of the
// original Join commit and serves as the member's stable identity tag
// across persistent reattachments.
type Member struct {
	id         string
	index      uint64
	persistent bool
	session    *primitive.Session
	commit     *primitive.Commit
	current    *message
	queue      []*message

	// detachedAt is the logical time a persistent member lost its
	// session; zero while attached. Drives the grace-period leave.
	detachedAt int64
}

// ID returns the member id.
func (m *Member) ID() string { return m.id }

// Index returns the original Join commit index.
func (m *Member) Index() uint64 { return m.index }

// Persistent reports whether the member survives session loss.
func (m *Member) Persistent() bool { return m.persistent }

// active reports whether the member currently holds a live session.
func (m *Member) active() bool {
	return m.session != nil && m.session.Active()
}

// listener is a registered group listener session together with the
// Listen commit that created it.
type listener struct {
	session *primitive.Session
	commit  *primitive.Commit
}

// StateMachine is the replicated group coordinator: a membership
// registry with deterministic leader election, per-member message
// queues and listener event fan-out. All state derives from totally
// ordered commits, so every replica elects the same leader and routes
// every message identically.
type StateMachine struct {
	logger   zerolog.Logger
	ctx      primitive.Context
	registry *primitive.Registry

	members    map[string]*Member
	memberList []*Member // insertion order
	candidates []*Member // never contains the leader
	leader     *Member
	term       uint64

	listeners  map[uint64]*listener
	random     *prng.Source
	expiration int64 // grace period ms for detached persistent members
}

// Option configures a StateMachine.
type Option func(*StateMachine)

// WithExpiration sets the grace period, in milliseconds, before a
// detached persistent member is reported as left. Zero reports the
// leave immediately.
func WithExpiration(ms int64) Option {
	return func(s *StateMachine) { s.expiration = ms }
}

// New returns an empty group state machine.
func New(registry *primitive.Registry, opts ...Option) *StateMachine {
	s := &StateMachine{
		logger:    log.WithComponent("group"),
		registry:  registry,
		members:   make(map[string]*Member),
		listeners: make(map[uint64]*listener),
		random:    prng.New(randomSeed),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init binds the substrate context.
func (s *StateMachine) Init(ctx primitive.Context) {
	s.ctx = ctx
}

// OnRegister is a no-op; the group only cares about sessions once they
// join or listen.
func (s *StateMachine) OnRegister(session *primitive.Session) {}

// OnExpire handles a session timing out.
func (s *StateMachine) OnExpire(session *primitive.Session) {
	s.sessionGone(session)
}

// OnClose handles a session closing explicitly.
func (s *StateMachine) OnClose(session *primitive.Session) {
	s.sessionGone(session)
}

// Apply applies one committed operation.
func (s *StateMachine) Apply(c *primitive.Commit) (interface{}, error) {
	defer metrics.GroupMembers.Set(float64(len(s.memberList)))

	switch op := c.Operation().(type) {
	case *Join:
		return s.applyJoin(c, op)
	case *Leave:
		return s.applyLeave(c, op)
	case *Listen:
		return s.applyListen(c)
	case *Submit:
		return s.applySubmit(c, op)
	case *Ack:
		return s.applyAck(c, op)
	default:
		c.Release()
		return nil, fmt.Errorf("group: %w: operation %T", primitive.ErrInvalidArgument, op)
	}
}

func (s *StateMachine) applyJoin(c *primitive.Commit, op *Join) (interface{}, error) {
	member, exists := s.members[op.MemberID]
	if !exists {
		member = &Member{
			id:         op.MemberID,
			index:      c.Index(),
			persistent: op.Persistent,
			session:    c.Session(),
			commit:     c,
		}
		s.members[member.id] = member
		s.memberList = append(s.memberList, member)
		s.candidates = append(s.candidates, member)

		s.logger.Info().Str("member_id", member.id).Uint64("index", member.index).
			Bool("persistent", member.persistent).Msg("Member joined")
		s.publishAll("join", memberPayload(member))

		if s.term == 0 {
			s.bumpTerm()
		}
		if s.leader == nil {
			s.electLeader()
		}
		return MemberInfo{MemberID: member.id, Index: member.index}, nil
	}

	if member.persistent {
		// Reattach: the original Join commit stays as the
		// authoritative membership record, the new one is released.
		member.session = c.Session()
		member.detachedAt = 0
		s.publishAll("join", memberPayload(member))

		if member == s.leader {
			// A rebound leader hands leadership off; the re-election
			// may land on the same id under the new term.
			s.resign(true)
			s.bumpTerm()
			s.electLeader()
		} else {
			s.addCandidate(member)
		}
		c.Release()
		return MemberInfo{MemberID: member.id, Index: member.index}, nil
	}

	c.Release()
	return nil, fmt.Errorf("group: %w: ephemeral member %q already exists", primitive.ErrInvalidArgument, op.MemberID)
}

func (s *StateMachine) applyLeave(c *primitive.Commit, op *Leave) (interface{}, error) {
	defer c.Release()

	member, ok := s.members[op.MemberID]
	if !ok {
		return nil, nil
	}
	s.removeMember(member)

	if member == s.leader {
		s.resign(false)
		s.bumpTerm()
		s.electLeader()
	}

	s.closeMember(member)
	s.publishAll("leave", memberPayload(member))
	member.commit.Release()

	s.logger.Info().Str("member_id", member.id).Msg("Member left")
	return nil, nil
}

func (s *StateMachine) applyListen(c *primitive.Commit) (interface{}, error) {
	if prev, ok := s.listeners[c.SessionID()]; ok {
		prev.commit.Release()
	}
	s.listeners[c.SessionID()] = &listener{session: c.Session(), commit: c}

	// Snapshot of the members that currently hold a live session.
	info := make([]MemberInfo, 0, len(s.memberList))
	for _, m := range s.memberList {
		if m.active() {
			info = append(info, MemberInfo{MemberID: m.id, Index: m.index})
		}
	}
	return info, nil
}

// sessionGone handles a session leaving the cluster, by expiry or by
// explicit close. Validation and collection maintenance run before any
// member teardown so a failing publish can never leave the registry
// half-mutated.
func (s *StateMachine) sessionGone(session *primitive.Session) {
	if l, ok := s.listeners[session.ID()]; ok {
		l.commit.Release()
		delete(s.listeners, session.ID())
	}

	var departed []*Member // members that lost this session
	var removed []*Member  // ephemeral members dropped outright

	for _, member := range append([]*Member(nil), s.memberList...) {
		if member.session != session {
			continue
		}
		departed = append(departed, member)

		if !member.persistent {
			s.removeMember(member)
			removed = append(removed, member)
			continue
		}

		member.session = nil
		member.detachedAt = s.ctx.Time()
		s.removeCandidate(member)
		if s.expiration == 0 {
			s.publishAll("leave", memberPayload(member))
		} else {
			s.scheduleExpiration(member, s.expiration)
		}
	}

	if s.leaderIn(departed) {
		s.resign(false)
		s.bumpTerm()
		s.electLeader()
	}

	// Members close before their leave is published, so listeners
	// observe a consistent terminal state.
	for _, member := range removed {
		s.closeMember(member)
		s.publishAll("leave", memberPayload(member))
		member.commit.Release()
	}
}

// scheduleExpiration arms the grace-period check for a detached
// persistent member. The leave publishes only if no later Join has
// reattached the member by the deadline.
func (s *StateMachine) scheduleExpiration(member *Member, delayMS int64) {
	id := member.id
	index := member.index
	s.ctx.Schedule(delayMS, func() {
		cur, ok := s.members[id]
		if ok && cur.index == index && cur.session == nil {
			s.publishAll("leave", memberPayload(cur))
		}
	})
}

func (s *StateMachine) leaderIn(members []*Member) bool {
	for _, m := range members {
		if m == s.leader {
			return true
		}
	}
	return false
}

// resign clears the leader, optionally recycling it into the candidate
// pool (a rebound persistent leader stays electable; a departed one
// does not).
func (s *StateMachine) resign(toCandidate bool) {
	if s.leader == nil {
		return
	}
	leader := s.leader
	s.leader = nil
	s.publishAll("resign", memberPayload(leader))
	if toCandidate {
		s.addCandidate(leader)
	}
}

// bumpTerm advances the term to the index of the commit being applied.
func (s *StateMachine) bumpTerm() {
	s.term = s.ctx.Index()
	s.publishAll("term", termPayload(s.term))
}

// electLeader deterministically picks a leader from the candidate pool.
// The draw sequence is seeded by the term, and candidates without a
// live session are discarded as they are drawn, so every replica lands
// on the same member.
func (s *StateMachine) electLeader() {
	random := prng.New(int64(s.term))
	for len(s.candidates) > 0 {
		i := random.Intn(len(s.candidates))
		member := s.candidates[i]
		s.candidates = append(s.candidates[:i], s.candidates[i+1:]...)
		if member.active() {
			s.leader = member
			metrics.GroupElections.Inc()
			s.logger.Info().Str("member_id", member.id).Uint64("term", s.term).Msg("Leader elected")
			s.publishAll("elect", memberPayload(member))
			return
		}
	}
}

func (s *StateMachine) removeMember(member *Member) {
	delete(s.members, member.id)
	for i, m := range s.memberList {
		if m == member {
			s.memberList = append(s.memberList[:i], s.memberList[i+1:]...)
			break
		}
	}
	s.removeCandidate(member)
}

func (s *StateMachine) addCandidate(member *Member) {
	for _, m := range s.candidates {
		if m == member {
			return
		}
	}
	s.candidates = append(s.candidates, member)
}

func (s *StateMachine) removeCandidate(member *Member) {
	for i, m := range s.candidates {
		if m == member {
			s.candidates = append(s.candidates[:i], s.candidates[i+1:]...)
			return
		}
	}
}

// Leader returns the current leader, or nil.
func (s *StateMachine) Leader() *Member {
	return s.leader
}

// Term returns the current term; zero means no term yet.
func (s *StateMachine) Term() uint64 {
	return s.term
}

// Members returns the member list in insertion order.
func (s *StateMachine) Members() []*Member {
	return s.memberList
}
