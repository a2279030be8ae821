package primitive

// Commit is one durably ordered record delivered by the consensus
// substrate to a state machine. State machines mutate state only while
// applying a Commit; there is no other mutator.
//
// A Commit starts out retained: its log bytes are semantically live and
// must survive compaction. Release transfers ownership back to the
// substrate so a later compaction pass may drop the record.
type Commit struct {
	index     uint64
	timestamp int64
	session   *Session
	operation Operation
	retained  bool
}

// NewCommit wraps an operation in a retained commit envelope.
func NewCommit(index uint64, timestampMS int64, session *Session, op Operation) *Commit {
	return &Commit{
		index:     index,
		timestamp: timestampMS,
		session:   session,
		operation: op,
		retained:  true,
	}
}

// Index returns the commit's position in the total order. Strictly
// monotonic across all commits delivered by the substrate.
func (c *Commit) Index() uint64 {
	return c.index
}

// Timestamp returns the leader-stamped time in milliseconds. Monotonic
// non-decreasing across the log.
func (c *Commit) Timestamp() int64 {
	return c.timestamp
}

// Session returns the session that submitted the operation.
func (c *Commit) Session() *Session {
	return c.session
}

// SessionID is shorthand for Session().ID().
func (c *Commit) SessionID() uint64 {
	return c.session.ID()
}

// Operation returns the wrapped operation.
func (c *Commit) Operation() Operation {
	return c.operation
}

// Retained reports whether the commit's bytes are still live.
func (c *Commit) Retained() bool {
	return c.retained
}

// Release marks the commit releasable. Idempotent.
func (c *Commit) Release() {
	c.retained = false
}
