package primitive

// Compaction describes one compaction pass over the log. Major passes
// may reclaim tombstones; minor passes only drop superseded entries.
type Compaction struct {
	Index uint64
	Major bool
}

// Context is the execution context the substrate hands to a state
// machine at registration. Index and Time reflect the commit currently
// being applied; Schedule arms a logical timer that fires when the
// substrate's own clock advances past the deadline. None of these ever
// consult the system clock, so replaying the log reproduces them.
type Context interface {
	// Index returns the index of the commit currently being applied.
	Index() uint64

	// Time returns the substrate's logical clock in milliseconds.
	Time() int64

	// Schedule arms a callback at Time()+delayMS. The callback runs
	// after a later commit advances the logical clock past the
	// deadline, inside the substrate's apply loop.
	Schedule(delayMS int64, fn func())
}

// StateMachine is a deterministic replicated state machine driven by
// the substrate's totally ordered commit stream.
//
// Apply runs to completion with no suspension points; the substrate
// delivers commits serially, so implementations need no locking.
// Filter is consulted per retained commit during compaction and must be
// a deterministic function of current state and the compaction index.
type StateMachine interface {
	// Init binds the substrate context. Called once before any other
	// method.
	Init(ctx Context)

	// OnRegister, OnExpire and OnClose deliver session lifecycle
	// transitions in total order.
	OnRegister(session *Session)
	OnExpire(session *Session)
	OnClose(session *Session)

	// Apply applies one committed operation and returns its result.
	// A returned error reports a rejected operation; the commit is
	// still considered applied for ordering purposes.
	Apply(commit *Commit) (interface{}, error)

	// Filter reports whether a retained commit's bytes must survive
	// the given compaction pass.
	Filter(commit *Commit, compaction Compaction) bool

	// Snapshot and Restore serialize the machine's full state,
	// including retained commit handles.
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}
