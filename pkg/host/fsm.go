package host

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/codec"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/primitive"
)

// Command represents a state change operation in the Raft log
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// Log command kinds. apply carries a primitive operation; the session
// kinds drive the replicated session registry.
const (
	cmdApply         = "apply"
	cmdOpenSession   = "open_session"
	cmdExpireSession = "expire_session"
	cmdCloseSession  = "close_session"
)

type applyRequest struct {
	Resource    string `json:"resource"`
	SessionID   uint64 `json:"session_id"`
	TimestampMS int64  `json:"timestamp_ms"`
	Op          []byte `json:"op"`
}

type sessionRequest struct {
	SessionID   uint64 `json:"session_id"`
	TimestampMS int64  `json:"timestamp_ms"`
}

// retainedCommit remembers which resource owns a live commit so the
// compaction pass can route the filter call.
type retainedCommit struct {
	resource string
	commit   *primitive.Commit
}

// FSM adapts the registered state machines to hashicorp/raft. It owns
// the total order: every log entry advances the logical clock, routes
// to the owning state machine, then fires any due logical timers.
type FSM struct {
	mu     sync.Mutex
	logger zerolog.Logger

	registry *primitive.Registry
	machines map[string]primitive.StateMachine
	order    []string

	index    uint64
	timeMS   int64
	timers   scheduler
	retained map[uint64]retainedCommit
	sink     primitive.Sink
}

// NewFSM creates an FSM with no registered state machines.
func NewFSM(sink primitive.Sink) *FSM {
	return &FSM{
		logger:   log.WithComponent("fsm"),
		registry: primitive.NewRegistry(),
		machines: make(map[string]primitive.StateMachine),
		retained: make(map[uint64]retainedCommit),
		sink:     sink,
	}
}

// Register binds a state machine under a resource name. Must complete
// before the raft node starts applying.
func (f *FSM) Register(resource string, sm primitive.StateMachine) {
	f.machines[resource] = sm
	f.order = append(f.order, resource)
	sm.Init(f)
}

// Registry exposes the replicated session registry.
func (f *FSM) Registry() *primitive.Registry {
	return f.registry
}

// Index returns the index of the commit currently being applied.
func (f *FSM) Index() uint64 {
	return f.index
}

// Time returns the logical clock in milliseconds.
func (f *FSM) Time() int64 {
	return f.timeMS
}

// Schedule arms a logical timer; part of primitive.Context.
func (f *FSM) Schedule(delayMS int64, fn func()) {
	f.timers.schedule(f.timeMS, delayMS, fn)
}

func (f *FSM) advanceTime(ts int64) {
	if ts > f.timeMS {
		f.timeMS = ts
	}
}

// Apply applies a Raft log entry to the FSM
// This is called by Raft when a log entry is committed
func (f *FSM) Apply(entry *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.index = entry.Index
	defer metrics.RaftAppliedIndex.Set(float64(entry.Index))

	switch cmd.Op {
	case cmdApply:
		return f.applyOperation(entry.Index, cmd.Data)

	case cmdOpenSession:
		return f.applySession(cmd.Data, func(req sessionRequest) {
			session := f.registry.Open(req.SessionID)
			session.Bind(f.sink)
			for _, name := range f.order {
				f.machines[name].OnRegister(session)
			}
			metrics.SessionsActive.Set(float64(f.registry.Len()))
		})

	case cmdExpireSession:
		return f.applySession(cmd.Data, func(req sessionRequest) {
			if session := f.registry.Expire(req.SessionID); session != nil {
				for _, name := range f.order {
					f.machines[name].OnExpire(session)
				}
			}
			metrics.SessionsActive.Set(float64(f.registry.Len()))
		})

	case cmdCloseSession:
		return f.applySession(cmd.Data, func(req sessionRequest) {
			if session := f.registry.Close(req.SessionID); session != nil {
				for _, name := range f.order {
					f.machines[name].OnClose(session)
				}
			}
			metrics.SessionsActive.Set(float64(f.registry.Len()))
		})

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

func (f *FSM) applySession(data json.RawMessage, fn func(sessionRequest)) interface{} {
	var req sessionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("failed to unmarshal session request: %v", err)
	}
	f.advanceTime(req.TimestampMS)
	fn(req)
	f.timers.fire(f.timeMS)
	return nil
}

func (f *FSM) applyOperation(index uint64, data json.RawMessage) interface{} {
	var req applyRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("failed to unmarshal apply request: %v", err)
	}

	sm, ok := f.machines[req.Resource]
	if !ok {
		return fmt.Errorf("unknown resource: %s", req.Resource)
	}
	op, err := codec.Unmarshal(req.Op)
	if err != nil {
		// Serialization failures are fatal to the substrate.
		f.logger.Error().Err(err).Str("resource", req.Resource).Msg("Undecodable operation")
		return err
	}

	session := f.registry.Lookup(req.SessionID)
	if session == nil {
		// Operations from dead sessions still occupy the log; apply
		// them against a closed handle so ephemerality holds.
		session = primitive.NewSession(req.SessionID)
		session.Close()
	}

	f.advanceTime(req.TimestampMS)
	commit := primitive.NewCommit(index, req.TimestampMS, session, op)

	result, err := sm.Apply(commit)
	metrics.CommitsApplied.WithLabelValues(req.Resource).Inc()

	if commit.Retained() {
		f.retained[index] = retainedCommit{resource: req.Resource, commit: commit}
	}
	metrics.RetainedCommits.Set(float64(len(f.retained)))

	f.timers.fire(f.timeMS)

	if err != nil {
		return err
	}
	return result
}

// compact offers every retained commit to its owning state machine's
// filter and releases the ones that no longer need to survive. Runs
// under the FSM lock at snapshot time.
func (f *FSM) compact(compaction primitive.Compaction) {
	indexes := make([]uint64, 0, len(f.retained))
	for idx := range f.retained {
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	for _, idx := range indexes {
		rc := f.retained[idx]
		if !rc.commit.Retained() {
			delete(f.retained, idx)
			continue
		}
		if !f.machines[rc.resource].Filter(rc.commit, compaction) {
			rc.commit.Release()
			delete(f.retained, idx)
		}
	}
	metrics.RetainedCommits.Set(float64(len(f.retained)))
}

// fsmSnapshot is a point-in-time capture of every registered machine.
type fsmSnapshot struct {
	Index    uint64            `json:"index"`
	TimeMS   int64             `json:"time_ms"`
	Sessions []uint64          `json:"sessions"`
	Machines map[string][]byte `json:"machines"`
}

// Snapshot creates a point-in-time snapshot of the FSM
// This is called periodically by Raft to compact the log
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.compact(primitive.Compaction{Index: f.index, Major: true})

	snap := &fsmSnapshot{
		Index:    f.index,
		TimeMS:   f.timeMS,
		Sessions: f.registry.IDs(),
		Machines: make(map[string][]byte, len(f.machines)),
	}
	for name, sm := range f.machines {
		data, err := sm.Snapshot()
		if err != nil {
			return nil, fmt.Errorf("failed to snapshot %s: %w", name, err)
		}
		snap.Machines[name] = data
	}
	return snap, nil
}

// Restore restores the FSM from a snapshot
// This is called when a node restarts or joins the cluster
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode snapshot: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.index = snap.Index
	f.timeMS = snap.TimeMS
	f.timers = scheduler{}
	f.retained = make(map[uint64]retainedCommit)

	// The machines hold the registry pointer, so it is reset in place
	// rather than replaced.
	f.registry.Reset()
	for _, id := range snap.Sessions {
		f.registry.Open(id).Bind(f.sink)
	}

	// Machines restore in registration order so their re-armed timers
	// interleave deterministically.
	for _, name := range f.order {
		data, ok := snap.Machines[name]
		if !ok {
			continue
		}
		if err := f.machines[name].Restore(data); err != nil {
			return fmt.Errorf("failed to restore %s: %w", name, err)
		}
	}
	return nil
}

// Persist writes the snapshot to the given SnapshotSink
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		// Encode snapshot as JSON
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}

	return err
}

// Release releases the snapshot resources
func (s *fsmSnapshot) Release() {}
