package host

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/codec"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/primitive"
)

// Config holds configuration for creating a Host
type Config struct {
	NodeID         string        `yaml:"node_id"`
	BindAddr       string        `yaml:"bind_addr"`
	DataDir        string        `yaml:"data_dir"`
	Bootstrap      bool          `yaml:"bootstrap"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
	ApplyTimeout   time.Duration `yaml:"apply_timeout"`
}

// Host runs the consensus substrate on this node: a raft instance, the
// FSM with its registered state machines, the event broker and journal,
// and the session keepalive monitor.
type Host struct {
	nodeID   string
	bindAddr string
	dataDir  string
	logger   zerolog.Logger

	raft    *raft.Raft
	fsm     *FSM
	broker  *events.Broker
	journal *events.Journal

	sessionTimeout time.Duration
	applyTimeout   time.Duration

	mu        sync.Mutex
	lastSeen  map[uint64]time.Time
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewHost creates a new Host instance
func NewHost(cfg *Config) (*Host, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = 30 * time.Second
	}
	if cfg.ApplyTimeout == 0 {
		cfg.ApplyTimeout = 10 * time.Second
	}

	broker := events.NewBroker()
	broker.Start()

	journal, err := events.NewJournal(cfg.DataDir)
	if err != nil {
		broker.Stop()
		return nil, fmt.Errorf("failed to create event journal: %w", err)
	}

	h := &Host{
		nodeID:         cfg.NodeID,
		bindAddr:       cfg.BindAddr,
		dataDir:        cfg.DataDir,
		logger:         log.WithComponent("host"),
		broker:         broker,
		journal:        journal,
		sessionTimeout: cfg.SessionTimeout,
		applyTimeout:   cfg.ApplyTimeout,
		lastSeen:       make(map[uint64]time.Time),
		stopCh:         make(chan struct{}),
		stoppedCh:      make(chan struct{}),
	}
	h.fsm = NewFSM(h.publish)
	return h, nil
}

// publish is the sink bound to every session: events fan out through
// the broker and land in the journal for replay.
func (h *Host) publish(sessionID uint64, name string, payload []byte) {
	event := &events.Event{SessionID: sessionID, Name: name, Payload: payload}
	if err := h.journal.Append(event); err != nil {
		h.logger.Error().Err(err).Uint64("session_id", sessionID).Msg("Failed to journal event")
	}
	h.broker.Publish(event)
}

// Register binds a state machine under a resource name. Must be called
// before Start.
func (h *Host) Register(resource string, sm primitive.StateMachine) {
	h.fsm.Register(resource, sm)
}

// FSM exposes the raft FSM, mainly for tests.
func (h *Host) FSM() *FSM {
	return h.fsm
}

// Broker exposes the event broker for client subscriptions.
func (h *Host) Broker() *events.Broker {
	return h.broker
}

// Journal exposes the event journal for replay after reconnect.
func (h *Host) Journal() *events.Journal {
	return h.journal
}

// Start initializes raft and, when bootstrapping, forms a single-node
// cluster.
func (h *Host) Start(bootstrap bool) error {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(h.nodeID)
	config.LogOutput = os.Stderr

	addr, err := net.ResolveTCPAddr("tcp", h.bindAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(h.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(h.dataDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(h.dataDir, "raft-log.db"))
	if err != nil {
		return fmt.Errorf("failed to create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(h.dataDir, "raft-stable.db"))
	if err != nil {
		return fmt.Errorf("failed to create stable store: %w", err)
	}

	r, err := raft.NewRaft(config, h.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %w", err)
	}
	h.raft = r

	if bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{
					ID:      config.LocalID,
					Address: transport.LocalAddr(),
				},
			},
		}
		if err := h.raft.BootstrapCluster(configuration).Error(); err != nil {
			return fmt.Errorf("failed to bootstrap cluster: %w", err)
		}
	}

	go h.monitorSessions()
	go h.observeLeadership()
	return nil
}

// Join adds a node to the cluster. Must be called on the leader.
func (h *Host) Join(nodeID, address string) error {
	if h.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	future := h.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter: %w", err)
	}
	return nil
}

// IsLeader reports whether this node currently leads the cluster.
func (h *Host) IsLeader() bool {
	if h.raft == nil {
		return false
	}
	return h.raft.State() == raft.Leader
}

// Shutdown stops raft and releases the host's resources.
func (h *Host) Shutdown() error {
	close(h.stopCh)
	<-h.stoppedCh
	if h.raft != nil {
		if err := h.raft.Shutdown().Error(); err != nil {
			return err
		}
	}
	h.broker.Stop()
	return h.journal.Close()
}

// OpenSession registers a new client session on the total order and
// returns its id.
func (h *Host) OpenSession() (uint64, error) {
	id := newSessionID()
	if err := h.proposeSession(cmdOpenSession, id); err != nil {
		return 0, err
	}
	h.mu.Lock()
	h.lastSeen[id] = time.Now()
	h.mu.Unlock()
	return id, nil
}

// KeepAlive refreshes a session's liveness on this node.
func (h *Host) KeepAlive(sessionID uint64) {
	h.mu.Lock()
	if _, ok := h.lastSeen[sessionID]; ok {
		h.lastSeen[sessionID] = time.Now()
	}
	h.mu.Unlock()
}

// CloseSession closes a session explicitly.
func (h *Host) CloseSession(sessionID uint64) error {
	h.mu.Lock()
	delete(h.lastSeen, sessionID)
	h.mu.Unlock()
	return h.proposeSession(cmdCloseSession, sessionID)
}

// Apply proposes an operation for a resource and returns its result.
// Commands and queries alike run on the total order, so lazy eviction
// and event publication stay identical on every replica.
func (h *Host) Apply(resource string, sessionID uint64, op primitive.Operation) (interface{}, error) {
	if q, ok := op.(primitive.Query); ok {
		if !q.Consistency().Valid() {
			return nil, fmt.Errorf("host: %w: consistency level", primitive.ErrInvalidArgument)
		}
		// Full linearizability confirms leadership against the quorum
		// before the read is proposed; the lease levels trust the
		// leader lease that raft already maintains.
		if q.Consistency() == primitive.Linearizable {
			if err := h.raft.VerifyLeader().Error(); err != nil {
				return nil, fmt.Errorf("failed to verify leadership: %w", err)
			}
		}
	}

	opData, err := codec.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("failed to encode operation: %w", err)
	}
	data, err := json.Marshal(applyRequest{
		Resource:    resource,
		SessionID:   sessionID,
		TimestampMS: time.Now().UnixMilli(),
		Op:          opData,
	})
	if err != nil {
		return nil, err
	}
	return h.propose(Command{Op: cmdApply, Data: data})
}

func (h *Host) proposeSession(kind string, sessionID uint64) error {
	data, err := json.Marshal(sessionRequest{
		SessionID:   sessionID,
		TimestampMS: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	_, err = h.propose(Command{Op: kind, Data: data})
	return err
}

func (h *Host) propose(cmd Command) (interface{}, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	future := h.raft.Apply(data, h.applyTimeout)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("failed to apply command: %w", err)
	}
	metrics.RaftApplyDuration.Observe(time.Since(start).Seconds())

	if err, ok := future.Response().(error); ok {
		return nil, err
	}
	return future.Response(), nil
}

// monitorSessions expires sessions whose clients stopped sending
// keepalives. Only the leader proposes expirations; replicas observe
// them through the log, which keeps expiry replay-safe.
func (h *Host) monitorSessions() {
	defer close(h.stoppedCh)
	ticker := time.NewTicker(h.sessionTimeout / 3)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			if !h.IsLeader() {
				continue
			}
			now := time.Now()
			var expired []uint64
			h.mu.Lock()
			for id, seen := range h.lastSeen {
				if now.Sub(seen) > h.sessionTimeout {
					expired = append(expired, id)
					delete(h.lastSeen, id)
				}
			}
			h.mu.Unlock()

			for _, id := range expired {
				h.logger.Info().Uint64("session_id", id).Msg("Expiring idle session")
				if err := h.proposeSession(cmdExpireSession, id); err != nil {
					h.logger.Error().Err(err).Uint64("session_id", id).Msg("Failed to expire session")
				}
			}
		}
	}
}

// observeLeadership keeps the leadership gauge current.
func (h *Host) observeLeadership() {
	for {
		select {
		case <-h.stopCh:
			return
		case isLeader := <-h.raft.LeaderCh():
			if isLeader {
				metrics.RaftLeader.Set(1)
			} else {
				metrics.RaftLeader.Set(0)
			}
		}
	}
}

// newSessionID derives a session id from a random UUID.
func newSessionID() uint64 {
	id := uuid.New()
	v := binary.BigEndian.Uint64(id[:8])
	if v == 0 {
		v = 1
	}
	return v
}
