package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// State machine metrics
	CommitsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_commits_applied_total",
			Help: "Total number of commits applied by resource",
		},
		[]string{"resource"},
	)

	RetainedCommits = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_retained_commits",
			Help: "Number of commits in the host retention table; commits released since the last compaction pass are still counted",
		},
	)

	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_sessions_active",
			Help: "Number of registered client sessions",
		},
	)

	MapEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_map_entries",
			Help: "Raw TTL map cardinality, including lazily expired entries",
		},
	)

	GroupMembers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_group_members",
			Help: "Number of registered group members",
		},
	)

	GroupElections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_group_elections_total",
			Help: "Total number of leader elections that produced a leader",
		},
	)

	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_events_published_total",
			Help: "Total number of events published by event name",
		},
		[]string{"event"},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(CommitsApplied)
	prometheus.MustRegister(RetainedCommits)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(MapEntries)
	prometheus.MustRegister(GroupMembers)
	prometheus.MustRegister(GroupElections)
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(RaftApplyDuration)
}

// StartMetricsServer starts the Prometheus metrics endpoint
func StartMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		_ = server.ListenAndServe()
	}()

	return server
}
