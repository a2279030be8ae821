package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/burrow/pkg/group"
	"github.com/cuemby/burrow/pkg/host"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/ttlmap"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "burrow",
	Short: "Burrow - Replicated data structures on Raft",
	Long: `Burrow hosts replicated data structures on a Raft consensus
substrate: a distributed TTL map and a distributed group coordinator
with deterministic leader election and per-member message queues.

State mutates only through totally ordered commits, so every node in
the cluster holds an identical copy.`,
	Version: Version,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Burrow version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serverCmd)

	serverCmd.Flags().String("config", "", "Path to YAML config file")
	serverCmd.Flags().String("node-id", "", "Node ID (defaults to a random UUID)")
	serverCmd.Flags().String("bind", "127.0.0.1:7420", "Raft bind address")
	serverCmd.Flags().String("data-dir", "./data", "Data directory")
	serverCmd.Flags().Bool("bootstrap", false, "Bootstrap a new single-node cluster")
	serverCmd.Flags().String("metrics-addr", ":9420", "Prometheus metrics address")
	serverCmd.Flags().Duration("session-timeout", 30*time.Second, "Client session timeout")
	serverCmd.Flags().Duration("member-expiration", 0, "Grace period before a detached persistent group member is reported as left")
	serverCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
}

// serverConfig is the YAML configuration file shape. Flags override
// file values.
type serverConfig struct {
	NodeID           string        `yaml:"node_id"`
	BindAddr         string        `yaml:"bind_addr"`
	DataDir          string        `yaml:"data_dir"`
	Bootstrap        bool          `yaml:"bootstrap"`
	MetricsAddr      string        `yaml:"metrics_addr"`
	SessionTimeout   time.Duration `yaml:"session_timeout"`
	MemberExpiration time.Duration `yaml:"member_expiration"`
	LogLevel         string        `yaml:"log_level"`
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run a Burrow node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := serverConfig{}
		if path, _ := cmd.Flags().GetString("config"); path != "" {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read config: %w", err)
			}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return fmt.Errorf("failed to parse config: %w", err)
			}
		}

		applyFlags(cmd, &cfg)
		if cfg.NodeID == "" {
			cfg.NodeID = uuid.New().String()
		}

		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: true})
		logger := log.WithComponent("server")

		h, err := host.NewHost(&host.Config{
			NodeID:         cfg.NodeID,
			BindAddr:       cfg.BindAddr,
			DataDir:        cfg.DataDir,
			SessionTimeout: cfg.SessionTimeout,
		})
		if err != nil {
			return err
		}

		registry := h.FSM().Registry()
		h.Register("map", ttlmap.New(registry))
		h.Register("group", group.New(registry,
			group.WithExpiration(cfg.MemberExpiration.Milliseconds())))

		if err := h.Start(cfg.Bootstrap); err != nil {
			return err
		}

		if cfg.MetricsAddr != "" {
			metrics.StartMetricsServer(cfg.MetricsAddr)
		}

		logger.Info().Str("node_id", cfg.NodeID).Str("bind", cfg.BindAddr).
			Bool("bootstrap", cfg.Bootstrap).Msg("Burrow node started")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logger.Info().Msg("Shutting down")
		return h.Shutdown()
	},
}

func applyFlags(cmd *cobra.Command, cfg *serverConfig) {
	if v, _ := cmd.Flags().GetString("node-id"); v != "" {
		cfg.NodeID = v
	}
	if v, _ := cmd.Flags().GetString("bind"); cmd.Flags().Changed("bind") || cfg.BindAddr == "" {
		cfg.BindAddr = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); cmd.Flags().Changed("data-dir") || cfg.DataDir == "" {
		cfg.DataDir = v
	}
	if cmd.Flags().Changed("bootstrap") {
		cfg.Bootstrap, _ = cmd.Flags().GetBool("bootstrap")
	}
	if v, _ := cmd.Flags().GetString("metrics-addr"); cmd.Flags().Changed("metrics-addr") || cfg.MetricsAddr == "" {
		cfg.MetricsAddr = v
	}
	if v, _ := cmd.Flags().GetDuration("session-timeout"); cmd.Flags().Changed("session-timeout") || cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = v
	}
	if cmd.Flags().Changed("member-expiration") {
		cfg.MemberExpiration, _ = cmd.Flags().GetDuration("member-expiration")
	}
	if v, _ := cmd.Flags().GetString("log-level"); cmd.Flags().Changed("log-level") || cfg.LogLevel == "" {
		cfg.LogLevel = v
	}
}
