// Package config loads the daemon configuration: a YAML file with a default
// for every key, then SMART_TIER_* environment overrides, then Validate.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/smart-tier/internal/command"
	"github.com/ChuLiYu/smart-tier/internal/dfs"
	"github.com/ChuLiYu/smart-tier/internal/mover"
	"github.com/ChuLiYu/smart-tier/internal/rule"
	"github.com/ChuLiYu/smart-tier/internal/states"
	"github.com/ChuLiYu/smart-tier/internal/store"
	"github.com/ChuLiYu/smart-tier/internal/telemetry"
)

// DFS backends.
const (
	BackendMemory = "memory"
	BackendLocal  = "local"
)

// Config is the complete daemon configuration.
type Config struct {
	// DataDir holds the instance lock file and the default SQLite database.
	DataDir string `yaml:"data_dir"`

	Store     store.Config     `yaml:"store"`
	DFS       DFSConfig        `yaml:"dfs"`
	Rules     rule.Config      `yaml:"rules"`
	Executor  command.Config   `yaml:"executor"`
	Mover     mover.Config     `yaml:"mover"`
	States    states.Config    `yaml:"states"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Server    ServerConfig     `yaml:"server"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Log       LogConfig        `yaml:"log"`
}

// DFSConfig selects and tunes the file-system client.
type DFSConfig struct {
	Backend string          `yaml:"backend"`
	Local   dfs.LocalConfig `yaml:"local"`
	Memory  MemoryDFSConfig `yaml:"memory"`
}

// MemoryDFSConfig tunes the simulated cluster.
type MemoryDFSConfig struct {
	BlockSize   int64         `yaml:"block_size"`
	Replication int           `yaml:"replication"`
	MoveLatency time.Duration `yaml:"move_latency"`
}

// MemoryConfig converts c for dfs.NewMemory.
func (c MemoryDFSConfig) MemoryConfig() dfs.MemoryConfig {
	return dfs.MemoryConfig{BlockSize: c.BlockSize, Replication: c.Replication, MoveLatency: c.MoveLatency}
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// ServerConfig is the gRPC control service.
type ServerConfig struct {
	Address string `yaml:"address"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

// Default returns a configuration that runs a single node on an embedded
// store and a simulated file system.
func Default() Config {
	dataDir := "data"
	return Config{
		DataDir: dataDir,
		Store: store.Config{
			Driver: store.DriverSQLite,
			DSN:    filepath.Join(dataDir, "smart-tier.db"),
		},
		DFS: DFSConfig{
			Backend: BackendMemory,
			Local:   dfs.LocalConfig{Root: filepath.Join(dataDir, "tiers"), BlockSize: 128 << 20, Watch: true},
			Memory:  MemoryDFSConfig{BlockSize: 128 << 20, Replication: 3},
		},
		Rules:     rule.DefaultConfig(),
		Executor:  command.DefaultConfig(),
		Mover:     mover.DefaultConfig(),
		States:    states.DefaultConfig(),
		Metrics:   MetricsConfig{Enabled: true, Port: 9090},
		Server:    ServerConfig{Address: "127.0.0.1:7042"},
		Telemetry: telemetry.Config{ServiceName: "smart-tier"},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv 以環境變數覆蓋設定值
func (c *Config) applyEnv() {
	c.DataDir = envStr("SMART_TIER_DATA_DIR", c.DataDir)
	c.Store.Driver = envStr("SMART_TIER_STORE_DRIVER", c.Store.Driver)
	c.Store.DSN = envStr("SMART_TIER_STORE_DSN", c.Store.DSN)

	c.DFS.Backend = envStr("SMART_TIER_DFS_BACKEND", c.DFS.Backend)
	c.DFS.Local.Root = envStr("SMART_TIER_DFS_ROOT", c.DFS.Local.Root)

	c.Rules.CheckTimeout = envDuration("SMART_TIER_RULES_CHECK_TIMEOUT", c.Rules.CheckTimeout)
	c.Rules.RetryInterval = envDuration("SMART_TIER_RULES_RETRY_INTERVAL", c.Rules.RetryInterval)

	c.Executor.Workers = envInt("SMART_TIER_EXECUTOR_WORKERS", c.Executor.Workers)
	c.Executor.Timeout = envDuration("SMART_TIER_EXECUTOR_TIMEOUT", c.Executor.Timeout)
	c.Executor.StaleAfter = envDuration("SMART_TIER_EXECUTOR_STALE_AFTER", c.Executor.StaleAfter)

	c.Mover.Workers = envInt("SMART_TIER_MOVER_WORKERS", c.Mover.Workers)

	c.States.AccessInterval = envDuration("SMART_TIER_STATES_ACCESS_INTERVAL", c.States.AccessInterval)
	c.States.Retention = envDuration("SMART_TIER_STATES_RETENTION", c.States.Retention)

	c.Metrics.Enabled = envBool("SMART_TIER_METRICS_ENABLED", c.Metrics.Enabled)
	c.Metrics.Port = envInt("SMART_TIER_METRICS_PORT", c.Metrics.Port)
	c.Server.Address = envStr("SMART_TIER_SERVER_ADDRESS", c.Server.Address)

	c.Telemetry.Exporter = envStr("SMART_TIER_OTEL_EXPORTER", c.Telemetry.Exporter)
	c.Telemetry.Endpoint = envStr("SMART_TIER_OTEL_ENDPOINT", c.Telemetry.Endpoint)

	c.Log.Level = envStr("SMART_TIER_LOG_LEVEL", c.Log.Level)
	c.Log.Format = envStr("SMART_TIER_LOG_FORMAT", c.Log.Format)
}

// Validate rejects values the daemon cannot run with.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case store.DriverSQLite, store.DriverPostgres:
	default:
		return fmt.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("config: store.dsn is required")
	}

	switch c.DFS.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.DFS.Local.Root == "" {
			return fmt.Errorf("config: dfs.local.root is required for the local backend")
		}
	default:
		return fmt.Errorf("config: unknown dfs.backend %q", c.DFS.Backend)
	}

	if c.Rules.CheckTimeout <= 0 || c.Rules.RetryInterval <= 0 {
		return fmt.Errorf("config: rules.check_timeout and rules.retry_interval must be positive")
	}
	if c.Executor.Workers <= 0 || c.Executor.BatchSize <= 0 {
		return fmt.Errorf("config: executor.workers and executor.batch_size must be positive")
	}
	if c.Executor.PollInterval <= 0 || c.Executor.Timeout <= 0 {
		return fmt.Errorf("config: executor.poll_interval and executor.timeout must be positive")
	}
	if c.Executor.StaleAfter < 0 {
		return fmt.Errorf("config: executor.stale_after must not be negative")
	}
	// 判定遺失的門檻必須長於命令執行時限，否則仍在執行的命令會被標記為 FAILED
	if c.Executor.StaleAfter > 0 && c.Executor.StaleAfter <= c.Executor.Timeout {
		return fmt.Errorf("config: executor.stale_after (%s) must exceed executor.timeout (%s)",
			c.Executor.StaleAfter, c.Executor.Timeout)
	}
	if c.Mover.Workers <= 0 || c.Mover.QueueSize <= 0 || c.Mover.BatchSize <= 0 {
		return fmt.Errorf("config: mover.workers, mover.queue_size and mover.batch_size must be positive")
	}
	if c.States.AccessInterval <= 0 || c.States.NamespaceInterval <= 0 {
		return fmt.Errorf("config: states intervals must be positive")
	}
	if c.States.Retention > 0 && c.States.AggregateAfter > c.States.Retention {
		return fmt.Errorf("config: states.aggregate_after exceeds states.retention")
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("config: metrics.port %d out of range", c.Metrics.Port)
	}
	if c.Server.Address == "" {
		return fmt.Errorf("config: server.address is required")
	}

	switch c.Telemetry.Exporter {
	case telemetry.ExporterNone, telemetry.ExporterStdout, telemetry.ExporterOTLP:
	default:
		return fmt.Errorf("config: unknown telemetry.exporter %q", c.Telemetry.Exporter)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	if f := strings.ToLower(c.Log.Format); f != "text" && f != "json" {
		return fmt.Errorf("config: unknown log.format %q", c.Log.Format)
	}
	return nil
}

// LockFile is the path of the single-instance lock.
func (c Config) LockFile() string {
	return filepath.Join(c.DataDir, "smart-tier.lock")
}

// NewLogger builds a logger writing to w.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("config: unknown log.level %q", s)
	}
	return level, nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
