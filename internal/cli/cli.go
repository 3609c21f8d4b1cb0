// ============================================================================
// smart-tier CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the daemon and its control client
//
// Command Structure:
//   smart-tier                         # Root command
//   ├── run                            # Start the control plane daemon
//   ├── rule
//   │   ├── submit TEXT [--dry-run]    # Submit a rule, prints its id
//   │   ├── check TEXT                 # Validate rule text only
//   │   ├── list / show ID
//   │   ├── disable ID [--drop-pending]
//   │   ├── activate ID
//   │   └── delete ID [--drop-pending]
//   ├── command list [--rule] [--state] / show ID
//   ├── table list [--last]            # Access count tables
//   ├── mover status [ID]              # Mover tasks
//   ├── status                         # Daemon summary
//   ├── --config, -c                   # Config file (default: configs/default.yaml)
//   └── --server                       # Control address (default: server.address)
//
// run Command:
//   1. Load config (YAML, then SMART_TIER_* overrides)
//   2. Initialize logging and tracing
//   3. Create and start Controller
//   4. Start Metrics HTTP server (if enabled)
//   5. Serve the gRPC control service until SIGINT / SIGTERM
//   6. Gracefully shutdown in reverse order
//
// Client Commands:
//   Talk to a running daemon over gRPC; they never open the store directly,
//   so they work while the daemon holds the instance lock.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/smart-tier/internal/config"
	"github.com/ChuLiYu/smart-tier/internal/controller"
	"github.com/ChuLiYu/smart-tier/internal/metrics"
	"github.com/ChuLiYu/smart-tier/internal/server"
	"github.com/ChuLiYu/smart-tier/internal/telemetry"
)

// Version is reported by --version and attached to traces.
var Version = "0.1.0"

// options are the persistent flags shared by every command.
type options struct {
	configFile string
	serverAddr string
	timeout    time.Duration
}

// BuildCLI assembles the command tree.
func BuildCLI() *cobra.Command {
	o := &options{}
	rootCmd := &cobra.Command{
		Use:   "smart-tier",
		Short: "smart-tier: policy-driven storage tiering",
		Long: `smart-tier watches a file system namespace and its access counts,
evaluates user rules periodically and runs the resulting actions:
- storage policy moves (allssd, onessd, archive, hot, warm)
- cache directives and compression
- durable command queue with crash recovery`,
		Version:      Version,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&o.configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&o.serverAddr, "server", "", "control service address (default: server.address from config)")
	rootCmd.PersistentFlags().DurationVar(&o.timeout, "timeout", 10*time.Second, "client call timeout")

	rootCmd.AddCommand(buildRunCommand(o))
	rootCmd.AddCommand(buildRuleCommand(o))
	rootCmd.AddCommand(buildCommandCommand(o))
	rootCmd.AddCommand(buildTableCommand(o))
	rootCmd.AddCommand(buildMoverCommand(o))
	rootCmd.AddCommand(buildStatusCommand(o))

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the smart-tier control plane",
		Long:  "Start the daemon: rule manager, command executor, mover pool, states poller and the control service",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, o, cmd.ErrOrStderr())
		},
	}
}

// runDaemon 啟動守護程序並阻塞到 ctx 結束
func runDaemon(ctx context.Context, o *options, logOut io.Writer) error {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if o.serverAddr != "" {
		cfg.Server.Address = o.serverAddr
	}

	logger := cfg.Log.NewLogger(logOut)
	slog.SetDefault(logger)
	logger.Info("Starting smart-tier", "version", Version, "config", o.configFile)

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry, Version)
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Error("Failed to flush traces", "error", err)
		}
	}()

	collector := metrics.NewCollector(nil)
	ctrl, err := controller.NewController(cfg, nil, collector, logger)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	defer ctrl.Stop()

	// Start Metrics
	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(fmt.Sprintf(":%d", cfg.Metrics.Port), collector)
		go func() {
			logger.Info("Starting metrics server", "address", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server error", "error", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	logger.Info("System started successfully")
	if err := server.NewServer(ctrl, logger).Serve(ctx, cfg.Server.Address); err != nil {
		return err
	}
	logger.Info("Received shutdown signal, stopping gracefully")
	return nil
}

// ============================================================================
// client helpers
// ============================================================================

// address 決定控制服務位址：--server 優先，其次為配置檔
func (o *options) address() (string, error) {
	if o.serverAddr != "" {
		return o.serverAddr, nil
	}
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return "", fmt.Errorf("failed to load config: %w", err)
	}
	return cfg.Server.Address, nil
}

// withClient dials the daemon and runs fn under the call timeout.
func (o *options) withClient(cmd *cobra.Command, fn func(ctx context.Context, c *server.Client) error) error {
	addr, err := o.address()
	if err != nil {
		return err
	}
	c, err := server.Dial(addr)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	return fn(ctx, c)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func stdout(cmd *cobra.Command) io.Writer {
	if cmd == nil {
		return os.Stdout
	}
	return cmd.OutOrStdout()
}
