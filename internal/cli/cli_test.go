package cli

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/smart-tier/internal/config"
	"github.com/ChuLiYu/smart-tier/internal/controller"
	"github.com/ChuLiYu/smart-tier/internal/dfs"
	"github.com/ChuLiYu/smart-tier/internal/server"
	"github.com/ChuLiYu/smart-tier/internal/testutil"
	"github.com/ChuLiYu/smart-tier/pkg/types"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "smart-tier", cmd.Use, "Root command should be 'smart-tier'")
	assert.Equal(t, Version, cmd.Version)

	// 檢查子命令
	commandNames := make(map[string]bool)
	for _, c := range cmd.Commands() {
		commandNames[c.Name()] = true
	}
	for _, name := range []string{"run", "rule", "command", "table", "mover", "status"} {
		assert.True(t, commandNames[name], "Should have %q command", name)
	}

	// 檢查持久化標誌
	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue, "Default config path should be configs/default.yaml")
	assert.NotNil(t, cmd.PersistentFlags().Lookup("server"), "Should have --server flag")
}

func TestBuildRuleCommand(t *testing.T) {
	cmd := buildRuleCommand(&options{})

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
		assert.NotNil(t, c.RunE, "%s should have RunE", c.Name())
	}
	for _, name := range []string{"submit", "check", "list", "show", "disable", "activate", "delete"} {
		assert.True(t, names[name], "Should have 'rule %s'", name)
	}

	disable, _, err := cmd.Find([]string{"disable"})
	require.NoError(t, err)
	assert.NotNil(t, disable.Flags().Lookup("drop-pending"))
	activate, _, err := cmd.Find([]string{"activate"})
	require.NoError(t, err)
	assert.Nil(t, activate.Flags().Lookup("drop-pending"))
}

func TestParseID(t *testing.T) {
	id, err := parseID("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	for _, bad := range []string{"", "0", "-3", "abc"} {
		_, err := parseID(bad)
		assert.Error(t, err, "parseID(%q)", bad)
	}
}

func TestFormatCounts(t *testing.T) {
	assert.Equal(t, "none", formatCounts(map[types.CommandState]int{}))
	assert.Equal(t, "DONE=3 PENDING=1", formatCounts(map[types.CommandState]int{
		types.CommandPending: 1,
		types.CommandDone:    3,
		types.CommandFailed:  0,
	}))
	assert.Equal(t, "-", formatMillis(0))
}

// ============================================================================
// 與執行中的控制服務互動
// ============================================================================

// startDaemon runs a controller and control service on a loopback port.
func startDaemon(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.Store.DSN = filepath.Join(dir, "smart-tier.db")
	cfg.Executor.PollInterval = 10 * time.Millisecond
	cfg.Metrics.Enabled = false

	fs := dfs.NewMemory(dfs.MemoryConfig{})
	require.NoError(t, fs.WriteFile(ctx, "/data/a", []byte("a")))

	ctrl, err := controller.NewController(cfg, fs, nil, testutil.TestLogger())
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(ctx))
	t.Cleanup(ctrl.Stop)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	serveCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = server.NewServer(ctrl, testutil.TestLogger()).ServeListener(serveCtx, lis)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return lis.Addr().String()
}

// execute runs the CLI with args and returns its standard output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestClientCommands(t *testing.T) {
	addr := startDaemon(t)
	srv := "--server=" + addr

	out, err := execute(t, "rule", "check", srv, `file: every 1h | path matches "/data/*" | cache`)
	require.NoError(t, err)
	assert.Contains(t, out, "Rule OK")

	_, err = execute(t, "rule", "check", srv, `file: every 1h | length > 0 | shred`)
	assert.Error(t, err)

	out, err = execute(t, "rule", "submit", srv, `file: at now | path matches "/data/*" | cache`)
	require.NoError(t, err)
	assert.Contains(t, out, "Rule 1 submitted (ACTIVE)")

	out, err = execute(t, "rule", "submit", srv, "--dry-run", `file: every 1h | length > 0 | cache`)
	require.NoError(t, err)
	assert.Contains(t, out, "Rule 2 submitted (DRYRUN)")

	require.Eventually(t, func() bool {
		out, err := execute(t, "command", "list", srv, "--rule", "1", "--state", "done")
		return err == nil && strings.Contains(out, "/data/a")
	}, 10*time.Second, 50*time.Millisecond)

	out, err = execute(t, "command", "show", srv, "1")
	require.NoError(t, err)
	assert.Contains(t, out, "Command 1 (rule 1)")
	assert.Contains(t, out, "DONE")

	out, err = execute(t, "rule", "list", srv)
	require.NoError(t, err)
	assert.Contains(t, out, "FINISHED")
	assert.Contains(t, out, "DRYRUN")

	out, err = execute(t, "rule", "show", srv, "2")
	require.NoError(t, err)
	assert.Contains(t, out, "Rule 2")
	assert.Contains(t, out, "length > 0")

	out, err = execute(t, "rule", "activate", srv, "2")
	require.NoError(t, err)
	assert.Contains(t, out, "activate done")
	_, err = execute(t, "rule", "disable", srv, "--drop-pending", "2")
	require.NoError(t, err)
	_, err = execute(t, "rule", "delete", srv, "2")
	require.NoError(t, err)

	_, err = execute(t, "rule", "show", srv, "99")
	assert.Error(t, err)
	_, err = execute(t, "rule", "show", srv, "x")
	assert.Error(t, err)

	out, err = execute(t, "table", "list", srv, "--last", "1h")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")

	out, err = execute(t, "mover", "status", srv)
	require.NoError(t, err)
	assert.Contains(t, out, "PROGRESS")

	out, err = execute(t, "status", srv)
	require.NoError(t, err)
	assert.Contains(t, out, "Files:          3")
	assert.Contains(t, out, "DELETED=1")
	assert.Contains(t, out, "FINISHED=1")
}

func TestClientUsesConfigAddress(t *testing.T) {
	addr := startDaemon(t)
	path := filepath.Join(t.TempDir(), "client.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  address: "+addr+"\n"), 0o644))

	out, err := execute(t, "status", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "smart-tier status")
}

// ============================================================================
// run
// ============================================================================

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  driver: mysql\n"), 0o644))

	_, err := execute(t, "run", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestRunDaemonStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "data_dir: " + dir + "\n" +
		"store:\n  dsn: " + filepath.Join(dir, "smart-tier.db") + "\n" +
		"metrics:\n  enabled: false\n" +
		"log:\n  level: info\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	logs := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- runDaemon(ctx, &options{configFile: path, serverAddr: "127.0.0.1:0"}, logs)
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "Control service listening")
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("runDaemon did not return after cancel")
	}
}
