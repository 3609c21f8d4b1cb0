// ============================================================================
// smart-tier 控制器 - 系統核心協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 依配置組裝所有模組，處理崩潰恢復，並以相反順序關閉
//
// 組件 (啟動順序):
//   1. Instance Lock  - 同一個 data_dir 只允許一個控制面
//   2. Store          - 開啟資料庫並建立資料表
//   3. Recovery       - 崩潰時留下的 RUNNING 命令一律標記為 FAILED
//   4. DFS Client     - memory 或 local 後端
//   5. Mover Pool     - 副本搬移
//   6. Action Registry + Command Queue + Command Executor
//   7. States Poller  - 命名空間與存取次數
//   8. Rule Manager   - 排程所有 ACTIVE / DRYRUN 規則
//   9. Reconcile Loop - 定期將超時的 RUNNING 命令標記為 FAILED
//
// 關閉:
//   close(stopCh) → loopWg.Wait() → 依啟動的相反順序關閉各組件 → 釋放鎖
//   啟動中途失敗時，已啟動的組件同樣以相反順序關閉。
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/smart-tier/internal/action"
	"github.com/ChuLiYu/smart-tier/internal/command"
	"github.com/ChuLiYu/smart-tier/internal/config"
	"github.com/ChuLiYu/smart-tier/internal/dfs"
	"github.com/ChuLiYu/smart-tier/internal/metrics"
	"github.com/ChuLiYu/smart-tier/internal/mover"
	"github.com/ChuLiYu/smart-tier/internal/rule"
	"github.com/ChuLiYu/smart-tier/internal/states"
	"github.com/ChuLiYu/smart-tier/internal/store"
	"github.com/ChuLiYu/smart-tier/pkg/types"
)

var (
	// ErrAnotherInstance 另一個控制面持有同一個 data_dir 的鎖
	ErrAnotherInstance = errors.New("controller: another instance is running")
	// ErrNotRunning 控制器尚未啟動或已停止
	ErrNotRunning = errors.New("controller: not running")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Controller 核心控制器
type Controller struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Collector

	fs       dfs.Client // 由呼叫者提供時不負責關閉
	store    *store.Store
	movers   *mover.Pool
	actions  *action.Registry
	queue    *command.Queue
	executor *command.Executor
	poller   *states.Poller
	rules    *rule.Manager

	mu        sync.Mutex
	started   bool
	stopped   bool
	closers   []closer // 依啟動順序登記，關閉時反向執行
	stopCh    chan struct{}
	loopWg    sync.WaitGroup
	startTime time.Time
	recovered int64
}

type closer struct {
	name string
	fn   func() error
}

// Status 系統狀態摘要
type Status struct {
	StartTime         time.Time                  `json:"start_time"`
	Uptime            time.Duration              `json:"uptime"`
	Rules             map[types.RuleState]int    `json:"rules"`
	Commands          map[types.CommandState]int `json:"commands"`
	Files             int                        `json:"files"`
	AccessTables      int                        `json:"access_tables"`
	MoversRunning     int                        `json:"movers_running"`
	ExecutorRunning   int                        `json:"executor_running"`
	RecoveredCommands int64                      `json:"recovered_commands"`
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立控制器；fs 為 nil 時依 cfg.DFS 建立，m 為 nil 時使用獨立 Registry
func NewController(cfg config.Config, fs dfs.Client, m *metrics.Collector, logger *slog.Logger) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.NewCollector(nil)
	}
	return &Controller{
		cfg:     cfg,
		fs:      fs,
		metrics: m,
		logger:  logger.With("component", "controller"),
		stopCh:  make(chan struct{}),
	}, nil
}

// Start 啟動所有組件
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	// 停止後的控制器不能再啟動
	if c.stopped {
		return ErrNotRunning
	}
	if c.started {
		return errors.New("controller: already started")
	}
	c.startTime = time.Now()

	if err := c.startComponents(ctx); err != nil {
		c.closeComponents()
		return err
	}
	c.started = true

	c.loopWg.Add(1)
	go c.reconcileLoop()

	c.logger.Info("Controller started",
		"store", c.cfg.Store.Driver,
		"dfs", c.cfg.DFS.Backend,
		"startup", time.Since(c.startTime))
	return nil
}

func (c *Controller) startComponents(ctx context.Context) error {
	// 1. 單一實例鎖
	lock, err := acquireLock(c.cfg.LockFile())
	if err != nil {
		return err
	}
	c.register("lock", lock.release)

	// 2. Store
	st, err := store.Open(ctx, c.cfg.Store, c.logger)
	if err != nil {
		return err
	}
	c.store = st
	c.register("store", st.Close)
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	// 3. 恢復階段
	q, err := command.NewQueue(ctx, st, c.metrics, c.logger)
	if err != nil {
		return err
	}
	c.queue = q
	if err := c.recover(ctx); err != nil {
		return err
	}

	// 4. DFS
	if c.fs == nil {
		fs, closeFS, err := newClient(ctx, c.cfg.DFS, c.logger)
		if err != nil {
			return err
		}
		c.fs = fs
		if closeFS != nil {
			c.register("dfs", closeFS)
		}
	}

	// 5. Mover Pool
	movers, err := mover.NewPool(c.cfg.Mover, c.fs, c.metrics, c.logger)
	if err != nil {
		return err
	}
	c.movers = movers
	c.register("movers", func() error { movers.Close(); return nil })

	// 6. Actions + Executor
	c.actions = action.DefaultRegistry(action.Deps{FS: c.fs, Movers: movers, Logger: c.logger})
	c.executor = command.NewExecutor(c.cfg.Executor, q, c.actions, c.metrics, c.logger)
	if err := c.executor.Start(); err != nil {
		return err
	}
	c.register("executor", func() error { c.executor.Stop(); return nil })

	// 7. States Poller
	c.poller = states.NewPoller(c.cfg.States, st, c.fs, c.metrics, c.logger)
	if err := c.poller.Start(ctx); err != nil {
		return err
	}
	c.register("states", func() error { c.poller.Stop(); return nil })

	// 8. Rule Manager
	rules, err := rule.NewManager(ctx, c.cfg.Rules, st, q, c.actions, c.poller, c.metrics, c.logger)
	if err != nil {
		return err
	}
	c.rules = rules
	c.register("rules", func() error { rules.Close(); return nil })
	return rules.Start(ctx)
}

// recover 將崩潰前仍在執行的命令標記為 FAILED
// 持有實例鎖時不可能有其他執行器在處理這些命令
func (c *Controller) recover(ctx context.Context) error {
	start := time.Now()
	n, err := c.queue.ReconcileStale(ctx, 0)
	if err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}
	c.recovered = n
	elapsed := time.Since(start)
	c.metrics.SetRecoveryTime(elapsed)
	c.logger.Info("Recovery completed", "duration", elapsed, "failed_commands", n)
	return nil
}

func newClient(ctx context.Context, cfg config.DFSConfig, logger *slog.Logger) (dfs.Client, func() error, error) {
	switch cfg.Backend {
	case config.BackendLocal:
		l, err := dfs.NewLocal(ctx, cfg.Local, logger.With("component", "dfs"))
		if err != nil {
			return nil, nil, err
		}
		return l, l.Close, nil
	default:
		return dfs.NewMemory(cfg.Memory.MemoryConfig()), nil, nil
	}
}

func (c *Controller) register(name string, fn func() error) {
	c.closers = append(c.closers, closer{name: name, fn: fn})
}

// closeComponents 以相反順序關閉已啟動的組件
func (c *Controller) closeComponents() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		cl := c.closers[i]
		if err := cl.fn(); err != nil {
			c.logger.Error("Failed to close component", "component", cl.name, "error", err)
		}
	}
	c.closers = nil
}

// ============================================================================
// 背景循環
// ============================================================================

// reconcileLoop 定期將超過 stale_after 仍為 RUNNING 的命令標記為 FAILED
func (c *Controller) reconcileLoop() {
	defer c.loopWg.Done()
	staleAfter := c.cfg.Executor.StaleAfter
	if staleAfter <= 0 {
		<-c.stopCh
		return
	}
	interval := staleAfter / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.logger.Info("Reconcile loop stopped")
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if _, err := c.queue.ReconcileStale(ctx, staleAfter); err != nil {
				c.logger.Error("Failed to reconcile stale commands", "error", err)
			}
			cancel()
		}
	}
}

// ============================================================================
// 公開方法
// ============================================================================

// Stop 優雅關閉：先停循環，再反向關閉組件
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started || c.stopped {
		c.stopped = true
		return
	}
	c.stopped = true
	close(c.stopCh)
	c.loopWg.Wait()
	c.closeComponents()
	c.logger.Info("Controller stopped", "uptime", time.Since(c.startTime))
}

// Status 取得系統狀態
func (c *Controller) Status(ctx context.Context) (Status, error) {
	c.mu.Lock()
	running := c.started && !c.stopped
	c.mu.Unlock()
	if !running {
		return Status{}, ErrNotRunning
	}

	cmds, err := c.queue.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	rules, err := c.rules.ListRules(ctx)
	if err != nil {
		return Status{}, err
	}
	byState := make(map[types.RuleState]int)
	for _, r := range rules {
		byState[r.State]++
	}
	files, err := c.store.CountFiles(ctx)
	if err != nil {
		return Status{}, err
	}
	tables, err := c.store.ListAccessCountTables(ctx, 0, 0)
	if err != nil {
		return Status{}, err
	}
	return Status{
		StartTime:         c.startTime,
		Uptime:            time.Since(c.startTime),
		Rules:             byState,
		Commands:          cmds,
		Files:             files,
		AccessTables:      len(tables),
		MoversRunning:     c.movers.Running(),
		ExecutorRunning:   c.executor.Running(),
		RecoveredCommands: c.recovered,
	}, nil
}

// Rules returns the rule manager.
func (c *Controller) Rules() *rule.Manager { return c.rules }

// Queue returns the command queue.
func (c *Controller) Queue() *command.Queue { return c.queue }

// Store returns the metadata store.
func (c *Controller) Store() *store.Store { return c.store }

// Movers returns the mover pool.
func (c *Controller) Movers() *mover.Pool { return c.movers }

// Poller returns the states poller.
func (c *Controller) Poller() *states.Poller { return c.poller }

// FS returns the file-system client.
func (c *Controller) FS() dfs.Client { return c.fs }

// Metrics returns the metric collector.
func (c *Controller) Metrics() *metrics.Collector { return c.metrics }
