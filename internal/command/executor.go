// ============================================================================
// smart-tier 命令執行器
// ============================================================================
//
// Package: internal/command
// 文件: executor.go
// 功能: 認領 PENDING 命令，依 action type 建立 Action，交給 worker.Pool 執行
//
// 核心循環 (2 個並發 Goroutine):
//   1. Dispatch Loop - 依空閒 Worker 數量認領命令並提交
//   2. Result Loop   - 接收 Worker 結果，寫回 DONE / FAILED
//
// 錯誤分類:
//   - 未知 action type 或參數錯誤：直接 FAILED，不佔用 Worker
//   - Action 返回錯誤或 panic：FAILED，log 保留錯誤文字
//   - 執行器停止時仍在佇列中的命令：FAILED
//
// ============================================================================

package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ChuLiYu/smart-tier/internal/action"
	"github.com/ChuLiYu/smart-tier/internal/metrics"
	"github.com/ChuLiYu/smart-tier/internal/telemetry"
	"github.com/ChuLiYu/smart-tier/internal/worker"
	"github.com/ChuLiYu/smart-tier/pkg/types"
)

// Config 執行器配置
type Config struct {
	Workers      int           `yaml:"workers"`       // Worker 數量
	BatchSize    int           `yaml:"batch_size"`    // 每次最多認領的命令數
	PollInterval time.Duration `yaml:"poll_interval"` // 認領間隔
	Timeout      time.Duration `yaml:"timeout"`       // 單一命令執行超時，0 表示不限
	StaleAfter   time.Duration `yaml:"stale_after"`   // RUNNING 超過此時間視為遺失
}

// DefaultConfig 返回預設配置
func DefaultConfig() Config {
	return Config{
		Workers:      8,
		BatchSize:    16,
		PollInterval: 200 * time.Millisecond,
		Timeout:      30 * time.Minute,
		StaleAfter:   time.Hour,
	}
}

// inflight 已提交給 Worker 的命令
type inflight struct {
	cmd   types.CommandInfo
	act   action.Action
	start time.Time
}

// Executor 命令執行器
type Executor struct {
	cfg      Config
	queue    *Queue
	registry *action.Registry
	pool     *worker.Pool
	metrics  *metrics.Collector
	logger   *slog.Logger

	mu       sync.Mutex
	running  map[string]*inflight
	started  bool
	stopped  bool
	stopCh   chan struct{}
	loopWg   sync.WaitGroup
	ctx      context.Context // 傳給 Action 的 context，Stop 時取消
	cancel   context.CancelFunc
	lastStat time.Time
}

// NewExecutor 建立執行器
func NewExecutor(cfg Config, q *Queue, reg *action.Registry, m *metrics.Collector, logger *slog.Logger) *Executor {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		cfg:      cfg,
		queue:    q,
		registry: reg,
		pool:     worker.NewPool(cfg.Workers),
		metrics:  m,
		logger:   logger.With("component", "executor"),
		running:  make(map[string]*inflight),
		stopCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start 啟動 Worker Pool 與兩個核心循環
func (e *Executor) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("executor already started")
	}
	if err := e.pool.Start(e.cfg.Workers); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	e.started = true

	e.loopWg.Add(2)
	go e.dispatchLoop()
	go e.resultLoop()
	e.logger.Info("Executor started", "workers", e.cfg.Workers)
	return nil
}

// Stop 停止認領、取消執行中的 Action，並等待結果寫回
//
// 關閉順序：
//  1. close(stopCh)  → dispatchLoop 退出
//  2. cancel()       → 執行中的 Action 收到取消
//  3. pool.Stop()    → 等待 Worker 退出；resultLoop 讀完結果後退出
//  4. 仍在 Worker 佇列中的命令寫為 FAILED
func (e *Executor) Stop() {
	e.mu.Lock()
	if !e.started || e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()

	close(e.stopCh)
	e.cancel()
	e.pool.Stop()
	e.loopWg.Wait()

	e.mu.Lock()
	left := make([]*inflight, 0, len(e.running))
	for id, in := range e.running {
		left = append(left, in)
		delete(e.running, id)
	}
	e.mu.Unlock()
	for _, in := range left {
		e.finish(in, types.CommandFailed, "executor stopped before the command ran")
	}
	e.logger.Info("Executor stopped")
}

// ============================================================================
// 核心循環
// ============================================================================

// dispatchLoop 依空閒 Worker 認領命令
func (e *Executor) dispatchLoop() {
	defer e.loopWg.Done()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			e.logger.Info("Dispatch loop stopped")
			return
		case <-ticker.C:
			if _, err := e.dispatch(e.ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Error("Dispatch failed", "error", err)
			}
			e.refreshStats()
		}
	}
}

// dispatch 認領並提交一批命令，返回提交數量
func (e *Executor) dispatch(ctx context.Context) (int, error) {
	free := e.pool.Available()
	if free <= 0 {
		return 0, nil
	}
	cmds, err := e.queue.Claim(ctx, min(free, e.cfg.BatchSize))
	if err != nil {
		return 0, err
	}

	submitted := 0
	for _, cmd := range cmds {
		act, err := e.build(cmd)
		if err != nil {
			e.finish(&inflight{cmd: cmd, start: time.Now()}, types.CommandFailed, err.Error())
			continue
		}

		in := &inflight{cmd: cmd, act: act, start: time.Now()}
		key := strconv.FormatInt(int64(cmd.ID), 10)
		e.mu.Lock()
		e.running[key] = in
		e.mu.Unlock()

		err = e.pool.Submit(worker.Task{
			ID:      key,
			Ctx:     e.ctx,
			Timeout: e.cfg.Timeout,
			Run: func(ctx context.Context) error {
				return e.run(ctx, in)
			},
		})
		if err != nil {
			e.mu.Lock()
			delete(e.running, key)
			e.mu.Unlock()
			e.finish(in, types.CommandFailed, fmt.Sprintf("submit: %v", err))
			continue
		}
		submitted++
	}
	return submitted, nil
}

// build 依 action type 建立並初始化 Action
func (e *Executor) build(cmd types.CommandInfo) (action.Action, error) {
	params, err := DecodeParameters(cmd.Parameters)
	if err != nil {
		return nil, err
	}
	return e.registry.Create(cmd.ActionType, params)
}

// run 執行單一 Action，附帶 tracing span
func (e *Executor) run(ctx context.Context, in *inflight) error {
	ctx, span := telemetry.Tracer("smart-tier/command").Start(ctx, "command.execute")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("command_id", int64(in.cmd.ID)),
		attribute.Int64("rule_id", int64(in.cmd.RuleID)),
		attribute.String("action", in.cmd.ActionType),
	)
	err := in.act.Execute(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// resultLoop 寫回執行結果，直到 Worker Pool 關閉
func (e *Executor) resultLoop() {
	defer e.loopWg.Done()
	for {
		result, err := e.pool.ReceiveResult()
		if err != nil {
			e.logger.Info("Result loop stopped")
			return
		}

		e.mu.Lock()
		in, ok := e.running[result.TaskID]
		delete(e.running, result.TaskID)
		e.mu.Unlock()
		if !ok {
			e.logger.Warn("Unknown command result", "task_id", result.TaskID)
			continue
		}

		if result.Success {
			e.finish(in, types.CommandDone, "")
		} else {
			e.finish(in, types.CommandFailed, result.Error.Error())
		}
	}
}

// finish 寫回終態；寫回使用獨立 context，執行器停止時仍能完成
func (e *Executor) finish(in *inflight, state types.CommandState, errText string) {
	var log, res string
	if in.act != nil {
		log, res = in.act.Log(), in.act.Result()
	}
	if errText != "" {
		if log != "" {
			log += "\n"
		}
		log += errText
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.queue.Complete(ctx, in.cmd.ID, state, res, log); err != nil {
		e.logger.Error("Failed to complete command", "command_id", in.cmd.ID, "error", err)
		return
	}
	e.metrics.RecordCommandFinished(string(state), time.Since(in.start))

	if state == types.CommandFailed {
		e.logger.Warn("Command failed",
			"command_id", in.cmd.ID,
			"rule_id", in.cmd.RuleID,
			"action", in.cmd.ActionType,
			"error", errText)
	} else {
		e.logger.Debug("Command done",
			"command_id", in.cmd.ID,
			"duration", time.Since(in.start))
	}
}

// refreshStats 每秒最多更新一次佇列指標
func (e *Executor) refreshStats() {
	if e.metrics == nil || time.Since(e.lastStat) < time.Second {
		return
	}
	e.lastStat = time.Now()
	stats, err := e.queue.Stats(e.ctx)
	if err != nil {
		return
	}
	e.metrics.UpdateQueueStats(stats[types.CommandPending], stats[types.CommandRunning])
}

// ============================================================================
// 同步執行
// ============================================================================

// RunOnce 同步認領並執行一批命令（不經過 Worker Pool），返回處理數量
func (e *Executor) RunOnce(ctx context.Context) (int, error) {
	cmds, err := e.queue.Claim(ctx, e.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, cmd := range cmds {
		in := &inflight{cmd: cmd, start: time.Now()}
		act, err := e.build(cmd)
		if err != nil {
			e.finish(in, types.CommandFailed, err.Error())
			continue
		}
		in.act = act
		if err := e.runSafely(ctx, in); err != nil {
			e.finish(in, types.CommandFailed, err.Error())
			continue
		}
		e.finish(in, types.CommandDone, "")
	}
	return len(cmds), nil
}

// runSafely 與 Worker 相同，將 panic 轉為錯誤
func (e *Executor) runSafely(ctx context.Context, in *inflight) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("command %d panicked: %v", in.cmd.ID, r)
		}
	}()
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}
	return e.run(ctx, in)
}

// Running 返回執行中的命令數
func (e *Executor) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}
