// ============================================================================
// smart-tier Mover Pool - 搬移任務池
// ============================================================================
//
// Package: internal/mover
// 文件: pool.go
// 功能: 在固定大小的 worker.Pool 上執行可取消、可重啟的搬移任務
//
// 任務生命週期:
//
//	Submit(path) ──> [queued] ──> [running] ──┬─> finished, succeeded   (完成)
//	                                          ├─> finished, !succeeded  (故障)
//	                                          └─> !finished, !succeeded (Stop)
//	Restart(id): 非 running 的任務以同一個 id 重新提交，計數歸零
//	Remove(id):  丟棄 Status，Pool 本身從不自動清理
//
// 並發控制:
//   - tasks map 由 mu 保護；Status 自帶鎖
//   - 每個任務持有自己的 cancel 和 done channel
//   - resultLoop 是唯一更新終態的地方
//
// ============================================================================

package mover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/smart-tier/internal/dfs"
	"github.com/ChuLiYu/smart-tier/internal/metrics"
	"github.com/ChuLiYu/smart-tier/internal/worker"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrTaskNotFound 表示 id 未知或已被 Remove
	ErrTaskNotFound = errors.New("mover: task not found")
	// ErrTaskRunning 表示任務仍在執行中
	ErrTaskRunning = errors.New("mover: task is running")
	// ErrPoolClosed 表示 Pool 已關閉
	ErrPoolClosed = errors.New("mover: pool is closed")
)

// Config 搬移池配置
type Config struct {
	Workers         int `yaml:"workers"`          // 同時執行的搬移任務上限
	QueueSize       int `yaml:"queue_size"`       // 等待執行的任務緩衝
	BatchSize       int `yaml:"batch_size"`       // 每批搬移的副本數，批次之間檢查取消
	PlanParallelism int `yaml:"plan_parallelism"` // 讀取 block 佈局的並發數
}

// DefaultConfig 返回預設配置
func DefaultConfig() Config {
	return Config{
		Workers:         4,
		QueueSize:       64,
		BatchSize:       8,
		PlanParallelism: 8,
	}
}

// task 是一個搬移任務的可變部分，由 Pool.mu 保護
type task struct {
	id      string
	path    string
	status  *Status
	cancel  context.CancelFunc
	done    chan struct{}
	running bool // 已提交且尚未產出結果
	started bool // Run 已真正開始
	stop    bool // Stop 已被請求
}

// Pool 搬移任務池
type Pool struct {
	cfg     Config
	client  dfs.Client
	workers *worker.Pool
	metrics *metrics.Collector
	logger  *slog.Logger

	mu     sync.Mutex
	tasks  map[string]*task
	closed bool

	resultDone chan struct{}
}

// NewPool 建立並啟動搬移池
func NewPool(cfg Config, client dfs.Client, m *metrics.Collector, logger *slog.Logger) (*Pool, error) {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PlanParallelism <= 0 {
		cfg.PlanParallelism = def.PlanParallelism
	}
	if logger == nil {
		logger = slog.Default()
	}

	wp := worker.NewPool(cfg.QueueSize)
	if err := wp.Start(cfg.Workers); err != nil {
		return nil, fmt.Errorf("mover: start workers: %w", err)
	}

	p := &Pool{
		cfg:        cfg,
		client:     client,
		workers:    wp,
		metrics:    m,
		logger:     logger.With("component", "mover"),
		tasks:      make(map[string]*task),
		resultDone: make(chan struct{}),
	}
	go p.resultLoop()
	return p, nil
}

// Submit 建立搬移任務並立即返回 id
// Status 在任務開始執行前就已存在，狀態為未完成
func (p *Pool) Submit(path string) (string, error) {
	t := &task{
		id:     uuid.NewString(),
		path:   dfs.Clean(path),
		status: nil,
	}
	t.status = newStatus(t.id)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", ErrPoolClosed
	}
	p.tasks[t.id] = t
	p.mu.Unlock()

	if err := p.schedule(t); err != nil {
		p.mu.Lock()
		delete(p.tasks, t.id)
		p.mu.Unlock()
		return "", err
	}
	p.logger.Info("Mover submitted", "task_id", t.id, "path", t.path)
	return t.id, nil
}

// schedule 為任務準備新的 context 並提交到 worker pool
func (p *Pool) schedule(t *task) error {
	ctx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	t.cancel = cancel
	t.done = make(chan struct{})
	t.running = true
	t.started = false
	t.stop = false
	p.mu.Unlock()

	err := p.workers.Submit(worker.Task{
		ID:  t.id,
		Ctx: ctx,
		Run: func(ctx context.Context) error {
			p.mu.Lock()
			t.started = true
			p.mu.Unlock()
			p.metrics.MoverStarted()
			return p.move(ctx, t.path, t.status)
		},
	})
	if err != nil {
		cancel()
		p.mu.Lock()
		t.running = false
		close(t.done)
		p.mu.Unlock()
		if errors.Is(err, worker.ErrPoolClosed) {
			return ErrPoolClosed
		}
		return err
	}
	return nil
}

// resultLoop 接收 worker 結果並寫入終態，直到 worker pool 關閉
func (p *Pool) resultLoop() {
	defer close(p.resultDone)
	for {
		result, err := p.workers.ReceiveResult()
		if err != nil {
			return
		}
		p.finish(result)
	}
}

func (p *Pool) finish(result worker.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.tasks[result.TaskID]
	if !ok || !t.running {
		return
	}
	t.running = false
	t.cancel()

	var outcome string
	switch {
	case result.Success:
		t.status.complete(true)
		outcome = "succeeded"
		p.logger.Info("Mover finished",
			"task_id", t.id,
			"moved_blocks", t.status.MovedBlocks(),
			"duration", t.status.RunningTime())
	case t.stop && errors.Is(result.Error, context.Canceled):
		t.status.stopped()
		outcome = "stopped"
		p.logger.Info("Mover stopped", "task_id", t.id)
	default:
		t.status.complete(false)
		outcome = "failed"
		p.logger.Error("Mover failed", "task_id", t.id, "path", t.path, "error", result.Error)
	}
	if t.started {
		p.metrics.MoverFinished(outcome)
	}
	close(t.done)
}

// Status 返回任務的即時進度；未知或已移除的 id 返回 false
func (p *Pool) Status(id string) (*Status, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[id]
	if !ok {
		return nil, false
	}
	return t.status, true
}

// Stop 請求取消任務，最多等待 timeout
// 任務在時限內確認停止則返回 true；逾時返回 false，任務仍視為執行中
func (p *Pool) Stop(id string, timeout time.Duration) bool {
	p.mu.Lock()
	t, ok := p.tasks[id]
	if !ok {
		p.mu.Unlock()
		return false
	}
	if !t.running {
		stopped := !t.status.IsFinished()
		p.mu.Unlock()
		return stopped
	}
	t.stop = true
	t.cancel()
	done := t.done
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		p.logger.Warn("Mover did not stop in time", "task_id", id, "timeout", timeout)
		return false
	}
}

// Restart 以同一個 id 和路徑重新執行任務，進度歸零
// 任務仍在執行、id 未知或 Pool 已關閉時返回 false
func (p *Pool) Restart(id string) bool {
	p.mu.Lock()
	t, ok := p.tasks[id]
	if !ok || t.running || p.closed {
		p.mu.Unlock()
		return false
	}
	// 在同一個臨界區內佔位，並發的 Restart / Remove 會看到任務仍在執行
	t.running = true
	p.mu.Unlock()

	t.status.reset()
	if err := p.schedule(t); err != nil {
		p.logger.Error("Mover restart failed", "task_id", id, "error", err)
		return false
	}
	p.logger.Info("Mover restarted", "task_id", id, "path", t.path)
	return true
}

// Remove 丟棄任務的 Status，之後的 Status(id) 返回 false
func (p *Pool) Remove(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if t.running {
		return ErrTaskRunning
	}
	delete(p.tasks, id)
	return nil
}

// Wait 阻塞直到任務產出結果（完成、故障或停止）
func (p *Pool) Wait(ctx context.Context, id string) (Snapshot, error) {
	p.mu.Lock()
	t, ok := p.tasks[id]
	if !ok {
		p.mu.Unlock()
		return Snapshot{}, ErrTaskNotFound
	}
	done := t.done
	p.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	snap, _ := p.snapshot(id)
	return snap, nil
}

func (p *Pool) snapshot(id string) (Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[id]
	if !ok {
		return Snapshot{}, false
	}
	snap := t.status.Snapshot()
	snap.Path = t.path
	snap.Running = t.running
	return snap, true
}

// Get 返回單個任務的快照
func (p *Pool) Get(id string) (Snapshot, error) {
	snap, ok := p.snapshot(id)
	if !ok {
		return Snapshot{}, ErrTaskNotFound
	}
	return snap, nil
}

// List 返回所有已知任務的快照，依開始時間排序
func (p *Pool) List() []Snapshot {
	p.mu.Lock()
	out := make([]Snapshot, 0, len(p.tasks))
	for _, t := range p.tasks {
		snap := t.status.Snapshot()
		snap.Path = t.path
		snap.Running = t.running
		out = append(out, snap)
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// Running 返回執行中（含排隊）的任務數
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.tasks {
		if t.running {
			n++
		}
	}
	return n
}

// Close 取消所有任務並關閉 worker pool
// 尚未開始的任務標記為停止
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, t := range p.tasks {
		if t.running {
			t.stop = true
			t.cancel()
		}
	}
	p.mu.Unlock()

	p.workers.Stop()
	<-p.resultDone

	// 仍在 worker 佇列中的任務不會產出結果
	p.mu.Lock()
	for _, t := range p.tasks {
		if t.running {
			t.running = false
			t.status.stopped()
			close(t.done)
		}
	}
	p.mu.Unlock()
	p.logger.Info("Mover pool closed")
}
