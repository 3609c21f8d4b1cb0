// ============================================================================
// smart-tier 狀態輪詢器
// ============================================================================
//
// Package: internal/states
// 文件: poller.go
// 功能: 把檔案系統的存取與命名空間變化同步進 store，供規則查詢使用
//
// 三個循環:
//   1. Namespace Loop   - 拉取命名空間事件，更新 files 表
//   2. Access Loop      - 拉取存取事件，寫入一張 access_<startMs> 存取次數表
//   3. Maintenance Loop - 合併舊的細粒度表 (Compact)，刪除過期表 (Retain)
//
// 啟動時先從 bootstrap_root 完整掃描一次命名空間。
//
// 存取次數表的區間首尾相接：[上一張的結束, 本次輪詢時間)。
// 沒有事件的區間不建表，直接推進起點。
//
// ============================================================================

package states

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/smart-tier/internal/dfs"
	"github.com/ChuLiYu/smart-tier/internal/metrics"
	"github.com/ChuLiYu/smart-tier/internal/store"
	"github.com/ChuLiYu/smart-tier/pkg/types"
)

// Config 輪詢器配置
type Config struct {
	AccessInterval      time.Duration `yaml:"access_interval"`
	NamespaceInterval   time.Duration `yaml:"namespace_interval"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	AggregateAfter      time.Duration `yaml:"aggregate_after"` // 早於此時間的細粒度表會被合併
	Retention           time.Duration `yaml:"retention"`       // 早於此時間的表會被刪除
	BootstrapRoot       string        `yaml:"bootstrap_root"`
}

// DefaultConfig returns the poller defaults.
func DefaultConfig() Config {
	return Config{
		AccessInterval:      5 * time.Second,
		NamespaceInterval:   time.Second,
		MaintenanceInterval: time.Minute,
		AggregateAfter:      time.Hour,
		Retention:           7 * 24 * time.Hour,
		BootstrapRoot:       "/",
	}
}

// Poller keeps the files table and the access count tables in step with
// the file system.
type Poller struct {
	cfg     Config
	store   *store.Store
	client  dfs.Client
	metrics *metrics.Collector
	logger  *slog.Logger
	now     func() time.Time

	tableMu     sync.Mutex // 序列化建表、合併與刪除
	accessStart int64      // 下一張存取次數表的起點
	viewSeq     atomic.Int64
	views       map[string]string // 縮放視圖 -> 來源表；來源表在視圖存在時不會被合併或刪除

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	loopWg  sync.WaitGroup
}

// NewPoller creates a poller; nothing runs until Start.
func NewPoller(cfg Config, st *store.Store, client dfs.Client, m *metrics.Collector, logger *slog.Logger) *Poller {
	def := DefaultConfig()
	if cfg.AccessInterval <= 0 {
		cfg.AccessInterval = def.AccessInterval
	}
	if cfg.NamespaceInterval <= 0 {
		cfg.NamespaceInterval = def.NamespaceInterval
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = def.MaintenanceInterval
	}
	if cfg.BootstrapRoot == "" {
		cfg.BootstrapRoot = def.BootstrapRoot
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Poller{
		cfg:     cfg,
		store:   st,
		client:  client,
		metrics: m,
		logger:  logger.With("component", "states"),
		now:     time.Now,
		views:   make(map[string]string),
		stopCh:  make(chan struct{}),
	}
	p.accessStart = p.now().UnixMilli()
	return p
}

// ============================================================================
// 生命週期
// ============================================================================

// Start scans the namespace once and starts the polling loops.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("states: poller already started")
	}

	n, err := p.Bootstrap(ctx)
	if err != nil {
		return err
	}
	p.started = true
	p.logger.Info("Namespace bootstrapped", "root", p.cfg.BootstrapRoot, "entries", n)

	p.loopWg.Add(3)
	go p.loop("namespace", p.cfg.NamespaceInterval, func(ctx context.Context) error {
		_, err := p.PollNamespace(ctx)
		return err
	})
	go p.loop("access", p.cfg.AccessInterval, func(ctx context.Context) error {
		_, _, err := p.PollAccess(ctx)
		return err
	})
	go p.loop("maintenance", p.cfg.MaintenanceInterval, p.maintain)
	return nil
}

// Stop ends the loops and waits for a poll in flight.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stopCh)
	p.mu.Unlock()

	p.loopWg.Wait()
	p.logger.Info("States poller stopped")
}

func (p *Poller) loop(name string, interval time.Duration, fn func(ctx context.Context) error) {
	defer p.loopWg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 4*interval+time.Second)
			if err := fn(ctx); err != nil {
				p.logger.Error("Poll failed", "loop", name, "error", err)
			}
			cancel()
		}
	}
}

func (p *Poller) maintain(ctx context.Context) error {
	var errs []error
	if _, err := p.Compact(ctx); err != nil {
		errs = append(errs, err)
	}
	if _, err := p.Retain(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ============================================================================
// 命名空間同步
// ============================================================================

// Bootstrap walks the namespace from the configured root and upserts every
// entry. Events queued before the walk are discarded.
func (p *Poller) Bootstrap(ctx context.Context) (int, error) {
	if _, err := p.client.FetchNamespaceEvents(ctx); err != nil {
		return 0, fmt.Errorf("states: drain namespace events: %w", err)
	}
	n := 0
	err := dfs.Walk(ctx, p.client, p.cfg.BootstrapRoot, func(st dfs.FileStatus) error {
		n++
		return p.store.UpsertFile(ctx, st.FileInfo())
	})
	if err != nil {
		return n, fmt.Errorf("states: bootstrap %s: %w", p.cfg.BootstrapRoot, err)
	}
	return n, nil
}

// PollNamespace applies pending namespace events to the files table and
// returns how many were applied.
func (p *Poller) PollNamespace(ctx context.Context) (int, error) {
	events, err := p.client.FetchNamespaceEvents(ctx)
	if err != nil {
		return 0, fmt.Errorf("states: fetch namespace events: %w", err)
	}
	applied := 0
	for _, ev := range events {
		if err := p.apply(ctx, ev); err != nil {
			p.logger.Warn("Failed to apply namespace event", "op", ev.Op, "path", ev.Path, "error", err)
			continue
		}
		applied++
	}
	if applied > 0 {
		p.logger.Debug("Namespace events applied", "count", applied)
	}
	return applied, nil
}

func (p *Poller) apply(ctx context.Context, ev dfs.NamespaceEvent) error {
	switch ev.Op {
	case dfs.OpCreate, dfs.OpModify:
		return p.refresh(ctx, ev.Path)
	case dfs.OpDelete:
		return p.store.DeleteFile(ctx, ev.Path)
	case dfs.OpRename:
		if err := p.store.RenameFile(ctx, ev.Path, ev.NewPath); err != nil {
			return err
		}
		// 目標原本不在 files 表中（例如從未同步過的檔案）
		if _, err := p.store.GetFile(ctx, ev.NewPath); errors.Is(err, store.ErrNotFound) {
			return p.refresh(ctx, ev.NewPath)
		}
		return nil
	default:
		return fmt.Errorf("unknown namespace op %q", ev.Op)
	}
}

// refresh 重新讀取檔案資訊；檔案已被刪除時同步刪除
func (p *Poller) refresh(ctx context.Context, path string) error {
	st, err := p.client.GetFileInfo(ctx, path)
	if errors.Is(err, dfs.ErrNotExist) {
		return p.store.DeleteFile(ctx, path)
	}
	if err != nil {
		return err
	}
	return p.store.UpsertFile(ctx, st.FileInfo())
}

// ============================================================================
// 存取次數
// ============================================================================

// PollAccess drains access events into a new bucket table covering
// [previous end, now). It returns false when there was nothing to record.
func (p *Poller) PollAccess(ctx context.Context) (types.AccessCountTable, bool, error) {
	events, err := p.client.FetchAccessEvents(ctx)
	if err != nil {
		return types.AccessCountTable{}, false, fmt.Errorf("states: fetch access events: %w", err)
	}

	p.tableMu.Lock()
	defer p.tableMu.Unlock()

	end := p.now().UnixMilli()
	if end <= p.accessStart {
		end = p.accessStart + 1
	}
	t := types.AccessCountTable{
		Name:      fmt.Sprintf("access_%d", p.accessStart),
		StartTime: p.accessStart,
		EndTime:   end,
	}
	if len(events) == 0 {
		p.accessStart = end
		return t, false, nil
	}

	counts, err := p.countByFile(ctx, events)
	if err != nil {
		return t, false, err
	}
	if len(counts) == 0 {
		p.accessStart = end
		return t, false, nil
	}
	if err := p.store.CreateAccessCountBucket(ctx, t, counts); err != nil {
		// 保留起點，事件已經取出，下一張表會涵蓋這段時間
		return t, false, err
	}
	p.accessStart = end
	p.logger.Debug("Access bucket written", "table", t.Name, "events", len(events), "files", len(counts))
	p.updateTableGauge(ctx)
	return t, true, nil
}

// countByFile 以 fid 彙總事件；files 表中找不到的路徑向檔案系統查詢後補上
func (p *Poller) countByFile(ctx context.Context, events []dfs.AccessEvent) (map[int64]int64, error) {
	perPath := make(map[string]int64)
	paths := make([]string, 0, len(events))
	for _, ev := range events {
		if _, ok := perPath[ev.Path]; !ok {
			paths = append(paths, ev.Path)
		}
		perPath[ev.Path]++
	}

	ids, err := p.store.FileIDs(ctx, paths)
	if err != nil {
		return nil, fmt.Errorf("states: resolve file ids: %w", err)
	}
	counts := make(map[int64]int64, len(perPath))
	for path, n := range perPath {
		fid, ok := ids[path]
		if !ok {
			st, err := p.client.GetFileInfo(ctx, path)
			if err != nil {
				p.logger.Debug("Dropping access to unknown file", "path", path, "error", err)
				continue
			}
			if err := p.store.UpsertFile(ctx, st.FileInfo()); err != nil {
				return nil, err
			}
			fid = st.FileID
		}
		counts[fid] += n
	}
	return counts, nil
}

func (p *Poller) updateTableGauge(ctx context.Context) {
	if p.metrics == nil {
		return
	}
	tables, err := p.store.ListAccessCountTables(ctx, 0, 0)
	if err != nil {
		p.logger.Warn("Failed to count access tables", "error", err)
		return
	}
	p.metrics.SetAccessTables(len(tables))
}
