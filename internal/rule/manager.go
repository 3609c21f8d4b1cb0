// ============================================================================
// smart-tier 規則管理器
// ============================================================================
//
// Package: internal/rule
// 文件: manager.go
// 功能: 規則生命週期管理，並為每條啟用中的規則排程 QueryExecutor
//
// 規則狀態轉換:
//   Submit ──> ACTIVE | DRYRUN
//   ACTIVE | DRYRUN ──Disable──> DISABLED ──Activate──> ACTIVE
//   DRYRUN ──Activate──> ACTIVE
//   ACTIVE | DRYRUN ──(時間窗結束 / 一次性規則執行完)──> FINISHED
//   任何狀態 ──Delete──> DELETED
//
// 狀態轉換由 mu 序列化；store 是規則資料的唯一來源。
//
// ============================================================================

// Package rule compiles rules and runs their periodic checks.
package rule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/smart-tier/internal/command"
	"github.com/ChuLiYu/smart-tier/internal/metrics"
	"github.com/ChuLiYu/smart-tier/internal/rule/translator"
	"github.com/ChuLiYu/smart-tier/internal/store"
	"github.com/ChuLiYu/smart-tier/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrManagerClosed 管理器已關閉
	ErrManagerClosed = errors.New("rule: manager is closed")
	// ErrInvalidState 規則目前的狀態不允許此操作
	ErrInvalidState = errors.New("rule: invalid rule state")
	// ErrUnknownAction 規則的動作未註冊
	ErrUnknownAction = errors.New("rule: unknown action")
)

// Config 規則管理器配置
type Config struct {
	CheckTimeout  time.Duration `yaml:"check_timeout"`  // 單輪檢查的時限
	SlowCycle     time.Duration `yaml:"slow_cycle"`     // 超過此時間記錄警告
	RetryInterval time.Duration `yaml:"retry_interval"` // 一次性規則檢查未完成時的重試間隔
}

// DefaultConfig 返回預設配置
func DefaultConfig() Config {
	return Config{
		CheckTimeout:  time.Minute,
		SlowCycle:     3 * time.Second,
		RetryInterval: translator.DefaultInterval,
	}
}

// ActionChecker reports whether an action type can be executed.
type ActionChecker interface {
	Has(name string) bool
}

// Manager owns the rule table and the executors of scheduled rules.
type Manager struct {
	cfg     Config
	store   *store.Store
	queue   *command.Queue
	actions ActionChecker
	tables  TableSource
	metrics *metrics.Collector
	logger  *slog.Logger
	now     func() time.Time

	funcsMu sync.RWMutex
	funcs   map[string]Function

	mu        sync.Mutex
	nextID    types.RuleID
	executors map[types.RuleID]*QueryExecutor
	started   bool
	closed    atomic.Bool
	wg        sync.WaitGroup
}

// NewManager 建立管理器；規則 id 從 store 中最大 id 之後開始分配
// actions 與 tables 可以為 nil
func NewManager(ctx context.Context, cfg Config, st *store.Store, q *command.Queue,
	actions ActionChecker, tables TableSource, m *metrics.Collector, logger *slog.Logger) (*Manager, error) {
	def := DefaultConfig()
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = def.CheckTimeout
	}
	if cfg.SlowCycle <= 0 {
		cfg.SlowCycle = def.SlowCycle
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	maxID, err := st.MaxRuleID(ctx)
	if err != nil {
		return nil, fmt.Errorf("rule: load max id: %w", err)
	}
	return &Manager{
		cfg:       cfg,
		store:     st,
		queue:     q,
		actions:   actions,
		tables:    tables,
		metrics:   m,
		logger:    logger.With("component", "rule-manager"),
		now:       time.Now,
		funcs:     builtinFunctions(),
		nextID:    maxID,
		executors: make(map[types.RuleID]*QueryExecutor),
	}, nil
}

// RegisterFunction adds a template function; names must be unique.
func (m *Manager) RegisterFunction(name string, fn Function) error {
	m.funcsMu.Lock()
	defer m.funcsMu.Unlock()
	if _, ok := m.funcs[name]; ok {
		return fmt.Errorf("rule: function %q already registered", name)
	}
	m.funcs[name] = fn
	return nil
}

func (m *Manager) function(name string) (Function, bool) {
	m.funcsMu.RLock()
	defer m.funcsMu.RUnlock()
	fn, ok := m.funcs[name]
	return fn, ok
}

// ============================================================================
// 生命週期
// ============================================================================

// Start 為 store 中所有 ACTIVE / DRYRUN 規則排程
func (m *Manager) Start(ctx context.Context) error {
	if m.IsClosed() {
		return ErrManagerClosed
	}
	rules, err := m.store.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("rule: load rules: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("rule: manager already started")
	}
	m.started = true

	scheduled := 0
	for _, info := range rules {
		if info.State.Terminal() {
			continue
		}
		tr, err := m.compile(info.Text, time.UnixMilli(info.SubmitTime))
		if err != nil {
			m.logger.Error("Failed to compile stored rule", "rule_id", info.ID, "error", err)
			continue
		}
		m.scheduleLocked(info.ID, tr)
		scheduled++
	}
	m.logger.Info("Rule manager started", "rules", len(rules), "scheduled", scheduled)
	return nil
}

// Close stops every executor and waits for checks in flight.
func (m *Manager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	m.mu.Lock()
	executors := make([]*QueryExecutor, 0, len(m.executors))
	for _, x := range m.executors {
		executors = append(executors, x)
	}
	m.mu.Unlock()

	for _, x := range executors {
		x.Stop()
	}
	m.wg.Wait()
	m.logger.Info("Rule manager closed")
}

// IsClosed reports whether Close was called.
func (m *Manager) IsClosed() bool {
	return m.closed.Load()
}

// ============================================================================
// 規則操作
// ============================================================================

// compile 翻譯規則並確認動作已註冊
func (m *Manager) compile(text string, at time.Time) (*translator.TranslateResult, error) {
	tr, err := translator.Translate(text, at)
	if err != nil {
		return nil, err
	}
	if m.actions != nil && !m.actions.Has(tr.ActionType) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, tr.ActionType)
	}
	return tr, nil
}

// CheckRule validates rule text without submitting it.
func (m *Manager) CheckRule(text string) error {
	_, err := m.compile(text, m.now())
	return err
}

// SubmitRule stores a new rule in state ACTIVE (default) or DRYRUN and
// schedules it.
func (m *Manager) SubmitRule(ctx context.Context, text string, state types.RuleState) (types.RuleID, error) {
	if m.IsClosed() {
		return 0, ErrManagerClosed
	}
	if state == "" {
		state = types.RuleActive
	}
	if state != types.RuleActive && state != types.RuleDryRun {
		return 0, fmt.Errorf("%w: cannot submit in state %s", ErrInvalidState, state)
	}
	now := m.now()
	tr, err := m.compile(text, now)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	info := types.RuleInfo{
		ID:         m.nextID + 1,
		Text:       text,
		State:      state,
		SubmitTime: now.UnixMilli(),
	}
	if err := m.store.InsertRule(ctx, info); err != nil {
		return 0, err
	}
	m.nextID = info.ID
	if m.started {
		m.scheduleLocked(info.ID, tr)
	}
	m.logger.Info("Rule submitted", "rule_id", info.ID, "state", state, "action", tr.ActionType)
	return info.ID, nil
}

// GetRule 讀取規則
func (m *Manager) GetRule(ctx context.Context, id types.RuleID) (types.RuleInfo, error) {
	return m.store.GetRule(ctx, id)
}

// ListRules 列出所有規則
func (m *Manager) ListRules(ctx context.Context) ([]types.RuleInfo, error) {
	return m.store.ListRules(ctx)
}

// DisableRule stops scheduling the rule. With dropPending its commands
// not yet started are deleted.
func (m *Manager) DisableRule(ctx context.Context, id types.RuleID, dropPending bool) error {
	m.mu.Lock()
	info, err := m.store.GetRule(ctx, id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	switch info.State {
	case types.RuleDisabled:
	case types.RuleActive, types.RuleDryRun:
		if err := m.store.UpdateRuleState(ctx, id, types.RuleDisabled); err != nil {
			m.mu.Unlock()
			return err
		}
		m.stopLocked(id)
		m.logger.Info("Rule disabled", "rule_id", id)
	default:
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot disable rule %d in state %s", ErrInvalidState, id, info.State)
	}
	m.mu.Unlock()
	return m.dropPending(ctx, id, dropPending)
}

// ActivateRule moves a DISABLED or DRYRUN rule to ACTIVE and schedules it.
func (m *Manager) ActivateRule(ctx context.Context, id types.RuleID) error {
	if m.IsClosed() {
		return ErrManagerClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	info, err := m.store.GetRule(ctx, id)
	if err != nil {
		return err
	}
	switch info.State {
	case types.RuleActive, types.RuleDryRun, types.RuleDisabled:
	default:
		return fmt.Errorf("%w: cannot activate rule %d in state %s", ErrInvalidState, id, info.State)
	}
	if info.State != types.RuleActive {
		if err := m.store.UpdateRuleState(ctx, id, types.RuleActive); err != nil {
			return err
		}
	}
	// DRYRUN -> ACTIVE 沿用同一個執行器，下一輪讀到新狀態即開始產生命令
	if x, ok := m.executors[id]; ok && !x.IsExited() {
		m.logger.Info("Rule activated", "rule_id", id)
		return nil
	}
	tr, err := m.compile(info.Text, time.UnixMilli(info.SubmitTime))
	if err != nil {
		return err
	}
	if m.started {
		m.scheduleLocked(id, tr)
	}
	m.logger.Info("Rule activated", "rule_id", id)
	return nil
}

// DeleteRule marks the rule DELETED. A check already running completes and
// its commands are kept.
func (m *Manager) DeleteRule(ctx context.Context, id types.RuleID, dropPending bool) error {
	m.mu.Lock()
	info, err := m.store.GetRule(ctx, id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if info.State != types.RuleDeleted {
		if err := m.store.UpdateRuleState(ctx, id, types.RuleDeleted); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	m.stopLocked(id)
	m.mu.Unlock()
	m.logger.Info("Rule deleted", "rule_id", id)
	return m.dropPending(ctx, id, dropPending)
}

func (m *Manager) dropPending(ctx context.Context, id types.RuleID, drop bool) error {
	if !drop || m.queue == nil {
		return nil
	}
	n, err := m.queue.DropPending(ctx, id)
	if err != nil {
		return fmt.Errorf("rule %d: drop pending commands: %w", id, err)
	}
	if n > 0 {
		m.logger.Info("Pending commands dropped", "rule_id", id, "count", n)
	}
	return nil
}

// finishRule 將仍在執行中的規則標記為 FINISHED
func (m *Manager) finishRule(ctx context.Context, id types.RuleID, now int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, err := m.store.GetRule(ctx, id)
	if err != nil {
		m.logger.Error("Failed to load rule", "rule_id", id, "error", err)
		return
	}
	if info.State != types.RuleActive && info.State != types.RuleDryRun {
		return
	}
	if err := m.store.UpdateRuleState(ctx, id, types.RuleFinished); err != nil {
		m.logger.Error("Failed to finish rule", "rule_id", id, "error", err)
		return
	}
	if err := m.store.UpdateRuleStats(ctx, id, now, 0, 0); err != nil {
		m.logger.Error("Failed to update rule stats", "rule_id", id, "error", err)
	}
	m.logger.Info("Rule finished", "rule_id", id)
}

// ============================================================================
// 執行器管理
// ============================================================================

// Executor returns the running executor of a rule.
func (m *Manager) Executor(id types.RuleID) (*QueryExecutor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	x, ok := m.executors[id]
	return x, ok
}

// scheduleLocked 啟動規則的執行器，取代已退出的舊執行器
func (m *Manager) scheduleLocked(id types.RuleID, tr *translator.TranslateResult) {
	if old, ok := m.executors[id]; ok {
		old.Stop()
	}
	x := newQueryExecutor(m, id, tr)
	m.executors[id] = x
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		x.run()
		m.mu.Lock()
		if m.executors[id] == x {
			delete(m.executors, id)
		}
		m.mu.Unlock()
	}()
}

func (m *Manager) stopLocked(id types.RuleID) {
	if x, ok := m.executors[id]; ok {
		x.Stop()
	}
}
