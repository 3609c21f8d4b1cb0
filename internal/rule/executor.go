// ============================================================================
// smart-tier 規則查詢執行器
// ============================================================================
//
// Package: internal/rule
// 文件: executor.go
// 功能: 每條規則一個 QueryExecutor，依排程反覆執行檢查
//
// 生命週期:
//   SCHEDULED ──> (執行一輪) ──> SCHEDULED
//                     └──────> EXITED   (管理器關閉 / 規則終止 / 時間窗結束 / Stop)
//
// 每一輪:
//   1. 展開模板：先函數 $@name(group)，再變數 $name
//   2. 依序執行語句，RetIndex 的語句返回匹配路徑；任一失敗即中止本輪
//   3. 無論成敗都清空 cleanup stack（錯誤只記錄）
//   4. 每個路徑產生一個命令，共用同一個產生時間
//   5. 入隊並更新規則統計
//
// exited 旗標只在每輪開始時檢查，執行中的一輪一定會完成。
//
// ============================================================================

package rule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ChuLiYu/smart-tier/internal/rule/translator"
	"github.com/ChuLiYu/smart-tier/internal/store"
	"github.com/ChuLiYu/smart-tier/internal/telemetry"
	"github.com/ChuLiYu/smart-tier/pkg/types"
)

// ErrTemplate 模板中有無法解析的變數或函數
var ErrTemplate = errors.New("rule: template error")

var (
	callPattern = regexp.MustCompile(`\$\$|\$@([a-zA-Z_][a-zA-Z0-9_]*)\(([a-zA-Z_][a-zA-Z0-9_]*)?\)`)
	varPattern  = regexp.MustCompile(`\$\$|\$([a-zA-Z_][a-zA-Z0-9_]*)`)
)

// QueryExecutor runs the checks of one rule.
type QueryExecutor struct {
	m      *Manager
	id     types.RuleID
	tr     *translator.TranslateResult
	ec     *ExecutionContext
	logger *slog.Logger

	cleanupMu sync.Mutex
	cleanups  []string // LIFO

	exited   atomic.Bool
	exitTime atomic.Int64
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newQueryExecutor(m *Manager, id types.RuleID, tr *translator.TranslateResult) *QueryExecutor {
	return &QueryExecutor{
		m:      m,
		id:     id,
		tr:     tr,
		ec:     NewExecutionContext(id),
		logger: m.logger.With("rule_id", id),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// TranslateResult returns the compiled rule.
func (x *QueryExecutor) TranslateResult() *translator.TranslateResult {
	return x.tr
}

// Context returns the variable bindings.
func (x *QueryExecutor) Context() *ExecutionContext {
	return x.ec
}

// IsExited reports whether no further checks will be scheduled.
func (x *QueryExecutor) IsExited() bool {
	return x.exited.Load()
}

// ExitTime returns when the executor exited, or zero.
func (x *QueryExecutor) ExitTime() time.Time {
	ms := x.exitTime.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Stop asks the executor to exit; a check already running still completes.
func (x *QueryExecutor) Stop() {
	x.exit()
	x.stopOnce.Do(func() { close(x.stopCh) })
}

func (x *QueryExecutor) exit() {
	if x.exited.CompareAndSwap(false, true) {
		x.exitTime.Store(x.m.now().UnixMilli())
		x.logger.Debug("Rule executor exited")
	}
}

// ============================================================================
// 排程
// ============================================================================

func (x *QueryExecutor) run() {
	defer close(x.done)
	sched := x.tr.Schedule

	if wait := sched.StartTime - x.m.now().UnixMilli(); wait > 0 {
		if !x.sleep(time.Duration(wait) * time.Millisecond) {
			return
		}
	}
	// 一次性規則只有在檢查未完成時才會回到這裡，以重試間隔等待
	interval := sched.Every
	if interval <= 0 {
		interval = x.m.cfg.RetryInterval
	}
	for {
		x.check()
		if x.IsExited() {
			return
		}
		if !x.sleep(interval) {
			return
		}
	}
}

// sleep 返回 false 表示在等待期間被停止
func (x *QueryExecutor) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return !x.IsExited()
	case <-x.stopCh:
		return false
	}
}

// ============================================================================
// 單輪檢查
// ============================================================================

// check runs one cycle and returns the commands it enqueued.
func (x *QueryExecutor) check() []types.CommandInfo {
	if x.IsExited() {
		return nil
	}
	if x.m.IsClosed() {
		x.exit()
		return nil
	}
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), x.m.cfg.CheckTimeout)
	defer cancel()
	ctx, span := telemetry.Tracer("smart-tier/rule").Start(ctx, "rule.cycle")
	defer span.End()
	span.SetAttributes(attribute.Int64("rule_id", int64(x.id)))

	info, err := x.m.store.GetRule(ctx, x.id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			x.exit()
		}
		x.logger.Error("Failed to load rule", "error", err)
		x.m.metrics.RecordRuleCycle("error", time.Since(start))
		return nil
	}
	if info.State.Terminal() {
		x.exit()
		return nil
	}

	now := x.ec.Now(x.m.now)
	if x.tr.Schedule.Expired(now) {
		x.logger.Info("Rule time window passed")
		x.m.finishRule(ctx, x.id, now)
		x.exit()
		return nil
	}

	result := "ok"
	paths, err := x.ExecuteQuery(ctx)
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var se *store.StatementError
		if errors.As(err, &se) {
			x.logger.Error("Rule query failed", "statement", se.Statement, "error", se.Err)
		} else {
			x.logger.Error("Rule query failed", "error", err)
		}
	}

	var cmds []types.CommandInfo
	switch {
	case len(paths) == 0:
	case info.State == types.RuleDryRun:
		result = "dryrun"
		x.logger.Info("Dry run matched files", "count", len(paths), "action", x.tr.ActionType)
	default:
		cmds, err = x.generate(ctx, paths)
		if err != nil {
			result = "error"
			cmds = nil
			x.logger.Error("Failed to enqueue commands", "error", err)
		}
	}

	if err := x.m.store.UpdateRuleStats(ctx, x.id, now, 1, int64(len(cmds))); err != nil {
		x.logger.Error("Failed to update rule stats", "error", err)
	}
	if x.tr.Schedule.OneShot {
		x.m.finishRule(ctx, x.id, now)
		x.exit()
	}

	elapsed := time.Since(start)
	if elapsed > x.m.cfg.SlowCycle {
		x.logger.Warn("Rule check was slow", "duration", elapsed)
	}
	x.m.metrics.RecordRuleCycle(result, elapsed)
	x.m.metrics.RecordGenerated(len(cmds))
	span.SetAttributes(attribute.Int("commands", len(cmds)))
	return cmds
}

// generate 為每個路徑建立並入隊命令
func (x *QueryExecutor) generate(ctx context.Context, paths []string) ([]types.CommandInfo, error) {
	cmds, err := x.m.queue.NewCommands(x.id, x.tr.ActionType, x.tr.ActionParams, paths, x.m.now().UnixMilli())
	if err != nil {
		return nil, err
	}
	if _, err := x.m.queue.Enqueue(ctx, cmds); err != nil {
		return nil, err
	}
	return cmds, nil
}

// ExecuteQuery runs the statements in order and returns the paths produced
// by the statement at RetIndex. The cleanup stack is drained before it
// returns, whatever happened.
func (x *QueryExecutor) ExecuteQuery(ctx context.Context) ([]string, error) {
	defer x.drainCleanups()

	var paths []string
	for i, tmpl := range x.tr.Statements {
		stmt, err := x.expand(ctx, tmpl)
		if err != nil {
			return nil, err
		}
		x.logger.Debug("Rule statement", "index", i, "sql", stmt)
		if i == x.tr.RetIndex {
			paths, err = x.m.store.QueryFilePaths(ctx, stmt)
		} else {
			err = x.m.store.Execute(ctx, stmt)
		}
		if err != nil {
			return nil, err
		}
	}
	return paths, nil
}

// PushCleanup schedules stmt to run at the end of the current check.
func (x *QueryExecutor) PushCleanup(stmt string) {
	x.cleanupMu.Lock()
	x.cleanups = append(x.cleanups, stmt)
	x.cleanupMu.Unlock()
}

// drainCleanups 以後進先出順序執行；使用獨立 context，本輪逾時也會執行
func (x *QueryExecutor) drainCleanups() {
	x.cleanupMu.Lock()
	stmts := x.cleanups
	x.cleanups = nil
	x.cleanupMu.Unlock()
	if len(stmts) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for i := len(stmts) - 1; i >= 0; i-- {
		if err := x.m.store.Execute(ctx, stmts[i]); err != nil {
			x.logger.Error("Cleanup statement failed", "statement", stmts[i], "error", err)
		}
	}
}

// ============================================================================
// 模板展開
// ============================================================================

func (x *QueryExecutor) expand(ctx context.Context, tmpl string) (string, error) {
	s, err := x.ExpandFunctions(ctx, tmpl)
	if err != nil {
		return "", err
	}
	return x.ExpandVariables(s)
}

// ExpandFunctions replaces every $@name(group) with the output of the
// registered function. "$$" is left for ExpandVariables.
func (x *QueryExecutor) ExpandFunctions(ctx context.Context, s string) (string, error) {
	return replaceAll(callPattern, s, func(m []string) (string, error) {
		if m[0] == "$$" {
			return m[0], nil
		}
		fn, ok := x.m.function(m[1])
		if !ok {
			return "", fmt.Errorf("%w: unknown function %q", ErrTemplate, m[1])
		}
		var call translator.Call
		if m[2] != "" {
			if call, ok = x.tr.Call(m[2]); !ok {
				return "", fmt.Errorf("%w: unknown parameter group %q", ErrTemplate, m[2])
			}
		}
		return fn(ctx, x, call)
	})
}

// ExpandVariables replaces every $name from the ExecutionContext and turns
// "$$" into "$".
func (x *QueryExecutor) ExpandVariables(s string) (string, error) {
	return replaceAll(varPattern, s, func(m []string) (string, error) {
		if m[0] == "$$" {
			return "$", nil
		}
		v, ok := x.ec.Lookup(m[1], x.m.now)
		if !ok {
			return "", fmt.Errorf("%w: unbound variable $%s", ErrTemplate, m[1])
		}
		return v, nil
	})
}

// replaceAll is regexp.ReplaceAllStringFunc with submatches and errors.
func replaceAll(re *regexp.Regexp, s string, fn func([]string) (string, error)) (string, error) {
	idx := re.FindAllStringSubmatchIndex(s, -1)
	if len(idx) == 0 {
		return s, nil
	}
	out := make([]byte, 0, len(s))
	last := 0
	for _, loc := range idx {
		groups := make([]string, len(loc)/2)
		for g := range groups {
			if loc[2*g] >= 0 {
				groups[g] = s[loc[2*g]:loc[2*g+1]]
			}
		}
		rep, err := fn(groups)
		if err != nil {
			return "", err
		}
		out = append(out, s[last:loc[0]]...)
		out = append(out, rep...)
		last = loc[1]
	}
	out = append(out, s[last:]...)
	return string(out), nil
}
