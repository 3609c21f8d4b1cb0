// ============================================================================
// smart-tier 命令佇列 - 命令狀態機實現
// ============================================================================
//
// Package: internal/command
// 文件: queue.go
// 功能: 持久化規則產生的命令，並維護其狀態轉換
//
// 命令狀態轉換 (State Machine):
//   PENDING (待處理)
//      ↓ Claim()：條件式 UPDATE ... WHERE state = 'PENDING'
//   RUNNING (執行中)
//      ↓ Complete()
//   DONE (完成) / FAILED (失敗)
//
// 狀態只能前進，不會回退。store 是唯一的真實來源，
// Queue 本身只保存下一個命令 id。
//
// ============================================================================

package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/smart-tier/internal/metrics"
	"github.com/ChuLiYu/smart-tier/internal/store"
	"github.com/ChuLiYu/smart-tier/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrInvalidTransition 狀態轉換不在轉換表中
	ErrInvalidTransition = errors.New("command: invalid state transition")
)

// transitions 合法的狀態轉換表
var transitions = map[types.CommandState][]types.CommandState{
	types.CommandPending: {types.CommandRunning},
	types.CommandRunning: {types.CommandDone, types.CommandFailed},
}

// ValidateTransition 檢查 from -> to 是否為合法轉換
func ValidateTransition(from, to types.CommandState) error {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Queue 命令佇列
type Queue struct {
	store   *store.Store
	metrics *metrics.Collector
	logger  *slog.Logger
	nextID  atomic.Int64
	now     func() time.Time
}

// NewQueue 建立佇列，命令 id 從 store 中最大 id 之後開始分配
func NewQueue(ctx context.Context, st *store.Store, m *metrics.Collector, logger *slog.Logger) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	maxID, err := st.MaxCommandID(ctx)
	if err != nil {
		return nil, fmt.Errorf("command: load max id: %w", err)
	}
	q := &Queue{
		store:   st,
		metrics: m,
		logger:  logger.With("component", "command-queue"),
		now:     time.Now,
	}
	q.nextID.Store(int64(maxID))
	return q, nil
}

// NewCommands 為每個匹配路徑建立一個 PENDING 命令
// 所有命令共用 genTime，參數為 params 加上 _FILE_PATH_
func (q *Queue) NewCommands(rule types.RuleID, actionType string, params map[string]string, paths []string, genTime int64) ([]types.CommandInfo, error) {
	cmds := make([]types.CommandInfo, 0, len(paths))
	for _, p := range paths {
		stamped := make(map[string]string, len(params)+1)
		for k, v := range params {
			stamped[k] = v
		}
		stamped[types.FilePathKey] = p
		raw, err := json.Marshal(stamped)
		if err != nil {
			return nil, fmt.Errorf("command: encode parameters: %w", err)
		}
		cmds = append(cmds, types.CommandInfo{
			ID:               types.CommandID(q.nextID.Add(1)),
			RuleID:           rule,
			ActionType:       actionType,
			State:            types.CommandPending,
			Parameters:       string(raw),
			GenerateTime:     genTime,
			StateChangedTime: genTime,
		})
	}
	return cmds, nil
}

// Enqueue 持久化 PENDING 命令；同一 id 重複入隊不會產生重複資料
func (q *Queue) Enqueue(ctx context.Context, cmds []types.CommandInfo) (int, error) {
	for _, c := range cmds {
		if c.State != types.CommandPending {
			return 0, fmt.Errorf("command %d: enqueue in state %s: %w", c.ID, c.State, ErrInvalidTransition)
		}
	}
	n, err := q.store.InsertCommands(ctx, cmds)
	if err != nil {
		return 0, err
	}
	q.metrics.RecordEnqueue(n)
	if n > 0 {
		q.logger.Debug("Commands enqueued", "count", n)
	}
	return n, nil
}

// Claim 將最多 limit 個最舊的 PENDING 命令轉為 RUNNING
func (q *Queue) Claim(ctx context.Context, limit int) ([]types.CommandInfo, error) {
	return q.store.ClaimPendingCommands(ctx, limit, q.now().UnixMilli())
}

// Complete 寫入終態；只有 RUNNING 命令可以完成
func (q *Queue) Complete(ctx context.Context, id types.CommandID, state types.CommandState, result, log string) error {
	if err := ValidateTransition(types.CommandRunning, state); err != nil {
		return err
	}
	if err := q.store.FinishCommand(ctx, id, state, result, log, q.now().UnixMilli()); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
		}
		return err
	}
	return nil
}

// Get 讀取單一命令
func (q *Queue) Get(ctx context.Context, id types.CommandID) (types.CommandInfo, error) {
	return q.store.GetCommand(ctx, id)
}

// List 依條件列出命令
func (q *Queue) List(ctx context.Context, f store.CommandFilter) ([]types.CommandInfo, error) {
	return q.store.ListCommands(ctx, f)
}

// Stats 返回各狀態的命令數量
func (q *Queue) Stats(ctx context.Context) (map[types.CommandState]int, error) {
	return q.store.CountCommandsByState(ctx)
}

// ReconcileStale 將執行超過 olderThan 的 RUNNING 命令標記為 FAILED
// 用於執行器崩潰後留下的命令
func (q *Queue) ReconcileStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := q.now()
	n, err := q.store.FailStaleRunning(ctx, now.Add(-olderThan).UnixMilli(), now.UnixMilli(),
		fmt.Sprintf("marked FAILED at %s: no result after %s", now.Format(time.RFC3339), olderThan))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Warn("Stale running commands failed", "count", n, "older_than", olderThan)
	}
	return n, nil
}

// DropPending 刪除規則尚未執行的命令
func (q *Queue) DropPending(ctx context.Context, rule types.RuleID) (int64, error) {
	return q.store.DeletePendingCommands(ctx, rule)
}

// DecodeParameters 解析命令的 JSON 參數
func DecodeParameters(raw string) (map[string]string, error) {
	params := map[string]string{}
	if raw == "" {
		return params, nil
	}
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, fmt.Errorf("command: decode parameters: %w", err)
	}
	return params, nil
}
