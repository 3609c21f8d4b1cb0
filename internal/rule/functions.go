package rule

import (
	"context"
	"fmt"
	"time"

	"github.com/ChuLiYu/smart-tier/internal/rule/translator"
	"github.com/ChuLiYu/smart-tier/internal/store"
	"github.com/ChuLiYu/smart-tier/pkg/types"
)

// Function expands one $@name(group) placeholder into SQL. It may push
// statements onto the executor's cleanup stack.
type Function func(ctx context.Context, x *QueryExecutor, call translator.Call) (string, error)

// TableSource lists the access count tables covering a look-back window.
// Tables with IsView set are transient and must be dropped by the caller.
type TableSource interface {
	TablesInLast(ctx context.Context, interval time.Duration) ([]types.AccessCountTable, error)
}

func builtinFunctions() map[string]Function {
	return map[string]Function{
		translator.FuncVirtualAccessCount: genVirtualAccessCountTable,
	}
}

// genVirtualAccessCountTable 建立 call.Table，內容為回看區間內每個 fid 的存取次數總和
//
//	0 張表 → 複製空白表
//	1 張表 → 直接選取（有過濾條件時仍聚合）
//	多張表 → UNION ALL 後 GROUP BY fid
func genVirtualAccessCountTable(ctx context.Context, x *QueryExecutor, call translator.Call) (string, error) {
	table, err := x.ExpandVariables(call.Table)
	if err != nil {
		return "", err
	}
	quoted, err := store.QuoteIdentifier(table)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplate, err)
	}

	var names []string
	if x.m.tables != nil {
		tables, err := x.m.tables.TablesInLast(ctx, call.Interval)
		if err != nil {
			// 視為沒有存取記錄，本輪照常執行
			x.logger.Error("Failed to list access count tables", "interval", call.Interval, "error", err)
		}
		for _, t := range tables {
			names = append(names, t.Name)
			if t.IsView {
				x.PushCleanup(`DROP VIEW IF EXISTS "` + t.Name + `"`)
			}
		}
	}
	x.PushCleanup("DROP TABLE IF EXISTS " + quoted)
	x.logger.Debug("Access count tables resolved", "interval", call.Interval, "tables", len(names))

	query, err := store.SumCountsQuery(names, call.CountFilter)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplate, err)
	}
	return "CREATE TABLE " + quoted + " AS " + query, nil
}
