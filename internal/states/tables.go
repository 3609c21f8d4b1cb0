package states

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ChuLiYu/smart-tier/internal/store"
	"github.com/ChuLiYu/smart-tier/pkg/types"
)

// TablesInLast returns the tables covering the last interval, oldest first.
// A table that starts before the window is replaced by a view scaling its
// counts by the share of its duration inside the window; views have IsView
// set and the caller must drop them. Until a view is dropped its source table
// is kept out of Compact and Retain.
func (p *Poller) TablesInLast(ctx context.Context, interval time.Duration) ([]types.AccessCountTable, error) {
	end := p.now().UnixMilli()
	start := end - interval.Milliseconds()

	p.tableMu.Lock()
	defer p.tableMu.Unlock()

	tables, err := p.store.ListAccessCountTables(ctx, start, 0)
	if err != nil {
		return nil, err
	}
	out := make([]types.AccessCountTable, 0, len(tables))
	var views []string
	for _, t := range tables {
		if t.StartTime >= start || t.Duration() <= 0 {
			out = append(out, t)
			continue
		}
		ratio := float64(t.EndTime-start) / float64(t.Duration())
		name := p.viewName(t.Name)
		if err := p.store.CreateScaledView(ctx, name, t.Name, ratio); err != nil {
			for _, v := range views {
				_ = p.store.DropView(ctx, v)
				delete(p.views, v)
			}
			return nil, fmt.Errorf("states: scale %s: %w", t.Name, err)
		}
		views = append(views, name)
		p.views[name] = t.Name
		out = append(out, types.AccessCountTable{Name: name, StartTime: start, EndTime: t.EndTime, IsView: true})
	}
	return out, nil
}

// viewName 產生唯一且合法的視圖名稱
func (p *Poller) viewName(source string) string {
	suffix := fmt.Sprintf("_v%d", p.viewSeq.Add(1))
	const maxLen = 63
	if len(source)+len(suffix) > maxLen {
		source = source[:maxLen-len(suffix)]
	}
	name := source + suffix
	if !store.ValidIdentifier(name) {
		name = "scaled" + suffix
	}
	return name
}

// pinnedSourcesLocked 返回仍被縮放視圖引用的來源表，同時清除已被刪除的視圖
func (p *Poller) pinnedSourcesLocked(ctx context.Context) (map[string]bool, error) {
	pinned := make(map[string]bool)
	for view, source := range p.views {
		ok, err := p.store.ViewExists(ctx, view)
		if err != nil {
			return nil, err
		}
		if !ok {
			delete(p.views, view)
			continue
		}
		pinned[source] = true
	}
	return pinned, nil
}

// Compact merges the single-interval tables that ended before
// aggregate_after into one table named access_<start>_<end>. It returns
// the number of tables merged.
func (p *Poller) Compact(ctx context.Context) (int, error) {
	if p.cfg.AggregateAfter <= 0 {
		return 0, nil
	}
	p.tableMu.Lock()
	defer p.tableMu.Unlock()

	cutoff := p.now().Add(-p.cfg.AggregateAfter).UnixMilli()
	tables, err := p.store.ListAccessCountTables(ctx, 0, cutoff)
	if err != nil {
		return 0, err
	}
	pinned, err := p.pinnedSourcesLocked(ctx)
	if err != nil {
		return 0, err
	}
	// 只合併第一張被引用表之前的連續區段，合併結果不會跨過仍在使用的表
	var fine []types.AccessCountTable
	for _, t := range tables {
		if pinned[t.Name] {
			break
		}
		if t.EndTime <= cutoff && !t.IsView && isFineBucket(t.Name) {
			fine = append(fine, t)
		}
	}
	if len(fine) < 2 {
		return 0, nil
	}

	target := types.AccessCountTable{
		Name:      fmt.Sprintf("access_%d_%d", fine[0].StartTime, fine[len(fine)-1].EndTime),
		StartTime: fine[0].StartTime,
		EndTime:   fine[len(fine)-1].EndTime,
	}
	sources := make([]string, len(fine))
	for i, t := range fine {
		sources[i] = t.Name
	}
	if err := p.store.MergeAccessCountTables(ctx, target, sources); err != nil {
		return 0, fmt.Errorf("states: compact: %w", err)
	}
	p.logger.Info("Access tables compacted", "target", target.Name, "merged", len(sources))
	p.updateTableGauge(ctx)
	return len(sources), nil
}

// isFineBucket 細粒度表名稱為 access_<startMs>，合併後的表為 access_<start>_<end>
func isFineBucket(name string) bool {
	rest, ok := strings.CutPrefix(name, "access_")
	return ok && rest != "" && !strings.Contains(rest, "_")
}

// Retain drops tables that ended before the retention window and returns
// how many were dropped.
func (p *Poller) Retain(ctx context.Context) (int, error) {
	if p.cfg.Retention <= 0 {
		return 0, nil
	}
	p.tableMu.Lock()
	defer p.tableMu.Unlock()

	cutoff := p.now().Add(-p.cfg.Retention).UnixMilli()
	tables, err := p.store.ListAccessCountTables(ctx, 0, cutoff)
	if err != nil {
		return 0, err
	}
	pinned, err := p.pinnedSourcesLocked(ctx)
	if err != nil {
		return 0, err
	}
	dropped := 0
	for _, t := range tables {
		if t.EndTime > cutoff || pinned[t.Name] {
			continue
		}
		if err := p.store.DropAccessCountTable(ctx, t.Name); err != nil {
			return dropped, fmt.Errorf("states: retain: %w", err)
		}
		dropped++
	}
	if dropped > 0 {
		p.logger.Info("Expired access tables dropped", "count", dropped)
		p.updateTableGauge(ctx)
	}
	return dropped, nil
}
