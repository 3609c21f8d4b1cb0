package states

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/smart-tier/internal/dfs"
	"github.com/ChuLiYu/smart-tier/internal/metrics"
	"github.com/ChuLiYu/smart-tier/internal/store"
	"github.com/ChuLiYu/smart-tier/internal/testutil"
	"github.com/ChuLiYu/smart-tier/pkg/types"
)

func newTestPoller(t *testing.T, cfg Config) (*Poller, *store.Store, *dfs.Memory) {
	t.Helper()
	st := testutil.NewSQLiteStore(t)
	fs := dfs.NewMemory(dfs.MemoryConfig{BlockSize: 4, Replication: 3})
	p := NewPoller(cfg, st, fs, metrics.NewCollector(prometheus.NewRegistry()), testutil.TestLogger())
	return p, st, fs
}

// pinClock 固定輪詢器時鐘並把下一張表的起點設在 start
func pinClock(p *Poller, now time.Time, start time.Time) {
	p.now = func() time.Time { return now }
	p.accessStart = start.UnixMilli()
}

func bucketCount(t *testing.T, st *store.Store, table string, fid int64) int64 {
	t.Helper()
	q, err := store.QuoteIdentifier(table)
	require.NoError(t, err)
	var n int64
	require.NoError(t, st.DB().QueryRow(`SELECT count FROM `+q+` WHERE fid = ?`, fid).Scan(&n))
	return n
}

func TestBootstrapAndNamespaceEvents(t *testing.T) {
	p, st, fs := newTestPoller(t, Config{})
	ctx := context.Background()

	require.NoError(t, fs.WriteFile(ctx, "/a/x", []byte("12345678")))
	require.NoError(t, fs.WriteFile(ctx, "/a/y", []byte("1")))

	n, err := p.Bootstrap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n) // "/", "/a", "/a/x", "/a/y"

	x, err := st.GetFile(ctx, "/a/x")
	require.NoError(t, err)
	assert.Equal(t, int64(8), x.Length)
	assert.Equal(t, "HOT", x.StoragePolicy)

	// bootstrap 之前的事件已被丟棄
	applied, err := p.PollNamespace(ctx)
	require.NoError(t, err)
	assert.Zero(t, applied)

	require.NoError(t, fs.WriteFile(ctx, "/b/z", []byte("zz")))
	require.NoError(t, fs.Rename(ctx, "/a", "/c"))
	require.NoError(t, fs.Delete(ctx, "/c/y"))
	require.NoError(t, fs.WriteFile(ctx, "/c/x", []byte("123")))

	applied, err = p.PollNamespace(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, applied)

	_, err = st.GetFile(ctx, "/a/x")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetFile(ctx, "/c/y")
	assert.ErrorIs(t, err, store.ErrNotFound)
	cx, err := st.GetFile(ctx, "/c/x")
	require.NoError(t, err)
	assert.Equal(t, x.FileID, cx.FileID)
	assert.Equal(t, int64(3), cx.Length)
	_, err = st.GetFile(ctx, "/b/z")
	assert.NoError(t, err)
}

func TestCreateEventForVanishedFile(t *testing.T) {
	p, st, fs := newTestPoller(t, Config{})
	ctx := context.Background()

	require.NoError(t, fs.WriteFile(ctx, "/tmp/f", []byte("x")))
	_, err := p.PollNamespace(ctx)
	require.NoError(t, err)
	require.NoError(t, fs.Delete(ctx, "/tmp/f"))
	require.NoError(t, fs.WriteFile(ctx, "/tmp/g", []byte("x")))
	require.NoError(t, fs.Delete(ctx, "/tmp/g"))

	_, err = p.PollNamespace(ctx)
	require.NoError(t, err)
	_, err = st.GetFile(ctx, "/tmp/f")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetFile(ctx, "/tmp/g")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPollAccess(t *testing.T) {
	p, st, fs := newTestPoller(t, Config{})
	ctx := context.Background()

	require.NoError(t, fs.WriteFile(ctx, "/d/x", []byte("x")))
	require.NoError(t, fs.WriteFile(ctx, "/d/y", []byte("y")))
	_, err := p.Bootstrap(ctx)
	require.NoError(t, err)
	// 尚未同步進 files 表的檔案
	require.NoError(t, fs.WriteFile(ctx, "/d/late", []byte("z")))

	start := time.Now().Add(-5 * time.Second)
	now := time.Now()
	pinClock(p, now, start)

	for i := 0; i < 3; i++ {
		fs.RecordAccess("/d/x", now)
	}
	fs.RecordAccess("/d/y", now)
	fs.RecordAccess("/d/late", now)
	fs.RecordAccess("/missing", now)

	table, ok, err := p.PollAccess(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, start.UnixMilli(), table.StartTime)
	assert.Equal(t, now.UnixMilli(), table.EndTime)

	x, _ := st.GetFile(ctx, "/d/x")
	y, _ := st.GetFile(ctx, "/d/y")
	late, err := st.GetFile(ctx, "/d/late")
	require.NoError(t, err)
	assert.Equal(t, int64(3), bucketCount(t, st, table.Name, x.FileID))
	assert.Equal(t, int64(1), bucketCount(t, st, table.Name, y.FileID))
	assert.Equal(t, int64(1), bucketCount(t, st, table.Name, late.FileID))

	tables, err := st.ListAccessCountTables(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []types.AccessCountTable{table}, tables)

	// 沒有事件時不建表，起點照常推進
	later := now.Add(5 * time.Second)
	p.now = func() time.Time { return later }
	_, ok, err = p.PollAccess(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, later.UnixMilli(), p.accessStart)
}

func TestTablesInLast(t *testing.T) {
	p, st, _ := newTestPoller(t, Config{})
	ctx := context.Background()
	now := time.Now()
	p.now = func() time.Time { return now }

	mk := func(from, to time.Duration, counts map[int64]int64) types.AccessCountTable {
		tb := types.AccessCountTable{
			Name:      "access_" + itoa(now.Add(-from).UnixMilli()),
			StartTime: now.Add(-from).UnixMilli(),
			EndTime:   now.Add(-to).UnixMilli(),
		}
		require.NoError(t, st.CreateAccessCountBucket(ctx, tb, counts))
		return tb
	}
	old := mk(30*time.Minute, 20*time.Minute, map[int64]int64{1: 10})
	recent := mk(10*time.Minute, 0, map[int64]int64{1: 1, 2: 4})

	got, err := p.TablesInLast(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []types.AccessCountTable{recent}, got)

	got, err = p.TablesInLast(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []types.AccessCountTable{old, recent}, got)

	got, err = p.TablesInLast(ctx, 25*time.Minute)
	require.NoError(t, err)
	require.Len(t, got, 2)
	view := got[0]
	assert.True(t, view.IsView)
	assert.NotEqual(t, old.Name, view.Name)
	assert.Equal(t, now.Add(-25*time.Minute).UnixMilli(), view.StartTime)
	assert.Equal(t, int64(5), bucketCount(t, st, view.Name, 1))
	assert.Equal(t, recent, got[1])

	// 每次呼叫產生不同的視圖名稱
	again, err := p.TablesInLast(ctx, 25*time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, view.Name, again[0].Name)

	require.NoError(t, st.DropView(ctx, view.Name))
	require.NoError(t, st.DropView(ctx, again[0].Name))

	// 視圖不會被登記
	tables, err := st.ListAccessCountTables(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, tables, 2)
}

func TestCompactAndRetain(t *testing.T) {
	p, st, _ := newTestPoller(t, Config{AggregateAfter: time.Hour, Retention: 6 * time.Hour})
	ctx := context.Background()
	now := time.Now()
	p.now = func() time.Time { return now }

	var fine []types.AccessCountTable
	for i, ago := range []time.Duration{3 * time.Hour, 2*time.Hour + 50*time.Minute, 2*time.Hour + 40*time.Minute} {
		tb := types.AccessCountTable{
			Name:      "access_" + itoa(now.Add(-ago).UnixMilli()),
			StartTime: now.Add(-ago).UnixMilli(),
			EndTime:   now.Add(-ago + 10*time.Minute).UnixMilli(),
		}
		require.NoError(t, st.CreateAccessCountBucket(ctx, tb, map[int64]int64{7: int64(i + 1)}))
		fine = append(fine, tb)
	}
	fresh := types.AccessCountTable{
		Name:      "access_" + itoa(now.Add(-10*time.Minute).UnixMilli()),
		StartTime: now.Add(-10 * time.Minute).UnixMilli(),
		EndTime:   now.UnixMilli(),
	}
	require.NoError(t, st.CreateAccessCountBucket(ctx, fresh, map[int64]int64{7: 100}))

	merged, err := p.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, merged)

	tables, err := st.ListAccessCountTables(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, tables, 2)
	coarse := tables[0]
	assert.Equal(t, fine[0].StartTime, coarse.StartTime)
	assert.Equal(t, fine[2].EndTime, coarse.EndTime)
	assert.Equal(t, int64(6), bucketCount(t, st, coarse.Name, 7))
	assert.Equal(t, fresh, tables[1])

	// 合併後的表不會再被合併
	merged, err = p.Compact(ctx)
	require.NoError(t, err)
	assert.Zero(t, merged)

	dropped, err := p.Retain(ctx)
	require.NoError(t, err)
	assert.Zero(t, dropped)

	p.cfg.Retention = 2 * time.Hour
	dropped, err = p.Retain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)

	tables, err = st.ListAccessCountTables(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []types.AccessCountTable{fresh}, tables)
}

// TestScaledViewKeepsSource tests that maintenance leaves a table alone while a scaled view reads it
func TestScaledViewKeepsSource(t *testing.T) {
	p, st, _ := newTestPoller(t, Config{AggregateAfter: time.Hour, Retention: 2 * time.Hour})
	ctx := context.Background()
	now := time.Now()
	p.now = func() time.Time { return now }

	var fine []types.AccessCountTable
	for i, ago := range []time.Duration{3 * time.Hour, 2*time.Hour + 50*time.Minute, 2*time.Hour + 40*time.Minute} {
		tb := types.AccessCountTable{
			Name:      "access_" + itoa(now.Add(-ago).UnixMilli()),
			StartTime: now.Add(-ago).UnixMilli(),
			EndTime:   now.Add(-ago + 10*time.Minute).UnixMilli(),
		}
		require.NoError(t, st.CreateAccessCountBucket(ctx, tb, map[int64]int64{7: int64(i + 1)}))
		fine = append(fine, tb)
	}

	got, err := p.TablesInLast(ctx, 2*time.Hour+45*time.Minute)
	require.NoError(t, err)
	require.Len(t, got, 2)
	view := got[0]
	require.True(t, view.IsView)

	// fine[1] 被視圖引用，合併只能停在它之前
	merged, err := p.Compact(ctx)
	require.NoError(t, err)
	assert.Zero(t, merged)

	dropped, err := p.Retain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, dropped)
	assert.Equal(t, int64(1), bucketCount(t, st, view.Name, 7), "view still readable")

	tables, err := st.ListAccessCountTables(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []types.AccessCountTable{fine[1]}, tables)

	require.NoError(t, st.DropView(ctx, view.Name))
	dropped, err = p.Retain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)
	assert.Empty(t, p.views)
}

func TestIsFineBucket(t *testing.T) {
	assert.True(t, isFineBucket("access_1700000000000"))
	assert.False(t, isFineBucket("access_1_2"))
	assert.False(t, isFineBucket("access_"))
	assert.False(t, isFineBucket("blank_access_count_info"))
}

func TestPollerLoops(t *testing.T) {
	p, st, fs := newTestPoller(t, Config{
		AccessInterval:      20 * time.Millisecond,
		NamespaceInterval:   10 * time.Millisecond,
		MaintenanceInterval: 50 * time.Millisecond,
	})
	ctx := context.Background()
	require.NoError(t, fs.WriteFile(ctx, "/hot", []byte("h")))

	require.NoError(t, p.Start(ctx))
	defer p.Stop()
	assert.Error(t, p.Start(ctx))

	require.NoError(t, fs.WriteFile(ctx, "/new", []byte("n")))
	require.Eventually(t, func() bool {
		_, err := st.GetFile(ctx, "/new")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	fs.RecordAccess("/hot", time.Now())
	require.Eventually(t, func() bool {
		tables, err := p.TablesInLast(ctx, time.Hour)
		return err == nil && len(tables) == 1
	}, 5*time.Second, 10*time.Millisecond)

	p.Stop()
	p.Stop()
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
