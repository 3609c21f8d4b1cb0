package mover

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/smart-tier/internal/dfs"
	"github.com/ChuLiYu/smart-tier/internal/metrics"
)

func newTestPool(t *testing.T, fs dfs.Client, cfg Config) *Pool {
	t.Helper()
	p, err := NewPool(cfg, fs, metrics.NewCollector(nil), nil)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func waitDone(t *testing.T, p *Pool, id string) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	snap, err := p.Wait(ctx, id)
	require.NoError(t, err)
	return snap
}

func replicasOf(t *testing.T, fs dfs.Client, p string) []dfs.StorageType {
	t.Helper()
	blocks, err := fs.GetBlockLocations(context.Background(), p)
	require.NoError(t, err)
	var out []dfs.StorageType
	for _, b := range blocks {
		out = append(out, b.Replicas...)
	}
	return out
}

// TestParallelMovers tests two movers on disjoint paths finishing independently
func TestParallelMovers(t *testing.T) {
	ctx := context.Background()
	fs := dfs.NewMemory(dfs.MemoryConfig{BlockSize: 8, Replication: 3})
	require.NoError(t, fs.Mkdirs(ctx, "/par"))
	require.NoError(t, fs.SetStoragePolicy(ctx, "/par", dfs.PolicyHot))
	require.NoError(t, fs.WriteFile(ctx, "/par/file1", []byte("testParallelMovers1")))
	require.NoError(t, fs.WriteFile(ctx, "/par/file2", []byte("testParallelMovers2")))

	require.NoError(t, fs.SetStoragePolicy(ctx, "/par/file1", dfs.PolicyCold))
	require.NoError(t, fs.SetStoragePolicy(ctx, "/par/file2", dfs.PolicyAllSSD))

	p := newTestPool(t, fs, Config{Workers: 2})
	id1, err := p.Submit("/par/file1")
	require.NoError(t, err)
	id2, err := p.Submit("/par/file2")
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	st1, ok := p.Status(id1)
	require.True(t, ok)

	s1 := waitDone(t, p, id1)
	s2 := waitDone(t, p, id2)
	for _, s := range []Snapshot{s1, s2} {
		assert.True(t, s.Finished)
		assert.True(t, s.Succeeded)
		assert.Equal(t, s.TotalBlocks, s.MovedBlocks)
		assert.Equal(t, 1.0, s.Percentage)
	}
	assert.True(t, st1.IsFinished(), "the live status reflects completion")

	for _, r := range replicasOf(t, fs, "/par/file1") {
		assert.Equal(t, dfs.Archive, r)
	}
	for _, r := range replicasOf(t, fs, "/par/file2") {
		assert.Equal(t, dfs.SSD, r)
	}

	require.NoError(t, p.Remove(id2))
	_, ok = p.Status(id2)
	assert.False(t, ok)
	assert.Len(t, p.List(), 1)
}

// TestStopAndRestartMovers tests cooperative stop and restart with the same id
func TestStopAndRestartMovers(t *testing.T) {
	ctx := context.Background()
	fs := dfs.NewMemory(dfs.MemoryConfig{BlockSize: 4, Replication: 3, MoveLatency: 10 * time.Millisecond})
	require.NoError(t, fs.Mkdirs(ctx, "/sr"))
	require.NoError(t, fs.WriteFile(ctx, "/sr/file1", []byte("testStopAndRestartMovers")))
	require.NoError(t, fs.SetStoragePolicy(ctx, "/sr", dfs.PolicyCold))

	p := newTestPool(t, fs, Config{Workers: 1, BatchSize: 1})
	id, err := p.Submit("/sr/file1")
	require.NoError(t, err)
	status, ok := p.Status(id)
	require.True(t, ok)

	time.Sleep(50 * time.Millisecond)
	require.True(t, p.Stop(id, 3*time.Second))
	assert.False(t, status.Succeeded())
	assert.False(t, status.IsFinished())
	assert.Less(t, status.MovedBlocks(), status.TotalBlocks())

	require.True(t, p.Restart(id))
	assert.False(t, p.Restart(id), "cannot restart a running task")

	snap := waitDone(t, p, id)
	assert.Equal(t, id, snap.ID)
	assert.True(t, status.IsFinished())
	assert.True(t, status.Succeeded())
	assert.Equal(t, int64(18), status.TotalBlocks(), "6 blocks x 3 replicas")
	assert.Equal(t, status.TotalBlocks(), status.MovedBlocks())
}

// TestConcurrentRestart tests that racing restarts of a stopped mover schedule it once
func TestConcurrentRestart(t *testing.T) {
	ctx := context.Background()
	fs := dfs.NewMemory(dfs.MemoryConfig{BlockSize: 4, Replication: 3, MoveLatency: 10 * time.Millisecond})
	require.NoError(t, fs.Mkdirs(ctx, "/cr"))
	require.NoError(t, fs.WriteFile(ctx, "/cr/file1", []byte("testConcurrentRestart")))
	require.NoError(t, fs.SetStoragePolicy(ctx, "/cr", dfs.PolicyCold))

	p := newTestPool(t, fs, Config{Workers: 4, BatchSize: 1})
	id, err := p.Submit("/cr/file1")
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	require.True(t, p.Stop(id, 3*time.Second))

	var wg sync.WaitGroup
	var restarted atomic.Int32
	start := make(chan struct{})
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if p.Restart(id) {
				restarted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	assert.Equal(t, int32(1), restarted.Load())

	snap := waitDone(t, p, id)
	assert.True(t, snap.Succeeded)
	for _, r := range replicasOf(t, fs, "/cr/file1") {
		assert.Equal(t, dfs.Archive, r)
	}
}

// TestMoverPercentage tests subtree totals and the percentage bound while running
func TestMoverPercentage(t *testing.T) {
	ctx := context.Background()
	fs := dfs.NewMemory(dfs.MemoryConfig{BlockSize: 20, Replication: 3, MoveLatency: 2 * time.Millisecond})
	require.NoError(t, fs.Mkdirs(ctx, "/pct/child"))
	require.NoError(t, fs.SetStoragePolicy(ctx, "/pct", dfs.PolicyHot))
	data1 := []byte("testParallelMovers1")                      // 1 block
	data2 := []byte("testParallelMovers212345678901234567890") // 2 blocks
	require.NoError(t, fs.WriteFile(ctx, "/pct/file1", data1))
	require.NoError(t, fs.WriteFile(ctx, "/pct/child/file2", data2))
	require.NoError(t, fs.SetStoragePolicy(ctx, "/pct", dfs.PolicyCold))

	p := newTestPool(t, fs, Config{Workers: 1, BatchSize: 1})
	id, err := p.Submit("/pct")
	require.NoError(t, err)
	status, _ := p.Status(id)

	last := 0.0
	for {
		snap := status.Snapshot()
		if snap.Finished {
			break
		}
		assert.GreaterOrEqual(t, snap.Percentage, last, "non-decreasing while running")
		assert.LessOrEqual(t, snap.Percentage, 0.99)
		last = snap.Percentage
		time.Sleep(time.Millisecond)
	}
	waitDone(t, p, id)

	assert.Equal(t, 1.0, status.Percentage())
	assert.Equal(t, int64(3*(len(data1)+len(data2))), status.TotalSize())
	assert.Equal(t, int64(3*(1+2)), status.TotalBlocks())
}

// TestMoverFault tests that a failed relocation reports finished without success
func TestMoverFault(t *testing.T) {
	ctx := context.Background()
	fs := dfs.NewMemory(dfs.MemoryConfig{BlockSize: 4, Replication: 2})
	require.NoError(t, fs.WriteFile(ctx, "/f/a", []byte("abcdefgh")))
	require.NoError(t, fs.SetStoragePolicy(ctx, "/f", dfs.PolicyAllSSD))
	fs.FailMoves("/f", errors.New("no SSD capacity"))

	p := newTestPool(t, fs, Config{Workers: 1})
	id, err := p.Submit("/f")
	require.NoError(t, err)

	snap := waitDone(t, p, id)
	assert.True(t, snap.Finished)
	assert.False(t, snap.Succeeded)
	assert.Less(t, snap.Percentage, 1.0)

	missing, err := p.Submit("/does/not/exist")
	require.NoError(t, err)
	snap = waitDone(t, p, missing)
	assert.True(t, snap.Finished)
	assert.False(t, snap.Succeeded)
}

// TestMoverAlreadyInPlace tests a path whose replicas already match its policy
func TestMoverAlreadyInPlace(t *testing.T) {
	ctx := context.Background()
	fs := dfs.NewMemory(dfs.MemoryConfig{BlockSize: 4, Replication: 1})
	require.NoError(t, fs.WriteFile(ctx, "/hot/a", []byte("abcd")))

	p := newTestPool(t, fs, Config{Workers: 1})
	id, err := p.Submit("/hot/a")
	require.NoError(t, err)

	snap := waitDone(t, p, id)
	assert.True(t, snap.Succeeded)
	assert.Equal(t, int64(1), snap.MovedBlocks)

	empty, err := p.Submit("/")
	require.NoError(t, err)
	assert.True(t, waitDone(t, p, empty).Succeeded)
}

// TestPoolErrors tests lookups of unknown ids and removal of running tasks
func TestPoolErrors(t *testing.T) {
	ctx := context.Background()
	fs := dfs.NewMemory(dfs.MemoryConfig{BlockSize: 1, Replication: 1, MoveLatency: 50 * time.Millisecond})
	require.NoError(t, fs.WriteFile(ctx, "/slow", []byte("0123456789")))
	require.NoError(t, fs.SetStoragePolicy(ctx, "/slow", dfs.PolicyCold))

	p := newTestPool(t, fs, Config{Workers: 1})

	_, err := p.Wait(ctx, "nope")
	assert.ErrorIs(t, err, ErrTaskNotFound)
	assert.ErrorIs(t, p.Remove("nope"), ErrTaskNotFound)
	assert.False(t, p.Stop("nope", time.Second))
	assert.False(t, p.Restart("nope"))

	id, err := p.Submit("/slow")
	require.NoError(t, err)
	assert.ErrorIs(t, p.Remove(id), ErrTaskRunning)
	assert.Equal(t, 1, p.Running())

	assert.True(t, p.Stop(id, 3*time.Second))
	assert.NoError(t, p.Remove(id))
}

// TestCloseStopsTasks tests that Close cancels running and queued movers
func TestCloseStopsTasks(t *testing.T) {
	ctx := context.Background()
	fs := dfs.NewMemory(dfs.MemoryConfig{BlockSize: 1, Replication: 1, MoveLatency: 20 * time.Millisecond})
	require.NoError(t, fs.WriteFile(ctx, "/c/a", []byte("0123456789")))
	require.NoError(t, fs.WriteFile(ctx, "/c/b", []byte("0123456789")))
	require.NoError(t, fs.SetStoragePolicy(ctx, "/c", dfs.PolicyCold))

	p, err := NewPool(Config{Workers: 1, BatchSize: 1}, fs, nil, nil)
	require.NoError(t, err)
	a, err := p.Submit("/c/a")
	require.NoError(t, err)
	b, err := p.Submit("/c/b")
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	p.Close()

	for _, id := range []string{a, b} {
		snap, err := p.Get(id)
		require.NoError(t, err)
		assert.False(t, snap.Running)
		assert.False(t, snap.Succeeded)
	}
	_, err = p.Submit("/c/a")
	assert.ErrorIs(t, err, ErrPoolClosed)
}
