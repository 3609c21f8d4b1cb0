package dfs

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPolicyStorageTypes tests replica placement per policy
func TestPolicyStorageTypes(t *testing.T) {
	tests := []struct {
		policy Policy
		want   []StorageType
	}{
		{PolicyHot, []StorageType{Disk, Disk, Disk}},
		{PolicyAllSSD, []StorageType{SSD, SSD, SSD}},
		{PolicyOneSSD, []StorageType{SSD, Disk, Disk}},
		{PolicyWarm, []StorageType{Disk, Archive, Archive}},
		{PolicyCold, []StorageType{Archive, Archive, Archive}},
		{PolicyLazyPersist, []StorageType{RAMDisk, Disk, Disk}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.policy.StorageTypes(3), tt.policy)
	}
	assert.Nil(t, PolicyHot.StorageTypes(0))

	p, err := ParsePolicy("all_ssd")
	require.NoError(t, err)
	assert.Equal(t, PolicyAllSSD, p)
	_, err = ParsePolicy("LUKEWARM")
	assert.ErrorIs(t, err, ErrUnknownPolicy)
}

// TestMemoryLayoutAndMoves tests block layout, policy inheritance and relocation
func TestMemoryLayoutAndMoves(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(MemoryConfig{BlockSize: 4, Replication: 2})

	require.NoError(t, m.Mkdirs(ctx, "/cold"))
	require.NoError(t, m.SetStoragePolicy(ctx, "/cold", PolicyCold))
	require.NoError(t, m.WriteFile(ctx, "/cold/a", []byte("0123456789")))

	blocks, err := m.GetBlockLocations(ctx, "/cold/a")
	require.NoError(t, err)
	require.Len(t, blocks, 3)
	assert.Equal(t, int64(2), blocks[2].Length)
	assert.Equal(t, []StorageType{Archive, Archive}, blocks[0].Replicas, "inherits the directory policy")

	pol, err := m.GetStoragePolicy(ctx, "/cold/a")
	require.NoError(t, err)
	assert.Equal(t, PolicyCold, pol)

	require.NoError(t, m.MoveReplica(ctx, "/cold/a", 1, 0, SSD))
	blocks, err = m.GetBlockLocations(ctx, "/cold/a")
	require.NoError(t, err)
	assert.Equal(t, []StorageType{SSD, Archive}, blocks[1].Replicas)

	assert.Error(t, m.MoveReplica(ctx, "/cold/a", 5, 0, SSD))

	m.FailMoves("/cold", errors.New("datanode down"))
	assert.Error(t, m.MoveReplica(ctx, "/cold/a", 0, 0, SSD))
	m.FailMoves("/cold", nil)
	assert.NoError(t, m.MoveReplica(ctx, "/cold/a", 0, 0, SSD))
}

// TestMemoryMoveHonoursContext tests that a slow relocation stops on cancel
func TestMemoryMoveHonoursContext(t *testing.T) {
	m := NewMemory(MemoryConfig{BlockSize: 4, MoveLatency: time.Second})
	require.NoError(t, m.WriteFile(context.Background(), "/a", []byte("abcd")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.MoveReplica(ctx, "/a", 0, 0, SSD)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestMemoryNamespaceEvents tests the event stream the states poller drains
func TestMemoryNamespaceEvents(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(MemoryConfig{})
	_, _ = m.FetchNamespaceEvents(ctx)

	require.NoError(t, m.WriteFile(ctx, "/d/a", []byte("x")))
	require.NoError(t, m.WriteFile(ctx, "/d/a", []byte("xy")))
	require.NoError(t, m.Rename(ctx, "/d", "/e"))
	require.NoError(t, m.Delete(ctx, "/e/a"))

	events, err := m.FetchNamespaceEvents(ctx)
	require.NoError(t, err)
	ops := make([]NamespaceOp, len(events))
	for i, ev := range events {
		ops[i] = ev.Op
	}
	assert.Equal(t, []NamespaceOp{OpCreate, OpCreate, OpModify, OpRename, OpDelete}, ops)
	assert.Equal(t, "/e", events[3].NewPath)

	again, err := m.FetchNamespaceEvents(ctx)
	require.NoError(t, err)
	assert.Empty(t, again, "events are drained")

	ok, err := m.Exists(ctx, "/e")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Error(t, m.Rename(ctx, "/e", "/e/inner"))
}

// TestMemoryOpenRecordsAccess tests read access tracking and the writer path
func TestMemoryOpenRecordsAccess(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(MemoryConfig{})

	w, err := m.Create(ctx, "/a", false)
	require.NoError(t, err)
	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = m.Create(ctx, "/a", false)
	assert.ErrorIs(t, err, ErrExist)

	r, err := m.Open(ctx, "/a")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	events, err := m.FetchAccessEvents(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "/a", events[0].Path)

	require.NoError(t, m.AddCacheDirective(ctx, "/a"))
	cached, _ := m.IsCached(ctx, "/a")
	assert.True(t, cached)
	require.NoError(t, m.RemoveCacheDirective(ctx, "/a"))
	cached, _ = m.IsCached(ctx, "/a")
	assert.False(t, cached)
}

// TestWalk tests recursive traversal order
func TestWalk(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(MemoryConfig{})
	require.NoError(t, m.WriteFile(ctx, "/t/a", []byte("1")))
	require.NoError(t, m.WriteFile(ctx, "/t/sub/b", []byte("2")))

	var seen []string
	require.NoError(t, Walk(ctx, m, "/t", func(st FileStatus) error {
		seen = append(seen, st.Path)
		return nil
	}))
	assert.Equal(t, []string{"/t", "/t/a", "/t/sub", "/t/sub/b"}, seen)
}

// ============================================================================
// Local
// ============================================================================

func writeLocal(t *testing.T, l *Local, p, data string) {
	t.Helper()
	w, err := l.Create(context.Background(), p, true)
	require.NoError(t, err)
	_, err = io.WriteString(w, data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

// TestLocalTiers tests that files live in the tier of their policy and move between tiers
func TestLocalTiers(t *testing.T) {
	ctx := context.Background()
	l, err := NewLocal(ctx, LocalConfig{Root: t.TempDir(), BlockSize: 4}, nil)
	require.NoError(t, err)
	defer l.Close()

	writeLocal(t, l, "/data/a", "0123456789")

	st, err := l.GetFileInfo(ctx, "/data/a")
	require.NoError(t, err)
	assert.Equal(t, int64(10), st.Length)
	assert.Equal(t, PolicyHot, st.StoragePolicy)

	blocks, err := l.GetBlockLocations(ctx, "/data/a")
	require.NoError(t, err)
	require.Len(t, blocks, 3)
	assert.Equal(t, []StorageType{Disk}, blocks[0].Replicas)

	require.NoError(t, l.SetStoragePolicy(ctx, "/data/a", PolicyAllSSD))
	require.NoError(t, l.MoveReplica(ctx, "/data/a", 0, 0, SSD))
	require.NoError(t, l.MoveReplica(ctx, "/data/a", 1, 0, SSD))

	blocks, err = l.GetBlockLocations(ctx, "/data/a")
	require.NoError(t, err)
	assert.Equal(t, []StorageType{SSD}, blocks[2].Replicas)

	r, err := l.Open(ctx, "/data/a")
	require.NoError(t, err)
	data, _ := io.ReadAll(r)
	assert.Equal(t, "0123456789", string(data))

	children, err := l.List(ctx, "/data")
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "/data/a", children[0].Path)

	require.NoError(t, l.Rename(ctx, "/data/a", "/data/b"))
	ok, err := l.Exists(ctx, "/data/a")
	require.NoError(t, err)
	assert.False(t, ok)
	pol, err := l.GetStoragePolicy(ctx, "/data/b")
	require.NoError(t, err)
	assert.Equal(t, PolicyAllSSD, pol, "policy follows a rename")

	require.NoError(t, l.Delete(ctx, "/data/b"))
	events, err := l.FetchNamespaceEvents(ctx)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, OpDelete, events[2].Op)

	access, err := l.FetchAccessEvents(ctx)
	require.NoError(t, err)
	assert.Len(t, access, 1)
}

// TestLocalWatcher tests that out-of-band changes surface as namespace events
func TestLocalWatcher(t *testing.T) {
	ctx := context.Background()
	l, err := NewLocal(ctx, LocalConfig{Root: t.TempDir(), Watch: true}, nil)
	require.NoError(t, err)
	defer l.Close()

	writeLocal(t, l, "/w", "x")

	var got []NamespaceEvent
	assert.Eventually(t, func() bool {
		evs, _ := l.FetchNamespaceEvents(ctx)
		got = append(got, evs...)
		for _, ev := range got {
			if ev.Path == "/w" && (ev.Op == OpCreate || ev.Op == OpModify) {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)
}

// TestLocalMetadataSurvivesRestart tests that policies and cache directives are reloaded
func TestLocalMetadataSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	l, err := NewLocal(ctx, LocalConfig{Root: root}, nil)
	require.NoError(t, err)
	writeLocal(t, l, "/a", "x")
	writeLocal(t, l, "/b", "y")
	writeLocal(t, l, "/c", "z")
	require.NoError(t, l.SetStoragePolicy(ctx, "/a", PolicyCold))
	require.NoError(t, l.AddCacheDirective(ctx, "/b"))
	require.NoError(t, l.AddCacheDirective(ctx, "/c"))
	require.NoError(t, l.RemoveCacheDirective(ctx, "/c"))
	require.NoError(t, l.Rename(ctx, "/b", "/b2"))
	require.NoError(t, l.Close())

	l2, err := NewLocal(ctx, LocalConfig{Root: root}, nil)
	require.NoError(t, err)
	defer l2.Close()

	pol, err := l2.GetStoragePolicy(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, PolicyCold, pol)
	cached, _ := l2.IsCached(ctx, "/b2")
	assert.True(t, cached)
	cached, _ = l2.IsCached(ctx, "/c")
	assert.False(t, cached)

	// 刪除後不留下舊的中繼資料
	require.NoError(t, l2.Delete(ctx, "/a"))
	l3, err := NewLocal(ctx, LocalConfig{Root: root}, nil)
	require.NoError(t, err)
	defer l3.Close()
	writeLocal(t, l3, "/a", "x")
	pol, err = l3.GetStoragePolicy(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, PolicyHot, pol)
}

func TestLocalRejectsCorruptMetadata(t *testing.T) {
	ctx := context.Background()
	meta := filepath.Join(t.TempDir(), "meta.json")
	require.NoError(t, os.WriteFile(meta, []byte("garbage"), 0o644))
	_, err := NewLocal(ctx, LocalConfig{Root: t.TempDir(), MetaFile: meta}, nil)
	assert.Error(t, err)
}
