package action

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/smart-tier/internal/dfs"
	"github.com/ChuLiYu/smart-tier/internal/mover"
	"github.com/ChuLiYu/smart-tier/pkg/types"
)

func newDeps(t *testing.T) (Deps, *dfs.Memory) {
	t.Helper()
	fs := dfs.NewMemory(dfs.MemoryConfig{BlockSize: 4, Replication: 2})
	movers, err := mover.NewPool(mover.Config{Workers: 2}, fs, nil, nil)
	require.NoError(t, err)
	t.Cleanup(movers.Close)
	return Deps{FS: fs, Movers: movers}, fs
}

func file(p string) map[string]string {
	return map[string]string{types.FilePathKey: p}
}

func TestRegistry(t *testing.T) {
	d, _ := newDeps(t)
	r := DefaultRegistry(d)

	assert.Equal(t, []string{
		"allssd", "archive", "cache", "compress", "hot", "move",
		"onessd", "read", "sleep", "uncache", "warm",
	}, r.Names())
	assert.True(t, r.Has("cache"))

	_, err := r.Create("defrag", file("/a"))
	assert.ErrorIs(t, err, ErrUnknownAction)

	assert.Error(t, r.Register("cache", func(Deps) Action { return &CacheAction{} }))
	require.NoError(t, r.Register("noop", func(Deps) Action { return &SleepAction{} }))
	assert.True(t, r.Has("noop"))
}

func TestInitValidation(t *testing.T) {
	d, _ := newDeps(t)
	r := DefaultRegistry(d)

	_, err := r.Create("cache", map[string]string{})
	assert.ErrorIs(t, err, ErrMissingParam)

	_, err = r.Create("move", file("/a"))
	assert.ErrorIs(t, err, ErrMissingParam)

	_, err = r.Create("move", map[string]string{types.FilePathKey: "/a", ParamStoragePolicy: "LUKEWARM"})
	assert.ErrorIs(t, err, dfs.ErrUnknownPolicy)

	_, err = r.Create("compress", map[string]string{types.FilePathKey: "/a", ParamCompressionImpl: "Lz4"})
	assert.Error(t, err)

	_, err = r.Create("sleep", map[string]string{ParamMillis: "-5"})
	assert.Error(t, err)
}

func TestBaseLogAndResult(t *testing.T) {
	var b Base
	require.NoError(t, b.Init(map[string]string{"k": "v"}))
	b.AppendLog("line %d", 1)
	b.AppendLog("line %d", 2)
	b.AppendResult("r")

	assert.Equal(t, "line 1\nline 2", b.Log())
	assert.Equal(t, "r", b.Result())
	assert.Equal(t, "v", b.Param("k"))
	assert.False(t, b.HasParam(types.FilePathKey))
}

func TestMoveActions(t *testing.T) {
	ctx := context.Background()
	d, fs := newDeps(t)
	require.NoError(t, fs.WriteFile(ctx, "/data/a", []byte("abcdefgh")))
	r := DefaultRegistry(d)

	a, err := r.Create("allssd", file("/data/a"))
	require.NoError(t, err)
	require.NoError(t, a.Execute(ctx))

	blocks, err := fs.GetBlockLocations(ctx, "/data/a")
	require.NoError(t, err)
	for _, b := range blocks {
		assert.Equal(t, []dfs.StorageType{dfs.SSD, dfs.SSD}, b.Replicas)
	}
	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(a.Result()), &res))
	assert.Equal(t, "ALL_SSD", res["policy"])
	assert.Contains(t, a.Log(), "/data/a -> ALL_SSD")
	assert.Empty(t, d.Movers.List(), "mover status removed once recorded")

	m, err := r.Create("move", map[string]string{types.FilePathKey: "/data/a", ParamStoragePolicy: "cold"})
	require.NoError(t, err)
	require.NoError(t, m.Execute(ctx))
	pol, err := fs.GetStoragePolicy(ctx, "/data/a")
	require.NoError(t, err)
	assert.Equal(t, dfs.PolicyCold, pol)
}

func TestMoveActionFailure(t *testing.T) {
	ctx := context.Background()
	d, fs := newDeps(t)
	require.NoError(t, fs.WriteFile(ctx, "/bad/a", []byte("abcd")))
	fs.FailMoves("/bad", errors.New("datanode down"))

	a, err := DefaultRegistry(d).Create("archive", file("/bad/a"))
	require.NoError(t, err)
	assert.Error(t, a.Execute(ctx))

	a, err = DefaultRegistry(Deps{FS: fs}).Create("hot", file("/bad/a"))
	require.NoError(t, err)
	assert.Error(t, a.Execute(ctx), "no mover pool")
}

// TestMoveActionCancelled tests that a move abandoned by its context releases the mover status
func TestMoveActionCancelled(t *testing.T) {
	fs := dfs.NewMemory(dfs.MemoryConfig{BlockSize: 4, Replication: 2, MoveLatency: 20 * time.Millisecond})
	movers, err := mover.NewPool(mover.Config{Workers: 1}, fs, nil, nil)
	require.NoError(t, err)
	t.Cleanup(movers.Close)
	require.NoError(t, fs.WriteFile(context.Background(), "/slow/a", []byte("abcdefghijklmnopqrstuvwxyz")))

	a, err := DefaultRegistry(Deps{FS: fs, Movers: movers}).Create("archive", file("/slow/a"))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = a.Execute(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, movers.List(), "stopped mover is not left behind")
}

func TestCacheActions(t *testing.T) {
	ctx := context.Background()
	d, fs := newDeps(t)
	require.NoError(t, fs.WriteFile(ctx, "/c", []byte("x")))
	r := DefaultRegistry(d)

	a, err := r.Create("cache", file("/c"))
	require.NoError(t, err)
	require.NoError(t, a.Execute(ctx))
	cached, _ := fs.IsCached(ctx, "/c")
	assert.True(t, cached)

	again, _ := r.Create("cache", file("/c"))
	require.NoError(t, again.Execute(ctx))
	assert.Contains(t, again.Log(), "already cached")

	u, err := r.Create("uncache", file("/c"))
	require.NoError(t, err)
	require.NoError(t, u.Execute(ctx))
	cached, _ = fs.IsCached(ctx, "/c")
	assert.False(t, cached)
}

func TestReadAndSleep(t *testing.T) {
	ctx := context.Background()
	d, fs := newDeps(t)
	require.NoError(t, fs.WriteFile(ctx, "/r", []byte("hello world")))
	_, _ = fs.FetchAccessEvents(ctx)
	r := DefaultRegistry(d)

	a, err := r.Create("read", map[string]string{types.FilePathKey: "/r", ParamBufSize: "4"})
	require.NoError(t, err)
	require.NoError(t, a.Execute(ctx))
	assert.Contains(t, a.Log(), "Read 11 bytes")
	events, _ := fs.FetchAccessEvents(ctx)
	assert.Len(t, events, 1)

	missing, _ := r.Create("read", file("/nope"))
	assert.ErrorIs(t, missing.Execute(ctx), dfs.ErrNotExist)

	s, err := r.Create("sleep", map[string]string{ParamMillis: "5000"})
	require.NoError(t, err)
	cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Execute(cctx), context.DeadlineExceeded)
}

func TestCompress(t *testing.T) {
	payload := strings.Repeat("smart tier compresses repetitive data ", 200)
	for _, codec := range []string{CodecZlib, CodecGzip, CodecSnappy, CodecZstd} {
		t.Run(codec, func(t *testing.T) {
			ctx := context.Background()
			d, fs := newDeps(t)
			require.NoError(t, fs.WriteFile(ctx, "/z/f", []byte(payload)))

			a, err := DefaultRegistry(d).Create("compress", map[string]string{
				types.FilePathKey:    "/z/f",
				ParamCompressionImpl: codec,
			})
			require.NoError(t, err)
			require.NoError(t, a.Execute(ctx))

			var info CompressionInfo
			require.NoError(t, json.Unmarshal([]byte(a.Result()), &info))
			assert.Equal(t, "/z/f", info.FileName)
			assert.Equal(t, codec, info.CompressionImpl)
			assert.Equal(t, int64(len(payload)), info.OriginalLength)
			assert.Less(t, info.CompressedLength, info.OriginalLength)

			r, err := fs.Open(ctx, "/z/f")
			require.NoError(t, err)
			defer r.Close()
			dr, err := NewDecompressor(codec, r)
			require.NoError(t, err)
			defer dr.Close()
			plain, err := io.ReadAll(dr)
			require.NoError(t, err)
			assert.Equal(t, payload, string(plain))
		})
	}
}

func TestCompressBufferSize(t *testing.T) {
	a := &CompressAction{}
	require.NoError(t, a.Init(map[string]string{types.FilePathKey: "/f", ParamBufSize: "1024"}))
	assert.Equal(t, defaultCompressBuf, a.bufferSize(100))
	assert.Contains(t, a.Log(), "use the default buffersize")

	big := int64(defaultCompressBuf) * maxCompressChunks * 2
	assert.Equal(t, int(big/maxCompressChunks), a.bufferSize(big))
}
