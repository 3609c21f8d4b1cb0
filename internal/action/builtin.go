package action

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/ChuLiYu/smart-tier/internal/dfs"
)

// Parameter names accepted by the built-in actions.
const (
	ParamStoragePolicy   = "-storagePolicy"
	ParamBufSize         = "-bufSize"
	ParamCompressionImpl = "-compressionImpl"
	ParamMillis          = "-ms"
)

// moverStopTimeout bounds how long a cancelled move waits for its mover.
const moverStopTimeout = 5 * time.Second

func builtins() map[string]Factory {
	policy := func(p dfs.Policy) Factory {
		return func(d Deps) Action { return &MoveAction{deps: d, fixed: p} }
	}
	return map[string]Factory{
		"allssd":   policy(dfs.PolicyAllSSD),
		"onessd":   policy(dfs.PolicyOneSSD),
		"archive":  policy(dfs.PolicyCold),
		"hot":      policy(dfs.PolicyHot),
		"warm":     policy(dfs.PolicyWarm),
		"move":     func(d Deps) Action { return &MoveAction{deps: d} },
		"cache":    func(d Deps) Action { return &CacheAction{deps: d} },
		"uncache":  func(d Deps) Action { return &UncacheAction{deps: d} },
		"compress": func(d Deps) Action { return &CompressAction{deps: d} },
		"read":     func(d Deps) Action { return &ReadAction{deps: d} },
		"sleep":    func(d Deps) Action { return &SleepAction{deps: d} },
	}
}

// ============================================================================
// 儲存策略搬移
// ============================================================================

// MoveAction sets a storage policy on the file and runs a mover until every
// replica sits on the medium the policy asks for.
type MoveAction struct {
	Base
	deps   Deps
	fixed  dfs.Policy // 空值表示由 -storagePolicy 指定
	policy dfs.Policy
}

func (a *MoveAction) Init(params map[string]string) error {
	if err := a.Base.Init(params); err != nil {
		return err
	}
	if err := a.requireFilePath(); err != nil {
		return err
	}
	if a.fixed != "" {
		a.policy = a.fixed
		return nil
	}
	if !a.HasParam(ParamStoragePolicy) {
		return fmt.Errorf("%w: %s", ErrMissingParam, ParamStoragePolicy)
	}
	p, err := dfs.ParsePolicy(a.Param(ParamStoragePolicy))
	if err != nil {
		return fmt.Errorf("%s %q: %w", ParamStoragePolicy, a.Param(ParamStoragePolicy), err)
	}
	a.policy = p
	return nil
}

func (a *MoveAction) Execute(ctx context.Context) error {
	if a.deps.Movers == nil {
		return fmt.Errorf("move: no mover pool configured")
	}
	path := a.FilePath()
	a.AppendLog("Action starts at %s : %s -> %s", formatTime(a.deps.now()), path, a.policy)

	if err := a.deps.FS.SetStoragePolicy(ctx, path, a.policy); err != nil {
		return fmt.Errorf("set storage policy: %w", err)
	}
	id, err := a.deps.Movers.Submit(path)
	if err != nil {
		return fmt.Errorf("submit mover: %w", err)
	}
	a.AppendLog("Mover %s submitted", id)

	snap, err := a.deps.Movers.Wait(ctx, id)
	if err != nil {
		a.deps.Movers.Stop(id, moverStopTimeout)
		// 未能及時停止的任務仍在執行，Remove 會拒絕
		if rerr := a.deps.Movers.Remove(id); rerr != nil {
			a.AppendLog("Mover %s not released: %v", id, rerr)
		}
		return fmt.Errorf("mover %s: %w", id, err)
	}
	a.AppendLog("Mover %s moved %d/%d blocks in %s", id, snap.MovedBlocks, snap.TotalBlocks, snap.RunningTime)
	// 結果已寫入命令，Status 不再需要
	_ = a.deps.Movers.Remove(id)

	if !snap.Succeeded {
		return fmt.Errorf("mover %s did not succeed", id)
	}
	out, _ := json.Marshal(map[string]any{
		"moverId":     id,
		"policy":      a.policy,
		"totalBlocks": snap.TotalBlocks,
		"totalSize":   snap.TotalSize,
	})
	a.AppendResult(string(out))
	return nil
}

// ============================================================================
// 快取
// ============================================================================

// CacheAction adds a cache directive for the file.
type CacheAction struct {
	Base
	deps Deps
}

func (a *CacheAction) Init(params map[string]string) error {
	if err := a.Base.Init(params); err != nil {
		return err
	}
	return a.requireFilePath()
}

func (a *CacheAction) Execute(ctx context.Context) error {
	path := a.FilePath()
	a.AppendLog("Action starts at %s : cache %s", formatTime(a.deps.now()), path)
	cached, err := a.deps.FS.IsCached(ctx, path)
	if err != nil {
		return err
	}
	if cached {
		a.AppendLog("%s is already cached", path)
		return nil
	}
	return a.deps.FS.AddCacheDirective(ctx, path)
}

// UncacheAction removes the cache directive of the file.
type UncacheAction struct {
	Base
	deps Deps
}

func (a *UncacheAction) Init(params map[string]string) error {
	if err := a.Base.Init(params); err != nil {
		return err
	}
	return a.requireFilePath()
}

func (a *UncacheAction) Execute(ctx context.Context) error {
	path := a.FilePath()
	a.AppendLog("Action starts at %s : uncache %s", formatTime(a.deps.now()), path)
	cached, err := a.deps.FS.IsCached(ctx, path)
	if err != nil {
		return err
	}
	if !cached {
		a.AppendLog("%s is not cached", path)
		return nil
	}
	return a.deps.FS.RemoveCacheDirective(ctx, path)
}

// ============================================================================
// 讀取 / 等待
// ============================================================================

// ReadAction reads the whole file, counting as one access.
type ReadAction struct {
	Base
	deps    Deps
	bufSize int
}

func (a *ReadAction) Init(params map[string]string) error {
	if err := a.Base.Init(params); err != nil {
		return err
	}
	if err := a.requireFilePath(); err != nil {
		return err
	}
	a.bufSize = 64 << 10
	if a.HasParam(ParamBufSize) {
		n, err := strconv.Atoi(a.Param(ParamBufSize))
		if err != nil || n <= 0 {
			return fmt.Errorf("%s %q: invalid size", ParamBufSize, a.Param(ParamBufSize))
		}
		a.bufSize = n
	}
	return nil
}

func (a *ReadAction) Execute(ctx context.Context) error {
	path := a.FilePath()
	a.AppendLog("Action starts at %s : Read %s", formatTime(a.deps.now()), path)
	r, err := a.deps.FS.Open(ctx, path)
	if err != nil {
		return err
	}
	defer r.Close()
	n, err := io.CopyBuffer(io.Discard, ctxReader{ctx: ctx, r: r}, make([]byte, a.bufSize))
	if err != nil {
		return err
	}
	a.AppendLog("Read %d bytes", n)
	return nil
}

// ctxReader stops a long copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// SleepAction waits -ms milliseconds; used for testing the executor.
type SleepAction struct {
	Base
	deps Deps
	d    time.Duration
}

func (a *SleepAction) Init(params map[string]string) error {
	if err := a.Base.Init(params); err != nil {
		return err
	}
	if !a.HasParam(ParamMillis) {
		return fmt.Errorf("%w: %s", ErrMissingParam, ParamMillis)
	}
	ms, err := strconv.ParseInt(a.Param(ParamMillis), 10, 64)
	if err != nil || ms < 0 {
		return fmt.Errorf("%s %q: invalid duration", ParamMillis, a.Param(ParamMillis))
	}
	a.d = time.Duration(ms) * time.Millisecond
	return nil
}

func (a *SleepAction) Execute(ctx context.Context) error {
	a.AppendLog("Sleeping %s", a.d)
	t := time.NewTimer(a.d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
