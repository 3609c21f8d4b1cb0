package dfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/viant/afs"
	"github.com/viant/afs/file"

	"github.com/ChuLiYu/smart-tier/internal/snapshot"
)

// tierDirs maps each storage type to its directory under the root.
var tierDirs = map[StorageType]string{
	RAMDisk: "ram_disk",
	SSD:     "ssd",
	Disk:    "disk",
	Archive: "archive",
}

var tierOrder = []StorageType{RAMDisk, SSD, Disk, Archive}

// LocalConfig configures a Local file system.
type LocalConfig struct {
	Root      string `yaml:"root"`
	BlockSize int64  `yaml:"block_size"`
	Watch     bool   `yaml:"watch"`
	// MetaFile persists storage policies and cache directives. Defaults to
	// .smart-tier-meta.json under Root.
	MetaFile string `yaml:"meta_file"`
}

// localMeta is the persisted part of a Local file system.
type localMeta struct {
	Policies map[string]Policy `json:"policies"`
	Cached   []string          `json:"cached"`
}

// Local keeps every file in exactly one tier directory under Root. A file
// has a single replica; relocating any of its blocks moves the whole file.
type Local struct {
	fs        afs.Service
	root      string
	blockSize int64
	logger    *slog.Logger
	meta      *snapshot.Manager

	mu       sync.Mutex
	policies map[string]Policy
	cached   map[string]bool
	access   []AccessEvent
	events   []NamespaceEvent

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewLocal prepares the tier directories and, if cfg.Watch is set, starts
// an fsnotify watcher feeding namespace events.
func NewLocal(ctx context.Context, cfg LocalConfig, logger *slog.Logger) (*Local, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("dfs: local root is required")
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = 64 << 20
	}
	if logger == nil {
		logger = slog.Default().With("component", "dfs")
	}
	if cfg.MetaFile == "" {
		cfg.MetaFile = filepath.Join(cfg.Root, ".smart-tier-meta.json")
	}
	l := &Local{
		fs:        afs.New(),
		root:      filepath.Clean(cfg.Root),
		blockSize: cfg.BlockSize,
		logger:    logger,
		meta:      snapshot.NewManager(cfg.MetaFile),
		policies:  make(map[string]Policy),
		cached:    make(map[string]bool),
		done:      make(chan struct{}),
	}
	for _, t := range tierOrder {
		dir := path.Join(l.root, tierDirs[t])
		exists, _ := l.fs.Exists(ctx, dir)
		if !exists {
			if err := l.fs.Create(ctx, dir, file.DefaultDirOsMode, true); err != nil {
				return nil, fmt.Errorf("dfs: create tier %s: %w", dir, err)
			}
		}
	}
	if err := l.loadMeta(); err != nil {
		return nil, err
	}
	if cfg.Watch {
		if err := l.startWatcher(); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Close stops the watcher.
func (l *Local) Close() error {
	if l.watcher == nil {
		return nil
	}
	close(l.done)
	err := l.watcher.Close()
	l.wg.Wait()
	return err
}

// loadMeta restores policies and cache directives from the meta file.
func (l *Local) loadMeta() error {
	var m localMeta
	err := l.meta.Load(&m)
	if errors.Is(err, snapshot.ErrSnapshotNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("dfs: load %s: %w", l.meta.Path(), err)
	}
	for p, pol := range m.Policies {
		l.policies[Clean(p)] = pol
	}
	for _, p := range m.Cached {
		l.cached[Clean(p)] = true
	}
	l.logger.Debug("Restored local metadata", "policies", len(m.Policies), "cached", len(m.Cached))
	return nil
}

// saveMeta writes the current metadata. Callers hold l.mu so that writes
// land in mutation order.
func (l *Local) saveMeta() error {
	m := localMeta{Policies: make(map[string]Policy, len(l.policies))}
	for p, pol := range l.policies {
		m.Policies[p] = pol
	}
	for p := range l.cached {
		m.Cached = append(m.Cached, p)
	}
	sort.Strings(m.Cached)
	if err := l.meta.Write(m); err != nil {
		return fmt.Errorf("dfs: save %s: %w", l.meta.Path(), err)
	}
	return nil
}

func (l *Local) tierPath(t StorageType, p string) string {
	return path.Join(l.root, tierDirs[t], Clean(p))
}

// locate returns the first tier holding p.
func (l *Local) locate(ctx context.Context, p string) (StorageType, error) {
	for _, t := range tierOrder {
		ok, err := l.fs.Exists(ctx, l.tierPath(t, p))
		if err != nil {
			return "", err
		}
		if ok {
			return t, nil
		}
	}
	return "", fmt.Errorf("%s: %w", p, ErrNotExist)
}

func fileID(p string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(p))
	return int64(h.Sum64() >> 1)
}

func (l *Local) policyOf(p string) Policy {
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		if pol, ok := l.policies[p]; ok {
			return pol
		}
		if p == "/" {
			return DefaultPolicy
		}
		p = parentOf(p)
	}
}

func (l *Local) GetFileInfo(ctx context.Context, p string) (FileStatus, error) {
	p = Clean(p)
	t, err := l.locate(ctx, p)
	if err != nil {
		return FileStatus{}, err
	}
	obj, err := l.fs.Object(ctx, l.tierPath(t, p))
	if err != nil {
		return FileStatus{}, fmt.Errorf("dfs: stat %s: %w", p, err)
	}
	st := FileStatus{
		FileID:        fileID(p),
		Path:          p,
		IsDir:         obj.IsDir(),
		ModTime:       obj.ModTime().UnixMilli(),
		AccessTime:    obj.ModTime().UnixMilli(),
		StoragePolicy: l.policyOf(p),
	}
	if !st.IsDir {
		st.Length = obj.Size()
		st.Replication = 1
		st.BlockSize = l.blockSize
	}
	return st, nil
}

func (l *Local) List(ctx context.Context, dir string) ([]FileStatus, error) {
	dir = Clean(dir)
	st, err := l.GetFileInfo(ctx, dir)
	if err != nil {
		return nil, err
	}
	if !st.IsDir {
		return []FileStatus{st}, nil
	}

	names := make(map[string]bool)
	for _, t := range tierOrder {
		base := l.tierPath(t, dir)
		if ok, _ := l.fs.Exists(ctx, base); !ok {
			continue
		}
		objects, err := l.fs.List(ctx, base)
		if err != nil {
			return nil, fmt.Errorf("dfs: list %s: %w", base, err)
		}
		for _, obj := range objects {
			name := path.Base(obj.URL())
			if strings.HasSuffix(strings.TrimSuffix(obj.URL(), "/"), strings.TrimSuffix(base, "/")) {
				continue
			}
			names[name] = true
		}
	}

	keys := make([]string, 0, len(names))
	for n := range names {
		keys = append(keys, n)
	}
	sort.Strings(keys)
	out := make([]FileStatus, 0, len(keys))
	for _, n := range keys {
		child, err := l.GetFileInfo(ctx, path.Join(dir, n))
		if err != nil {
			continue
		}
		out = append(out, child)
	}
	return out, nil
}

func (l *Local) Exists(ctx context.Context, p string) (bool, error) {
	_, err := l.locate(ctx, p)
	if err != nil {
		if errors.Is(err, ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (l *Local) SetStoragePolicy(ctx context.Context, p string, policy Policy) error {
	if _, err := ParsePolicy(string(policy)); err != nil {
		return err
	}
	p = Clean(p)
	if _, err := l.locate(ctx, p); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.policies[p] = policy
	return l.saveMeta()
}

func (l *Local) GetStoragePolicy(ctx context.Context, p string) (Policy, error) {
	p = Clean(p)
	if _, err := l.locate(ctx, p); err != nil {
		return "", err
	}
	return l.policyOf(p), nil
}

func (l *Local) GetBlockLocations(ctx context.Context, p string) ([]LocatedBlock, error) {
	st, err := l.GetFileInfo(ctx, p)
	if err != nil {
		return nil, err
	}
	if st.IsDir {
		return nil, fmt.Errorf("locate %s: %w", p, ErrIsDir)
	}
	t, err := l.locate(ctx, p)
	if err != nil {
		return nil, err
	}
	n := int((st.Length + l.blockSize - 1) / l.blockSize)
	out := make([]LocatedBlock, n)
	for i := range out {
		off := int64(i) * l.blockSize
		out[i] = LocatedBlock{Index: i, Offset: off, Length: min(l.blockSize, st.Length-off), Replicas: []StorageType{t}}
	}
	return out, nil
}

func (l *Local) MoveReplica(ctx context.Context, p string, block, replica int, target StorageType) error {
	if _, ok := tierDirs[target]; !ok {
		return fmt.Errorf("dfs: unknown storage type %s", target)
	}
	if replica != 0 {
		return fmt.Errorf("move %s: replica %d out of range", p, replica)
	}
	cur, err := l.locate(ctx, p)
	if err != nil {
		return err
	}
	if cur == target {
		return nil
	}
	dst := l.tierPath(target, p)
	parent := path.Dir(dst)
	if ok, _ := l.fs.Exists(ctx, parent); !ok {
		if err := l.fs.Create(ctx, parent, file.DefaultDirOsMode, true); err != nil {
			return fmt.Errorf("dfs: create %s: %w", parent, err)
		}
	}
	if err := l.fs.Move(ctx, l.tierPath(cur, p), dst); err != nil {
		return fmt.Errorf("dfs: move %s to %s: %w", p, target, err)
	}
	return nil
}

func (l *Local) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	p = Clean(p)
	t, err := l.locate(ctx, p)
	if err != nil {
		return nil, err
	}
	data, err := l.fs.DownloadWithURL(ctx, l.tierPath(t, p))
	if err != nil {
		return nil, fmt.Errorf("dfs: read %s: %w", p, err)
	}
	l.mu.Lock()
	l.access = append(l.access, AccessEvent{Path: p, Time: time.Now().UnixMilli()})
	l.mu.Unlock()
	return io.NopCloser(bytes.NewReader(data)), nil
}

type localWriter struct {
	bytes.Buffer
	ctx context.Context
	l   *Local
	p   string
}

func (w *localWriter) Close() error {
	existed, _ := w.l.Exists(w.ctx, w.p)
	if existed {
		for _, t := range tierOrder {
			_ = w.l.fs.Delete(w.ctx, w.l.tierPath(t, w.p))
		}
	}
	t := w.l.policyOf(w.p).StorageTypes(1)[0]
	if err := w.l.fs.Upload(w.ctx, w.l.tierPath(t, w.p), file.DefaultFileOsMode, bytes.NewReader(w.Bytes())); err != nil {
		return fmt.Errorf("dfs: write %s: %w", w.p, err)
	}
	op := OpCreate
	if existed {
		op = OpModify
	}
	w.l.record(NamespaceEvent{Op: op, Path: w.p, Time: time.Now().UnixMilli()})
	return nil
}

func (l *Local) Create(ctx context.Context, p string, overwrite bool) (io.WriteCloser, error) {
	p = Clean(p)
	if ok, _ := l.Exists(ctx, p); ok && !overwrite {
		return nil, fmt.Errorf("create %s: %w", p, ErrExist)
	}
	return &localWriter{ctx: context.WithoutCancel(ctx), l: l, p: p}, nil
}

func (l *Local) Delete(ctx context.Context, p string) error {
	p = Clean(p)
	found := false
	for _, t := range tierOrder {
		tp := l.tierPath(t, p)
		if ok, _ := l.fs.Exists(ctx, tp); ok {
			found = true
			if err := l.fs.Delete(ctx, tp); err != nil {
				return fmt.Errorf("dfs: delete %s: %w", tp, err)
			}
		}
	}
	if !found {
		return fmt.Errorf("delete %s: %w", p, ErrNotExist)
	}
	l.mu.Lock()
	_, hadPolicy := l.policies[p]
	wasCached := l.cached[p]
	delete(l.policies, p)
	delete(l.cached, p)
	var err error
	if hadPolicy || wasCached {
		err = l.saveMeta()
	}
	l.mu.Unlock()
	if err != nil {
		return err
	}
	l.record(NamespaceEvent{Op: OpDelete, Path: p, Time: time.Now().UnixMilli()})
	return nil
}

func (l *Local) Rename(ctx context.Context, src, dst string) error {
	src, dst = Clean(src), Clean(dst)
	if ok, _ := l.Exists(ctx, dst); ok {
		return fmt.Errorf("rename %s: %w", dst, ErrExist)
	}
	found := false
	for _, t := range tierOrder {
		from := l.tierPath(t, src)
		if ok, _ := l.fs.Exists(ctx, from); !ok {
			continue
		}
		found = true
		to := l.tierPath(t, dst)
		if ok, _ := l.fs.Exists(ctx, path.Dir(to)); !ok {
			if err := l.fs.Create(ctx, path.Dir(to), file.DefaultDirOsMode, true); err != nil {
				return fmt.Errorf("dfs: create %s: %w", path.Dir(to), err)
			}
		}
		if err := l.fs.Move(ctx, from, to); err != nil {
			return fmt.Errorf("dfs: rename %s: %w", from, err)
		}
	}
	if !found {
		return fmt.Errorf("rename %s: %w", src, ErrNotExist)
	}
	l.mu.Lock()
	pol, hadPolicy := l.policies[src]
	wasCached := l.cached[src]
	if hadPolicy {
		delete(l.policies, src)
		l.policies[dst] = pol
	}
	if wasCached {
		delete(l.cached, src)
		l.cached[dst] = true
	}
	var err error
	if hadPolicy || wasCached {
		err = l.saveMeta()
	}
	l.mu.Unlock()
	if err != nil {
		return err
	}
	l.record(NamespaceEvent{Op: OpRename, Path: src, NewPath: dst, Time: time.Now().UnixMilli()})
	return nil
}

func (l *Local) AddCacheDirective(ctx context.Context, p string) error {
	p = Clean(p)
	if _, err := l.locate(ctx, p); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cached[p] {
		return nil
	}
	l.cached[p] = true
	return l.saveMeta()
}

func (l *Local) RemoveCacheDirective(ctx context.Context, p string) error {
	p = Clean(p)
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.cached[p] {
		return nil
	}
	delete(l.cached, p)
	return l.saveMeta()
}

func (l *Local) IsCached(ctx context.Context, p string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cached[Clean(p)], nil
}

func (l *Local) FetchAccessEvents(ctx context.Context) ([]AccessEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.access
	l.access = nil
	return out, nil
}

func (l *Local) FetchNamespaceEvents(ctx context.Context) ([]NamespaceEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.events
	l.events = nil
	return out, nil
}

// record keeps client-issued namespace changes when no watcher reports them.
func (l *Local) record(ev NamespaceEvent) {
	if l.watcher != nil {
		return
	}
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

// ============================================================================
// fsnotify watcher
// ============================================================================

func (l *Local) startWatcher() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("dfs: create fsnotify watcher: %w", err)
	}
	l.watcher = w
	for _, t := range tierOrder {
		if err := l.watchTree(filepath.Join(l.root, tierDirs[t])); err != nil {
			_ = w.Close()
			return err
		}
	}
	l.wg.Add(1)
	go l.watchLoop()
	return nil
}

func (l *Local) watchTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := l.watcher.Add(p); err != nil {
				return fmt.Errorf("dfs: watch %s: %w", p, err)
			}
		}
		return nil
	})
}

// namespacePath maps an OS path inside a tier back to the namespace.
func (l *Local) namespacePath(osPath string) (string, bool) {
	rel, err := filepath.Rel(l.root, osPath)
	if err != nil {
		return "", false
	}
	parts := strings.SplitN(filepath.ToSlash(rel), "/", 2)
	if len(parts) < 2 {
		return "", false
	}
	return Clean(parts[1]), true
}

// watchLoop processes filesystem change events.
func (l *Local) watchLoop() {
	defer l.wg.Done()
	for {
		select {
		case <-l.done:
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			l.handleEvent(event)
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error("fsnotify error", "error", err)
		}
	}
}

func (l *Local) handleEvent(event fsnotify.Event) {
	p, ok := l.namespacePath(event.Name)
	if !ok {
		return
	}
	now := time.Now().UnixMilli()
	ctx := context.Background()

	var ev NamespaceEvent
	switch {
	case event.Has(fsnotify.Create):
		if info, err := l.fs.Object(ctx, event.Name); err == nil && info.IsDir() {
			_ = l.watchTree(event.Name)
		}
		ev = NamespaceEvent{Op: OpCreate, Path: p, Time: now}
	case event.Has(fsnotify.Write):
		ev = NamespaceEvent{Op: OpModify, Path: p, Time: now}
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		// 在層級之間搬移時，舊位置消失但檔案仍存在於另一層
		if exists, _ := l.Exists(ctx, p); exists {
			ev = NamespaceEvent{Op: OpModify, Path: p, Time: now}
		} else {
			ev = NamespaceEvent{Op: OpDelete, Path: p, Time: now}
		}
	default:
		return
	}
	l.logger.Debug("fsnotify event", "op", event.Op.String(), "path", p)
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}
