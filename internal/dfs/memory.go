package dfs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryConfig tunes the simulated cluster.
type MemoryConfig struct {
	BlockSize   int64
	Replication int
	// MoveLatency is spent on every replica relocation.
	MoveLatency time.Duration
}

// Memory is an in-process simulation of a tiered distributed file system.
// It keeps block layouts per replica and records access and namespace
// events for the states poller.
type Memory struct {
	mu      sync.RWMutex
	cfg     MemoryConfig
	nextID  int64
	entries map[string]*memEntry
	cached  map[string]bool
	access  []AccessEvent
	events  []NamespaceEvent
	moveErr map[string]error
	now     func() time.Time
}

type memEntry struct {
	id          int64
	isDir       bool
	data        []byte
	policy      Policy // empty means inherited
	replication int
	blockSize   int64
	mtime       int64
	atime       int64
	blocks      [][]StorageType
}

// NewMemory returns an empty namespace containing only "/".
func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = 128 << 20
	}
	if cfg.Replication <= 0 {
		cfg.Replication = 3
	}
	m := &Memory{
		cfg:     cfg,
		entries: make(map[string]*memEntry),
		cached:  make(map[string]bool),
		moveErr: make(map[string]error),
		now:     time.Now,
	}
	m.nextID = 16384
	m.entries["/"] = &memEntry{id: m.nextID, isDir: true, mtime: m.now().UnixMilli()}
	return m
}

// SetMoveLatency changes the per-replica relocation delay.
func (m *Memory) SetMoveLatency(d time.Duration) {
	m.mu.Lock()
	m.cfg.MoveLatency = d
	m.mu.Unlock()
}

// FailMoves makes every relocation under p fail with err; nil clears it.
func (m *Memory) FailMoves(p string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.moveErr, Clean(p))
		return
	}
	m.moveErr[Clean(p)] = err
}

// Mkdirs creates p and any missing parents.
func (m *Memory) Mkdirs(ctx context.Context, p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mkdirsLocked(Clean(p))
}

func (m *Memory) mkdirsLocked(p string) error {
	if e, ok := m.entries[p]; ok {
		if !e.isDir {
			return fmt.Errorf("mkdirs %s: %w", p, ErrExist)
		}
		return nil
	}
	if p != "/" {
		if err := m.mkdirsLocked(parentOf(p)); err != nil {
			return err
		}
	}
	m.nextID++
	now := m.now().UnixMilli()
	m.entries[p] = &memEntry{id: m.nextID, isDir: true, mtime: now, atime: now}
	m.events = append(m.events, NamespaceEvent{Op: OpCreate, Path: p, Time: now})
	return nil
}

// WriteFile creates or replaces p with data, laying out blocks according to
// the effective storage policy.
func (m *Memory) WriteFile(ctx context.Context, p string, data []byte) error {
	p = Clean(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.mkdirsLocked(parentOf(p)); err != nil {
		return err
	}
	now := m.now().UnixMilli()
	e, exists := m.entries[p]
	if exists && e.isDir {
		return fmt.Errorf("write %s: %w", p, ErrIsDir)
	}
	if !exists {
		m.nextID++
		e = &memEntry{id: m.nextID, replication: m.cfg.Replication, blockSize: m.cfg.BlockSize}
		m.entries[p] = e
	}
	e.data = append([]byte(nil), data...)
	e.mtime, e.atime = now, now
	e.blocks = layout(int64(len(data)), e.blockSize, m.policyLocked(p).StorageTypes(e.replication))

	op := OpCreate
	if exists {
		op = OpModify
	}
	m.events = append(m.events, NamespaceEvent{Op: op, Path: p, Time: now})
	return nil
}

// SetTimes overrides the modification and access time of p.
func (m *Memory) SetTimes(p string, mtime, atime time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[Clean(p)]
	if !ok {
		return ErrNotExist
	}
	e.mtime, e.atime = mtime.UnixMilli(), atime.UnixMilli()
	return nil
}

// RecordAccess appends an access event without reading the file.
func (m *Memory) RecordAccess(p string, at time.Time) {
	m.mu.Lock()
	m.access = append(m.access, AccessEvent{Path: Clean(p), Time: at.UnixMilli()})
	m.mu.Unlock()
}

func layout(length, blockSize int64, types []StorageType) [][]StorageType {
	n := int((length + blockSize - 1) / blockSize)
	blocks := make([][]StorageType, n)
	for i := range blocks {
		blocks[i] = append([]StorageType(nil), types...)
	}
	return blocks
}

func parentOf(p string) string {
	if p == "/" {
		return "/"
	}
	i := strings.LastIndex(p, "/")
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

func (m *Memory) policyLocked(p string) Policy {
	for {
		if e, ok := m.entries[p]; ok && e.policy != "" {
			return e.policy
		}
		if p == "/" {
			return DefaultPolicy
		}
		p = parentOf(p)
	}
}

func (m *Memory) statusLocked(p string, e *memEntry) FileStatus {
	return FileStatus{
		FileID:        e.id,
		Path:          p,
		Length:        int64(len(e.data)),
		IsDir:         e.isDir,
		Replication:   e.replication,
		BlockSize:     e.blockSize,
		ModTime:       e.mtime,
		AccessTime:    e.atime,
		StoragePolicy: m.policyLocked(p),
	}
}

func (m *Memory) GetFileInfo(ctx context.Context, p string) (FileStatus, error) {
	p = Clean(p)
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[p]
	if !ok {
		return FileStatus{}, fmt.Errorf("stat %s: %w", p, ErrNotExist)
	}
	return m.statusLocked(p, e), nil
}

func (m *Memory) List(ctx context.Context, dir string) ([]FileStatus, error) {
	dir = Clean(dir)
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[dir]
	if !ok {
		return nil, fmt.Errorf("list %s: %w", dir, ErrNotExist)
	}
	if !e.isDir {
		return []FileStatus{m.statusLocked(dir, e)}, nil
	}
	var out []FileStatus
	for p, child := range m.entries {
		if p != "/" && parentOf(p) == dir {
			out = append(out, m.statusLocked(p, child))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *Memory) Exists(ctx context.Context, p string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[Clean(p)]
	return ok, nil
}

// SetStoragePolicy only records the policy; existing replicas stay where
// they are until a mover relocates them.
func (m *Memory) SetStoragePolicy(ctx context.Context, p string, policy Policy) error {
	if _, err := ParsePolicy(string(policy)); err != nil {
		return err
	}
	p = Clean(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[p]
	if !ok {
		return fmt.Errorf("set policy %s: %w", p, ErrNotExist)
	}
	e.policy = policy
	return nil
}

func (m *Memory) GetStoragePolicy(ctx context.Context, p string) (Policy, error) {
	p = Clean(p)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.entries[p]; !ok {
		return "", fmt.Errorf("get policy %s: %w", p, ErrNotExist)
	}
	return m.policyLocked(p), nil
}

func (m *Memory) GetBlockLocations(ctx context.Context, p string) ([]LocatedBlock, error) {
	p = Clean(p)
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[p]
	if !ok {
		return nil, fmt.Errorf("locate %s: %w", p, ErrNotExist)
	}
	if e.isDir {
		return nil, fmt.Errorf("locate %s: %w", p, ErrIsDir)
	}
	out := make([]LocatedBlock, len(e.blocks))
	size := int64(len(e.data))
	for i, replicas := range e.blocks {
		off := int64(i) * e.blockSize
		out[i] = LocatedBlock{
			Index:    i,
			Offset:   off,
			Length:   min(e.blockSize, size-off),
			Replicas: append([]StorageType(nil), replicas...),
		}
	}
	return out, nil
}

func (m *Memory) MoveReplica(ctx context.Context, p string, block, replica int, target StorageType) error {
	p = Clean(p)
	m.mu.RLock()
	latency := m.cfg.MoveLatency
	var injected error
	for q, err := range m.moveErr {
		if p == q || strings.HasPrefix(p, strings.TrimSuffix(q, "/")+"/") {
			injected = err
		}
	}
	m.mu.RUnlock()

	if latency > 0 {
		t := time.NewTimer(latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	if injected != nil {
		return fmt.Errorf("move %s block %d: %w", p, block, injected)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[p]
	if !ok {
		return fmt.Errorf("move %s: %w", p, ErrNotExist)
	}
	if block < 0 || block >= len(e.blocks) || replica < 0 || replica >= len(e.blocks[block]) {
		return fmt.Errorf("move %s: replica %d/%d out of range", p, block, replica)
	}
	e.blocks[block][replica] = target
	return nil
}

func (m *Memory) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	p = Clean(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[p]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", p, ErrNotExist)
	}
	if e.isDir {
		return nil, fmt.Errorf("open %s: %w", p, ErrIsDir)
	}
	now := m.now().UnixMilli()
	e.atime = now
	m.access = append(m.access, AccessEvent{Path: p, Time: now})
	return io.NopCloser(bytes.NewReader(append([]byte(nil), e.data...))), nil
}

type memWriter struct {
	bytes.Buffer
	m    *Memory
	path string
}

func (w *memWriter) Close() error {
	return w.m.WriteFile(context.Background(), w.path, w.Bytes())
}

func (m *Memory) Create(ctx context.Context, p string, overwrite bool) (io.WriteCloser, error) {
	p = Clean(p)
	m.mu.RLock()
	e, exists := m.entries[p]
	m.mu.RUnlock()
	if exists && (e.isDir || !overwrite) {
		return nil, fmt.Errorf("create %s: %w", p, ErrExist)
	}
	return &memWriter{m: m, path: p}, nil
}

func (m *Memory) Delete(ctx context.Context, p string) error {
	p = Clean(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[p]; !ok {
		return fmt.Errorf("delete %s: %w", p, ErrNotExist)
	}
	prefix := strings.TrimSuffix(p, "/") + "/"
	for q := range m.entries {
		if q == p || strings.HasPrefix(q, prefix) {
			delete(m.entries, q)
			delete(m.cached, q)
		}
	}
	m.events = append(m.events, NamespaceEvent{Op: OpDelete, Path: p, Time: m.now().UnixMilli()})
	return nil
}

func (m *Memory) Rename(ctx context.Context, src, dst string) error {
	src, dst = Clean(src), Clean(dst)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[src]; !ok {
		return fmt.Errorf("rename %s: %w", src, ErrNotExist)
	}
	if _, ok := m.entries[dst]; ok {
		return fmt.Errorf("rename %s: %w", dst, ErrExist)
	}
	if err := m.mkdirsLocked(parentOf(dst)); err != nil {
		return err
	}
	if strings.HasPrefix(dst, src+"/") {
		return fmt.Errorf("rename %s into itself", src)
	}
	moved := make(map[string]*memEntry)
	for q, e := range m.entries {
		if q == src || strings.HasPrefix(q, src+"/") {
			moved[dst+strings.TrimPrefix(q, src)] = e
			delete(m.entries, q)
		}
	}
	for q, e := range moved {
		m.entries[q] = e
	}
	m.events = append(m.events, NamespaceEvent{Op: OpRename, Path: src, NewPath: dst, Time: m.now().UnixMilli()})
	return nil
}

func (m *Memory) AddCacheDirective(ctx context.Context, p string) error {
	p = Clean(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[p]; !ok {
		return fmt.Errorf("cache %s: %w", p, ErrNotExist)
	}
	m.cached[p] = true
	return nil
}

func (m *Memory) RemoveCacheDirective(ctx context.Context, p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cached, Clean(p))
	return nil
}

func (m *Memory) IsCached(ctx context.Context, p string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cached[Clean(p)], nil
}

func (m *Memory) FetchAccessEvents(ctx context.Context) ([]AccessEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.access
	m.access = nil
	return out, nil
}

func (m *Memory) FetchNamespaceEvents(ctx context.Context) ([]NamespaceEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.events
	m.events = nil
	return out, nil
}
