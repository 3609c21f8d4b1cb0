// Package dfs is the client side of the distributed file system the control
// plane manages. Client is the narrow surface the movers, actions and the
// states poller use; Memory simulates a cluster and Local maps storage tiers
// onto directories.
package dfs

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"

	"github.com/ChuLiYu/smart-tier/pkg/types"
)

var (
	// ErrNotExist is returned for paths absent from the namespace.
	ErrNotExist = errors.New("dfs: file does not exist")
	// ErrExist is returned when creating a path that already exists.
	ErrExist = errors.New("dfs: file already exists")
	// ErrIsDir is returned for file-only operations on a directory.
	ErrIsDir = errors.New("dfs: is a directory")
	// ErrUnknownPolicy is returned for storage policy names not in the table.
	ErrUnknownPolicy = errors.New("dfs: unknown storage policy")
)

// StorageType is the medium a block replica lives on.
type StorageType string

const (
	RAMDisk StorageType = "RAM_DISK"
	SSD     StorageType = "SSD"
	Disk    StorageType = "DISK"
	Archive StorageType = "ARCHIVE"
)

// Policy names a replica placement rule.
type Policy string

const (
	PolicyHot         Policy = "HOT"
	PolicyWarm        Policy = "WARM"
	PolicyCold        Policy = "COLD"
	PolicyAllSSD      Policy = "ALL_SSD"
	PolicyOneSSD      Policy = "ONE_SSD"
	PolicyLazyPersist Policy = "LAZY_PERSIST"
)

// DefaultPolicy applies to paths without an explicit or inherited policy.
const DefaultPolicy = PolicyHot

// ParsePolicy accepts policy names case-insensitively.
func ParsePolicy(name string) (Policy, error) {
	p := Policy(strings.ToUpper(strings.TrimSpace(name)))
	switch p {
	case PolicyHot, PolicyWarm, PolicyCold, PolicyAllSSD, PolicyOneSSD, PolicyLazyPersist:
		return p, nil
	}
	return "", ErrUnknownPolicy
}

// StorageTypes returns the wanted medium for each of replication replicas.
func (p Policy) StorageTypes(replication int) []StorageType {
	if replication <= 0 {
		return nil
	}
	out := make([]StorageType, replication)
	for i := range out {
		switch p {
		case PolicyAllSSD:
			out[i] = SSD
		case PolicyOneSSD:
			out[i] = pick(i == 0, SSD, Disk)
		case PolicyWarm:
			out[i] = pick(i == 0, Disk, Archive)
		case PolicyCold:
			out[i] = Archive
		case PolicyLazyPersist:
			out[i] = pick(i == 0, RAMDisk, Disk)
		default:
			out[i] = Disk
		}
	}
	return out
}

func pick(first bool, a, b StorageType) StorageType {
	if first {
		return a
	}
	return b
}

// FileStatus describes one namespace entry.
type FileStatus struct {
	FileID        int64
	Path          string
	Length        int64
	IsDir         bool
	Replication   int
	BlockSize     int64
	ModTime       int64 // Unix ms
	AccessTime    int64 // Unix ms
	StoragePolicy Policy
}

// FileInfo converts s to the row stored in the files table.
func (s FileStatus) FileInfo() types.FileInfo {
	return types.FileInfo{
		FileID:           s.FileID,
		Path:             s.Path,
		Length:           s.Length,
		Replication:      s.Replication,
		BlockSize:        s.BlockSize,
		ModificationTime: s.ModTime,
		AccessTime:       s.AccessTime,
		IsDir:            s.IsDir,
		StoragePolicy:    string(s.StoragePolicy),
	}
}

// LocatedBlock is one block of a file with the medium of each replica.
type LocatedBlock struct {
	Index    int
	Offset   int64
	Length   int64
	Replicas []StorageType
}

// NamespaceOp classifies a namespace change.
type NamespaceOp string

const (
	OpCreate NamespaceOp = "CREATE"
	OpModify NamespaceOp = "MODIFY"
	OpDelete NamespaceOp = "DELETE"
	OpRename NamespaceOp = "RENAME"
)

// NamespaceEvent is one change to the namespace.
type NamespaceEvent struct {
	Op      NamespaceOp
	Path    string
	NewPath string // set for OpRename
	Time    int64
}

// AccessEvent records one read of a file.
type AccessEvent struct {
	Path string
	Time int64
}

// Client is the file-system surface used by the control plane.
type Client interface {
	GetFileInfo(ctx context.Context, p string) (FileStatus, error)
	List(ctx context.Context, dir string) ([]FileStatus, error)
	Exists(ctx context.Context, p string) (bool, error)

	SetStoragePolicy(ctx context.Context, p string, policy Policy) error
	GetStoragePolicy(ctx context.Context, p string) (Policy, error)
	GetBlockLocations(ctx context.Context, p string) ([]LocatedBlock, error)
	MoveReplica(ctx context.Context, p string, block, replica int, target StorageType) error

	Open(ctx context.Context, p string) (io.ReadCloser, error)
	Create(ctx context.Context, p string, overwrite bool) (io.WriteCloser, error)
	Delete(ctx context.Context, p string) error
	Rename(ctx context.Context, src, dst string) error

	AddCacheDirective(ctx context.Context, p string) error
	RemoveCacheDirective(ctx context.Context, p string) error
	IsCached(ctx context.Context, p string) (bool, error)

	FetchAccessEvents(ctx context.Context) ([]AccessEvent, error)
	FetchNamespaceEvents(ctx context.Context) ([]NamespaceEvent, error)
}

// Clean normalizes a namespace path to an absolute, slash-separated form.
func Clean(p string) string {
	if p == "" {
		return "/"
	}
	return path.Clean("/" + p)
}

// Walk visits root and every entry below it, depth first.
func Walk(ctx context.Context, c Client, root string, fn func(FileStatus) error) error {
	st, err := c.GetFileInfo(ctx, root)
	if err != nil {
		return err
	}
	if err := fn(st); err != nil {
		return err
	}
	if !st.IsDir {
		return nil
	}
	children, err := c.List(ctx, root)
	if err != nil {
		return err
	}
	for _, ch := range children {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := Walk(ctx, c, ch.Path, fn); err != nil {
			return err
		}
	}
	return nil
}
