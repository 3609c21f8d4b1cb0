// Package action holds the pluggable operations a command runs.
//
// An Action is created per command through the Registry, initialized with
// the command parameters and executed once. Log and Result are append-only
// text written back to the command row.
package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/smart-tier/internal/dfs"
	"github.com/ChuLiYu/smart-tier/internal/mover"
	"github.com/ChuLiYu/smart-tier/pkg/types"
)

var (
	// ErrUnknownAction is returned by Registry.Create for an unregistered type.
	ErrUnknownAction = errors.New("action: unknown action type")
	// ErrMissingParam is returned by Init when a required parameter is absent.
	ErrMissingParam = errors.New("action: missing parameter")
)

// Action is one executable operation.
type Action interface {
	Init(params map[string]string) error
	Execute(ctx context.Context) error
	Log() string
	Result() string
}

// Deps are the collaborators handed to every action factory.
type Deps struct {
	FS     dfs.Client
	Movers *mover.Pool
	Logger *slog.Logger
	Now    func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Base implements parameter storage and the append-only log and result.
type Base struct {
	mu     sync.Mutex
	params map[string]string
	log    strings.Builder
	result strings.Builder
}

// Init copies params.
func (b *Base) Init(params map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.params = make(map[string]string, len(params))
	for k, v := range params {
		b.params[k] = v
	}
	return nil
}

// Param returns the value of key, or "" when absent.
func (b *Base) Param(key string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.params[key]
}

// HasParam reports whether key was given.
func (b *Base) HasParam(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.params[key]
	return ok
}

// FilePath returns the matched file path parameter.
func (b *Base) FilePath() string {
	return b.Param(types.FilePathKey)
}

// requireFilePath fails Init for actions that operate on a file.
func (b *Base) requireFilePath() error {
	if b.FilePath() == "" {
		return fmt.Errorf("%w: %s", ErrMissingParam, types.FilePathKey)
	}
	return nil
}

// AppendLog adds one line to the action log.
func (b *Base) AppendLog(format string, args ...any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.log.Len() > 0 {
		b.log.WriteByte('\n')
	}
	fmt.Fprintf(&b.log, format, args...)
}

// AppendResult adds one line to the action result.
func (b *Base) AppendResult(s string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.result.Len() > 0 {
		b.result.WriteByte('\n')
	}
	b.result.WriteString(s)
}

func (b *Base) Log() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.log.String()
}

func (b *Base) Result() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.result.String()
}

// formatTime 與日誌中的時間格式一致
func formatTime(t time.Time) string {
	return t.Format("2006-01-02 15:04:05")
}
