//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package controller

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// instanceLock 以獨佔建立的檔案作為鎖；異常結束後需要手動刪除
type instanceLock struct {
	path string
	f    *os.File
}

func acquireLock(path string) (*instanceLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("controller: create lock dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("%w (lock %s)", ErrAnotherInstance, path)
	}
	if err != nil {
		return nil, fmt.Errorf("controller: open lock file: %w", err)
	}
	_, _ = f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	return &instanceLock{path: path, f: f}, nil
}

func (l *instanceLock) release() error {
	err := l.f.Close()
	if rmErr := os.Remove(l.path); rmErr != nil && err == nil {
		err = rmErr
	}
	return err
}
