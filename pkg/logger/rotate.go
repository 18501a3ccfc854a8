package logger

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	backupStamp       = "20060102T150405"
	defaultMaxSizeMB  = 100
	defaultMaxBackups = 7
	defaultMaxAgeDays = 30
)

// rollingFile rotates the target file by size, keeping timestamped
// backups pruned by count and age.
type rollingFile struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	maxSize    int64
	maxBackups int
	maxAge     time.Duration
	size       int64
}

func newRollingFile(path string, maxSizeMB, maxBackups, maxAgeDays int) (*rollingFile, error) {
	if path == "" {
		return nil, errors.New("path is required")
	}
	if maxSizeMB <= 0 {
		maxSizeMB = defaultMaxSizeMB
	}
	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}
	if maxAgeDays <= 0 {
		maxAgeDays = defaultMaxAgeDays
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &rollingFile{
		path:       path,
		maxSize:    int64(maxSizeMB) << 20,
		maxBackups: maxBackups,
		maxAge:     time.Duration(maxAgeDays) * 24 * time.Hour,
	}, nil
}

func (w *rollingFile) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		if err := w.open(); err != nil {
			return 0, err
		}
	}
	if w.size+int64(len(p)) > w.maxSize {
		if err := w.roll(); err != nil {
			return 0, err
		}
		if err := w.open(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *rollingFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.size = 0
	return err
}

// open opens the target for appending and records its current size.
func (w *rollingFile) open() error {
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	size, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("seek audit log: %w", err)
	}
	w.file = file
	w.size = size
	return nil
}

// roll moves the current file aside under a timestamped backup name.
func (w *rollingFile) roll() error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	w.size = 0

	if _, err := os.Stat(w.path); err == nil {
		backup := w.path + "." + time.Now().UTC().Format(backupStamp)
		if err := os.Rename(w.path, backup); err != nil {
			return fmt.Errorf("rotate audit log: %w", err)
		}
	}
	w.prune()
	return nil
}

// prune removes backups beyond the retention count or older than maxAge.
func (w *rollingFile) prune() {
	backups := w.backups()
	if excess := len(backups) - w.maxBackups; excess > 0 {
		for _, old := range backups[:excess] {
			_ = os.Remove(old)
		}
		backups = backups[excess:]
	}
	cutoff := time.Now().Add(-w.maxAge)
	for _, path := range backups {
		if info, err := os.Stat(path); err == nil && info.ModTime().Before(cutoff) {
			_ = os.Remove(path)
		}
	}
}

// backups lists timestamped backups of the target path, oldest first.
func (w *rollingFile) backups() []string {
	matches, err := filepath.Glob(w.path + ".*")
	if err != nil {
		return nil
	}
	names := matches[:0]
	for _, m := range matches {
		stamp := strings.TrimPrefix(m, w.path+".")
		if _, err := time.Parse(backupStamp, stamp); err == nil {
			names = append(names, m)
		}
	}
	sort.Strings(names)
	return names
}
