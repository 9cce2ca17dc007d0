package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	defaultTrailSizeMB  = 100
	defaultTrailBackups = 14
)

// auditTrail is a size-rotated append-only file. When the current file
// would exceed the size limit it is renamed to path.1 and the numbered
// backups shift up, dropping the oldest once maxBackups is reached.
// Custody events are never discarded by age.
type auditTrail struct {
	mu         sync.Mutex
	path       string
	maxSize    int64
	maxBackups int
	file       *os.File
	written    int64
}

func newAuditTrail(path string, maxSizeMB, maxBackups int) (*auditTrail, error) {
	if path == "" {
		return nil, errors.New("audit trail path is required")
	}
	if maxSizeMB <= 0 {
		maxSizeMB = defaultTrailSizeMB
	}
	if maxBackups <= 0 {
		maxBackups = defaultTrailBackups
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit trail directory: %w", err)
	}
	return &auditTrail{
		path:       path,
		maxSize:    int64(maxSizeMB) << 20,
		maxBackups: maxBackups,
	}, nil
}

func (t *auditTrail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.open(); err != nil {
		return 0, err
	}
	if t.written+int64(len(p)) > t.maxSize {
		if err := t.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := t.file.Write(p)
	t.written += int64(n)
	return n, err
}

func (t *auditTrail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	t.written = 0
	return err
}

// open lazily opens the current file and picks up its existing size,
// so a restart continues the same rotation schedule.
func (t *auditTrail) open() error {
	if t.file != nil {
		return nil
	}
	file, err := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit trail: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit trail: %w", err)
	}
	t.file = file
	t.written = info.Size()
	return nil
}

func (t *auditTrail) rotate() error {
	if t.file != nil {
		_ = t.file.Close()
		t.file = nil
	}
	t.written = 0

	for i := t.maxBackups - 1; i >= 1; i-- {
		src := t.backupPath(i)
		if _, err := os.Stat(src); err == nil {
			_ = os.Rename(src, t.backupPath(i+1))
		}
	}
	if _, err := os.Stat(t.path); err == nil {
		_ = os.Rename(t.path, t.backupPath(1))
	}
	return t.open()
}

func (t *auditTrail) backupPath(n int) string {
	return fmt.Sprintf("%s.%d", t.path, n)
}
