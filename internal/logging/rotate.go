package logging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
)

const (
	defaultMaxSizeMB  = 100
	defaultMaxBackups = 5

	filePerm os.FileMode = 0o600
	dirPerm  os.FileMode = 0o700
)

// rotatingFile appends to path and renames it to path.<timestamp> once it
// would grow beyond limit bytes. Only the newest backups are kept.
type rotatingFile struct {
	mu      sync.Mutex
	path    string
	limit   int64
	backups int
	f       *os.File
	size    int64
}

func openRotatingFile(path string, maxSizeMB, maxBackups int) (*rotatingFile, error) {
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if maxSizeMB <= 0 {
		maxSizeMB = defaultMaxSizeMB
	}
	if maxBackups == 0 {
		maxBackups = defaultMaxBackups
	}
	r := &rotatingFile{
		path:    path,
		limit:   int64(maxSizeMB) << 20,
		backups: maxBackups,
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.open(); err != nil {
		return 0, err
	}
	if r.size > 0 && r.size+int64(len(p)) > r.limit {
		if err := r.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := r.f.Write(p)
	r.size += int64(n)
	if err != nil {
		return n, fmt.Errorf("write %s: %w", r.path, err)
	}
	return n, nil
}

func (r *rotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.close()
}

func (r *rotatingFile) open() error {
	if r.f != nil {
		return nil
	}
	if err := regularOrMissing(r.path); err != nil {
		return err
	}
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	r.f, r.size = f, 0
	if info, err := f.Stat(); err == nil {
		r.size = info.Size()
	}
	return nil
}

func (r *rotatingFile) close() error {
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f, r.size = nil, 0
	return err
}

func (r *rotatingFile) rotate() error {
	if err := r.close(); err != nil {
		return fmt.Errorf("close %s before rotation: %w", r.path, err)
	}
	backup := r.path + "." + nowFn().UTC().Format("20060102-150405.000")
	if err := os.Rename(r.path, backup); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "logging: rotate %s: %v\n", r.path, err)
	}
	r.prune()
	return r.open()
}

// prune removes the oldest backups beyond the configured count. Backup names
// sort chronologically.
func (r *rotatingFile) prune() {
	if r.backups < 0 {
		return
	}
	matches, err := filepath.Glob(r.path + ".*")
	if err != nil || len(matches) <= r.backups {
		return
	}
	sort.Strings(matches)
	for _, old := range matches[:len(matches)-r.backups] {
		if err := os.Remove(old); err != nil {
			fmt.Fprintf(os.Stderr, "logging: remove old log %s: %v\n", old, err)
		}
	}
}

func regularOrMissing(path string) error {
	info, err := os.Lstat(path)
	switch {
	case errors.Is(err, os.ErrNotExist), errors.Is(err, syscall.ENOTDIR):
		return nil
	case err != nil:
		return err
	case info.Mode()&os.ModeSymlink != 0:
		return fmt.Errorf("refusing to log through symlink %q", path)
	case !info.Mode().IsRegular():
		return fmt.Errorf("log path %q is not a regular file", path)
	}
	return nil
}
