package mutex

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cronkeeper/internal/fault"
	logx "cronkeeper/pkg/logx"
)

// FileMutex keeps one lock file per task in a directory.
type FileMutex struct {
	dir string
	log logx.Logger
}

// NewFile creates dir if needed.
func NewFile(dir string, log logx.Logger) (*FileMutex, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "cronkeeper-locks")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fault.Lock("lock dir", err)
	}
	return &FileMutex{dir: dir, log: log}, nil
}

func (m *FileMutex) Kind() Kind { return KindFile }

func (m *FileMutex) path(taskID string) string {
	sum := md5.Sum([]byte(taskID))
	return filepath.Join(m.dir, hex.EncodeToString(sum[:])+".lock")
}

// Acquire creates the lock file exclusively; an existing file means held.
func (m *FileMutex) Acquire(_ context.Context, taskID string) (bool, error) {
	if err := requireID("acquire", taskID); err != nil {
		return false, err
	}
	f, err := os.OpenFile(m.path(taskID), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fault.Lock("acquire", err)
	}
	_, werr := fmt.Fprintf(f, "%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	cerr := f.Close()
	if werr != nil || cerr != nil {
		// The file exists and therefore the lock is held; content is informational.
		m.log.Warn("lock file metadata not written", logx.String("task_id", taskID), logx.Err(errors.Join(werr, cerr)))
	}
	return true, nil
}

func (m *FileMutex) Release(_ context.Context, taskID string) (bool, error) {
	if err := requireID("release", taskID); err != nil {
		return false, err
	}
	err := os.Remove(m.path(taskID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fault.Lock("release", err)
	}
	return true, nil
}

func (m *FileMutex) Exists(_ context.Context, taskID string) (bool, error) {
	if err := requireID("exists", taskID); err != nil {
		return false, err
	}
	_, err := os.Stat(m.path(taskID))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fault.Lock("exists", err)
}
