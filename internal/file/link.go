package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultLinkTimeout bounds how long a hardlink attempt may block before
// LinkOrCopy falls back to copying.
const DefaultLinkTimeout = 5 * time.Second

// LinkOrCopy places the content of src at dst. A hardlink is attempted first;
// when it fails (cross-volume, unsupported filesystem) or takes longer than
// timeout, the bytes are copied instead. dst is replaced atomically in both
// cases, so a reader never observes a half-written file.
func LinkOrCopy(ctx context.Context, src, dst string, timeout time.Duration) (linked bool, err error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if timeout <= 0 {
		timeout = DefaultLinkTimeout
	}
	if err := EnsureDir(filepath.Dir(dst)); err != nil {
		return false, err
	}

	if SameFile(src, dst) {
		return true, nil
	}

	pending := PendingPath(dst)
	_ = os.Remove(pending)

	var (
		mu        sync.Mutex
		abandoned bool
	)
	done := make(chan error, 1)
	go func() {
		linkErr := os.Link(src, pending)
		mu.Lock()
		defer mu.Unlock()
		if abandoned && linkErr == nil {
			_ = os.Remove(pending)
		}
		done <- linkErr
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var linkErr error
	select {
	case linkErr = <-done:
	case <-timer.C:
		mu.Lock()
		abandoned = true
		mu.Unlock()
		linkErr = fmt.Errorf("hardlink timed out after %s", timeout)
	case <-ctx.Done():
		mu.Lock()
		abandoned = true
		mu.Unlock()
		return false, ctx.Err()
	}

	if linkErr == nil {
		if err := Promote(pending, dst); err != nil {
			_ = os.Remove(pending)
			return false, err
		}
		return true, nil
	}

	log.Debug().Str("src", src).Str("dst", dst).Err(linkErr).Msg("hardlink failed, copying")
	if err := CopyFileAtomic(src, dst); err != nil {
		return false, err
	}
	return false, nil
}

// SameFile reports whether a and b refer to the same inode.
func SameFile(a, b string) bool {
	ia, err := os.Stat(a)
	if err != nil {
		return false
	}
	ib, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(ia, ib)
}

// Backup preserves filename at its backup path, replacing an older backup.
// The original stays in place; it is linked when possible and copied otherwise.
func Backup(ctx context.Context, filename string) (string, error) {
	backup := BackupPath(filename)
	if err := os.Remove(backup); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("remove old backup: %w", err)
	}
	if _, err := LinkOrCopy(ctx, filename, backup, DefaultLinkTimeout); err != nil {
		return "", fmt.Errorf("backup %s: %w", filename, err)
	}
	return backup, nil
}

// MoveToBackup renames filename to its backup path.
func MoveToBackup(filename string) (string, error) {
	backup := BackupPath(filename)
	if err := os.Rename(filename, backup); err != nil {
		return "", fmt.Errorf("move to backup: %w", err)
	}
	return backup, nil
}
