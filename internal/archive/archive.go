// Package archive extracts entries of a zip into an instance. All entries
// taken from one archive are written in a single pass over it.
package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"instsync/internal/file"
	"instsync/internal/task"
)

var (
	ErrEntryNotFound = errors.New("entry not found in archive")
	ErrNotOpen       = errors.New("archive not open")
)

// Entry maps one member of the archive to a destination file.
type Entry struct {
	Name        string
	Destination string
	Hashes      map[string]string
	Size        int64
}

// ValidationError reports an extracted entry whose content does not match.
type ValidationError struct {
	Archive   string
	Entry     string
	Algorithm string
	Expected  string
	Actual    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validate %s!%s: %s expected %s, got %s", e.Archive, e.Entry, e.Algorithm, e.Expected, e.Actual)
}

// Job is one extraction pass. Archive is the task to run; Entries holds one
// child task per entry, in the order they were given.
type Job struct {
	Archive *task.Task
	Entries []*task.Task

	path    string
	mu      sync.Mutex
	members map[string]*zip.File
}

// NewJob prepares the extraction of entries from the zip at archivePath.
func NewJob(archivePath string, entries []Entry, opts ...task.Option) *Job {
	j := &Job{path: archivePath}
	j.Entries = make([]*task.Task, len(entries))
	for i, e := range entries {
		e := e
		j.Entries[i] = task.New("unzip-entry", func(ctx context.Context, t *task.Task) error {
			return j.extract(ctx, t, e)
		}, task.WithFrom(e.Name), task.WithTo(e.Destination), task.WithTotal(e.Size))
	}
	opts = append([]task.Option{task.WithFrom(archivePath)}, opts...)
	j.Archive = task.New("unzip", j.run, opts...)
	for _, child := range j.Entries {
		j.Archive.Add(child)
	}
	return j
}

func (j *Job) run(ctx context.Context, _ *task.Task) error {
	reader, err := zip.OpenReader(j.path)
	if err != nil {
		openErr := fmt.Errorf("open archive %s: %w", j.path, err)
		for _, child := range j.Entries {
			_ = child.Run(failed(ctx, openErr))
		}
		return openErr
	}
	defer func() { _ = reader.Close() }()

	members := make(map[string]*zip.File, len(reader.File))
	for _, f := range reader.File {
		members[normalizeName(f.Name)] = f
	}
	j.mu.Lock()
	j.members = members
	j.mu.Unlock()

	var errs []error
	for _, child := range j.Entries {
		if err := child.Run(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (j *Job) extract(ctx context.Context, t *task.Task, e Entry) error {
	if err := t.Checkpoint(ctx); err != nil {
		return err
	}
	if err := openFailure(ctx); err != nil {
		return err
	}
	j.mu.Lock()
	members := j.members
	j.mu.Unlock()
	if members == nil {
		return ErrNotOpen
	}
	member, ok := members[normalizeName(e.Name)]
	if !ok {
		return fmt.Errorf("%s in %s: %w", e.Name, j.path, ErrEntryNotFound)
	}
	if e.Size <= 0 {
		t.SetTotal(int64(member.UncompressedSize64)) //nolint:gosec // sizes fit in int64
	}

	src, err := member.Open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", e.Name, err)
	}
	defer func() { _ = src.Close() }()

	pending := file.PendingPath(e.Destination)
	if err := file.EnsureDir(filepath.Dir(pending)); err != nil {
		return err
	}
	if err := writePending(ctx, t, pending, src, e, j.path); err != nil {
		_ = os.Remove(pending)
		log.Warn().Str("archive", j.path).Str("entry", e.Name).Err(err).Msg("entry extraction failed")
		return err
	}
	if err := file.Promote(pending, e.Destination); err != nil {
		_ = os.Remove(pending)
		return err
	}
	return nil
}

func writePending(ctx context.Context, t *task.Task, pending string, src io.Reader, e Entry, archivePath string) error {
	out, err := os.Create(pending) //nolint:gosec // path validated by caller
	if err != nil {
		return fmt.Errorf("create pending: %w", err)
	}
	algos := make([]string, 0, len(e.Hashes))
	for algo := range e.Hashes {
		algos = append(algos, algo)
	}
	hasher := file.NewMultiHasher(algos...)
	_, copyErr := task.Copy(ctx, t, io.MultiWriter(out, hasher), src)
	if copyErr == nil {
		copyErr = out.Sync()
	}
	if closeErr := out.Close(); copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		return fmt.Errorf("extract %s: %w", e.Name, copyErr)
	}
	sums := hasher.Sums()
	if algo, mismatch, _ := file.Mismatch(e.Hashes, sums); mismatch {
		return &ValidationError{Archive: archivePath, Entry: e.Name, Algorithm: algo, Expected: e.Hashes[algo], Actual: sums[algo]}
	}
	return nil
}

func normalizeName(name string) string {
	return strings.TrimPrefix(strings.ReplaceAll(name, `\`, "/"), "/")
}

type openErrKey struct{}

// failed marks ctx so entry tasks settle with the archive's open error
// instead of running.
func failed(ctx context.Context, err error) context.Context {
	return context.WithValue(ctx, openErrKey{}, err)
}

func openFailure(ctx context.Context) error {
	if err, ok := ctx.Value(openErrKey{}).(error); ok {
		return err
	}
	return nil
}
