package install

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"instsync/internal/archive"
	"instsync/internal/download"
	"instsync/internal/file"
	"instsync/internal/instance"
	"instsync/internal/task"
)

// buildGroups creates one aggregate task per strategy in use, each holding
// a child task per file. Archive entries are grouped per archive so every
// archive is read once.
func (e *Engine) buildGroups(ctx context.Context, installs, removals []*job) []*task.Task {
	byStrategy := make(map[Strategy][]*task.Task)
	type batch struct {
		path    string
		entries []archive.Entry
		jobs    []*job
	}
	var (
		archiveOrder []string
		archives     = make(map[string]*batch)
	)

	for _, j := range installs {
		if j.err != nil {
			continue
		}
		switch j.route.Strategy {
		case StrategyStore:
			j.task = e.linkTask("store-link", j.route.Source, j, instance.Origin{})
		case StrategyLocal:
			j.task = e.linkTask("local-link", j.route.Origin.Path, j, j.route.Origin)
		case StrategyDownload:
			j.task = e.downloader.NewTask(download.Request{
				URLs:        j.route.URLs,
				Destination: j.dest,
				Hashes:      j.file.Hashes,
				Size:        j.file.Size,
			})
		case StrategyPeer:
			j.task = e.peer.CreateDownloadTask(j.route.Origin.URI, j.dest, j.file.SHA1(), j.file.Size)
		case StrategyUnzip:
			path, err := e.archivePath(ctx, j.route.Origin)
			if err != nil {
				j.err = err
				continue
			}
			b, ok := archives[path]
			if !ok {
				b = &batch{path: path}
				archives[path] = b
				archiveOrder = append(archiveOrder, path)
			}
			b.entries = append(b.entries, archive.Entry{
				Name:        j.route.Origin.Entry,
				Destination: j.dest,
				Hashes:      j.file.Hashes,
				Size:        j.file.Size,
			})
			b.jobs = append(b.jobs, j)
			continue
		}
		byStrategy[j.route.Strategy] = append(byStrategy[j.route.Strategy], j.task)
	}

	for _, path := range archiveOrder {
		b := archives[path]
		aj := archive.NewJob(b.path, b.entries)
		for i, j := range b.jobs {
			j.task = aj.Entries[i]
		}
		byStrategy[StrategyUnzip] = append(byStrategy[StrategyUnzip], aj.Archive)
	}

	var removeTasks []*task.Task
	for _, j := range removals {
		j.task = e.removeTask(j)
		removeTasks = append(removeTasks, j.task)
	}

	var groups []*task.Task
	for _, s := range []Strategy{StrategyStore, StrategyLocal, StrategyUnzip, StrategyDownload, StrategyPeer} {
		if tasks := byStrategy[s]; len(tasks) > 0 {
			groups = append(groups, task.NewGroup(string(s), tasks, e.maxFiles))
		}
	}
	if len(removeTasks) > 0 {
		groups = append(groups, task.NewGroup("remove", removeTasks, e.maxFiles))
	}
	return groups
}

// archivePath locates the archive behind a zip:// origin. Hash-addressed
// archives are looked up in the content store.
func (e *Engine) archivePath(ctx context.Context, o instance.Origin) (string, error) {
	if o.Path != "" {
		return o.Path, nil
	}
	if e.store == nil {
		return "", fmt.Errorf("archive %s: %w", o.Hash, errNoStore)
	}
	res, found, err := e.store.Lookup(ctx, o.Hash)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("archive %s not in store: %w", o.Hash, errArchiveMissing)
	}
	if alive, err := e.store.Touch(ctx, res); err != nil || !alive {
		return "", fmt.Errorf("archive %s blob missing: %w", o.Hash, errArchiveMissing)
	}
	return e.store.BlobPath(o.Hash), nil
}

var (
	errNoStore        = errors.New("no content store configured")
	errArchiveMissing = errors.New("archive unavailable")
)

// linkTask hardlinks or copies src over the job's destination. Local
// sources are verified against the manifest first; store blobs are
// content-addressed already.
func (e *Engine) linkTask(name, src string, j *job, origin instance.Origin) *task.Task {
	f := j.file
	return task.New(name, func(ctx context.Context, t *task.Task) error {
		if err := t.Checkpoint(ctx); err != nil {
			return err
		}
		if origin.Kind == instance.OriginFile {
			if err := verifyLocal(src, origin.URI, f.Hashes); err != nil {
				return err
			}
		}
		if _, err := file.LinkOrCopy(ctx, src, j.dest, e.linkTimeout); err != nil {
			return err
		}
		if e.store != nil && origin.Kind == "" {
			if uris := httpURIs(f); len(uris) > 0 {
				if err := e.store.AddURIs(ctx, f.SHA1(), uris); err != nil {
					log.Warn().Str("path", f.Path).Err(err).Msg("record uris failed")
				}
			}
		}
		return nil
	}, task.WithFrom(src), task.WithTo(j.dest), task.WithTotal(f.Size))
}

func verifyLocal(src, uri string, expected map[string]string) error {
	algos := make([]string, 0, len(expected))
	for algo := range expected {
		algos = append(algos, algo)
	}
	sums, err := file.HashFile(src, algos...)
	if err != nil {
		return err
	}
	if algo, mismatch, _ := file.Mismatch(expected, sums); mismatch {
		return &download.ValidationError{URL: uri, Algorithm: algo, Expected: expected[algo], Actual: sums[algo]}
	}
	return nil
}

// removeTask deletes or backs up a file the new manifest no longer lists.
// A plain remove only deletes content that still matches the old manifest.
func (e *Engine) removeTask(j *job) *task.Task {
	return task.New(string(j.op.Operation), func(ctx context.Context, t *task.Task) error {
		if err := t.Checkpoint(ctx); err != nil {
			return err
		}
		if !file.Exists(j.dest) {
			return nil
		}
		if j.op.Operation == instance.OpBackupRemove {
			_, err := file.MoveToBackup(j.dest)
			return err
		}
		algos := make([]string, 0, len(j.file.Hashes))
		for algo := range j.file.Hashes {
			algos = append(algos, algo)
		}
		sums, err := file.HashFile(j.dest, algos...)
		if err != nil {
			return err
		}
		if _, mismatch, ok := file.Mismatch(j.file.Hashes, sums); !ok || mismatch {
			log.Info().Str("path", j.file.Path).Msg("content changed since last install, kept")
			return nil
		}
		if err := os.Remove(j.dest); err != nil {
			return fmt.Errorf("remove %s: %w", j.file.Path, err)
		}
		return nil
	}, task.WithTo(j.dest))
}
