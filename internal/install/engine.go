// Package install reconciles an instance directory with a desired manifest:
// it diffs, resolves missing sources, routes every file to one install
// strategy and runs the strategies as a task tree under the instance lock.
package install

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"instsync/internal/download"
	"instsync/internal/file"
	"instsync/internal/instance"
	"instsync/internal/lock"
	"instsync/internal/metrics"
	"instsync/internal/peer"
	"instsync/internal/resolver"
	"instsync/internal/store"
	"instsync/internal/task"
)

const (
	defaultMaxConcurrentFiles = 8
	defaultLockTimeout        = 30 * time.Second
)

type Options struct {
	Locks      *lock.Registry
	Store      store.Store
	Resolver   *resolver.Resolver
	Downloader *download.Downloader
	Peer       peer.Transfer
	Metrics    metrics.Metrics

	MaxConcurrentFiles int
	LockTimeout        time.Duration
	LinkTimeout        time.Duration
	// FreeSpace backs the disk preflight; nil uses the host's disk usage.
	FreeSpace FreeSpaceFunc
}

// Engine runs install, diff and check operations against instance
// directories. One engine serves any number of instances.
type Engine struct {
	locks       *lock.Registry
	store       store.Store
	resolver    *resolver.Resolver
	downloader  *download.Downloader
	peer        peer.Transfer
	metrics     metrics.Metrics
	maxFiles    int
	lockTimeout time.Duration
	linkTimeout time.Duration
	freeSpace   FreeSpaceFunc
}

func New(opts Options) *Engine {
	if opts.Locks == nil {
		opts.Locks = lock.NewRegistry()
	}
	if opts.Downloader == nil {
		opts.Downloader = download.New(download.Options{Metrics: opts.Metrics})
	}
	if opts.Peer == nil {
		opts.Peer = peer.Disabled{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop()
	}
	if opts.MaxConcurrentFiles <= 0 {
		opts.MaxConcurrentFiles = defaultMaxConcurrentFiles
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = defaultLockTimeout
	}
	if opts.LinkTimeout <= 0 {
		opts.LinkTimeout = file.DefaultLinkTimeout
	}
	if opts.FreeSpace == nil {
		opts.FreeSpace = diskFree
	}
	return &Engine{
		locks:       opts.Locks,
		store:       opts.Store,
		resolver:    opts.Resolver,
		downloader:  opts.Downloader,
		peer:        opts.Peer,
		metrics:     opts.Metrics,
		maxFiles:    opts.MaxConcurrentFiles,
		lockTimeout: opts.LockTimeout,
		linkTimeout: opts.LinkTimeout,
		freeSpace:   opts.FreeSpace,
	}
}

// Request is one install run.
type Request struct {
	InstancePath string
	// Files is the desired manifest.
	Files []instance.File
	// OldFiles is the manifest the instance was last installed from.
	OldFiles []instance.File
}

// Install returns the root task of a run. Nothing happens until the task is
// run; its terminal error is nil, a *PartialFailure, a lock or probe error,
// or the context error on cancellation.
func (e *Engine) Install(req Request) *task.Task {
	return task.New("install", func(ctx context.Context, root *task.Task) error {
		return e.run(ctx, root, req)
	}, task.WithTo(req.InstancePath))
}

// Diff classifies the operations an install of next over old would perform
// against what is on disk now.
func (e *Engine) Diff(ctx context.Context, instancePath string, old, next []instance.File) ([]instance.FileOperation, error) {
	old, invalid := instance.Canonicalize(old)
	if len(invalid) > 0 {
		return nil, invalid[0]
	}
	next, invalid = instance.Canonicalize(next)
	if len(invalid) > 0 {
		return nil, invalid[0]
	}
	release, err := e.locks.RLock(ctx, instancePath, e.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer release()
	current, err := instance.Probe(ctx, instancePath, old, next)
	if err != nil {
		return nil, fmt.Errorf("probe instance: %w", err)
	}
	return instance.Diff(old, current, next), nil
}

// Check returns the files an earlier unsettled run left to install.
func (e *Engine) Check(ctx context.Context, instancePath string) ([]instance.File, error) {
	release, err := e.locks.RLock(ctx, instancePath, e.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer release()
	return readProfile(instancePath)
}

// job is one executable operation of a run.
type job struct {
	op    instance.FileOperation
	file  instance.File
	dest  string
	route Route
	task  *task.Task
	err   error
}

func (e *Engine) run(ctx context.Context, root *task.Task, req Request) (err error) {
	started := time.Now()
	defer func() {
		e.metrics.RunFinished(runResult(ctx, err), time.Since(started))
	}()

	release, err := e.locks.Lock(ctx, req.InstancePath, e.lockTimeout)
	if err != nil {
		return err
	}
	defer release()

	var failures []FileError
	valid, invalid := instance.Canonicalize(req.Files)
	for _, perr := range invalid {
		failures = append(failures, FileError{Path: perr.Path, Err: perr})
	}
	old, _ := instance.Canonicalize(req.OldFiles)

	if err := root.Checkpoint(ctx); err != nil {
		return err
	}
	current, err := instance.Probe(ctx, req.InstancePath, old, valid)
	if err != nil {
		return fmt.Errorf("probe instance: %w", err)
	}

	var installs, removals []*job
	for _, op := range instance.Diff(old, current, valid) {
		if !instance.Executable(op) {
			continue
		}
		dest, rerr := instance.Resolve(req.InstancePath, op.File.Path)
		if rerr != nil {
			failures = append(failures, FileError{Path: op.File.Path, Err: rerr})
			continue
		}
		j := &job{op: op, file: op.File, dest: dest}
		if op.Operation.Installs() {
			installs = append(installs, j)
		} else {
			removals = append(removals, j)
		}
	}
	log.Info().Str("instance", req.InstancePath).Int("install", len(installs)).
		Int("remove", len(removals)).Int("invalid", len(failures)).Msg("install plan ready")

	if len(installs)+len(removals) == 0 {
		if err := removeProfile(req.InstancePath); err != nil {
			return err
		}
		return settle(failures)
	}

	if err := writeProfile(req.InstancePath, filesOf(installs)); err != nil {
		return err
	}
	var need int64
	for _, j := range installs {
		need += j.file.Size
	}
	preflight(req.InstancePath, need, e.freeSpace)

	// the recovery manifest already lists every install from here on
	if err := root.Checkpoint(ctx); err != nil {
		return err
	}
	hits := e.lookupStore(ctx, installs)
	if err := e.resolve(ctx, installs, hits); err != nil {
		return err
	}

	for _, j := range installs {
		j.route = Decide(j.file, hits[j.file.Path])
		if j.route.Strategy == StrategyUnresolved {
			j.err = &UnresolvedSourceError{Path: j.file.Path}
		}
	}
	e.backupSuperseded(ctx, installs)

	groups := e.buildGroups(ctx, installs, removals)
	for _, g := range groups {
		root.Add(g)
	}
	stop := make(chan struct{})
	watchers := newPendingSet(req.InstancePath, filesOf(installs)).track(installs, stop)
	_ = task.RunGroup(ctx, groups, 0)
	close(stop)
	watchers.Wait()

	for _, j := range installs {
		e.settleJob(ctx, j)
		if j.err != nil && !isCancellation(j.err) {
			failures = append(failures, FileError{Path: j.file.Path, Err: j.err})
		}
	}
	for _, j := range removals {
		if j.task != nil && j.task.State() == task.StateFailed {
			failures = append(failures, FileError{Path: j.file.Path, Err: j.task.Err()})
		}
	}

	if gerr := e.guard(req.InstancePath, installs); gerr != nil {
		log.Error().Str("instance", req.InstancePath).Err(gerr).Msg("recovery manifest update failed")
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return settle(failures)
}

// guard rewrites the recovery manifest with the files not yet installed, or
// removes it when nothing is left.
func (e *Engine) guard(instancePath string, installs []*job) error {
	var unfinished []instance.File
	for _, j := range installs {
		if j.task == nil || j.task.State() != task.StateSucceeded || j.err != nil {
			unfinished = append(unfinished, j.file)
		}
	}
	if len(unfinished) == 0 {
		return removeProfile(instancePath)
	}
	return writeProfile(instancePath, unfinished)
}

func (e *Engine) lookupStore(ctx context.Context, installs []*job) map[string]*store.Resource {
	hits := make(map[string]*store.Resource)
	if e.store == nil {
		return hits
	}
	for _, j := range installs {
		hash := j.file.SHA1()
		if hash == "" {
			continue
		}
		res, found, err := e.store.Lookup(ctx, hash)
		if err != nil {
			log.Warn().Str("path", j.file.Path).Err(err).Msg("store lookup failed")
			continue
		}
		if !found {
			continue
		}
		alive, err := e.store.Touch(ctx, res)
		if err != nil || !alive {
			continue
		}
		hits[j.file.Path] = &res
	}
	return hits
}

func (e *Engine) resolve(ctx context.Context, installs []*job, hits map[string]*store.Resource) error {
	if e.resolver == nil {
		return nil
	}
	var (
		misses []instance.File
		owners []*job
	)
	for _, j := range installs {
		if hits[j.file.Path] != nil || !resolver.NeedsResolution(j.file) {
			continue
		}
		misses = append(misses, j.file)
		owners = append(owners, j)
	}
	if len(misses) == 0 {
		return nil
	}
	resolved, err := e.resolver.Resolve(ctx, misses)
	if err != nil {
		return err
	}
	for i, f := range resolved {
		owners[i].file = f
	}
	return nil
}

// backupSuperseded preserves content a backup-add is about to replace. A
// file whose backup fails is not installed.
func (e *Engine) backupSuperseded(ctx context.Context, installs []*job) {
	for _, j := range installs {
		if j.err != nil || j.op.Operation != instance.OpBackupAdd {
			continue
		}
		if !file.Exists(j.dest) {
			continue
		}
		if _, err := file.Backup(ctx, j.dest); err != nil {
			j.err = err
		}
	}
}

func (e *Engine) settleJob(ctx context.Context, j *job) {
	if j.err == nil && j.task != nil {
		switch j.task.State() {
		case task.StateSucceeded:
		case task.StateFailed:
			j.err = j.task.Err()
		default:
			j.err = context.Canceled
		}
	}
	if isCancellation(j.err) {
		return
	}
	e.metrics.FileInstalled(string(j.route.Strategy), j.err)
	if j.err != nil || e.store == nil || j.route.Strategy == StrategyStore || ctx.Err() != nil {
		return
	}
	if _, err := e.store.Insert(ctx, j.dest, store.MetadataFor(j.file), httpURIs(j.file)); err != nil {
		log.Debug().Str("path", j.file.Path).Err(err).Msg("store backfill failed")
	}
}

func settle(failures []FileError) error {
	if len(failures) == 0 {
		return nil
	}
	sort.SliceStable(failures, func(i, k int) bool { return failures[i].Path < failures[k].Path })
	return &PartialFailure{Failures: failures}
}

func runResult(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return string(task.StateSucceeded)
	case ctx.Err() != nil || isCancellation(err):
		return string(task.StateCancelled)
	default:
		return string(task.StateFailed)
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func filesOf(jobs []*job) []instance.File {
	out := make([]instance.File, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.file)
	}
	return out
}

func httpURIs(f instance.File) []string {
	var out []string
	for _, uri := range f.Downloads {
		if instance.KindOf(uri) == instance.OriginHTTP {
			out = append(out, uri)
		}
	}
	return out
}
