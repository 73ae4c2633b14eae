package task

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Func is the body of a task. It must observe ctx and should call
// t.Checkpoint at I/O boundaries so pause and cancel take effect.
type Func func(ctx context.Context, t *Task) error

// Task is a cancellable, pausable unit of work with progress. Tasks form a
// tree: a parent's progress and total are the sums over its children plus
// whatever it reports itself.
type Task struct {
	id   string
	name string
	from string
	to   string
	fn   Func

	mu              sync.Mutex
	state           State
	progress        int64
	total           int64
	err             error
	parent          *Task
	children        []*Task
	createdAt       time.Time
	startedAt       time.Time
	finishedAt      time.Time
	resume          chan struct{}
	cancel          context.CancelFunc
	cancelRequested bool
	done            chan struct{}
	subscribers     []chan Snapshot
}

type Option func(*Task)

func WithID(id string) Option      { return func(t *Task) { t.id = id } }
func WithFrom(from string) Option  { return func(t *Task) { t.from = from } }
func WithTo(to string) Option      { return func(t *Task) { t.to = to } }
func WithTotal(total int64) Option { return func(t *Task) { t.total = total } }

// New creates a pending task.
func New(name string, fn Func, opts ...Option) *Task {
	t := &Task{
		id:        uuid.NewString(),
		name:      name,
		fn:        fn,
		state:     StatePending,
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.total < 0 {
		t.total = 0
	}
	return t
}

// NewGroup creates a task that runs children with at most limit of them in
// flight. Child failures are collected; the group fails if any child failed.
func NewGroup(name string, children []*Task, limit int, opts ...Option) *Task {
	g := New(name, func(ctx context.Context, _ *Task) error {
		return RunGroup(ctx, children, limit)
	}, opts...)
	for _, c := range children {
		g.Add(c)
	}
	return g
}

// RunGroup runs tasks concurrently, bounded by limit, and waits for all of
// them. It does not stop on the first failure; the joined errors of all
// failed tasks are returned.
func RunGroup(ctx context.Context, tasks []*Task, limit int) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			if err := t.Run(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (t *Task) ID() string   { return t.id }
func (t *Task) Name() string { return t.name }

// Done is closed once the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the terminal error, nil while running or after success.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Task) Progress() (progress, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress, t.total
}

func (t *Task) Parent() *Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.parent
}

func (t *Task) Children() []*Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Task(nil), t.children...)
}

// Add attaches child to t. The child's current progress and total are
// folded into t and every ancestor.
func (t *Task) Add(child *Task) {
	child.mu.Lock()
	child.parent = t
	progress, total := child.progress, child.total
	child.mu.Unlock()

	t.mu.Lock()
	t.children = append(t.children, child)
	t.mu.Unlock()
	t.grow(progress, total)
}

// Advance adds n to the progress of t and its ancestors. Negative values are
// ignored so progress never decreases.
func (t *Task) Advance(n int64) {
	if n <= 0 {
		return
	}
	t.grow(n, 0)
}

// SetTotal raises the total of t to total. Totals never shrink.
func (t *Task) SetTotal(total int64) {
	t.mu.Lock()
	delta := total - t.total
	t.mu.Unlock()
	if delta > 0 {
		t.grow(0, delta)
	}
}

func (t *Task) grow(progress, total int64) {
	if progress == 0 && total == 0 {
		return
	}
	t.mu.Lock()
	t.progress += progress
	t.total += total
	if t.progress > t.total {
		t.total = t.progress
	}
	parent := t.parent
	t.mu.Unlock()
	t.publish()
	if parent != nil {
		parent.grow(progress, total)
	}
}

// Run executes the task in the calling goroutine and returns its terminal
// error. A task runs at most once.
func (t *Task) Run(ctx context.Context) error {
	t.mu.Lock()
	if t.state != StatePending {
		defer t.mu.Unlock()
		if t.state.Terminal() {
			return t.err
		}
		return ErrAlreadyStarted
	}
	if err := ctx.Err(); err != nil {
		t.mu.Unlock()
		t.finish(err, true)
		return t.Err()
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.state = StateRunning
	t.startedAt = time.Now()
	t.mu.Unlock()
	t.publish()

	var err error
	if t.fn != nil {
		err = t.fn(runCtx, t)
	}
	cancel()

	t.mu.Lock()
	cancelled := err != nil && (t.cancelRequested || ctx.Err() != nil || errors.Is(err, context.Canceled))
	t.mu.Unlock()
	t.finish(err, cancelled)
	return t.Err()
}

// Start runs the task in a new goroutine.
func (t *Task) Start(ctx context.Context) {
	go func() { _ = t.Run(ctx) }()
}

// Wait blocks until the task is terminal or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel requests cancellation. A pending task becomes cancelled without
// running; a running or paused task is cancelled through its context and
// settles once its body returns.
func (t *Task) Cancel() {
	t.mu.Lock()
	switch {
	case t.state.Terminal():
		t.mu.Unlock()
		return
	case t.state == StatePending:
		t.cancelRequested = true
		t.mu.Unlock()
		t.finish(context.Canceled, true)
		return
	}
	t.cancelRequested = true
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Pause suspends the task at its next checkpoint. Children observe the pause
// of any ancestor.
func (t *Task) Pause() error {
	t.mu.Lock()
	if t.state == StatePaused {
		t.mu.Unlock()
		return nil
	}
	if !isAllowedTransition(t.state, StatePaused) {
		defer t.mu.Unlock()
		return &TransitionError{ID: t.id, From: t.state, To: StatePaused}
	}
	t.state = StatePaused
	t.resume = make(chan struct{})
	t.mu.Unlock()
	t.publish()
	return nil
}

// Resume continues a paused task.
func (t *Task) Resume() error {
	t.mu.Lock()
	if t.state == StateRunning {
		t.mu.Unlock()
		return nil
	}
	if t.state != StatePaused {
		defer t.mu.Unlock()
		return &TransitionError{ID: t.id, From: t.state, To: StateRunning}
	}
	t.state = StateRunning
	close(t.resume)
	t.resume = nil
	t.mu.Unlock()
	t.publish()
	return nil
}

// Checkpoint blocks while t or any ancestor is paused and returns ctx's
// error once cancelled.
func (t *Task) Checkpoint(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		wait := t.pausedGate()
		if wait == nil {
			return nil
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *Task) pausedGate() chan struct{} {
	for cur := t; cur != nil; {
		cur.mu.Lock()
		gate, parent := cur.resume, cur.parent
		cur.mu.Unlock()
		if gate != nil {
			return gate
		}
		cur = parent
	}
	return nil
}

func (t *Task) finish(err error, cancelled bool) {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return
	}
	next := StateSucceeded
	switch {
	case cancelled:
		next = StateCancelled
	case err != nil:
		next = StateFailed
	}
	t.state = next
	t.err = err
	t.finishedAt = time.Now()
	if t.resume != nil {
		close(t.resume)
		t.resume = nil
	}
	var remaining int64
	if next == StateSucceeded && t.total > t.progress {
		remaining = t.total - t.progress
	}
	t.mu.Unlock()

	if remaining > 0 {
		t.grow(remaining, 0)
	} else {
		t.publish()
	}

	t.mu.Lock()
	subs := t.subscribers
	t.subscribers = nil
	t.mu.Unlock()
	for _, ch := range subs {
		close(ch)
	}
	close(t.done)
}

// Subscribe returns a stream of snapshots of t, sent on every state or
// progress change. Sends never block: a slow reader misses intermediate
// events. The channel is closed when the task is terminal.
func (t *Task) Subscribe(buffer int) <-chan Snapshot {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Snapshot, buffer)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		ch <- t.snapshotLocked()
		close(ch)
		return ch
	}
	t.subscribers = append(t.subscribers, ch)
	return ch
}

func (t *Task) publish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.subscribers) == 0 {
		return
	}
	snap := t.snapshotLocked()
	for _, ch := range t.subscribers {
		select {
		case ch <- snap:
		default:
		}
	}
}

// Snapshot copies the task and its whole subtree.
func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	snap := t.snapshotLocked()
	children := append([]*Task(nil), t.children...)
	t.mu.Unlock()
	if len(children) > 0 {
		snap.Children = make([]Snapshot, 0, len(children))
		for _, c := range children {
			snap.Children = append(snap.Children, c.Snapshot())
		}
	}
	return snap
}

func (t *Task) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:        t.id,
		Name:      t.name,
		State:     t.state,
		Progress:  t.progress,
		Total:     t.total,
		From:      t.from,
		To:        t.to,
		CreatedAt: t.createdAt,
	}
	if t.err != nil {
		snap.Error = t.err.Error()
	}
	if !t.startedAt.IsZero() {
		s := t.startedAt
		snap.StartedAt = &s
	}
	if !t.finishedAt.IsZero() {
		f := t.finishedAt
		snap.FinishedAt = &f
	}
	return snap
}
