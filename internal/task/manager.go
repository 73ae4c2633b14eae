package task

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Manager keeps the registry of submitted root tasks and runs them in the
// background with bounded concurrency.
type Manager struct {
	mu        sync.RWMutex
	live      map[string]*Task
	settled   map[string]Snapshot
	semaphore chan struct{}
	workersWG sync.WaitGroup
	baseCtx   context.Context
	store     TaskStore
}

// NewManager creates a manager with default options suitable for tests
func NewManager() *Manager {
	return NewManagerWithOptions(Options{
		DataDir:            "data",
		MaxConcurrentTasks: defaultMaxConcurrent,
	})
}

// NewManagerWithOptions creates a manager with provided configuration
func NewManagerWithOptions(opts Options) *Manager {
	if opts.MaxConcurrentTasks <= 0 {
		opts.MaxConcurrentTasks = 1
	}
	return &Manager{
		live:      make(map[string]*Task),
		settled:   make(map[string]Snapshot),
		semaphore: make(chan struct{}, opts.MaxConcurrentTasks),
		baseCtx:   context.Background(),
		store:     NewFileStore(opts.DataDir),
	}
}

// IsBusy reports whether the system is currently at max concurrent processing
func (m *Manager) IsBusy() bool {
	return len(m.semaphore) >= cap(m.semaphore)
}

// Submit takes a processing slot and starts t in the background under the
// base context. It fails with ErrBusy when no slot is free.
func (m *Manager) Submit(t *Task) error {
	select {
	case m.semaphore <- struct{}{}:
	default:
		return ErrBusy
	}

	m.mu.Lock()
	m.live[t.ID()] = t
	baseCtx := m.baseCtx
	m.mu.Unlock()

	m.workersWG.Add(1)
	go func() {
		defer m.workersWG.Done()
		defer func() { <-m.semaphore }()
		m.run(baseCtx, t)
	}()
	return nil
}

func (m *Manager) run(ctx context.Context, t *Task) {
	if err := m.persist(t.Snapshot()); err != nil {
		log.Warn().Str("task_id", t.ID()).Err(err).Msg("persist task failed")
	}
	started := time.Now()
	err := t.Run(ctx)

	snap := t.Snapshot()
	if perr := m.persist(snap); perr != nil {
		log.Warn().Str("task_id", t.ID()).Err(perr).Msg("persist final state failed")
	}
	m.mu.Lock()
	delete(m.live, t.ID())
	m.settled[t.ID()] = snap
	m.mu.Unlock()

	event := log.Info()
	if err != nil {
		event = log.Warn().Err(err)
	}
	event.Str("task_id", t.ID()).Str("name", t.Name()).Str("state", string(snap.State)).
		Dur("elapsed", time.Since(started)).Msg("task settled")
}

// Get returns a task that is still running.
func (m *Manager) Get(taskID string) (*Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.live[taskID]
	return t, ok
}

// Snapshot returns the state of a running or settled task.
func (m *Manager) Snapshot(taskID string) (Snapshot, bool) {
	m.mu.RLock()
	t, live := m.live[taskID]
	snap, settled := m.settled[taskID]
	m.mu.RUnlock()
	if live {
		return t.Snapshot(), true
	}
	return snap, settled
}

func (m *Manager) Cancel(taskID string) error {
	t, ok := m.Get(taskID)
	if !ok {
		return m.notLive(taskID, StateCancelled)
	}
	t.Cancel()
	return nil
}

func (m *Manager) Pause(taskID string) error {
	t, ok := m.Get(taskID)
	if !ok {
		return m.notLive(taskID, StatePaused)
	}
	return t.Pause()
}

func (m *Manager) Resume(taskID string) error {
	t, ok := m.Get(taskID)
	if !ok {
		return m.notLive(taskID, StateRunning)
	}
	return t.Resume()
}

// notLive explains why taskID cannot move to state to.
func (m *Manager) notLive(taskID string, to State) error {
	m.mu.RLock()
	snap, ok := m.settled[taskID]
	m.mu.RUnlock()
	if !ok {
		return ErrTaskNotFound
	}
	return &TransitionError{ID: taskID, From: snap.State, To: to}
}

// SetBaseContext sets the base context used to control long-running operations (e.g., downloads).
// Intended to be set at process startup and cancelled during shutdown.
func (m *Manager) SetBaseContext(ctx context.Context) {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()
}

// WaitAll blocks until all in-flight task workers finish or the context is done.
// Returns true if all workers finished, false if timed out.
func (m *Manager) WaitAll(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		m.workersWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// persist writes the snapshot under data/tasks/<id>/status.json
func (m *Manager) persist(snap Snapshot) error {
	if m.store == nil {
		return errors.New("no task store configured")
	}
	return m.store.SaveTask(context.Background(), snap) //nolint:wrapcheck
}
