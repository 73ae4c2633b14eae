package task

import (
	"context"
	"fmt"
	"time"
)

// LoadFromDisk loads persisted snapshots into memory.
// Tasks that were not terminal when the previous process stopped are marked as failed.
func (m *Manager) LoadFromDisk() error {
	if m.store == nil {
		return nil
	}
	loaded, err := m.store.LoadTasks(context.Background())
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	for _, snap := range loaded {
		if !snap.State.Terminal() {
			snap = markInterrupted(snap, time.Now())
			_ = m.persist(snap)
		}
		m.mu.Lock()
		m.settled[snap.ID] = snap
		m.mu.Unlock()
	}
	return nil
}

func markInterrupted(snap Snapshot, at time.Time) Snapshot {
	if snap.State.Terminal() {
		return snap
	}
	snap.State = StateFailed
	snap.Error = ErrInterrupted.Error()
	snap.FinishedAt = &at
	for i := range snap.Children {
		snap.Children[i] = markInterrupted(snap.Children[i], at)
	}
	return snap
}
