package task

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	fileutil "instsync/internal/file"
)

// TaskStore abstracts persistence for task snapshots.
type TaskStore interface {
	SaveTask(ctx context.Context, snap Snapshot) error
	LoadTasks(ctx context.Context) ([]Snapshot, error)
}

// fileStore implements TaskStore using the local filesystem under dataDir.
type fileStore struct {
	dataDir string
}

func NewFileStore(dataDir string) TaskStore { //nolint:ireturn
	if dataDir == "" {
		dataDir = "data"
	}
	return &fileStore{dataDir: dataDir}
}

func (s *fileStore) taskDir(taskID string) string {
	return filepath.Join(s.dataDir, "tasks", taskID)
}

func (s *fileStore) statusPath(taskID string) string {
	return filepath.Join(s.taskDir(taskID), "status.json")
}

func (s *fileStore) SaveTask(ctx context.Context, snap Snapshot) error { //nolint:revive // context reserved for future use
	if err := fileutil.EnsureDir(s.taskDir(snap.ID)); err != nil {
		return fmt.Errorf("ensure task dir: %w", err)
	}
	return fileutil.WriteJSONAtomic(s.statusPath(snap.ID), snap) //nolint:wrapcheck
}

func (s *fileStore) LoadTasks(ctx context.Context) ([]Snapshot, error) { //nolint:revive // context reserved for future use
	root := filepath.Join(s.dataDir, "tasks")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir: %w", err)
	}
	snaps := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		b, err := os.ReadFile(s.statusPath(e.Name())) //nolint:gosec // path is controlled by application
		if err != nil {
			continue
		}
		var snap Snapshot
		if err := json.Unmarshal(b, &snap); err != nil {
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}
