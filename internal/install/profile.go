package install

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"instsync/internal/file"
	"instsync/internal/instance"
	"instsync/internal/task"
)

// ProfileName is the recovery manifest kept in the instance root while a
// run has unsettled files.
const ProfileName = ".install-profile"

// RecoveryManifest lists the files a run has yet to install.
type RecoveryManifest struct {
	LockVersion int             `json:"lockVersion"`
	Files       []instance.File `json:"files"`
}

func profilePath(instancePath string) string {
	return filepath.Join(instancePath, ProfileName)
}

func writeProfile(instancePath string, files []instance.File) error {
	if files == nil {
		files = []instance.File{}
	}
	if err := file.WriteJSONAtomic(profilePath(instancePath), RecoveryManifest{Files: files}); err != nil {
		return fmt.Errorf("write recovery manifest: %w", err)
	}
	return nil
}

func removeProfile(instancePath string) error {
	if err := os.Remove(profilePath(instancePath)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove recovery manifest: %w", err)
	}
	return nil
}

// readProfile returns the files left by an unsettled run. A missing manifest
// yields nil; a corrupt one is logged, deleted and treated as empty.
func readProfile(instancePath string) ([]instance.File, error) {
	p := profilePath(instancePath)
	data, err := os.ReadFile(p) //nolint:gosec // path derived from the instance root
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read recovery manifest: %w", err)
	}
	var manifest RecoveryManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		log.Warn().Str("instance", instancePath).Err(err).Msg("corrupt recovery manifest, deleting")
		if rmErr := os.Remove(p); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return nil, fmt.Errorf("remove corrupt recovery manifest: %w", rmErr)
		}
		return nil, nil
	}
	return manifest.Files, nil
}

// pendingSet mirrors the recovery manifest while a run executes: each
// confirmed file is dropped and the manifest rewritten, so a crash mid-run
// only leaves unconfirmed files behind.
type pendingSet struct {
	mu           sync.Mutex
	instancePath string
	files        []instance.File
}

func newPendingSet(instancePath string, files []instance.File) *pendingSet {
	return &pendingSet{instancePath: instancePath, files: append([]instance.File(nil), files...)}
}

func (p *pendingSet) finish(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, f := range p.files {
		if f.Path != path {
			continue
		}
		p.files = append(p.files[:i], p.files[i+1:]...)
		if err := writeProfile(p.instancePath, p.files); err != nil {
			log.Warn().Str("instance", p.instancePath).Err(err).Msg("recovery manifest checkpoint failed")
		}
		return
	}
}

// track checkpoints every job whose task succeeds until stop is closed.
func (p *pendingSet) track(jobs []*job, stop <-chan struct{}) *sync.WaitGroup {
	var wg sync.WaitGroup
	for _, j := range jobs {
		if j.task == nil {
			continue
		}
		wg.Add(1)
		go func(j *job) {
			defer wg.Done()
			select {
			case <-j.task.Done():
				if j.task.State() == task.StateSucceeded {
					p.finish(j.file.Path)
				}
			case <-stop:
			}
		}(j)
	}
	return &wg
}
