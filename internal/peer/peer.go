// Package peer is the boundary to a peer-to-peer transfer swarm.
package peer

import (
	"context"
	"errors"

	"instsync/internal/task"
)

var ErrNoPeers = errors.New("peer transfer unavailable")

// Transfer fetches content addressed by hash from a peer swarm.
type Transfer interface {
	// CreateDownloadTask returns a task that writes the content behind
	// peerURI to destination, verified against expectedHash and
	// expectedSize.
	CreateDownloadTask(peerURI, destination, expectedHash string, expectedSize int64) *task.Task
}

// Disabled is used when no swarm is configured. Its tasks fail with
// ErrNoPeers.
type Disabled struct{}

func (Disabled) CreateDownloadTask(peerURI, destination, _ string, expectedSize int64) *task.Task {
	return task.New("peer-download", func(context.Context, *task.Task) error {
		return ErrNoPeers
	}, task.WithFrom(peerURI), task.WithTo(destination), task.WithTotal(expectedSize))
}
