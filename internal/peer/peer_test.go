package peer

import (
	"context"
	"errors"
	"testing"

	"instsync/internal/task"
)

func TestDisabledFails(t *testing.T) {
	tsk := Disabled{}.CreateDownloadTask("peer://abc", "/tmp/x", "abc", 10)
	if err := tsk.Run(context.Background()); !errors.Is(err, ErrNoPeers) {
		t.Fatalf("expected ErrNoPeers, got %v", err)
	}
	if tsk.State() != task.StateFailed {
		t.Fatalf("expected failed, got %s", tsk.State())
	}
}
