package download

import (
	"context"
	"crypto/sha1" //nolint:gosec
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"instsync/internal/file"
	"instsync/internal/task"
)

func sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

func TestDownloadValidatesAndPromotes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "instsync-test", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "mods", "a.jar")
	d := New(Options{UserAgent: "instsync-test"})
	tsk := d.NewTask(Request{URLs: []string{srv.URL + "/a.jar"}, Destination: dest,
		Hashes: map[string]string{"sha1": sha1Hex("hello")}, Size: 5})

	require.NoError(t, tsk.Run(context.Background()))
	content, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))
	assert.False(t, file.Exists(file.PendingPath(dest)))
	p, total := tsk.Progress()
	assert.Equal(t, int64(5), p)
	assert.Equal(t, int64(5), total)
}

func TestDownloadFallsBackToNextURLOnValidationFailure(t *testing.T) {
	var badHits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/bad") {
			badHits.Add(1)
			_, _ = w.Write([]byte("corrupt"))
			return
		}
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "a.jar")
	d := New(Options{})
	err := d.Download(context.Background(), nil, Request{
		URLs:        []string{srv.URL + "/bad", srv.URL + "/good"},
		Destination: dest,
		Hashes:      map[string]string{"sha1": sha1Hex("hello")},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), badHits.Load())
	content, _ := os.ReadFile(dest)
	assert.Equal(t, "hello", string(content))
}

func TestDownloadFailsWhenAllURLsExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("corrupt"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "a.jar")
	require.NoError(t, os.WriteFile(dest, []byte("original"), 0o600))

	err := New(Options{}).Download(context.Background(), nil, Request{
		URLs:        []string{srv.URL + "/missing", srv.URL + "/corrupt"},
		Destination: dest,
		Hashes:      map[string]string{"sha1": sha1Hex("hello")},
	})
	require.Error(t, err)
	var statusErr *StatusError
	var validationErr *ValidationError
	assert.True(t, errors.As(err, &statusErr))
	require.True(t, errors.As(err, &validationErr))
	assert.Equal(t, "sha1", validationErr.Algorithm)

	content, _ := os.ReadFile(dest)
	assert.Equal(t, "original", string(content))
	assert.False(t, file.Exists(file.PendingPath(dest)))
}

func TestDownloadCancelLeavesNoPending(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1048576")
		_, _ = w.Write(make([]byte, 1024))
		w.(http.Flusher).Flush()
		close(started)
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "big.bin")
	tsk := New(Options{}).NewTask(Request{URLs: []string{srv.URL}, Destination: dest})
	tsk.Start(context.Background())
	<-started
	tsk.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := tsk.Wait(ctx)
	require.Error(t, err)
	assert.Equal(t, task.StateCancelled, tsk.State())
	assert.False(t, file.Exists(dest))
	assert.False(t, file.Exists(file.PendingPath(dest)))
}

func TestHTTPTimeoutFromContext(t *testing.T) {
	ctx := WithHTTPTimeout(context.Background(), 3*time.Second)
	assert.Equal(t, 3*time.Second, httpTimeoutFromContext(ctx, time.Minute))
	assert.Equal(t, time.Minute, httpTimeoutFromContext(context.Background(), time.Minute))
}

func TestDownloadSurvivesPauseLongerThanHTTPTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "11")
		_, _ = w.Write([]byte("hello "))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		_, _ = w.Write([]byte("world"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "a.jar")
	tsk := New(Options{}).NewTask(Request{URLs: []string{srv.URL}, Destination: dest,
		Hashes: map[string]string{"sha1": sha1Hex("hello world")}, Size: 11})

	done := make(chan error, 1)
	go func() { done <- tsk.Run(WithHTTPTimeout(context.Background(), 50*time.Millisecond)) }()

	require.Eventually(t, func() bool {
		p, _ := tsk.Progress()
		return p > 0
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, tsk.Pause())
	time.Sleep(150 * time.Millisecond)
	close(release)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, tsk.Resume())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("download did not finish after resume")
	}
	content, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(content))
}

func TestClientForReusesClientPerTimeout(t *testing.T) {
	d := New(Options{})
	a := d.clientFor(time.Second)
	assert.Same(t, a, d.clientFor(time.Second))
	assert.NotSame(t, a, d.clientFor(2*time.Second))
	assert.Zero(t, a.Timeout)
}
