package api

import (
	"bytes"
	"context"
	"crypto/sha1" //nolint:gosec
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"instsync/internal/install"
	"instsync/internal/instance"
	"instsync/internal/task"
)

func setupRouter(t *testing.T, maxTasks int) (*gin.Engine, *task.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	testRouter := gin.New()
	testManager := task.NewManagerWithOptions(task.Options{DataDir: t.TempDir(), MaxConcurrentTasks: maxTasks})
	engine := install.New(install.Options{
		FreeSpace: func(string) (uint64, error) { return 1 << 40, nil },
	})
	NewAPI(testManager, engine).RegisterRoutes(testRouter)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		testManager.WaitAll(ctx)
	})
	return testRouter, testManager
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

func waitTerminal(t *testing.T, router *gin.Engine, id string) task.Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		w := doJSON(t, router, http.MethodGet, "/api/v1/tasks/"+id, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
		}
		var snap task.Snapshot
		if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
			t.Fatalf("failed to unmarshal response: %v", err)
		}
		if snap.State.Terminal() {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s did not settle", id)
	return task.Snapshot{}
}

func TestInstallAndStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("alpha"))
	}))
	defer srv.Close()
	testRouter, _ := setupRouter(t, 2)
	root := t.TempDir()

	w := doJSON(t, testRouter, http.MethodPost, "/api/v1/install", installRequest{
		Instance: root,
		Files: []instance.File{{
			Path:      "mods/a.jar",
			Hashes:    map[string]string{"sha1": sha1Hex("alpha")},
			Downloads: []string{srv.URL + "/a.jar"},
		}},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d: %s", http.StatusAccepted, w.Code, w.Body.String())
	}
	var resp createTaskResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.TaskID == "" {
		t.Fatalf("expected non-empty task_id")
	}

	snap := waitTerminal(t, testRouter, resp.TaskID)
	if snap.State != task.StateSucceeded {
		t.Fatalf("expected succeeded, got %s (%s)", snap.State, snap.Error)
	}
	if snap.Progress != snap.Total || len(snap.Children) == 0 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	data, err := os.ReadFile(filepath.Join(root, "mods", "a.jar"))
	if err != nil || string(data) != "alpha" {
		t.Fatalf("file not installed: %q %v", data, err)
	}
}

func TestInstallRejectsInvalidBody(t *testing.T) {
	testRouter, _ := setupRouter(t, 1)
	w := doJSON(t, testRouter, http.MethodPost, "/api/v1/install", map[string]any{"files": []any{}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestBusyAndTaskControl(t *testing.T) {
	testRouter, testManager := setupRouter(t, 1)
	blocker := task.New("blocker", func(ctx context.Context, _ *task.Task) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err := testManager.Submit(blocker); err != nil {
		t.Fatalf("submit: %v", err)
	}

	w := doJSON(t, testRouter, http.MethodPost, "/api/v1/install", installRequest{Instance: t.TempDir()})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}

	w = doJSON(t, testRouter, http.MethodPost, "/api/v1/tasks/"+blocker.ID()+"/cancel", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	if snap := waitTerminal(t, testRouter, blocker.ID()); snap.State != task.StateCancelled {
		t.Fatalf("expected cancelled, got %s", snap.State)
	}

	w = doJSON(t, testRouter, http.MethodPost, "/api/v1/tasks/"+blocker.ID()+"/pause", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected status %d for settled task, got %d", http.StatusConflict, w.Code)
	}
}

func TestUnknownTask(t *testing.T) {
	testRouter, _ := setupRouter(t, 1)
	for _, req := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/tasks/nope"},
		{http.MethodPost, "/api/v1/tasks/nope/cancel"},
		{http.MethodPost, "/api/v1/tasks/nope/resume"},
	} {
		w := doJSON(t, testRouter, req.method, req.path, nil)
		if w.Code != http.StatusNotFound {
			t.Fatalf("%s %s: expected status %d, got %d", req.method, req.path, http.StatusNotFound, w.Code)
		}
	}
}

func TestPendingAndDiff(t *testing.T) {
	testRouter, _ := setupRouter(t, 1)
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, install.ProfileName), []byte(`{"lockVersion":0,"files":[{"path":"mods/c.jar","hashes":{"sha1":"abc"}}]}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	w := doJSON(t, testRouter, http.MethodGet, "/api/v1/install/pending?instance="+root, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	var pending pendingResponse
	if err := json.Unmarshal(w.Body.Bytes(), &pending); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if len(pending.Files) != 1 || pending.Files[0].Path != "mods/c.jar" {
		t.Fatalf("unexpected pending files: %+v", pending.Files)
	}

	w = doJSON(t, testRouter, http.MethodGet, "/api/v1/install/pending", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, w.Code)
	}

	w = doJSON(t, testRouter, http.MethodPost, "/api/v1/diff", diffRequest{
		Instance: root,
		Files:    []instance.File{{Path: "mods/a.jar", Hashes: map[string]string{"sha1": sha1Hex("alpha")}}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	var diff diffResponse
	if err := json.Unmarshal(w.Body.Bytes(), &diff); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if len(diff.Operations) != 1 || diff.Operations[0].Operation != instance.OpAdd {
		t.Fatalf("unexpected operations: %+v", diff.Operations)
	}

	w = doJSON(t, testRouter, http.MethodPost, "/api/v1/diff", diffRequest{
		Instance: root,
		Files:    []instance.File{{Path: "../escape.jar", Hashes: map[string]string{"sha1": "x"}}},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d for escaping path, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestMetricsDisabledServesNotFound(t *testing.T) {
	testRouter, _ := setupRouter(t, 1)
	w := doJSON(t, testRouter, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, w.Code)
	}
}
