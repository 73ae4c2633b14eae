package file

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriteJSONAtomicReplacesExisting(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "nested", "state.json")

	if err := WriteJSONAtomic(target, map[string]int{"v": 1}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := WriteJSONAtomic(target, map[string]int{"v": 2}); err != nil {
		t.Fatalf("second write: %v", err)
	}
	b, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(b), `"v":2`) {
		t.Fatalf("unexpected content %q", b)
	}

	entries, _ := os.ReadDir(filepath.Dir(target))
	if len(entries) != 1 {
		t.Fatalf("expected only the target to remain, got %d entries", len(entries))
	}
}

func TestLinkOrCopyPlacesContent(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.jar")
	dst := filepath.Join(dir, "mods", "dst.jar")
	if err := os.WriteFile(src, []byte("payload"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := LinkOrCopy(context.Background(), src, dst, time.Second); err != nil {
		t.Fatalf("link or copy: %v", err)
	}
	b, err := os.ReadFile(dst)
	if err != nil || string(b) != "payload" {
		t.Fatalf("dst content %q err %v", b, err)
	}
	if Exists(PendingPath(dst)) {
		t.Fatalf("pending sidecar left behind")
	}
}

func TestLinkOrCopyHonoursCancelledContext(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	_ = os.WriteFile(src, []byte("x"), 0o600)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := LinkOrCopy(ctx, src, filepath.Join(dir, "dst"), time.Second); err == nil {
		t.Fatalf("expected context error")
	}
	if Exists(filepath.Join(dir, "dst")) {
		t.Fatalf("destination written after cancellation")
	}
}

func TestBackupKeepsOriginal(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "a.jar")
	_ = os.WriteFile(target, []byte("old"), 0o600)
	_ = os.WriteFile(BackupPath(target), []byte("older"), 0o600)

	backup, err := Backup(context.Background(), target)
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	b, _ := os.ReadFile(backup)
	if string(b) != "old" {
		t.Fatalf("backup content %q", b)
	}
	if !Exists(target) {
		t.Fatalf("original removed by backup")
	}
}

func TestHashFileAndMismatch(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "f")
	_ = os.WriteFile(p, []byte("hello"), 0o600)

	sums, err := HashFile(p, SHA256)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if sums[SHA1] != "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d" {
		t.Fatalf("sha1 = %s", sums[SHA1])
	}
	if _, bad, ok := Mismatch(map[string]string{SHA1: strings.ToUpper(sums[SHA1])}, sums); bad || !ok {
		t.Fatalf("expected case-insensitive match")
	}
	if algo, bad, _ := Mismatch(map[string]string{SHA256: "00"}, sums); !bad || algo != SHA256 {
		t.Fatalf("expected sha256 mismatch, got %s %v", algo, bad)
	}
	if _, _, ok := Mismatch(map[string]string{"crc32": "00"}, sums); ok {
		t.Fatalf("nothing comparable should report ok=false")
	}
}
