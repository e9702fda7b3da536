package watcher

import (
	"os"
	"path/filepath"
	"testing"
)

func appendFile(t *testing.T, path, s string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(s); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()
}

func TestTailerSkipsHistoryAndKeepsPartialLines(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	old := filepath.Join(dir, "a", "old.jsonl")
	if err := os.MkdirAll(filepath.Dir(old), 0o755); err != nil {
		t.Fatal(err)
	}
	appendFile(t, old, "before startup\n")

	tl := newTailer()
	if err := tl.prime(dir); err != nil {
		t.Fatal(err)
	}
	if b, err := tl.next(old); err != nil || len(b) != 0 {
		t.Fatalf("history returned %q err=%v", b, err)
	}

	appendFile(t, old, "one\npart")
	b, err := tl.next(old)
	if err != nil || string(b) != "one\n" {
		t.Fatalf("got %q err=%v", b, err)
	}
	appendFile(t, old, "ial\n")
	b, _ = tl.next(old)
	if string(b) != "partial\n" {
		t.Fatalf("partial line not completed: %q", b)
	}
}

func TestTailerNewFileFromStart(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	tl := newTailer()
	if err := tl.prime(dir); err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(dir, "new.jsonl")
	appendFile(t, p, "first\n")
	if b, _ := tl.next(p); string(b) != "first\n" {
		t.Fatalf("got %q", b)
	}
}

func TestTailerTruncateRestarts(t *testing.T) {
	t.Parallel()
	p := filepath.Join(t.TempDir(), "s.jsonl")
	tl := newTailer()
	appendFile(t, p, "aaaa\nbbbb\n")
	_, _ = tl.next(p)
	if err := os.WriteFile(p, []byte("c\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if b, _ := tl.next(p); string(b) != "c\n" {
		t.Fatalf("got %q", b)
	}
}

func TestTailerMissingFileForgotten(t *testing.T) {
	t.Parallel()
	tl := newTailer()
	p := filepath.Join(t.TempDir(), "gone.jsonl")
	tl.offsets[p] = 10
	if _, err := tl.next(p); err == nil {
		t.Fatal("expected error")
	}
	if _, ok := tl.offsets[p]; ok {
		t.Fatal("offset kept for missing file")
	}
}
