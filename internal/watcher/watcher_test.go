package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/blake2b"
)

const testDebounce = 300 * time.Millisecond

func startWatcher(t *testing.T, paths []string, opts Options) *Watcher {
	t.Helper()
	if opts.Debounce == 0 {
		opts.Debounce = testDebounce
	}
	w, err := New(paths, opts)
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("failed to start watcher: %v", err)
	}
	t.Cleanup(func() { w.Stop() })
	return w
}

func waitEvent(t *testing.T, w *Watcher, timeout time.Duration) (Event, bool) {
	t.Helper()
	select {
	case ev := <-w.Events():
		return ev, true
	case err := <-w.Errors():
		t.Fatalf("unexpected watcher error: %v", err)
	case <-time.After(timeout):
	}
	return Event{}, false
}

func TestHashFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "user.log")
	content := []byte("1184097393 work [2007.07.10 16:56:33 Tue]\n")
	if err := os.WriteFile(path, content, 0600); err != nil {
		t.Fatalf("failed to write: %v", err)
	}

	digest, size, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile failed: %v", err)
	}
	if size != int64(len(content)) {
		t.Errorf("expected size %d, got %d", len(content), size)
	}
	if digest != blake2b.Sum256(content) {
		t.Errorf("digest mismatch")
	}

	if _, _, err := HashFile(filepath.Join(tmpDir, "missing.log")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestNewDefaults(t *testing.T) {
	w, err := New([]string{t.TempDir()}, Options{})
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	defer w.fsWatcher.Close()

	if w.opts.Debounce != 2*time.Second {
		t.Errorf("expected default debounce 2s, got %v", w.opts.Debounce)
	}
	if w.opts.Pattern != "*.log" {
		t.Errorf("expected default pattern *.log, got %q", w.opts.Pattern)
	}
	if w.TrackedFiles() != 0 {
		t.Errorf("expected 0 tracked files before start, got %d", w.TrackedFiles())
	}

	if _, err := New(nil, Options{Pattern: "["}); err == nil {
		t.Error("expected error for malformed pattern")
	}
}

func TestWatcherStartMissingPath(t *testing.T) {
	w, err := New([]string{filepath.Join(t.TempDir(), "nope.log")}, Options{})
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	defer w.fsWatcher.Close()

	if err := w.Start(); err == nil {
		t.Error("expected error for missing path")
	}
}

func TestWatcherInitialScan(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "user.log")
	if err := os.WriteFile(logFile, []byte("1184097393 work\n"), 0600); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "notes.txt"), []byte("x"), 0600); err != nil {
		t.Fatalf("failed to write: %v", err)
	}

	w := startWatcher(t, []string{tmpDir}, Options{})

	if w.TrackedFiles() != 1 {
		t.Errorf("expected 1 tracked file, got %d", w.TrackedFiles())
	}

	ev, ok := waitEvent(t, w, 3*time.Second)
	if !ok {
		t.Fatal("timeout waiting for initial event")
	}
	if ev.Path != logFile {
		t.Errorf("expected path %s, got %s", logFile, ev.Path)
	}
	if ev.Size != 16 {
		t.Errorf("expected size 16, got %d", ev.Size)
	}
}

func TestWatcherEvents(t *testing.T) {
	tmpDir := t.TempDir()
	w := startWatcher(t, []string{tmpDir}, Options{})

	logFile := filepath.Join(tmpDir, "phone.log")
	if err := os.WriteFile(filepath.Join(tmpDir, "ignored.txt"), []byte("ignored"), 0600); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	content := []byte("1184098754 afk\n")
	if err := os.WriteFile(logFile, content, 0600); err != nil {
		t.Fatalf("failed to write: %v", err)
	}

	ev, ok := waitEvent(t, w, 3*time.Second)
	if !ok {
		t.Fatal("timeout waiting for event")
	}
	if ev.Path != logFile {
		t.Errorf("expected path %s, got %s", logFile, ev.Path)
	}
	if ev.Digest != blake2b.Sum256(content) {
		t.Error("event digest does not match content")
	}

	if ev, ok := waitEvent(t, w, time.Second); ok {
		t.Errorf("unexpected event for %s", ev.Path)
	}
}

func TestWatcherSingleFile(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "user.log")
	if err := os.WriteFile(logFile, []byte("1184097393 work\n"), 0600); err != nil {
		t.Fatalf("failed to write: %v", err)
	}

	w := startWatcher(t, []string{logFile}, Options{})
	if _, ok := waitEvent(t, w, 3*time.Second); !ok {
		t.Fatal("timeout waiting for initial event")
	}

	// Sibling logs in the same directory are not watched.
	if err := os.WriteFile(filepath.Join(tmpDir, "other.log"), []byte("1 x\n"), 0600); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	if ev, ok := waitEvent(t, w, time.Second); ok {
		t.Errorf("unexpected event for %s", ev.Path)
	}

	// An atomic replacement of the watched file is seen.
	tmp := filepath.Join(tmpDir, ".user.log.tmp")
	if err := os.WriteFile(tmp, []byte("1184097393 work\n1184098754 afk\n"), 0600); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	if err := os.Rename(tmp, logFile); err != nil {
		t.Fatalf("failed to rename: %v", err)
	}
	ev, ok := waitEvent(t, w, 3*time.Second)
	if !ok {
		t.Fatal("timeout waiting for replacement event")
	}
	if ev.Path != logFile || ev.Size != 31 {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestWatcherDebounce(t *testing.T) {
	tmpDir := t.TempDir()
	w := startWatcher(t, []string{tmpDir}, Options{Debounce: 500 * time.Millisecond})

	logFile := filepath.Join(tmpDir, "debounce.log")

	// Write multiple times quickly
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(logFile, []byte("v"+string(rune('0'+i))), 0600); err != nil {
			t.Fatalf("failed to write: %v", err)
		}
		time.Sleep(100 * time.Millisecond)
	}

	// Should get only one event (after debounce)
	eventCount := 0
	timeout := time.After(3 * time.Second)

	for {
		select {
		case ev := <-w.Events():
			eventCount++
			if eventCount > 1 {
				t.Error("expected only one event due to debouncing")
				return
			}
			if ev.Digest != blake2b.Sum256([]byte("v4")) {
				t.Error("event should carry the final content")
			}
		case <-timeout:
			if eventCount != 1 {
				t.Errorf("expected 1 event, got %d", eventCount)
			}
			return
		}
	}
}

func TestWatcherSkipsUnchanged(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "user.log")
	content := []byte("1184097393 work\n")
	if err := os.WriteFile(logFile, content, 0600); err != nil {
		t.Fatalf("failed to write: %v", err)
	}

	w := startWatcher(t, []string{tmpDir}, Options{})
	if _, ok := waitEvent(t, w, 3*time.Second); !ok {
		t.Fatal("timeout waiting for initial event")
	}

	// Rewriting identical bytes produces no event.
	if err := os.WriteFile(logFile, content, 0600); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	if ev, ok := waitEvent(t, w, time.Second); ok {
		t.Errorf("unexpected event for unchanged file %s", ev.Path)
	}
	if w.TrackedFiles() != 0 {
		t.Errorf("expected no pending files, got %d", w.TrackedFiles())
	}
}

func TestWatcherMaxFileSize(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(tmpDir, "big.log"), make([]byte, 128), 0600); err != nil {
		t.Fatalf("failed to write: %v", err)
	}

	w, err := New([]string{tmpDir}, Options{Debounce: testDebounce, MaxFileSize: 64})
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("failed to start watcher: %v", err)
	}
	defer w.Stop()

	select {
	case err := <-w.Errors():
		if err == nil {
			t.Error("expected size error")
		}
	case ev := <-w.Events():
		t.Errorf("oversized file should not produce an event: %+v", ev)
	case <-time.After(3 * time.Second):
		t.Error("timeout waiting for size error")
	}
}

func TestWatchedPaths(t *testing.T) {
	paths := []string{"/a", "/b"}
	w, err := New(paths, Options{})
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	defer w.fsWatcher.Close()

	got := w.WatchedPaths()
	if len(got) != 2 || got[0] != "/a" || got[1] != "/b" {
		t.Errorf("unexpected watched paths %v", got)
	}
}
