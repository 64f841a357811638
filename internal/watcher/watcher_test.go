package watcher

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mdsync/mdsync/internal/store"
	"github.com/mdsync/mdsync/internal/workspace"
)

const testDebounce = 40 * time.Millisecond

func newTestWatcher(t *testing.T) (*Watcher, *store.Store, *workspace.Workspace) {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatalf("workspace.New() failed: %v", err)
	}
	logger := log.New(io.Discard, "", 0)
	st := store.New(ws, store.Options{Logger: logger})
	t.Cleanup(st.Close)

	w, err := New(ws, st, Options{Debounce: testDebounce, Logger: logger})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { _ = w.Stop() })
	return w, st, ws
}

// waitEvent waits for one change event or fails the test.
func waitEvent(t *testing.T, w *Watcher) ChangeEvent {
	t.Helper()
	select {
	case event, ok := <-w.Events():
		if !ok {
			t.Fatal("event channel closed")
		}
		return event
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for change event")
	}
	return ChangeEvent{}
}

// assertQuiet asserts no event arrives within the window.
func assertQuiet(t *testing.T, w *Watcher, window time.Duration) {
	t.Helper()
	select {
	case event := <-w.Events():
		t.Fatalf("unexpected event for %s", event.Path)
	case <-time.After(window):
	}
}

func TestExternalWriteEmitsOneEvent(t *testing.T) {
	w, _, ws := newTestWatcher(t)

	path := filepath.Join(ws.Root(), "doc.md")
	if err := os.WriteFile(path, []byte("external content"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	event := waitEvent(t, w)
	if event.Path != "doc.md" {
		t.Errorf("event.Path = %q, want %q", event.Path, "doc.md")
	}
	if event.Content != "external content" {
		t.Errorf("event.Content = %q", event.Content)
	}
	if event.Origin != OriginExternal {
		t.Errorf("event.Origin = %v, want OriginExternal", event.Origin)
	}
	assertQuiet(t, w, 4*testDebounce)
}

func TestStoreWriteIsSuppressed(t *testing.T) {
	w, st, _ := newTestWatcher(t)

	if err := st.Write("doc.md", "our own write"); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	assertQuiet(t, w, 6*testDebounce)
}

func TestExternalOverwriteOfSelfWriteStillEmits(t *testing.T) {
	w, st, ws := newTestWatcher(t)

	if err := st.Write("doc.md", "ours"); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	assertQuiet(t, w, 6*testDebounce)

	path := filepath.Join(ws.Root(), "doc.md")
	if err := os.WriteFile(path, []byte("theirs"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	event := waitEvent(t, w)
	if event.Content != "theirs" {
		t.Errorf("event.Content = %q, want %q", event.Content, "theirs")
	}
}

func TestBurstCollapsesToOneEvent(t *testing.T) {
	w, _, ws := newTestWatcher(t)

	path := filepath.Join(ws.Root(), "doc.md")
	for i := 0; i < 8; i++ {
		if err := os.WriteFile(path, []byte("burst content"), 0o644); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
		time.Sleep(testDebounce / 4)
	}

	event := waitEvent(t, w)
	if event.Content != "burst content" {
		t.Errorf("event.Content = %q", event.Content)
	}
	assertQuiet(t, w, 4*testDebounce)
}

func TestNonMarkdownAndArtifactsIgnored(t *testing.T) {
	w, _, ws := newTestWatcher(t)

	for _, name := range []string{"notes.txt", "doc.md.lock", ".doc.md.42.tmp"} {
		path := filepath.Join(ws.Root(), name)
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("WriteFile(%s) failed: %v", name, err)
		}
	}
	assertQuiet(t, w, 6*testDebounce)
}

func TestNewSubdirectoryIsWatched(t *testing.T) {
	w, _, ws := newTestWatcher(t)

	sub := filepath.Join(ws.Root(), "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	// The create event for the directory must land before the file write.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(sub, "new.md"), []byte("in subdir"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	event := waitEvent(t, w)
	if event.Path != "sub/new.md" {
		t.Errorf("event.Path = %q, want %q", event.Path, "sub/new.md")
	}
}

func TestStopWaitsForInFlightEvaluation(t *testing.T) {
	w, _, ws := newTestWatcher(t)

	// Hold the file's exclusive flock first, as a second process would, so
	// the evaluation that follows parks inside the locked read.
	lockPath := filepath.Join(ws.Root(), "doc.md"+store.LockSuffix)
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("opening lock artifact failed: %v", err)
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		t.Fatalf("flock failed: %v", err)
	}

	path := filepath.Join(ws.Root(), "doc.md")
	if err := os.WriteFile(path, []byte("external content"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	// Let the debounce fire; the evaluation is now blocked on the lock.
	time.Sleep(4 * testDebounce)

	stopDone := make(chan error, 1)
	go func() { stopDone <- w.Stop() }()

	time.Sleep(100 * time.Millisecond)
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		t.Fatalf("unlock failed: %v", err)
	}

	select {
	case err := <-stopDone:
		if err != nil {
			t.Fatalf("Stop() failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not return after the lock was released")
	}

	// The settled event may still land; either way the channel must end
	// closed without the send racing the close.
	for {
		select {
		case _, ok := <-w.Events():
			if !ok {
				return
			}
		case <-time.After(time.Second):
			t.Fatal("event channel not closed after Stop")
		}
	}
}

func TestStopClosesEventChannel(t *testing.T) {
	w, _, _ := newTestWatcher(t)

	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	select {
	case _, ok := <-w.Events():
		if ok {
			t.Error("expected closed channel, got event")
		}
	case <-time.After(time.Second):
		t.Error("event channel not closed after Stop")
	}
	// Stop again is a no-op.
	if err := w.Stop(); err != nil {
		t.Errorf("second Stop() failed: %v", err)
	}
}
