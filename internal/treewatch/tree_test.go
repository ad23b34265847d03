package treewatch

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/CM4all/spawn/internal/inotifywatch"
	"github.com/CM4all/spawn/internal/reactor"
)

type recordingHandler struct {
	created []string
	deleted []string
	errs    []error
	skip    map[string]bool
}

func (h *recordingHandler) OnDirectoryCreated(relativePath string, dirFd int) {
	h.created = append(h.created, relativePath)
}
func (h *recordingHandler) OnDirectoryDeleted(relativePath string) {
	h.deleted = append(h.deleted, relativePath)
}
func (h *recordingHandler) ShouldSkipName(name string) bool { return h.skip[name] }
func (h *recordingHandler) OnError(err error)               { h.errs = append(h.errs, err) }

func mustSetup(t *testing.T) (*reactor.Loop, *inotifywatch.Manager, string) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("inotify is Linux-only")
	}

	loop, err := reactor.New()
	if err != nil {
		t.Skipf("epoll unavailable in this sandbox: %v", err)
	}
	t.Cleanup(loop.Close)

	mgr, err := inotifywatch.New(loop, func(err error) { t.Logf("inotify error: %v", err) })
	if err != nil {
		t.Skipf("inotify unavailable in this sandbox: %v", err)
	}
	t.Cleanup(mgr.Close)

	base := t.TempDir()
	return loop, mgr, base
}

func openBase(t *testing.T, base string) int {
	t.Helper()
	fd, err := unix.Open(base, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("open base: %v", err)
	}
	t.Cleanup(func() { unix.Close(fd) })
	return fd
}

func TestAddScansExistingSubtree(t *testing.T) {
	_, mgr, base := mustSetup(t)

	if err := os.MkdirAll(filepath.Join(base, "app-1", "leaf"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	baseFd := openBase(t, base)
	h := &recordingHandler{skip: map[string]bool{}}
	tree, err := New(mgr, baseFd, ".", h)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := tree.Add("app-1"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	wantCreated := map[string]bool{"app-1": true, "app-1/leaf": true}
	if len(h.created) != len(wantCreated) {
		t.Fatalf("created = %v, want exactly %v", h.created, wantCreated)
	}
	for _, p := range h.created {
		if !wantCreated[p] {
			t.Errorf("unexpected OnDirectoryCreated(%q)", p)
		}
	}

	if _, ok := tree.Find("app-1/leaf"); !ok {
		t.Error("Find(app-1/leaf) should report the scanned leaf as open")
	}
	if _, ok := tree.Find("app-1/missing"); ok {
		t.Error("Find(app-1/missing) should report not found")
	}
}

func TestAddSkeletonWithoutTargetIsSilent(t *testing.T) {
	_, mgr, base := mustSetup(t)

	if err := os.MkdirAll(filepath.Join(base, "a", "b"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	baseFd := openBase(t, base)
	h := &recordingHandler{skip: map[string]bool{}}
	tree, err := New(mgr, baseFd, ".", h)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Add("a/b") makes "a" a persist-only skeleton node (all=false)
	// and "a/b" the all=true target; only the target should ever
	// be reported as created, never the skeleton.
	if err := tree.Add("a/b"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if len(h.created) != 1 || h.created[0] != "a/b" {
		t.Errorf("created = %v, want exactly [a/b]", h.created)
	}
}

func TestShouldSkipNameFiltersScan(t *testing.T) {
	_, mgr, base := mustSetup(t)

	if err := os.MkdirAll(filepath.Join(base, "scope", "real"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(base, "scope", "cgroup.events"), []byte("populated 0\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	baseFd := openBase(t, base)
	h := &recordingHandler{skip: map[string]bool{"cgroup.events": true}}
	tree, err := New(mgr, baseFd, ".", h)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := tree.Add("scope"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	for _, p := range h.created {
		if p == "scope/cgroup.events" {
			t.Fatalf("scan should have skipped the well-known control file, got %v", h.created)
		}
	}
}
