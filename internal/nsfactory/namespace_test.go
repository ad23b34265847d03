package nsfactory

import (
	"io"
	"log/slog"
	"os"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/CM4all/spawn/internal/reactor"
)

func TestSplitMapPayload(t *testing.T) {
	uid, gid, ok := splitMapPayload([]byte("0 100000 65536\x001000 200000 1"))
	if !ok {
		t.Fatal("expected split to succeed")
	}
	if string(uid) != "0 100000 65536" {
		t.Errorf("uidMap = %q", uid)
	}
	if string(gid) != "1000 200000 1" {
		t.Errorf("gidMap = %q", gid)
	}
}

func TestSplitMapPayloadEmptyHalves(t *testing.T) {
	uid, gid, ok := splitMapPayload([]byte("\x00"))
	if !ok {
		t.Fatal("expected split to succeed")
	}
	if len(uid) != 0 || len(gid) != 0 {
		t.Errorf("expected both halves empty, got %q / %q", uid, gid)
	}
}

func TestSplitMapPayloadMissingSeparator(t *testing.T) {
	if _, _, ok := splitMapPayload([]byte("no separator here")); ok {
		t.Fatal("expected failure without NUL separator")
	}
}

func testLoop(t *testing.T) *reactor.Loop {
	t.Helper()
	loop, err := reactor.New()
	if err != nil {
		t.Skipf("epoll unavailable in this sandbox: %v", err)
	}
	t.Cleanup(loop.Close)
	return loop
}

func TestFactoryGetOrCreateReturnsSameRecord(t *testing.T) {
	loop := testLoop(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := New(loop, logger, 0)

	a, err := f.GetOrCreate("tenant-a")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	b, err := f.GetOrCreate("tenant-a")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if a != b {
		t.Errorf("expected the same *Record for repeated lookups of the same name")
	}
	if f.Len() != 1 {
		t.Errorf("Len() = %d, want 1", f.Len())
	}
}

// TestMakeIPCProducesStableInode exercises E4 from spec.md §8: two
// MakeIPC calls on the same record must return FDs pointing at the
// same inode. Requires CLONE_NEWIPC and re-exec permission, both
// commonly unavailable in unprivileged CI sandboxes.
func TestMakeIPCProducesStableInode(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("requires root to unshare(CLONE_NEWIPC)")
	}

	loop := testLoop(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := New(loop, logger, 0)

	rec, err := f.GetOrCreate("tenant-a")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	first, err := rec.MakeIPC()
	if err != nil {
		t.Fatalf("MakeIPC: %v", err)
	}
	second, err := rec.MakeIPC()
	if err != nil {
		t.Fatalf("MakeIPC (cached): %v", err)
	}

	var st1, st2 unix.Stat_t
	if err := unix.Fstat(int(first.Fd()), &st1); err != nil {
		t.Fatalf("fstat: %v", err)
	}
	if err := unix.Fstat(int(second.Fd()), &st2); err != nil {
		t.Fatalf("fstat: %v", err)
	}
	if st1.Ino != st2.Ino {
		t.Errorf("expected identical inode across cached MakeIPC calls, got %d and %d", st1.Ino, st2.Ino)
	}
}

func TestFactoryCloseClearsRecords(t *testing.T) {
	loop := testLoop(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := New(loop, logger, 0)

	if _, err := f.GetOrCreate("tenant-a"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if _, err := f.GetOrCreate("tenant-b"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	f.Close()

	if f.Len() != 0 {
		t.Errorf("Len() after Close = %d, want 0", f.Len())
	}
}
