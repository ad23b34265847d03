// Package cgroupwatch extends treewatch with the cgroup-v2
// populated/unpopulated state machine described in spec.md §3
// ("Populated-watch entry") and §4.2 ("Unified cgroup watcher").
//
// Grounded on original_source/src/reaper/UnifiedWatch.{hxx,cxx}.
package cgroupwatch

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/CM4all/spawn/internal/inotifywatch"
	"github.com/CM4all/spawn/internal/reactor"
	"github.com/CM4all/spawn/internal/treewatch"
)

// skipNames is the well-known cgroup-v2 control file list from
// original_source/src/reaper/UnifiedWatch.cxx's ShouldSkipName, sorted
// for binary search parity (though Go's map lookup makes the ordering
// immaterial here — kept sorted for easy diffing against the source).
var skipNames = map[string]bool{}

func init() {
	for _, n := range []string{
		"cgroup.controllers", "cgroup.events", "cgroup.freeze", "cgroup.kill",
		"cgroup.max.depth", "cgroup.max.descendants", "cgroup.pressure",
		"cgroup.procs", "cgroup.stat", "cgroup.subtree_control", "cgroup.threads", "cgroup.type",
		"cpu.idle", "cpu.max", "cpu.max.burst", "cpu.pressure", "cpu.stat", "cpu.stat.local",
		"cpu.weight", "cpu.weight.nice",
		"io.bfq.weight", "io.latency", "io.pressure", "io.prio.class", "io.stat", "io.weight",
		"memory.current", "memory.events", "memory.events.local", "memory.high", "memory.low",
		"memory.max", "memory.min", "memory.numa_stat", "memory.oom.group", "memory.peak",
		"memory.pressure", "memory.reclaim", "memory.stat",
		"pids.current", "pids.events", "pids.events.local", "pids.forks", "pids.max", "pids.peak",
	} {
		skipNames[n] = true
	}
}

// OnEmpty is invoked when a watched cgroup transitions from populated
// to empty. path is absolute, prefixed with "/".
type OnEmpty func(path string)

// group is a populated-watch entry (spec.md §3): an open fd on
// cgroup.events, polled for exceptional readiness.
type group struct {
	relativePath string
	fd           int
}

// Watch is the unified cgroup watcher.
type Watch struct {
	loop    *reactor.Loop
	tree    *treewatch.Tree
	onEmpty OnEmpty
	onError func(error)

	groups map[string]*group
	inAdd  bool
}

// New builds a unified cgroup watcher rooted at cgroupMountFd (an open
// fd on the cgroup2 mount point, or a subtree of it).
func New(loop *reactor.Loop, inotify *inotifywatch.Manager, cgroupMountFd int, onEmpty OnEmpty, onError func(error)) (*Watch, error) {
	w := &Watch{
		loop:    loop,
		onEmpty: onEmpty,
		onError: onError,
		groups:  make(map[string]*group),
	}

	tree, err := treewatch.New(inotify, cgroupMountFd, ".", w)
	if err != nil {
		return nil, err
	}
	w.tree = tree
	return w, nil
}

// AddCgroup registers relativePath (and every ancestor path component)
// for tracking, scanning any subtree that already exists on disk.
// spec.md §4.2 AddCgroup(): during this call, freshly discovered
// cgroups are given a chance to discard their stale initial event.
func (w *Watch) AddCgroup(relativePath string) error {
	w.inAdd = true
	defer func() { w.inAdd = false }()
	return w.tree.Add(relativePath)
}

// GroupCount reports the number of active populated-watch entries, for
// diagnostics.
func (w *Watch) GroupCount() int {
	return len(w.groups)
}

// ReAdd re-creates a populated-watch entry for relativePath if the
// directory is still tracked and open by the tree watcher. Used after
// an rmdir race (EBUSY): the file's current state is authoritative, so
// discard is always false here — spec.md §4.2 ReAdd().
func (w *Watch) ReAdd(relativePath string) {
	fd, ok := w.tree.Find(relativePath)
	if !ok {
		return
	}
	if err := w.insertGroup(relativePath, fd, false); err != nil {
		w.onError(fmt.Errorf("re-add %s: %w", relativePath, err))
	}
}

func (w *Watch) insertGroup(relativePath string, dirFd int, discard bool) error {
	fd, err := unix.Openat(dirFd, "cgroup.events", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open cgroup.events: %w", err)
	}

	if discard {
		// Consume and discard the initial readiness state so a
		// freshly-empty pre-existing cgroup is not immediately
		// reaped solely by virtue of its prior state — spec.md
		// §4.2.
		_ = isPopulated(fd)
	}

	g := &group{relativePath: relativePath, fd: fd}
	w.groups[relativePath] = g

	if err := w.loop.Add(fd, unix.EPOLLPRI, func(uint32) { w.onGroupReadable(g) }); err != nil {
		unix.Close(fd)
		delete(w.groups, relativePath)
		return err
	}
	return nil
}

func (w *Watch) onGroupReadable(g *group) {
	if isPopulated(g.fd) {
		// Spurious readiness: populated flipped back to 1 before
		// we got a chance to read it, or an unrelated priority
		// event. spec.md §4.2: "if it no longer contains
		// 'populated 0' skip (spurious)".
		return
	}

	w.removeGroup(g.relativePath)
	w.onEmpty("/" + g.relativePath)
}

func (w *Watch) removeGroup(relativePath string) {
	g, ok := w.groups[relativePath]
	if !ok {
		return
	}
	delete(w.groups, relativePath)
	w.loop.Remove(g.fd)
	unix.Close(g.fd)
}

// isPopulated reads cgroup.events and reports whether it currently
// contains anything other than "populated 0".
func isPopulated(fd int) bool {
	buf := make([]byte, 4096)
	n, err := unix.Pread(fd, buf, 0)
	if err != nil || n <= 0 {
		return false
	}
	return !strings.Contains(string(buf[:n]), "populated 0")
}

// treewatch.Handler implementation.

func (w *Watch) OnDirectoryCreated(relativePath string, dirFd int) {
	// If this creation happens during an explicit AddCgroup scan,
	// discard the stale initial event; otherwise the first readiness
	// is a genuine populated->empty transition. spec.md §4.2.
	discard := w.inAdd

	if err := w.insertGroup(relativePath, dirFd, discard); err != nil {
		w.onError(fmt.Errorf("insert group %s: %w", relativePath, err))
	}
}

func (w *Watch) OnDirectoryDeleted(relativePath string) {
	w.removeGroup(relativePath)
}

func (w *Watch) ShouldSkipName(name string) bool {
	return skipNames[name]
}

func (w *Watch) OnError(err error) {
	if w.onError != nil {
		w.onError(err)
	}
}
