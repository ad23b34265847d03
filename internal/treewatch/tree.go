// Package treewatch implements the recursive inotify directory tree
// watcher described in spec.md §3 ("Directory node (tree watcher)")
// and §4.1. It is the hard core of the reaper: it turns raw inotify
// CREATE/DELETE/MOVED_* events on a base directory into
// directory-created/directory-deleted callbacks for the subtrees the
// caller has asked to track exhaustively ("all"), while directories
// merely on the path to such a subtree ("persist") are observed but
// silent.
//
// Grounded on original_source/src/reaper/TreeWatch.{hxx,cxx}.
package treewatch

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/CM4all/spawn/internal/inotifywatch"
)

const watchMask = unix.IN_EXCL_UNLINK | unix.IN_ONLYDIR |
	unix.IN_CREATE | unix.IN_DELETE | unix.IN_MOVED_FROM | unix.IN_MOVED_TO

// Handler is the capability set spec.md §9 describes as the
// "polymorphic tree-watcher callback" surface, collapsed into a Go
// interface: {on_created, on_deleted, should_skip_name, on_error}.
type Handler interface {
	// OnDirectoryCreated fires once per real mkdir under an "all"
	// subtree, with dirFd open for the lifetime of the callback
	// (the tree retains its own reference; the callback must not
	// close it).
	OnDirectoryCreated(relativePath string, dirFd int)
	// OnDirectoryDeleted fires once per real rmdir under an "all"
	// subtree.
	OnDirectoryDeleted(relativePath string)
	// ShouldSkipName lets the caller filter well-known non-directory
	// entries (spec.md §4.1's "well-known non-directory filter") out
	// of directory scans before attempting to open() them.
	ShouldSkipName(name string) bool
	// OnError reports a non-fatal failure, e.g. an inotify read
	// error.
	OnError(err error)
}

// node is a directory node as described in spec.md §3. A node has a
// watch iff it has an open fd; children may contain only persist=true
// nodes while the node itself is closed.
type node struct {
	tree     *Tree
	parent   *node
	name     string
	fd       int   // -1 when not open
	wd       int32 // -1 when not watching
	children map[string]*node
	persist  bool
	all      bool
}

func (n *node) isOpen() bool { return n.fd >= 0 }

func (n *node) relativePath() string {
	if n.parent == nil {
		return ""
	}
	p := n.parent.relativePath()
	if p == "" {
		return n.name
	}
	return p + "/" + n.name
}

// Tree is a recursive inotify directory tree watcher rooted at a base
// directory descriptor.
type Tree struct {
	inotify *inotifywatch.Manager
	handler Handler
	root    *node
}

// New opens baseDirFd's path component basePath (typically "." to
// reuse baseDirFd directly) as the tree's root, which is always
// persist=true, all=false (spec.md §3 invariant), and attaches its
// watch.
func New(inotify *inotifywatch.Manager, baseDirFd int, basePath string, handler Handler) (*Tree, error) {
	fd, err := unix.Openat(baseDirFd, basePath, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open root %q: %w", basePath, err)
	}

	t := &Tree{inotify: inotify, handler: handler}
	t.root = &node{tree: t, fd: fd, wd: -1, children: make(map[string]*node), persist: true, all: false}
	if err := t.addWatch(t.root); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return t, nil
}

func (t *Tree) addWatch(n *node) error {
	path := fmt.Sprintf("/proc/self/fd/%d", n.fd)
	wd, err := t.inotify.AddWatch(path, watchMask, func(mask uint32, name string) {
		t.handleInotifyEvent(n, mask, name)
	})
	if err != nil {
		return err
	}
	n.wd = wd
	return nil
}

// Add materializes the skeleton path to relativePath as persist=true
// nodes, opening and watching each one that is currently openable, then
// marks the terminal node all=true and, if it is already open, emits
// its created callback and scans it — spec.md §4.1 Add().
func (t *Tree) Add(relativePath string) error {
	dir := t.root
	for _, name := range splitPath(relativePath) {
		child := t.makeChild(dir, name, true, false)
		if !child.isOpen() && dir.isOpen() {
			if err := t.openChild(dir, child); err != nil {
				t.handler.OnError(fmt.Errorf("open %s: %w", child.relativePath(), err))
			}
		}
		dir = child
	}

	if dir == t.root {
		return nil
	}

	dir.all = true
	if dir.isOpen() && len(dir.children) == 0 {
		t.handler.OnDirectoryCreated(dir.relativePath(), dir.fd)
		t.scanDirectory(dir)
	}
	return nil
}

// Find returns the open fd for relativePath if it is currently tracked
// and open, matching spec.md §4.1's Find() used by the reaper to
// re-add a cgroup after a lost race.
func (t *Tree) Find(relativePath string) (int, bool) {
	dir := t.root
	for _, name := range splitPath(relativePath) {
		child, ok := dir.children[name]
		if !ok {
			return -1, false
		}
		dir = child
	}
	if dir == t.root || !dir.isOpen() {
		return -1, false
	}
	return dir.fd, true
}

func (t *Tree) makeChild(parent *node, name string, persist, all bool) *node {
	if child, ok := parent.children[name]; ok {
		return child
	}
	child := &node{
		tree:     t,
		parent:   parent,
		name:     name,
		fd:       -1,
		wd:       -1,
		children: make(map[string]*node),
		persist:  persist,
		all:      all,
	}
	parent.children[name] = child
	return child
}

func (t *Tree) openChild(parent, child *node) error {
	fd, err := unix.Openat(parent.fd, child.name, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return err
	}
	child.fd = fd
	return t.addWatch(child)
}

// scanDirectory enumerates directory's entries, skipping dotfiles and
// well-known non-directory names, and recursively opens/watches every
// subdirectory found — spec.md §4.1's scanning policy.
func (t *Tree) scanDirectory(dir *node) {
	names, err := readDirNames(dir.fd)
	if err != nil {
		t.handler.OnError(fmt.Errorf("readdir %s: %w", dir.relativePath(), err))
		return
	}

	sort.Strings(names)
	for _, name := range names {
		if strings.HasPrefix(name, ".") {
			continue
		}
		if t.handler.ShouldSkipName(name) {
			continue
		}

		fd, err := unix.Openat(dir.fd, name, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
		if err != nil {
			if err == unix.ENOTDIR || err == unix.ENOENT {
				continue
			}
			t.handler.OnError(fmt.Errorf("open %s/%s: %w", dir.relativePath(), name, err))
			continue
		}

		child := t.makeChild(dir, name, false, true)
		if child.isOpen() {
			unix.Close(fd)
			continue
		}

		child.fd = fd
		if err := t.addWatch(child); err != nil {
			t.handler.OnError(err)
			unix.Close(fd)
			child.fd = -1
			continue
		}

		t.handler.OnDirectoryCreated(child.relativePath(), child.fd)
		t.scanDirectory(child)
	}
}

func (t *Tree) handleInotifyEvent(dir *node, mask uint32, name string) {
	if mask&unix.IN_ISDIR == 0 || name == "" {
		return
	}
	if mask&unix.IN_IGNORED != 0 {
		return
	}

	switch {
	case mask&(unix.IN_CREATE|unix.IN_MOVED_TO) != 0:
		t.handleNewDirectory(dir, name)
	case mask&(unix.IN_DELETE|unix.IN_MOVED_FROM) != 0:
		t.handleDeletedDirectoryByName(dir, name)
	}
}

func (t *Tree) handleNewDirectory(parent *node, name string) {
	var child *node
	if parent.all {
		child = t.makeChild(parent, name, false, true)
	} else {
		c, ok := parent.children[name]
		if !ok {
			// Transient racing path: a CREATE under an
			// all=false directory for a name that is not one
			// of its skeleton children. spec.md §4.1: "ignored (transient
			// racing paths)".
			return
		}
		child = c
	}

	if child.isOpen() {
		return
	}

	if err := t.openChild(parent, child); err != nil {
		t.handler.OnError(fmt.Errorf("open %s: %w", child.relativePath(), err))
		return
	}

	if child.all {
		t.handler.OnDirectoryCreated(child.relativePath(), child.fd)
		t.scanDirectory(child)
	}
}

func (t *Tree) handleDeletedDirectoryByName(parent *node, name string) {
	child, ok := parent.children[name]
	if !ok {
		return
	}

	t.tearDown(child)

	if !child.persist {
		delete(parent.children, name)
	}
}

// tearDown closes a node and recursively destroys its non-persist
// descendants bottom-up, emitting on_deleted for every "all" node in
// the subtree. spec.md §4.1: "A persist child whose own all never
// fired never produces a deleted callback."
func (t *Tree) tearDown(n *node) {
	if n.all {
		t.handler.OnDirectoryDeleted(n.relativePath())
	}

	if n.isOpen() {
		if n.wd >= 0 {
			t.inotify.RemoveWatch(n.wd)
			n.wd = -1
		}
		unix.Close(n.fd)
		n.fd = -1
	}

	for name, child := range n.children {
		t.tearDown(child)
		if !child.persist {
			delete(n.children, name)
		}
	}
}

func splitPath(relativePath string) []string {
	var out []string
	for _, part := range strings.Split(relativePath, "/") {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func readDirNames(fd int) ([]string, error) {
	dupFd, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	f := newDirReader(dupFd)
	defer f.Close()
	return f.ReadAll()
}
