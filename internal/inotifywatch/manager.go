// Package inotifywatch owns a single inotify(7) instance and
// multiplexes its events to per-watch-descriptor handlers. It is the
// "inotify subscription manager" leaf component of spec.md §2: callers
// above it (treewatch.Tree) never touch the inotify fd directly, they
// only add/remove watches and receive per-name callbacks.
package inotifywatch

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/CM4all/spawn/internal/reactor"
)

// Handler receives one decoded inotify event for the watch it was
// registered against. name is empty for events that carry no name
// (e.g. IN_IGNORED, IN_Q_OVERFLOW).
type Handler func(mask uint32, name string)

// Manager owns the inotify instance and dispatches its events.
type Manager struct {
	loop     *reactor.Loop
	fd       int
	watches  map[int32]Handler
	onError  func(error)
	buffer   []byte
}

// New creates an inotify instance and registers it with loop.
// onError, if non-nil, is invoked when reading the inotify fd fails —
// spec.md §4.1: "An inotify read failure surfaces as on_error."
func New(loop *reactor.Loop, onError func(error)) (*Manager, error) {
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("inotify_init1: %w", err)
	}

	m := &Manager{
		loop:    loop,
		fd:      fd,
		watches: make(map[int32]Handler),
		onError: onError,
		buffer:  make([]byte, 64*1024),
	}

	if err := loop.Add(fd, unix.EPOLLIN, m.onReadable); err != nil {
		unix.Close(fd)
		return nil, err
	}

	return m, nil
}

// AddWatch installs a watch on path (typically /proc/self/fd/<n> for a
// directory descriptor, see treewatch) with the given mask, and
// registers handler to receive its events.
func (m *Manager) AddWatch(path string, mask uint32, handler Handler) (int32, error) {
	wd, err := unix.InotifyAddWatch(m.fd, path, mask)
	if err != nil {
		return -1, fmt.Errorf("inotify_add_watch(%s): %w", path, err)
	}
	m.watches[int32(wd)] = handler
	return int32(wd), nil
}

// RemoveWatch removes a previously added watch. It is not an error to
// remove a watch descriptor the kernel has already invalidated (e.g.
// because the watched directory was deleted, which implicitly removes
// the watch and delivers IN_IGNORED) — spec.md §4.1: "IN_IGNORED is
// ignored here (the kernel cleanup is implicit)."
func (m *Manager) RemoveWatch(wd int32) {
	delete(m.watches, wd)
	_, _ = unix.InotifyRmWatch(m.fd, uint32(wd))
}

func (m *Manager) onReadable(uint32) {
	for {
		n, err := unix.Read(m.fd, m.buffer)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			if err == unix.EINTR {
				continue
			}
			if m.onError != nil {
				m.onError(fmt.Errorf("inotify read: %w", err))
			}
			return
		}
		if n == 0 {
			return
		}
		m.dispatch(m.buffer[:n])
	}
}

func (m *Manager) dispatch(buf []byte) {
	offset := 0
	for offset+unix.SizeofInotifyEvent <= len(buf) {
		wd := int32(binary.NativeEndian.Uint32(buf[offset : offset+4]))
		mask := binary.NativeEndian.Uint32(buf[offset+4 : offset+8])
		nameLen := int(binary.NativeEndian.Uint32(buf[offset+12 : offset+16]))
		eventSize := unix.SizeofInotifyEvent + nameLen
		if offset+eventSize > len(buf) {
			break
		}

		var name string
		if nameLen > 0 {
			name = nullTerminated(buf[offset+unix.SizeofInotifyEvent : offset+eventSize])
		}

		if handler, ok := m.watches[wd]; ok {
			if mask&unix.IN_IGNORED != 0 {
				delete(m.watches, wd)
			}
			handler(mask, name)
		}

		offset += eventSize
	}
}

func nullTerminated(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// Close releases the inotify instance.
func (m *Manager) Close() {
	m.loop.Remove(m.fd)
	unix.Close(m.fd)
}
