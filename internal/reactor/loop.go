// Package reactor implements the single-threaded cooperative event loop
// shared by the spawn accessory and the cgroup reaper (spec.md §5:
// "single-threaded cooperative event reactor per process"). All
// inotify readiness, pidfd/pipefd readiness, and timer expiry callbacks
// registered with a Loop run serialized on the goroutine that calls
// Run. The only locking in this package guards the handler table and
// the queue of posted callbacks, which Post may touch from other
// goroutines.
package reactor

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Handler is invoked with the epoll readiness mask for a registered
// file descriptor.
type Handler func(events uint32)

// Loop is an epoll(7)-based reactor. The zero value is not usable; call
// New.
type Loop struct {
	epfd int

	// wake is a pipe used to interrupt EpollWait from another
	// goroutine (Post) without requiring the loop itself to be
	// multi-threaded — the write end is the only thing ever touched
	// off the loop goroutine.
	wakeRead, wakeWrite int

	mu       sync.Mutex
	handlers map[int32]Handler
	posted   []func()

	closed bool
}

// New creates an epoll instance and the self-pipe used by Post.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("pipe2: %w", err)
	}

	l := &Loop{
		epfd:      epfd,
		wakeRead:  fds[0],
		wakeWrite: fds[1],
		handlers:  make(map[int32]Handler),
	}

	if err := l.Add(l.wakeRead, unix.EPOLLIN, func(uint32) { l.drainWake() }); err != nil {
		l.Close()
		return nil, err
	}

	return l, nil
}

// Add registers fd for the given epoll event mask. handler is invoked
// on the loop goroutine whenever fd becomes ready. Registering the same
// fd twice replaces the previous handler.
func (l *Loop) Add(fd int, events uint32, handler Handler) error {
	l.mu.Lock()
	_, exists := l.handlers[int32(fd)]
	l.handlers[int32(fd)] = handler
	l.mu.Unlock()

	op := unix.EPOLL_CTL_ADD
	if exists {
		op = unix.EPOLL_CTL_MOD
	}

	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, op, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl(%d): %w", fd, err)
	}
	return nil
}

// Remove unregisters fd. It is not an error to remove an fd that was
// already closed (EBADF) or never added (ENOENT) — callers frequently
// remove on a best-effort basis during teardown.
func (l *Loop) Remove(fd int) {
	l.mu.Lock()
	delete(l.handlers, int32(fd))
	l.mu.Unlock()

	_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Post schedules fn to run on the loop goroutine as soon as possible.
// Safe to call from any goroutine, including the loop goroutine itself
// (fn then runs on the next iteration, not reentrantly).
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.posted = append(l.posted, fn)
	l.mu.Unlock()

	// Best-effort wakeup: if the pipe is full the loop is already
	// about to wake up on its own.
	var b [1]byte
	_, _ = unix.Write(l.wakeWrite, b[:])
}

func (l *Loop) drainWake() {
	var buf [64]byte
	for {
		_, err := unix.Read(l.wakeRead, buf[:])
		if err != nil {
			break
		}
	}
}

func (l *Loop) takePosted() []func() {
	l.mu.Lock()
	posted := l.posted
	l.posted = nil
	l.mu.Unlock()
	return posted
}

// Run blocks, dispatching readiness events and posted callbacks, until
// ctx is cancelled. It returns nil on cancellation.
func (l *Loop) Run(ctx context.Context) error {
	events := make([]unix.EpollEvent, 64)

	for {
		if ctx.Err() != nil {
			return nil
		}

		for _, fn := range l.takePosted() {
			fn()
		}

		n, err := unix.EpollWait(l.epfd, events, 1000)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			l.mu.Lock()
			handler := l.handlers[events[i].Fd]
			l.mu.Unlock()
			if handler != nil {
				handler(events[i].Events)
			}
		}
	}
}

// Close releases the epoll instance and the wakeup pipe. Run must have
// returned before calling Close.
func (l *Loop) Close() {
	if l.closed {
		return
	}
	l.closed = true
	unix.Close(l.wakeWrite)
	unix.Close(l.wakeRead)
	unix.Close(l.epfd)
}
