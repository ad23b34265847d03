package reactor

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Timer is a one-shot timerfd-backed timer registered with a Loop.
//
// spec.md §5 requires two distinct arming disciplines:
//   - the deferred-delete timer is one-shot and "arming while armed is
//     a no-op (no resetting)" — use Schedule, which Timer implements
//     by refusing to rearm an already-pending timer;
//   - the namespace-record idle-expiry timer is cancelled by any new
//     lease and re-armed each time the last lease is released — use
//     Reset, which always rearms regardless of pending state.
type Timer struct {
	loop    *Loop
	fd      int
	fire    func()
	pending bool
}

// NewTimer creates a one-shot timer that is not yet armed. Call
// Schedule or Reset to arm it.
func NewTimer(loop *Loop, fire func()) (*Timer, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("timerfd_create: %w", err)
	}

	t := &Timer{loop: loop, fd: fd, fire: fire}
	if err := loop.Add(fd, unix.EPOLLIN, t.onReadable); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return t, nil
}

func (t *Timer) onReadable(uint32) {
	var buf [8]byte
	if _, err := unix.Read(t.fd, buf[:]); err != nil {
		return
	}
	t.pending = false
	t.fire()
}

// Schedule arms the timer to fire after d, unless it is already
// pending, in which case the call is a no-op — matching spec.md §5's
// "arming while armed is a no-op" rule for the deferred-delete timer.
func (t *Timer) Schedule(d time.Duration) error {
	if t.pending {
		return nil
	}
	return t.arm(d)
}

// Reset (re)arms the timer to fire after d, replacing any pending
// expiry — used by the namespace idle-expiry timer, which restarts its
// full window each time the last lease is released.
func (t *Timer) Reset(d time.Duration) error {
	return t.arm(d)
}

func (t *Timer) arm(d time.Duration) error {
	spec := unix.ItimerSpec{
		Value: unix.NsecToTimespec(d.Nanoseconds()),
	}
	if err := unix.TimerfdSettime(t.fd, 0, &spec, nil); err != nil {
		return fmt.Errorf("timerfd_settime: %w", err)
	}
	t.pending = true
	return nil
}

// Cancel disarms the timer without firing it.
func (t *Timer) Cancel() {
	if !t.pending {
		return
	}
	t.pending = false
	var spec unix.ItimerSpec
	_ = unix.TimerfdSettime(t.fd, 0, &spec, nil)
}

// Pending reports whether the timer is currently armed.
func (t *Timer) Pending() bool {
	return t.pending
}

// Close disarms and releases the timerfd. The timer must not be used
// afterward.
func (t *Timer) Close() {
	t.loop.Remove(t.fd)
	unix.Close(t.fd)
}
