package nsfactory

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/CM4all/spawn/internal/reactor"
)

// DefaultIdleWindow is the delay after the last lease disappears before
// an unused Record is torn down — spec.md §4.6 ("~1 minute").
const DefaultIdleWindow = time.Minute

// pidInitState is the state machine of spec.md §4.6 "State machine: PID
// namespace init": {absent, alive, dying}.
type pidInitState int

const (
	pidInitAbsent pidInitState = iota
	pidInitAlive
	pidInitDying
)

// userNamespaceEntry caches a USER namespace FD keyed by the exact
// uid_map/gid_map payload that produced it.
type userNamespaceEntry struct {
	fd *os.File
}

// lease is one outstanding lease-pipe grant: the daemon retains the
// read end and watches it for hang-up (the client closing its write
// end, explicitly or by exiting).
type lease struct {
	readFD int
}

// Record is the per-name namespace record of spec.md §3 "Namespace
// record (accessory)". Not goroutine-safe: every method runs on the
// single reactor-loop goroutine.
type Record struct {
	name   string
	loop   *reactor.Loop
	logger *slog.Logger

	ipcHolder *holder
	ipcNS     *os.File

	pidHolder *holder
	pidNS     *os.File
	pidState  pidInitState
	pidFD     int // pidfd of the init process, valid while pidState != absent

	userNamespaces []userKeyedEntry

	leases      []*lease
	expireTimer *reactor.Timer
	idleWindow  time.Duration

	// onExpired is invoked once the idle-expiry timer fires with no
	// active leases, so the owning Factory can drop this Record from
	// its map.
	onExpired func(*Record)
}

type userKeyedEntry struct {
	payload []byte
	entry   userNamespaceEntry
}

func newRecord(name string, loop *reactor.Loop, logger *slog.Logger, idleWindow time.Duration, onExpired func(*Record)) (*Record, error) {
	if idleWindow <= 0 {
		idleWindow = DefaultIdleWindow
	}
	r := &Record{
		name:       name,
		loop:       loop,
		logger:     logger,
		pidFD:      -1,
		idleWindow: idleWindow,
		onExpired:  onExpired,
	}
	timer, err := reactor.NewTimer(loop, r.onExpireTimer)
	if err != nil {
		return nil, fmt.Errorf("create expiry timer for %q: %w", name, err)
	}
	r.expireTimer = timer
	return r, nil
}

// MakeIPC returns the cached IPC namespace FD, creating it on first
// call. spec.md §4.6 item 2 "IPC".
func (r *Record) MakeIPC() (*os.File, error) {
	if r.ipcNS != nil {
		return r.ipcNS, nil
	}

	h, err := spawnHolder(unix.CLONE_NEWIPC)
	if err != nil {
		return nil, fmt.Errorf("namespace %q: create IPC holder: %w", r.name, err)
	}

	f, err := os.Open(h.procNsPath("ipc"))
	if err != nil {
		h.release()
		return nil, fmt.Errorf("namespace %q: open ipc ns: %w", r.name, err)
	}

	// The open FD keeps the namespace alive independent of the
	// holder process; nothing further needs it running.
	h.release()

	r.ipcNS = f
	r.ipcHolder = h
	return f, nil
}

// MakePID returns the cached PID namespace FD, unsharing+forking a new
// init process on first call. The init is kept running and monitored
// via pidfd readiness; its death clears the cache so a subsequent call
// recreates it (spec.md §4.6 "PID" and "State machine: PID namespace
// init").
func (r *Record) MakePID() (*os.File, error) {
	if r.pidNS != nil {
		return r.pidNS, nil
	}

	h, err := spawnHolder(unix.CLONE_NEWPID)
	if err != nil {
		return nil, fmt.Errorf("namespace %q: create PID holder: %w", r.name, err)
	}

	f, err := os.Open(h.procNsPath("pid"))
	if err != nil {
		h.release()
		return nil, fmt.Errorf("namespace %q: open pid ns: %w", r.name, err)
	}

	pidfd, err := unix.PidfdOpen(h.pid(), 0)
	if err != nil {
		f.Close()
		h.release()
		return nil, fmt.Errorf("namespace %q: pidfd_open init: %w", r.name, err)
	}

	if err := r.loop.Add(pidfd, unix.EPOLLIN, r.onPidfdReady); err != nil {
		unix.Close(pidfd)
		f.Close()
		h.release()
		return nil, fmt.Errorf("namespace %q: watch pidfd: %w", r.name, err)
	}

	r.pidHolder = h
	r.pidNS = f
	r.pidFD = pidfd
	r.pidState = pidInitAlive
	return f, nil
}

// onPidfdReady fires when the PID-namespace init process changes
// state. Readiness on a pidfd only ever means "exited", so this always
// reaps and clears the cache.
func (r *Record) onPidfdReady(events uint32) {
	var info unix.Siginfo
	err := unix.Waitid(unix.P_PIDFD, r.pidFD, &info, unix.WEXITED|unix.WNOHANG, nil)
	if err != nil {
		r.logger.Warn("waitid on PID-namespace init failed", "namespace", r.name, "error", err)
	} else {
		r.logger.Info("PID-namespace init exited", "namespace", r.name, "status", info.Status())
	}

	r.loop.Remove(r.pidFD)
	unix.Close(r.pidFD)
	r.pidFD = -1
	r.pidNS.Close()
	r.pidNS = nil
	r.pidState = pidInitAbsent
	r.pidHolder = nil
}

// MakeUser returns the cached USER namespace FD for the given
// uid_map/gid_map payload, creating it (and writing the maps into the
// holder process) on first call for that exact payload — spec.md §4.6
// "USER".
func (r *Record) MakeUser(payload []byte) (*os.File, error) {
	for _, e := range r.userNamespaces {
		if bytes.Equal(e.payload, payload) {
			return e.entry.fd, nil
		}
	}

	uidMap, gidMap, ok := splitMapPayload(payload)
	if !ok {
		return nil, fmt.Errorf("namespace %q: malformed USER_NAMESPACE payload (missing NUL separator)", r.name)
	}

	h, err := spawnHolder(unix.CLONE_NEWUSER)
	if err != nil {
		return nil, fmt.Errorf("namespace %q: create USER holder: %w", r.name, err)
	}
	defer h.release()

	f, err := os.Open(h.procNsPath("user"))
	if err != nil {
		return nil, fmt.Errorf("namespace %q: open user ns: %w", r.name, err)
	}

	if len(uidMap) > 0 {
		if err := os.WriteFile(fmt.Sprintf("/proc/%d/uid_map", h.pid()), uidMap, 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("namespace %q: write uid_map: %w", r.name, err)
		}
	}
	if len(gidMap) > 0 {
		if err := os.WriteFile(fmt.Sprintf("/proc/%d/gid_map", h.pid()), gidMap, 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("namespace %q: write gid_map: %w", r.name, err)
		}
	}

	stored := append([]byte(nil), payload...)
	r.userNamespaces = append(r.userNamespaces, userKeyedEntry{
		payload: stored,
		entry:   userNamespaceEntry{fd: f},
	})
	return f, nil
}

// splitMapPayload splits payload on its first NUL byte into
// uid_map/gid_map halves, per spec.md §6's USER_NAMESPACE record.
func splitMapPayload(payload []byte) (uidMap, gidMap []byte, ok bool) {
	i := bytes.IndexByte(payload, 0)
	if i < 0 {
		return nil, nil, false
	}
	return payload[:i], payload[i+1:], true
}

// MakeLeasePipe creates a fresh pipe, returns its write end to hand to
// the client, retains the read end watched for hang-up, and cancels
// the idle-expiry timer while any lease exists — spec.md §4.6 item 3.
func (r *Record) MakeLeasePipe() (*os.File, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("namespace %q: create lease pipe: %w", r.name, err)
	}
	readFD, writeFD := fds[0], fds[1]

	l := &lease{readFD: readFD}
	r.leases = append(r.leases, l)
	r.expireTimer.Cancel()

	if err := r.loop.Add(readFD, unix.EPOLLIN, func(events uint32) {
		r.onLeaseReleased(l)
	}); err != nil {
		unix.Close(readFD)
		unix.Close(writeFD)
		r.leases = r.leases[:len(r.leases)-1]
		return nil, fmt.Errorf("namespace %q: watch lease pipe: %w", r.name, err)
	}

	return os.NewFile(uintptr(writeFD), "lease-pipe-write"), nil
}

// onLeaseReleased fires on hang-up (EPOLLIN with immediate EOF, or
// EPOLLHUP) of a lease's read end. Removing the last lease arms the
// idle-expiry timer.
func (r *Record) onLeaseReleased(l *lease) {
	r.loop.Remove(l.readFD)
	unix.Close(l.readFD)

	for i, cur := range r.leases {
		if cur == l {
			r.leases = append(r.leases[:i], r.leases[i+1:]...)
			break
		}
	}

	if len(r.leases) == 0 {
		if err := r.expireTimer.Reset(r.idleWindow); err != nil {
			r.logger.Error("failed to arm namespace idle-expiry timer", "namespace", r.name, "error", err)
		}
	}
}

func (r *Record) onExpireTimer() {
	if len(r.leases) > 0 {
		// A lease arrived in the same turn the timer fired; nothing
		// to do, the lease path already cancelled the timer.
		return
	}
	r.destroy()
	if r.onExpired != nil {
		r.onExpired(r)
	}
}

// destroy tears down every FD and process owned by this record —
// spec.md §3 invariant: "When expiry fires, the record is destroyed
// and all its FDs are closed."
func (r *Record) destroy() {
	r.expireTimer.Close()

	if r.ipcNS != nil {
		r.ipcNS.Close()
	}

	if r.pidFD >= 0 {
		// alive -> dying: SIGTERM is in flight but the init process
		// hasn't been reaped yet.
		r.pidState = pidInitDying
		r.loop.Remove(r.pidFD)
		unix.PidfdSendSignal(r.pidFD, unix.SIGTERM, nil, 0)
		unix.Close(r.pidFD)

		// release() closes the holder's pipe (a second, redundant way
		// to make it exit) and calls cmd.Wait(), which reaps it.
		// Skipping this would leak a zombie on every PID-namespace
		// teardown, since nothing else ever waits on this child.
		if r.pidHolder != nil {
			r.pidHolder.release()
		}
		r.pidState = pidInitAbsent
	}
	if r.pidNS != nil {
		r.pidNS.Close()
	}

	for _, e := range r.userNamespaces {
		e.entry.fd.Close()
	}

	for _, l := range r.leases {
		r.loop.Remove(l.readFD)
		unix.Close(l.readFD)
	}
	r.leases = nil
}
