// Package nsfactory implements the per-name namespace factory of
// spec.md §4.6: pooled IPC/PID/USER namespace handles, a lease-pipe
// mechanism, and idle-expiry teardown.
//
// Grounded on original_source/src/accessory/Namespace.{hxx,cxx}. That
// source calls unshare(2)/clone3(2) directly from a single-threaded
// process. Go's runtime keeps many OS threads alive under one process
// even for a "single-threaded" program, so a bare fork() there is
// undefined per fork(2)'s guidance for multi-threaded callers. This
// port instead re-execs the daemon's own binary via /proc/self/exe
// with a hidden holder subcommand and unix.SysProcAttr.Cloneflags —
// the same "self-reexec into a fresh namespace" idiom used by
// container tooling written in Go — which yields the same effect
// (a throwaway or long-lived carrier process inside a freshly
// unshared namespace) without touching fork() from Go.
package nsfactory

import (
	"fmt"
	"io"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// HolderArg is the argv[1] value the daemon's main() recognizes and
// dispatches to RunHolder instead of normal startup.
const HolderArg = "--nsfactory-holder"

// RunHolder is the entry point executed inside the re-exec'd child. It
// blocks reading from fd 3 (inherited via exec.Cmd.ExtraFiles) until
// the parent closes its end, then exits 0. This gives the parent a
// live process inside the freshly unshared namespace to open
// /proc/<pid>/ns/* against, without the child doing anything else.
//
// For a PID-namespace holder this process is also the namespace's
// init (pid 1 inside it); it must stay running for the namespace to
// remain usable for new children, so the parent only closes its pipe
// end when tearing the whole record down.
func RunHolder() {
	f := os.NewFile(3, "nsfactory-pipe")
	if f == nil {
		os.Exit(1)
	}
	defer f.Close()

	buf := make([]byte, 1)
	for {
		_, err := f.Read(buf)
		if err != nil {
			if err == io.EOF {
				os.Exit(0)
			}
			os.Exit(1)
		}
	}
}

// holder is a running placeholder/init process plus the pipe used to
// signal it to exit.
type holder struct {
	cmd       *exec.Cmd
	writeEnd  *os.File
	closeOnce bool
}

// spawnHolder re-execs the current binary with HolderArg and the given
// clone flags applied via SysProcAttr.Cloneflags, handing the child fd
// 3 as the blocking end of a fresh pipe.
func spawnHolder(cloneFlags uintptr) (*holder, error) {
	readEnd, writeEnd, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create holder pipe: %w", err)
	}
	defer readEnd.Close()

	self, err := os.Executable()
	if err != nil {
		writeEnd.Close()
		return nil, fmt.Errorf("resolve executable path: %w", err)
	}

	cmd := exec.Command(self, HolderArg)
	cmd.ExtraFiles = []*os.File{readEnd}
	cmd.SysProcAttr = &unix.SysProcAttr{
		Cloneflags: cloneFlags,
	}

	if err := cmd.Start(); err != nil {
		writeEnd.Close()
		return nil, fmt.Errorf("start namespace holder: %w", err)
	}

	return &holder{cmd: cmd, writeEnd: writeEnd}, nil
}

// procNsPath returns /proc/<pid>/ns/<kind> for the holder's process.
func (h *holder) procNsPath(kind string) string {
	return fmt.Sprintf("/proc/%d/ns/%s", h.cmd.Process.Pid, kind)
}

// release signals the holder to exit and reaps it. Safe to call more
// than once.
func (h *holder) release() {
	if h.closeOnce {
		return
	}
	h.closeOnce = true
	h.writeEnd.Close()
	h.cmd.Wait()
}

// pid returns the holder process's PID.
func (h *holder) pid() int {
	return h.cmd.Process.Pid
}
