// Package cgroupstat reads cgroup-v2 accounting files into a
// CgroupResourceUsage sample, per spec.md §3 ("Cgroup accounting
// sample") and §4.3. Every read is best-effort: a missing or
// unparsable file yields an absent field, never an error, since the
// cgroup may already be partially torn down by the time it is sampled.
//
// Grounded on original_source/src/reaper/CgroupAccounting.{hxx,cxx}.
package cgroupstat

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// CPUStat holds cpu.stat fields as durations. A field that was not
// read stays at zero with its Have flag false; the Have flags, not the
// sign of the value, mark a field as unknown.
type CPUStat struct {
	Total, User, System time.Duration
	HaveTotal, HaveUser, HaveSystem bool
}

// Usage is a single accounting sample.
type Usage struct {
	CPU CPUStat

	MemoryPeak      uint64
	HaveMemoryPeak  bool

	MemoryEventsHigh, MemoryEventsMax, MemoryEventsOOM       uint64
	HaveMemoryEventsHigh, HaveMemoryEventsMax, HaveMemoryEventsOOM bool

	PIDsPeak, PIDsForks, PIDsEventsMax             uint64
	HavePIDsPeak, HavePIDsForks, HavePIDsEventsMax bool
}

// Read samples every accounting file this package knows about from an
// O_RDONLY|O_DIRECTORY cgroup directory descriptor. It never returns an
// error: individual file failures simply leave the corresponding
// fields absent, per spec.md §4.3 and §7's "partial-result" category.
func Read(cgroupFd int) Usage {
	var u Usage
	readCPUStat(cgroupFd, &u.CPU)
	readSingleUint(cgroupFd, "memory.peak", &u.MemoryPeak, &u.HaveMemoryPeak)
	readMemoryEvents(cgroupFd, &u)
	readSingleUint(cgroupFd, "pids.peak", &u.PIDsPeak, &u.HavePIDsPeak)
	readSingleUint(cgroupFd, "pids.forks", &u.PIDsForks, &u.HavePIDsForks)
	readPIDsEvents(cgroupFd, &u)
	return u
}

// BirthTime queries the cgroup directory's creation time via statx(2),
// returning the zero Time and false if the kernel does not report
// STATX_BTIME (spec.md §4.3).
func BirthTime(cgroupFd int) (time.Time, bool) {
	var stx unix.Statx_t
	err := unix.Statx(cgroupFd, "", unix.AT_EMPTY_PATH|unix.AT_STATX_FORCE_SYNC, unix.STATX_BTIME, &stx)
	if err != nil || stx.Mask&unix.STATX_BTIME == 0 {
		return time.Time{}, false
	}
	return time.Unix(stx.Btime.Sec, int64(stx.Btime.Nsec)), true
}

func openReadOnly(dirFd int, name string) (int, bool) {
	fd, err := unix.Openat(dirFd, name, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, false
	}
	return fd, true
}

func readAll(fd int) []byte {
	defer unix.Close(fd)
	var buf bytes.Buffer
	chunk := make([]byte, 4096)
	for {
		n, err := unix.Read(fd, chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if n <= 0 || err != nil {
			break
		}
	}
	return buf.Bytes()
}

func readCPUStat(dirFd int, out *CPUStat) {
	fd, ok := openReadOnly(dirFd, "cpu.stat")
	if !ok {
		return
	}
	forEachLine(readAll(fd), func(name, value string) {
		usec, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return
		}
		d := time.Duration(usec) * time.Microsecond
		switch name {
		case "usage_usec":
			out.Total, out.HaveTotal = d, true
		case "user_usec":
			out.User, out.HaveUser = d, true
		case "system_usec":
			out.System, out.HaveSystem = d, true
		}
	})
}

func readMemoryEvents(dirFd int, u *Usage) {
	fd, ok := openReadOnly(dirFd, "memory.events")
	if !ok {
		return
	}
	forEachLine(readAll(fd), func(name, value string) {
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return
		}
		switch name {
		case "high":
			u.MemoryEventsHigh, u.HaveMemoryEventsHigh = n, true
		case "max":
			u.MemoryEventsMax, u.HaveMemoryEventsMax = n, true
		case "oom":
			u.MemoryEventsOOM, u.HaveMemoryEventsOOM = n, true
		}
	})
}

func readPIDsEvents(dirFd int, u *Usage) {
	fd, ok := openReadOnly(dirFd, "pids.events")
	if !ok {
		return
	}
	forEachLine(readAll(fd), func(name, value string) {
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return
		}
		if name == "max" {
			u.PIDsEventsMax, u.HavePIDsEventsMax = n, true
		}
	})
}

func readSingleUint(dirFd int, name string, out *uint64, have *bool) {
	fd, ok := openReadOnly(dirFd, name)
	if !ok {
		return
	}
	content := strings.TrimSpace(string(readAll(fd)))
	n, err := strconv.ParseUint(content, 10, 64)
	if err != nil {
		return
	}
	*out = n
	*have = true
}

// forEachLine splits "key value" lines the way cpu.stat, memory.events
// and pids.events are formatted.
func forEachLine(data []byte, fn func(name, value string)) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		fields := strings.SplitN(strings.TrimSpace(scanner.Text()), " ", 2)
		if len(fields) != 2 {
			continue
		}
		fn(fields[0], strings.TrimSpace(fields[1]))
	}
}
