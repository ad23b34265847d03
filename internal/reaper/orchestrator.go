// Package reaper wires the unified cgroup watcher to the accounting
// sampler, the summary formatter, the scripting bridge, and the
// deferred-delete queue — spec.md §4.4 "Reaper orchestrator".
//
// Grounded on original_source/src/reaper/Released.cxx.
package reaper

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/CM4all/spawn/internal/cgroupstat"
	"github.com/CM4all/spawn/internal/reactor"
)

// DefaultDeleteDelay is the deferred-delete window spec.md §4.4
// prescribes ("~50 ms delay"): a window for the script handler to read
// further data from the cgroup before it disappears.
const DefaultDeleteDelay = 50 * time.Millisecond

// ScriptBridge is the narrow interface the orchestrator needs from the
// scripting bridge (spec.md §4.5). InvokeCgroupReleased takes ownership
// of cgroupFd: the bridge closes it once the handler invocation for
// this event has finished or been cancelled.
type ScriptBridge interface {
	InvokeCgroupReleased(cgroupFd int, relativePath string, btime time.Time, haveBtime bool, usage cgroupstat.Usage)
}

// ReAdder is the subset of *cgroupwatch.Watch the orchestrator needs to
// recover from an EBUSY rmdir race.
type ReAdder interface {
	ReAdd(relativePath string)
}

// Reaper orchestrates the release -> sample -> report -> script ->
// delete pipeline.
type Reaper struct {
	logger       *slog.Logger
	rootCgroupFd int
	scopes       []string
	watch        ReAdder
	bridge       ScriptBridge // nil if no script is configured

	deleteQueue map[string]struct{}
	deleteTimer *reactor.Timer
	deleteDelay time.Duration

	now func() time.Time
}

// New builds a Reaper. rootCgroupFd is an O_DIRECTORY descriptor on
// the cgroup2 mount root, used to open managed cgroups by absolute
// path and to unlinkat() them once drained.
func New(loop *reactor.Loop, watch ReAdder, rootCgroupFd int, scopes []string, bridge ScriptBridge, deleteDelay time.Duration, logger *slog.Logger) (*Reaper, error) {
	if deleteDelay <= 0 {
		deleteDelay = DefaultDeleteDelay
	}
	r := &Reaper{
		logger:       logger,
		rootCgroupFd: rootCgroupFd,
		scopes:       scopes,
		watch:        watch,
		bridge:       bridge,
		deleteQueue:  make(map[string]struct{}),
		deleteDelay:  deleteDelay,
		now:          time.Now,
	}

	timer, err := reactor.NewTimer(loop, r.onDeferredDelete)
	if err != nil {
		return nil, fmt.Errorf("create delete timer: %w", err)
	}
	r.deleteTimer = timer

	return r, nil
}

// OnCgroupEmpty is the cgroupwatch.OnEmpty callback: it implements
// spec.md §4.4 steps 1-7.
func (r *Reaper) OnCgroupEmpty(path string) {
	suffix, ok := ManagedSuffix(r.scopes, path)
	if !ok {
		// Not one of ours; drop silently.
		return
	}

	relative := strings.TrimPrefix(path, "/")

	cgroupFd, err := unix.Openat(r.rootCgroupFd, relative, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	haveFd := err == nil
	if err != nil && !errors.Is(err, unix.ENOENT) {
		r.logger.Warn("failed to open released cgroup", "cgroup", path, "error", err)
	}

	var (
		btime     time.Time
		haveBtime bool
		usage     cgroupstat.Usage
	)
	if haveFd {
		btime, haveBtime = cgroupstat.BirthTime(cgroupFd)
		usage = cgroupstat.Read(cgroupFd)
	}

	if line := FormatSummary(suffix, zeroUnless(haveBtime, btime), usage, r.now()); line != "" {
		fmt.Fprintln(os.Stderr, line)
	}

	if haveFd {
		if r.bridge != nil {
			// Ownership of cgroupFd transfers to the bridge.
			r.bridge.InvokeCgroupReleased(cgroupFd, relative, btime, haveBtime, usage)
		} else {
			unix.Close(cgroupFd)
		}
	}

	// Defer the deletion: unpopulated children of this cgroup may
	// still exist and need to be reaped first. Scheduling is a
	// no-op if the timer is already pending, so a burst of release
	// events before the timer fires does not push the deadline out.
	r.deleteQueue[path] = struct{}{}
	if err := r.deleteTimer.Schedule(r.deleteDelay); err != nil {
		r.logger.Error("failed to arm deferred-delete timer", "error", err)
	}
}

// PendingDeletes reports the number of cgroups queued for the next
// deferred-delete pass, for diagnostics.
func (r *Reaper) PendingDeletes() int {
	return len(r.deleteQueue)
}

func zeroUnless(have bool, t time.Time) time.Time {
	if !have {
		return time.Time{}
	}
	return t
}

// onDeferredDelete drains the delete queue in reverse lexicographic
// order, so a child path (a strict extension of its parent's path
// string) is always removed before its parent — spec.md §4.4 and
// testable property #3.
func (r *Reaper) onDeferredDelete() {
	for _, path := range deepestFirst(r.deleteQueue) {
		r.destroyCgroup(path)
	}
	r.deleteQueue = make(map[string]struct{})
}

// deepestFirst returns the queued paths sorted so a child (a strict
// string extension of its parent's path) always precedes its parent.
// Reverse-lexicographic order achieves this because a path with an
// extra "/segment" suffix always sorts after its prefix.
func deepestFirst(queue map[string]struct{}) []string {
	paths := make([]string, 0, len(queue))
	for p := range queue {
		paths = append(paths, p)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(paths)))
	return paths
}

func (r *Reaper) destroyCgroup(path string) {
	relative := strings.TrimPrefix(path, "/")

	err := unix.Unlinkat(r.rootCgroupFd, relative, unix.AT_REMOVEDIR)
	switch {
	case err == nil, errors.Is(err, unix.ENOENT):
		return
	case errors.Is(err, unix.EBUSY):
		// A new process slipped into the cgroup before we got to
		// it. Re-register the populated-watch entry so its next
		// empty transition is caught. spec.md §4.4.
		r.logger.Info("cgroup busy on delete, re-adding", "cgroup", path)
		r.watch.ReAdd(relative)
	default:
		r.logger.Error("failed to delete cgroup", "cgroup", path, "error", err)
	}
}
