package reaper

import (
	"fmt"
	"strings"
	"time"

	"github.com/CM4all/spawn/internal/cgroupstat"
)

// FormatSummary renders the one-line human-readable release summary
// mandated by spec.md §6. suffix is the scope-relative path (no
// leading slash); btime may be the zero Time if unknown. Returns the
// empty string if there is nothing to report (matches the source's "if
// p > buffer" guard — a cgroup that yields no fields at all produces no
// line).
func FormatSummary(suffix string, btime time.Time, u cgroupstat.Usage, now time.Time) string {
	var b strings.Builder

	var age time.Duration
	haveAge := false
	if !btime.IsZero() {
		fmt.Fprintf(&b, " since=%s", btime.UTC().Format(time.RFC3339))
		age = now.Sub(btime)
		haveAge = true
	}

	writeCPU(&b, u.CPU, age, haveAge)

	if u.HaveMemoryPeak {
		const mega = 1024 * 1024
		megabytes := (u.MemoryPeak + mega/2 - 1) / mega
		fmt.Fprintf(&b, " memory=%dM", megabytes)
	}

	high, max := uint64(0), uint64(0)
	if u.HaveMemoryEventsHigh {
		high = u.MemoryEventsHigh
	}
	if u.HaveMemoryEventsMax {
		max = u.MemoryEventsMax
	}
	if high > 0 || max > 0 {
		fmt.Fprintf(&b, " reclaim=%d", high+max)
	}

	if u.HaveMemoryEventsOOM && u.MemoryEventsOOM > 0 {
		fmt.Fprintf(&b, " oom=%d", u.MemoryEventsOOM)
	}

	if u.HavePIDsPeak {
		fmt.Fprintf(&b, " procs=%d", u.PIDsPeak)
	}

	if u.HavePIDsForks {
		fmt.Fprintf(&b, " forks=%d", u.PIDsForks)
		b.WriteString(formatRate(u.PIDsForks, age, haveAge))
	}

	if u.HavePIDsEventsMax && u.PIDsEventsMax > 0 {
		fmt.Fprintf(&b, " procs_rejected=%d", u.PIDsEventsMax)
	}

	if b.Len() == 0 {
		return ""
	}
	return suffix + ":" + b.String()
}

func writeCPU(b *strings.Builder, cpu cgroupstat.CPUStat, age time.Duration, haveAge bool) {
	switch {
	case cpu.HaveUser || cpu.HaveSystem:
		user := max(cpu.User, 0)
		system := max(cpu.System, 0)
		total := cpu.Total
		if !cpu.HaveTotal {
			total = user + system
		}
		fmt.Fprintf(b, " cpu=%.1fs/%.1fs/%.1fs", total.Seconds(), user.Seconds(), system.Seconds())
		b.WriteString(formatPercent(total, age, haveAge))
	case cpu.HaveTotal:
		fmt.Fprintf(b, " cpu=%.1fs", cpu.Total.Seconds())
		b.WriteString(formatPercent(cpu.Total, age, haveAge))
	}
}

// formatPercent renders age-normalized CPU usage as "[N%]", omitted
// when age is unknown, zero, or the computed percentage truncates to
// zero — original_source/src/reaper/Released.cxx's MaybeLogPercent.
func formatPercent(usage time.Duration, age time.Duration, haveAge bool) string {
	if !haveAge || age <= 0 {
		return ""
	}
	percent := int(100 * usage.Seconds() / age.Seconds())
	if percent <= 0 {
		return ""
	}
	return fmt.Sprintf("[%d%%]", percent)
}

// formatRate renders a per-second or per-minute rate, mirroring
// original_source/src/reaper/Released.cxx's MaybeLogRate: rates >= 1/s
// print with "/s" and no fractional digits, rates >= 0.01/s print
// "/m" with one fractional digit, anything smaller is omitted.
func formatRate(n uint64, age time.Duration, haveAge bool) string {
	if !haveAge || age <= 0 {
		return ""
	}
	rate := float64(n) / age.Seconds()
	if rate < 0.01 {
		return ""
	}
	if rate >= 1 {
		return fmt.Sprintf("[%.0f/s]", rate)
	}
	return fmt.Sprintf("[%.1f/m]", rate*60)
}
