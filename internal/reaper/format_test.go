package reaper

import (
	"strings"
	"testing"
	"time"

	"github.com/CM4all/spawn/internal/cgroupstat"
)

func TestFormatSummaryOmitsAbsentFields(t *testing.T) {
	line := FormatSummary("app-42/leaf", time.Time{}, cgroupstat.Usage{}, time.Now())
	if line != "" {
		t.Errorf("FormatSummary with no data = %q, want empty string", line)
	}
}

func TestFormatSummaryFields(t *testing.T) {
	now := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	btime := now.Add(-100 * time.Second)

	u := cgroupstat.Usage{
		CPU: cgroupstat.CPUStat{
			User: 40 * time.Second, HaveUser: true,
			System: 10 * time.Second, HaveSystem: true,
			HaveTotal: false,
		},
		MemoryPeak:     20 * 1024 * 1024,
		HaveMemoryPeak: true,
		PIDsForks:      50, HavePIDsForks: true,
	}

	line := FormatSummary("app-42/leaf", btime, u, now)

	if !strings.HasPrefix(line, "app-42/leaf:") {
		t.Fatalf("line = %q, want prefix app-42/leaf:", line)
	}
	if !strings.Contains(line, "since=2026-08-06T11:58:20Z") {
		t.Errorf("line = %q, missing since=", line)
	}
	if !strings.Contains(line, "cpu=50.0s/40.0s/10.0s[50%]") {
		t.Errorf("line = %q, missing computed cpu total/percent (total = user+system when total absent)", line)
	}
	if !strings.Contains(line, "memory=20M") {
		t.Errorf("line = %q, missing memory=20M", line)
	}
	// forks = 50 over 100s = 0.5/s -> printed as a /s rate since >= 1? No: 0.5 < 1, so "/m" form: 30.0/m.
	if !strings.Contains(line, "forks=50[30.0/m]") {
		t.Errorf("line = %q, want forks=50[30.0/m]", line)
	}
}

func TestFormatRateThresholds(t *testing.T) {
	age := 10 * time.Second
	if got := formatRate(20, age, true); got != "[2/s]" {
		t.Errorf("formatRate(20, 10s) = %q, want [2/s]", got)
	}
	if got := formatRate(1, age, true); got != "[6.0/m]" {
		t.Errorf("formatRate(1, 10s) = %q, want [6.0/m]", got)
	}
	if got := formatRate(0, age, true); got != "" {
		t.Errorf("formatRate(0, 10s) = %q, want empty", got)
	}
}

func TestManagedSuffix(t *testing.T) {
	scopes := []string{"/system.slice/system-cm4all.slice/bp-spawn.scope/"}

	suffix, ok := ManagedSuffix(scopes, "/system.slice/system-cm4all.slice/bp-spawn.scope/app-42/leaf")
	if !ok || suffix != "app-42/leaf" {
		t.Errorf("ManagedSuffix = (%q, %v), want (app-42/leaf, true)", suffix, ok)
	}

	if _, ok := ManagedSuffix(scopes, "/other.slice/thing"); ok {
		t.Error("ManagedSuffix should reject an unmanaged path")
	}
}
