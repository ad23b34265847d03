package scriptbridge

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/CM4all/spawn/internal/cgroupstat"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "accounting.lua")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestNewRejectsMissingHandler(t *testing.T) {
	path := writeScript(t, "-- no handler defined\n")
	if _, err := New(path, testLogger()); err == nil {
		t.Fatal("expected error for script without cgroup_released")
	}
}

func TestNewRejectsWrongHandlerType(t *testing.T) {
	path := writeScript(t, "cgroup_released = 42\n")
	if _, err := New(path, testLogger()); err == nil {
		t.Fatal("expected error for non-function cgroup_released")
	}
}

func TestInvokeCgroupReleasedPassesFields(t *testing.T) {
	path := writeScript(t, `
last_cgroup = nil
last_cpu_total = nil
last_memory_peak = nil

function cgroup_released(info)
	last_cgroup = info.cgroup
	last_cpu_total = info.cpu_total
	last_memory_peak = info.memory_peak
end
`)

	b, err := New(path, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	f, err := os.CreateTemp(t.TempDir(), "cgroupdir")
	if err != nil {
		t.Fatalf("temp file: %v", err)
	}
	defer f.Close()

	usage := cgroupstat.Usage{}
	usage.CPU.Total = 3 * time.Second
	usage.CPU.HaveTotal = true
	usage.MemoryPeak = 1024
	usage.HaveMemoryPeak = true

	b.InvokeCgroupReleased(int(f.Fd()), "app-42/leaf", time.Time{}, false, usage)

	got := b.state.GetGlobal("last_cgroup").String()
	if got != "app-42/leaf" {
		t.Errorf("last_cgroup = %q, want app-42/leaf", got)
	}
	if got := b.state.GetGlobal("last_cpu_total").String(); got != "3" {
		t.Errorf("last_cpu_total = %q, want 3", got)
	}
	if got := b.state.GetGlobal("last_memory_peak").String(); got != "1024" {
		t.Errorf("last_memory_peak = %q, want 1024", got)
	}

	if len(b.threads) != 0 {
		t.Errorf("expected the coroutine to auto-unlink after completion, %d threads remain", len(b.threads))
	}
}

func TestReloadSwapsHandler(t *testing.T) {
	path := writeScript(t, `
function cgroup_released(info) end
`)
	b, err := New(path, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	if err := os.WriteFile(path, []byte(`
reloaded = true
function cgroup_released(info) end
`), 0o644); err != nil {
		t.Fatalf("rewrite script: %v", err)
	}

	if err := b.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	if got := b.state.GetGlobal("reloaded"); got.String() != "true" {
		t.Errorf("expected reloaded interpreter state, got reloaded=%v", got)
	}
}
