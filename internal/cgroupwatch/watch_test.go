package cgroupwatch

import (
	"os"
	"testing"
)

func TestIsPopulated(t *testing.T) {
	cases := []struct {
		content string
		want    bool
	}{
		{"populated 0\nfrozen 0\n", false},
		{"populated 1\nfrozen 0\n", true},
		{"", false},
	}

	for _, tc := range cases {
		f, err := os.CreateTemp(t.TempDir(), "cgroup.events")
		if err != nil {
			t.Fatalf("create temp: %v", err)
		}
		if _, err := f.WriteString(tc.content); err != nil {
			t.Fatalf("write: %v", err)
		}
		got := isPopulated(int(f.Fd()))
		f.Close()
		if got != tc.want {
			t.Errorf("isPopulated(%q) = %v, want %v", tc.content, got, tc.want)
		}
	}
}

func TestShouldSkipNameKnownControlFiles(t *testing.T) {
	w := &Watch{}
	for _, name := range []string{"cgroup.events", "cpu.stat", "memory.peak", "pids.forks"} {
		if !w.ShouldSkipName(name) {
			t.Errorf("ShouldSkipName(%q) = false, want true", name)
		}
	}
	if w.ShouldSkipName("app-42") {
		t.Error("ShouldSkipName(app-42) = true, want false (a real cgroup subdirectory)")
	}
}
