package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadReaperConfigOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reaper.yaml")
	body := `
managed_scopes:
  - /system.slice/custom.scope/
script_path: /etc/custom/accounting.lua
delete_delay: 100ms
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadReaperConfig(path)
	if err != nil {
		t.Fatalf("LoadReaperConfig: %v", err)
	}
	if len(cfg.ManagedScopes) != 1 || cfg.ManagedScopes[0] != "/system.slice/custom.scope/" {
		t.Errorf("ManagedScopes = %v", cfg.ManagedScopes)
	}
	if cfg.ScriptPath != "/etc/custom/accounting.lua" {
		t.Errorf("ScriptPath = %q", cfg.ScriptPath)
	}
	if cfg.DeleteDelay != 100*time.Millisecond {
		t.Errorf("DeleteDelay = %v", cfg.DeleteDelay)
	}
	// CgroupMount was not set in the file, default should survive.
	if cfg.CgroupMount != "/sys/fs/cgroup" {
		t.Errorf("CgroupMount = %q, want default", cfg.CgroupMount)
	}
}

func TestLoadReaperConfigMissingFile(t *testing.T) {
	if _, err := LoadReaperConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadReaperConfigJSONC(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reaper.jsonc")
	body := `{
  // trailing commas and comments are both fine in JSONC
  "managed_scopes": ["/system.slice/custom.scope/"],
  "delete_delay": "100ms",
}
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadReaperConfig(path)
	if err != nil {
		t.Fatalf("LoadReaperConfig: %v", err)
	}
	if len(cfg.ManagedScopes) != 1 || cfg.ManagedScopes[0] != "/system.slice/custom.scope/" {
		t.Errorf("ManagedScopes = %v", cfg.ManagedScopes)
	}
	if cfg.DeleteDelay != 100*time.Millisecond {
		t.Errorf("DeleteDelay = %v", cfg.DeleteDelay)
	}
	// ScriptPath was not set in the file, default should survive.
	if cfg.ScriptPath != DefaultReaperConfig().ScriptPath {
		t.Errorf("ScriptPath = %q, want default", cfg.ScriptPath)
	}
}

func TestLoadAccessoryConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accessory.yaml")
	if err := os.WriteFile(path, []byte("idle_window: 2m\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadAccessoryConfig(path)
	if err != nil {
		t.Fatalf("LoadAccessoryConfig: %v", err)
	}
	if cfg.IdleWindow != 2*time.Minute {
		t.Errorf("IdleWindow = %v", cfg.IdleWindow)
	}
	if cfg.SocketAddress != DefaultAccessoryConfig().SocketAddress {
		t.Errorf("SocketAddress = %q, want default preserved", cfg.SocketAddress)
	}
}
