// Package config loads the configuration files for both daemons in
// this module (spec.md §6 "Reaper configuration" / "Scripting host
// file" and §4.6's accessory socket/idle-window settings), in the
// teacher's single-file, no-discovery style (lib/config/config.go):
// exactly one path, given via --config or an environment variable, no
// implicit search path.
//
// Two file formats are accepted, dispatched by extension, matching the
// teacher's lib/pipelinedef.Parse: ".yaml"/".yml" is parsed with
// gopkg.in/yaml.v3; ".json"/".jsonc" is stripped of comments and
// trailing commas with github.com/tidwall/jsonc and then parsed with
// encoding/json.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// ReaperConfig configures the cgroup reaper daemon.
type ReaperConfig struct {
	// CgroupMount is the cgroup2 unified-hierarchy mount point.
	CgroupMount string `yaml:"cgroup_mount" json:"cgroup_mount"`

	// ManagedScopes lists absolute cgroup paths the reaper watches.
	// Events under any other path are ignored — spec.md §6.
	ManagedScopes []string `yaml:"managed_scopes" json:"managed_scopes"`

	// ScriptPath is the Lua script defining cgroup_released(info) —
	// spec.md §6 "Scripting host file".
	ScriptPath string `yaml:"script_path" json:"script_path"`

	// DeleteDelay is the deferred-delete window (spec.md §4.4,
	// "~50 ms"). Zero uses reaper.DefaultDeleteDelay.
	DeleteDelay time.Duration `yaml:"delete_delay" json:"-"`

	// DiagSocketPath, if non-empty, starts the read-only introspection
	// socket described in SPEC_FULL.md's DOMAIN STACK section. Empty
	// disables it.
	DiagSocketPath string `yaml:"diag_socket_path,omitempty" json:"diag_socket_path,omitempty"`
}

// UnmarshalJSON supports the JSON/JSONC config format. encoding/json,
// unlike yaml.v3, has no built-in notion of time.Duration, so
// delete_delay is read as a human-readable string ("50ms") the same
// way the YAML format already accepts it, via the shadowed-field alias
// trick.
func (c *ReaperConfig) UnmarshalJSON(data []byte) error {
	type alias ReaperConfig
	aux := struct {
		DeleteDelay string `json:"delete_delay"`
		*alias
	}{alias: (*alias)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.DeleteDelay != "" {
		d, err := time.ParseDuration(aux.DeleteDelay)
		if err != nil {
			return fmt.Errorf("parse delete_delay: %w", err)
		}
		c.DeleteDelay = d
	}
	return nil
}

// DefaultReaperConfig returns the built-in defaults, matching spec.md
// §6's example managed scopes.
func DefaultReaperConfig() ReaperConfig {
	return ReaperConfig{
		CgroupMount: "/sys/fs/cgroup",
		ManagedScopes: []string{
			"/system.slice/system-cm4all.slice/bp-spawn.scope/",
			"/system.slice/system-cm4all.slice/workshop-spawn.scope/",
		},
		ScriptPath:  "/etc/cm4all/spawn/accounting.lua",
		DeleteDelay: 50 * time.Millisecond,
	}
}

// LoadReaperConfig reads and unmarshals a reaper config file, starting
// from DefaultReaperConfig so unset fields keep their defaults.
func LoadReaperConfig(path string) (ReaperConfig, error) {
	cfg := DefaultReaperConfig()
	if err := decodeConfigFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("reaper config: %w", err)
	}
	return cfg, nil
}

// AccessoryConfig configures the spawn accessory daemon.
type AccessoryConfig struct {
	// SocketAddress is the bind address for the accessory's
	// SOCK_SEQPACKET listener — an abstract-namespace name by default
	// (spec.md §6).
	SocketAddress string `yaml:"socket_address" json:"socket_address"`

	// ListenFDEnv, if non-empty, names an environment variable holding
	// a pre-opened, pre-listening file descriptor number handed down
	// by a process supervisor (systemd-style socket activation). When
	// set and present in the environment, it takes priority over
	// SocketAddress.
	ListenFDEnv string `yaml:"listen_fd_env,omitempty" json:"listen_fd_env,omitempty"`

	// IdleWindow is the namespace-record idle-expiry delay (spec.md
	// §4.6, "~1 minute"). Zero uses nsfactory.DefaultIdleWindow.
	IdleWindow time.Duration `yaml:"idle_window" json:"-"`

	// DiagSocketPath, if non-empty, starts the read-only introspection
	// socket described in SPEC_FULL.md's DOMAIN STACK section.
	DiagSocketPath string `yaml:"diag_socket_path,omitempty" json:"diag_socket_path,omitempty"`
}

// UnmarshalJSON supports the JSON/JSONC config format; see
// ReaperConfig.UnmarshalJSON for why idle_window needs special
// handling.
func (c *AccessoryConfig) UnmarshalJSON(data []byte) error {
	type alias AccessoryConfig
	aux := struct {
		IdleWindow string `json:"idle_window"`
		*alias
	}{alias: (*alias)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.IdleWindow != "" {
		d, err := time.ParseDuration(aux.IdleWindow)
		if err != nil {
			return fmt.Errorf("parse idle_window: %w", err)
		}
		c.IdleWindow = d
	}
	return nil
}

// DefaultAccessoryConfig returns the built-in defaults.
func DefaultAccessoryConfig() AccessoryConfig {
	return AccessoryConfig{
		SocketAddress: "\x00cm4all-spawn",
		ListenFDEnv:   "SPAWN_LISTEN_FDS",
		IdleWindow:    time.Minute,
	}
}

// LoadAccessoryConfig reads and unmarshals an accessory config file,
// starting from DefaultAccessoryConfig.
func LoadAccessoryConfig(path string) (AccessoryConfig, error) {
	cfg := DefaultAccessoryConfig()
	if err := decodeConfigFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("accessory config: %w", err)
	}
	return cfg, nil
}

// decodeConfigFile reads path and unmarshals it into out, picking the
// codec by file extension: YAML for ".yaml"/".yml" (including no
// extension, YAML's the historical default here), JSONC for
// ".json"/".jsonc" — stripped of comments and trailing commas with
// jsonc.ToJSON before handing it to encoding/json, exactly as the
// teacher's lib/pipelinedef.Parse does for its own JSONC config files.
func decodeConfigFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	switch filepath.Ext(path) {
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), out); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, out); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return nil
}
