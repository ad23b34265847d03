// Command cm4all-spawn-reaper watches the configured cgroup-v2 managed
// scopes, reports and scripts every release event, and reaps the
// emptied cgroups — spec.md §4.4 "Reaper orchestrator".
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/CM4all/spawn/internal/cgroupwatch"
	"github.com/CM4all/spawn/internal/config"
	"github.com/CM4all/spawn/internal/daemonlog"
	"github.com/CM4all/spawn/internal/diag"
	"github.com/CM4all/spawn/internal/inotifywatch"
	"github.com/CM4all/spawn/internal/reactor"
	"github.com/CM4all/spawn/internal/reaper"
	"github.com/CM4all/spawn/internal/scriptbridge"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "cm4all-spawn-reaper:", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	pflag.StringVar(&configPath, "config", os.Getenv("SPAWN_REAPER_CONFIG"), "path to the reaper YAML config file")
	pflag.Parse()

	logger := daemonlog.New()

	cfg := config.DefaultReaperConfig()
	if configPath != "" {
		loaded, err := config.LoadReaperConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	loop, err := reactor.New()
	if err != nil {
		return fmt.Errorf("create event loop: %w", err)
	}
	defer loop.Close()

	rootCgroupFd, err := unix.Open(cfg.CgroupMount, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open cgroup mount %s: %w", cfg.CgroupMount, err)
	}
	defer unix.Close(rootCgroupFd)

	var bridge *scriptbridge.Bridge
	if cfg.ScriptPath != "" {
		bridge, err = scriptbridge.New(cfg.ScriptPath, logger)
		if err != nil {
			return fmt.Errorf("load script: %w", err)
		}
		defer bridge.Close()
	}

	onError := func(err error) {
		logger.Error("watcher error", "error", err)
	}

	inotifyMgr, err := inotifywatch.New(loop, onError)
	if err != nil {
		return fmt.Errorf("create inotify manager: %w", err)
	}
	defer inotifyMgr.Close()

	// watch and rp reference each other (watch fires into
	// rp.OnCgroupEmpty; rp calls back into watch.ReAdd on EBUSY), so
	// rp is constructed after watch with a forwarding closure.
	var rp *reaper.Reaper
	watch, err := cgroupwatch.New(loop, inotifyMgr, rootCgroupFd, func(path string) {
		rp.OnCgroupEmpty(path)
	}, onError)
	if err != nil {
		return fmt.Errorf("create cgroup watcher: %w", err)
	}

	var scriptBridge reaper.ScriptBridge
	if bridge != nil {
		scriptBridge = bridge
	}

	rp, err = reaper.New(loop, watch, rootCgroupFd, cfg.ManagedScopes, scriptBridge, cfg.DeleteDelay, logger)
	if err != nil {
		return fmt.Errorf("create reaper: %w", err)
	}

	for _, scope := range cfg.ManagedScopes {
		relative := strings.Trim(scope, "/")
		if err := watch.AddCgroup(relative); err != nil {
			logger.Error("failed to add managed scope", "scope", scope, "error", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, unix.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				loop.Post(func() { reloadScript(bridge, logger) })
			}
		}
	}()

	if cfg.DiagSocketPath != "" {
		diagServer := diag.NewServer(cfg.DiagSocketPath, diag.Sync(loop, func() any {
			return map[string]any{
				"watched_groups":  watch.GroupCount(),
				"pending_deletes": rp.PendingDeletes(),
			}
		}), logger)
		diagCtx, cancelDiag := context.WithCancel(ctx)
		defer cancelDiag()
		go func() {
			if err := diagServer.Serve(diagCtx); err != nil {
				logger.Error("diag server exited", "error", err)
			}
		}()
	}

	logger.Info("cm4all-spawn-reaper started", "cgroup_mount", cfg.CgroupMount, "scopes", cfg.ManagedScopes)

	if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("cm4all-spawn-reaper shutting down")
	return nil
}

func reloadScript(bridge *scriptbridge.Bridge, logger *slog.Logger) {
	if bridge == nil {
		return
	}
	if err := bridge.Reload(); err != nil {
		logger.Error("script reload failed", "error", err)
	}
}
