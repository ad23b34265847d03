// Command cm4all-spawn-accessory manufactures and pools IPC/PID/USER
// namespace handles for unprivileged callers — spec.md §4.6 "Namespace
// factory (accessory)".
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/CM4all/spawn/internal/accessory"
	"github.com/CM4all/spawn/internal/config"
	"github.com/CM4all/spawn/internal/daemonlog"
	"github.com/CM4all/spawn/internal/diag"
	"github.com/CM4all/spawn/internal/nsfactory"
	"github.com/CM4all/spawn/internal/reactor"
)

func main() {
	// Re-exec entry point for namespace holder processes, spawned by
	// internal/nsfactory with this same binary and this argv[1] —
	// see internal/nsfactory/holder.go. Must be checked before any
	// flag parsing since the holder invocation carries no other
	// recognizable flags.
	if len(os.Args) > 1 && os.Args[1] == nsfactory.HolderArg {
		nsfactory.RunHolder()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "cm4all-spawn-accessory:", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	pflag.StringVar(&configPath, "config", os.Getenv("SPAWN_ACCESSORY_CONFIG"), "path to the accessory YAML config file")
	pflag.Parse()

	logger := daemonlog.New()

	cfg := config.DefaultAccessoryConfig()
	if configPath != "" {
		loaded, err := config.LoadAccessoryConfig(configPath)
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

	factory := nsfactory.New(loop, logger, cfg.IdleWindow)

	server, err := listenAccessory(loop, factory, cfg, logger)
	if err != nil {
		return err
	}
	defer server.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	if cfg.DiagSocketPath != "" {
		diagServer := diag.NewServer(cfg.DiagSocketPath, diag.Sync(loop, func() any {
			return map[string]any{
				"namespace_records": factory.Len(),
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

	logger.Info("cm4all-spawn-accessory started", "socket", cfg.SocketAddress)

	if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	factory.Close()
	logger.Info("cm4all-spawn-accessory shutting down")
	return nil
}

// listenAccessory prefers a supervisor-provided listening fd (socket
// activation, named by cfg.ListenFDEnv) over binding cfg.SocketAddress
// itself — spec.md §6: "or a listen FD passed by the supervisor."
func listenAccessory(loop *reactor.Loop, factory *nsfactory.Factory, cfg config.AccessoryConfig, logger *slog.Logger) (*accessory.Server, error) {
	if cfg.ListenFDEnv != "" {
		if raw, ok := os.LookupEnv(cfg.ListenFDEnv); ok {
			fd, err := strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("parse %s=%q: %w", cfg.ListenFDEnv, raw, err)
			}
			return accessory.ListenFD(loop, factory, fd, logger)
		}
	}
	return accessory.Listen(loop, factory, cfg.SocketAddress, logger)
}
