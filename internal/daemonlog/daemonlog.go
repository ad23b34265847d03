// Package daemonlog builds the process-wide structured logger shared
// by both daemon binaries, in the teacher's cmd/bureau/cli.NewCommandLogger
// style: human-readable text when stderr is a terminal (an operator
// running the daemon in the foreground to debug it), structured JSON
// otherwise (the systemd/journald case, and any log-scraping pipeline).
package daemonlog

import (
	"log/slog"
	"os"

	"golang.org/x/term"
)

// New returns a logger writing to stderr, picking its handler by
// whether stderr is attached to a terminal.
func New() *slog.Logger {
	options := &slog.HandlerOptions{Level: slog.LevelInfo}

	var handler slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, options)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, options)
	}
	return slog.New(handler)
}
