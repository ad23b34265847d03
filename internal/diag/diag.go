// Package diag serves a minimal read-only introspection socket used by
// both daemons for operator debugging: SPEC_FULL.md's DOMAIN STACK
// entry for github.com/fxamacker/cbor/v2. Deliberately not part of the
// accessory wire protocol (internal/accessorywire) — this is diagnostic
// tooling, not a general cgroup inspection API, so it does not violate
// spec.md §1's non-goal on that point.
//
// Grounded on the teacher's lib/service.SocketServer: one
// request-response cycle per connection, self-delimiting message
// encoding (there CBOR via lib/codec, here CBOR directly via
// fxamacker/cbor/v2 since this repo has no shared codec package).
package diag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// SnapshotFunc produces the current diagnostic state. Called fresh for
// every accepted connection, on the caller's goroutine — daemons should
// pass a closure that reads their single-threaded reactor state, so it
// must itself be safe to call from the diag server's own goroutine
// (typically via a request posted onto the reactor.Loop and awaited).
// Sync below builds exactly such a closure.
type SnapshotFunc func() any

// Poster is the subset of *reactor.Loop that Sync needs. Declared here
// instead of imported to avoid a dependency from this package onto
// reactor.
type Poster interface {
	Post(fn func())
}

// Sync wraps fn — a closure that reads state owned by the single
// reactor-loop goroutine — into a SnapshotFunc safe to call from the
// diag server's own goroutine: it posts fn onto poster and blocks until
// the loop has run it, so fn always observes loop-goroutine state
// without racing the loop's own reads and writes of it.
func Sync(poster Poster, fn func() any) SnapshotFunc {
	return func() any {
		result := make(chan any, 1)
		poster.Post(func() { result <- fn() })
		return <-result
	}
}

// Server listens on a Unix stream socket and, for every connection,
// writes one CBOR-encoded snapshot then closes.
type Server struct {
	socketPath string
	snapshot   SnapshotFunc
	logger     *slog.Logger
}

// NewServer creates a diag server bound to socketPath.
func NewServer(socketPath string, snapshot SnapshotFunc, logger *slog.Logger) *Server {
	return &Server{socketPath: socketPath, snapshot: snapshot, logger: logger}
}

const writeTimeout = 5 * time.Second

// Serve accepts connections until ctx is cancelled. Removes any stale
// socket file first and on return.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale diag socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("diag socket listening", "path", s.socketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("diag accept failed", "error", err)
			continue
		}
		s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	data, err := cbor.Marshal(s.snapshot())
	if err != nil {
		s.logger.Error("diag snapshot encode failed", "error", err)
		return
	}
	if _, err := conn.Write(data); err != nil {
		s.logger.Debug("diag write failed", "error", err)
	}
}
