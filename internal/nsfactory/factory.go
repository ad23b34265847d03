package nsfactory

import (
	"log/slog"
	"time"

	"github.com/CM4all/spawn/internal/reactor"
)

// Factory is the map keyed by name of spec.md §4.6: "Map keyed by
// name. Each request: 1. Lookup or insert a record for name."
type Factory struct {
	loop       *reactor.Loop
	logger     *slog.Logger
	idleWindow time.Duration
	records    map[string]*Record
}

// New creates an empty Factory. idleWindow is how long a Record
// survives after its last lease is released before it is torn down;
// zero selects DefaultIdleWindow. A Record that has never held a lease
// has no idle-expiry timer armed and is kept until Close.
func New(loop *reactor.Loop, logger *slog.Logger, idleWindow time.Duration) *Factory {
	if idleWindow <= 0 {
		idleWindow = DefaultIdleWindow
	}
	return &Factory{
		loop:       loop,
		logger:     logger,
		idleWindow: idleWindow,
		records:    make(map[string]*Record),
	}
}

// GetOrCreate returns the Record for name, creating it if absent.
func (f *Factory) GetOrCreate(name string) (*Record, error) {
	if r, ok := f.records[name]; ok {
		return r, nil
	}

	r, err := newRecord(name, f.loop, f.logger, f.idleWindow, f.onRecordExpired)
	if err != nil {
		return nil, err
	}
	f.records[name] = r
	return r, nil
}

func (f *Factory) onRecordExpired(r *Record) {
	delete(f.records, r.name)
	f.logger.Info("namespace record expired", "namespace", r.name)
}

// Len reports the number of live records, for tests and diagnostics.
func (f *Factory) Len() int {
	return len(f.records)
}

// Close tears down every record — spec.md §5 "On SIGTERM/SIGINT ...
// The PID-namespace init processes are sent SIGTERM as records are
// destroyed."
func (f *Factory) Close() {
	for name, r := range f.records {
		r.destroy()
		delete(f.records, name)
	}
}
