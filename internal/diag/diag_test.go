package diag

import (
	"context"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
)

type reaperSnapshot struct {
	WatchedGroups   int `cbor:"watched_groups"`
	DeleteQueueSize int `cbor:"delete_queue_size"`
}

func TestServeReturnsSnapshot(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "diag.sock")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	server := NewServer(socketPath, func() any {
		return reaperSnapshot{WatchedGroups: 3, DeleteQueueSize: 1}
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()

	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("unix", socketPath)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial diag socket: %v", err)
	}
	defer conn.Close()

	data, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}

	var got reaperSnapshot
	if err := cbor.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if got.WatchedGroups != 3 || got.DeleteQueueSize != 1 {
		t.Errorf("got %+v", got)
	}

	cancel()
	<-done
}
