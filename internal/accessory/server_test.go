package accessory

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"log/slog"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/CM4all/spawn/internal/reactor"
)

// newTestServer returns a Server plus a connected (serverFD, clientFD)
// pair standing in for one accepted peer, bypassing Listen/Accept4 so
// the request-handling path can be exercised directly over a real
// SOCK_SEQPACKET socketpair.
func newTestServer(t *testing.T) (s *Server, serverFD, clientFD int) {
	t.Helper()

	loop, err := reactor.New()
	if err != nil {
		t.Skipf("epoll unavailable in this sandbox: %v", err)
	}
	t.Cleanup(loop.Close)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Skipf("SOCK_SEQPACKET socketpair unavailable: %v", err)
	}

	s = &Server{
		loop:    loop,
		factory: &fakeNamespaces{},
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		peers:   make(map[int]struct{}),
	}
	t.Cleanup(func() { unix.Close(fds[0]) })

	return s, fds[0], fds[1]
}

func buildNameOnlyDatagram(name string) []byte {
	recordHeader := make([]byte, 4)
	binary.LittleEndian.PutUint16(recordHeader[0:2], uint16(len(name)))
	binary.LittleEndian.PutUint16(recordHeader[2:4], 1) // RequestName

	body := append(recordHeader, []byte(name)...)
	for len(body)%4 != 0 {
		body = append(body, 0)
	}

	out := make([]byte, 8, 8+len(body))
	binary.LittleEndian.PutUint32(out[0:4], 0x53504e34)
	binary.LittleEndian.PutUint32(out[4:8], crc32.ChecksumIEEE(body))
	return append(out, body...)
}

func TestServerRespondsToBareNameRequest(t *testing.T) {
	s, serverFD, clientFD := newTestServer(t)
	defer unix.Close(clientFD)

	datagram := buildNameOnlyDatagram("tenant-a")
	if err := unix.Sendto(clientFD, datagram, 0, nil); err != nil {
		t.Fatalf("sendto: %v", err)
	}

	s.onPeerReadable(serverFD, unix.EPOLLIN)

	reply := make([]byte, maxDatagramSize)
	n, err := unix.Read(clientFD, reply)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if n < 8 {
		t.Fatalf("reply too short: %d bytes", n)
	}
}

func TestServerClosesConnectionOnBadCRC(t *testing.T) {
	s, serverFD, clientFD := newTestServer(t)
	defer unix.Close(clientFD)

	datagram := buildNameOnlyDatagram("tenant-a")
	datagram[4] ^= 0xff // corrupt CRC
	if err := unix.Sendto(clientFD, datagram, 0, nil); err != nil {
		t.Fatalf("sendto: %v", err)
	}

	s.peers[serverFD] = struct{}{}
	s.onPeerReadable(serverFD, unix.EPOLLIN)

	if _, ok := s.peers[serverFD]; ok {
		t.Errorf("expected the peer to be closed after a bad-CRC datagram")
	}
}
