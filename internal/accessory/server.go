package accessory

import (
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/CM4all/spawn/internal/accessorywire"
	"github.com/CM4all/spawn/internal/reactor"
)

// DefaultBindAddress is the abstract Unix socket name spec.md §6 names
// ("abstract name \0cm4all-spawn"). A leading NUL in the Sockaddr's
// Name field is how Linux's abstract-namespace addressing is spelled
// in golang.org/x/sys/unix.
const DefaultBindAddress = "\x00cm4all-spawn"

const maxDatagramSize = 4096
const maxAncillarySize = 256

// Server accepts SOCK_SEQPACKET connections on the accessory socket
// and answers each datagram synchronously — spec.md §6 "Accessory
// socket" and the original's SpawnConnection::OnUdpDatagram, adapted
// from a UDP-style multi-client listener socket to one accept loop
// registering each connected peer with the reactor.
type Server struct {
	loop     *reactor.Loop
	factory  Namespaces
	logger   *slog.Logger
	listenFD int
	peers    map[int]struct{}
}

// Listen binds and listens on address (default DefaultBindAddress
// unless overridden by configuration/socket activation) and registers
// the listening fd with loop.
func Listen(loop *reactor.Loop, factory Namespaces, address string, logger *slog.Logger) (*Server, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("create accessory socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PASSCRED, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("SO_PASSCRED: %w", err)
	}

	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: address}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind accessory socket: %w", err)
	}

	if err := unix.Listen(fd, 64); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen accessory socket: %w", err)
	}

	s := &Server{
		loop:     loop,
		factory:  factory,
		logger:   logger,
		listenFD: fd,
		peers:    make(map[int]struct{}),
	}

	if err := loop.Add(fd, unix.EPOLLIN, s.onAcceptable); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("watch accessory listener: %w", err)
	}

	return s, nil
}

// ListenFD wraps an already-bound, already-listening fd (socket
// activation handed down by a supervisor) instead of creating one.
func ListenFD(loop *reactor.Loop, factory Namespaces, fd int, logger *slog.Logger) (*Server, error) {
	s := &Server{
		loop:     loop,
		factory:  factory,
		logger:   logger,
		listenFD: fd,
		peers:    make(map[int]struct{}),
	}
	if err := loop.Add(fd, unix.EPOLLIN, s.onAcceptable); err != nil {
		return nil, fmt.Errorf("watch accessory listener: %w", err)
	}
	return s, nil
}

func (s *Server) onAcceptable(events uint32) {
	for {
		peerFD, _, err := unix.Accept4(s.listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if !errors.Is(err, unix.EAGAIN) {
				s.logger.Error("accept failed", "error", err)
			}
			return
		}

		s.peers[peerFD] = struct{}{}
		if err := s.loop.Add(peerFD, unix.EPOLLIN, func(events uint32) { s.onPeerReadable(peerFD, events) }); err != nil {
			s.logger.Error("watch accessory peer failed", "error", err)
			s.closePeer(peerFD)
		}
	}
}

func (s *Server) onPeerReadable(fd int, events uint32) {
	buf := make([]byte, maxDatagramSize)
	oob := make([]byte, maxAncillarySize)

	n, _, _, _, err := unix.Recvmsg(fd, buf, oob, 0)
	if err != nil {
		if !errors.Is(err, unix.EAGAIN) {
			s.closePeer(fd)
		}
		return
	}
	if n == 0 {
		// Peer disconnected — spec.md §6 OnUdpHangup equivalent.
		s.closePeer(fd)
		return
	}

	req, err := accessorywire.Decode(buf[:n])
	if err != nil {
		// spec.md §8 property 5 / §7: CRC-invalid or malformed
		// datagram closes this session without a reply, leaving
		// other sessions unaffected.
		s.logger.Info("closing accessory connection on malformed request", "error", err)
		s.closePeer(fd)
		return
	}

	reply := Process(s.factory, req)
	s.sendReply(fd, reply)
}

func (s *Server) sendReply(fd int, reply Reply) {
	var oob []byte
	if len(reply.FDs) > 0 {
		oob = unix.UnixRights(reply.FDs...)
	}

	if err := unix.Sendmsg(fd, reply.Datagram, oob, nil, unix.MSG_DONTWAIT|unix.MSG_NOSIGNAL); err != nil {
		s.logger.Warn("failed to send accessory reply", "error", err)
	}

	if reply.LeaseFile != nil {
		// Ownership passed to the client at sendmsg; the daemon's
		// copy is no longer needed (spec.md §5).
		reply.LeaseFile.Close()
	}
}

func (s *Server) closePeer(fd int) {
	delete(s.peers, fd)
	s.loop.Remove(fd)
	unix.Close(fd)
}

// Close stops accepting and closes every connected peer — spec.md §5
// "On SIGTERM/SIGINT ... after closing listener sockets".
func (s *Server) Close() {
	s.loop.Remove(s.listenFD)
	unix.Close(s.listenFD)
	for fd := range s.peers {
		s.closePeer(fd)
	}
}
