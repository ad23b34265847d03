package accessorywire

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Request is a decoded accessory request datagram (spec.md §6).
type Request struct {
	Name string

	IPCNamespace  bool
	PIDNamespace  bool
	UserNamespace bool
	// UserNamespacePayload is the raw payload of the USER_NAMESPACE
	// record: uid_map bytes, a single NUL, then gid_map bytes.
	UserNamespacePayload []byte
	LeasePipe            bool
}

// IsNamespace reports whether any namespace-handle record was requested.
func (r *Request) IsNamespace() bool {
	return r.IPCNamespace || r.PIDNamespace || r.UserNamespace
}

// Decode parses and validates a full request datagram: magic, CRC-32
// over everything after the header (including padding), then each
// record in turn. Returns an error for any framing violation, a
// duplicate keyed command, a missing NAME, or a NAME containing bytes
// below 0x20 — spec.md §6 and §7 ("Client-visible protocol error").
func Decode(datagram []byte) (Request, error) {
	var req Request

	if len(datagram) < headerSize {
		return req, fmt.Errorf("datagram too short for header: %d bytes", len(datagram))
	}

	magic := binary.LittleEndian.Uint32(datagram[0:4])
	crc := binary.LittleEndian.Uint32(datagram[4:8])
	if magic != Magic {
		return req, fmt.Errorf("bad magic %#x", magic)
	}

	body := datagram[headerSize:]
	if got := crc32.ChecksumIEEE(body); got != crc {
		return req, fmt.Errorf("bad CRC: got %#x, want %#x", got, crc)
	}

	seen := map[RequestCommand]bool{}

	for len(body) > 0 {
		if len(body) < recordHeaderSize {
			return req, fmt.Errorf("malformed record header: %d bytes remain", len(body))
		}
		size := binary.LittleEndian.Uint16(body[0:2])
		command := RequestCommand(binary.LittleEndian.Uint16(body[2:4]))
		body = body[recordHeaderSize:]

		padded := pad4(int(size))
		if len(body) < padded {
			return req, fmt.Errorf("record %s: truncated payload", command)
		}
		payload := body[:size]
		body = body[padded:]

		if seen[command] {
			return req, fmt.Errorf("duplicate %s record", command)
		}
		seen[command] = true

		switch command {
		case RequestNop:
			// No payload, no effect.
		case RequestName:
			if len(payload) == 0 {
				return req, fmt.Errorf("NAME record is empty")
			}
			for _, b := range payload {
				if b < 0x20 {
					return req, fmt.Errorf("NAME record contains control byte %#x", b)
				}
			}
			req.Name = string(payload)
		case RequestIPCNamespace:
			req.IPCNamespace = true
		case RequestPIDNamespace:
			req.PIDNamespace = true
		case RequestUserNamespace:
			req.UserNamespace = true
			req.UserNamespacePayload = append([]byte(nil), payload...)
		case RequestLeasePipe:
			req.LeasePipe = true
		default:
			return req, fmt.Errorf("unsupported request command %d", command)
		}
	}

	if req.Name == "" {
		return req, fmt.Errorf("request has no NAME record")
	}

	return req, nil
}

// recordWriter accumulates encoded records; finish computes the CRC
// over them and prepends the datagram header.
type recordWriter struct {
	body []byte
	crc  uint32
}

func (w *recordWriter) append(command ResponseCommand, payload []byte) {
	header := make([]byte, recordHeaderSize)
	binary.LittleEndian.PutUint16(header[0:2], uint16(len(payload)))
	binary.LittleEndian.PutUint16(header[2:4], uint16(command))

	w.body = append(w.body, header...)
	w.body = append(w.body, payload...)
	if pad := pad4(len(payload)) - len(payload); pad > 0 {
		w.body = append(w.body, make([]byte, pad)...)
	}
}

func (w *recordWriter) finish() []byte {
	crc := crc32.ChecksumIEEE(w.body)
	out := make([]byte, headerSize, headerSize+len(w.body))
	binary.LittleEndian.PutUint32(out[0:4], Magic)
	binary.LittleEndian.PutUint32(out[4:8], crc)
	return append(out, w.body...)
}

// EncodeError builds an ERROR response datagram carrying msg verbatim
// (spec.md §6, §7).
func EncodeError(msg string) []byte {
	w := &recordWriter{}
	w.append(ResponseError, []byte(msg))
	return w.finish()
}

// NamespaceHandle pairs a nstype value with the FD to attach for it, in
// the order the caller wants them written to the NAMESPACE_HANDLES
// payload and to ancillary data — spec.md §6 and §8 property 4 require
// FDs in the order {IPC, PID, USER} filtered by the requested set.
type NamespaceHandle struct {
	Type uint32
	FD   int
}

// EncodeNamespaceResponse builds the response datagram for a successful
// namespace/lease request: a NAMESPACE_HANDLES record listing the
// requested nstype values (only if handles is non-empty) followed by an
// empty LEASE_PIPE record when hasLeasePipe is set. FDs themselves are
// not part of the returned bytes; the caller attaches them as ancillary
// data in the same order returned by FDOrder.
func EncodeNamespaceResponse(handles []NamespaceHandle, hasLeasePipe bool) []byte {
	w := &recordWriter{}

	if len(handles) > 0 {
		payload := make([]byte, 4*len(handles))
		for i, h := range handles {
			binary.LittleEndian.PutUint32(payload[i*4:i*4+4], h.Type)
		}
		w.append(ResponseNamespaceHandles, payload)
	}

	if hasLeasePipe {
		w.append(ResponseLeasePipe, nil)
	}

	return w.finish()
}

// FDOrder extracts the FDs from handles in wire order, for the caller to
// pass as ancillary data alongside EncodeNamespaceResponse's bytes.
func FDOrder(handles []NamespaceHandle) []int {
	fds := make([]int, len(handles))
	for i, h := range handles {
		fds[i] = h.FD
	}
	return fds
}
