// Package accessory implements the request processor described in
// spec.md §2 "Request processor (accessory side)": it converts a
// decoded accessorywire.Request into nsfactory calls and assembles the
// reply datagram plus the FDs to attach as ancillary data.
//
// Grounded on original_source/src/accessory/Connection.cxx
// (SpawnConnection::OnMakeNamespaces): same {IPC, PID, USER, lease}
// ordering, same "any failure aborts the whole request with an ERROR
// response" behavior.
package accessory

import (
	"os"

	"github.com/CM4all/spawn/internal/accessorywire"
	"github.com/CM4all/spawn/internal/nsfactory"
)

// Namespaces is the subset of *nsfactory.Factory the processor needs.
type Namespaces interface {
	GetOrCreate(name string) (*nsfactory.Record, error)
}

// Reply is the assembled response: the framed datagram bytes plus the
// FDs to attach as SCM_RIGHTS ancillary data, in wire order.
//
// keepAlive holds the record-owned *os.File values backing the
// namespace FDs, purely so the Go garbage collector cannot finalize
// (and thereby close) them before the caller has finished sendmsg —
// those files remain owned by the nsfactory.Record afterward and must
// not be closed here. LeaseFile, if non-nil, is the transient write
// end of a lease pipe: spec.md §5 "write FDs are owned by the client
// after transmission", so the caller must Close it once sendmsg
// returns.
type Reply struct {
	Datagram  []byte
	FDs       []int
	keepAlive []*os.File
	LeaseFile *os.File
}

// Process handles one decoded request end to end. It never returns an
// error: any failure becomes an ERROR reply, per spec.md §7
// ("Client-visible protocol error").
func Process(factory Namespaces, req accessorywire.Request) Reply {
	if !req.IsNamespace() && !req.LeasePipe {
		// Bare NAME with no other record: nothing to do, but still
		// a well-formed no-op per the original's OnRequest guard.
		return Reply{Datagram: accessorywire.EncodeNamespaceResponse(nil, false)}
	}

	record, err := factory.GetOrCreate(req.Name)
	if err != nil {
		return errorReply(err)
	}

	reply := Reply{}
	var handles []accessorywire.NamespaceHandle

	if req.IPCNamespace {
		f, err := record.MakeIPC()
		if err != nil {
			return errorReply(err)
		}
		reply.keepAlive = append(reply.keepAlive, f)
		handles = append(handles, accessorywire.NamespaceHandle{Type: accessorywire.NamespaceTypeIPC, FD: int(f.Fd())})
	}

	if req.PIDNamespace {
		f, err := record.MakePID()
		if err != nil {
			return errorReply(err)
		}
		reply.keepAlive = append(reply.keepAlive, f)
		handles = append(handles, accessorywire.NamespaceHandle{Type: accessorywire.NamespaceTypePID, FD: int(f.Fd())})
	}

	if req.UserNamespace {
		f, err := record.MakeUser(req.UserNamespacePayload)
		if err != nil {
			return errorReply(err)
		}
		reply.keepAlive = append(reply.keepAlive, f)
		handles = append(handles, accessorywire.NamespaceHandle{Type: accessorywire.NamespaceTypeUser, FD: int(f.Fd())})
	}

	if req.LeasePipe {
		f, err := record.MakeLeasePipe()
		if err != nil {
			return errorReply(err)
		}
		reply.LeaseFile = f
	}

	reply.Datagram = accessorywire.EncodeNamespaceResponse(handles, req.LeasePipe)

	fds := accessorywire.FDOrder(handles)
	if reply.LeaseFile != nil {
		fds = append(fds, int(reply.LeaseFile.Fd()))
	}
	reply.FDs = fds

	return reply
}

func errorReply(err error) Reply {
	return Reply{Datagram: accessorywire.EncodeError(err.Error())}
}
