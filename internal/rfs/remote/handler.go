package remote

import (
	"context"

	"github.com/rfratto/rfs/internal/rfs"
)

// RequestHeader identifies an individual request received by a Server.
type RequestHeader struct {
	Command rfs.Command
	Xfer    rfs.XferID
}

// Handler implements the remote core's side of the protocol. Handler is
// passed to a Server, which will invoke methods as requests come in.
//
// Returning an error from a method which has a reply causes the Server to
// send that command's failure reply instead.
type Handler interface {
	// Init is called at the start of serving a handler.
	Init(context.Context) error

	// Close is called when closing a handler.
	Close() error

	ListInit(context.Context, *RequestHeader, *rfs.ListInitRequest) (*rfs.ListReply, error)
	ListNext(context.Context, *RequestHeader, *rfs.ListNextRequest) (*rfs.ListReply, error)
	ListExit(context.Context, *RequestHeader, *rfs.ListExitRequest)
	Stat(context.Context, *RequestHeader, *rfs.PathRequest) (*rfs.StatReply, error)
	Open(context.Context, *RequestHeader, *rfs.OpenRequest) (*rfs.OpenReply, error)
	Release(context.Context, *RequestHeader, *rfs.HandleRequest) error
	Read(context.Context, *RequestHeader, *rfs.IORequest) (*rfs.IOReply, error)
	Write(context.Context, *RequestHeader, *rfs.IORequest) (*rfs.IOReply, error)
	Create(context.Context, *RequestHeader, *rfs.PathRequest) (*rfs.StatReply, error)
	Delete(context.Context, *RequestHeader, *rfs.PathRequest) error
	Mkdir(context.Context, *RequestHeader, *rfs.PathRequest) (*rfs.StatReply, error)
	Rmdir(context.Context, *RequestHeader, *rfs.PathRequest) error
	Rename(context.Context, *RequestHeader, *rfs.RenameRequest) error
	Mount(context.Context, *RequestHeader, *rfs.PathRequest) error
	Umount(context.Context, *RequestHeader, *rfs.PathRequest) error
	VolSize(context.Context, *RequestHeader, *rfs.PathRequest) (*rfs.VolumeReply, error)

	// QuickStat returns the record to write into the requester's shared
	// memory. A nil record means nothing is written.
	QuickStat(context.Context, *RequestHeader, *rfs.QuickStatRequest) (*rfs.QuickStatRecord, error)

	SetTime(context.Context, *RequestHeader, *rfs.SetTimeRequest) error
}
