package remote

import (
	"context"

	"github.com/rfratto/rfs/internal/rfs"
)

// UnimplementedHandler implements Handler and returns ErrorUnimplemented for all requests.
type UnimplementedHandler struct{}

// Static type check test
var _ Handler = UnimplementedHandler{}

func (UnimplementedHandler) Init(context.Context) error {
	return nil
}

func (UnimplementedHandler) Close() error {
	return nil
}

func (UnimplementedHandler) ListInit(context.Context, *RequestHeader, *rfs.ListInitRequest) (*rfs.ListReply, error) {
	return nil, rfs.ErrorUnimplemented
}

func (UnimplementedHandler) ListNext(context.Context, *RequestHeader, *rfs.ListNextRequest) (*rfs.ListReply, error) {
	return nil, rfs.ErrorUnimplemented
}

func (UnimplementedHandler) ListExit(context.Context, *RequestHeader, *rfs.ListExitRequest) {
	// no-op
}

func (UnimplementedHandler) Stat(context.Context, *RequestHeader, *rfs.PathRequest) (*rfs.StatReply, error) {
	return nil, rfs.ErrorUnimplemented
}

func (UnimplementedHandler) Open(context.Context, *RequestHeader, *rfs.OpenRequest) (*rfs.OpenReply, error) {
	return nil, rfs.ErrorUnimplemented
}

func (UnimplementedHandler) Release(context.Context, *RequestHeader, *rfs.HandleRequest) error {
	return rfs.ErrorUnimplemented
}

func (UnimplementedHandler) Read(context.Context, *RequestHeader, *rfs.IORequest) (*rfs.IOReply, error) {
	return nil, rfs.ErrorUnimplemented
}

func (UnimplementedHandler) Write(context.Context, *RequestHeader, *rfs.IORequest) (*rfs.IOReply, error) {
	return nil, rfs.ErrorUnimplemented
}

func (UnimplementedHandler) Create(context.Context, *RequestHeader, *rfs.PathRequest) (*rfs.StatReply, error) {
	return nil, rfs.ErrorUnimplemented
}

func (UnimplementedHandler) Delete(context.Context, *RequestHeader, *rfs.PathRequest) error {
	return rfs.ErrorUnimplemented
}

func (UnimplementedHandler) Mkdir(context.Context, *RequestHeader, *rfs.PathRequest) (*rfs.StatReply, error) {
	return nil, rfs.ErrorUnimplemented
}

func (UnimplementedHandler) Rmdir(context.Context, *RequestHeader, *rfs.PathRequest) error {
	return rfs.ErrorUnimplemented
}

func (UnimplementedHandler) Rename(context.Context, *RequestHeader, *rfs.RenameRequest) error {
	return rfs.ErrorUnimplemented
}

func (UnimplementedHandler) Mount(context.Context, *RequestHeader, *rfs.PathRequest) error {
	return rfs.ErrorUnimplemented
}

func (UnimplementedHandler) Umount(context.Context, *RequestHeader, *rfs.PathRequest) error {
	return rfs.ErrorUnimplemented
}

func (UnimplementedHandler) VolSize(context.Context, *RequestHeader, *rfs.PathRequest) (*rfs.VolumeReply, error) {
	return nil, rfs.ErrorUnimplemented
}

func (UnimplementedHandler) QuickStat(context.Context, *RequestHeader, *rfs.QuickStatRequest) (*rfs.QuickStatRecord, error) {
	return nil, rfs.ErrorUnimplemented
}

func (UnimplementedHandler) SetTime(context.Context, *RequestHeader, *rfs.SetTimeRequest) error {
	return rfs.ErrorUnimplemented
}
