package rfs

import (
	"fmt"
)

// NewRequest returns an empty request Payload for cmd. Returns
// ErrorUnimplemented if cmd is unknown.
func NewRequest(cmd Command) (Payload, error) {
	switch cmd {
	case CmdListInit:
		return &ListInitRequest{}, nil
	case CmdListNext:
		return &ListNextRequest{}, nil
	case CmdListExit:
		return &ListExitRequest{}, nil
	case CmdStat, CmdCreate, CmdDelete, CmdMkdir, CmdRmdir, CmdMount, CmdUmount, CmdVolSize:
		return &PathRequest{}, nil
	case CmdOpen:
		return &OpenRequest{}, nil
	case CmdClose:
		return &HandleRequest{}, nil
	case CmdRead, CmdWrite:
		return &IORequest{}, nil
	case CmdRename:
		return &RenameRequest{}, nil
	case CmdQuickStat:
		return &QuickStatRequest{}, nil
	case CmdSetTime:
		return &SetTimeRequest{}, nil
	default:
		return nil, fmt.Errorf("no request for %s: %w", cmd, ErrorUnimplemented)
	}
}

// NewReply returns an empty reply Payload for cmd. Returns
// ErrorUnimplemented if cmd is unknown or has no reply.
func NewReply(cmd Command) (Payload, error) {
	switch cmd {
	case CmdListInit, CmdListNext:
		return &ListReply{}, nil
	case CmdStat, CmdCreate, CmdMkdir:
		return &StatReply{}, nil
	case CmdOpen:
		return &OpenReply{}, nil
	case CmdClose, CmdDelete, CmdRmdir:
		return &StatusReply{}, nil
	case CmdRead, CmdWrite:
		return &IOReply{}, nil
	case CmdRename, CmdMount, CmdUmount:
		return &AckReply{}, nil
	case CmdVolSize:
		return &VolumeReply{}, nil
	case CmdSetTime:
		return &SetTimeReply{}, nil
	default:
		return nil, fmt.Errorf("no reply for %s: %w", cmd, ErrorUnimplemented)
	}
}

// PathRequest is used by commands which operate on a single remote path.
type PathRequest struct {
	Path string
}

func (r *PathRequest) encode(e *encoder) uint8 {
	e.cstring(r.Path)
	return 0
}

func (r *PathRequest) decode(_ uint8, d *decoder) error {
	r.Path = d.cstring()
	return d.err
}

// ListInitRequest starts a listing of a directory. Path is a glob of the
// form "<dir>/*". Batch is the maximum number of records per reply.
type ListInitRequest struct {
	Path  string
	Batch uint8
}

func (r *ListInitRequest) encode(e *encoder) uint8 {
	e.cstring(r.Path)
	return r.Batch
}

func (r *ListInitRequest) decode(flag uint8, d *decoder) error {
	r.Batch = flag
	r.Path = d.cstring()
	return d.err
}

// ListNextRequest continues the listing identified by Cursor.
type ListNextRequest struct {
	Cursor uint64
	Batch  uint8
}

func (r *ListNextRequest) encode(e *encoder) uint8 {
	e.u64(r.Cursor)
	return r.Batch
}

func (r *ListNextRequest) decode(flag uint8, d *decoder) error {
	r.Batch = flag
	r.Cursor = d.u64()
	return d.err
}

// ListExitRequest ends the listing identified by Cursor. It has no reply.
type ListExitRequest struct {
	Cursor uint64
}

func (r *ListExitRequest) encode(e *encoder) uint8 {
	e.u64(r.Cursor)
	return 0
}

func (r *ListExitRequest) decode(_ uint8, d *decoder) error {
	r.Cursor = d.u64()
	return d.err
}

// ListReply holds a batch of directory entries. The number of records is
// carried in the message flag. An empty batch means the listing is done.
//
// Failed is set when the remote core couldn't list the directory. On the
// wire this is an empty batch followed by a single record with a negative
// type.
type ListReply struct {
	Cursor  uint64
	Records []StatRecord
	Failed  bool
}

func (r *ListReply) encode(e *encoder) uint8 {
	e.u64(r.Cursor)
	if r.Failed {
		failed := StatRecord{Type: statFailed}
		failed.put(e)
		return 0
	}
	for i := range r.Records {
		r.Records[i].put(e)
	}
	return uint8(len(r.Records))
}

func (r *ListReply) decode(flag uint8, d *decoder) error {
	r.Cursor = d.u64()
	r.Failed = false
	r.Records = make([]StatRecord, flag)
	for i := range r.Records {
		r.Records[i].get(d)
	}
	if flag == 0 && d.err == nil && d.remaining() > 0 {
		var rec StatRecord
		rec.get(d)
		r.Failed = rec.Type < 0
	}
	return d.err
}

// StatReply is the reply to CmdStat, CmdCreate, and CmdMkdir. For CmdStat,
// Found is carried in the message flag; the other commands report success
// through the type of Stat.
type StatReply struct {
	Found bool
	Stat  StatRecord
}

func (r *StatReply) encode(e *encoder) uint8 {
	r.Stat.put(e)
	if r.Found {
		return 1
	}
	return 0
}

func (r *StatReply) decode(flag uint8, d *decoder) error {
	r.Found = flag != 0
	r.Stat = StatRecord{}
	if d.remaining() > 0 {
		r.Stat.get(d)
	}
	return d.err
}

// OpenRequest opens the file at Path.
type OpenRequest struct {
	Mode OpenMode
	Path string
}

func (r *OpenRequest) encode(e *encoder) uint8 {
	var mode [openModeSize]byte
	copy(mode[:], r.Mode)
	e.bytes(mode[:])
	e.cstring(r.Path)
	return 0
}

func (r *OpenRequest) decode(_ uint8, d *decoder) error {
	r.Mode = OpenMode(trimMode(d.take(openModeSize)))
	r.Path = d.cstring()
	if d.err == nil && !r.Mode.Valid() {
		return fmt.Errorf("unknown open mode %q: %w", r.Mode, ErrorInvalid)
	}
	return d.err
}

// OpenReply holds the handle of an opened file. A zero Handle means the open
// failed.
type OpenReply struct {
	Handle Handle
}

func (r *OpenReply) encode(e *encoder) uint8 {
	e.u64(uint64(r.Handle))
	return 0
}

func (r *OpenReply) decode(_ uint8, d *decoder) error {
	r.Handle = Handle(d.u64())
	return d.err
}

// HandleRequest is used by CmdClose.
type HandleRequest struct {
	Handle Handle
}

func (r *HandleRequest) encode(e *encoder) uint8 {
	e.u64(uint64(r.Handle))
	return 0
}

func (r *HandleRequest) decode(_ uint8, d *decoder) error {
	r.Handle = Handle(d.u64())
	return d.err
}

// StatusReply is used by commands where a zero flag means success.
type StatusReply struct {
	Status uint8
}

func (r *StatusReply) encode(*encoder) uint8 { return r.Status }

func (r *StatusReply) decode(flag uint8, _ *decoder) error {
	r.Status = flag
	return nil
}

// AckReply is used by commands where a nonzero flag means success.
type AckReply struct {
	OK bool
}

func (r *AckReply) encode(*encoder) uint8 {
	if r.OK {
		return 1
	}
	return 0
}

func (r *AckReply) decode(flag uint8, _ *decoder) error {
	r.OK = flag != 0
	return nil
}

// IORequest reads or writes up to MaxBatchPages pages of an open file. Each
// Extent describes one page. For writes, Data holds the bytes of every
// extent back to back; for reads, Data is empty.
type IORequest struct {
	Handle  Handle
	Extents []Extent
	Data    []byte
}

func (r *IORequest) encode(e *encoder) uint8 {
	putIO(e, r.Handle, r.Extents, r.Data)
	return 0
}

func (r *IORequest) decode(_ uint8, d *decoder) (err error) {
	r.Handle, r.Extents, r.Data, err = getIO(d)
	return err
}

// ioFailed is the flag value of a failed IOReply.
const ioFailed = 0xFF

// IOReply is the reply to an IORequest. For reads, the extents hold the
// number of bytes actually read for each page, and Data holds those bytes.
// Success is all or nothing for the whole batch.
type IOReply struct {
	OK      bool
	Handle  Handle
	Extents []Extent
	Data    []byte
}

func (r *IOReply) encode(e *encoder) uint8 {
	if !r.OK {
		return ioFailed
	}
	putIO(e, r.Handle, r.Extents, r.Data)
	return 0
}

func (r *IOReply) decode(flag uint8, d *decoder) (err error) {
	r.OK = flag != ioFailed
	if !r.OK {
		r.Handle, r.Extents, r.Data = 0, nil, nil
		return nil
	}
	r.Handle, r.Extents, r.Data, err = getIO(d)
	return err
}

// putIO encodes an I/O descriptor as:
//
//	handle u64 | count u32 | reserved u32 | count * (offset i64 | len i32 | reserved u32) | data
func putIO(e *encoder, h Handle, extents []Extent, data []byte) {
	e.u64(uint64(h))
	e.u32(uint32(len(extents)))
	e.u32(0)
	for _, ext := range extents {
		e.i64(ext.Offset)
		e.i32(ext.Len)
		e.u32(0)
	}
	e.bytes(data)
}

func getIO(d *decoder) (h Handle, extents []Extent, data []byte, err error) {
	h = Handle(d.u64())
	count := d.u32()
	_ = d.u32()
	if d.err != nil {
		return 0, nil, nil, d.err
	}
	if count > MaxBatchPages {
		return 0, nil, nil, fmt.Errorf("%d extents exceeds batch limit of %d: %w", count, MaxBatchPages, ErrorIO)
	}

	var total int
	extents = make([]Extent, count)
	for i := range extents {
		extents[i].Offset = d.i64()
		extents[i].Len = d.i32()
		_ = d.u32()
		if d.err != nil {
			return 0, nil, nil, d.err
		}
		if ext := extents[i]; ext.Offset < 0 || ext.Len < 0 || ext.Len > PageSize {
			return 0, nil, nil, fmt.Errorf("bad extent %d (offset %d, len %d): %w", i, ext.Offset, ext.Len, ErrorIO)
		}
		total += int(extents[i].Len)
	}

	switch rem := d.remaining(); {
	case rem == 0:
		// Read requests carry no data.
	case rem == total:
		data = make([]byte, total)
		copy(data, d.take(total))
	default:
		return 0, nil, nil, fmt.Errorf("extents describe %d bytes but %d are present: %w", total, rem, ErrorIO)
	}
	return h, extents, data, d.err
}

// RenameRequest moves OldPath to NewPath. The new path is sent first.
type RenameRequest struct {
	NewPath string
	OldPath string
}

func (r *RenameRequest) encode(e *encoder) uint8 {
	e.cstring(r.NewPath)
	e.cstring(r.OldPath)
	return 0
}

func (r *RenameRequest) decode(_ uint8, d *decoder) error {
	r.NewPath = d.cstring()
	r.OldPath = d.cstring()
	return d.err
}

// VolumeReply is the reply to CmdVolSize. A nonzero flag means failure.
type VolumeReply struct {
	OK   bool
	Info VolumeInfo
}

func (r *VolumeReply) encode(e *encoder) uint8 {
	e.u64(r.Info.Blocks)
	e.u64(r.Info.Free)
	e.u64(r.Info.BlockSize)
	e.u64(uint64(r.Info.Type))
	if r.OK {
		return 0
	}
	return 1
}

func (r *VolumeReply) decode(flag uint8, d *decoder) error {
	r.OK = flag == 0
	r.Info = VolumeInfo{}
	if !r.OK {
		return nil
	}
	r.Info.Blocks = d.u64()
	r.Info.Free = d.u64()
	r.Info.BlockSize = d.u64()
	r.Info.Type = FSType(d.u64())
	return d.err
}

// QuickStatRequest asks the remote core to write a QuickStatRecord for Path
// into shared memory at Addr. It has no reply.
type QuickStatRequest struct {
	Addr uint64
	Tag  uint32
	Path string
}

func (r *QuickStatRequest) encode(e *encoder) uint8 {
	e.u64(r.Addr)
	e.u32(r.Tag)
	e.u32(0)
	e.cstring(r.Path)
	return 0
}

func (r *QuickStatRequest) decode(_ uint8, d *decoder) error {
	r.Addr = d.u64()
	r.Tag = d.u32()
	_ = d.u32()
	r.Path = d.cstring()
	return d.err
}

// SetTimeRequest sets the timestamps of Path.
type SetTimeRequest struct {
	Atime, Mtime, Ctime Calendar
	Path                string
}

func (r *SetTimeRequest) encode(e *encoder) uint8 {
	r.Atime.put(e)
	r.Mtime.put(e)
	r.Ctime.put(e)
	e.cstring(r.Path)
	return 0
}

func (r *SetTimeRequest) decode(_ uint8, d *decoder) error {
	r.Atime.get(d)
	r.Mtime.get(d)
	r.Ctime.get(d)
	r.Path = d.cstring()
	return d.err
}

// SetTimeReply is the reply to CmdSetTime. A nonzero Status means failure.
type SetTimeReply struct {
	Status uint64
}

func (r *SetTimeReply) encode(e *encoder) uint8 {
	e.u64(r.Status)
	return 0
}

func (r *SetTimeReply) decode(_ uint8, d *decoder) error {
	r.Status = d.u64()
	return d.err
}
