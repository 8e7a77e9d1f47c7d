package rfs

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Handle is a remote file handle returned by CmdOpen. The zero value is
// never a valid handle.
type Handle uint64

// StatType is the type of a remote file.
type StatType int32

// Remote file types. StatNull means the file doesn't exist.
const (
	StatNull StatType = 0
	StatFile StatType = 1
	StatDir  StatType = 2

	// statFailed marks a listing which failed on the remote side.
	statFailed StatType = -1
)

func (t StatType) String() string {
	switch t {
	case StatNull:
		return "null"
	case StatFile:
		return "file"
	case StatDir:
		return "dir"
	default:
		return fmt.Sprintf("StatType(%d)", int32(t))
	}
}

// StatRecord is a snapshot of remote metadata. Times have second resolution.
type StatRecord struct {
	Type  StatType
	Size  int64
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
	Name  string
}

// statRecordFixed is the size of the fixed portion of an encoded StatRecord.
const statRecordFixed = 40

// put encodes r as:
//
//	size i64 | atime i64 | mtime i64 | ctime i64 | type i32 | reserved u32 | name NUL
//
// padded to a multiple of 8 bytes so records can be packed back to back.
func (r *StatRecord) put(e *encoder) {
	start := len(e.buf)
	e.i64(r.Size)
	e.i64(unixTime(r.Atime))
	e.i64(unixTime(r.Mtime))
	e.i64(unixTime(r.Ctime))
	e.i32(int32(r.Type))
	e.u32(0)
	e.cstring(r.Name)
	for (len(e.buf)-start)%8 != 0 {
		e.buf = append(e.buf, 0)
	}
}

func (r *StatRecord) get(d *decoder) {
	start := d.off
	r.Size = d.i64()
	r.Atime = fromUnix(d.i64())
	r.Mtime = fromUnix(d.i64())
	r.Ctime = fromUnix(d.i64())
	r.Type = StatType(d.i32())
	_ = d.u32()
	r.Name = d.cstring()
	if d.err == nil && len(r.Name) > NameMax {
		d.err = fmt.Errorf("name of %d bytes is too long: %w", len(r.Name), ErrorIO)
	}
	for d.err == nil && (d.off-start)%8 != 0 && d.off < len(d.buf) {
		d.off++
	}
}

func unixTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}

// Calendar is a broken-down UTC timestamp as used by CmdSetTime. Year is
// years since 1900 and Month is in the range [0, 11].
type Calendar struct {
	Year, Month, Day     int32
	Hour, Minute, Second int32
}

// CalendarOf converts t into a Calendar in UTC.
func CalendarOf(t time.Time) Calendar {
	t = t.UTC()
	return Calendar{
		Year:   int32(t.Year() - 1900),
		Month:  int32(t.Month() - 1),
		Day:    int32(t.Day()),
		Hour:   int32(t.Hour()),
		Minute: int32(t.Minute()),
		Second: int32(t.Second()),
	}
}

// Time converts c back into a time.Time.
func (c Calendar) Time() time.Time {
	return time.Date(int(c.Year)+1900, time.Month(c.Month+1), int(c.Day), int(c.Hour), int(c.Minute), int(c.Second), 0, time.UTC)
}

func (c *Calendar) put(e *encoder) {
	for _, v := range []int32{c.Year, c.Month, c.Day, c.Hour, c.Minute, c.Second} {
		e.i32(v)
	}
}

func (c *Calendar) get(d *decoder) {
	c.Year, c.Month, c.Day = d.i32(), d.i32(), d.i32()
	c.Hour, c.Minute, c.Second = d.i32(), d.i32(), d.i32()
}

// OpenMode is the mode string the remote core uses to open files.
type OpenMode string

// Supported open modes.
const (
	OpenRead        OpenMode = "r"
	OpenReadWrite   OpenMode = "r+"
	OpenWrite       OpenMode = "w"
	OpenWriteCreate OpenMode = "w+"
)

const openModeSize = 8

// OpenModeFor maps os.OpenFile flags onto an OpenMode.
func OpenModeFor(flags int) OpenMode {
	var (
		accmode = flags & (os.O_RDONLY | os.O_WRONLY | os.O_RDWR)
		creates = flags&(os.O_TRUNC|os.O_CREATE) != 0
	)
	switch {
	case accmode == os.O_WRONLY && flags&os.O_APPEND != 0:
		return OpenReadWrite
	case accmode == os.O_WRONLY:
		return OpenWrite
	case accmode == os.O_RDWR && creates:
		return OpenWriteCreate
	case accmode == os.O_RDWR:
		return OpenReadWrite
	default:
		return OpenRead
	}
}

// Valid returns true if m is a supported mode.
func (m OpenMode) Valid() bool {
	switch m {
	case OpenRead, OpenReadWrite, OpenWrite, OpenWriteCreate:
		return true
	}
	return false
}

// FSType is the type of the remote volume.
type FSType uint64

// Known volume types. Any other value is treated as FAT.
const (
	FSTypeFAT   FSType = 0
	FSTypeExFAT FSType = 3
)

// VolumeInfo describes the remote volume.
type VolumeInfo struct {
	Blocks    uint64
	Free      uint64
	BlockSize uint64
	Type      FSType
}

// MaxFileSize returns the largest file size supported by the volume.
func (vi VolumeInfo) MaxFileSize() int64 {
	if vi.Type == FSTypeExFAT {
		return 0x1fffffffc00
	}
	return 0xFFFFFFFF
}

// Extent describes one page of a read or write.
type Extent struct {
	Offset int64
	Len    int32
}

func trimMode(b []byte) string {
	return strings.TrimRight(string(b), "\x00")
}
