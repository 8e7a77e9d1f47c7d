package rfs

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
)

const (
	// QuickStatMagic is written by the remote core once a QuickStatRecord is
	// complete.
	QuickStatMagic = 0x99998888

	// QuickStatSize is the encoded size of a QuickStatRecord.
	QuickStatSize = 48

	// RegionSize is the size of a Region of shared memory.
	RegionSize = 1024

	// memoryBase is the address of the first byte of a Memory. Address 0 is
	// never valid.
	memoryBase = 0x10000

	quickStatMagicOffset = 40
)

// QuickStatRecord is a compact stat record which the remote core writes
// directly into shared memory in response to CmdQuickStat. The layout is:
//
//	type i32 | tag u32 | size i64 | atime i64 | mtime i64 | ctime i64 | magic u32 | reserved u32
//
// The magic is written last, so a reader which observes QuickStatMagic may
// read the rest of the record.
type QuickStatRecord struct {
	Type  StatType
	Tag   uint32
	Size  int64
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
}

// QuickStatRecord is also a Payload so a remote core can pass it around like
// any other reply, even though it's delivered through shared memory.
var _ Payload = (*QuickStatRecord)(nil)

// MarshalBinary encodes the record along with its trailing magic.
func (r *QuickStatRecord) MarshalBinary() ([]byte, error) {
	e := encoder{buf: make([]byte, 0, QuickStatSize)}
	r.encode(&e)
	return e.buf, nil
}

func (r *QuickStatRecord) encode(e *encoder) uint8 {
	e.i32(int32(r.Type))
	e.u32(r.Tag)
	e.i64(r.Size)
	e.i64(unixTime(r.Atime))
	e.i64(unixTime(r.Mtime))
	e.i64(unixTime(r.Ctime))
	e.u32(QuickStatMagic)
	e.u32(0)
	return 0
}

// UnmarshalBinary decodes a record. The magic must be present.
func (r *QuickStatRecord) UnmarshalBinary(b []byte) error {
	if len(b) < QuickStatSize {
		return fmt.Errorf("short quick stat record: %w", ErrorIO)
	}
	return r.decode(0, &decoder{buf: b})
}

func (r *QuickStatRecord) decode(_ uint8, d *decoder) error {
	r.Type = StatType(d.i32())
	r.Tag = d.u32()
	r.Size = d.i64()
	r.Atime = fromUnix(d.i64())
	r.Mtime = fromUnix(d.i64())
	r.Ctime = fromUnix(d.i64())
	if magic := d.u32(); magic != QuickStatMagic {
		return fmt.Errorf("bad quick stat magic %#x: %w", magic, ErrorIO)
	}
	return d.err
}

// Memory is a block of memory shared with the remote core. The remote core
// writes into it by address (see Endpoint.WriteMemory) while local readers
// poll it, so every access goes through 32-bit atomic words.
//
// Memory is split into fixed-size Regions which are handed out with Alloc.
type Memory struct {
	words []atomic.Uint32

	mut  sync.Mutex
	free []int // GUARDED_BY(mut)
}

// NewMemory creates a Memory able to hold n Regions.
func NewMemory(n int) *Memory {
	m := &Memory{
		words: make([]atomic.Uint32, n*RegionSize/4),
		free:  make([]int, 0, n),
	}
	for i := n - 1; i >= 0; i-- {
		m.free = append(m.free, i)
	}
	return m
}

// Alloc reserves a Region. Returns ErrorNoMemory if all Regions are in use.
func (m *Memory) Alloc() (*Region, error) {
	m.mut.Lock()
	defer m.mut.Unlock()

	if len(m.free) == 0 {
		return nil, ErrorNoMemory
	}
	idx := m.free[len(m.free)-1]
	m.free = m.free[:len(m.free)-1]
	return &Region{
		mem:  m,
		idx:  idx,
		Addr: memoryBase + uint64(idx*RegionSize),
	}, nil
}

func (m *Memory) release(idx int) {
	m.mut.Lock()
	defer m.mut.Unlock()
	m.free = append(m.free, idx)
}

// Write copies p into memory starting at addr. addr must be 4-byte aligned
// and the write must fit inside a single Region. A trailing partial word is
// zero-padded.
//
// Words are stored in ascending order.
func (m *Memory) Write(addr uint64, p []byte) error {
	if addr < memoryBase || addr%4 != 0 {
		return fmt.Errorf("bad shared memory address %#x: %w", addr, ErrorInvalid)
	}
	if len(p) == 0 {
		return nil
	}
	off := addr - memoryBase
	if off/RegionSize != (off+uint64(len(p))-1)/RegionSize || off+uint64(len(p)) > uint64(len(m.words)*4) {
		return fmt.Errorf("write of %d bytes at %#x crosses region bounds: %w", len(p), addr, ErrorInvalid)
	}

	w := off / 4
	for len(p) > 0 {
		var word [4]byte
		n := copy(word[:], p)
		p = p[n:]
		m.words[w].Store(binary.LittleEndian.Uint32(word[:]))
		w++
	}
	return nil
}

// Region is a fixed-size slice of Memory.
type Region struct {
	mem *Memory
	idx int

	// Addr is the shared memory address of the first byte of the Region.
	Addr uint64
}

func (r *Region) word(off int) *atomic.Uint32 {
	return &r.mem.words[(r.idx*RegionSize+off)/4]
}

// Load32 atomically loads the 32-bit word at byte offset off.
func (r *Region) Load32(off int) uint32 { return r.word(off).Load() }

// Store32 atomically stores v at byte offset off.
func (r *Region) Store32(off int, v uint32) { r.word(off).Store(v) }

// Read copies len(p) bytes from the start of the Region into p.
func (r *Region) Read(p []byte) {
	for i := 0; i < len(p); i += 4 {
		var word [4]byte
		binary.LittleEndian.PutUint32(word[:], r.Load32(i))
		copy(p[i:], word[:])
	}
}

// Clear zeroes the Region.
func (r *Region) Clear() {
	for off := 0; off < RegionSize; off += 4 {
		r.Store32(off, 0)
	}
}

// Free returns the Region to its Memory. The Region must not be used
// afterwards.
func (r *Region) Free() { r.mem.release(r.idx) }

// QuickStatReady returns true once a complete QuickStatRecord is present at
// the start of the Region.
func (r *Region) QuickStatReady() bool {
	return r.Load32(quickStatMagicOffset) == QuickStatMagic
}

// QuickStat decodes the QuickStatRecord at the start of the Region.
func (r *Region) QuickStat() (QuickStatRecord, error) {
	var (
		buf [QuickStatSize]byte
		rec QuickStatRecord
	)
	r.Read(buf[:])
	err := rec.UnmarshalBinary(buf[:])
	return rec, err
}
