package rfs

import (
	"encoding/binary"
	"fmt"
)

const (
	// HeaderSize is the size of an encoded message header.
	HeaderSize = 16

	// PageSize is the unit of data transfer for reads and writes.
	PageSize = 4096

	// MaxBatchPages is the maximum number of pages in a single read or write.
	MaxBatchPages = 32

	// MaxPayload is the largest payload a message may carry: a full batch of
	// pages plus its descriptors.
	MaxPayload = MaxBatchPages*PageSize + PageSize

	// NameMax is the longest file name the remote core accepts.
	NameMax = 255
)

// XferID correlates a request with its reply. The remote core echoes the
// XferID of a request in its reply without interpreting it.
//
// The low 32 bits hold a slot index plus one and the high 32 bits hold the
// generation of the slot at the time of sending. The zero value means the
// message isn't correlated with any request.
type XferID uint64

// MakeXferID creates an XferID for the given slot index and generation.
func MakeXferID(index int, gen uint32) XferID {
	return XferID(uint64(gen)<<32 | uint64(uint32(index+1)))
}

// Index returns the slot index of id. Index returns -1 for the zero XferID.
func (id XferID) Index() int { return int(uint32(id)) - 1 }

// Generation returns the slot generation of id.
func (id XferID) Generation() uint32 { return uint32(id >> 32) }

func (id XferID) String() string {
	if id == 0 {
		return "none"
	}
	return fmt.Sprintf("%d.%d", id.Index(), id.Generation())
}

// Message is a single rfs protocol message. The meaning of Flag and Payload
// depends on Command and on the direction of the message; use NewMessage and
// Decode to work with the typed form.
type Message struct {
	Command Command
	Flag    uint8
	Xfer    XferID
	Payload []byte
}

// MarshalBinary encodes m into its wire format. The header is:
//
//	cmd u8 | flag u8 | reserved u16 | len u32 | xfer u64
//
// in little-endian order, followed by len bytes of payload.
func (m *Message) MarshalBinary() ([]byte, error) {
	if len(m.Payload) > MaxPayload {
		return nil, fmt.Errorf("%s payload of %d bytes exceeds limit of %d: %w", m.Command, len(m.Payload), MaxPayload, ErrorInvalid)
	}
	buf := make([]byte, HeaderSize+len(m.Payload))
	buf[0] = byte(m.Command)
	buf[1] = m.Flag
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(m.Payload)))
	binary.LittleEndian.PutUint64(buf[8:], uint64(m.Xfer))
	copy(buf[HeaderSize:], m.Payload)
	return buf, nil
}

// UnmarshalBinary decodes a message from b. The declared payload length must
// match the number of bytes that follow the header. The payload is copied
// out of b.
func (m *Message) UnmarshalBinary(b []byte) error {
	if len(b) < HeaderSize {
		return fmt.Errorf("short message header (%d bytes): %w", len(b), ErrorIO)
	}
	var (
		cmd = Command(b[0])
		n   = binary.LittleEndian.Uint32(b[4:])
	)
	if n > MaxPayload {
		return fmt.Errorf("%s declares %d byte payload, over limit of %d: %w", cmd, n, MaxPayload, ErrorIO)
	}
	if int(n) != len(b)-HeaderSize {
		return fmt.Errorf("%s declares %d byte payload but carries %d: %w", cmd, n, len(b)-HeaderSize, ErrorIO)
	}

	m.Command = cmd
	m.Flag = b[1]
	m.Xfer = XferID(binary.LittleEndian.Uint64(b[8:]))
	m.Payload = nil
	if n > 0 {
		m.Payload = make([]byte, n)
		copy(m.Payload, b[HeaderSize:])
	}
	return nil
}

// NewMessage builds an uncorrelated message for cmd from the typed payload p.
func NewMessage(cmd Command, p Payload) (*Message, error) {
	m := &Message{Command: cmd}
	if p == nil {
		return m, nil
	}
	e := encoder{}
	m.Flag = p.encode(&e)
	if len(e.buf) > MaxPayload {
		return nil, fmt.Errorf("%s payload of %d bytes exceeds limit of %d: %w", cmd, len(e.buf), MaxPayload, ErrorInvalid)
	}
	m.Payload = e.buf
	return m, nil
}

// Decode decodes the payload of m into p.
func (m *Message) Decode(p Payload) error {
	d := decoder{buf: m.Payload}
	if err := p.decode(m.Flag, &d); err != nil {
		return fmt.Errorf("malformed %s payload: %w", m.Command, err)
	}
	return nil
}

// Payload is implemented by the typed request and reply bodies of each
// command. Each Payload decides how it maps onto the message flag.
type Payload interface {
	encode(e *encoder) (flag uint8)
	decode(flag uint8, d *decoder) error
}

// encoder appends little-endian values to a buffer.
type encoder struct {
	buf []byte
}

func (e *encoder) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) i32(v int32) { e.u32(uint32(v)) }
func (e *encoder) i64(v int64) { e.u64(uint64(v)) }
func (e *encoder) bytes(p []byte) {
	e.buf = append(e.buf, p...)
}

// cstring appends s with a NUL terminator.
func (e *encoder) cstring(s string) {
	e.buf = append(e.buf, s...)
	e.buf = append(e.buf, 0)
}

// align pads the buffer with zeroes to a multiple of n bytes.
func (e *encoder) align(n int) {
	for len(e.buf)%n != 0 {
		e.buf = append(e.buf, 0)
	}
}

// decoder reads little-endian values from a buffer. Reads past the end of
// the buffer set a sticky error and return zero values.
type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.buf)-d.off < n {
		d.err = fmt.Errorf("need %d bytes at offset %d, have %d: %w", n, d.off, len(d.buf)-d.off, ErrorIO)
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) u32() uint32 {
	if b := d.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if b := d.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (d *decoder) i32() int32 { return int32(d.u32()) }
func (d *decoder) i64() int64 { return int64(d.u64()) }

// cstring reads a NUL-terminated string. The terminator must be present
// within the buffer.
func (d *decoder) cstring() string {
	if d.err != nil {
		return ""
	}
	for i := d.off; i < len(d.buf); i++ {
		if d.buf[i] == 0 {
			s := string(d.buf[d.off:i])
			d.off = i + 1
			return s
		}
	}
	d.err = fmt.Errorf("unterminated string at offset %d: %w", d.off, ErrorIO)
	return ""
}

// align skips padding up to a multiple of n bytes from the start of the
// buffer. Running out of buffer while aligning is not an error.
func (d *decoder) align(n int) {
	if d.err != nil {
		return
	}
	next := (d.off + n - 1) &^ (n - 1)
	if next > len(d.buf) {
		next = len(d.buf)
	}
	d.off = next
}

func (d *decoder) remaining() int { return len(d.buf) - d.off }
