package grpcrfs

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype used by link streams.
const CodecName = "msgpack"

func init() {
	encoding.RegisterCodec(msgpackCodec{})
}

// FrameKind identifies the contents of a Frame.
type FrameKind uint8

const (
	// FrameMessage carries a single encoded rfs message. Both sides send
	// message frames.
	FrameMessage FrameKind = iota + 1

	// FrameMemory asks the local side to write Data into its shared memory
	// at Addr. Only the remote core sends memory frames.
	FrameMemory
)

func (k FrameKind) String() string {
	switch k {
	case FrameMessage:
		return "message"
	case FrameMemory:
		return "memory"
	default:
		return fmt.Sprintf("FrameKind(%d)", uint8(k))
	}
}

// Frame is the unit of transfer on a link stream.
type Frame struct {
	Kind FrameKind `msgpack:"k"`
	Addr uint64    `msgpack:"a,omitempty"`
	Data []byte    `msgpack:"d"`
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return CodecName }

func (msgpackCodec) Marshal(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (msgpackCodec) Unmarshal(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}
