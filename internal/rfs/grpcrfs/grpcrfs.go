// Package grpcrfs carries rfs Channels over gRPC. A link is a single
// bidirectional stream of Frames: rfs messages flow in both directions, and
// the remote core additionally sends memory frames which the local side
// applies to its shared memory.
package grpcrfs

import (
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

const (
	serviceName  = "rfs.Link"
	streamMethod = "/" + serviceName + "/Stream"

	// regionsKey is the metadata key the local side uses to advertise how
	// many shared memory regions it holds. Memory frames are only sent when
	// it's non-zero.
	regionsKey = "x-rfs-memory-regions"
)

// linkServer is implemented by the remote core's side of a link.
type linkServer interface {
	Stream(grpc.ServerStream) error
}

var linkServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*linkServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{{
		StreamName:    "Stream",
		ServerStreams: true,
		ClientStreams: true,
		Handler: func(srv interface{}, stream grpc.ServerStream) error {
			return srv.(linkServer).Stream(stream)
		},
	}},
}

// advertisedRegions returns the number of shared memory regions advertised
// in md.
func advertisedRegions(md metadata.MD) int {
	vv := md.Get(regionsKey)
	if len(vv) == 0 {
		return 0
	}
	n, err := strconv.Atoi(vv[0])
	if err != nil || n < 0 {
		return 0
	}
	return n
}
