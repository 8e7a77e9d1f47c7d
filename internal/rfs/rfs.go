// Package rfs implements the wire protocol used to reach files owned by a
// remote core. RFS stands for "Remote FileSystem."
//
// Every filesystem operation is a single command Message sent over a
// Channel. Most commands expect exactly one reply carrying the same
// correlation ID (see XferID); a few are notifications which are never
// answered. Command-specific payloads are typed: see Payload.
//
// The xfer subpackage correlates requests with replies, and the client
// subpackage builds a filesystem on top of it. The remote subpackage
// implements the other side of the channel.
package rfs

// Channel is a message-passing endpoint to a remote core, used by the local
// side of the connection.
type Channel interface {
	// Send transmits a single encoded message. Send may be called
	// concurrently and does not wait for the remote core to process the
	// message.
	Send(b []byte) error

	// SetReceiver registers the function that will be invoked for every
	// inbound message. It must be called exactly once, before the first call
	// to Send. fn is invoked from a single goroutine owned by the Channel; fn
	// must not retain b after returning.
	//
	// stopped, if non-nil, is invoked once from the same goroutine after it
	// stops receiving, with the error which stopped it. No more messages are
	// delivered after stopped is called.
	SetReceiver(fn func(b []byte), stopped func(err error))

	// Close the channel.
	Close() error
}

// SharedMemory is implemented by Channels which expose a scratch memory
// region that the remote core can write into without sending a message.
type SharedMemory interface {
	Memory() *Memory
}

// Endpoint is the remote core's side of a Channel.
type Endpoint interface {
	// Recv returns the next encoded message sent by the local side. Recv
	// returns io.EOF once the Channel is closed.
	Recv() ([]byte, error)

	// Send transmits an encoded message to the local side.
	Send(b []byte) error

	// WriteMemory writes p into the local side's shared memory at addr.
	WriteMemory(addr uint64, p []byte) error

	// Close the endpoint.
	Close() error
}
