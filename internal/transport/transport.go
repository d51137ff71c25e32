// Package transport defines the capability surface of the external
// relay/discovery service. The core only ever sees these interfaces;
// concrete relays (in-memory loopback, WebRTC) live in subpackages.
package transport

import (
	"context"

	"tetatet/internal/models"
)

// Channel is the logical bidirectional frame channel to one peer.
// Frames are opaque byte slices at this layer; wire encoding belongs
// to the caller. Readers leave via Done, Recv is never closed; reading
// it from a single goroutine preserves per-channel frame order.
type Channel interface {
	Peer() string
	// Ready is closed once the channel is open for sending.
	Ready() <-chan struct{}
	Send(frame []byte) error
	Recv() <-chan []byte
	// Done is closed when the channel is closed by either side.
	Done() <-chan struct{}
	Close() error
}

// MediaStream is an owned handle to a local or remote media stream.
// Release must be idempotent.
type MediaStream interface {
	Kind() models.CallType
	Release()
}

// MediaSource acquires local capture devices. Acquisition failure maps
// to models.ErrMediaAccessDenied.
type MediaSource interface {
	Acquire(ctx context.Context, callType models.CallType) (MediaStream, error)
}

// CallMeta travels with the invitation so the callee never has to
// infer the call type from transport internals.
type CallMeta struct {
	Caller string          `msgpack:"caller"`
	Type   models.CallType `msgpack:"type"`
}

// CallHandle is one leg of a media call. The caller obtains it from
// Relay.Call; the callee receives it on the invitation stream and
// answers with a local stream (or closes it to reject).
type CallHandle interface {
	Peer() string
	Meta() CallMeta
	// Answer publishes the callee's local stream. Caller side never
	// calls it.
	Answer(local MediaStream) error
	// RemoteStream delivers the other side's stream once available.
	RemoteStream() <-chan MediaStream
	// Done is closed when the call channel closes.
	Done() <-chan struct{}
	Close() error
}

// Listener is what Register yields: the inbound event streams.
type Listener struct {
	ConnectionRequests <-chan Channel
	CallInvitations    <-chan CallHandle
	Faults             <-chan error
}

// Relay is the rendezvous service used to establish direct channels.
// Connect and Call report an unreachable target as
// models.ErrPeerUnavailable.
type Relay interface {
	Register(ctx context.Context, selfID string) (Listener, error)
	Connect(ctx context.Context, peerID string) (Channel, error)
	Call(ctx context.Context, peerID string, local MediaStream, meta CallMeta) (CallHandle, error)
	Close() error
}
