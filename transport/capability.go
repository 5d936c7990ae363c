// Package transport defines the Transport capability consumed by the rest
// of the module (spec.md §6.1) plus two concrete implementations used to
// exercise every component and end-to-end scenario without a real network
// stack: InMemory (grounded on babble/src/net/inmem_transport.go) and TCP
// (grounded on babble/src/net/tcp_transport.go and net_transport.go). The
// real QUIC-based transport is an external collaborator per spec.md §1;
// these implementations are reference/test doubles behind the same
// interface.
package transport

import (
	"context"
	"errors"

	"github.com/duskmesh/overlay/wire"
)

// ErrClosed is returned by Stream/Session operations once the owning
// session has been closed, satisfying spec.md §6.1's "session close
// surfaces as a terminal error on outstanding streams".
var ErrClosed = errors.New("transport: closed")

// Stream is one reliable, ordered, length-delimited byte-stream carrying
// one protocol message per frame, scoped to a single stream class.
type Stream interface {
	Send(msg *wire.Message) error
	Recv(ctx context.Context) (*wire.Message, error)
	Close() error
}

// Session is an established connection to exactly one remote peer,
// multiplexing the three stream classes.
type Session interface {
	// Open returns (creating if necessary) the stream for class.
	Open(class wire.StreamClass) (Stream, error)
	// AcceptStream blocks until the peer has a stream ready for this side,
	// or ctx is done.
	AcceptStream(ctx context.Context) (wire.StreamClass, Stream, error)
	RemotePeer() wire.PeerID
	Close() error
}

// Transport lets a node dial peers and accept inbound sessions.
type Transport interface {
	Dial(ctx context.Context, peer wire.PeerID, hint string) (Session, error)
	Accept(ctx context.Context) (wire.PeerID, Session, error)
	LocalAddr() string
	Close() error
}
