package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/duskmesh/overlay/wire"
)

// streamQueueSize mirrors OUT_QUEUE_MAX's order of magnitude (spec.md §5)
// for the in-memory test double's per-class channel buffer.
const streamQueueSize = 1024

// InMemoryNetwork is a shared registry of InMemory transports, analogous to
// the peer map babble/src/net/inmem_transport.go keeps per-transport, but
// factored out so any number of transports can find each other by address.
type InMemoryNetwork struct {
	mu    sync.Mutex
	nodes map[string]*InMemory
}

// NewInMemoryNetwork creates an empty registry.
func NewInMemoryNetwork() *InMemoryNetwork {
	return &InMemoryNetwork{nodes: make(map[string]*InMemory)}
}

// InMemory implements Transport without touching a real network, for unit
// and scenario tests (spec.md §8's end-to-end scenarios all run on this).
type InMemory struct {
	net     *InMemoryNetwork
	addr    string
	self    wire.PeerID
	acceptC chan *inmemSession
	closed  chan struct{}
}

// NewInMemory registers a new transport under addr (for self) on net.
func (n *InMemoryNetwork) NewInMemory(addr string, self wire.PeerID) *InMemory {
	t := &InMemory{
		net:     n,
		addr:    addr,
		self:    self,
		acceptC: make(chan *inmemSession, 16),
		closed:  make(chan struct{}),
	}
	n.mu.Lock()
	n.nodes[addr] = t
	n.mu.Unlock()
	return t
}

func (t *InMemory) LocalAddr() string { return t.addr }

func (t *InMemory) Dial(ctx context.Context, peer wire.PeerID, hint string) (Session, error) {
	t.net.mu.Lock()
	remote, ok := t.net.nodes[hint]
	t.net.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("transport: no in-memory node registered at %q", hint)
	}

	local, remoteSide := newInmemSessionPair(t.self, peer)

	select {
	case remote.acceptC <- remoteSide:
	case <-remote.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return local, nil
}

func (t *InMemory) Accept(ctx context.Context) (wire.PeerID, Session, error) {
	select {
	case s := <-t.acceptC:
		return s.remotePeer, s, nil
	case <-t.closed:
		return wire.PeerID{}, nil, ErrClosed
	case <-ctx.Done():
		return wire.PeerID{}, nil, ctx.Err()
	}
}

func (t *InMemory) Close() error {
	select {
	case <-t.closed:
	default:
		close(t.closed)
	}
	t.net.mu.Lock()
	delete(t.net.nodes, t.addr)
	t.net.mu.Unlock()
	return nil
}

// inmemSession is one side of a paired in-memory session. Each stream class
// gets its own bounded channel so classes never head-of-line block each
// other (spec.md §5).
type inmemSession struct {
	remotePeer wire.PeerID
	closed     chan struct{}
	closeOnce  sync.Once

	mu      sync.Mutex
	streams map[wire.StreamClass]*inmemStream
	ready   chan wire.StreamClass // classes opened by the remote side, awaiting AcceptStream
}

func newInmemSessionPair(localID, remoteID wire.PeerID) (*inmemSession, *inmemSession) {
	a := &inmemSession{remotePeer: remoteID, closed: make(chan struct{}), streams: make(map[wire.StreamClass]*inmemStream), ready: make(chan wire.StreamClass, 8)}
	b := &inmemSession{remotePeer: localID, closed: make(chan struct{}), streams: make(map[wire.StreamClass]*inmemStream), ready: make(chan wire.StreamClass, 8)}

	for _, class := range []wire.StreamClass{wire.Membership, wire.PubSub, wire.Bulk} {
		ab := make(chan *wire.Message, streamQueueSize)
		ba := make(chan *wire.Message, streamQueueSize)
		a.streams[class] = &inmemStream{class: class, outCh: ab, inCh: ba, closed: a.closed}
		b.streams[class] = &inmemStream{class: class, outCh: ba, inCh: ab, closed: b.closed}
	}
	return a, b
}

func (s *inmemSession) Open(class wire.StreamClass) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[class]
	if !ok {
		return nil, fmt.Errorf("transport: unknown stream class %d", class)
	}
	if !st.announced {
		st.announced = true
		select {
		case s.ready <- class:
		default:
		}
	}
	return st, nil
}

func (s *inmemSession) AcceptStream(ctx context.Context) (wire.StreamClass, Stream, error) {
	select {
	case class := <-s.ready:
		s.mu.Lock()
		st := s.streams[class]
		s.mu.Unlock()
		return class, st, nil
	case <-s.closed:
		return 0, nil, ErrClosed
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (s *inmemSession) RemotePeer() wire.PeerID { return s.remotePeer }

func (s *inmemSession) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

type inmemStream struct {
	class     wire.StreamClass
	outCh     chan *wire.Message
	inCh      chan *wire.Message
	closed    chan struct{}
	announced bool
}

func (st *inmemStream) Send(msg *wire.Message) error {
	select {
	case st.outCh <- msg:
		return nil
	case <-st.closed:
		return ErrClosed
	}
}

func (st *inmemStream) Recv(ctx context.Context) (*wire.Message, error) {
	select {
	case msg := <-st.inCh:
		return msg, nil
	case <-st.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (st *inmemStream) Close() error { return nil }
