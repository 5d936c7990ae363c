package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/duskmesh/overlay/wire"
)

/*
TCP is a straightforward reference implementation of Transport over plain
TCP, in the spirit of babble/src/net/net_transport.go and
tcp_transport.go: each RPC there is framed by a type byte followed by an
encoded body; here each stream class gets its own TCP connection (so one
slow bulk transfer can never head-of-line block membership traffic, per
spec.md §5), and each connection's handshake is a single class byte
followed by the dialer's 32-byte peer id.
*/

const handshakeSize = 1 + 32

// TCP implements Transport over one TCP listener per local node.
type TCP struct {
	logger   *logrus.Entry
	listener net.Listener
	self     wire.PeerID
	timeout  time.Duration

	acceptC chan acceptedSession

	mu       sync.Mutex
	sessions map[wire.PeerID]*tcpSession
	closed   chan struct{}
	closeErr sync.Once
}

type acceptedSession struct {
	peer wire.PeerID
	sess *tcpSession
}

// NewTCP binds bindAddr and starts accepting connections.
func NewTCP(bindAddr string, self wire.PeerID, timeout time.Duration, logger *logrus.Entry) (*TCP, error) {
	if logger == nil {
		l := logrus.New()
		logger = logrus.NewEntry(l)
	}

	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", bindAddr, err)
	}

	t := &TCP{
		logger:   logger,
		listener: ln,
		self:     self,
		timeout:  timeout,
		acceptC:  make(chan acceptedSession, 16),
		sessions: make(map[wire.PeerID]*tcpSession),
		closed:   make(chan struct{}),
	}

	go t.listen()

	return t, nil
}

func (t *TCP) LocalAddr() string { return t.listener.Addr().String() }

func (t *TCP) listen() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
				t.logger.WithError(err).Debug("tcp accept error")
				return
			}
		}
		go t.handleConn(conn)
	}
}

func (t *TCP) handleConn(conn net.Conn) {
	if t.timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(t.timeout))
	}

	hs := make([]byte, handshakeSize)
	if _, err := readFull(conn, hs); err != nil {
		t.logger.WithError(err).Debug("tcp handshake read failed")
		conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	class := wire.StreamClass(hs[0])
	var peer wire.PeerID
	copy(peer[:], hs[1:])

	t.mu.Lock()
	sess, existed := t.sessions[peer]
	if !existed {
		sess = newTCPSession(peer)
		t.sessions[peer] = sess
	}
	t.mu.Unlock()

	sess.attach(class, conn)

	if !existed {
		select {
		case t.acceptC <- acceptedSession{peer: peer, sess: sess}:
		case <-t.closed:
		}
	}
}

func (t *TCP) Dial(ctx context.Context, peer wire.PeerID, hint string) (Session, error) {
	sess := newTCPSession(peer)

	for _, class := range []wire.StreamClass{wire.Membership, wire.PubSub, wire.Bulk} {
		dialer := net.Dialer{Timeout: t.timeout}
		conn, err := dialer.DialContext(ctx, "tcp", hint)
		if err != nil {
			sess.Close()
			return nil, fmt.Errorf("transport: dial %s: %w", hint, err)
		}

		hs := make([]byte, handshakeSize)
		hs[0] = byte(class)
		copy(hs[1:], t.self[:])
		if _, err := conn.Write(hs); err != nil {
			conn.Close()
			sess.Close()
			return nil, fmt.Errorf("transport: handshake write: %w", err)
		}

		sess.attach(class, conn)
	}

	return sess, nil
}

func (t *TCP) Accept(ctx context.Context) (wire.PeerID, Session, error) {
	select {
	case a := <-t.acceptC:
		return a.peer, a.sess, nil
	case <-t.closed:
		return wire.PeerID{}, nil, ErrClosed
	case <-ctx.Done():
		return wire.PeerID{}, nil, ctx.Err()
	}
}

func (t *TCP) Close() error {
	t.closeErr.Do(func() { close(t.closed) })
	return t.listener.Close()
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// tcpSession multiplexes the three per-class TCP connections established
// with one remote peer.
type tcpSession struct {
	remotePeer wire.PeerID

	mu      sync.Mutex
	streams map[wire.StreamClass]*tcpStream
	ready   chan wire.StreamClass

	closed    chan struct{}
	closeOnce sync.Once
}

func newTCPSession(remote wire.PeerID) *tcpSession {
	return &tcpSession{
		remotePeer: remote,
		streams:    make(map[wire.StreamClass]*tcpStream),
		ready:      make(chan wire.StreamClass, 3),
		closed:     make(chan struct{}),
	}
}

func (s *tcpSession) attach(class wire.StreamClass, conn net.Conn) {
	st := &tcpStream{conn: conn, r: bufio.NewReader(conn), closed: s.closed}

	s.mu.Lock()
	s.streams[class] = st
	s.mu.Unlock()

	select {
	case s.ready <- class:
	default:
	}
}

func (s *tcpSession) Open(class wire.StreamClass) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[class]
	if !ok {
		return nil, fmt.Errorf("transport: stream class %d not yet established", class)
	}
	return st, nil
}

func (s *tcpSession) AcceptStream(ctx context.Context) (wire.StreamClass, Stream, error) {
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

func (s *tcpSession) RemotePeer() wire.PeerID { return s.remotePeer }

func (s *tcpSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		for _, st := range s.streams {
			st.conn.Close()
		}
		s.mu.Unlock()
	})
	return nil
}

type tcpStream struct {
	conn   net.Conn
	r      *bufio.Reader
	wmu    sync.Mutex
	closed chan struct{}
}

func (st *tcpStream) Send(msg *wire.Message) error {
	st.wmu.Lock()
	defer st.wmu.Unlock()
	return wire.WriteFrame(st.conn, msg)
}

func (st *tcpStream) Recv(ctx context.Context) (*wire.Message, error) {
	type result struct {
		msg *wire.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := wire.ReadFrame(st.r)
		done <- result{msg, err}
	}()

	select {
	case r := <-done:
		return r.msg, r.err
	case <-st.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (st *tcpStream) Close() error { return st.conn.Close() }
