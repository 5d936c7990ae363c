package transport

import (
	"context"
	"testing"
	"time"

	"github.com/duskmesh/overlay/common"
	"github.com/duskmesh/overlay/wire"
)

func TestTCPDialAcceptRoundTrip(t *testing.T) {
	logger := common.NewTestLogger(t)

	var peerA, peerB wire.PeerID
	peerA[0] = 0xAA
	peerB[0] = 0xBB

	listener, err := NewTCP("127.0.0.1:0", peerB, time.Second, logger.WithField("node", "B"))
	if err != nil {
		t.Fatalf("NewTCP listener: %v", err)
	}
	defer listener.Close()

	dialer, err := NewTCP("127.0.0.1:0", peerA, time.Second, logger.WithField("node", "A"))
	if err != nil {
		t.Fatalf("NewTCP dialer: %v", err)
	}
	defer dialer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sessA, err := dialer.Dial(ctx, peerB, listener.LocalAddr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	_, sessB, err := listener.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if sessB.RemotePeer() != peerA {
		t.Fatalf("expected remote peer %v, got %v", peerA, sessB.RemotePeer())
	}

	streamA, err := sessA.Open(wire.PubSub)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var topic wire.TopicID
	topic[0] = 1
	msg := &wire.Message{
		Header: wire.Header{
			Version: wire.ProtocolVersion,
			Topic:   topic,
			Kind:    wire.IHAVE,
			TTL:     3,
		},
	}
	if err := streamA.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var streamB Stream
	for streamB == nil {
		class, st, err := sessB.AcceptStream(ctx)
		if err != nil {
			t.Fatalf("AcceptStream: %v", err)
		}
		if class == wire.PubSub {
			streamB = st
		}
	}

	got, err := streamB.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if got.Header.Kind != wire.IHAVE || got.Header.TTL != 3 {
		t.Fatalf("unexpected message: %+v", got.Header)
	}
}
