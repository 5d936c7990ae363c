package swim

import (
	"testing"
	"time"

	"github.com/duskmesh/overlay/crypto"
	"github.com/duskmesh/overlay/wire"
)

type fakeSender struct {
	sent []*wire.Message
	to   []wire.PeerID
}

func (f *fakeSender) Send(peer wire.PeerID, hint string, msg *wire.Message) error {
	f.to = append(f.to, peer)
	f.sent = append(f.sent, msg)
	return nil
}

func newTestSigner(t *testing.T) *wire.Signer {
	oracle := crypto.NewOracle()
	priv, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	pubBytes := crypto.MarshalPublicKey(&priv.PublicKey)
	return wire.NewSigner(oracle, priv, &priv.PublicKey, pubBytes)
}

func TestProbeTickSendsPing(t *testing.T) {
	signer := newTestSigner(t)
	sender := &fakeSender{}
	m := NewManager(DefaultConfig(), signer, sender, nil)

	var peer wire.PeerID
	peer[0] = 1
	m.Track(peer, "addr")

	m.ProbeTick(time.Unix(1000, 0))

	if len(sender.sent) != 1 || sender.sent[0].Header.Kind != wire.PING {
		t.Fatalf("expected a PING sent, got %+v", sender.sent)
	}
	if sender.to[0] != peer {
		t.Fatalf("expected PING sent to tracked peer")
	}
}

func TestDirectProbeTimeoutEscalatesToIndirect(t *testing.T) {
	signer := newTestSigner(t)
	sender := &fakeSender{}
	cfg := DefaultConfig()
	m := NewManager(cfg, signer, sender, nil)

	var target, relay wire.PeerID
	target[0] = 1
	relay[0] = 2
	m.Track(target, "target-addr")
	m.Track(relay, "relay-addr")

	now := time.Unix(1000, 0)
	m.ProbeTick(now) // sends direct PING to one of {target, relay}; force target pending directly
	m.mu.Lock()
	m.pending = map[uint64]*pendingProbe{1: {target: target, kind: direct, sentAt: now}}
	m.mu.Unlock()

	sender.sent = nil
	sender.to = nil
	m.ProbeTick(now.Add(cfg.ProbeTimeout + time.Millisecond))

	foundPingReq := false
	for _, msg := range sender.sent {
		if msg.Header.Kind == wire.PING_REQ {
			foundPingReq = true
		}
	}
	if !foundPingReq {
		t.Fatalf("expected escalation to PING_REQ after direct probe timeout, got %+v", sender.sent)
	}
}

func TestForwardedIndirectAckClearsPendingAndPreventsSuspicion(t *testing.T) {
	signer := newTestSigner(t)
	sender := &fakeSender{}
	cfg := DefaultConfig()
	m := NewManager(cfg, signer, sender, nil)

	var target, relay wire.PeerID
	target[0] = 1
	relay[0] = 2
	m.Track(target, "target-addr")
	m.Track(relay, "relay-addr")

	now := time.Unix(1000, 0)
	const nonce = 42
	m.mu.Lock()
	m.pending[nonce] = &pendingProbe{target: target, kind: indirect, sentAt: now}
	m.mu.Unlock()

	// the relay forwards the target's ACK back to us; fromPeer here is the
	// relay, not the target.
	if err := m.OnAck(relay, wire.AckBody{Nonce: nonce}, now.Add(time.Millisecond)); err != nil {
		t.Fatalf("OnAck: %v", err)
	}

	m.mu.Lock()
	_, stillPending := m.pending[nonce]
	m.mu.Unlock()
	if stillPending {
		t.Fatalf("expected forwarded indirect ACK to clear the pending probe")
	}

	state, _ := m.StateOf(target)
	if state != Alive {
		t.Fatalf("expected target revived to Alive by forwarded indirect ACK, got %v", state)
	}

	// past IndirectTimeout, checkPendingTimeouts must find nothing left to
	// suspect.
	m.checkPendingTimeouts(now.Add(cfg.IndirectTimeout + time.Millisecond))
	state, _ = m.StateOf(target)
	if state != Alive {
		t.Fatalf("expected target to remain Alive after IndirectTimeout elapses, got %v", state)
	}
}

func TestSuspectTimesOutToDead(t *testing.T) {
	signer := newTestSigner(t)
	sender := &fakeSender{}
	cfg := DefaultConfig()
	m := NewManager(cfg, signer, sender, nil)

	var peer wire.PeerID
	peer[0] = 5
	m.Track(peer, "addr")

	now := time.Unix(1000, 0)
	m.transitionSuspect(peer, now)

	state, ok := m.StateOf(peer)
	if !ok || state != Suspect {
		t.Fatalf("expected Suspect, got %v", state)
	}

	m.checkSuspectTimeouts(now.Add(cfg.SuspectTimeout + time.Millisecond))

	select {
	case dead := <-m.DeadEvents():
		if dead != peer {
			t.Fatalf("expected dead event for tracked peer")
		}
	default:
		t.Fatalf("expected a dead event to be emitted")
	}
}

func TestTouchRevivesSuspect(t *testing.T) {
	signer := newTestSigner(t)
	sender := &fakeSender{}
	m := NewManager(DefaultConfig(), signer, sender, nil)

	var peer wire.PeerID
	peer[0] = 7
	m.Track(peer, "addr")
	m.transitionSuspect(peer, time.Unix(1000, 0))

	m.Touch(peer)

	state, _ := m.StateOf(peer)
	if state != Alive {
		t.Fatalf("expected Touch to revive Suspect peer to Alive, got %v", state)
	}
}

func TestOnPingRepliesWithAck(t *testing.T) {
	signer := newTestSigner(t)
	sender := &fakeSender{}
	m := NewManager(DefaultConfig(), signer, sender, nil)

	var peer wire.PeerID
	peer[0] = 3
	m.Track(peer, "addr")

	msg, err := m.OnPing(peer, wire.PingBody{Nonce: 99}, time.Unix(1000, 0))
	if err != nil {
		t.Fatalf("OnPing: %v", err)
	}
	if msg.Header.Kind != wire.ACK {
		t.Fatalf("expected ACK reply, got %v", msg.Header.Kind)
	}

	state, _ := m.StateOf(peer)
	if state != Alive {
		t.Fatalf("expected peer to be marked Alive after valid PING")
	}
}

func TestDeltasAppliedIdempotentlyLatestWins(t *testing.T) {
	signer := newTestSigner(t)
	sender := &fakeSender{}
	m := NewManager(DefaultConfig(), signer, sender, nil)

	var peer wire.PeerID
	peer[0] = 4
	m.Track(peer, "addr")

	m.applyDeltas([]wire.MembershipDelta{{Peer: peer, State: uint8(Suspect), Timestamp: 5}}, time.Unix(1000, 0))
	state, _ := m.StateOf(peer)
	if state != Suspect {
		t.Fatalf("expected Suspect after delta, got %v", state)
	}

	// stale delta (lower timestamp) must not override
	m.applyDeltas([]wire.MembershipDelta{{Peer: peer, State: uint8(Alive), Timestamp: 3}}, time.Unix(1000, 0))
	state, _ = m.StateOf(peer)
	if state != Suspect {
		t.Fatalf("expected stale delta to be ignored, got %v", state)
	}

	m.applyDeltas([]wire.MembershipDelta{{Peer: peer, State: uint8(Alive), Timestamp: 6}}, time.Unix(1000, 0))
	state, _ = m.StateOf(peer)
	if state != Alive {
		t.Fatalf("expected newer delta to apply, got %v", state)
	}
}
