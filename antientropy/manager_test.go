package antientropy

import (
	"testing"
	"time"

	"github.com/duskmesh/overlay/cache"
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

type fakeIHaveHandler struct {
	calls []struct {
		topic wire.TopicID
		from  wire.PeerID
		ids   []wire.MessageID
	}
}

func (f *fakeIHaveHandler) OnIHave(topic wire.TopicID, from wire.PeerID, ids []wire.MessageID, now time.Time) {
	f.calls = append(f.calls, struct {
		topic wire.TopicID
		from  wire.PeerID
		ids   []wire.MessageID
	}{topic, from, ids})
}

func newTestIdentity(t *testing.T) (*wire.Signer, crypto.Oracle, func([]byte) (crypto.PublicKey, error)) {
	oracle := crypto.NewOracle()
	priv, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	pubBytes := crypto.MarshalPublicKey(&priv.PublicKey)
	signer := wire.NewSigner(oracle, priv, &priv.PublicKey, pubBytes)
	unmarshal := func(b []byte) (crypto.PublicKey, error) { return crypto.UnmarshalPublicKey(b) }
	return signer, oracle, unmarshal
}

func noAddr(wire.PeerID) string { return "" }

func TestTickSendsAntiEntropyToCandidate(t *testing.T) {
	signer, oracle, unmarshal := newTestIdentity(t)
	c := cache.New(16, time.Hour)
	sender := &fakeSender{}
	m := New(DefaultConfig(), signer, oracle, unmarshal, c, sender, nil, noAddr, nil)

	var topic wire.TopicID
	topic[0] = 1
	var id wire.MessageID
	id[0] = 1
	now := time.Unix(1000, 0)
	c.Insert(topic, id, cache.Cached{Payload: []byte("x"), InsertedAt: now})

	var peer wire.PeerID
	peer[0] = 2

	if err := m.Tick(topic, []wire.PeerID{peer}, nil, now); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if len(sender.sent) != 1 || sender.sent[0].Header.Kind != wire.ANTIENTROPY {
		t.Fatalf("expected one ANTIENTROPY sent, got %+v", sender.sent)
	}
	if sender.to[0] != peer {
		t.Fatalf("expected send to the candidate peer")
	}

	var body wire.AntiEntropyBody
	if err := wire.DecodeBody(sender.sent[0].Body, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Fallback) != 1 || body.Fallback[0] != id {
		t.Fatalf("expected fallback to enumerate the cached id, got %+v", body.Fallback)
	}
}

func TestTickWithNoCandidatesIsNoOp(t *testing.T) {
	signer, oracle, unmarshal := newTestIdentity(t)
	c := cache.New(16, time.Hour)
	sender := &fakeSender{}
	m := New(DefaultConfig(), signer, oracle, unmarshal, c, sender, nil, noAddr, nil)

	var topic wire.TopicID
	if err := m.Tick(topic, nil, nil, time.Unix(1000, 0)); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("expected no send without candidates")
	}
}

func TestOnAntiEntropyRequestsClaimedIDsViaIHave(t *testing.T) {
	signer, oracle, unmarshal := newTestIdentity(t)
	c := cache.New(16, time.Hour)
	sender := &fakeSender{}
	handler := &fakeIHaveHandler{}
	m := New(DefaultConfig(), signer, oracle, unmarshal, c, sender, handler, noAddr, nil)

	remoteSigner, _, _ := newTestIdentity(t)
	var topic wire.TopicID
	topic[0] = 3
	var missing wire.MessageID
	missing[0] = 9
	now := time.Unix(2000, 0)

	body := wire.AntiEntropyBody{Topic: topic, Fallback: []wire.MessageID{missing}}
	msg, err := remoteSigner.Build(wire.ANTIENTROPY, topic, 0, wire.Epoch(), body)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if err := m.OnAntiEntropy(remoteSigner.PeerID(), msg, now); err != nil {
		t.Fatalf("OnAntiEntropy: %v", err)
	}

	if len(handler.calls) != 1 || len(handler.calls[0].ids) != 1 || handler.calls[0].ids[0] != missing {
		t.Fatalf("expected the fallback id to be routed through the ihave handler, got %+v", handler.calls)
	}
	if handler.calls[0].from != remoteSigner.PeerID() {
		t.Fatalf("expected the claimed ids to be attributed to the sending peer")
	}
}

func TestOnAntiEntropyOpportunisticallyAnnouncesIDsMissingFromPeerSketch(t *testing.T) {
	signer, oracle, unmarshal := newTestIdentity(t)
	c := cache.New(16, time.Hour)
	sender := &fakeSender{}
	m := New(DefaultConfig(), signer, oracle, unmarshal, c, sender, nil, noAddr, nil)

	var topic wire.TopicID
	topic[0] = 4
	var oursOnly wire.MessageID
	oursOnly[0] = 5
	now := time.Unix(3000, 0)
	c.Insert(topic, oursOnly, cache.Cached{Payload: []byte("x"), InsertedAt: now})

	remoteSigner, remoteOracle, remoteUnmarshal := newTestIdentity(t)
	// a manager with an empty cache produces an empty sketch: every bit
	// unset, so Test() reports absence for any id.
	emptyCache := cache.New(16, time.Hour)
	remote := New(DefaultConfig(), remoteSigner, remoteOracle, remoteUnmarshal, emptyCache, &fakeSender{}, nil, noAddr, nil)
	emptyFilter, err := remote.buildSketch(topic, now)
	if err != nil {
		t.Fatalf("buildSketch: %v", err)
	}
	msg, err := remoteSigner.Build(wire.ANTIENTROPY, topic, 0, wire.Epoch(), emptyFilter)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if err := m.OnAntiEntropy(remoteSigner.PeerID(), msg, now); err != nil {
		t.Fatalf("OnAntiEntropy: %v", err)
	}

	if len(sender.sent) != 1 || sender.sent[0].Header.Kind != wire.IHAVE {
		t.Fatalf("expected an opportunistic IHAVE sent, got %+v", sender.sent)
	}
	var ihave wire.IHaveBody
	if err := wire.DecodeBody(sender.sent[0].Body, &ihave); err != nil {
		t.Fatalf("decode ihave: %v", err)
	}
	if len(ihave.IDs) != 1 || ihave.IDs[0] != oursOnly {
		t.Fatalf("expected our locally-held id to be announced, got %+v", ihave.IDs)
	}
}

func TestBuildSketchRespectsWindow(t *testing.T) {
	signer, oracle, unmarshal := newTestIdentity(t)
	c := cache.New(16, time.Hour)
	cfg := DefaultConfig()
	cfg.Window = time.Minute
	m := New(cfg, signer, oracle, unmarshal, c, &fakeSender{}, nil, noAddr, nil)

	var topic wire.TopicID
	base := time.Unix(4000, 0)
	var stale, fresh wire.MessageID
	stale[0], fresh[0] = 1, 2
	c.Insert(topic, stale, cache.Cached{Payload: []byte("x"), InsertedAt: base})
	c.Insert(topic, fresh, cache.Cached{Payload: []byte("y"), InsertedAt: base.Add(50 * time.Second)})

	body, err := m.buildSketch(topic, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("buildSketch: %v", err)
	}
	if len(body.Fallback) != 1 || body.Fallback[0] != fresh {
		t.Fatalf("expected only the within-window id in fallback, got %+v", body.Fallback)
	}
}
