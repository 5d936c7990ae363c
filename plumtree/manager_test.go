package plumtree

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

type fakeDisconnector struct {
	disconnected []wire.PeerID
}

func (f *fakeDisconnector) Disconnect(peer wire.PeerID, now time.Time) {
	f.disconnected = append(f.disconnected, peer)
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

func newTestManager(t *testing.T, cfg Config, sender Sender, disconnector Disconnector) (*Manager, *wire.Signer) {
	signer, oracle, unmarshal := newTestIdentity(t)
	c := cache.New(16, time.Hour)
	return New(cfg, signer, oracle, unmarshal, c, sender, disconnector, noAddr, nil), signer
}

// buildRemoteEager signs an EAGER message as if from a distinct remote
// peer, for tests exercising OnEager/OnIWant from the receiving side.
func buildRemoteEager(t *testing.T, topic wire.TopicID, payload []byte, epoch uint64, hop byte) (*wire.Message, wire.PeerID) {
	remoteSigner, _, _ := newTestIdentity(t)
	msg, err := remoteSigner.Build(wire.EAGER, topic, 0, epoch, wire.EagerBody{Payload: payload})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	msg.Header.Hop = hop
	return msg, remoteSigner.PeerID()
}

func TestPublishCachesAndSendsToEagerPeers(t *testing.T) {
	sender := &fakeSender{}
	m, _ := newTestManager(t, DefaultConfig(), sender, nil)

	var topic wire.TopicID
	topic[0] = 1
	var peer wire.PeerID
	peer[0] = 2
	m.Subscribe(topic, nil)
	m.OnPeerActive(peer)
	m.topic(topic).moveToEager(peer)

	now := time.Unix(1000, 0)
	id, err := m.Publish(topic, []byte("hello"), now)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if !m.cache.Contains(topic, id) {
		t.Fatalf("expected published message to be cached")
	}
	if len(sender.sent) != 1 || sender.to[0] != peer {
		t.Fatalf("expected eager send to peer, got %+v / %+v", sender.sent, sender.to)
	}
}

func TestOnEagerFreshDeliversAndForwards(t *testing.T) {
	sender := &fakeSender{}
	m, _ := newTestManager(t, DefaultConfig(), sender, nil)

	var topic wire.TopicID
	topic[0] = 1
	var relay wire.PeerID
	relay[0] = 9
	ch, _ := m.Subscribe(topic, nil)
	m.OnPeerActive(relay)
	m.topic(topic).moveToEager(relay)

	now := time.Unix(2000, 0)
	msg, from := buildRemoteEager(t, topic, []byte("payload"), uint64(now.Unix()), 0)

	if err := m.OnEager(from, msg, now); err != nil {
		t.Fatalf("OnEager: %v", err)
	}

	select {
	case d := <-ch:
		if string(d.Payload) != "payload" || d.Sender != from {
			t.Fatalf("unexpected delivery: %+v", d)
		}
	default:
		t.Fatalf("expected a local delivery")
	}

	if len(sender.sent) != 1 || sender.to[0] != relay {
		t.Fatalf("expected forward to other eager peer, got %+v", sender.to)
	}
	if sender.sent[0].Header.Hop != msg.Header.Hop+1 {
		t.Fatalf("expected forwarded hop to be incremented")
	}
	if !m.cache.Contains(topic, msg.Header.MsgID) {
		t.Fatalf("expected message to be cached after delivery")
	}
}

func TestOnEagerFreshClearsOutstandingIWant(t *testing.T) {
	sender := &fakeSender{}
	m, _ := newTestManager(t, DefaultConfig(), sender, nil)

	var topic wire.TopicID
	topic[0] = 1
	m.Subscribe(topic, nil)

	now := time.Unix(2000, 0)
	msg, from := buildRemoteEager(t, topic, []byte("payload"), uint64(now.Unix()), 0)

	ts := m.topic(topic)
	m.mu.Lock()
	ts.outstanding[msg.Header.MsgID] = iwantRecord{from: from, askedAt: now}
	m.mu.Unlock()

	if err := m.OnEager(from, msg, now); err != nil {
		t.Fatalf("OnEager: %v", err)
	}

	m.mu.Lock()
	_, stillOutstanding := ts.outstanding[msg.Header.MsgID]
	m.mu.Unlock()
	if stillOutstanding {
		t.Fatalf("expected outstanding IWANT to be cleared once the payload arrived")
	}

	// IWantRetryTick must not reissue for an id the cache already holds,
	// even if an outstanding entry somehow survived.
	m.mu.Lock()
	ts.outstanding[msg.Header.MsgID] = iwantRecord{from: from, askedAt: now}
	m.mu.Unlock()
	m.IWantRetryTick(now.Add(m.cfg.IWantTimeout + time.Millisecond))

	m.mu.Lock()
	_, stillOutstanding = ts.outstanding[msg.Header.MsgID]
	m.mu.Unlock()
	if stillOutstanding {
		t.Fatalf("expected IWantRetryTick to drop an outstanding entry already satisfied by the cache")
	}
}

func TestOnEagerDuplicatePrunesSender(t *testing.T) {
	sender := &fakeSender{}
	m, _ := newTestManager(t, DefaultConfig(), sender, nil)

	var topic wire.TopicID
	topic[0] = 1
	m.Subscribe(topic, nil)

	now := time.Unix(2000, 0)
	msg, from := buildRemoteEager(t, topic, []byte("payload"), uint64(now.Unix()), 0)
	m.topic(topic).moveToEager(from)

	if err := m.OnEager(from, msg, now); err != nil {
		t.Fatalf("first OnEager: %v", err)
	}
	if err := m.OnEager(from, msg, now); err != nil {
		t.Fatalf("second OnEager: %v", err)
	}

	ts := m.topic(topic)
	if ts.eager[from] {
		t.Fatalf("expected duplicate sender to be pruned to lazy")
	}
	if !ts.lazy[from] {
		t.Fatalf("expected duplicate sender to land in lazy")
	}
}

func TestOnEagerRejectsOversizePayload(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPayload = 4
	m, _ := newTestManager(t, cfg, &fakeSender{}, nil)

	var topic wire.TopicID
	msg, from := buildRemoteEager(t, topic, []byte("way too big"), wire.Epoch(), 0)

	if err := m.OnEager(from, msg, time.Unix(3000, 0)); err == nil {
		t.Fatalf("expected oversize payload to be rejected")
	}
	if m.cache.Contains(topic, msg.Header.MsgID) {
		t.Fatalf("oversize payload must not be cached")
	}
}

func TestOnEagerRejectsEpochOutOfWindow(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig(), &fakeSender{}, nil)

	var topic wire.TopicID
	staleEpoch := uint64(time.Unix(0, 0).Unix())
	msg, from := buildRemoteEager(t, topic, []byte("old"), staleEpoch, 0)

	if err := m.OnEager(from, msg, time.Unix(100000, 0)); err == nil {
		t.Fatalf("expected stale epoch to be rejected")
	}
}

func TestOnEagerRespectsHopBound(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TTLMax = 2
	m, _ := newTestManager(t, cfg, &fakeSender{}, nil)

	var topic wire.TopicID
	msg, from := buildRemoteEager(t, topic, []byte("far"), 3000, 5)

	if err := m.OnEager(from, msg, time.Unix(3000, 0)); err != nil {
		t.Fatalf("OnEager: %v", err)
	}
	if m.cache.Contains(topic, msg.Header.MsgID) {
		t.Fatalf("message beyond hop bound must not be cached or delivered")
	}
}

func TestOnIHaveRequestsUnseenIDs(t *testing.T) {
	sender := &fakeSender{}
	m, _ := newTestManager(t, DefaultConfig(), sender, nil)

	var topic wire.TopicID
	var from wire.PeerID
	from[0] = 3
	var seen, unseen wire.MessageID
	seen[0], unseen[0] = 1, 2

	now := time.Unix(4000, 0)
	m.cache.Insert(topic, seen, cache.Cached{Payload: []byte("x"), InsertedAt: now})

	m.OnIHave(topic, from, []wire.MessageID{seen, unseen}, now)

	if len(sender.sent) != 1 || sender.sent[0].Header.Kind != wire.IWANT {
		t.Fatalf("expected a single IWANT sent, got %+v", sender.sent)
	}
	var body wire.IWantBody
	if err := wire.DecodeBody(sender.sent[0].Body, &body); err != nil {
		t.Fatalf("decode iwant body: %v", err)
	}
	if len(body.IDs) != 1 || body.IDs[0] != unseen {
		t.Fatalf("expected only the unseen id requested, got %+v", body.IDs)
	}
}

func TestOnIHaveDoesNotReRequestOutstanding(t *testing.T) {
	sender := &fakeSender{}
	m, _ := newTestManager(t, DefaultConfig(), sender, nil)

	var topic wire.TopicID
	var from wire.PeerID
	var id wire.MessageID
	id[0] = 7
	now := time.Unix(4000, 0)

	m.OnIHave(topic, from, []wire.MessageID{id}, now)
	m.OnIHave(topic, from, []wire.MessageID{id}, now.Add(time.Second))

	if len(sender.sent) != 1 {
		t.Fatalf("expected only the first IHAVE to trigger an IWANT, got %d sends", len(sender.sent))
	}
}

func TestOnIWantServesOriginalSignedEnvelopeAndGrafts(t *testing.T) {
	sender := &fakeSender{}
	m, _ := newTestManager(t, DefaultConfig(), sender, nil)

	var topic wire.TopicID
	topic[0] = 1
	now := time.Unix(5000, 0)

	orig, originalSigner := buildRemoteEager(t, topic, []byte("served"), wire.Epoch(), 0)
	m.cache.InsertMessage(topic, orig.Header.MsgID, orig, []byte("served"), now)

	var requester wire.PeerID
	requester[0] = 4
	m.topic(topic).addPeer(requester, false)

	m.OnIWant(topic, requester, []wire.MessageID{orig.Header.MsgID})

	if len(sender.sent) != 1 {
		t.Fatalf("expected one reply sent, got %d", len(sender.sent))
	}
	reply := sender.sent[0]
	if reply.SignerPeerID != originalSigner {
		t.Fatalf("expected reply to carry the original signer's identity, got %v", reply.SignerPeerID)
	}
	if reply.Header.MsgID != orig.Header.MsgID {
		t.Fatalf("expected reply to carry the original msg_id")
	}
	if string(reply.Signature) != string(orig.Signature) {
		t.Fatalf("expected reply to carry the original signature verbatim")
	}

	ts := m.topic(topic)
	if !ts.eager[requester] {
		t.Fatalf("expected requester to be GRAFTed into eager")
	}
}

func TestOnIWantForEvictedMessageIsNoOp(t *testing.T) {
	sender := &fakeSender{}
	m, _ := newTestManager(t, DefaultConfig(), sender, nil)

	var tID wire.TopicID
	var mID wire.MessageID
	mID[0] = 99

	m.OnIWant(tID, wire.PeerID{}, []wire.MessageID{mID})

	if len(sender.sent) != 0 {
		t.Fatalf("expected no reply for an unknown message id")
	}
}

func TestPenalizeInvalidDisconnectsAfterSustainedBadRate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BadRate = 0.1
	cfg.ScoreMin = -1000 // isolate the bad-rate trigger from the score trigger
	disconnector := &fakeDisconnector{}
	m, _ := newTestManager(t, cfg, &fakeSender{}, disconnector)

	var topic wire.TopicID
	topic[0] = 1
	var from wire.PeerID
	from[0] = 5
	ts := m.topic(topic)

	now := time.Unix(6000, 0)
	for i := 0; i < 12; i++ {
		m.penalizeInvalid(ts, from, now.Add(time.Duration(i)*time.Second))
	}

	if len(disconnector.disconnected) == 0 {
		t.Fatalf("expected sustained invalid traffic to trigger a disconnect")
	}
}

func TestDegreeTickPromotesFromLazyWhenBelowMin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EagerMin = 2
	cfg.EagerTarget = 3
	m, _ := newTestManager(t, cfg, &fakeSender{}, nil)

	var topic wire.TopicID
	ts := m.topic(topic)
	for i := byte(1); i <= 5; i++ {
		var p wire.PeerID
		p[0] = i
		ts.addPeer(p, false)
	}

	m.DegreeTick()

	if len(ts.eager) < cfg.EagerMin {
		t.Fatalf("expected DegreeTick to promote peers up to at least EagerMin, got %d", len(ts.eager))
	}
}

func TestDegreeTickDemotesExcessEager(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EagerMax = 2
	m, _ := newTestManager(t, cfg, &fakeSender{}, nil)

	var topic wire.TopicID
	ts := m.topic(topic)
	for i := byte(1); i <= 5; i++ {
		var p wire.PeerID
		p[0] = i
		ts.addPeer(p, true)
	}

	m.DegreeTick()

	if len(ts.eager) > cfg.EagerMax {
		t.Fatalf("expected DegreeTick to cap eager at EagerMax, got %d", len(ts.eager))
	}
}

func TestCacheSweepTickRemovesExpired(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig(), &fakeSender{}, nil)

	var topic wire.TopicID
	var id wire.MessageID
	id[0] = 1
	base := time.Unix(7000, 0)
	m.cache.Insert(topic, id, cache.Cached{Payload: []byte("x"), InsertedAt: base})

	m.CacheSweepTick(base.Add(time.Hour))

	if m.cache.Contains(topic, id) {
		t.Fatalf("expected expired entry to be swept")
	}
}

func TestFlushPendingIHaveSendsToLazyPeers(t *testing.T) {
	sender := &fakeSender{}
	m, _ := newTestManager(t, DefaultConfig(), sender, nil)

	var topic wire.TopicID
	var lazyPeer wire.PeerID
	lazyPeer[0] = 8
	ts := m.topic(topic)
	ts.addPeer(lazyPeer, false)

	var id wire.MessageID
	id[0] = 1
	ts.pendingIHave = append(ts.pendingIHave, id)

	m.FlushPendingIHave()

	if len(sender.sent) != 1 || sender.sent[0].Header.Kind != wire.IHAVE {
		t.Fatalf("expected an IHAVE sent to the lazy peer, got %+v", sender.sent)
	}
	if sender.to[0] != lazyPeer {
		t.Fatalf("expected IHAVE addressed to the lazy peer")
	}
	if len(ts.pendingIHave) != 0 {
		t.Fatalf("expected pending IHAVE queue to be drained")
	}
}
