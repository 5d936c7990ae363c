package plumtree

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/duskmesh/overlay/cache"
	"github.com/duskmesh/overlay/crypto"
	"github.com/duskmesh/overlay/wire"
)

// Sender delivers a signed Message to peer (same capability membership and
// swim depend on).
type Sender interface {
	Send(peer wire.PeerID, hint string, msg *wire.Message) error
}

// Disconnector lets Plumtree ask membership to drop a peer whose bad-rate
// has crossed the threshold (spec.md §4.4's failure semantics).
type Disconnector interface {
	Disconnect(peer wire.PeerID, now time.Time)
}

// Manager implements the Plumtree epidemic broadcast tree (spec.md §4.4)
// on top of the message cache (C1).
type Manager struct {
	cfg    Config
	self   wire.PeerID
	signer *wire.Signer
	oracle crypto.Oracle
	unmarshalPub func([]byte) (crypto.PublicKey, error)

	cache        *cache.Cache
	sender       Sender
	disconnector Disconnector
	logger       *logrus.Entry

	addrs func(wire.PeerID) string // resolves a peer's address hint for Send, provided by mesh.Engine

	mu     sync.Mutex
	topics map[wire.TopicID]*topicState
}

// New constructs a Manager. unmarshalPub converts a wire-carried public
// key into the Crypto capability's opaque PublicKey type (spec.md §6.2).
func New(cfg Config, signer *wire.Signer, oracle crypto.Oracle, unmarshalPub func([]byte) (crypto.PublicKey, error), c *cache.Cache, sender Sender, disconnector Disconnector, addrs func(wire.PeerID) string, logger *logrus.Entry) *Manager {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	return &Manager{
		cfg:          cfg,
		self:         signer.PeerID(),
		signer:       signer,
		oracle:       oracle,
		unmarshalPub: unmarshalPub,
		cache:        c,
		sender:       sender,
		disconnector: disconnector,
		addrs:        addrs,
		logger:       logger.WithField("component", "plumtree"),
		topics:       make(map[wire.TopicID]*topicState),
	}
}

func (m *Manager) topic(topic wire.TopicID) *topicState {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.topics[topic]
	if !ok {
		ts = newTopicState()
		m.topics[topic] = ts
	}
	return ts
}

// Subscribe registers local interest in topic, returning a channel of
// deliveries and a cancel function. If this is the first subscription to
// topic, every currently active peer is seeded into eager (spec.md §4.4).
func (m *Manager) Subscribe(topic wire.TopicID, currentActive []wire.PeerID) (<-chan Delivery, func()) {
	m.mu.Lock()
	ts, existed := m.topics[topic]
	if !existed {
		ts = newTopicState()
		m.topics[topic] = ts
		for _, p := range currentActive {
			ts.addPeer(p, true)
		}
	}
	id := ts.nextSinkID
	ts.nextSinkID++
	ch := make(chan Delivery, 256)
	ts.sinks[id] = ch
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if s, ok := m.topics[topic]; ok {
			delete(s.sinks, id)
		}
	}
	return ch, cancel
}

// TopicPeers returns a snapshot of topic's eager and lazy sets, for the
// subscription API's topic_peers() (spec.md §6.4).
func (m *Manager) TopicPeers(topic wire.TopicID) (eager, lazy []wire.PeerID) {
	ts := m.topic(topic)
	m.mu.Lock()
	defer m.mu.Unlock()
	for p := range ts.eager {
		eager = append(eager, p)
	}
	for p := range ts.lazy {
		lazy = append(lazy, p)
	}
	return eager, lazy
}

// OnPeerActive seeds a newly active peer into every known topic's lazy set
// (new arrivals default to lazy, spec.md §4.4).
func (m *Manager) OnPeerActive(peer wire.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ts := range m.topics {
		ts.addPeer(peer, false)
	}
}

// OnPeerRemoved drops peer from every topic's eager/lazy sets (Dead or
// disconnected, spec.md §4.4's state machine).
func (m *Manager) OnPeerRemoved(peer wire.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ts := range m.topics {
		ts.removePeer(peer)
	}
}

// Publish signs, caches, and disseminates a new message on topic,
// returning its MessageId (spec.md §4.4 publish).
func (m *Manager) Publish(topic wire.TopicID, payload []byte, now time.Time) (wire.MessageID, error) {
	ts := m.topic(topic)
	epoch := wire.Epoch()

	msg, err := m.signer.Build(wire.EAGER, topic, 0, epoch, wire.EagerBody{Payload: payload})
	if err != nil {
		return wire.MessageID{}, fmt.Errorf("plumtree: build eager: %w", err)
	}

	m.mu.Lock()
	m.cache.InsertMessage(topic, msg.Header.MsgID, msg, payload, now)
	ts.pendingIHave = append(ts.pendingIHave, msg.Header.MsgID)
	ts.deliver(m.self, payload)
	eagerPeers := make([]wire.PeerID, 0, len(ts.eager))
	for p := range ts.eager {
		eagerPeers = append(eagerPeers, p)
	}
	m.mu.Unlock()

	for _, p := range eagerPeers {
		m.sendEager(p, msg)
	}
	return msg.Header.MsgID, nil
}

func (m *Manager) sendEager(peer wire.PeerID, msg *wire.Message) {
	if err := m.sender.Send(peer, m.addrs(peer), msg); err != nil {
		m.logger.WithError(err).WithField("peer", peer).Debug("eager forward failed")
	}
}

func (m *Manager) score(ts *topicState, peer wire.PeerID, delta float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pm := ts.meta(peer)
	pm.score += delta
}

func (m *Manager) epochInWindow(epoch uint64, now time.Time) bool {
	t := time.Unix(int64(epoch), 0)
	if t.Before(now.Add(-m.cfg.EpochPast)) {
		return false
	}
	if t.After(now.Add(m.cfg.EpochFuture)) {
		return false
	}
	return true
}

// OnEager handles an inbound EAGER frame (spec.md §4.4): verifies
// signature and msg_id integrity, enforces TTL and payload/epoch bounds,
// and either PRUNEs a duplicate sender or delivers+forwards a fresh one.
func (m *Manager) OnEager(from wire.PeerID, msg *wire.Message, now time.Time) error {
	ts := m.topic(msg.Header.Topic)

	if err := wire.Verify(m.oracle, m.unmarshalPub, msg); err != nil {
		m.penalizeInvalid(ts, from, now)
		return fmt.Errorf("plumtree: verify: %w", err)
	}

	var body wire.EagerBody
	if err := wire.DecodeBody(msg.Body, &body); err != nil {
		m.penalizeInvalid(ts, from, now)
		return fmt.Errorf("plumtree: decode eager body: %w", err)
	}

	m.mu.Lock()
	ts.meta(from).recordEvent(now, false, m.cfg.BadRateWindow)
	m.mu.Unlock()

	if len(body.Payload) > m.cfg.MaxPayload {
		m.score(ts, from, -5)
		return fmt.Errorf("plumtree: oversize payload from %v", from)
	}

	if !m.epochInWindow(msg.Epoch, now) {
		m.score(ts, from, -1)
		return fmt.Errorf("plumtree: epoch out of window from %v", from)
	}

	if msg.Header.Hop > m.cfg.TTLMax {
		return nil
	}

	res := m.cache.InsertMessage(msg.Header.Topic, msg.Header.MsgID, msg, body.Payload, now)

	m.mu.Lock()
	if res == cache.Duplicate {
		ts.moveToLazy(from)
		m.mu.Unlock()
		m.score(ts, from, -1)
		return nil
	}

	ts.deliver(from, body.Payload)
	ts.pendingIHave = append(ts.pendingIHave, msg.Header.MsgID)
	delete(ts.outstanding, msg.Header.MsgID)
	forwardTo := make([]wire.PeerID, 0, len(ts.eager))
	for p := range ts.eager {
		if p != from {
			forwardTo = append(forwardTo, p)
		}
	}
	m.mu.Unlock()
	m.score(ts, from, 1)

	fwd := *msg
	fwd.Header.Hop++
	for _, p := range forwardTo {
		m.sendEager(p, &fwd)
	}
	return nil
}

func (m *Manager) penalizeInvalid(ts *topicState, from wire.PeerID, now time.Time) {
	m.mu.Lock()
	pm := ts.meta(from)
	pm.recordEvent(now, true, m.cfg.BadRateWindow)
	pm.score -= 5
	rate, total := pm.badRate(now, m.cfg.BadRateWindow)
	shouldDemote := pm.score < m.cfg.ScoreMin || (total >= 10 && rate > m.cfg.BadRate)
	if shouldDemote {
		ts.moveToLazy(from)
	}
	m.mu.Unlock()

	if shouldDemote && total >= 10 && rate > m.cfg.BadRate && m.disconnector != nil {
		m.disconnector.Disconnect(from, now)
	}
}

// OnIHave requests unseen ids from from, deduping against C1 and already
// outstanding requests (spec.md §4.4).
func (m *Manager) OnIHave(topic wire.TopicID, from wire.PeerID, ids []wire.MessageID, now time.Time) {
	ts := m.topic(topic)

	var want []wire.MessageID
	m.mu.Lock()
	for _, id := range ids {
		srcs := ts.ihaveSources[id]
		if len(srcs) >= 4 {
			srcs = srcs[1:]
		}
		ts.ihaveSources[id] = append(srcs, from)

		if m.cache.Contains(topic, id) {
			continue
		}
		if _, pending := ts.outstanding[id]; pending {
			continue
		}
		ts.outstanding[id] = iwantRecord{from: from, askedAt: now}
		want = append(want, id)
	}
	m.mu.Unlock()

	if len(want) == 0 {
		return
	}
	msg, err := m.signer.Build(wire.IWANT, topic, 0, wire.Epoch(), wire.IWantBody{IDs: want})
	if err != nil {
		m.logger.WithError(err).Warn("failed to build IWANT")
		return
	}
	if err := m.sender.Send(from, m.addrs(from), msg); err != nil {
		m.logger.WithError(err).WithField("peer", from).Debug("iwant send failed")
	}
}

// OnIWant serves cached payloads to from and GRAFTs it into eager (spec.md
// §4.4).
func (m *Manager) OnIWant(topic wire.TopicID, from wire.PeerID, ids []wire.MessageID) {
	ts := m.topic(topic)
	for _, id := range ids {
		cached, ok := m.cache.Get(topic, id)
		if !ok {
			m.logger.WithField("msg_id", id).Debug("iwant for evicted message, no-op")
			continue
		}

		// Forwarded verbatim as originally signed: re-signing under this
		// node's own identity would change msg_id (it is derived from the
		// signer_peer_id) and break cache-key agreement with every peer
		// that already holds the message under its original id.
		msg, err := cached.Message()
		if err != nil {
			m.logger.WithError(err).Warn("failed to reconstruct cached message for iwant reply")
			continue
		}

		if err := m.sender.Send(from, m.addrs(from), msg); err != nil {
			m.logger.WithError(err).WithField("peer", from).Debug("iwant reply send failed")
			continue
		}

		m.mu.Lock()
		ts.moveToEager(from)
		m.mu.Unlock()
	}
}

// IWantRetryTick reissues outstanding IWANTs that have timed out to a
// different known source, and forgets ones that have exceeded
// IWANT_GIVE_UP (spec.md §4.4).
func (m *Manager) IWantRetryTick(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for topic, ts := range m.topics {
		for id, rec := range ts.outstanding {
			if m.cache.Contains(topic, id) {
				delete(ts.outstanding, id)
				continue
			}
			age := now.Sub(rec.askedAt)
			if age < m.cfg.IWantTimeout {
				continue
			}
			if age > m.cfg.IWantGiveUp {
				delete(ts.outstanding, id)
				continue
			}

			var next wire.PeerID
			found := false
			for _, src := range ts.ihaveSources[id] {
				if src != rec.from {
					next, found = src, true
					break
				}
			}
			if !found {
				continue
			}
			ts.outstanding[id] = iwantRecord{from: next, askedAt: now}
			go m.reissueIWant(topic, next, id)
		}
	}
}

func (m *Manager) reissueIWant(topic wire.TopicID, peer wire.PeerID, id wire.MessageID) {
	msg, err := m.signer.Build(wire.IWANT, topic, 0, wire.Epoch(), wire.IWantBody{IDs: []wire.MessageID{id}})
	if err != nil {
		return
	}
	if err := m.sender.Send(peer, m.addrs(peer), msg); err != nil {
		m.logger.WithError(err).WithField("peer", peer).Debug("iwant reissue failed")
	}
}

// FlushPendingIHave drains each topic's pending IHAVE queue to every lazy
// peer (spec.md §4.4, IHAVE_FLUSH).
func (m *Manager) FlushPendingIHave() {
	type batch struct {
		topic wire.TopicID
		ids   []wire.MessageID
		lazy  []wire.PeerID
	}
	var batches []batch

	m.mu.Lock()
	for topic, ts := range m.topics {
		if len(ts.pendingIHave) == 0 {
			continue
		}
		n := len(ts.pendingIHave)
		if n > m.cfg.IHaveBatchMax {
			n = m.cfg.IHaveBatchMax
		}
		ids := ts.pendingIHave[:n]
		ts.pendingIHave = ts.pendingIHave[n:]

		lazy := make([]wire.PeerID, 0, len(ts.lazy))
		for p := range ts.lazy {
			lazy = append(lazy, p)
		}
		batches = append(batches, batch{topic: topic, ids: append([]wire.MessageID(nil), ids...), lazy: lazy})
	}
	m.mu.Unlock()

	for _, b := range batches {
		msg, err := m.signer.Build(wire.IHAVE, b.topic, 0, wire.Epoch(), wire.IHaveBody{IDs: b.ids})
		if err != nil {
			continue
		}
		for _, p := range b.lazy {
			if err := m.sender.Send(p, m.addrs(p), msg); err != nil {
				m.logger.WithError(err).WithField("peer", p).Debug("ihave flush send failed")
			}
		}
	}
}

// DegreeTick rebalances eager/lazy membership toward EAGER_TARGET,
// demoting the worst-scoring excess eager peers when over EAGER_MAX
// (spec.md §4.4).
func (m *Manager) DegreeTick() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ts := range m.topics {
		if len(ts.eager) < m.cfg.EagerMin {
			need := m.cfg.EagerTarget - len(ts.eager)
			for peer := range ts.lazy {
				if need <= 0 {
					break
				}
				if ts.meta(peer).score < m.cfg.ScoreMin {
					continue
				}
				ts.moveToEager(peer)
				need--
			}
		}

		if len(ts.eager) > m.cfg.EagerMax {
			excess := len(ts.eager) - m.cfg.EagerMax
			worst := make([]wire.PeerID, 0, len(ts.eager))
			for p := range ts.eager {
				worst = append(worst, p)
			}
			// simple worst-score-first selection; ties broken by map order.
			for i := 0; i < len(worst) && excess > 0; i++ {
				for j := i + 1; j < len(worst); j++ {
					if ts.meta(worst[j]).score < ts.meta(worst[i]).score {
						worst[i], worst[j] = worst[j], worst[i]
					}
				}
				ts.moveToLazy(worst[i])
				excess--
			}
		}
	}
}

// CacheSweepTick sweeps every topic's message cache (spec.md §4.4,
// CACHE_SWEEP).
func (m *Manager) CacheSweepTick(now time.Time) {
	m.cache.SweepAll(now)
}
