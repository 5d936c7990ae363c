package membership

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/duskmesh/overlay/wire"
)

// Sender delivers a signed Message to peer, dialing hint if no session is
// currently open. It is the only network-facing capability membership
// depends on, mirroring the capability-injection style used throughout
// this module for Transport and Crypto (spec.md §6.1, §6.2) so membership
// itself never touches a socket.
type Sender interface {
	Send(peer wire.PeerID, hint string, msg *wire.Message) error
}

// Manager implements HyParView membership (spec.md §4.2). All mutation
// happens on the caller's goroutine. mesh.Engine calls it from its
// per-stream receive loops and its background ticks concurrently, with no
// single membership inbox; the view's mutex serializes each view
// operation and mu guards the parse-error bookkeeping.
type Manager struct {
	cfg      Config
	self     wire.PeerID
	selfAddr string

	v      *view
	signer *wire.Signer
	sender Sender
	logger *logrus.Entry

	mu         sync.Mutex
	parseErrs  map[wire.PeerID][]time.Time
	events     chan Event
}

// NewManager constructs a Manager for one local identity.
func NewManager(cfg Config, selfAddr string, signer *wire.Signer, sender Sender, logger *logrus.Entry) *Manager {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	self := signer.PeerID()
	return &Manager{
		cfg:       cfg,
		self:      self,
		selfAddr:  selfAddr,
		v:         newView(self),
		signer:    signer,
		sender:    sender,
		logger:    logger.WithField("component", "membership"),
		parseErrs: make(map[wire.PeerID][]time.Time),
		events:    make(chan Event, 256),
	}
}

// Events surfaces active-view transitions for SWIM and Plumtree to
// subscribe to.
func (m *Manager) Events() <-chan Event { return m.events }

func (m *Manager) emit(kind EventKind, peer wire.PeerID) {
	select {
	case m.events <- Event{Kind: kind, Peer: peer}:
	default:
		m.logger.Warn("event channel full, dropping membership event")
	}
}

// Self returns the local peer id.
func (m *Manager) Self() wire.PeerID { return m.self }

// Join attempts to enter the network via one or more seeds (spec.md
// §4.2). The caller is expected to have already established (or be able
// to lazily establish, via Sender) a session to each seed; join completes
// locally as soon as at least one seed is optimistically placed in the
// active view, mirroring HyParView's "active as soon as dialed" model.
func (m *Manager) Join(now time.Time, seeds []wire.PeerHint) error {
	if len(seeds) == 0 {
		return fmt.Errorf("membership: join requires at least one seed")
	}

	joined := false
	var lastErr error
	for _, seed := range seeds {
		if seed.ID == m.self {
			continue
		}
		if evicted, didEvict := m.v.addActive(seed.ID, seed.Addr, now, m.cfg); didEvict {
			m.sendDisconnect(evicted, now)
		}

		msg, err := m.signer.Build(wire.JOIN, wire.TopicID{}, 0, wire.Epoch(), wire.JoinBody{Addr: m.selfAddr})
		if err != nil {
			m.logger.WithError(err).Warn("failed to build JOIN")
			continue
		}
		if err := m.sender.Send(seed.ID, seed.Addr, msg); err != nil {
			m.logger.WithError(err).WithField("seed", seed.ID).Warn("failed to send JOIN")
			lastErr = err
			continue
		}
		m.emit(PeerActivated, seed.ID)
		joined = true
	}

	if !joined {
		if lastErr != nil {
			return fmt.Errorf("membership: join failed against all seeds: %w", lastErr)
		}
		return fmt.Errorf("membership: join failed against all seeds")
	}
	return nil
}

// OnMessage dispatches one inbound membership-kind message from peer.
func (m *Manager) OnMessage(from wire.PeerID, msg *wire.Message, now time.Time) error {
	switch msg.Header.Kind {
	case wire.JOIN:
		var body wire.JoinBody
		if err := wire.DecodeBody(msg.Body, &body); err != nil {
			return m.badFrame(from, now, err)
		}
		return m.onJoin(from, body, now)

	case wire.FWD_JOIN:
		var body wire.FwdJoinBody
		if err := wire.DecodeBody(msg.Body, &body); err != nil {
			return m.badFrame(from, now, err)
		}
		return m.onFwdJoin(from, body, now)

	case wire.SHUFFLE:
		var body wire.ShuffleBody
		if err := wire.DecodeBody(msg.Body, &body); err != nil {
			return m.badFrame(from, now, err)
		}
		return m.onShuffle(from, body, now)

	case wire.SHUFFLE_REPLY:
		var body wire.ShuffleReplyBody
		if err := wire.DecodeBody(msg.Body, &body); err != nil {
			return m.badFrame(from, now, err)
		}
		return m.onShuffleReply(body, now)

	case wire.DISCONNECT:
		m.v.disconnect(from, now, m.cfg)
		m.emit(PeerDeactivated, from)
		return nil

	default:
		return fmt.Errorf("membership: unhandled kind %s", msg.Header.Kind)
	}
}

func (m *Manager) onJoin(from wire.PeerID, body wire.JoinBody, now time.Time) error {
	if evicted, did := m.v.addActive(from, body.Addr, now, m.cfg); did {
		m.sendDisconnect(evicted, now)
		m.emit(PeerDeactivated, evicted)
	}
	m.emit(PeerActivated, from)

	fwd := wire.FwdJoinBody{Joiner: from, Addr: body.Addr, TTL: m.cfg.ActiveRWL}
	for _, e := range m.v.activeSnapshot() {
		if e.Peer == from {
			continue
		}
		msg, err := m.signer.Build(wire.FWD_JOIN, wire.TopicID{}, 0, wire.Epoch(), fwd)
		if err != nil {
			continue
		}
		if err := m.sender.Send(e.Peer, e.Addr, msg); err != nil {
			m.logger.WithError(err).WithField("peer", e.Peer).Debug("forward join failed")
		}
	}
	return nil
}

func (m *Manager) onFwdJoin(from wire.PeerID, body wire.FwdJoinBody, now time.Time) error {
	if body.Joiner == m.self {
		return nil
	}

	full := m.v.activeLen() >= m.cfg.ActiveMax
	if body.TTL <= m.cfg.PassiveRWL || full {
		m.v.insertPassive(body.Joiner, body.Addr, now, m.cfg)
		return nil
	}

	candidates := m.v.activeSnapshot()
	var target *Entry
	for i := range candidates {
		if candidates[i].Peer != from && candidates[i].Peer != body.Joiner {
			target = &candidates[i]
			break
		}
	}
	if target == nil {
		m.v.insertPassive(body.Joiner, body.Addr, now, m.cfg)
		return nil
	}

	fwd := wire.FwdJoinBody{Joiner: body.Joiner, Addr: body.Addr, TTL: body.TTL - 1}
	msg, err := m.signer.Build(wire.FWD_JOIN, wire.TopicID{}, 0, wire.Epoch(), fwd)
	if err != nil {
		return err
	}
	return m.sender.Send(target.Peer, target.Addr, msg)
}

func (m *Manager) onShuffle(from wire.PeerID, body wire.ShuffleBody, now time.Time) error {
	excl := map[wire.PeerID]bool{m.self: true, from: true}
	for _, h := range body.Exchange {
		excl[h.ID] = true
	}

	if body.TTL == 0 || m.v.activeLen() == 0 {
		for _, h := range body.Exchange {
			m.v.insertPassive(h.ID, h.Addr, now, m.cfg)
		}
		sample := sampleExcluding(m.v.passiveSnapshot(), excl, len(body.Exchange))
		reply := wire.ShuffleReplyBody{Sample: sample}
		msg, err := m.signer.Build(wire.SHUFFLE_REPLY, wire.TopicID{}, 0, wire.Epoch(), reply)
		if err != nil {
			return err
		}
		return m.sender.Send(from, "", msg)
	}

	candidates := m.v.activeSnapshot()
	for _, c := range candidates {
		if c.Peer == from {
			continue
		}
		fwd := wire.ShuffleBody{Exchange: body.Exchange, TTL: body.TTL - 1}
		msg, err := m.signer.Build(wire.SHUFFLE, wire.TopicID{}, 0, wire.Epoch(), fwd)
		if err != nil {
			return err
		}
		return m.sender.Send(c.Peer, c.Addr, msg)
	}

	for _, h := range body.Exchange {
		m.v.insertPassive(h.ID, h.Addr, now, m.cfg)
	}
	return nil
}

func (m *Manager) onShuffleReply(body wire.ShuffleReplyBody, now time.Time) error {
	for _, h := range body.Sample {
		m.v.insertPassive(h.ID, h.Addr, now, m.cfg)
	}
	return nil
}

// ShuffleTick runs one periodic shuffle round (spec.md §4.2, SHUFFLE_PERIOD).
func (m *Manager) ShuffleTick(now time.Time) {
	actives := m.v.activeSnapshot()
	if len(actives) == 0 {
		return
	}
	target := actives[0]
	for _, e := range actives {
		if e.Peer != m.self {
			target = e
			break
		}
	}

	excl := map[wire.PeerID]bool{m.self: true, target.Peer: true}
	activeSample := sampleExcluding(actives, excl, m.cfg.ShuffleKA)
	passiveSample := sampleExcluding(m.v.passiveSnapshot(), excl, m.cfg.ShuffleKP)
	exchange := append(activeSample, passiveSample...)
	if len(exchange) == 0 {
		return
	}

	msg, err := m.signer.Build(wire.SHUFFLE, wire.TopicID{}, 0, wire.Epoch(), wire.ShuffleBody{Exchange: exchange, TTL: m.cfg.ShuffleTTL})
	if err != nil {
		m.logger.WithError(err).Warn("failed to build SHUFFLE")
		return
	}
	if err := m.sender.Send(target.Peer, target.Addr, msg); err != nil {
		m.logger.WithError(err).WithField("peer", target.Peer).Debug("shuffle send failed")
	}
}

// ActiveView returns a read-only snapshot of the active view.
func (m *Manager) ActiveView() []Entry { return m.v.activeSnapshot() }

// PassiveView returns a read-only snapshot of the passive view.
func (m *Manager) PassiveView() []Entry { return m.v.passiveSnapshot() }

// SeedPassive inserts peer directly into the passive view without a
// handshake, for reloading a persisted peer cache on start (spec.md §6.5).
func (m *Manager) SeedPassive(peer wire.PeerID, addr string, now time.Time) {
	m.v.insertPassive(peer, addr, now, m.cfg)
}

// Disconnect politely removes peer from the active view (spec.md §4.2).
func (m *Manager) Disconnect(peer wire.PeerID, now time.Time) {
	m.sendDisconnect(peer, now)
	m.v.disconnect(peer, now, m.cfg)
	m.emit(PeerDeactivated, peer)
}

func (m *Manager) sendDisconnect(peer wire.PeerID, now time.Time) {
	msg, err := m.signer.Build(wire.DISCONNECT, wire.TopicID{}, 0, wire.Epoch(), wire.DisconnectBody{})
	if err != nil {
		return
	}
	if err := m.sender.Send(peer, "", msg); err != nil {
		m.logger.WithError(err).WithField("peer", peer).Debug("disconnect send failed")
	}
}

// MarkDead removes peer from every view and starts its re-acquaintance
// cool-off, per SWIM's Dead classification policy (spec.md §4.3).
func (m *Manager) MarkDead(peer wire.PeerID, now time.Time) {
	m.v.markDead(peer, now, m.cfg)
	m.emit(PeerDeactivated, peer)
}

// NeedsPromotion reports whether the active view has dipped below
// ACTIVE_MIN.
func (m *Manager) NeedsPromotion() bool {
	return m.v.activeLen() < m.cfg.ActiveMin
}

// PickPromotionCandidate selects a random passive peer not currently
// cooling off from a failed promotion attempt.
func (m *Manager) PickPromotionCandidate(now time.Time) (Entry, bool) {
	return m.v.randomPassive(map[wire.PeerID]bool{m.self: true}, now)
}

// ConfirmPromotion finalizes a successful promotion (spec.md §4.2).
func (m *Manager) ConfirmPromotion(peer wire.PeerID, now time.Time) {
	if m.v.promote(peer, now) {
		m.emit(PeerActivated, peer)
	}
}

// MarkPromotionFailed records that peer could not be reached within
// PROMOTE_TIMEOUT, so it is skipped for TriedCooldown.
func (m *Manager) MarkPromotionFailed(peer wire.PeerID, now time.Time) {
	m.v.markTried(peer, now, m.cfg)
}

// NoteParseError records a malformed-frame event from peer and reports
// whether the per-peer rate has crossed ParseErrMax within ParseErrWindow
// (spec.md §4.2's failure semantics).
func (m *Manager) NoteParseError(peer wire.PeerID, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-m.cfg.ParseErrWindow)
	kept := m.parseErrs[peer][:0]
	for _, ts := range m.parseErrs[peer] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	m.parseErrs[peer] = kept

	return len(kept) > m.cfg.ParseErrMax
}

func (m *Manager) badFrame(from wire.PeerID, now time.Time, err error) error {
	m.NoteParseError(from, now)
	return fmt.Errorf("membership: malformed frame from %v: %w", from, err)
}
