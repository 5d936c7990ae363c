package swim

import (
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/duskmesh/overlay/wire"
)

// Sender delivers a signed Message to peer (same capability membership
// depends on; see membership.Sender).
type Sender interface {
	Send(peer wire.PeerID, hint string, msg *wire.Message) error
}

type probeKind int

const (
	direct probeKind = iota
	indirect
)

type pendingProbe struct {
	target  wire.PeerID
	kind    probeKind
	sentAt  time.Time
	relayed map[wire.PeerID]bool // peers asked to relay, for indirect probes
}

// Manager implements SWIM failure detection (spec.md §4.3) over the set of
// peers membership has told it to Track.
type Manager struct {
	cfg    Config
	self   wire.PeerID
	signer *wire.Signer
	sender Sender
	logger *logrus.Entry

	mu      sync.Mutex
	peers   map[wire.PeerID]*peerState
	order   []wire.PeerID // round-robin probe order
	rrNext  int
	pending map[uint64]*pendingProbe
	relayOf map[uint64]wire.PeerID // nonce -> original requester, for peers acting as indirect relay
	nonces  uint64

	// deltaSeq/lastApplied implement idempotent piggybacked-delta gossip
	// keyed by (peer, logical timestamp), latest-timestamp-wins.
	deltaSeq    uint64
	lastApplied map[wire.PeerID]uint64

	deadC chan wire.PeerID
}

// NewManager constructs a Manager for one local identity.
func NewManager(cfg Config, signer *wire.Signer, sender Sender, logger *logrus.Entry) *Manager {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	return &Manager{
		cfg:         cfg,
		self:        signer.PeerID(),
		signer:      signer,
		sender:      sender,
		logger:      logger.WithField("component", "swim"),
		peers:       make(map[wire.PeerID]*peerState),
		pending:     make(map[uint64]*pendingProbe),
		relayOf:     make(map[uint64]wire.PeerID),
		lastApplied: make(map[wire.PeerID]uint64),
		deadC:       make(chan wire.PeerID, 64),
	}
}

// DeadEvents surfaces peers this detector has classified Dead, for
// membership to remove from the active view.
func (m *Manager) DeadEvents() <-chan wire.PeerID { return m.deadC }

// Track begins probing peer at addr.
func (m *Manager) Track(peer wire.PeerID, addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.peers[peer]; ok {
		return
	}
	m.peers[peer] = newPeerState(addr)
	m.order = append(m.order, peer)
}

// Untrack stops probing peer, e.g. once membership has disconnected it.
func (m *Manager) Untrack(peer wire.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, peer)
	for i, p := range m.order {
		if p == peer {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// StateOf returns the current liveness of a tracked peer.
func (m *Manager) StateOf(peer wire.PeerID) (Liveness, bool) {
	m.mu.Lock()
	ps, ok := m.peers[peer]
	m.mu.Unlock()
	if !ok {
		return Alive, false
	}
	return ps.get(), true
}

// Touch marks peer Alive on receipt of any valid authenticated message
// (spec.md §4.3: "any received evidence of life"), reviving it out of
// Suspect if necessary.
func (m *Manager) Touch(peer wire.PeerID) {
	m.mu.Lock()
	ps, ok := m.peers[peer]
	m.mu.Unlock()
	if ok {
		ps.setAlive()
	}
}

func (m *Manager) nextNonce() uint64 {
	m.nonces++
	return m.nonces
}

// ProbeTick drives one round of direct probing, and evaluates every
// outstanding pending probe / Suspect peer for timeout (spec.md §4.3,
// steps 1-5). It is expected to be called every PROBE_PERIOD.
func (m *Manager) ProbeTick(now time.Time) {
	m.checkPendingTimeouts(now)
	m.checkSuspectTimeouts(now)
	m.sendNextDirectProbe(now)
}

func (m *Manager) sendNextDirectProbe(now time.Time) {
	m.mu.Lock()
	if len(m.order) == 0 {
		m.mu.Unlock()
		return
	}
	start := m.rrNext
	var target wire.PeerID
	found := false
	for i := 0; i < len(m.order); i++ {
		idx := (start + i) % len(m.order)
		candidate := m.order[idx]
		ps := m.peers[candidate]
		if ps == nil || ps.get() == Dead {
			continue
		}
		target = candidate
		found = true
		m.rrNext = (idx + 1) % len(m.order)
		break
	}
	if !found {
		m.mu.Unlock()
		return
	}
	addr := m.peers[target].addr
	nonce := m.nextNonce()
	m.pending[nonce] = &pendingProbe{target: target, kind: direct, sentAt: now}
	m.mu.Unlock()

	msg, err := m.signer.Build(wire.PING, wire.TopicID{}, 0, wire.Epoch(), wire.PingBody{Nonce: nonce, Deltas: m.drainDeltas()})
	if err != nil {
		m.logger.WithError(err).Warn("failed to build PING")
		return
	}
	if err := m.sender.Send(target, addr, msg); err != nil {
		m.logger.WithError(err).WithField("peer", target).Debug("probe send failed")
	}
}

// checkPendingTimeouts escalates a timed-out direct probe to indirect, and
// gives up on a timed-out indirect probe by transitioning its target to
// Suspect.
func (m *Manager) checkPendingTimeouts(now time.Time) {
	m.mu.Lock()
	type escalation struct {
		nonce  uint64
		target wire.PeerID
		addr   string
	}
	var toEscalate []escalation
	var toSuspect []wire.PeerID

	for nonce, p := range m.pending {
		switch p.kind {
		case direct:
			if now.Sub(p.sentAt) >= m.cfg.ProbeTimeout {
				toEscalate = append(toEscalate, escalation{nonce: nonce, target: p.target, addr: m.addrOf(p.target)})
			}
		case indirect:
			if now.Sub(p.sentAt) >= m.cfg.IndirectTimeout {
				toSuspect = append(toSuspect, p.target)
				delete(m.pending, nonce)
			}
		}
	}
	for _, e := range toEscalate {
		delete(m.pending, e.nonce)
	}
	m.mu.Unlock()

	for _, e := range toEscalate {
		m.escalateToIndirect(e.target, e.addr, now)
	}
	for _, target := range toSuspect {
		m.transitionSuspect(target, now)
	}
}

func (m *Manager) addrOf(peer wire.PeerID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ps, ok := m.peers[peer]; ok {
		return ps.addr
	}
	return ""
}

func (m *Manager) escalateToIndirect(target wire.PeerID, targetAddr string, now time.Time) {
	relays := m.pickIndirectRelays(target, m.cfg.IndirectK)
	if len(relays) == 0 {
		m.transitionSuspect(target, now)
		return
	}

	nonce := m.nextNonce()
	m.mu.Lock()
	m.pending[nonce] = &pendingProbe{target: target, kind: indirect, sentAt: now}
	m.mu.Unlock()

	for _, r := range relays {
		msg, err := m.signer.Build(wire.PING_REQ, wire.TopicID{}, 0, wire.Epoch(), wire.PingReqBody{Target: target, Nonce: nonce})
		if err != nil {
			continue
		}
		if err := m.sender.Send(r.id, r.addr, msg); err != nil {
			m.logger.WithError(err).WithField("relay", r.id).Debug("ping_req send failed")
		}
	}
}

type relayPeer struct {
	id   wire.PeerID
	addr string
}

func (m *Manager) pickIndirectRelays(exclude wire.PeerID, k int) []relayPeer {
	m.mu.Lock()
	defer m.mu.Unlock()
	pool := make([]relayPeer, 0, len(m.peers))
	for id, ps := range m.peers {
		if id == exclude || id == m.self || ps.get() != Alive {
			continue
		}
		pool = append(pool, relayPeer{id: id, addr: ps.addr})
	}
	rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if k > len(pool) {
		k = len(pool)
	}
	return pool[:k]
}

func (m *Manager) transitionSuspect(target wire.PeerID, now time.Time) {
	m.mu.Lock()
	ps, ok := m.peers[target]
	m.mu.Unlock()
	if !ok {
		return
	}
	ps.setSuspect(now)
}

func (m *Manager) checkSuspectTimeouts(now time.Time) {
	m.mu.Lock()
	var dead []wire.PeerID
	for id, ps := range m.peers {
		if ps.get() == Suspect && ps.suspectDuration(now) > m.cfg.SuspectTimeout {
			ps.setDead()
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		delete(m.peers, id)
		for i, p := range m.order {
			if p == id {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()

	for _, id := range dead {
		select {
		case m.deadC <- id:
		default:
			m.logger.Warn("dead-event channel full, dropping event")
		}
	}
}

// OnPing answers a direct probe with an ACK, reviving the sender to Alive.
func (m *Manager) OnPing(fromPeer wire.PeerID, body wire.PingBody, now time.Time) (*wire.Message, error) {
	m.Touch(fromPeer)
	m.applyDeltas(body.Deltas, now)
	return m.signer.Build(wire.ACK, wire.TopicID{}, 0, wire.Epoch(), wire.AckBody{Nonce: body.Nonce, Deltas: m.drainDeltas()})
}

// OnPingReq relays a probe to body.Target on behalf of fromPeer, so the
// relay can forward the target's ACK back once it arrives.
func (m *Manager) OnPingReq(fromPeer wire.PeerID, body wire.PingReqBody) error {
	addr := m.addrOf(body.Target)
	m.mu.Lock()
	m.relayOf[body.Nonce] = fromPeer
	m.mu.Unlock()

	msg, err := m.signer.Build(wire.PING, wire.TopicID{}, 0, wire.Epoch(), wire.PingBody{Nonce: body.Nonce})
	if err != nil {
		return err
	}
	return m.sender.Send(body.Target, addr, msg)
}

// OnAck processes an ACK from fromPeer: if it matches a pending probe this
// node originated, the target is marked Alive; if it matches a relay this
// node is servicing on another peer's behalf, the ACK is forwarded on.
func (m *Manager) OnAck(fromPeer wire.PeerID, body wire.AckBody, now time.Time) error {
	m.Touch(fromPeer)
	m.applyDeltas(body.Deltas, now)

	m.mu.Lock()
	if p, ok := m.pending[body.Nonce]; ok {
		delete(m.pending, body.Nonce)
		m.mu.Unlock()
		// For a direct probe fromPeer is p.target; for an indirect probe
		// fromPeer is the relay that forwarded the target's ACK back, so
		// p.target (not fromPeer) is the peer this clears suspicion for.
		m.Touch(p.target)
		return nil
	}
	requester, isRelay := m.relayOf[body.Nonce]
	if isRelay {
		delete(m.relayOf, body.Nonce)
	}
	m.mu.Unlock()

	if !isRelay {
		return nil
	}

	addr := m.addrOf(requester)
	msg, err := m.signer.Build(wire.ACK, wire.TopicID{}, 0, wire.Epoch(), wire.AckBody{Nonce: body.Nonce})
	if err != nil {
		return err
	}
	return m.sender.Send(requester, addr, msg)
}

// applyDeltas applies piggybacked membership deltas idempotently, keyed by
// (peer, timestamp), latest-timestamp-wins (spec.md §4.3).
func (m *Manager) applyDeltas(deltas []wire.MembershipDelta, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range deltas {
		if last, ok := m.lastApplied[d.Peer]; ok && d.Timestamp <= last {
			continue
		}
		m.lastApplied[d.Peer] = d.Timestamp
		if ps, ok := m.peers[d.Peer]; ok {
			switch Liveness(d.State) {
			case Dead:
				ps.setDead()
			case Suspect:
				// d.Timestamp is the sender's logical delta counter, not a
				// wall-clock value; a gossiped Suspect starts this node's own
				// suspect clock running from now, not from the remote's
				// counter.
				ps.setSuspect(now)
			case Alive:
				ps.setAlive()
			}
		}
	}
}

// drainDeltas returns a bounded batch of this node's own recent liveness
// observations to piggyback on the next PING/ACK, per spec.md §4.3.
func (m *Manager) drainDeltas() []wire.MembershipDelta {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]wire.MembershipDelta, 0, m.cfg.MaxDeltas)
	n := 0
	for id, ps := range m.peers {
		if n >= m.cfg.MaxDeltas {
			break
		}
		m.deltaSeq++
		out = append(out, wire.MembershipDelta{Peer: id, State: uint8(ps.get()), Timestamp: m.deltaSeq})
		n++
	}
	return out
}
