// Package mesh is the composition root: it wires Transport, Crypto,
// the message cache, and the four protocol managers (membership, swim,
// plumtree, antientropy) behind the single Sender capability each of them
// depends on, and drives every background schedule spec.md §4 and §5
// describe. This mirrors the role babble/src/node/node.go plays for
// babble's consensus engine, generalized from one hardcoded transport and
// state machine to four independent, capability-injected components.
package mesh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/duskmesh/overlay/antientropy"
	"github.com/duskmesh/overlay/cache"
	"github.com/duskmesh/overlay/common"
	"github.com/duskmesh/overlay/config"
	"github.com/duskmesh/overlay/crypto"
	"github.com/duskmesh/overlay/membership"
	"github.com/duskmesh/overlay/plumtree"
	"github.com/duskmesh/overlay/swim"
	"github.com/duskmesh/overlay/transport"
	"github.com/duskmesh/overlay/wire"
)

// promotionCheckPeriod is how often the promotion driver looks for a
// passive peer to pull into the active view when it has dipped below
// ACTIVE_MIN (spec.md §4.2). It is independent of PromoteTimeout, which
// instead bounds one dial attempt.
const promotionCheckPeriod = time.Second

// Engine is one running node: the composition root gluing a Transport, a
// Crypto oracle, and the four protocol managers into a single addressable
// peer. All its exported methods are safe for concurrent use.
type Engine struct {
	cfg    *config.Config
	self   wire.PeerID
	signer *wire.Signer
	oracle crypto.Oracle
	trans  transport.Transport
	cache  *cache.Cache
	logger *logrus.Entry

	membership  *membership.Manager
	swim        *swim.Manager
	plumtree    *plumtree.Manager
	antientropy *antientropy.Manager

	addrMu sync.Mutex
	addrs  map[wire.PeerID]string

	sessMu   sync.Mutex
	sessions map[wire.PeerID]transport.Session

	topicsMu sync.Mutex
	topics   map[wire.TopicID]struct{}

	runCtx       context.Context
	cancelRun    func()
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// New constructs an Engine over trans, using cfg.Key as the local identity
// (generating one if nil). The returned Engine has not yet started its
// background schedules or accept loop; call Run.
func New(cfg *config.Config, trans transport.Transport) (*Engine, error) {
	oracle := crypto.NewOracle()

	key := cfg.Key
	if key == nil {
		var err error
		key, err = crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("mesh: generate identity key: %w", err)
		}
	}
	pub := &key.PublicKey
	pubBytes := crypto.MarshalPublicKey(pub)
	signer := wire.NewSigner(oracle, key, pub, pubBytes)

	logger := cfg.Logger()
	selfAddr := cfg.AdvertiseAddr
	if selfAddr == "" {
		selfAddr = trans.LocalAddr()
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	e := &Engine{
		cfg:        cfg,
		self:       signer.PeerID(),
		signer:     signer,
		oracle:     oracle,
		trans:      trans,
		cache:      cache.NewFromConfig(cfg.Cache),
		logger:     logger.WithField("peer", signer.PeerID().String()[:8]),
		addrs:      make(map[wire.PeerID]string),
		sessions:   make(map[wire.PeerID]transport.Session),
		topics:     make(map[wire.TopicID]struct{}),
		runCtx:     runCtx,
		cancelRun:  cancelRun,
		shutdownCh: make(chan struct{}),
	}

	e.membership = membership.NewManager(cfg.Membership, selfAddr, signer, e, e.logger)
	e.swim = swim.NewManager(cfg.Swim, signer, e, e.logger)
	e.plumtree = plumtree.New(cfg.Plumtree, signer, oracle, unmarshalPub, e.cache, e, e, e.addrOf, e.logger)
	e.antientropy = antientropy.New(cfg.AntiEntropy, signer, oracle, unmarshalPub, e.cache, e, e.plumtree, e.addrOf, e.logger)

	return e, nil
}

func unmarshalPub(b []byte) (crypto.PublicKey, error) { return crypto.UnmarshalPublicKey(b) }

// Self returns the local peer id.
func (e *Engine) Self() wire.PeerID { return e.self }

func (e *Engine) addrOf(peer wire.PeerID) string {
	e.addrMu.Lock()
	defer e.addrMu.Unlock()
	return e.addrs[peer]
}

func (e *Engine) rememberAddr(peer wire.PeerID, addr string) {
	if addr == "" {
		return
	}
	e.addrMu.Lock()
	e.addrs[peer] = addr
	e.addrMu.Unlock()
}

// Send implements the Sender capability shared by membership, swim,
// plumtree, and antientropy: it resolves (dialing if necessary) a session
// to peer, opens the stream class msg's kind belongs on, and sends. Every
// failure path is a Transient I/O fault (spec.md §7): the caller already
// treats a Send failure as "drop, maybe re-dial on next need," never as
// fatal.
func (e *Engine) Send(peer wire.PeerID, hint string, msg *wire.Message) error {
	e.rememberAddr(peer, hint)

	sess, err := e.sessionFor(peer, hint)
	if err != nil {
		return common.NewFault(common.TransientIO, peer.String(), fmt.Errorf("dial: %w", err))
	}

	stream, err := sess.Open(wire.ClassOf(msg.Header.Kind))
	if err != nil {
		e.dropSession(peer)
		return common.NewFault(common.TransientIO, peer.String(), fmt.Errorf("open stream: %w", err))
	}
	if err := stream.Send(msg); err != nil {
		e.dropSession(peer)
		return common.NewFault(common.TransientIO, peer.String(), fmt.Errorf("send: %w", err))
	}
	return nil
}

func (e *Engine) sessionFor(peer wire.PeerID, hint string) (transport.Session, error) {
	e.sessMu.Lock()
	if sess, ok := e.sessions[peer]; ok {
		e.sessMu.Unlock()
		return sess, nil
	}
	e.sessMu.Unlock()

	addr := hint
	if addr == "" {
		addr = e.addrOf(peer)
	}
	if addr == "" {
		return nil, fmt.Errorf("no address hint for %v", peer)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := e.trans.Dial(ctx, peer, addr)
	if err != nil {
		return nil, err
	}

	e.registerSession(peer, sess)
	e.goFunc(func() { e.sessionLoop(peer, sess) })
	return sess, nil
}

func (e *Engine) registerSession(peer wire.PeerID, sess transport.Session) {
	e.sessMu.Lock()
	e.sessions[peer] = sess
	e.sessMu.Unlock()
}

func (e *Engine) dropSession(peer wire.PeerID) {
	e.sessMu.Lock()
	delete(e.sessions, peer)
	e.sessMu.Unlock()
}

// Disconnect implements plumtree.Disconnector by delegating to membership,
// which owns the active/passive view transition (spec.md §4.2, §4.4).
func (e *Engine) Disconnect(peer wire.PeerID, now time.Time) {
	e.membership.Disconnect(peer, now)
}

// Join attempts to enter the network via seeds; it does not start the
// background schedules, which Run does. The returned Outcome classifies
// err per spec.md §7: a seed that failed to answer is Transient
// (promotion/probing will keep trying other peers), a configuration or
// internal error is Fatal.
func (e *Engine) Join(seeds []wire.PeerHint) (common.Outcome, error) {
	for _, s := range seeds {
		e.rememberAddr(s.ID, s.Addr)
	}
	err := e.membership.Join(time.Now(), seeds)
	return common.Classify(err), err
}

// Subscribe registers local interest in topic and returns a channel of
// deliveries plus a cancel function (spec.md §6.4's subscribe()).
func (e *Engine) Subscribe(topic wire.TopicID) (<-chan plumtree.Delivery, func()) {
	e.topicsMu.Lock()
	e.topics[topic] = struct{}{}
	e.topicsMu.Unlock()

	active := e.membership.ActiveView()
	peers := make([]wire.PeerID, 0, len(active))
	for _, a := range active {
		peers = append(peers, a.Peer)
	}
	return e.plumtree.Subscribe(topic, peers)
}

// Publish disseminates payload on topic (spec.md §6.4's publish()). The
// returned Outcome classifies err per spec.md §7.
func (e *Engine) Publish(topic wire.TopicID, payload []byte) (wire.MessageID, common.Outcome, error) {
	id, err := e.plumtree.Publish(topic, payload, time.Now())
	return id, common.Classify(err), err
}

// ActivePeers returns the local node's HyParView active view (spec.md
// §6.4's active_peers()).
func (e *Engine) ActivePeers() []wire.PeerID {
	active := e.membership.ActiveView()
	out := make([]wire.PeerID, 0, len(active))
	for _, a := range active {
		out = append(out, a.Peer)
	}
	return out
}

// PassivePeers returns the local node's HyParView passive view (spec.md
// §6.4's passive_peers()).
func (e *Engine) PassivePeers() []wire.PeerID {
	passive := e.membership.PassiveView()
	out := make([]wire.PeerID, 0, len(passive))
	for _, p := range passive {
		out = append(out, p.Peer)
	}
	return out
}

// TopicPeers returns topic's eager and lazy Plumtree sets (spec.md §6.4's
// topic_peers()).
func (e *Engine) TopicPeers(topic wire.TopicID) (eager, lazy []wire.PeerID) {
	return e.plumtree.TopicPeers(topic)
}

// SnapshotPeerCache builds the persisted-peer-cache record (spec.md §6.5)
// from the current active and passive views. Writing it to disk is an
// external storage collaborator's job.
func (e *Engine) SnapshotPeerCache(now time.Time) wire.PeerCacheSnapshot {
	var entries []wire.PeerCacheEntry
	for _, a := range e.membership.ActiveView() {
		entries = append(entries, wire.PeerCacheEntry{
			PeerID:        a.Peer,
			AddressHints:  addrList(a.Addr),
			LastSuccessTs: uint64(a.LastSeen.Unix()),
			Score:         1.0,
		})
	}
	for _, p := range e.membership.PassiveView() {
		entries = append(entries, wire.PeerCacheEntry{
			PeerID:        p.Peer,
			AddressHints:  addrList(p.Addr),
			LastSuccessTs: uint64(p.LastSeen.Unix()),
			Score:         0.5,
		})
	}
	return wire.PeerCacheSnapshot{Entries: entries}
}

func addrList(addr string) []string {
	if addr == "" {
		return nil
	}
	return []string{addr}
}

// RestorePeerCache seeds the passive view from a previously persisted
// snapshot (spec.md §6.5: "reload on start to seed passive view").
func (e *Engine) RestorePeerCache(snapshot wire.PeerCacheSnapshot, now time.Time) {
	for _, entry := range snapshot.Entries {
		addr := ""
		if len(entry.AddressHints) > 0 {
			addr = entry.AddressHints[0]
			e.rememberAddr(entry.PeerID, addr)
		}
		e.membership.SeedPassive(entry.PeerID, addr, now)
	}
}
