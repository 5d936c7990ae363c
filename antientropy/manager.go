package antientropy

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/sirupsen/logrus"

	"github.com/duskmesh/overlay/cache"
	"github.com/duskmesh/overlay/crypto"
	"github.com/duskmesh/overlay/wire"
)

// Sender delivers a signed Message to peer (same capability membership,
// swim, and plumtree depend on).
type Sender interface {
	Send(peer wire.PeerID, hint string, msg *wire.Message) error
}

// IHaveHandler is satisfied by plumtree.Manager: spec.md §4.5's protocol
// explicitly reuses C4's IHAVE/IWANT machinery for the receiver-driven
// repair direction, rather than antientropy building its own request path.
type IHaveHandler interface {
	OnIHave(topic wire.TopicID, from wire.PeerID, ids []wire.MessageID, now time.Time)
}

// Manager implements anti-entropy set reconciliation (spec.md §4.5,
// component C5) on top of the message cache (C1), using a Bloom filter
// sketch plus a capped enumeration fallback in place of IBLT decoding
// (spec.md §4.5's explicitly offered alternative; see DESIGN.md).
type Manager struct {
	cfg          Config
	self         wire.PeerID
	signer       *wire.Signer
	oracle       crypto.Oracle
	unmarshalPub func([]byte) (crypto.PublicKey, error)

	cache        *cache.Cache
	sender       Sender
	ihaveHandler IHaveHandler
	logger       *logrus.Entry

	addrs func(wire.PeerID) string
}

// New constructs a Manager.
func New(cfg Config, signer *wire.Signer, oracle crypto.Oracle, unmarshalPub func([]byte) (crypto.PublicKey, error), c *cache.Cache, sender Sender, ihaveHandler IHaveHandler, addrs func(wire.PeerID) string, logger *logrus.Entry) *Manager {
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
		ihaveHandler: ihaveHandler,
		addrs:        addrs,
		logger:       logger.WithField("component", "antientropy"),
	}
}

// buildSketch encodes the window-bounded set of ids C1 currently retains
// for topic into a Bloom filter plus a capped explicit enumeration
// (spec.md §4.5, points 2 and 3).
func (m *Manager) buildSketch(topic wire.TopicID, now time.Time) (wire.AntiEntropyBody, error) {
	ids := m.cache.IDsSince(topic, now.Add(-m.cfg.Window))

	filter := bloom.NewWithEstimates(m.cfg.ExpectedElements, m.cfg.FalsePositiveRate)
	for _, id := range ids {
		filter.Add(id[:])
	}
	sketch, err := filter.MarshalBinary()
	if err != nil {
		return wire.AntiEntropyBody{}, fmt.Errorf("antientropy: marshal sketch: %w", err)
	}

	fallback := ids
	if len(fallback) > m.cfg.EnumerationFallbackMax {
		fallback = fallback[:m.cfg.EnumerationFallbackMax]
	}

	return wire.AntiEntropyBody{
		Topic:      topic,
		Sketch:     sketch,
		WindowSecs: uint64(m.cfg.Window / time.Second),
		Fallback:   fallback,
	}, nil
}

// Tick runs one anti-entropy round for topic: picks a random peer from
// candidates (diversifying away from eager with DiversifyProbability) and
// sends it an ANTIENTROPY sketch (spec.md §4.5's schedule).
func (m *Manager) Tick(topic wire.TopicID, candidates []wire.PeerID, eager map[wire.PeerID]bool, now time.Time) error {
	peer, ok := m.pickPeer(candidates, eager)
	if !ok {
		return nil
	}

	body, err := m.buildSketch(topic, now)
	if err != nil {
		return err
	}
	msg, err := m.signer.Build(wire.ANTIENTROPY, topic, 0, wire.Epoch(), body)
	if err != nil {
		return fmt.Errorf("antientropy: build: %w", err)
	}
	if err := m.sender.Send(peer, m.addrs(peer), msg); err != nil {
		m.logger.WithError(err).WithField("peer", peer).Debug("antientropy send failed")
	}
	return nil
}

func (m *Manager) pickPeer(candidates []wire.PeerID, eager map[wire.PeerID]bool) (wire.PeerID, bool) {
	pool := candidates
	if len(eager) > 0 && rand.Float64() < m.cfg.DiversifyProbability {
		diversified := make([]wire.PeerID, 0, len(candidates))
		for _, p := range candidates {
			if !eager[p] {
				diversified = append(diversified, p)
			}
		}
		if len(diversified) > 0 {
			pool = diversified
		}
	}
	if len(pool) == 0 {
		return wire.PeerID{}, false
	}
	return pool[rand.Intn(len(pool))], true
}

// OnAntiEntropy handles an inbound ANTIENTROPY frame (spec.md §4.5's
// protocol): ids the sender's fallback enumeration names that we lack are
// requested via the reused IHAVE/IWANT path (C4); ids we hold that the
// sender's sketch does not appear to contain are opportunistically
// announced back via IHAVE.
func (m *Manager) OnAntiEntropy(from wire.PeerID, msg *wire.Message, now time.Time) error {
	if err := wire.Verify(m.oracle, m.unmarshalPub, msg); err != nil {
		return fmt.Errorf("antientropy: verify: %w", err)
	}

	var body wire.AntiEntropyBody
	if err := wire.DecodeBody(msg.Body, &body); err != nil {
		return fmt.Errorf("antientropy: decode body: %w", err)
	}

	claimed := body.Fallback
	if len(claimed) > 0 && m.ihaveHandler != nil {
		m.ihaveHandler.OnIHave(body.Topic, from, claimed, now)
	}

	if len(body.Sketch) == 0 {
		return nil
	}
	filter := &bloom.BloomFilter{}
	if err := filter.UnmarshalBinary(body.Sketch); err != nil {
		return fmt.Errorf("antientropy: unmarshal sketch: %w", err)
	}

	ours := m.cache.IDsSince(body.Topic, now.Add(-m.cfg.Window))
	var theyMayLack []wire.MessageID
	for _, id := range ours {
		if !filter.Test(id[:]) {
			theyMayLack = append(theyMayLack, id)
		}
	}
	if len(theyMayLack) == 0 {
		return nil
	}
	if len(theyMayLack) > m.cfg.EnumerationFallbackMax {
		theyMayLack = theyMayLack[:m.cfg.EnumerationFallbackMax]
	}

	reply, err := m.signer.Build(wire.IHAVE, body.Topic, 0, wire.Epoch(), wire.IHaveBody{IDs: theyMayLack})
	if err != nil {
		return fmt.Errorf("antientropy: build ihave: %w", err)
	}
	if err := m.sender.Send(from, m.addrs(from), reply); err != nil {
		m.logger.WithError(err).WithField("peer", from).Debug("antientropy opportunistic ihave send failed")
	}
	return nil
}
