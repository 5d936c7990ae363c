package plumtree

import (
	"time"

	"github.com/duskmesh/overlay/wire"
)

// Delivery is handed to subscribers: the accepting node's view of who sent
// a message and what it carried (spec.md §4.4 "Local delivery").
type Delivery struct {
	Sender  wire.PeerID
	Payload []byte
}

type iwantRecord struct {
	from   wire.PeerID
	askedAt time.Time
}

// peerMeta tracks one peer's per-topic score and the rolling windows used
// to evaluate BAD_RATE (spec.md §4.4's failure semantics).
type peerMeta struct {
	score float64

	totalEvents   []time.Time
	invalidEvents []time.Time
}

func (pm *peerMeta) recordEvent(now time.Time, invalid bool, window time.Duration) {
	pm.totalEvents = prune(pm.totalEvents, now, window)
	pm.totalEvents = append(pm.totalEvents, now)
	if invalid {
		pm.invalidEvents = prune(pm.invalidEvents, now, window)
		pm.invalidEvents = append(pm.invalidEvents, now)
	}
}

func (pm *peerMeta) badRate(now time.Time, window time.Duration) (float64, int) {
	pm.totalEvents = prune(pm.totalEvents, now, window)
	pm.invalidEvents = prune(pm.invalidEvents, now, window)
	if len(pm.totalEvents) == 0 {
		return 0, 0
	}
	return float64(len(pm.invalidEvents)) / float64(len(pm.totalEvents)), len(pm.totalEvents)
}

func prune(events []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	kept := events[:0]
	for _, e := range events {
		if e.After(cutoff) {
			kept = append(kept, e)
		}
	}
	return kept
}

// topicState is the per-topic Plumtree state (spec.md §3's "Per-topic
// Plumtree state"): eager := set<PeerId>, lazy := set<PeerId>, pending
// IHAVE queue, outstanding IWANTs, subscriber sinks.
//
// Mutation happens on the caller's goroutine. This type is not internally
// locked; every access goes through its Manager's mu. mesh.Engine calls
// Manager from per-stream receive loops and background ticks
// concurrently, with no per-topic inbox, so calls for one topic are
// serialized only by that mutex, which OnEager releases between steps.
type topicState struct {
	eager map[wire.PeerID]bool
	lazy  map[wire.PeerID]bool

	pendingIHave []wire.MessageID
	outstanding  map[wire.MessageID]iwantRecord
	ihaveSources map[wire.MessageID][]wire.PeerID

	peers map[wire.PeerID]*peerMeta

	nextSinkID int
	sinks      map[int]chan Delivery
}

func newTopicState() *topicState {
	return &topicState{
		eager:        make(map[wire.PeerID]bool),
		lazy:         make(map[wire.PeerID]bool),
		outstanding:  make(map[wire.MessageID]iwantRecord),
		ihaveSources: make(map[wire.MessageID][]wire.PeerID),
		peers:        make(map[wire.PeerID]*peerMeta),
		sinks:        make(map[int]chan Delivery),
	}
}

func (ts *topicState) meta(peer wire.PeerID) *peerMeta {
	pm, ok := ts.peers[peer]
	if !ok {
		pm = &peerMeta{}
		ts.peers[peer] = pm
	}
	return pm
}

// moveToLazy implements PRUNE: move peer from eager to lazy.
func (ts *topicState) moveToLazy(peer wire.PeerID) {
	if ts.eager[peer] {
		delete(ts.eager, peer)
		ts.lazy[peer] = true
	}
}

// moveToEager implements GRAFT: move peer from lazy to eager.
func (ts *topicState) moveToEager(peer wire.PeerID) {
	delete(ts.lazy, peer)
	ts.eager[peer] = true
}

// addPeer seeds a newly active peer into eager (first subscribe / new
// arrival default per spec.md §4.4): existing topics default new arrivals
// to lazy, a fresh topic's initial subscribe places all current active
// peers into eager. Callers distinguish via the seedEager flag.
func (ts *topicState) addPeer(peer wire.PeerID, seedEager bool) {
	if ts.eager[peer] || ts.lazy[peer] {
		return
	}
	if seedEager {
		ts.eager[peer] = true
	} else {
		ts.lazy[peer] = true
	}
}

func (ts *topicState) removePeer(peer wire.PeerID) {
	delete(ts.eager, peer)
	delete(ts.lazy, peer)
	delete(ts.peers, peer)
}

func (ts *topicState) deliver(sender wire.PeerID, payload []byte) {
	d := Delivery{Sender: sender, Payload: payload}
	for _, sink := range ts.sinks {
		select {
		case sink <- d:
		default:
			// slow subscriber: drop this delivery rather than block the
			// caller. Sinks are never closed: Subscribe hands out a
			// receive-only channel and its cancel() only removes the sink.
		}
	}
}
