package membership

import (
	"math/rand"
	"sync"
	"time"

	"github.com/duskmesh/overlay/wire"
)

// State is a remote peer's place in the Unknown -> Passive <-> Active ->
// Unknown(on Dead) state machine (spec.md §4.2).
type State int

const (
	Unknown State = iota
	Passive
	Active
)

func (s State) String() string {
	switch s {
	case Passive:
		return "Passive"
	case Active:
		return "Active"
	default:
		return "Unknown"
	}
}

// Entry is one tracked peer (spec.md §3's "Peer view entry").
type Entry struct {
	Peer     wire.PeerID
	Addr     string
	LastSeen time.Time
}

// view holds the disjoint active/passive sets for one local node. Its
// Manager calls it from several goroutines at once; the mutex here
// serializes every mutation as well as the read snapshots
// (active_view()/passive_view()).
type view struct {
	mu sync.Mutex

	self wire.PeerID

	active  map[wire.PeerID]*Entry
	passive map[wire.PeerID]*Entry

	// deadUntil holds a cool-off deadline for recently-dead peers, who are
	// not re-added to passive until it elapses (spec.md §4.3 policy).
	deadUntil map[wire.PeerID]time.Time
	// triedRecently holds a decay deadline for promotion candidates that
	// failed within PROMOTE_TIMEOUT (spec.md §4.2 policy).
	triedRecently map[wire.PeerID]time.Time
}

func newView(self wire.PeerID) *view {
	return &view{
		self:          self,
		active:        make(map[wire.PeerID]*Entry),
		passive:       make(map[wire.PeerID]*Entry),
		deadUntil:     make(map[wire.PeerID]time.Time),
		triedRecently: make(map[wire.PeerID]time.Time),
	}
}

func (v *view) stateOf(peer wire.PeerID) State {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.active[peer]; ok {
		return Active
	}
	if _, ok := v.passive[peer]; ok {
		return Passive
	}
	return Unknown
}

// addActive inserts peer into the active view, evicting a random existing
// member into passive if full. Returns the evicted peer, if any, so the
// caller can send it a DISCONNECT.
func (v *view) addActive(peer wire.PeerID, addr string, now time.Time, cfg Config) (evicted wire.PeerID, didEvict bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if peer == v.self {
		return wire.PeerID{}, false
	}
	delete(v.passive, peer)

	if len(v.active) >= cfg.ActiveMax {
		evicted, didEvict = v.randomActiveLocked()
		if didEvict {
			delete(v.active, evicted)
			v.insertPassiveLocked(evicted, "", now, cfg)
		}
	}

	v.active[peer] = &Entry{Peer: peer, Addr: addr, LastSeen: now}
	return evicted, didEvict
}

func (v *view) randomActiveLocked() (wire.PeerID, bool) {
	if len(v.active) == 0 {
		return wire.PeerID{}, false
	}
	ids := make([]wire.PeerID, 0, len(v.active))
	for id := range v.active {
		ids = append(ids, id)
	}
	return ids[rand.Intn(len(ids))], true
}

// insertPassive adds peer to the passive view (no-op if already active, or
// still cooling off from a Dead classification), evicting a random
// existing passive member if full.
func (v *view) insertPassive(peer wire.PeerID, addr string, now time.Time, cfg Config) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.insertPassiveLocked(peer, addr, now, cfg)
}

func (v *view) insertPassiveLocked(peer wire.PeerID, addr string, now time.Time, cfg Config) {
	if peer == v.self {
		return
	}
	if _, ok := v.active[peer]; ok {
		return
	}
	if until, ok := v.deadUntil[peer]; ok && now.Before(until) {
		return
	}
	if _, ok := v.passive[peer]; ok {
		return
	}

	if len(v.passive) >= cfg.PassiveMax {
		var victim wire.PeerID
		found := false
		for id := range v.passive {
			victim, found = id, true
			break
		}
		if found {
			delete(v.passive, victim)
		}
	}
	v.passive[peer] = &Entry{Peer: peer, Addr: addr, LastSeen: now}
}

// promote moves a passive peer into active, for when active dips below
// ACTIVE_MIN. Returns false if peer was not passive.
func (v *view) promote(peer wire.PeerID, now time.Time) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	e, ok := v.passive[peer]
	if !ok {
		return false
	}
	delete(v.passive, peer)
	e.LastSeen = now
	v.active[peer] = e
	return true
}

// markDead removes peer from both views and starts its cool-off.
func (v *view) markDead(peer wire.PeerID, now time.Time, cfg Config) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.active, peer)
	delete(v.passive, peer)
	v.deadUntil[peer] = now.Add(cfg.DeadCooldown)
}

// disconnect moves peer from active to passive, unless it is cooling off
// from a prior Dead classification.
func (v *view) disconnect(peer wire.PeerID, now time.Time, cfg Config) {
	v.mu.Lock()
	defer v.mu.Unlock()
	e, ok := v.active[peer]
	if !ok {
		return
	}
	delete(v.active, peer)
	if until, cooling := v.deadUntil[peer]; cooling && now.Before(until) {
		return
	}
	v.insertPassiveLocked(peer, e.Addr, now, cfg)
}

func (v *view) activeLen() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.active)
}

func (v *view) passiveLen() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.passive)
}

func (v *view) activeSnapshot() []Entry {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Entry, 0, len(v.active))
	for _, e := range v.active {
		out = append(out, *e)
	}
	return out
}

func (v *view) passiveSnapshot() []Entry {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Entry, 0, len(v.passive))
	for _, e := range v.passive {
		out = append(out, *e)
	}
	return out
}

func (v *view) randomPassive(exclude map[wire.PeerID]bool, now time.Time) (Entry, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	candidates := make([]*Entry, 0, len(v.passive))
	for id, e := range v.passive {
		if exclude[id] {
			continue
		}
		if until, cooling := v.triedRecently[id]; cooling && now.Before(until) {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return Entry{}, false
	}
	return *candidates[rand.Intn(len(candidates))], true
}

func (v *view) markTried(peer wire.PeerID, now time.Time, cfg Config) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.triedRecently[peer] = now.Add(cfg.TriedCooldown)
}
