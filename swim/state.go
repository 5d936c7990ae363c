package swim

import (
	"sync/atomic"
	"time"
)

// Liveness is one of Alive, Suspect, Dead (spec.md §3's "Peer liveness
// state"). It is stored as an atomic word per peer, in the spirit of
// babble/src/node/state/state.go's Manager, generalized from one
// node-wide state to one per tracked peer.
type Liveness uint32

const (
	Alive Liveness = iota
	Suspect
	Dead
)

func (l Liveness) String() string {
	switch l {
	case Alive:
		return "Alive"
	case Suspect:
		return "Suspect"
	case Dead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// peerState tracks one probed peer's liveness plus the bookkeeping needed
// to time out a Suspect classification.
type peerState struct {
	addr string

	liveness     uint32 // atomic Liveness
	suspectSince int64  // atomic unix-nano; valid only while liveness == Suspect
}

func newPeerState(addr string) *peerState {
	return &peerState{addr: addr, liveness: uint32(Alive)}
}

func (p *peerState) get() Liveness {
	return Liveness(atomic.LoadUint32(&p.liveness))
}

func (p *peerState) setAlive() {
	atomic.StoreUint32(&p.liveness, uint32(Alive))
	atomic.StoreInt64(&p.suspectSince, 0)
}

// setSuspect transitions to Suspect if not already Dead, recording now as
// the suspicion start time. Returns true if this call caused the
// transition (i.e. the peer was previously Alive).
func (p *peerState) setSuspect(now time.Time) bool {
	prev := Liveness(atomic.SwapUint32(&p.liveness, uint32(Suspect)))
	if prev == Suspect || prev == Dead {
		if prev == Dead {
			atomic.StoreUint32(&p.liveness, uint32(Dead))
		}
		return false
	}
	atomic.StoreInt64(&p.suspectSince, now.UnixNano())
	return true
}

func (p *peerState) setDead() {
	atomic.StoreUint32(&p.liveness, uint32(Dead))
}

func (p *peerState) suspectDuration(now time.Time) time.Duration {
	since := atomic.LoadInt64(&p.suspectSince)
	if since == 0 {
		return 0
	}
	return now.Sub(time.Unix(0, since))
}
