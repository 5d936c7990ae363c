package membership

import "github.com/duskmesh/overlay/wire"

// EventKind distinguishes active-view transitions consumed by SWIM
// (which tracks liveness only for active peers) and Plumtree (which seeds
// eager/lazy sets from the active view, spec.md §4.4).
type EventKind int

const (
	PeerActivated EventKind = iota
	PeerDeactivated
)

// Event is a single active-view transition.
type Event struct {
	Kind EventKind
	Peer wire.PeerID
}
