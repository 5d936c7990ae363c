package membership

import (
	"math/rand"

	"github.com/duskmesh/overlay/wire"
)

// sampleExcluding picks up to n distinct ids from entries, excluding any
// id present in exclude. Grounded on babble/src/node/peer_selector.go's
// RandomPeerSelector, generalized from a single "last" exclusion to an
// arbitrary exclusion set (needed for shuffle's "not yet known to sender"
// rule).
func sampleExcluding(entries []Entry, exclude map[wire.PeerID]bool, n int) []wire.PeerHint {
	pool := make([]wire.PeerHint, 0, len(entries))
	for _, e := range entries {
		if exclude[e.Peer] {
			continue
		}
		pool = append(pool, wire.PeerHint{ID: e.Peer, Addr: e.Addr})
	}
	rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if n > len(pool) {
		n = len(pool)
	}
	return pool[:n]
}
