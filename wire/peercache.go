package wire

// PeerCacheEntry is the persisted-peer-cache record spec.md §6.5 names:
// {peer_id, address_hints, last_success_ts, score}. Encoding/decoding goes
// through EncodeBody/DecodeBody so the on-disk form is the same
// self-describing canonical msgpack used for every wire body; the actual
// file I/O belongs to an external storage collaborator, out of scope here.
type PeerCacheEntry struct {
	PeerID        PeerID
	AddressHints  []string
	LastSuccessTs uint64
	Score         float64
}

// PeerCacheSnapshot is an ordered set of entries, encoded as a single
// self-describing blob for EncodePeerCache/DecodePeerCache.
type PeerCacheSnapshot struct {
	Entries []PeerCacheEntry
}

// EncodePeerCache serializes snapshot into the deterministic binary form
// spec.md §6.5 requires for on-disk persistence.
func EncodePeerCache(snapshot PeerCacheSnapshot) ([]byte, error) {
	return EncodeBody(snapshot)
}

// DecodePeerCache reverses EncodePeerCache.
func DecodePeerCache(b []byte) (PeerCacheSnapshot, error) {
	var snapshot PeerCacheSnapshot
	if err := DecodeBody(b, &snapshot); err != nil {
		return PeerCacheSnapshot{}, err
	}
	return snapshot, nil
}
