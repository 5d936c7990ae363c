package wire

// PeerHint pairs a peer id with an optional address hint, exchanged during
// JOIN/FWD_JOIN/SHUFFLE/SHUFFLE_REPLY.
type PeerHint struct {
	ID   PeerID
	Addr string
}

// MembershipDelta is a single piggybacked membership change, applied
// idempotently keyed by (Peer, Timestamp) with latest-timestamp-wins.
type MembershipDelta struct {
	Peer      PeerID
	State     uint8 // mirrors swim.Liveness
	Timestamp uint64
}

// EagerBody carries a full message payload along a tree (eager) link.
type EagerBody struct {
	Payload []byte
}

// IHaveBody announces a batch of message ids known to the sender.
type IHaveBody struct {
	IDs []MessageID
}

// IWantBody requests the full payload for a batch of message ids.
type IWantBody struct {
	IDs []MessageID
}

// PingBody is a SWIM direct probe.
type PingBody struct {
	Nonce  uint64
	Deltas []MembershipDelta
}

// AckBody acknowledges a Ping or a relayed PingReq.
type AckBody struct {
	Nonce  uint64
	Deltas []MembershipDelta
}

// PingReqBody asks an indirect peer to relay a probe to Target.
type PingReqBody struct {
	Target PeerID
	Nonce  uint64
}

// JoinBody is sent by a joiner to a chosen seed.
type JoinBody struct {
	Addr string
}

// FwdJoinBody forwards a join announcement through the active view.
type FwdJoinBody struct {
	Joiner PeerID
	Addr   string
	TTL    uint8
}

// ShuffleBody exchanges a sample of known peers to diversify passive views.
type ShuffleBody struct {
	Exchange []PeerHint
	TTL      uint8
}

// ShuffleReplyBody is the reciprocal sample sent back to a SHUFFLE sender.
type ShuffleReplyBody struct {
	Sample []PeerHint
}

// DisconnectBody carries no fields; its presence is the signal.
type DisconnectBody struct{}

// AntiEntropyBody carries a bounded-window sketch of recently seen ids for
// one topic, plus a capped enumeration fallback (spec.md §4.5.3) used in
// place of IBLT decoding.
type AntiEntropyBody struct {
	Topic      TopicID
	Sketch     []byte
	WindowSecs uint64
	Fallback   []MessageID
}
