// Package wire defines the on-the-wire header, body codec, and identifier
// types shared by every component: PeerId, TopicId, MessageId, the fixed
// control-frame header, and the kind enumeration.
package wire

import "github.com/duskmesh/overlay/common"

// PeerID is a 32-byte value derived as hash(signer_pubkey). Compared by
// value; the zero value never identifies a real peer.
type PeerID [32]byte

func (p PeerID) String() string { return common.EncodeToString(p[:]) }

// IsZero reports whether p is the zero PeerID (used as a "no peer" sentinel
// for control-only frames that carry no signer).
func (p PeerID) IsZero() bool { return p == PeerID{} }

// TopicID is an opaque 32-byte topic identifier. Compared by value.
type TopicID [32]byte

func (t TopicID) String() string { return common.EncodeToString(t[:]) }

// MessageID is H(topic ‖ epoch_le64 ‖ signer_peer_id ‖ H(payload)). Two
// messages with identical topic, epoch, signer, and payload always produce
// the same MessageID; changing any input changes it with overwhelming
// probability.
type MessageID [32]byte

func (m MessageID) String() string { return common.EncodeToString(m[:]) }

// IsZero reports whether m is the zero MessageID, the convention used by
// control-only frames (PING, ACK, JOIN, ...) that carry no payload.
func (m MessageID) IsZero() bool { return m == MessageID{} }
