package wire

import (
	"errors"
	"time"

	"github.com/duskmesh/overlay/crypto"
)

// Signer builds and signs outbound Messages on behalf of one local
// identity, shared by membership, swim, plumtree, and antientropy so each
// does not re-implement header construction and signing.
type Signer struct {
	oracle   crypto.Oracle
	priv     crypto.PrivateKey
	pub      crypto.PublicKey
	pubBytes []byte
	peerID   PeerID
}

// NewSigner wraps an identity for outbound message construction.
func NewSigner(oracle crypto.Oracle, priv crypto.PrivateKey, pub crypto.PublicKey, pubBytes []byte) *Signer {
	return &Signer{
		oracle:   oracle,
		priv:     priv,
		pub:      pub,
		pubBytes: pubBytes,
		peerID:   PeerID(oracle.PeerIDOf(pub)),
	}
}

// PeerID returns the signer's own peer id, hash(pubkey) (spec.md §6.2).
func (s *Signer) PeerID() PeerID { return s.peerID }

// Epoch returns the current logical epoch: monotonically non-decreasing
// local wall-time in seconds, as spec.md §4.4's publish operation permits.
func Epoch() uint64 { return uint64(time.Now().Unix()) }

// Build constructs and signs a Message of kind for topic (zero TopicID for
// topic-less control kinds) carrying body. For EAGER, msg_id is computed
// per spec.md §3; all other kinds use the zero MessageID by convention
// (spec.md §6.3).
func (s *Signer) Build(kind Kind, topic TopicID, ttl byte, epoch uint64, body interface{}) (*Message, error) {
	msg := &Message{
		Header: Header{
			Version: ProtocolVersion,
			Topic:   topic,
			Kind:    kind,
			TTL:     ttl,
		},
		Epoch: epoch,
	}

	if kind == EAGER {
		eb, ok := body.(EagerBody)
		if !ok {
			ebp, ok2 := body.(*EagerBody)
			if !ok2 {
				return nil, errNotEagerBody
			}
			eb = *ebp
		}
		msg.Header.MsgID = ComputeMessageID(s.oracle, topic, epoch, s.peerID, eb.Payload)
	}

	if err := Sign(s.oracle, s.priv, s.pub, s.pubBytes, msg, body); err != nil {
		return nil, err
	}
	return msg, nil
}

var errNotEagerBody = errors.New("wire: Build called with kind EAGER but body is not EagerBody")
