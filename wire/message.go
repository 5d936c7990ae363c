package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/duskmesh/overlay/crypto"
)

// ProtocolVersion is the current wire version.
const ProtocolVersion = 1

// Header is the fixed-layout prefix of every frame: ver:u8, topic:[u8;32],
// msg_id:[u8;32], kind:u8, hop:u8, ttl:u8 (spec.md §6.3), 68 bytes total.
type Header struct {
	Version byte
	Topic   TopicID
	MsgID   MessageID
	Kind    Kind
	Hop     byte
	TTL     byte
}

// HeaderSize is the byte length of the fixed header encoding.
const HeaderSize = 1 + 32 + 32 + 1 + 1 + 1

// EncodeHeader writes the fixed-layout header.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = h.Version
	copy(buf[1:33], h.Topic[:])
	copy(buf[33:65], h.MsgID[:])
	buf[65] = byte(h.Kind)
	buf[66] = h.Hop
	buf[67] = h.TTL
	return buf
}

// DecodeHeader parses the fixed-layout header produced by EncodeHeader.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("wire: short header: %d bytes", len(buf))
	}
	var h Header
	h.Version = buf[0]
	copy(h.Topic[:], buf[1:33])
	copy(h.MsgID[:], buf[33:65])
	h.Kind = Kind(buf[65])
	h.Hop = buf[66]
	h.TTL = buf[67]
	return h, nil
}

// Message is a fully-formed, signed protocol frame: the fixed header plus
// a kind-specific canonically-encoded body, an epoch, the signer's identity,
// and a signature over the header and a canonical hash of the body.
type Message struct {
	Header
	Epoch        uint64
	SignerPeerID PeerID
	SignerPubKey []byte
	Body         []byte
	Signature    []byte
}

// epochBytes returns the fixed 8-byte little-endian encoding of epoch, per
// spec.md §9's pinned canonical encoding.
func epochBytes(epoch uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, epoch)
	return b
}

// ComputeMessageID computes msg_id = H(topic ‖ epoch_le64 ‖ signer_peer_id ‖
// H(payload)) as defined in spec.md §3. Control-only frames (anything but
// EAGER) use the zero MessageID by convention (spec.md §6.3).
func ComputeMessageID(oracle crypto.Oracle, topic TopicID, epoch uint64, signer PeerID, payload []byte) MessageID {
	payloadHash := oracle.Hash(payload)
	full := oracle.Hash(topic[:], epochBytes(epoch), signer[:], payloadHash[:])
	return MessageID(full)
}

// signingInput returns the bytes a signature covers: the fixed header plus
// the canonical hash of the body (spec.md §6.3). Hop is excluded from the
// signed header: it is mutated by every relay that forwards an EAGER frame
// along the tree (spec.md §4.4), and only the original signer holds the
// key needed to re-sign, so a signature that covered Hop would break on
// the very first forward.
func signingInput(oracle crypto.Oracle, h Header, epoch uint64, signer PeerID, body []byte) []byte {
	bodyHash := oracle.Hash(body)
	signedHeader := h
	signedHeader.Hop = 0

	buf := make([]byte, 0, HeaderSize+8+32+32)
	buf = append(buf, EncodeHeader(signedHeader)...)
	buf = append(buf, epochBytes(epoch)...)
	buf = append(buf, signer[:]...)
	buf = append(buf, bodyHash[:]...)
	return buf
}

// Sign finalizes msg in place: it sets SignerPeerID from pub, canonically
// encodes body into msg.Body, and computes msg.Signature. Callers must have
// already set msg.Header (including MsgID, for EAGER frames, via
// ComputeMessageID) and msg.Epoch.
func Sign(oracle crypto.Oracle, secret crypto.PrivateKey, pub crypto.PublicKey, pubBytes []byte, msg *Message, body interface{}) error {
	encoded, err := EncodeBody(body)
	if err != nil {
		return fmt.Errorf("wire: encode body: %w", err)
	}
	msg.Body = encoded
	msg.SignerPeerID = PeerID(oracle.PeerIDOf(pub))
	msg.SignerPubKey = pubBytes

	sig, err := oracle.Sign(secret, signingInput(oracle, msg.Header, msg.Epoch, msg.SignerPeerID, msg.Body))
	if err != nil {
		return fmt.Errorf("wire: sign: %w", err)
	}
	msg.Signature = sig
	return nil
}

// Verify checks msg's integrity per spec.md §3's invariant: msg_id must
// equal the computed hash of its header-derived inputs (for EAGER frames),
// the signature must verify under SignerPubKey, and
// hash(SignerPubKey) == SignerPeerID.
func Verify(oracle crypto.Oracle, unmarshalPub func([]byte) (crypto.PublicKey, error), msg *Message) error {
	pub, err := unmarshalPub(msg.SignerPubKey)
	if err != nil {
		return fmt.Errorf("wire: unmarshal signer pubkey: %w", err)
	}

	if oracle.PeerIDOf(pub) != [32]byte(msg.SignerPeerID) {
		return fmt.Errorf("wire: signer peer id does not match hash(signer_pubkey)")
	}

	if msg.Kind == EAGER {
		var body EagerBody
		if err := DecodeBody(msg.Body, &body); err != nil {
			return fmt.Errorf("wire: decode eager body: %w", err)
		}
		want := ComputeMessageID(oracle, msg.Topic, msg.Epoch, msg.SignerPeerID, body.Payload)
		if want != msg.MsgID {
			return fmt.Errorf("wire: msg_id mismatch")
		}
	}

	if !oracle.Verify(pub, signingInput(oracle, msg.Header, msg.Epoch, msg.SignerPeerID, msg.Body), crypto.Signature(msg.Signature)) {
		return fmt.Errorf("wire: signature verification failed")
	}
	return nil
}
