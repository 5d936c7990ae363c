package wire

import (
	"bytes"
	"testing"

	"github.com/duskmesh/overlay/crypto"
)

func TestComputeMessageIDDeterministic(t *testing.T) {
	oracle := crypto.NewOracle()
	var topic TopicID
	topic[0] = 1
	var signer PeerID
	signer[0] = 2
	payload := []byte("hello")

	id1 := ComputeMessageID(oracle, topic, 7, signer, payload)
	id2 := ComputeMessageID(oracle, topic, 7, signer, payload)
	if id1 != id2 {
		t.Fatalf("expected deterministic MessageID, got %v != %v", id1, id2)
	}

	id3 := ComputeMessageID(oracle, topic, 8, signer, payload)
	if id1 == id3 {
		t.Fatalf("expected different epoch to change MessageID")
	}

	id4 := ComputeMessageID(oracle, topic, 7, signer, []byte("goodbye"))
	if id1 == id4 {
		t.Fatalf("expected different payload to change MessageID")
	}
}

func TestSignVerifyAndFrameRoundTrip(t *testing.T) {
	oracle := crypto.NewOracle()
	priv, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	pubBytes := crypto.MarshalPublicKey(&priv.PublicKey)
	peerID := PeerID(oracle.PeerIDOf(&priv.PublicKey))

	var topic TopicID
	topic[1] = 9
	payload := []byte("hi")
	msgID := ComputeMessageID(oracle, topic, 42, peerID, payload)

	msg := &Message{
		Header: Header{
			Version: ProtocolVersion,
			Topic:   topic,
			MsgID:   msgID,
			Kind:    EAGER,
			Hop:     0,
			TTL:     10,
		},
		Epoch: 42,
	}

	if err := Sign(oracle, priv, &priv.PublicKey, pubBytes, msg, EagerBody{Payload: payload}); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	unmarshal := func(b []byte) (crypto.PublicKey, error) { return crypto.UnmarshalPublicKey(b) }
	if err := Verify(oracle, unmarshal, msg); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, msg); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	decoded, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if decoded.MsgID != msg.MsgID || decoded.Epoch != msg.Epoch || !bytes.Equal(decoded.Body, msg.Body) {
		t.Fatalf("frame round-trip mismatch: %+v vs %+v", decoded, msg)
	}

	if err := Verify(oracle, unmarshal, decoded); err != nil {
		t.Fatalf("Verify after round-trip: %v", err)
	}

	// tampering with the payload must break verification
	var tamperedBody EagerBody
	_ = DecodeBody(decoded.Body, &tamperedBody)
	tamperedBody.Payload = []byte("tampered")
	tampered, _ := EncodeBody(tamperedBody)
	decoded.Body = tampered
	if err := Verify(oracle, unmarshal, decoded); err == nil {
		t.Fatalf("expected verification to fail after tampering")
	}
}
