package crypto

import "testing"

func TestSignVerifyRoundTrip(t *testing.T) {
	o := NewOracle()

	priv, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	msg := []byte("gossip payload")
	sig, err := o.Sign(priv, msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if !o.Verify(&priv.PublicKey, msg, sig) {
		t.Fatalf("expected signature to verify")
	}

	if o.Verify(&priv.PublicKey, []byte("tampered"), sig) {
		t.Fatalf("expected signature over different data to fail")
	}
}

func TestPeerIDDeterministic(t *testing.T) {
	o := NewOracle()
	priv, _ := GenerateKey()

	id1 := o.PeerIDOf(&priv.PublicKey)
	id2 := o.PeerIDOf(&priv.PublicKey)
	if id1 != id2 {
		t.Fatalf("expected PeerIDOf to be deterministic")
	}

	other, _ := GenerateKey()
	id3 := o.PeerIDOf(&other.PublicKey)
	if id1 == id3 {
		t.Fatalf("expected distinct keys to yield distinct peer ids")
	}
}

func TestMarshalUnmarshalPublicKey(t *testing.T) {
	priv, _ := GenerateKey()
	b := MarshalPublicKey(&priv.PublicKey)

	pub, err := UnmarshalPublicKey(b)
	if err != nil {
		t.Fatalf("UnmarshalPublicKey: %v", err)
	}
	if pub.X.Cmp(priv.PublicKey.X) != 0 || pub.Y.Cmp(priv.PublicKey.Y) != 0 {
		t.Fatalf("round-tripped public key does not match original")
	}
}
