package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcec"
)

// secpOracle implements Oracle over ECDSA on the secp256k1 curve, the same
// curve babble/src/crypto/keys/curve.go picks via btcsuite's Go
// implementation. Per spec.md §6.2, primitive-suite replacement (e.g. to a
// post-quantum scheme) must not change the wire encoding beyond key/sig
// byte lengths; this oracle is the default stand-in for that opaque suite.
type secpOracle struct{}

// NewOracle returns the default crypto.Oracle used when no external
// collaborator has supplied a post-quantum suite.
func NewOracle() Oracle { return secpOracle{} }

// curve returns the elliptic.Curve backing every key in this oracle.
func curve() elliptic.Curve { return btcec.S256() }

// GenerateKey creates a new ECDSA keypair on the oracle's curve.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(curve(), rand.Reader)
}

// MarshalPublicKey returns the uncompressed point encoding of pub.
func MarshalPublicKey(pub *ecdsa.PublicKey) []byte {
	if pub == nil || pub.X == nil || pub.Y == nil {
		return nil
	}
	return elliptic.Marshal(curve(), pub.X, pub.Y)
}

// UnmarshalPublicKey parses the uncompressed point encoding produced by
// MarshalPublicKey.
func UnmarshalPublicKey(b []byte) (*ecdsa.PublicKey, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("crypto: empty public key")
	}
	x, y := elliptic.Unmarshal(curve(), b)
	if x == nil {
		return nil, fmt.Errorf("crypto: invalid public key encoding")
	}
	return &ecdsa.PublicKey{Curve: curve(), X: x, Y: y}, nil
}

// ecdsaSig is the canonical wire encoding of an (r, s) signature pair: two
// fixed 32-byte big-endian fields, matching spec.md §9's pinned fixed-width
// encoding convention for other header fields.
type ecdsaSig struct {
	R, S [32]byte
}

func (secpOracle) Sign(secret PrivateKey, data []byte) (Signature, error) {
	priv, ok := secret.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("crypto: secret is not an ECDSA private key")
	}
	h := sha256.Sum256(data)
	r, s, err := ecdsa.Sign(rand.Reader, priv, h[:])
	if err != nil {
		return nil, err
	}
	var sig ecdsaSig
	r.FillBytes(sig.R[:])
	s.FillBytes(sig.S[:])
	out := make([]byte, 64)
	copy(out[:32], sig.R[:])
	copy(out[32:], sig.S[:])
	return Signature(out), nil
}

func (secpOracle) Verify(pub PublicKey, data []byte, sig Signature) bool {
	pk, ok := pub.(*ecdsa.PublicKey)
	if !ok || len(sig) != 64 {
		return false
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	h := sha256.Sum256(data)
	return ecdsa.Verify(pk, h[:], r, s)
}

func (secpOracle) Hash(parts ...[]byte) [32]byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (o secpOracle) PeerIDOf(pub PublicKey) [32]byte {
	pk, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return [32]byte{}
	}
	return o.Hash(MarshalPublicKey(pk))
}
