// Package crypto defines the cryptographic capability consumed by the rest
// of the module (spec.md §6.2): opaque sign/verify/hash oracles plus
// peer-id derivation. Swapping the underlying primitive suite (e.g. to a
// post-quantum signature scheme) means providing a new Oracle
// implementation; nothing above this package depends on the concrete
// algorithm.
package crypto

// Oracle is the capability every component receives at construction instead
// of reaching for a package-level crypto function. It mirrors
// babble/src/crypto's thin wrapper around a concrete curve, generalized to
// an interface so the concrete suite is injected rather than hardcoded.
type Oracle interface {
	// Sign produces a signature over data under secret.
	Sign(secret PrivateKey, data []byte) (Signature, error)
	// Verify reports whether sig is a valid signature of data under pub.
	Verify(pub PublicKey, data []byte, sig Signature) bool
	// Hash returns the 32-byte digest of the concatenation of parts.
	Hash(parts ...[]byte) [32]byte
	// PeerIDOf returns hash(pub), the canonical peer id for a public key.
	PeerIDOf(pub PublicKey) [32]byte
}

// PrivateKey and PublicKey are opaque, oracle-specific encodings. Callers
// never inspect their structure directly; they pass them back into the same
// Oracle that produced them.
type PrivateKey interface{}

// PublicKey is the exported counterpart of a PrivateKey, serializable to
// bytes via Oracle-specific helpers (see secpOracle and MarshalPublicKey).
type PublicKey interface{}

// Signature is an opaque, oracle-specific signature encoding.
type Signature []byte
