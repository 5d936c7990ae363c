package wire

import "github.com/ugorji/go/codec"

// canonicalHandle configures ugorji/go/codec for deterministic msgpack
// encoding: Canonical sorts map keys so two peers encoding the same
// logical body always produce byte-identical output, the property
// spec.md §6.3 requires ("all peers must agree" on the body encoding) and
// spec.md §9 requires for hashing inputs.
var canonicalHandle = func() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.Canonical = true
	return h
}()

// EncodeBody canonically encodes a kind-specific body struct (see
// bodies.go) to bytes.
func EncodeBody(v interface{}) ([]byte, error) {
	var out []byte
	enc := codec.NewEncoderBytes(&out, canonicalHandle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeBody decodes bytes produced by EncodeBody into v.
func DecodeBody(b []byte, v interface{}) error {
	dec := codec.NewDecoderBytes(b, canonicalHandle)
	return dec.Decode(v)
}
