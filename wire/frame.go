package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single decoded frame (header + body + signature +
// pubkey), well above MAX_PAYLOAD to leave room for framing overhead while
// still rejecting corrupt length prefixes outright.
const MaxFrameSize = 2 * 1024 * 1024

// WriteFrame writes msg to w as: u32 total length, fixed header, u64
// epoch, 32-byte signer peer id, u16 signer-pubkey length + bytes, u32 body length + bytes, u16 signature
// length + bytes. Streams are assumed reliable and ordered (spec.md §6.1);
// this framing only needs to delimit messages, not recover from loss.
func WriteFrame(w io.Writer, msg *Message) error {
	var payload []byte
	payload = append(payload, EncodeHeader(msg.Header)...)
	payload = append(payload, u64(msg.Epoch)...)
	payload = append(payload, msg.SignerPeerID[:]...)
	payload = append(payload, u16(len(msg.SignerPubKey))...)
	payload = append(payload, msg.SignerPubKey...)
	payload = append(payload, u32(len(msg.Body))...)
	payload = append(payload, msg.Body...)
	payload = append(payload, u16(len(msg.Signature))...)
	payload = append(payload, msg.Signature...)

	if len(payload) > MaxFrameSize {
		return fmt.Errorf("wire: frame too large: %d bytes", len(payload))
	}

	if _, err := w.Write(u32(len(payload))); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one frame written by WriteFrame.
func ReadFrame(r io.Reader) (*Message, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf)
	if n == 0 || int(n) > MaxFrameSize {
		return nil, fmt.Errorf("wire: invalid frame length: %d", n)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	if len(buf) < HeaderSize+8+32 {
		return nil, fmt.Errorf("wire: truncated frame")
	}

	hdr, err := DecodeHeader(buf[:HeaderSize])
	if err != nil {
		return nil, err
	}
	off := HeaderSize

	epoch := binary.BigEndian.Uint64(buf[off : off+8])
	off += 8

	var signer PeerID
	copy(signer[:], buf[off:off+32])
	off += 32

	if off+2 > len(buf) {
		return nil, fmt.Errorf("wire: truncated frame (pubkey length)")
	}
	pubLen := int(binary.BigEndian.Uint16(buf[off : off+2]))
	off += 2
	if off+pubLen > len(buf) {
		return nil, fmt.Errorf("wire: truncated frame (pubkey)")
	}
	pub := append([]byte(nil), buf[off:off+pubLen]...)
	off += pubLen

	if off+4 > len(buf) {
		return nil, fmt.Errorf("wire: truncated frame (body length)")
	}
	bodyLen := int(binary.BigEndian.Uint32(buf[off : off+4]))
	off += 4
	if off+bodyLen > len(buf) {
		return nil, fmt.Errorf("wire: truncated frame (body)")
	}
	body := append([]byte(nil), buf[off:off+bodyLen]...)
	off += bodyLen

	if off+2 > len(buf) {
		return nil, fmt.Errorf("wire: truncated frame (sig length)")
	}
	sigLen := int(binary.BigEndian.Uint16(buf[off : off+2]))
	off += 2
	if off+sigLen > len(buf) {
		return nil, fmt.Errorf("wire: truncated frame (sig)")
	}
	sig := append([]byte(nil), buf[off:off+sigLen]...)

	return &Message{
		Header:       hdr,
		Epoch:        epoch,
		SignerPeerID: signer,
		SignerPubKey: pub,
		Body:         body,
		Signature:    sig,
	}, nil
}

func u16(n int) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, uint16(n))
	return b
}

func u32(n int) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(n))
	return b
}

func u64(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}
