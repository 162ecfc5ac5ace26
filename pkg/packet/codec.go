package packet

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the length of a channel media key.
const KeySize = chacha20poly1305.KeySize

const wrapperOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

var (
	ErrMalformedPacket   = errors.New("malformed packet")
	ErrUnknownPacketType = errors.New("unknown packet type")
	ErrDecryptionFailed  = errors.New("decryption failed")
	ErrUnwrappedMedia    = fmt.Errorf("%w: media packet outside encryption wrapper", ErrMalformedPacket)
	ErrInvalidKey        = errors.New("invalid key")
)

// Packet is a decoded datagram. For packets that were not encrypted Payload
// aliases the input buffer.
type Packet struct {
	Type      Type
	Payload   []byte
	Encrypted bool
}

// Encode frames payload under tag t. With a non-nil key the frame is sealed
// inside an ENCRYPTED_WRAPPER; media types are refused without a key.
func Encode(t Type, payload []byte, key []byte) ([]byte, error) {
	if !t.Known() || t == TypeEncrypted {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPacketType, t)
	}
	if key == nil {
		if t.IsMedia() {
			return nil, ErrUnwrappedMedia
		}
		out := make([]byte, 1+len(payload))
		out[0] = byte(t)
		copy(out[1:], payload)
		return out, nil
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	inner := make([]byte, 1+len(payload))
	inner[0] = byte(t)
	copy(inner[1:], payload)

	out := make([]byte, 1+aead.NonceSize(), wrapperOverhead+len(inner))
	out[0] = byte(TypeEncrypted)
	nonce := out[1 : 1+aead.NonceSize()]
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(out, nonce, inner, out[:1]), nil
}

// Decode parses a datagram, removing the encryption wrapper with key when
// the outer tag asks for it.
func Decode(wire []byte, key []byte) (Packet, error) {
	if len(wire) == 0 {
		return Packet{}, fmt.Errorf("%w: empty datagram", ErrMalformedPacket)
	}

	t := Type(wire[0])
	if t != TypeEncrypted {
		if !t.Known() {
			return Packet{}, fmt.Errorf("%w: 0x%02x", ErrUnknownPacketType, wire[0])
		}
		if t.IsMedia() {
			return Packet{}, ErrUnwrappedMedia
		}
		return Packet{Type: t, Payload: wire[1:]}, nil
	}

	if len(wire) < wrapperOverhead+1 {
		return Packet{}, fmt.Errorf("%w: truncated wrapper (%d bytes)", ErrMalformedPacket, len(wire))
	}
	if len(key) != KeySize {
		return Packet{}, fmt.Errorf("%w: no usable key", ErrDecryptionFailed)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	nonce := wire[1 : 1+aead.NonceSize()]
	inner, err := aead.Open(nil, nonce, wire[1+aead.NonceSize():], wire[:1])
	if err != nil {
		return Packet{}, ErrDecryptionFailed
	}

	it := Type(inner[0])
	switch {
	case it == TypeEncrypted:
		return Packet{}, fmt.Errorf("%w: nested wrapper", ErrMalformedPacket)
	case !it.Known():
		return Packet{}, fmt.Errorf("%w: 0x%02x", ErrUnknownPacketType, inner[0])
	}
	return Packet{Type: it, Payload: inner[1:], Encrypted: true}, nil
}

// DecodeWithKeys tries keys in order and returns the index of the key that
// authenticated the packet, or -1 for packets that were not encrypted. Only
// decryption failures move on to the next key.
func DecodeWithKeys(wire []byte, keys [][]byte) (Packet, int, error) {
	if len(wire) > 0 && Type(wire[0]) != TypeEncrypted {
		p, err := Decode(wire, nil)
		return p, -1, err
	}
	if len(keys) == 0 {
		p, err := Decode(wire, nil)
		return p, -1, err
	}

	var lastErr error
	for i, key := range keys {
		p, err := Decode(wire, key)
		if err == nil {
			return p, i, nil
		}
		if !errors.Is(err, ErrDecryptionFailed) {
			return Packet{}, -1, err
		}
		lastErr = err
	}
	return Packet{}, -1, lastErr
}
