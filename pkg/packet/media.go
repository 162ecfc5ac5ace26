package packet

import (
	"encoding"
	"fmt"

	"voxrelay/pkg/fec"

	"github.com/pion/rtp"
)

const (
	AudioPayloadType  uint8 = 111
	VideoPayloadType  uint8 = 96
	ParityPayloadType uint8 = 127

	fecExtensionID uint8 = 1
)

// Media is the RTP packet carried inside VOICE and VIDEO. Stream is the
// sender-chosen SSRC and Timestamp is in milliseconds. Parity packets reuse
// Sequence as the FEC group number.
type Media struct {
	Stream      uint32
	Sequence    uint16
	Timestamp   uint32
	PayloadType uint8
	Marker      bool
	Slot        *fec.Slot
	Payload     []byte
}

func (m *Media) IsParity() bool {
	return m.PayloadType == ParityPayloadType
}

func (m *Media) Marshal() ([]byte, error) {
	p := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         m.Marker,
			PayloadType:    m.PayloadType,
			SequenceNumber: m.Sequence,
			Timestamp:      m.Timestamp,
			SSRC:           m.Stream,
		},
		Payload: m.Payload,
	}
	if m.Slot != nil {
		if err := p.Header.SetExtension(fecExtensionID, m.Slot.Marshal()); err != nil {
			return nil, fmt.Errorf("failed to set fec extension: %w", err)
		}
	}
	return p.Marshal()
}

// ParseMedia decodes an RTP media payload. The returned payload does not
// alias b.
func ParseMedia(b []byte) (*Media, error) {
	var p rtp.Packet
	if err := p.Unmarshal(b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	if p.Version != 2 {
		return nil, fmt.Errorf("%w: rtp version %d", ErrMalformedPacket, p.Version)
	}

	payload := make([]byte, len(p.Payload))
	copy(payload, p.Payload)
	m := &Media{
		Stream:      p.SSRC,
		Sequence:    p.SequenceNumber,
		Timestamp:   p.Timestamp,
		PayloadType: p.PayloadType,
		Marker:      p.Marker,
		Payload:     payload,
	}
	if ext := p.GetExtension(fecExtensionID); ext != nil {
		slot, err := fec.ParseSlot(ext)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
		}
		m.Slot = &slot
	}
	return m, nil
}

// EncodeMessage marshals msg and frames it under tag t.
func EncodeMessage(t Type, msg encoding.BinaryMarshaler, key []byte) ([]byte, error) {
	payload, err := msg.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", t, err)
	}
	return Encode(t, payload, key)
}

// EncodeMedia marshals m and frames it under tag t, which must be a media
// type.
func EncodeMedia(t Type, m *Media, key []byte) ([]byte, error) {
	if !t.IsMedia() {
		return nil, fmt.Errorf("%w: %s is not a media type", ErrUnknownPacketType, t)
	}
	payload, err := m.Marshal()
	if err != nil {
		return nil, err
	}
	return Encode(t, payload, key)
}
