package packet

import (
	"fmt"
	"math"
)

// Hello opens a session. Token is the bearer token issued by the auth layer.
type Hello struct {
	Token string
}

func (h Hello) MarshalBinary() ([]byte, error) {
	var w writer
	w.str(h.Token)
	return w.bytes()
}

func (h *Hello) UnmarshalBinary(b []byte) error {
	r := reader{b: b}
	h.Token = r.str()
	if err := r.done(); err != nil {
		return err
	}
	if h.Token == "" {
		return fmt.Errorf("%w: empty token", ErrMalformedPacket)
	}
	return nil
}

// Welcome answers HELLO (with an empty channel) and JOIN_CHANNEL.
type Welcome struct {
	SessionID string
	ChannelID string
	KeyID     uint32
}

func (m Welcome) MarshalBinary() ([]byte, error) {
	var w writer
	w.str(m.SessionID)
	w.str(m.ChannelID)
	w.u32(m.KeyID)
	return w.bytes()
}

func (m *Welcome) UnmarshalBinary(b []byte) error {
	r := reader{b: b}
	m.SessionID = r.str()
	m.ChannelID = r.str()
	m.KeyID = r.u32()
	return r.done()
}

type JoinChannel struct {
	ChannelID string
}

func (m JoinChannel) MarshalBinary() ([]byte, error) {
	var w writer
	w.str(m.ChannelID)
	return w.bytes()
}

func (m *JoinChannel) UnmarshalBinary(b []byte) error {
	r := reader{b: b}
	m.ChannelID = r.str()
	return channelPayloadDone(&r, m.ChannelID)
}

type LeaveChannel struct {
	ChannelID string
}

func (m LeaveChannel) MarshalBinary() ([]byte, error) {
	var w writer
	w.str(m.ChannelID)
	return w.bytes()
}

func (m *LeaveChannel) UnmarshalBinary(b []byte) error {
	r := reader{b: b}
	m.ChannelID = r.str()
	return channelPayloadDone(&r, m.ChannelID)
}

type SpeakingState struct {
	StreamID uint32
	Speaking bool
}

func (m SpeakingState) MarshalBinary() ([]byte, error) {
	var w writer
	w.u32(m.StreamID)
	if m.Speaking {
		w.u8(1)
	} else {
		w.u8(0)
	}
	return w.bytes()
}

func (m *SpeakingState) UnmarshalBinary(b []byte) error {
	r := reader{b: b}
	m.StreamID = r.u32()
	flag := r.u8()
	if err := r.done(); err != nil {
		return err
	}
	if flag > 1 {
		return fmt.Errorf("%w: speaking flag %d", ErrMalformedPacket, flag)
	}
	m.Speaking = flag == 1
	return nil
}

// QualityStats is a receiver report about one stream, sampled over the
// reporting interval.
type QualityStats struct {
	StreamID uint32
	LossRate float32
	RTTMs    uint32
	JitterMs uint32
}

func (m QualityStats) MarshalBinary() ([]byte, error) {
	if !validLossRate(m.LossRate) {
		return nil, fmt.Errorf("loss rate %v out of range", m.LossRate)
	}
	var w writer
	w.u32(m.StreamID)
	w.u32(math.Float32bits(m.LossRate))
	w.u32(m.RTTMs)
	w.u32(m.JitterMs)
	return w.bytes()
}

func (m *QualityStats) UnmarshalBinary(b []byte) error {
	r := reader{b: b}
	m.StreamID = r.u32()
	m.LossRate = math.Float32frombits(r.u32())
	m.RTTMs = r.u32()
	m.JitterMs = r.u32()
	if err := r.done(); err != nil {
		return err
	}
	if !validLossRate(m.LossRate) {
		return fmt.Errorf("%w: loss rate %v", ErrMalformedPacket, m.LossRate)
	}
	return nil
}

func validLossRate(v float32) bool {
	return v >= 0 && v <= 1
}

// KeySync announces a new key epoch. The key itself never travels.
type KeySync struct {
	KeyID     uint32
	ChannelID string
}

func (m KeySync) MarshalBinary() ([]byte, error) {
	var w writer
	w.u32(m.KeyID)
	w.str(m.ChannelID)
	return w.bytes()
}

func (m *KeySync) UnmarshalBinary(b []byte) error {
	r := reader{b: b}
	m.KeyID = r.u32()
	m.ChannelID = r.str()
	return channelPayloadDone(&r, m.ChannelID)
}

func channelPayloadDone(r *reader, channel string) error {
	if err := r.done(); err != nil {
		return err
	}
	if channel == "" {
		return fmt.Errorf("%w: empty channel id", ErrMalformedPacket)
	}
	return nil
}
