package packet

import (
	"bytes"
	"testing"

	"voxrelay/pkg/fec"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, KeySize)
}

func TestEncodeDecode_Plain(t *testing.T) {
	wire, err := Encode(TypeKeepalive, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF}, wire)

	p, err := Decode(wire, nil)
	require.NoError(t, err)
	assert.Equal(t, TypeKeepalive, p.Type)
	assert.Empty(t, p.Payload)
	assert.False(t, p.Encrypted)
}

func TestEncodeDecode_Wrapped(t *testing.T) {
	key := testKey(1)
	wire, err := Encode(TypeVoice, []byte("opus frame"), key)
	require.NoError(t, err)
	assert.Equal(t, byte(TypeEncrypted), wire[0])
	assert.Len(t, wire, wrapperOverhead+1+len("opus frame"))

	p, err := Decode(wire, key)
	require.NoError(t, err)
	assert.Equal(t, TypeVoice, p.Type)
	assert.Equal(t, []byte("opus frame"), p.Payload)
	assert.True(t, p.Encrypted)
}

func TestEncode_MediaRequiresKey(t *testing.T) {
	_, err := Encode(TypeVideo, []byte{1}, nil)
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestEncode_RejectsUnknownAndWrapperTags(t *testing.T) {
	_, err := Encode(Type(0x77), nil, nil)
	assert.ErrorIs(t, err, ErrUnknownPacketType)
	_, err = Encode(TypeEncrypted, nil, testKey(1))
	assert.ErrorIs(t, err, ErrUnknownPacketType)
}

func TestEncode_InvalidKey(t *testing.T) {
	_, err := Encode(TypeVoice, []byte{1}, []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestDecode_Errors(t *testing.T) {
	key := testKey(2)
	sealed, err := Encode(TypeVoice, []byte{1, 2, 3}, key)
	require.NoError(t, err)

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0x01

	tests := []struct {
		name string
		wire []byte
		key  []byte
		want error
	}{
		{"empty", nil, key, ErrMalformedPacket},
		{"unknown tag", []byte{0x77, 1}, key, ErrUnknownPacketType},
		{"unwrapped voice", []byte{byte(TypeVoice), 1, 2}, key, ErrMalformedPacket},
		{"truncated wrapper", sealed[:10], key, ErrMalformedPacket},
		{"wrong key", sealed, testKey(3), ErrDecryptionFailed},
		{"tampered", tampered, key, ErrDecryptionFailed},
		{"no key", sealed, nil, ErrDecryptionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.wire, tt.key)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDecodeWithKeys_FallsBackToPreviousKey(t *testing.T) {
	current, previous := testKey(5), testKey(6)
	wire, err := Encode(TypeVoice, []byte{9}, previous)
	require.NoError(t, err)

	p, idx, err := DecodeWithKeys(wire, [][]byte{current, previous})
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	assert.Equal(t, []byte{9}, p.Payload)

	_, _, err = DecodeWithKeys(wire, [][]byte{current})
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestDecodeWithKeys_PlainControl(t *testing.T) {
	wire, err := EncodeMessage(TypeJoinChannel, JoinChannel{ChannelID: "general"}, nil)
	require.NoError(t, err)

	p, idx, err := DecodeWithKeys(wire, nil)
	require.NoError(t, err)
	assert.Equal(t, -1, idx)
	assert.Equal(t, TypeJoinChannel, p.Type)
}

func TestPayloads_RoundTrip(t *testing.T) {
	var hello Hello
	b, err := Hello{Token: "jwt"}.MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, hello.UnmarshalBinary(b))
	assert.Equal(t, "jwt", hello.Token)

	var welcome Welcome
	b, err = Welcome{SessionID: "s1", ChannelID: "general", KeyID: 7}.MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, welcome.UnmarshalBinary(b))
	assert.Equal(t, Welcome{SessionID: "s1", ChannelID: "general", KeyID: 7}, welcome)

	var qs QualityStats
	b, err = QualityStats{StreamID: 42, LossRate: 0.25, RTTMs: 180, JitterMs: 12}.MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, qs.UnmarshalBinary(b))
	assert.Equal(t, QualityStats{StreamID: 42, LossRate: 0.25, RTTMs: 180, JitterMs: 12}, qs)

	var ks KeySync
	b, err = KeySync{KeyID: 3, ChannelID: "lounge"}.MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, ks.UnmarshalBinary(b))
	assert.Equal(t, KeySync{KeyID: 3, ChannelID: "lounge"}, ks)
}

func TestPayloads_Malformed(t *testing.T) {
	var join JoinChannel
	assert.ErrorIs(t, join.UnmarshalBinary([]byte{0, 5, 'a'}), ErrMalformedPacket)
	assert.ErrorIs(t, join.UnmarshalBinary([]byte{0, 0}), ErrMalformedPacket)

	var hello Hello
	assert.ErrorIs(t, hello.UnmarshalBinary([]byte{0, 1, 'x', 'y'}), ErrMalformedPacket)

	var speaking SpeakingState
	assert.ErrorIs(t, speaking.UnmarshalBinary([]byte{0, 0, 0, 1, 2}), ErrMalformedPacket)

	var qs QualityStats
	b, err := QualityStats{StreamID: 1, LossRate: 0.5}.MarshalBinary()
	require.NoError(t, err)
	b[4], b[5], b[6], b[7] = 0x40, 0, 0, 0 // 2.0
	assert.ErrorIs(t, qs.UnmarshalBinary(b), ErrMalformedPacket)

	_, err = QualityStats{LossRate: 1.5}.MarshalBinary()
	assert.Error(t, err)
}

func TestMedia_RoundTripWithSlot(t *testing.T) {
	m := &Media{
		Stream:      0xCAFE,
		Sequence:    65535,
		Timestamp:   123456,
		PayloadType: AudioPayloadType,
		Slot:        &fec.Slot{Group: 9, Index: 1, Size: 3},
		Payload:     []byte{1, 2, 3},
	}
	key := testKey(7)
	wire, err := EncodeMedia(TypeVoice, m, key)
	require.NoError(t, err)

	p, err := Decode(wire, key)
	require.NoError(t, err)
	got, err := ParseMedia(p.Payload)
	require.NoError(t, err)
	assert.Equal(t, m, got)
	assert.False(t, got.IsParity())
}

func TestMedia_WithoutSlot(t *testing.T) {
	m := &Media{Stream: 1, Sequence: 2, Timestamp: 3, PayloadType: ParityPayloadType, Payload: []byte{4}}
	b, err := m.Marshal()
	require.NoError(t, err)

	got, err := ParseMedia(b)
	require.NoError(t, err)
	assert.Nil(t, got.Slot)
	assert.True(t, got.IsParity())
}

func TestParseMedia_EmptyPayloadIsNotNil(t *testing.T) {
	m := &Media{Stream: 9, Sequence: 101, Timestamp: 20, PayloadType: AudioPayloadType, Payload: []byte{}}
	b, err := m.Marshal()
	require.NoError(t, err)

	got, err := ParseMedia(b)
	require.NoError(t, err)
	assert.NotNil(t, got.Payload)
	assert.Empty(t, got.Payload)
}

func TestParseMedia_Garbage(t *testing.T) {
	_, err := ParseMedia([]byte{1, 2})
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestType_String(t *testing.T) {
	assert.Equal(t, "QUALITY_STATS", TypeQualityStats.String())
	assert.Equal(t, "UNKNOWN(0x77)", Type(0x77).String())
	assert.True(t, TypeVideo.IsMedia())
	assert.False(t, TypeKeySync.IsMedia())
}
