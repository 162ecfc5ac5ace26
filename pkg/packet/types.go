package packet

import "fmt"

// Type is the single-byte tag that starts every datagram.
type Type byte

const (
	TypeHello         Type = 0x01
	TypeWelcome       Type = 0x02
	TypeJoinChannel   Type = 0x10
	TypeLeaveChannel  Type = 0x11
	TypeVoice         Type = 0x20
	TypeVideo         Type = 0x21
	TypeSpeakingState Type = 0x30
	TypeQualityStats  Type = 0x40
	TypeKeySync       Type = 0x50
	TypeEncrypted     Type = 0xFE
	TypeKeepalive     Type = 0xFF
)

func (t Type) String() string {
	switch t {
	case TypeHello:
		return "HELLO"
	case TypeWelcome:
		return "WELCOME"
	case TypeJoinChannel:
		return "JOIN_CHANNEL"
	case TypeLeaveChannel:
		return "LEAVE_CHANNEL"
	case TypeVoice:
		return "VOICE"
	case TypeVideo:
		return "VIDEO"
	case TypeSpeakingState:
		return "SPEAKING_STATE"
	case TypeQualityStats:
		return "QUALITY_STATS"
	case TypeKeySync:
		return "KEY_SYNC"
	case TypeEncrypted:
		return "ENCRYPTED_WRAPPER"
	case TypeKeepalive:
		return "KEEPALIVE"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", byte(t))
	}
}

// Known reports whether t is one of the protocol's tags.
func (t Type) Known() bool {
	switch t {
	case TypeHello, TypeWelcome, TypeJoinChannel, TypeLeaveChannel,
		TypeVoice, TypeVideo, TypeSpeakingState, TypeQualityStats,
		TypeKeySync, TypeEncrypted, TypeKeepalive:
		return true
	}
	return false
}

// IsMedia reports whether packets of this type must travel encrypted.
func (t Type) IsMedia() bool {
	return t == TypeVoice || t == TypeVideo
}
