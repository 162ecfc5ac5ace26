package domain

import (
	"fmt"
	"time"
)

type ChannelID string
type UserID string
type SessionID string
type ShareID string

// StreamID is the sender-chosen RTP SSRC of a media stream.
type StreamID uint32

// KeyID numbers the key epochs of a channel. It only ever increases.
type KeyID uint32

type MediaKind uint8

const (
	MediaAudio MediaKind = iota + 1
	MediaVideo
	MediaScreen
)

func (k MediaKind) String() string {
	switch k {
	case MediaAudio:
		return "audio"
	case MediaVideo:
		return "video"
	case MediaScreen:
		return "screen"
	default:
		return "unknown"
	}
}

// StreamKey identifies a stream inside a channel. SSRCs are only unique per
// sender, so the owning session is part of the key.
type StreamKey struct {
	Session SessionID
	Stream  StreamID
}

func (k StreamKey) String() string {
	return fmt.Sprintf("%s/%d", k.Session, k.Stream)
}

type Stream struct {
	Key       StreamKey
	Kind      MediaKind
	Owner     UserID
	Channel   ChannelID
	CreatedAt time.Time
}
