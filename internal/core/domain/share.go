package domain

import "time"

type ShareTier string

const (
	Tier1080p60 ShareTier = "1080p60"
	Tier1080p30 ShareTier = "1080p30"
	Tier720p60  ShareTier = "720p60"
	Tier720p30  ShareTier = "720p30"
	Tier480p30  ShareTier = "480p30"
)

// DefaultTierBandwidth holds the nominal bitrate in bits per second of each
// screen-share tier.
var DefaultTierBandwidth = map[ShareTier]int64{
	Tier1080p60: 5_000_000,
	Tier1080p30: 3_500_000,
	Tier720p60:  2_500_000,
	Tier720p30:  1_500_000,
	Tier480p30:  800_000,
}

type ShareRequest struct {
	ID          string    `json:"id"`
	Channel     ChannelID `json:"channel_id"`
	Requester   UserID    `json:"requester"`
	Session     SessionID `json:"session_id"`
	Stream      StreamID  `json:"stream_id"`
	Tier        ShareTier `json:"tier"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type ShareSession struct {
	ID        ShareID   `json:"id"`
	Channel   ChannelID `json:"channel_id"`
	Requester UserID    `json:"requester"`
	Session   SessionID `json:"session_id"`
	Stream    StreamID  `json:"stream_id"`
	Tier      ShareTier `json:"tier"`
	Bitrate   int64     `json:"bitrate"`
	StartedAt time.Time `json:"started_at"`
	Deadline  time.Time `json:"deadline"`
}

type ShareEndReason string

const (
	ShareEndStopped  ShareEndReason = "stopped"
	ShareEndDuration ShareEndReason = "duration_cap"
	ShareEndLeft     ShareEndReason = "left"
)
