package domain

import "time"

// QualitySample is one QUALITY_STATS report about a stream.
type QualitySample struct {
	Stream     StreamKey
	LossRate   float64
	RTT        time.Duration
	Jitter     time.Duration
	ReceivedAt time.Time
}

// BitrateDirective instructs the sender's encoder to change its target bitrate.
type BitrateDirective struct {
	Channel  ChannelID
	Stream   StreamKey
	Bitrate  int
	Previous int
	Reason   string
	IssuedAt time.Time
}

type StreamStats struct {
	Session          SessionID     `json:"session_id"`
	Stream           StreamID      `json:"stream_id"`
	Kind             string        `json:"kind"`
	JitterState      string        `json:"jitter_state"`
	TargetDelay      time.Duration `json:"target_delay"`
	EstimatedJitter  time.Duration `json:"estimated_jitter"`
	Buffered         int           `json:"buffered"`
	Released         uint64        `json:"released"`
	Late             uint64        `json:"late"`
	Concealed        uint64        `json:"concealed"`
	ForcedReleases   uint64        `json:"forced_releases"`
	FECRecovered     uint64        `json:"fec_recovered"`
	FECUnrecoverable uint64        `json:"fec_unrecoverable"`
	Dropped          uint64        `json:"dropped"`
	Bitrate          int           `json:"bitrate,omitempty"`
}

type ChannelStats struct {
	Channel            ChannelID      `json:"channel_id"`
	KeyID              KeyID          `json:"key_id"`
	Members            int            `json:"members"`
	Streams            []StreamStats  `json:"streams"`
	Shares             []ShareSession `json:"shares"`
	CommittedBandwidth int64          `json:"committed_bandwidth"`
	Timestamp          time.Time      `json:"timestamp"`
}
