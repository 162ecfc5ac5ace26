package ports

import (
	"context"
	"time"

	"voxrelay/internal/core/domain"
)

// PacketSender delivers an encoded datagram to a connected session.
type PacketSender interface {
	Send(session domain.SessionID, datagram []byte) error
}

// EncoderDirectiveSink is the local encoder collaborator. ApplyBitrate must
// not block for long; it is called from the directive dispatcher, never from
// the ingress path.
type EncoderDirectiveSink interface {
	ApplyBitrate(ctx context.Context, d domain.BitrateDirective) error
}

// PermissionGate is supplied by the auth layer and consulted before
// admitting an unmuted voice stream or a screen share.
type PermissionGate interface {
	Authorize(ctx context.Context, member *domain.Member, perm domain.Permission) error
}

type EventPublisher interface {
	PublishKeyRotated(ctx context.Context, channel domain.ChannelID, keyID domain.KeyID) error
	PublishShareStarted(ctx context.Context, share *domain.ShareSession) error
	PublishShareEnded(ctx context.Context, share *domain.ShareSession, reason domain.ShareEndReason) error
}

// Telemetry receives the counters and gauges emitted by the relay core.
type Telemetry interface {
	PacketDropped(channel domain.ChannelID, reason string)
	FECRecovered(channel domain.ChannelID, n int)
	FECUnrecoverable(channel domain.ChannelID, n int)
	JitterLate(channel domain.ChannelID)
	JitterForcedRelease(channel domain.ChannelID, n int)
	JitterConcealed(channel domain.ChannelID, n int)
	TargetDelay(channel domain.ChannelID, stream domain.StreamKey, d time.Duration)
	StreamBitrate(channel domain.ChannelID, stream domain.StreamKey, bps int)
	StreamClosed(channel domain.ChannelID, stream domain.StreamKey)
	DirectiveDropped(channel domain.ChannelID)
	KeyRotated(channel domain.ChannelID)
	ShareStarted(channel domain.ChannelID)
	ShareEnded(channel domain.ChannelID, reason domain.ShareEndReason)
	ShareRejected(channel domain.ChannelID, reason string)
	CommittedBandwidth(channel domain.ChannelID, active int, bps int64)
	Members(channel domain.ChannelID, n int)
}
