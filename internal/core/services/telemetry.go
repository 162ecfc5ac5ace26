package services

import (
	"context"
	"time"

	"voxrelay/internal/core/domain"
)

// nopTelemetry stands in when no collector is wired.
type nopTelemetry struct{}

func (nopTelemetry) PacketDropped(domain.ChannelID, string)                        {}
func (nopTelemetry) FECRecovered(domain.ChannelID, int)                            {}
func (nopTelemetry) FECUnrecoverable(domain.ChannelID, int)                        {}
func (nopTelemetry) JitterLate(domain.ChannelID)                                   {}
func (nopTelemetry) JitterForcedRelease(domain.ChannelID, int)                     {}
func (nopTelemetry) JitterConcealed(domain.ChannelID, int)                         {}
func (nopTelemetry) TargetDelay(domain.ChannelID, domain.StreamKey, time.Duration) {}
func (nopTelemetry) StreamBitrate(domain.ChannelID, domain.StreamKey, int)         {}
func (nopTelemetry) StreamClosed(domain.ChannelID, domain.StreamKey)               {}
func (nopTelemetry) DirectiveDropped(domain.ChannelID)                             {}
func (nopTelemetry) KeyRotated(domain.ChannelID)                                   {}
func (nopTelemetry) ShareStarted(domain.ChannelID)                                 {}
func (nopTelemetry) ShareEnded(domain.ChannelID, domain.ShareEndReason)            {}
func (nopTelemetry) ShareRejected(domain.ChannelID, string)                        {}
func (nopTelemetry) CommittedBandwidth(domain.ChannelID, int, int64)               {}
func (nopTelemetry) Members(domain.ChannelID, int)                                 {}

type nopEvents struct{}

func (nopEvents) PublishKeyRotated(context.Context, domain.ChannelID, domain.KeyID) error { return nil }
func (nopEvents) PublishShareStarted(context.Context, *domain.ShareSession) error         { return nil }
func (nopEvents) PublishShareEnded(context.Context, *domain.ShareSession, domain.ShareEndReason) error {
	return nil
}
