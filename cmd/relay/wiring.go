package main

import (
	"voxrelay/internal/core/domain"
	"voxrelay/internal/core/services"
	"voxrelay/pkg/config"
	"voxrelay/pkg/fec"
)

func supervisorConfig(cfg *config.Config) services.SupervisorConfig {
	sc := services.DefaultSupervisorConfig()

	sc.Keys = services.KeyConfig{
		GraceWindow:      cfg.Keys.GraceWindow,
		RotationInterval: cfg.Keys.RotationInterval,
	}

	b := cfg.Bitrate
	sc.Bitrate = services.BitrateConfig{
		AdjustmentInterval: b.AdjustmentInterval,
		LossThresholdHigh:  b.LossThresholdHigh,
		LossThresholdLow:   b.LossThresholdLow,
		RTTThresholdHigh:   b.RTTThresholdHigh,
		RTTComfortable:     b.RTTComfortable,
		DecreaseFactor:     b.DecreaseFactor,
		IncreaseFactor:     b.IncreaseFactor,
		MinBitrate:         b.MinBitrate,
		MaxBitrate:         b.MaxBitrate,
		StartBitrate:       b.StartBitrate,
		DirectiveQueueSize: b.DirectiveQueueSize,
	}

	tiers := make(map[domain.ShareTier]int64, len(cfg.Floor.Tiers))
	for name, bps := range cfg.Floor.Tiers {
		tiers[domain.ShareTier(name)] = bps
	}
	sc.Floor = services.FloorConfig{
		MaxConcurrentShares: cfg.Floor.MaxConcurrentShares,
		BandwidthBudget:     cfg.Floor.BandwidthBudget,
		Tiers:               tiers,
		DefaultTier:         domain.ShareTier(cfg.Floor.DefaultTier),
		MaxShareDuration:    cfg.Floor.MaxShareDuration,
		RequestTimeout:      cfg.Floor.RequestTimeout,
	}

	sc.Pipeline = services.PipelineConfig{
		InboxSize:    cfg.Relay.StreamInboxSize,
		PlayoutTick:  cfg.Relay.PlayoutTick,
		FECGroupSize: cfg.FEC.GroupSize,
		FEC: fec.DecoderConfig{
			MaxPendingGroups: cfg.FEC.MaxPendingGroups,
			GroupTimeout:     cfg.FEC.GroupTimeout,
		},
		Jitter: cfg.Jitter,
	}

	sc.SessionIdleTimeout = cfg.Relay.SessionIdleTimeout
	sc.HousekeepingInterval = cfg.Relay.HousekeepingInterval
	sc.PermissionRetry = cfg.Relay.PermissionRetry
	return sc
}

func iceConfig(cfg *config.Config) services.ICEConfig {
	return services.ICEConfig{
		TURNURLs: cfg.ICE.TurnURLs,
		Secret:   cfg.ICE.TurnSecret,
		Username: cfg.ICE.TurnUser,
		Password: cfg.ICE.TurnPassword,
		TTL:      cfg.ICE.CredentialTTL,
	}
}
