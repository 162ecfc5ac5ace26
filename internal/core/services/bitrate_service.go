package services

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"voxrelay/internal/core/domain"
	"voxrelay/internal/core/ports"

	"go.uber.org/zap"
)

type BitrateConfig struct {
	AdjustmentInterval time.Duration
	LossThresholdHigh  float64
	LossThresholdLow   float64
	RTTThresholdHigh   time.Duration
	RTTComfortable     time.Duration
	DecreaseFactor     float64
	IncreaseFactor     float64
	MinBitrate         int
	MaxBitrate         int
	StartBitrate       int
	DirectiveQueueSize int
}

func DefaultBitrateConfig() BitrateConfig {
	return BitrateConfig{
		AdjustmentInterval: 5 * time.Second,
		LossThresholdHigh:  0.10,
		LossThresholdLow:   0.02,
		RTTThresholdHigh:   200 * time.Millisecond,
		RTTComfortable:     100 * time.Millisecond,
		DecreaseFactor:     0.8,
		IncreaseFactor:     1.1,
		MinBitrate:         16000,
		MaxBitrate:         128000,
		StartBitrate:       64000,
		DirectiveQueueSize: 64,
	}
}

// Next applies one control step. Congestion wins over headroom, so a tick
// never both raises and lowers.
func (c BitrateConfig) Next(current int, loss float64, rtt time.Duration) (int, string) {
	switch {
	case loss >= c.LossThresholdHigh || rtt >= c.RTTThresholdHigh:
		return c.clamp(int(float64(current) * c.DecreaseFactor)), "congestion"
	case loss <= c.LossThresholdLow && rtt <= c.RTTComfortable:
		return c.clamp(int(math.Ceil(float64(current) * c.IncreaseFactor))), "headroom"
	default:
		return c.clamp(current), "hold"
	}
}

func (c BitrateConfig) clamp(bps int) int {
	if bps < c.MinBitrate {
		return c.MinBitrate
	}
	if bps > c.MaxBitrate {
		return c.MaxBitrate
	}
	return bps
}

type bitrateState struct {
	current      int
	lastAdjusted time.Time
	lossSum      float64
	rttSum       time.Duration
	samples      int
}

// BitrateController runs the per-sender control loop of one channel. Samples
// accumulate between ticks; directives leave through a bounded queue so a
// slow encoder never holds up packet ingress.
type BitrateController struct {
	channel   domain.ChannelID
	cfg       BitrateConfig
	sink      ports.EncoderDirectiveSink
	telemetry ports.Telemetry
	logger    *zap.SugaredLogger
	now       func() time.Time

	mu      sync.Mutex
	streams map[domain.StreamKey]*bitrateState

	directives chan domain.BitrateDirective
	startOnce  sync.Once
	stopOnce   sync.Once
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func NewBitrateController(
	channel domain.ChannelID,
	cfg BitrateConfig,
	sink ports.EncoderDirectiveSink,
	telemetry ports.Telemetry,
	logger *zap.SugaredLogger,
	now func() time.Time,
) *BitrateController {
	if telemetry == nil {
		telemetry = nopTelemetry{}
	}
	if now == nil {
		now = time.Now
	}
	return &BitrateController{
		channel:    channel,
		cfg:        cfg,
		sink:       sink,
		telemetry:  telemetry,
		logger:     logger,
		now:        now,
		streams:    make(map[domain.StreamKey]*bitrateState),
		directives: make(chan domain.BitrateDirective, cfg.DirectiveQueueSize),
	}
}

// Start launches the periodic tick and the directive dispatcher.
func (b *BitrateController) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		ctx, b.cancel = context.WithCancel(ctx)
		b.wg.Add(2)
		go b.tickLoop(ctx)
		go b.dispatch(ctx)
	})
}

func (b *BitrateController) Stop() {
	b.stopOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
		b.wg.Wait()
	})
}

func (b *BitrateController) tickLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.AdjustmentInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Tick(b.now())
		}
	}
}

func (b *BitrateController) dispatch(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-b.directives:
			if err := b.sink.ApplyBitrate(ctx, d); err != nil {
				b.logger.Warnw("encoder rejected bitrate directive",
					"channel_id", d.Channel,
					"stream_id", d.Stream.String(),
					"bitrate", d.Bitrate,
					"error", err,
				)
			}
		}
	}
}

// Register starts tracking a sender stream at the start bitrate.
func (b *BitrateController) Register(stream domain.StreamKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.streams[stream]; ok {
		return
	}
	b.streams[stream] = &bitrateState{current: b.cfg.StartBitrate, lastAdjusted: b.now()}
	b.telemetry.StreamBitrate(b.channel, stream, b.cfg.StartBitrate)
}

func (b *BitrateController) Unregister(stream domain.StreamKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.streams, stream)
}

// Observe records one quality sample for the next tick.
func (b *BitrateController) Observe(sample domain.QualitySample) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.streams[sample.Stream]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrStreamNotFound, sample.Stream)
	}
	st.lossSum += sample.LossRate
	st.rttSum += sample.RTT
	st.samples++
	return nil
}

func (b *BitrateController) Bitrate(stream domain.StreamKey) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.streams[stream]
	if !ok {
		return 0, false
	}
	return st.current, true
}

// Tick evaluates every stream with pending samples and queues a directive
// for each one whose bitrate changed. Streams without samples hold.
func (b *BitrateController) Tick(now time.Time) []domain.BitrateDirective {
	b.mu.Lock()
	var issued []domain.BitrateDirective
	for key, st := range b.streams {
		if st.samples == 0 {
			continue
		}
		loss := st.lossSum / float64(st.samples)
		rtt := st.rttSum / time.Duration(st.samples)
		st.lossSum, st.rttSum, st.samples = 0, 0, 0

		next, reason := b.cfg.Next(st.current, loss, rtt)
		if next == st.current {
			continue
		}
		issued = append(issued, domain.BitrateDirective{
			Channel:  b.channel,
			Stream:   key,
			Bitrate:  next,
			Previous: st.current,
			Reason:   reason,
			IssuedAt: now,
		})
		st.current = next
		st.lastAdjusted = now
	}
	b.mu.Unlock()

	for _, d := range issued {
		b.telemetry.StreamBitrate(b.channel, d.Stream, d.Bitrate)
		select {
		case b.directives <- d:
		default:
			b.telemetry.DirectiveDropped(b.channel)
			b.logger.Warnw("bitrate directive queue full, dropping directive",
				"channel_id", b.channel,
				"stream_id", d.Stream.String(),
				"bitrate", d.Bitrate,
			)
		}
	}
	return issued
}
