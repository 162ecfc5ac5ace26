package monitoring

import (
	"time"

	"voxrelay/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.Telemetry.
type PrometheusCollector struct {
	packetsDropped     *prometheus.CounterVec
	fecRecovered       *prometheus.CounterVec
	fecUnrecoverable   *prometheus.CounterVec
	jitterLate         *prometheus.CounterVec
	jitterForced       *prometheus.CounterVec
	jitterConcealed    *prometheus.CounterVec
	directivesDropped  *prometheus.CounterVec
	keyRotations       *prometheus.CounterVec
	sharesStarted      *prometheus.CounterVec
	sharesEnded        *prometheus.CounterVec
	sharesRejected     *prometheus.CounterVec
	directivesApplied  *prometheus.CounterVec
	targetDelay        *prometheus.GaugeVec
	streamBitrate      *prometheus.GaugeVec
	activeShares       *prometheus.GaugeVec
	committedBandwidth *prometheus.GaugeVec
	channelMembers     *prometheus.GaugeVec
}

// NewPrometheusCollector registers the relay metrics on reg. Passing
// prometheus.DefaultRegisterer exposes them on the default /metrics handler.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	f := promauto.With(reg)
	return &PrometheusCollector{
		packetsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voxrelay_packets_dropped_total",
			Help: "Datagrams dropped by the relay, by reason",
		}, []string{"channel_id", "reason"}),

		fecRecovered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voxrelay_fec_recovered_total",
			Help: "Media packets rebuilt from FEC parity",
		}, []string{"channel_id"}),

		fecUnrecoverable: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voxrelay_fec_unrecoverable_total",
			Help: "Media packets lost in groups with more than one loss",
		}, []string{"channel_id"}),

		jitterLate: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voxrelay_jitter_late_total",
			Help: "Packets discarded because their playout slot had passed",
		}, []string{"channel_id"}),

		jitterForced: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voxrelay_jitter_forced_releases_total",
			Help: "Frames released early because a jitter buffer was full",
		}, []string{"channel_id"}),

		jitterConcealed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voxrelay_jitter_concealed_total",
			Help: "Sequence numbers passed to playout as gaps",
		}, []string{"channel_id"}),

		directivesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voxrelay_bitrate_directives_dropped_total",
			Help: "Encoder directives dropped because the dispatch queue was full",
		}, []string{"channel_id"}),

		directivesApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voxrelay_bitrate_directives_applied_total",
			Help: "Encoder directives delivered, by reason",
		}, []string{"channel_id", "reason"}),

		keyRotations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voxrelay_key_rotations_total",
			Help: "Channel key rotations applied on this node",
		}, []string{"channel_id"}),

		sharesStarted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voxrelay_shares_started_total",
			Help: "Screen shares admitted",
		}, []string{"channel_id"}),

		sharesEnded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voxrelay_shares_ended_total",
			Help: "Screen shares ended, by reason",
		}, []string{"channel_id", "reason"}),

		sharesRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voxrelay_shares_rejected_total",
			Help: "Screen share requests rejected, by reason",
		}, []string{"channel_id", "reason"}),

		targetDelay: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "voxrelay_jitter_target_delay_seconds",
			Help: "Current jitter buffer target delay per stream",
		}, []string{"channel_id", "stream"}),

		streamBitrate: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "voxrelay_stream_bitrate_bps",
			Help: "Current encoder target bitrate per stream",
		}, []string{"channel_id", "stream"}),

		activeShares: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "voxrelay_active_shares",
			Help: "Screen shares currently admitted",
		}, []string{"channel_id"}),

		committedBandwidth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "voxrelay_share_committed_bandwidth_bps",
			Help: "Bandwidth committed to admitted screen shares",
		}, []string{"channel_id"}),

		channelMembers: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "voxrelay_channel_members",
			Help: "Connected members per channel",
		}, []string{"channel_id"}),
	}
}

func (p *PrometheusCollector) PacketDropped(channel domain.ChannelID, reason string) {
	p.packetsDropped.WithLabelValues(string(channel), reason).Inc()
}

func (p *PrometheusCollector) FECRecovered(channel domain.ChannelID, n int) {
	p.fecRecovered.WithLabelValues(string(channel)).Add(float64(n))
}

func (p *PrometheusCollector) FECUnrecoverable(channel domain.ChannelID, n int) {
	p.fecUnrecoverable.WithLabelValues(string(channel)).Add(float64(n))
}

func (p *PrometheusCollector) JitterLate(channel domain.ChannelID) {
	p.jitterLate.WithLabelValues(string(channel)).Inc()
}

func (p *PrometheusCollector) JitterForcedRelease(channel domain.ChannelID, n int) {
	p.jitterForced.WithLabelValues(string(channel)).Add(float64(n))
}

func (p *PrometheusCollector) JitterConcealed(channel domain.ChannelID, n int) {
	p.jitterConcealed.WithLabelValues(string(channel)).Add(float64(n))
}

func (p *PrometheusCollector) TargetDelay(channel domain.ChannelID, stream domain.StreamKey, d time.Duration) {
	p.targetDelay.WithLabelValues(string(channel), stream.String()).Set(d.Seconds())
}

func (p *PrometheusCollector) StreamBitrate(channel domain.ChannelID, stream domain.StreamKey, bps int) {
	p.streamBitrate.WithLabelValues(string(channel), stream.String()).Set(float64(bps))
}

// StreamClosed drops the per-stream series.
func (p *PrometheusCollector) StreamClosed(channel domain.ChannelID, stream domain.StreamKey) {
	p.targetDelay.DeleteLabelValues(string(channel), stream.String())
	p.streamBitrate.DeleteLabelValues(string(channel), stream.String())
}

func (p *PrometheusCollector) DirectiveDropped(channel domain.ChannelID) {
	p.directivesDropped.WithLabelValues(string(channel)).Inc()
}

func (p *PrometheusCollector) DirectiveApplied(channel domain.ChannelID, reason string) {
	p.directivesApplied.WithLabelValues(string(channel), reason).Inc()
}

func (p *PrometheusCollector) KeyRotated(channel domain.ChannelID) {
	p.keyRotations.WithLabelValues(string(channel)).Inc()
}

func (p *PrometheusCollector) ShareStarted(channel domain.ChannelID) {
	p.sharesStarted.WithLabelValues(string(channel)).Inc()
}

func (p *PrometheusCollector) ShareEnded(channel domain.ChannelID, reason domain.ShareEndReason) {
	p.sharesEnded.WithLabelValues(string(channel), string(reason)).Inc()
}

func (p *PrometheusCollector) ShareRejected(channel domain.ChannelID, reason string) {
	p.sharesRejected.WithLabelValues(string(channel), reason).Inc()
}

func (p *PrometheusCollector) CommittedBandwidth(channel domain.ChannelID, active int, bps int64) {
	p.activeShares.WithLabelValues(string(channel)).Set(float64(active))
	p.committedBandwidth.WithLabelValues(string(channel)).Set(float64(bps))
}

func (p *PrometheusCollector) Members(channel domain.ChannelID, n int) {
	p.channelMembers.WithLabelValues(string(channel)).Set(float64(n))
}
