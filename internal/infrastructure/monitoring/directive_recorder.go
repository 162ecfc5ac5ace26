package monitoring

import (
	"context"

	"voxrelay/internal/core/domain"

	"go.uber.org/zap"
)

// DirectiveRecorder is the encoder sink of a relay without a local encoder:
// directives are logged and counted.
type DirectiveRecorder struct {
	collector *PrometheusCollector
	logger    *zap.SugaredLogger
}

func NewDirectiveRecorder(collector *PrometheusCollector, logger *zap.SugaredLogger) *DirectiveRecorder {
	return &DirectiveRecorder{collector: collector, logger: logger}
}

func (r *DirectiveRecorder) ApplyBitrate(_ context.Context, d domain.BitrateDirective) error {
	if r.collector != nil {
		r.collector.DirectiveApplied(d.Channel, d.Reason)
	}
	r.logger.Debugw("bitrate directive",
		"channel_id", d.Channel,
		"stream_id", d.Stream.String(),
		"bitrate", d.Bitrate,
		"previous", d.Previous,
		"reason", d.Reason,
	)
	return nil
}
