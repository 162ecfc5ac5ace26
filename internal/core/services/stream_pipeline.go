package services

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"voxrelay/internal/core/domain"
	"voxrelay/internal/core/ports"
	"voxrelay/pkg/fec"
	"voxrelay/pkg/jitter"
	"voxrelay/pkg/packet"

	"go.uber.org/zap"
)

type PipelineConfig struct {
	InboxSize    int
	PlayoutTick  time.Duration
	FECGroupSize int
	FEC          fec.DecoderConfig
	Jitter       jitter.Config
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		InboxSize:    256,
		PlayoutTick:  5 * time.Millisecond,
		FECGroupSize: 3,
		FEC:          fec.DefaultDecoderConfig(),
		Jitter:       jitter.DefaultConfig(),
	}
}

// Drop reasons reported to telemetry.
const (
	dropMalformed  = "malformed"
	dropUnknown    = "unknown_type"
	dropDecrypt    = "decryption_failed"
	dropUnwrapped  = "unwrapped_media"
	dropLate       = "late"
	dropDuplicate  = "duplicate"
	dropInboxFull  = "inbox_full"
	dropPermission = "permission"
	dropNotMember  = "not_member"
	dropUnexpected = "unexpected_type"
	dropClosed     = "closed"
)

// emitFunc hands an outbound media packet to the channel fan-out.
type emitFunc func(origin domain.SessionID, t packet.Type, m *packet.Media)

type inbound struct {
	media   *packet.Media
	arrival time.Time
}

type pipelineCounters struct {
	fecRecovered     uint64
	fecUnrecoverable uint64
	dropped          uint64
}

// streamPipeline carries one inbound stream from FEC decode through the
// jitter buffer to re-protected outbound packets. All decoder, buffer and
// encoder state is owned by the run goroutine; other goroutines only see
// the published snapshot.
type streamPipeline struct {
	key       domain.StreamKey
	kind      domain.MediaKind
	wireType  packet.Type
	channel   domain.ChannelID
	cfg       PipelineConfig
	emit      emitFunc
	telemetry ports.Telemetry
	logger    *zap.SugaredLogger
	now       func() time.Time

	inbox    chan inbound
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	decoder  *fec.Decoder
	buffer   *jitter.Buffer
	encoder  *fec.Encoder
	counters pipelineCounters
	snapshot atomic.Pointer[domain.StreamStats]
}

func newStreamPipeline(
	channel domain.ChannelID,
	key domain.StreamKey,
	kind domain.MediaKind,
	wireType packet.Type,
	cfg PipelineConfig,
	emit emitFunc,
	telemetry ports.Telemetry,
	logger *zap.SugaredLogger,
	now func() time.Time,
) (*streamPipeline, error) {
	encoder, err := fec.NewEncoder(cfg.FECGroupSize)
	if err != nil {
		return nil, err
	}
	p := &streamPipeline{
		key:       key,
		kind:      kind,
		wireType:  wireType,
		channel:   channel,
		cfg:       cfg,
		emit:      emit,
		telemetry: telemetry,
		logger:    logger,
		now:       now,
		inbox:     make(chan inbound, cfg.InboxSize),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		decoder:   fec.NewDecoder(cfg.FEC),
		buffer:    jitter.New(cfg.Jitter),
		encoder:   encoder,
	}
	p.publish()
	return p, nil
}

func (p *streamPipeline) start() {
	go p.run()
}

// enqueue never blocks; a full inbox drops the packet.
func (p *streamPipeline) enqueue(m *packet.Media, arrival time.Time) bool {
	select {
	case <-p.stop:
		return false
	default:
	}
	select {
	case p.inbox <- inbound{media: m, arrival: arrival}:
		return true
	default:
		return false
	}
}

// close stops the run goroutine and waits until the buffered entries have
// been flushed and all state released.
func (p *streamPipeline) close() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

func (p *streamPipeline) run() {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.PlayoutTick)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			p.teardown()
			return
		case in := <-p.inbox:
			p.ingest(in.arrival, in.media)
		case <-ticker.C:
			p.advance(p.now())
		}
	}
}

// ingest applies one packet. Packets reach the jitter buffer in the order
// they were dequeued.
func (p *streamPipeline) ingest(now time.Time, m *packet.Media) {
	var outcome fec.Outcome
	if m.IsParity() {
		parity, err := fec.ParseParity(m.Sequence, m.Payload)
		if err != nil {
			p.drop(dropMalformed)
			return
		}
		outcome = p.decoder.AddParity(now, parity)
	} else {
		if m.Slot != nil {
			outcome = p.decoder.AddData(now, *m.Slot, m.Sequence, m.Timestamp, m.Payload)
		}
		p.push(now, jitter.Packet{Seq: m.Sequence, Timestamp: m.Timestamp, Payload: m.Payload})
	}
	p.applyOutcome(now, outcome)
	p.publish()
}

// advance runs the timed work: group expiry and scheduled playout.
func (p *streamPipeline) advance(now time.Time) {
	p.applyOutcome(now, p.decoder.Expire(now))
	p.forward(p.buffer.Tick(now))
	p.telemetry.TargetDelay(p.channel, p.key, p.buffer.TargetDelay())
	p.publish()
}

func (p *streamPipeline) applyOutcome(now time.Time, out fec.Outcome) {
	for _, r := range out.Recovered {
		p.push(now, jitter.Packet{Seq: r.Seq, Timestamp: r.Timestamp, Payload: r.Payload, Recovered: true})
	}
	if n := len(out.Recovered); n > 0 {
		p.counters.fecRecovered += uint64(n)
		p.telemetry.FECRecovered(p.channel, n)
	}
	if n := len(out.Lost); n > 0 {
		p.counters.fecUnrecoverable += uint64(n)
		p.telemetry.FECUnrecoverable(p.channel, n)
	}
}

func (p *streamPipeline) push(now time.Time, pkt jitter.Packet) {
	forced, err := p.buffer.Push(now, pkt)
	switch {
	case errors.Is(err, jitter.ErrLatePacket):
		p.telemetry.JitterLate(p.channel)
		p.drop(dropLate)
	case errors.Is(err, jitter.ErrDuplicatePacket):
		// a recovered copy of a packet that arrived after all is expected
		if !pkt.Recovered {
			p.drop(dropDuplicate)
		}
	case errors.Is(err, jitter.ErrClosed):
		p.drop(dropClosed)
	}
	if len(forced) > 0 {
		p.telemetry.JitterForcedRelease(p.channel, len(forced))
		p.forward(forced)
	}
}

// forward re-protects released frames and hands them to the fan-out.
// Missing frames are not sent; the resulting sequence gap closes the
// current outbound group early.
func (p *streamPipeline) forward(frames []jitter.Frame) {
	concealed := 0
	for _, f := range frames {
		if f.Missing {
			concealed++
			continue
		}
		slot, parity, err := p.encoder.Protect(f.Seq, f.Timestamp, f.Payload)
		if err != nil {
			p.drop(dropMalformed)
			continue
		}
		if parity != nil && parity.Group != slot.Group {
			p.emitParity(parity)
			parity = nil
		}
		p.emit(p.key.Session, p.wireType, &packet.Media{
			Stream:      uint32(p.key.Stream),
			Sequence:    f.Seq,
			Timestamp:   f.Timestamp,
			PayloadType: p.payloadType(),
			Slot:        &slot,
			Payload:     f.Payload,
		})
		if parity != nil {
			p.emitParity(parity)
		}
	}
	if concealed > 0 {
		p.telemetry.JitterConcealed(p.channel, concealed)
	}
}

func (p *streamPipeline) emitParity(parity *fec.Parity) {
	last := uint32(0)
	if n := len(parity.Timestamps); n > 0 {
		last = parity.Timestamps[n-1]
	}
	p.emit(p.key.Session, p.wireType, &packet.Media{
		Stream:      uint32(p.key.Stream),
		Sequence:    parity.Group,
		Timestamp:   last,
		PayloadType: packet.ParityPayloadType,
		Payload:     parity.Marshal(),
	})
}

func (p *streamPipeline) payloadType() uint8 {
	if p.wireType == packet.TypeVoice {
		return packet.AudioPayloadType
	}
	return packet.VideoPayloadType
}

// teardown flushes the buffer in order, closes the open outbound group and
// forgets all FEC state.
func (p *streamPipeline) teardown() {
	for drained := false; !drained; {
		select {
		case in := <-p.inbox:
			p.ingest(in.arrival, in.media)
		default:
			drained = true
		}
	}
	p.forward(p.buffer.Drain())
	if parity := p.encoder.Flush(); parity != nil {
		p.emitParity(parity)
	}
	p.decoder.Reset()
	p.publish()
	p.telemetry.StreamClosed(p.channel, p.key)
}

func (p *streamPipeline) drop(reason string) {
	p.counters.dropped++
	p.telemetry.PacketDropped(p.channel, reason)
}

func (p *streamPipeline) publish() {
	st := p.buffer.Stats()
	p.snapshot.Store(&domain.StreamStats{
		Session:          p.key.Session,
		Stream:           p.key.Stream,
		Kind:             p.kind.String(),
		JitterState:      st.State.String(),
		TargetDelay:      st.TargetDelay,
		EstimatedJitter:  st.Jitter,
		Buffered:         st.Buffered,
		Released:         st.Released,
		Late:             st.Late,
		Concealed:        st.Concealed,
		ForcedReleases:   st.ForcedReleases,
		FECRecovered:     p.counters.fecRecovered,
		FECUnrecoverable: p.counters.fecUnrecoverable,
		Dropped:          p.counters.dropped,
	})
}

func (p *streamPipeline) stats() domain.StreamStats {
	return *p.snapshot.Load()
}
