package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"voxrelay/internal/core/domain"
	"voxrelay/internal/core/ports"
	"voxrelay/pkg/packet"
	"voxrelay/pkg/tracing"

	"go.uber.org/zap"
)

type SupervisorConfig struct {
	Keys                 KeyConfig
	Bitrate              BitrateConfig
	Floor                FloorConfig
	Pipeline             PipelineConfig
	SessionIdleTimeout   time.Duration
	HousekeepingInterval time.Duration
	// PermissionRetry is how long a denied stream stays denied before the
	// gate is asked again.
	PermissionRetry time.Duration
}

func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		Keys:                 DefaultKeyConfig(),
		Bitrate:              DefaultBitrateConfig(),
		Floor:                DefaultFloorConfig(),
		Pipeline:             DefaultPipelineConfig(),
		SessionIdleTimeout:   30 * time.Second,
		HousekeepingInterval: time.Second,
		PermissionRetry:      5 * time.Second,
	}
}

// SupervisorDeps are the collaborators shared by every channel.
type SupervisorDeps struct {
	Epochs    ports.KeyEpochRepository
	Sender    ports.PacketSender
	Gate      ports.PermissionGate
	Events    ports.EventPublisher
	Encoder   ports.EncoderDirectiveSink
	Telemetry ports.Telemetry
	Logger    *zap.SugaredLogger
	Now       func() time.Time
}

type memberState struct {
	member   domain.Member
	lastSeen atomic.Int64
}

func (m *memberState) touch(now time.Time) {
	m.lastSeen.Store(now.UnixNano())
}

// ChannelSupervisor owns all per-channel relay state: the key ring, one
// pipeline per inbound stream, the bitrate loop and the share ledger.
// Nothing in it is shared with other channels.
type ChannelSupervisor struct {
	channel   domain.ChannelID
	cfg       SupervisorConfig
	keys      *KeyManager
	bitrate   *BitrateController
	floor     *FloorController
	sender    ports.PacketSender
	gate      ports.PermissionGate
	events    ports.EventPublisher
	telemetry ports.Telemetry
	logger    *zap.SugaredLogger
	now       func() time.Time

	mu      sync.RWMutex
	members map[domain.SessionID]*memberState
	streams map[domain.StreamKey]*streamPipeline
	denied  map[domain.StreamKey]time.Time
	closed  bool

	cancel    context.CancelFunc
	closeOnce sync.Once
}

func NewChannelSupervisor(ctx context.Context, channel domain.ChannelID, secret []byte, cfg SupervisorConfig, deps SupervisorDeps) (*ChannelSupervisor, error) {
	if deps.Telemetry == nil {
		deps.Telemetry = nopTelemetry{}
	}
	if deps.Events == nil {
		deps.Events = nopEvents{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	logger := deps.Logger.With("channel_id", channel)

	keys, err := NewKeyManager(ctx, channel, secret, deps.Epochs, cfg.Keys, deps.Now())
	if err != nil {
		return nil, err
	}

	s := &ChannelSupervisor{
		channel:   channel,
		cfg:       cfg,
		keys:      keys,
		sender:    deps.Sender,
		gate:      deps.Gate,
		events:    deps.Events,
		telemetry: deps.Telemetry,
		logger:    logger,
		now:       deps.Now,
		members:   make(map[domain.SessionID]*memberState),
		streams:   make(map[domain.StreamKey]*streamPipeline),
		denied:    make(map[domain.StreamKey]time.Time),
	}
	s.bitrate = NewBitrateController(channel, cfg.Bitrate, deps.Encoder, deps.Telemetry, logger, deps.Now)
	s.floor = NewFloorController(channel, cfg.Floor, deps.Gate, deps.Events, deps.Telemetry, logger, deps.Now)
	return s, nil
}

// Start launches the bitrate loop. Housekeeping is driven by the owner,
// normally the ChannelRegistry.
func (s *ChannelSupervisor) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.bitrate.Start(ctx)
}

func (s *ChannelSupervisor) Channel() domain.ChannelID {
	return s.channel
}

func (s *ChannelSupervisor) KeyID() domain.KeyID {
	return s.keys.Current().KeyID
}

// Join admits an authenticated session and returns the key id the client
// must derive its media key from.
func (s *ChannelSupervisor) Join(ctx context.Context, member domain.Member) (domain.KeyID, error) {
	now := s.now()
	member.Channel = s.channel
	if member.JoinedAt.IsZero() {
		member.JoinedAt = now
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, domain.ErrChannelClosed
	}
	st, ok := s.members[member.Session]
	if !ok {
		st = &memberState{member: member}
		s.members[member.Session] = st
	}
	st.touch(now)
	n := len(s.members)
	s.mu.Unlock()

	s.telemetry.Members(s.channel, n)
	if !ok {
		s.logger.Infow("member joined",
			"session_id", member.Session,
			"user_id", member.User,
			"members", n,
		)
	}
	return s.KeyID(), nil
}

// Leave removes a member and synchronously tears down its streams. It
// returns the number of members left.
func (s *ChannelSupervisor) Leave(ctx context.Context, session domain.SessionID) (int, error) {
	s.mu.Lock()
	st, ok := s.members[session]
	if !ok {
		n := len(s.members)
		s.mu.Unlock()
		return n, domain.ErrNotMember
	}
	delete(s.members, session)
	var closing []*streamPipeline
	for key, p := range s.streams {
		if key.Session == session {
			closing = append(closing, p)
			delete(s.streams, key)
		}
	}
	for key := range s.denied {
		if key.Session == session {
			delete(s.denied, key)
		}
	}
	n := len(s.members)
	s.mu.Unlock()

	// pipelines flush through fanOut, which takes the read lock
	for _, p := range closing {
		p.close()
		s.bitrate.Unregister(p.key)
	}
	s.floor.ReleaseSession(ctx, session)
	s.telemetry.Members(s.channel, n)
	s.logger.Infow("member left",
		"session_id", session,
		"user_id", st.member.User,
		"streams_closed", len(closing),
		"members", n,
	)
	return n, nil
}

func (s *ChannelSupervisor) Member(session domain.SessionID) (domain.Member, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.members[session]
	if !ok {
		return domain.Member{}, false
	}
	m := st.member
	m.LastSeen = time.Unix(0, st.lastSeen.Load())
	return m, true
}

func (s *ChannelSupervisor) MemberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members)
}

// HandlePacket routes one datagram from a member. Drops are counted and
// never returned as errors that would affect the session; the error is for
// the caller's logs only. The decoded type is returned so the transport can
// act on LEAVE_CHANNEL.
func (s *ChannelSupervisor) HandlePacket(ctx context.Context, session domain.SessionID, wire []byte) (packet.Type, error) {
	now := s.now()

	s.mu.RLock()
	st, ok := s.members[session]
	s.mu.RUnlock()
	if !ok {
		s.telemetry.PacketDropped(s.channel, dropNotMember)
		return 0, domain.ErrNotMember
	}

	pkt, _, err := packet.DecodeWithKeys(wire, s.keys.DecodeKeys(now))
	if err != nil {
		s.telemetry.PacketDropped(s.channel, decodeDropReason(err))
		return 0, err
	}
	st.touch(now)

	switch pkt.Type {
	case packet.TypeVoice, packet.TypeVideo:
		return pkt.Type, s.handleMedia(ctx, st, pkt, now)
	case packet.TypeSpeakingState:
		return pkt.Type, s.handleSpeaking(ctx, st, pkt)
	case packet.TypeQualityStats:
		return pkt.Type, s.handleQuality(st, pkt, now)
	case packet.TypeKeepalive, packet.TypeLeaveChannel:
		return pkt.Type, nil
	default:
		s.telemetry.PacketDropped(s.channel, dropUnexpected)
		return pkt.Type, fmt.Errorf("%w: %s from member", packet.ErrUnknownPacketType, pkt.Type)
	}
}

func decodeDropReason(err error) string {
	switch {
	case errors.Is(err, packet.ErrUnwrappedMedia):
		return dropUnwrapped
	case errors.Is(err, packet.ErrDecryptionFailed):
		return dropDecrypt
	case errors.Is(err, packet.ErrUnknownPacketType):
		return dropUnknown
	default:
		return dropMalformed
	}
}

func (s *ChannelSupervisor) handleMedia(ctx context.Context, st *memberState, pkt packet.Packet, now time.Time) error {
	m, err := packet.ParseMedia(pkt.Payload)
	if err != nil {
		s.telemetry.PacketDropped(s.channel, dropMalformed)
		return err
	}
	key := domain.StreamKey{Session: st.member.Session, Stream: domain.StreamID(m.Stream)}

	p, err := s.pipeline(ctx, st, key, pkt.Type, now)
	if err != nil {
		s.telemetry.PacketDropped(s.channel, dropPermission)
		return err
	}
	if p == nil {
		s.telemetry.PacketDropped(s.channel, dropClosed)
		return domain.ErrChannelClosed
	}
	if !p.enqueue(m, now) {
		s.telemetry.PacketDropped(s.channel, dropInboxFull)
	}
	return nil
}

// pipeline returns the stream's pipeline, creating it on first packet once
// the permission gate has admitted the stream.
func (s *ChannelSupervisor) pipeline(ctx context.Context, st *memberState, key domain.StreamKey, t packet.Type, now time.Time) (*streamPipeline, error) {
	s.mu.RLock()
	p, ok := s.streams[key]
	deniedUntil, denied := s.denied[key]
	s.mu.RUnlock()
	if ok {
		return p, nil
	}
	if denied && now.Before(deniedUntil) {
		return nil, domain.ErrPermissionDenied
	}

	kind, perm := s.classify(key, t)
	if perm != "" && s.gate != nil {
		if err := s.gate.Authorize(ctx, &st.member, perm); err != nil {
			s.mu.Lock()
			s.denied[key] = now.Add(s.cfg.PermissionRetry)
			s.mu.Unlock()
			s.logger.Infow("stream refused by permission gate",
				"session_id", key.Session,
				"stream_id", key.Stream,
				"kind", kind.String(),
				"error", err,
			)
			return nil, err
		}
	}

	created, err := newStreamPipeline(s.channel, key, kind, t, s.cfg.Pipeline, s.fanOut, s.telemetry, s.logger, s.now)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nil
	}
	if _, member := s.members[key.Session]; !member {
		s.mu.Unlock()
		return nil, nil
	}
	if p, ok := s.streams[key]; ok {
		s.mu.Unlock()
		return p, nil
	}
	delete(s.denied, key)
	s.streams[key] = created
	created.start()
	s.mu.Unlock()

	s.bitrate.Register(key)
	s.logger.Debugw("stream opened", "session_id", key.Session, "stream_id", key.Stream, "kind", kind.String())
	return created, nil
}

// classify decides the media kind and the permission a new stream needs.
// Video on a stream that holds an admitted share is screen content and was
// already authorized by the floor.
func (s *ChannelSupervisor) classify(key domain.StreamKey, t packet.Type) (domain.MediaKind, domain.Permission) {
	if t == packet.TypeVoice {
		return domain.MediaAudio, domain.PermissionSpeak
	}
	for _, share := range s.floor.Active() {
		if share.Session == key.Session && share.Stream == key.Stream {
			return domain.MediaScreen, ""
		}
	}
	return domain.MediaVideo, domain.PermissionVideo
}

// fanOut encrypts once under the current key and sends the same datagram to
// every member except the origin.
func (s *ChannelSupervisor) fanOut(origin domain.SessionID, t packet.Type, m *packet.Media) {
	wire, err := packet.EncodeMedia(t, m, s.keys.Current().Key)
	if err != nil {
		s.logger.Warnw("failed to encode outbound media", "error", err)
		return
	}
	s.broadcast(origin, wire)
}

func (s *ChannelSupervisor) broadcast(except domain.SessionID, wire []byte) {
	s.mu.RLock()
	targets := make([]domain.SessionID, 0, len(s.members))
	for id := range s.members {
		if id != except {
			targets = append(targets, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range targets {
		if err := s.sender.Send(id, wire); err != nil {
			s.logger.Debugw("send failed", "session_id", id, "error", err)
		}
	}
}

// handleSpeaking relays SPEAKING_STATE. Unmuting is gated like opening a
// voice stream.
func (s *ChannelSupervisor) handleSpeaking(ctx context.Context, st *memberState, pkt packet.Packet) error {
	var msg packet.SpeakingState
	if err := msg.UnmarshalBinary(pkt.Payload); err != nil {
		s.telemetry.PacketDropped(s.channel, dropMalformed)
		return err
	}
	if msg.Speaking && s.gate != nil {
		if err := s.gate.Authorize(ctx, &st.member, domain.PermissionSpeak); err != nil {
			s.telemetry.PacketDropped(s.channel, dropPermission)
			return err
		}
	}
	wire, err := packet.EncodeMessage(packet.TypeSpeakingState, msg, s.keys.Current().Key)
	if err != nil {
		return err
	}
	s.broadcast(st.member.Session, wire)
	return nil
}

// handleQuality feeds a receiver report to the bitrate loop of the stream it
// describes. A report names an SSRC only: a stream of the reporter itself
// wins, otherwise the SSRC must identify exactly one stream in the channel.
func (s *ChannelSupervisor) handleQuality(st *memberState, pkt packet.Packet, now time.Time) error {
	var msg packet.QualityStats
	if err := msg.UnmarshalBinary(pkt.Payload); err != nil {
		s.telemetry.PacketDropped(s.channel, dropMalformed)
		return err
	}

	key, ok := s.attribute(st.member.Session, domain.StreamID(msg.StreamID))
	if !ok {
		s.telemetry.PacketDropped(s.channel, "unattributed_stats")
		return fmt.Errorf("%w: ssrc %d", domain.ErrStreamNotFound, msg.StreamID)
	}
	return s.bitrate.Observe(domain.QualitySample{
		Stream:     key,
		LossRate:   float64(msg.LossRate),
		RTT:        time.Duration(msg.RTTMs) * time.Millisecond,
		Jitter:     time.Duration(msg.JitterMs) * time.Millisecond,
		ReceivedAt: now,
	})
}

func (s *ChannelSupervisor) attribute(reporter domain.SessionID, ssrc domain.StreamID) (domain.StreamKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	own := domain.StreamKey{Session: reporter, Stream: ssrc}
	if _, ok := s.streams[own]; ok {
		return own, true
	}
	var found domain.StreamKey
	matches := 0
	for key := range s.streams {
		if key.Stream == ssrc {
			found = key
			matches++
		}
	}
	return found, matches == 1
}

// RotateKey advances the channel key and announces the new id. The
// announcement is sealed with the outgoing key, which every member holds.
func (s *ChannelSupervisor) RotateKey(ctx context.Context) (domain.KeyID, error) {
	ctx, span := tracing.TraceKeyRotation(ctx, string(s.channel))
	defer span.End()

	previous := s.keys.Current()
	id, err := s.keys.Rotate(ctx, s.now())
	if err != nil {
		tracing.RecordError(ctx, err)
		return 0, err
	}
	tracing.AddSpanAttributes(ctx, tracing.KeyIDKey.Int64(int64(id)))

	s.announceKey(previous.Key, id)
	s.telemetry.KeyRotated(s.channel)
	if err := s.events.PublishKeyRotated(ctx, s.channel, id); err != nil {
		s.logger.Warnw("failed to publish key rotation", "key_id", id, "error", err)
	}
	s.logger.Infow("channel key rotated", "key_id", id, "previous_key_id", previous.KeyID)
	return id, nil
}

// AdoptKey installs a key id rotated on another relay node.
func (s *ChannelSupervisor) AdoptKey(ctx context.Context, id domain.KeyID) (bool, error) {
	previous := s.keys.Current()
	changed, err := s.keys.Adopt(ctx, id, s.now())
	if err != nil || !changed {
		return false, err
	}
	s.announceKey(previous.Key, id)
	s.telemetry.KeyRotated(s.channel)
	s.logger.Infow("adopted channel key", "key_id", id, "previous_key_id", previous.KeyID)
	return true, nil
}

func (s *ChannelSupervisor) announceKey(sealWith []byte, id domain.KeyID) {
	wire, err := packet.EncodeMessage(packet.TypeKeySync, packet.KeySync{
		KeyID:     uint32(id),
		ChannelID: string(s.channel),
	}, sealWith)
	if err != nil {
		s.logger.Errorw("failed to encode KEY_SYNC", "key_id", id, "error", err)
		return
	}
	s.broadcast("", wire)
}

// RequestShare asks the floor for a screen share on behalf of a member.
func (s *ChannelSupervisor) RequestShare(ctx context.Context, session domain.SessionID, stream domain.StreamID, tier domain.ShareTier) (*domain.ShareSession, error) {
	member, ok := s.Member(session)
	if !ok {
		return nil, domain.ErrNotMember
	}
	return s.floor.RequestShare(ctx, &member, stream, tier)
}

// StopShare ends a share. Only its owner or a member allowed to manage the
// channel may stop it.
func (s *ChannelSupervisor) StopShare(ctx context.Context, user domain.UserID, canManage bool, id domain.ShareID) error {
	share, ok := s.floor.Get(id)
	if !ok {
		return domain.ErrShareNotFound
	}
	if share.Requester != user && !canManage {
		return domain.ErrPermissionDenied
	}
	return s.floor.Stop(ctx, id)
}

// SessionFor returns a session of user in this channel.
func (s *ChannelSupervisor) SessionFor(user domain.UserID) (domain.SessionID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, st := range s.members {
		if st.member.User == user {
			return id, true
		}
	}
	return "", false
}

func (s *ChannelSupervisor) Stats() domain.ChannelStats {
	s.mu.RLock()
	streams := make([]domain.StreamStats, 0, len(s.streams))
	for key, p := range s.streams {
		st := p.stats()
		if bps, ok := s.bitrate.Bitrate(key); ok {
			st.Bitrate = bps
		}
		streams = append(streams, st)
	}
	members := len(s.members)
	s.mu.RUnlock()

	sort.Slice(streams, func(i, j int) bool {
		if streams[i].Session != streams[j].Session {
			return streams[i].Session < streams[j].Session
		}
		return streams[i].Stream < streams[j].Stream
	})
	return domain.ChannelStats{
		Channel:            s.channel,
		KeyID:              s.KeyID(),
		Members:            members,
		Streams:            streams,
		Shares:             s.floor.Active(),
		CommittedBandwidth: s.floor.Committed(),
		Timestamp:          s.now(),
	}
}

// Housekeeping runs the wall-clock driven work that must happen even when
// no packets arrive. It returns the sessions evicted for inactivity.
func (s *ChannelSupervisor) Housekeeping(ctx context.Context, now time.Time) []domain.SessionID {
	if s.keys.ExpireGrace(now) {
		s.logger.Debugw("previous channel key retired", "key_id", s.KeyID())
	}
	if s.keys.RotationDue(now) {
		if _, err := s.RotateKey(ctx); err != nil {
			s.logger.Warnw("scheduled key rotation failed", "error", err)
		}
	}
	s.floor.Sweep(ctx, now)

	var idle []domain.SessionID
	s.mu.Lock()
	for key, until := range s.denied {
		if !now.Before(until) {
			delete(s.denied, key)
		}
	}
	if s.cfg.SessionIdleTimeout > 0 {
		cutoff := now.Add(-s.cfg.SessionIdleTimeout).UnixNano()
		for id, st := range s.members {
			if st.lastSeen.Load() < cutoff {
				idle = append(idle, id)
			}
		}
	}
	s.mu.Unlock()

	for _, id := range idle {
		if _, err := s.Leave(ctx, id); err == nil {
			s.logger.Infow("evicted idle member", "session_id", id)
		}
	}
	return idle
}

// Tick runs one bitrate control step.
func (s *ChannelSupervisor) Tick(now time.Time) []domain.BitrateDirective {
	return s.bitrate.Tick(now)
}

// retire marks an empty supervisor closed so that no join can race its
// shutdown. It reports false when members are present.
func (s *ChannelSupervisor) retire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.members) > 0 {
		return false
	}
	s.closed = true
	return true
}

// Close tears down every member and stops the background loops.
func (s *ChannelSupervisor) Close(ctx context.Context) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		sessions := make([]domain.SessionID, 0, len(s.members))
		for id := range s.members {
			sessions = append(sessions, id)
		}
		s.mu.Unlock()

		for _, id := range sessions {
			_, _ = s.Leave(ctx, id)
		}

		if s.cancel != nil {
			s.cancel()
		}
		s.bitrate.Stop()
	})
}
