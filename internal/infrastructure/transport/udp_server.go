package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"voxrelay/internal/core/domain"
	"voxrelay/internal/core/ports"
	"voxrelay/internal/core/services"
	"voxrelay/pkg/config"
	"voxrelay/pkg/optimize"
	"voxrelay/pkg/packet"
	"voxrelay/pkg/tracing"
	"voxrelay/pkg/utils"
	"voxrelay/pkg/validation"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrNotListening   = errors.New("udp server is not listening")
	ErrNoChannel      = errors.New("session has not joined a channel")
)

const (
	dropRateLimited     = "rate_limited"
	dropUnauthenticated = "unauthenticated"
	dropBadToken        = "bad_token"
	dropEmpty           = "empty"
)

type Config struct {
	Address            string
	MaxDatagramSize    int
	ReadBufferBytes    int
	SessionIdleTimeout time.Duration
	SweepInterval      time.Duration
	RateLimit          bool
	PacketsPerSecond   float64
	Burst              int
}

func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Address:            cfg.Relay.Address,
		MaxDatagramSize:    cfg.Relay.MaxDatagramSize,
		ReadBufferBytes:    cfg.Relay.ReadBufferBytes,
		SessionIdleTimeout: cfg.Relay.SessionIdleTimeout,
		SweepInterval:      cfg.Relay.HousekeepingInterval,
		RateLimit:          cfg.RateLimiting.Enabled,
		PacketsPerSecond:   cfg.RateLimiting.UDP.PacketsPerSecond,
		Burst:              cfg.RateLimiting.UDP.Burst,
	}
}

// Authenticator checks HELLO tokens and channel admission.
type Authenticator interface {
	ValidateToken(token string) (*services.Claims, error)
	CanJoin(claims *services.Claims, channel domain.ChannelID) error
}

type clientSession struct {
	id       domain.SessionID
	claims   *services.Claims
	addr     *net.UDPAddr
	lastSeen atomic.Int64
}

func (c *clientSession) touch(now time.Time) {
	c.lastSeen.Store(now.UnixNano())
}

// UDPServer owns the relay socket. It bootstraps sessions from HELLO and
// JOIN_CHANNEL, routes everything else to the session's channel supervisor
// and delivers outbound datagrams for the supervisors.
type UDPServer struct {
	cfg       Config
	auth      Authenticator
	registry  *services.ChannelRegistry
	telemetry ports.Telemetry
	logger    *zap.SugaredLogger
	now       func() time.Time

	conn     *net.UDPConn
	pool     *optimize.BytePool
	limiters *limiterStore

	mu     sync.RWMutex
	byAddr map[string]*clientSession
	byID   map[domain.SessionID]*clientSession
}

var (
	_ ports.PacketSender    = (*UDPServer)(nil)
	_ ports.DatagramHandler = (*UDPServer)(nil)
)

func NewUDPServer(cfg Config, auth Authenticator, telemetry ports.Telemetry, logger *zap.SugaredLogger) *UDPServer {
	if cfg.MaxDatagramSize <= 0 {
		cfg.MaxDatagramSize = 1500
	}
	if cfg.SessionIdleTimeout <= 0 {
		cfg.SessionIdleTimeout = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	s := &UDPServer{
		cfg:       cfg,
		auth:      auth,
		telemetry: telemetry,
		logger:    logger,
		now:       time.Now,
		pool:      optimize.NewBytePool(cfg.MaxDatagramSize),
		byAddr:    make(map[string]*clientSession),
		byID:      make(map[domain.SessionID]*clientSession),
	}
	if cfg.RateLimit && cfg.PacketsPerSecond > 0 {
		s.limiters = newLimiterStore(rate.Limit(cfg.PacketsPerSecond), cfg.Burst)
	}
	return s
}

// SetRegistry attaches the channel registry. The registry is built with this
// server as its PacketSender, so it is wired after construction.
func (s *UDPServer) SetRegistry(r *services.ChannelRegistry) {
	s.registry = r
}

func (s *UDPServer) Listen() error {
	addr, err := net.ResolveUDPAddr("udp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve relay address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}
	if s.cfg.ReadBufferBytes > 0 {
		if err := conn.SetReadBuffer(s.cfg.ReadBufferBytes); err != nil {
			s.logger.Warnw("failed to set socket read buffer", "bytes", s.cfg.ReadBufferBytes, "error", err)
		}
	}
	s.conn = conn
	s.logger.Infow("relay listening", "address", conn.LocalAddr().String())
	return nil
}

func (s *UDPServer) LocalAddr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Serve reads datagrams until ctx is cancelled.
func (s *UDPServer) Serve(ctx context.Context) error {
	if s.conn == nil {
		return ErrNotListening
	}

	go func() {
		<-ctx.Done()
		_ = s.conn.Close()
	}()
	go s.sweepLoop(ctx)

	for {
		buf := s.pool.Get()
		n, addr, err := s.conn.ReadFromUDP(*buf)
		if err != nil {
			s.pool.Put(buf)
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warnw("udp read failed", "error", err)
			continue
		}
		if err := s.handle(ctx, addr, (*buf)[:n]); err != nil {
			s.logger.Debugw("datagram dropped", "remote_addr", addr.String(), "error", err)
		}
		s.pool.Put(buf)
	}
}

func (s *UDPServer) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx, s.now())
		}
	}
}

// HandleDatagram processes one datagram from a textual address.
func (s *UDPServer) HandleDatagram(ctx context.Context, from string, datagram []byte) error {
	addr, err := net.ResolveUDPAddr("udp", from)
	if err != nil {
		return fmt.Errorf("bad remote address %q: %w", from, err)
	}
	return s.handle(ctx, addr, datagram)
}

func (s *UDPServer) handle(ctx context.Context, addr *net.UDPAddr, wire []byte) error {
	now := s.now()
	key := addr.String()

	if s.limiters != nil && !s.limiters.allow(key, now) {
		s.telemetry.PacketDropped("", dropRateLimited)
		return nil
	}
	if len(wire) == 0 {
		s.telemetry.PacketDropped("", dropEmpty)
		return packet.ErrMalformedPacket
	}

	switch packet.Type(wire[0]) {
	case packet.TypeHello:
		return s.hello(ctx, addr, wire, now)
	case packet.TypeJoinChannel:
		return s.join(ctx, addr, wire, now)
	}

	s.mu.RLock()
	cs, ok := s.byAddr[key]
	s.mu.RUnlock()
	if !ok {
		s.telemetry.PacketDropped("", dropUnauthenticated)
		return ErrUnknownSession
	}

	sup, joined := s.registry.ChannelOf(cs.id)
	if !joined {
		if packet.Type(wire[0]) == packet.TypeKeepalive {
			cs.touch(now)
			return nil
		}
		s.telemetry.PacketDropped("", dropUnauthenticated)
		return ErrNoChannel
	}

	t, err := sup.HandlePacket(ctx, cs.id, wire)
	if err != nil {
		return err
	}
	cs.touch(now)
	if t == packet.TypeLeaveChannel {
		return s.registry.Leave(ctx, cs.id)
	}
	return nil
}

func (s *UDPServer) hello(ctx context.Context, addr *net.UDPAddr, wire []byte, now time.Time) error {
	ctx, span := tracing.TraceSessionBootstrap(ctx, packet.TypeHello.String(), addr.String())
	defer span.End()

	pkt, err := packet.Decode(wire, nil)
	if err != nil {
		s.telemetry.PacketDropped("", dropMalformed(err))
		return err
	}
	var msg packet.Hello
	if err := msg.UnmarshalBinary(pkt.Payload); err != nil {
		s.telemetry.PacketDropped("", dropMalformed(err))
		return err
	}
	if err := validation.ValidateToken(msg.Token); err != nil {
		s.telemetry.PacketDropped("", dropBadToken)
		return err
	}
	claims, err := s.auth.ValidateToken(msg.Token)
	if err != nil {
		s.telemetry.PacketDropped("", dropBadToken)
		tracing.RecordError(ctx, err)
		return err
	}

	cs := &clientSession{
		id:     domain.SessionID(utils.GenerateSessionID()),
		claims: claims,
		addr:   addr,
	}
	cs.touch(now)

	s.mu.Lock()
	prev := s.byAddr[addr.String()]
	if prev != nil {
		delete(s.byID, prev.id)
	}
	s.byAddr[addr.String()] = cs
	s.byID[cs.id] = cs
	s.mu.Unlock()

	if prev != nil {
		s.leaveChannel(ctx, prev.id)
	}

	tracing.AddSpanAttributes(ctx,
		tracing.SessionIDKey.String(string(cs.id)),
		tracing.UserIDKey.String(string(claims.UserID)),
	)
	s.logger.Infow("session opened",
		"session_id", cs.id,
		"user_id", claims.UserID,
		"remote_addr", addr.String(),
	)
	return s.welcome(cs, "", 0)
}

func (s *UDPServer) join(ctx context.Context, addr *net.UDPAddr, wire []byte, now time.Time) error {
	ctx, span := tracing.TraceSessionBootstrap(ctx, packet.TypeJoinChannel.String(), addr.String())
	defer span.End()

	s.mu.RLock()
	cs, ok := s.byAddr[addr.String()]
	s.mu.RUnlock()
	if !ok {
		s.telemetry.PacketDropped("", dropUnauthenticated)
		return ErrUnknownSession
	}

	pkt, err := packet.Decode(wire, nil)
	if err != nil {
		s.telemetry.PacketDropped("", dropMalformed(err))
		return err
	}
	var msg packet.JoinChannel
	if err := msg.UnmarshalBinary(pkt.Payload); err != nil {
		s.telemetry.PacketDropped("", dropMalformed(err))
		return err
	}
	if err := validation.ValidateChannelID(msg.ChannelID); err != nil {
		s.telemetry.PacketDropped("", "invalid_channel")
		return err
	}
	channel := domain.ChannelID(msg.ChannelID)
	if err := s.auth.CanJoin(cs.claims, channel); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}

	member := domain.Member{
		Session:     cs.id,
		User:        cs.claims.UserID,
		Username:    cs.claims.Username,
		Channel:     channel,
		Permissions: cs.claims.Permissions,
		JoinedAt:    now,
		LastSeen:    now,
	}
	_, keyID, err := s.registry.Join(ctx, member)
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to join %s: %w", channel, err)
	}
	cs.touch(now)

	tracing.AddSpanAttributes(ctx,
		tracing.ChannelIDKey.String(string(channel)),
		tracing.KeyIDKey.Int64(int64(keyID)),
	)
	return s.welcome(cs, channel, keyID)
}

func (s *UDPServer) welcome(cs *clientSession, channel domain.ChannelID, keyID domain.KeyID) error {
	wire, err := packet.EncodeMessage(packet.TypeWelcome, packet.Welcome{
		SessionID: string(cs.id),
		ChannelID: string(channel),
		KeyID:     uint32(keyID),
	}, nil)
	if err != nil {
		return err
	}
	return s.write(wire, cs.addr)
}

// Send implements ports.PacketSender.
func (s *UDPServer) Send(session domain.SessionID, datagram []byte) error {
	s.mu.RLock()
	cs, ok := s.byID[session]
	s.mu.RUnlock()
	if !ok {
		return ErrUnknownSession
	}
	return s.write(datagram, cs.addr)
}

func (s *UDPServer) write(datagram []byte, addr *net.UDPAddr) error {
	if s.conn == nil {
		return ErrNotListening
	}
	_, err := s.conn.WriteToUDP(datagram, addr)
	return err
}

// HandleDisconnect forgets a session and removes it from its channel.
func (s *UDPServer) HandleDisconnect(ctx context.Context, session domain.SessionID) error {
	s.mu.Lock()
	cs, ok := s.byID[session]
	if ok {
		delete(s.byID, session)
		if s.byAddr[cs.addr.String()] == cs {
			delete(s.byAddr, cs.addr.String())
		}
	}
	s.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}
	s.leaveChannel(ctx, session)
	s.logger.Infow("session closed", "session_id", session, "user_id", cs.claims.UserID)
	return nil
}

func (s *UDPServer) leaveChannel(ctx context.Context, session domain.SessionID) {
	if s.registry == nil {
		return
	}
	if err := s.registry.Leave(ctx, session); err != nil && !errors.Is(err, domain.ErrNotMember) {
		s.logger.Warnw("failed to leave channel", "session_id", session, "error", err)
	}
}

// Sweep closes sessions that have been silent longer than the idle timeout.
func (s *UDPServer) Sweep(ctx context.Context, now time.Time) []domain.SessionID {
	cutoff := now.Add(-s.cfg.SessionIdleTimeout).UnixNano()

	var idle []domain.SessionID
	s.mu.RLock()
	for id, cs := range s.byID {
		if cs.lastSeen.Load() < cutoff {
			idle = append(idle, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range idle {
		_ = s.HandleDisconnect(ctx, id)
	}
	if s.limiters != nil {
		s.limiters.sweep(now.Add(-s.cfg.SessionIdleTimeout))
	}
	return idle
}

func (s *UDPServer) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Close disconnects every session and releases the socket.
func (s *UDPServer) Close(ctx context.Context) error {
	s.mu.RLock()
	ids := make([]domain.SessionID, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		_ = s.HandleDisconnect(ctx, id)
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
	}
	return nil
}

func dropMalformed(err error) string {
	if errors.Is(err, packet.ErrUnknownPacketType) {
		return "unknown_type"
	}
	return "malformed"
}
