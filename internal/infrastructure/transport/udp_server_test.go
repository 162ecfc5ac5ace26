package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"voxrelay/internal/core/domain"
	"voxrelay/internal/core/services"
	"voxrelay/internal/infrastructure/monitoring"
	"voxrelay/internal/infrastructure/repositories/memory"
	"voxrelay/pkg/packet"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var relaySecret = []byte("0123456789abcdef0123456789abcdef")

type relayFixture struct {
	server   *UDPServer
	registry *services.ChannelRegistry
	auth     services.AuthService
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()
	logger := zap.NewNop().Sugar()
	auth := services.NewAuthService("jwt-secret", time.Hour)
	collector := monitoring.NewPrometheusCollector(prometheus.NewRegistry())

	server := NewUDPServer(Config{
		Address:            "127.0.0.1:0",
		MaxDatagramSize:    1500,
		SessionIdleTimeout: time.Minute,
		SweepInterval:      time.Hour,
	}, auth, collector, logger)

	cfg := services.DefaultSupervisorConfig()
	cfg.HousekeepingInterval = 0
	registry := services.NewChannelRegistry(relaySecret, cfg, services.SupervisorDeps{
		Epochs:    memory.NewMemoryKeyEpochRepository(),
		Sender:    server,
		Gate:      auth,
		Encoder:   monitoring.NewDirectiveRecorder(collector, logger),
		Telemetry: collector,
		Logger:    logger,
	})
	server.SetRegistry(registry)

	ctx, cancel := context.WithCancel(context.Background())
	registry.Start(ctx)
	require.NoError(t, server.Listen())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = server.Serve(ctx)
	}()
	t.Cleanup(func() {
		registry.CloseAll(context.Background())
		cancel()
		<-done
	})
	return &relayFixture{server: server, registry: registry, auth: auth}
}

type client struct {
	conn    *net.UDPConn
	session string
	keyID   uint32
}

func (fx *relayFixture) dial(t *testing.T) *client {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, fx.server.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &client{conn: conn}
}

func (c *client) send(t *testing.T, wire []byte) {
	t.Helper()
	_, err := c.conn.Write(wire)
	require.NoError(t, err)
}

func (c *client) read(t *testing.T, key []byte) packet.Packet {
	t.Helper()
	buf := make([]byte, 1500)
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := c.conn.Read(buf)
	require.NoError(t, err)
	pkt, err := packet.Decode(buf[:n], key)
	require.NoError(t, err)
	return pkt
}

func (c *client) welcome(t *testing.T) packet.Welcome {
	t.Helper()
	pkt := c.read(t, nil)
	require.Equal(t, packet.TypeWelcome, pkt.Type)
	var w packet.Welcome
	require.NoError(t, w.UnmarshalBinary(pkt.Payload))
	return w
}

func (fx *relayFixture) connect(t *testing.T, user string, perms ...domain.Permission) *client {
	t.Helper()
	token, err := fx.auth.GenerateToken(domain.UserID(user), user, nil, perms)
	require.NoError(t, err)

	c := fx.dial(t)
	hello, err := packet.EncodeMessage(packet.TypeHello, packet.Hello{Token: token}, nil)
	require.NoError(t, err)
	c.send(t, hello)
	w := c.welcome(t)
	require.NotEmpty(t, w.SessionID)
	assert.Empty(t, w.ChannelID)
	c.session = w.SessionID
	return c
}

func (c *client) join(t *testing.T, channel string) packet.Welcome {
	t.Helper()
	wire, err := packet.EncodeMessage(packet.TypeJoinChannel, packet.JoinChannel{ChannelID: channel}, nil)
	require.NoError(t, err)
	c.send(t, wire)
	w := c.welcome(t)
	c.keyID = w.KeyID
	return w
}

func TestUDPServer_HelloAndJoin(t *testing.T) {
	fx := newRelayFixture(t)
	alice := fx.connect(t, "alice", domain.PermissionSpeak)

	w := alice.join(t, "general")
	assert.Equal(t, alice.session, w.SessionID)
	assert.Equal(t, "general", w.ChannelID)
	assert.Equal(t, uint32(1), w.KeyID)

	assert.Equal(t, 1, fx.server.SessionCount())
	assert.Equal(t, []domain.ChannelID{"general"}, fx.registry.Channels())
}

func TestUDPServer_RelaysVoiceBetweenClients(t *testing.T) {
	fx := newRelayFixture(t)
	alice := fx.connect(t, "alice", domain.PermissionSpeak)
	bob := fx.connect(t, "bob", domain.PermissionSpeak)
	alice.join(t, "general")
	bob.join(t, "general")

	key := services.DeriveKey(relaySecret, "general", domain.KeyID(alice.keyID))
	for seq := uint16(0); seq < 3; seq++ {
		wire, err := packet.EncodeMedia(packet.TypeVoice, &packet.Media{
			Stream:      42,
			Sequence:    seq,
			Timestamp:   uint32(seq) * 20,
			PayloadType: packet.AudioPayloadType,
			Payload:     []byte{1, 2, byte(seq)},
		}, key)
		require.NoError(t, err)
		alice.send(t, wire)
	}

	var seqs []uint16
	for len(seqs) < 3 {
		pkt := bob.read(t, key)
		require.Equal(t, packet.TypeVoice, pkt.Type)
		m, err := packet.ParseMedia(pkt.Payload)
		require.NoError(t, err)
		if !m.IsParity() {
			seqs = append(seqs, m.Sequence)
			assert.Equal(t, uint32(42), m.Stream)
		}
	}
	assert.Equal(t, []uint16{0, 1, 2}, seqs)
}

func TestUDPServer_RejectsBadToken(t *testing.T) {
	fx := newRelayFixture(t)
	c := fx.dial(t)

	hello, err := packet.EncodeMessage(packet.TypeHello, packet.Hello{Token: "not-a-jwt"}, nil)
	require.NoError(t, err)
	c.send(t, hello)

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, err = c.conn.Read(make([]byte, 64))
	assert.Error(t, err)
	assert.Zero(t, fx.server.SessionCount())
}

func TestUDPServer_UnknownSenderIsDropped(t *testing.T) {
	fx := newRelayFixture(t)
	keepalive, err := packet.Encode(packet.TypeKeepalive, nil, nil)
	require.NoError(t, err)

	err = fx.server.HandleDatagram(context.Background(), "127.0.0.1:40000", keepalive)
	assert.ErrorIs(t, err, ErrUnknownSession)

	err = fx.server.HandleDatagram(context.Background(), "127.0.0.1:40000", nil)
	assert.ErrorIs(t, err, packet.ErrMalformedPacket)
}

func TestUDPServer_JoinRequiresChannelGrant(t *testing.T) {
	fx := newRelayFixture(t)
	token, err := fx.auth.GenerateToken("carol", "carol", []domain.ChannelID{"lounge"}, nil)
	require.NoError(t, err)

	c := fx.dial(t)
	hello, _ := packet.EncodeMessage(packet.TypeHello, packet.Hello{Token: token}, nil)
	c.send(t, hello)
	c.welcome(t)

	join, _ := packet.EncodeMessage(packet.TypeJoinChannel, packet.JoinChannel{ChannelID: "general"}, nil)
	c.send(t, join)
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, err = c.conn.Read(make([]byte, 64))
	assert.Error(t, err)
	assert.Empty(t, fx.registry.Channels())
}

func TestUDPServer_LeaveClosesChannel(t *testing.T) {
	fx := newRelayFixture(t)
	alice := fx.connect(t, "alice")
	alice.join(t, "general")

	leave, err := packet.EncodeMessage(packet.TypeLeaveChannel, packet.LeaveChannel{ChannelID: "general"}, nil)
	require.NoError(t, err)
	alice.send(t, leave)

	require.Eventually(t, func() bool {
		return len(fx.registry.Channels()) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, fx.server.SessionCount())
}

func TestUDPServer_SweepDisconnectsIdleSessions(t *testing.T) {
	fx := newRelayFixture(t)
	alice := fx.connect(t, "alice")
	alice.join(t, "general")

	idle := fx.server.Sweep(context.Background(), time.Now().Add(2*time.Minute))
	assert.Equal(t, []domain.SessionID{domain.SessionID(alice.session)}, idle)
	assert.Zero(t, fx.server.SessionCount())
	assert.Empty(t, fx.registry.Channels())

	err := fx.server.Send(domain.SessionID(alice.session), []byte{0xFF})
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestUDPServer_ReconnectReplacesSession(t *testing.T) {
	fx := newRelayFixture(t)
	alice := fx.connect(t, "alice")
	alice.join(t, "general")
	first := alice.session

	token, _ := fx.auth.GenerateToken("alice", "alice", nil, nil)
	hello, _ := packet.EncodeMessage(packet.TypeHello, packet.Hello{Token: token}, nil)
	alice.send(t, hello)
	w := alice.welcome(t)

	assert.NotEqual(t, first, w.SessionID)
	assert.Equal(t, 1, fx.server.SessionCount())
	assert.Empty(t, fx.registry.Channels())
}

func TestLimiterStore(t *testing.T) {
	store := newLimiterStore(1, 2)
	now := time.Now()

	assert.True(t, store.allow("a", now))
	assert.True(t, store.allow("a", now))
	assert.False(t, store.allow("a", now))
	assert.True(t, store.allow("b", now))
	assert.True(t, store.allow("a", now.Add(time.Second)))

	assert.Equal(t, 2, store.size())
	assert.Equal(t, 1, store.sweep(now.Add(500*time.Millisecond)))
	assert.Equal(t, 1, store.size())
}
