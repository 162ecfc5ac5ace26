package services

import (
	"context"
	"sync"
	"time"

	"voxrelay/internal/core/domain"

	"go.uber.org/zap"
)

var testNow = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

type fakeEpochs struct {
	mu  sync.Mutex
	ids map[domain.ChannelID]domain.KeyID
	err error
}

func newFakeEpochs() *fakeEpochs {
	return &fakeEpochs{ids: make(map[domain.ChannelID]domain.KeyID)}
}

func (f *fakeEpochs) Current(_ context.Context, c domain.ChannelID) (domain.KeyID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ids[c], f.err
}

func (f *fakeEpochs) Next(_ context.Context, c domain.ChannelID) (domain.KeyID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.ids[c]++
	return f.ids[c], nil
}

func (f *fakeEpochs) Observe(_ context.Context, c domain.ChannelID, id domain.KeyID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id > f.ids[c] {
		f.ids[c] = id
	}
	return f.err
}

func (f *fakeEpochs) Ping(context.Context) error { return nil }

type sentPacket struct {
	to   domain.SessionID
	data []byte
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentPacket
}

func (f *fakeSender) Send(to domain.SessionID, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentPacket{to: to, data: append([]byte(nil), data...)})
	return nil
}

func (f *fakeSender) to(session domain.SessionID) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for _, p := range f.sent {
		if p.to == session {
			out = append(out, p.data)
		}
	}
	return out
}

type fakeEvents struct {
	mu      sync.Mutex
	rotated []domain.KeyID
	started []domain.ShareID
	ended   []domain.ShareEndReason
}

func (f *fakeEvents) PublishKeyRotated(_ context.Context, _ domain.ChannelID, id domain.KeyID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rotated = append(f.rotated, id)
	return nil
}

func (f *fakeEvents) PublishShareStarted(_ context.Context, s *domain.ShareSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, s.ID)
	return nil
}

func (f *fakeEvents) PublishShareEnded(_ context.Context, _ *domain.ShareSession, r domain.ShareEndReason) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, r)
	return nil
}

type fakeSink struct {
	mu         sync.Mutex
	directives []domain.BitrateDirective
	block      chan struct{}
}

func (f *fakeSink) ApplyBitrate(ctx context.Context, d domain.BitrateDirective) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.directives = append(f.directives, d)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.directives)
}

// permGate grants what the member carries, like the claims-based gate.
type permGate struct{}

func (permGate) Authorize(_ context.Context, m *domain.Member, p domain.Permission) error {
	if m.Has(p) {
		return nil
	}
	return domain.ErrPermissionDenied
}

type countingTelemetry struct {
	nopTelemetry
	mu      sync.Mutex
	drops   map[string]int
	dropped int
}

func newCountingTelemetry() *countingTelemetry {
	return &countingTelemetry{drops: make(map[string]int)}
}

func (c *countingTelemetry) PacketDropped(_ domain.ChannelID, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drops[reason]++
}

func (c *countingTelemetry) DirectiveDropped(domain.ChannelID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped++
}

func (c *countingTelemetry) dropCount(reason string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drops[reason]
}

func (c *countingTelemetry) directivesDropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}
