package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"voxrelay/internal/core/domain"
	"voxrelay/internal/core/ports"
	"voxrelay/pkg/tracing"
	"voxrelay/pkg/utils"

	"go.uber.org/zap"
)

type FloorConfig struct {
	MaxConcurrentShares int
	BandwidthBudget     int64
	Tiers               map[domain.ShareTier]int64
	DefaultTier         domain.ShareTier
	MaxShareDuration    time.Duration
	RequestTimeout      time.Duration
}

func DefaultFloorConfig() FloorConfig {
	tiers := make(map[domain.ShareTier]int64, len(domain.DefaultTierBandwidth))
	for tier, bps := range domain.DefaultTierBandwidth {
		tiers[tier] = bps
	}
	return FloorConfig{
		MaxConcurrentShares: 3,
		BandwidthBudget:     15_000_000,
		Tiers:               tiers,
		DefaultTier:         domain.Tier1080p30,
		MaxShareDuration:    4 * time.Hour,
		RequestTimeout:      30 * time.Second,
	}
}

// Validate checks that the configured number of default-tier shares fits in
// the bandwidth budget.
func (c FloorConfig) Validate() error {
	base, ok := c.Tiers[c.DefaultTier]
	if !ok {
		return fmt.Errorf("%w: default tier %q", domain.ErrUnknownTier, c.DefaultTier)
	}
	if c.MaxConcurrentShares <= 0 || c.BandwidthBudget <= 0 {
		return fmt.Errorf("floor limits must be positive")
	}
	if int64(c.MaxConcurrentShares)*base > c.BandwidthBudget {
		return fmt.Errorf("%d shares at %d bps exceed budget %d", c.MaxConcurrentShares, base, c.BandwidthBudget)
	}
	return nil
}

// FloorController is the screen-share ledger of one channel. Every
// admission decision is taken under mu, so two concurrent requests can
// never both be admitted past the budget.
type FloorController struct {
	channel   domain.ChannelID
	cfg       FloorConfig
	gate      ports.PermissionGate
	events    ports.EventPublisher
	telemetry ports.Telemetry
	logger    *zap.SugaredLogger
	now       func() time.Time

	mu        sync.Mutex
	pending   map[string]*domain.ShareRequest
	active    map[domain.ShareID]*domain.ShareSession
	committed int64
}

func NewFloorController(
	channel domain.ChannelID,
	cfg FloorConfig,
	gate ports.PermissionGate,
	events ports.EventPublisher,
	telemetry ports.Telemetry,
	logger *zap.SugaredLogger,
	now func() time.Time,
) *FloorController {
	if events == nil {
		events = nopEvents{}
	}
	if telemetry == nil {
		telemetry = nopTelemetry{}
	}
	if now == nil {
		now = time.Now
	}
	return &FloorController{
		channel:   channel,
		cfg:       cfg,
		gate:      gate,
		events:    events,
		telemetry: telemetry,
		logger:    logger,
		now:       now,
		pending:   make(map[string]*domain.ShareRequest),
		active:    make(map[domain.ShareID]*domain.ShareSession),
	}
}

// Submit registers a pending request awaiting a permission decision.
func (f *FloorController) Submit(member *domain.Member, stream domain.StreamID, tier domain.ShareTier) (*domain.ShareRequest, error) {
	if tier == "" {
		tier = f.cfg.DefaultTier
	}
	if _, ok := f.cfg.Tiers[tier]; !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownTier, tier)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sharingLocked(member.User) {
		return nil, domain.ErrAlreadySharing
	}
	req := &domain.ShareRequest{
		ID:          utils.GenerateRequestRef(),
		Channel:     f.channel,
		Requester:   member.User,
		Session:     member.Session,
		Stream:      stream,
		Tier:        tier,
		SubmittedAt: f.now(),
	}
	f.pending[req.ID] = req
	return req, nil
}

// Decide resolves a pending request. A granted request is admitted only if
// both the concurrency limit and the bandwidth budget still hold.
func (f *FloorController) Decide(ctx context.Context, requestID string, granted bool) (*domain.ShareSession, error) {
	now := f.now()

	f.mu.Lock()
	req, ok := f.pending[requestID]
	if !ok {
		f.mu.Unlock()
		return nil, domain.ErrRequestNotFound
	}
	delete(f.pending, requestID)

	if now.Sub(req.SubmittedAt) >= f.cfg.RequestTimeout {
		f.mu.Unlock()
		return nil, domain.ErrRequestTimeout
	}
	if !granted {
		f.mu.Unlock()
		f.telemetry.ShareRejected(f.channel, "permission")
		return nil, domain.ErrPermissionDenied
	}
	if f.sharingLocked(req.Requester) {
		f.mu.Unlock()
		return nil, domain.ErrAlreadySharing
	}

	bps := f.cfg.Tiers[req.Tier]
	if len(f.active) >= f.cfg.MaxConcurrentShares || f.committed+bps > f.cfg.BandwidthBudget {
		active, committed := len(f.active), f.committed
		f.mu.Unlock()
		f.telemetry.ShareRejected(f.channel, "capacity")
		f.logger.Infow("screen share rejected",
			"channel_id", f.channel,
			"user_id", req.Requester,
			"tier", req.Tier,
			"active", active,
			"committed_bps", committed,
		)
		return nil, fmt.Errorf("%w: %d active, %d of %d bps committed",
			domain.ErrFloorCapacityExceeded, active, committed, f.cfg.BandwidthBudget)
	}

	share := &domain.ShareSession{
		ID:        domain.ShareID(utils.GenerateShareID()),
		Channel:   f.channel,
		Requester: req.Requester,
		Session:   req.Session,
		Stream:    req.Stream,
		Tier:      req.Tier,
		Bitrate:   bps,
		StartedAt: now,
		Deadline:  now.Add(f.cfg.MaxShareDuration),
	}
	f.active[share.ID] = share
	f.committed += bps
	active, committed := len(f.active), f.committed
	f.mu.Unlock()

	f.telemetry.ShareStarted(f.channel)
	f.telemetry.CommittedBandwidth(f.channel, active, committed)
	out := *share
	if err := f.events.PublishShareStarted(ctx, &out); err != nil {
		f.logger.Warnw("failed to publish share start", "share_id", share.ID, "error", err)
	}
	f.logger.Infow("screen share started",
		"channel_id", f.channel,
		"user_id", share.Requester,
		"share_id", share.ID,
		"tier", share.Tier,
	)
	return &out, nil
}

// RequestShare runs a request through submission, the permission gate and
// admission. The gate is called without holding the ledger lock.
func (f *FloorController) RequestShare(ctx context.Context, member *domain.Member, stream domain.StreamID, tier domain.ShareTier) (*domain.ShareSession, error) {
	ctx, span := tracing.TraceFloorDecision(ctx, string(f.channel), string(tier))
	defer span.End()

	req, err := f.Submit(member, stream, tier)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	granted := true
	var gateErr error
	if f.gate != nil {
		if gateErr = f.gate.Authorize(ctx, member, domain.PermissionScreenShare); gateErr != nil {
			granted = false
		}
	}

	share, err := f.Decide(ctx, req.ID, granted)
	if err != nil {
		if gateErr != nil {
			err = gateErr
		}
		tracing.RecordError(ctx, err)
		return nil, err
	}
	tracing.AddSpanAttributes(ctx, tracing.ShareIDKey.String(string(share.ID)))
	return share, nil
}

// Stop ends an active share on request of its owner.
func (f *FloorController) Stop(ctx context.Context, id domain.ShareID) error {
	f.mu.Lock()
	share, ok := f.active[id]
	if ok {
		f.removeLocked(share)
	}
	active, committed := len(f.active), f.committed
	f.mu.Unlock()

	if !ok {
		return domain.ErrShareNotFound
	}
	f.ended(ctx, share, domain.ShareEndStopped, active, committed)
	return nil
}

// ReleaseSession ends every share and drops every pending request of a
// session that left the channel.
func (f *FloorController) ReleaseSession(ctx context.Context, session domain.SessionID) int {
	f.mu.Lock()
	for id, req := range f.pending {
		if req.Session == session {
			delete(f.pending, id)
		}
	}
	var ended []*domain.ShareSession
	for _, share := range f.active {
		if share.Session == session {
			f.removeLocked(share)
			ended = append(ended, share)
		}
	}
	active, committed := len(f.active), f.committed
	f.mu.Unlock()

	for _, share := range ended {
		f.ended(ctx, share, domain.ShareEndLeft, active, committed)
	}
	return len(ended)
}

// Sweep discards abandoned requests and ends shares past their deadline.
func (f *FloorController) Sweep(ctx context.Context, now time.Time) (abandoned int, capped []*domain.ShareSession) {
	f.mu.Lock()
	for id, req := range f.pending {
		if now.Sub(req.SubmittedAt) >= f.cfg.RequestTimeout {
			delete(f.pending, id)
			abandoned++
		}
	}
	for _, share := range f.active {
		if !now.Before(share.Deadline) {
			f.removeLocked(share)
			capped = append(capped, share)
		}
	}
	active, committed := len(f.active), f.committed
	f.mu.Unlock()

	for _, share := range capped {
		f.ended(ctx, share, domain.ShareEndDuration, active, committed)
	}
	if abandoned > 0 {
		f.logger.Debugw("discarded abandoned share requests", "channel_id", f.channel, "count", abandoned)
	}
	return abandoned, capped
}

func (f *FloorController) Get(id domain.ShareID) (domain.ShareSession, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	share, ok := f.active[id]
	if !ok {
		return domain.ShareSession{}, false
	}
	return *share, true
}

// Active returns the admitted shares ordered by start time.
func (f *FloorController) Active() []domain.ShareSession {
	f.mu.Lock()
	out := make([]domain.ShareSession, 0, len(f.active))
	for _, share := range f.active {
		out = append(out, *share)
	}
	f.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (f *FloorController) Committed() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.committed
}

func (f *FloorController) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

func (f *FloorController) sharingLocked(user domain.UserID) bool {
	for _, share := range f.active {
		if share.Requester == user {
			return true
		}
	}
	for _, req := range f.pending {
		if req.Requester == user {
			return true
		}
	}
	return false
}

func (f *FloorController) removeLocked(share *domain.ShareSession) {
	delete(f.active, share.ID)
	f.committed -= share.Bitrate
}

func (f *FloorController) ended(ctx context.Context, share *domain.ShareSession, reason domain.ShareEndReason, active int, committed int64) {
	f.telemetry.ShareEnded(f.channel, reason)
	f.telemetry.CommittedBandwidth(f.channel, active, committed)
	if err := f.events.PublishShareEnded(ctx, share, reason); err != nil {
		f.logger.Warnw("failed to publish share end", "share_id", share.ID, "error", err)
	}
	f.logger.Infow("screen share ended",
		"channel_id", f.channel,
		"share_id", share.ID,
		"reason", reason,
	)
}
