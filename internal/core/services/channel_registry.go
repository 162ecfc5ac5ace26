package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"voxrelay/internal/core/domain"

	"go.uber.org/zap"
)

// ChannelRegistry owns the channel supervisors of this relay process and the
// session to channel mapping. Supervisors are created on first join and
// closed when their last member leaves.
type ChannelRegistry struct {
	secret []byte
	cfg    SupervisorConfig
	deps   SupervisorDeps
	logger *zap.SugaredLogger

	mu       sync.Mutex
	channels map[domain.ChannelID]*ChannelSupervisor
	sessions map[domain.SessionID]domain.ChannelID

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewChannelRegistry(secret []byte, cfg SupervisorConfig, deps SupervisorDeps) *ChannelRegistry {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &ChannelRegistry{
		secret:   secret,
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger,
		channels: make(map[domain.ChannelID]*ChannelSupervisor),
		sessions: make(map[domain.SessionID]domain.ChannelID),
		baseCtx:  context.Background(),
	}
}

// Start runs the housekeeping ticker. Supervisors created afterwards run
// their background loops under ctx.
func (r *ChannelRegistry) Start(ctx context.Context) {
	r.mu.Lock()
	r.baseCtx, r.cancel = context.WithCancel(ctx)
	runCtx := r.baseCtx
	r.mu.Unlock()

	if r.cfg.HousekeepingInterval <= 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.HousekeepingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				r.Housekeeping(runCtx, r.deps.Now())
			}
		}
	}()
}

func (r *ChannelRegistry) Get(channel domain.ChannelID) (*ChannelSupervisor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.channels[channel]
	return s, ok
}

// GetOrCreate returns the channel's supervisor, creating and starting it if
// needed. Key material is loaded outside the registry lock.
func (r *ChannelRegistry) GetOrCreate(ctx context.Context, channel domain.ChannelID) (*ChannelSupervisor, error) {
	if s, ok := r.Get(channel); ok {
		return s, nil
	}

	created, err := NewChannelSupervisor(ctx, channel, r.secret, r.cfg, r.deps)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if s, ok := r.channels[channel]; ok {
		r.mu.Unlock()
		created.Close(ctx)
		return s, nil
	}
	r.channels[channel] = created
	runCtx := r.baseCtx
	r.mu.Unlock()

	created.Start(runCtx)
	r.logger.Infow("channel opened", "channel_id", channel)
	return created, nil
}

// Join places a session in a channel, leaving its previous channel first.
func (r *ChannelRegistry) Join(ctx context.Context, member domain.Member) (*ChannelSupervisor, domain.KeyID, error) {
	if prev, ok := r.ChannelOf(member.Session); ok && prev.Channel() != member.Channel {
		if err := r.Leave(ctx, member.Session); err != nil && !errors.Is(err, domain.ErrNotMember) {
			return nil, 0, err
		}
	}

	for attempt := 0; attempt < 2; attempt++ {
		s, err := r.GetOrCreate(ctx, member.Channel)
		if err != nil {
			return nil, 0, err
		}
		id, err := s.Join(ctx, member)
		if errors.Is(err, domain.ErrChannelClosed) {
			// reaped between lookup and join
			r.forget(s)
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		r.mu.Lock()
		r.sessions[member.Session] = member.Channel
		r.mu.Unlock()
		return s, id, nil
	}
	return nil, 0, domain.ErrChannelClosed
}

func (r *ChannelRegistry) ChannelOf(session domain.SessionID) (*ChannelSupervisor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	channel, ok := r.sessions[session]
	if !ok {
		return nil, false
	}
	s, ok := r.channels[channel]
	return s, ok
}

// Leave removes a session from its channel and closes the channel when it
// becomes empty.
func (r *ChannelRegistry) Leave(ctx context.Context, session domain.SessionID) error {
	r.mu.Lock()
	channel, ok := r.sessions[session]
	delete(r.sessions, session)
	s := r.channels[channel]
	r.mu.Unlock()
	if !ok || s == nil {
		return domain.ErrNotMember
	}

	remaining, err := s.Leave(ctx, session)
	if remaining == 0 {
		r.reap(ctx, s)
	}
	return err
}

func (r *ChannelRegistry) reap(ctx context.Context, s *ChannelSupervisor) {
	r.mu.Lock()
	if r.channels[s.Channel()] != s || !s.retire() {
		r.mu.Unlock()
		return
	}
	delete(r.channels, s.Channel())
	r.mu.Unlock()

	s.Close(ctx)
	r.logger.Infow("channel closed", "channel_id", s.Channel())
}

func (r *ChannelRegistry) forget(s *ChannelSupervisor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channels[s.Channel()] == s {
		delete(r.channels, s.Channel())
	}
}

// HandleKeyRotated applies a rotation announced by another relay node.
// Channels without local members are ignored; they load the current id when
// they are next opened.
func (r *ChannelRegistry) HandleKeyRotated(ctx context.Context, channel domain.ChannelID, id domain.KeyID) error {
	s, ok := r.Get(channel)
	if !ok {
		return nil
	}
	_, err := s.AdoptKey(ctx, id)
	return err
}

// Housekeeping drives every supervisor's timed work and drops sessions that
// were evicted for inactivity.
func (r *ChannelRegistry) Housekeeping(ctx context.Context, now time.Time) {
	r.mu.Lock()
	supervisors := make([]*ChannelSupervisor, 0, len(r.channels))
	for _, s := range r.channels {
		supervisors = append(supervisors, s)
	}
	r.mu.Unlock()

	for _, s := range supervisors {
		evicted := s.Housekeeping(ctx, now)
		if len(evicted) > 0 {
			r.mu.Lock()
			for _, id := range evicted {
				if r.sessions[id] == s.Channel() {
					delete(r.sessions, id)
				}
			}
			r.mu.Unlock()
		}
		r.reap(ctx, s)
	}
}

func (r *ChannelRegistry) Channels() []domain.ChannelID {
	r.mu.Lock()
	out := make([]domain.ChannelID, 0, len(r.channels))
	for id := range r.channels {
		out = append(out, id)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *ChannelRegistry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	supervisors := make([]*ChannelSupervisor, 0, len(r.channels))
	for _, s := range r.channels {
		supervisors = append(supervisors, s)
	}
	r.channels = make(map[domain.ChannelID]*ChannelSupervisor)
	r.sessions = make(map[domain.SessionID]domain.ChannelID)
	cancel := r.cancel
	r.mu.Unlock()

	for _, s := range supervisors {
		s.Close(ctx)
	}
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}
