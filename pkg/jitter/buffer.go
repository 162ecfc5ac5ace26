package jitter

import (
	"errors"
	"sort"
	"time"
)

var (
	ErrLatePacket      = errors.New("packet arrived after its playout slot")
	ErrDuplicatePacket = errors.New("duplicate packet")
	ErrClosed          = errors.New("jitter buffer is draining")
)

type State int

const (
	StateIdle State = iota
	StateBuffering
	StateSteady
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuffering:
		return "buffering"
	case StateSteady:
		return "steady"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// Packet is an admitted media packet. Recovered packets were rebuilt from
// FEC parity and carry no arrival-time information.
type Packet struct {
	Seq       uint16
	Timestamp uint32
	Payload   []byte
	Recovered bool
}

// Frame is one playout step. Missing frames stand in for sequence numbers
// that never arrived and must be concealed downstream.
type Frame struct {
	Seq       uint16
	Timestamp uint32
	Payload   []byte
	Missing   bool
	Recovered bool
	Forced    bool
}

type Stats struct {
	State          State
	TargetDelay    time.Duration
	Jitter         time.Duration
	Buffered       int
	Released       uint64
	Late           uint64
	Duplicates     uint64
	Concealed      uint64
	ForcedReleases uint64
}

type entry struct {
	pkt     Packet
	arrival time.Time
}

// Buffer is the per-stream jitter buffer. Each call takes the current time
// so the state machine can be driven by a clock or by tests. It is not safe
// for concurrent use; the owning stream pipeline serializes access.
type Buffer struct {
	cfg   Config
	state State

	entries []entry

	target    time.Duration
	est       estimator
	lastAdapt time.Time

	released     bool
	lastReleased uint16

	windowStart time.Time
	windowLate  int

	stats Stats
}

func New(cfg Config) *Buffer {
	return &Buffer{
		cfg:     cfg,
		target:  cfg.InitialDelay,
		entries: make([]entry, 0, cfg.MaxBufferSize+1),
	}
}

// seqLess orders 16-bit sequence numbers across wraparound.
func seqLess(a, b uint16) bool {
	return int16(a-b) < 0
}

// Push admits a packet. The returned frames were forced out because the
// buffer exceeded its capacity.
func (b *Buffer) Push(now time.Time, p Packet) ([]Frame, error) {
	switch b.state {
	case StateDraining:
		return nil, ErrClosed
	case StateIdle:
		b.state = StateBuffering
		b.target = b.clamp(b.cfg.InitialDelay)
		b.lastAdapt = now
		b.windowStart = now
	}

	if b.released && !seqLess(b.lastReleased, p.Seq) {
		b.recordLate(now)
		return nil, ErrLatePacket
	}

	i := sort.Search(len(b.entries), func(i int) bool {
		return !seqLess(b.entries[i].pkt.Seq, p.Seq)
	})
	if i < len(b.entries) && b.entries[i].pkt.Seq == p.Seq {
		b.stats.Duplicates++
		return nil, ErrDuplicatePacket
	}

	if !p.Recovered {
		b.est.accumulate(p.Timestamp, now)
	}

	b.entries = append(b.entries, entry{})
	copy(b.entries[i+1:], b.entries[i:])
	b.entries[i] = entry{pkt: p, arrival: now}

	var out []Frame
	for len(b.entries) > b.cfg.MaxBufferSize {
		out = b.releaseHead(out, true)
		b.stats.ForcedReleases++
	}
	return out, nil
}

// Release returns the frames whose playout time has come, in sequence
// order.
func (b *Buffer) Release(now time.Time) []Frame {
	if b.state == StateIdle || b.state == StateDraining {
		return nil
	}
	var out []Frame
	for len(b.entries) > 0 && !now.Before(b.entries[0].arrival.Add(b.target)) {
		out = b.releaseHead(out, false)
		if b.state == StateBuffering {
			b.state = StateSteady
		}
	}
	return out
}

// Tick runs the adaptation cycle when it is due and then releases whatever
// is ready. It must be called periodically even without new arrivals.
func (b *Buffer) Tick(now time.Time) []Frame {
	if b.state == StateSteady && now.Sub(b.lastAdapt) >= b.cfg.AdaptationInterval {
		b.adapt()
		b.lastAdapt = now
	}
	return b.Release(now)
}

// Drain flushes every buffered entry in order and leaves the buffer in the
// terminal Draining state.
func (b *Buffer) Drain() []Frame {
	if b.state == StateDraining {
		return nil
	}
	b.state = StateDraining
	var out []Frame
	for len(b.entries) > 0 {
		out = b.releaseHead(out, false)
	}
	b.entries = nil
	return out
}

func (b *Buffer) State() State {
	return b.state
}

func (b *Buffer) TargetDelay() time.Duration {
	return b.target
}

func (b *Buffer) Stats() Stats {
	s := b.stats
	s.State = b.state
	s.TargetDelay = b.target
	s.Jitter = b.est.value()
	s.Buffered = len(b.entries)
	return s
}

func (b *Buffer) adapt() {
	desired := float64(b.est.value()) * b.cfg.SafetyFactor
	next := float64(b.target) + (desired-float64(b.target))*b.cfg.AdaptationRate
	b.target = b.clamp(time.Duration(next))
}

func (b *Buffer) recordLate(now time.Time) {
	b.stats.Late++
	if now.Sub(b.windowStart) >= b.cfg.LateWindow {
		b.windowStart = now
		b.windowLate = 0
	}
	b.windowLate++
	if b.windowLate > b.cfg.LateThreshold {
		b.target = b.clamp(b.target + b.cfg.LateStep)
		b.windowLate = 0
	}
}

// releaseHead pops the oldest entry, preceded by gap frames for any
// sequence numbers skipped since the last release.
func (b *Buffer) releaseHead(out []Frame, forced bool) []Frame {
	head := b.entries[0]
	b.entries = b.entries[1:]

	if b.released {
		gap := int(head.pkt.Seq-b.lastReleased) - 1
		b.stats.Concealed += uint64(gap)
		// a long outage is concealed by at most one buffer's worth of frames
		emit := min(gap, b.cfg.MaxBufferSize)
		for i := emit; i >= 1; i-- {
			out = append(out, Frame{Seq: head.pkt.Seq - uint16(i), Missing: true})
		}
	}

	out = append(out, Frame{
		Seq:       head.pkt.Seq,
		Timestamp: head.pkt.Timestamp,
		Payload:   head.pkt.Payload,
		Recovered: head.pkt.Recovered,
		Forced:    forced,
	})
	b.released = true
	b.lastReleased = head.pkt.Seq
	b.stats.Released++
	return out
}

func (b *Buffer) clamp(d time.Duration) time.Duration {
	if d < b.cfg.MinDelay {
		return b.cfg.MinDelay
	}
	if d > b.cfg.MaxDelay {
		return b.cfg.MaxDelay
	}
	return d
}
