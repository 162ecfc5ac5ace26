package fec

import "time"

// DecoderConfig bounds the receive-side state of one stream.
type DecoderConfig struct {
	MaxPendingGroups int
	GroupTimeout     time.Duration
}

func DefaultDecoderConfig() DecoderConfig {
	return DecoderConfig{
		MaxPendingGroups: 16,
		GroupTimeout:     500 * time.Millisecond,
	}
}

// Packet is a data packet reconstructed from parity.
type Packet struct {
	Seq       uint16
	Timestamp uint32
	Payload   []byte
}

// Loss is a data packet that can no longer be recovered.
type Loss struct {
	Group uint16
	Seq   uint16
}

// Outcome is what a decoder step produced.
type Outcome struct {
	Recovered []Packet
	Lost      []Loss
}

func (o *Outcome) merge(other Outcome) {
	o.Recovered = append(o.Recovered, other.Recovered...)
	o.Lost = append(o.Lost, other.Lost...)
}

type DecoderStats struct {
	Recovered           uint64
	UnrecoverableGroups uint64
	Lost                uint64
	Pending             int
}

type group struct {
	id        uint16
	size      int
	base      uint16
	baseKnown bool
	payloads  [][]byte
	present   []bool
	received  int
	parity    *Parity
	firstSeen time.Time
	done      bool
}

// Decoder tracks protection groups of one stream and rebuilds a single
// missing member per group. Finished groups stay as tombstones until they
// expire so that stragglers do not reopen them. It is not safe for
// concurrent use.
type Decoder struct {
	cfg    DecoderConfig
	groups map[uint16]*group
	order  []uint16
	stats  DecoderStats
}

func NewDecoder(cfg DecoderConfig) *Decoder {
	def := DefaultDecoderConfig()
	if cfg.MaxPendingGroups <= 0 {
		cfg.MaxPendingGroups = def.MaxPendingGroups
	}
	if cfg.GroupTimeout <= 0 {
		cfg.GroupTimeout = def.GroupTimeout
	}
	return &Decoder{
		cfg:    cfg,
		groups: make(map[uint16]*group),
	}
}

// AddData records an arrived data packet.
func (d *Decoder) AddData(now time.Time, slot Slot, seq uint16, ts uint32, payload []byte) Outcome {
	var out Outcome
	g := d.lookup(now, slot.Group, &out)
	if g.done {
		return out
	}
	if g.size == 0 {
		g.setSize(int(slot.Size))
	}
	idx := int(slot.Index)
	if idx >= g.size || g.present[idx] {
		return out
	}

	g.payloads[idx] = payload
	g.present[idx] = true
	g.received++
	if !g.baseKnown {
		g.base = seq - uint16(idx)
		g.baseKnown = true
	}
	d.tryComplete(g, &out)
	return out
}

// AddParity records an arrived parity packet. A parity that failed
// authentication must never reach this point; it counts as missing.
func (d *Decoder) AddParity(now time.Time, p *Parity) Outcome {
	var out Outcome
	g := d.lookup(now, p.Group, &out)
	if g.done || g.parity != nil {
		return out
	}
	if g.size != p.Size() {
		g.setSize(p.Size())
	}
	g.parity = p
	g.base = p.BaseSeq
	g.baseKnown = true
	d.tryComplete(g, &out)
	return out
}

// Expire closes groups older than the group timeout. Open groups closed
// here are reported as lost.
func (d *Decoder) Expire(now time.Time) Outcome {
	var out Outcome
	kept := d.order[:0]
	for _, id := range d.order {
		g := d.groups[id]
		if now.Sub(g.firstSeen) >= d.cfg.GroupTimeout {
			d.close(g, &out)
			delete(d.groups, id)
			continue
		}
		kept = append(kept, id)
	}
	d.order = kept
	return out
}

// Reset drops all state without reporting losses.
func (d *Decoder) Reset() {
	d.groups = make(map[uint16]*group)
	d.order = nil
}

func (d *Decoder) Stats() DecoderStats {
	s := d.stats
	s.Pending = len(d.groups)
	return s
}

func (d *Decoder) lookup(now time.Time, id uint16, out *Outcome) *group {
	if g, ok := d.groups[id]; ok {
		return g
	}
	for len(d.order) >= d.cfg.MaxPendingGroups {
		oldest := d.groups[d.order[0]]
		d.close(oldest, out)
		delete(d.groups, oldest.id)
		d.order = d.order[1:]
	}
	g := &group{id: id, firstSeen: now}
	d.groups[id] = g
	d.order = append(d.order, id)
	return g
}

func (d *Decoder) tryComplete(g *group, out *Outcome) {
	switch {
	case g.received == g.size:
		g.finish()
	case g.parity != nil && g.received == g.size-1:
		missing := -1
		data := append([]byte(nil), g.parity.Data...)
		for i, p := range g.payloads {
			if !g.present[i] {
				missing = i
				continue
			}
			if len(p) > len(data) {
				// member longer than the parity: not from this group
				return
			}
			xorInto(data, p)
		}
		n := int(g.parity.Lengths[missing])
		if n > len(data) {
			return
		}
		out.Recovered = append(out.Recovered, Packet{
			Seq:       g.base + uint16(missing),
			Timestamp: g.parity.Timestamps[missing],
			Payload:   data[:n],
		})
		d.stats.Recovered++
		g.finish()
	}
}

func (d *Decoder) close(g *group, out *Outcome) {
	if g.done || g.size == 0 || !g.baseKnown {
		return
	}
	d.stats.UnrecoverableGroups++
	for i, ok := range g.present {
		if ok {
			continue
		}
		out.Lost = append(out.Lost, Loss{Group: g.id, Seq: g.base + uint16(i)})
		d.stats.Lost++
	}
}

func (g *group) setSize(n int) {
	payloads := make([][]byte, n)
	present := make([]bool, n)
	received := 0
	for i := 0; i < n && i < len(g.payloads); i++ {
		payloads[i] = g.payloads[i]
		present[i] = g.present[i]
		if present[i] {
			received++
		}
	}
	g.size = n
	g.payloads = payloads
	g.present = present
	g.received = received
}

func (g *group) finish() {
	g.done = true
	g.payloads = nil
	g.present = nil
	g.parity = nil
}
