package fec

import (
	"fmt"
	"math"
)

// Encoder assigns consecutive data packets to groups and produces one
// parity per group. It is not safe for concurrent use.
type Encoder struct {
	size int

	group      uint16
	count      int
	baseSeq    uint16
	nextSeq    uint16
	lengths    []uint16
	timestamps []uint32
	acc        []byte
}

func NewEncoder(groupSize int) (*Encoder, error) {
	if groupSize < MinGroupSize || groupSize > MaxGroupSize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidGroupSize, groupSize)
	}
	e := &Encoder{size: groupSize}
	e.reset()
	return e, nil
}

// Protect records a data packet and returns its slot. The parity is non-nil
// when a group closes: either this packet completed it, or seq did not
// follow the previous packet and the partial group was flushed first.
// Payloads longer than 65535 bytes cannot be protected.
func (e *Encoder) Protect(seq uint16, ts uint32, payload []byte) (Slot, *Parity, error) {
	if len(payload) > math.MaxUint16 {
		return Slot{}, nil, fmt.Errorf("payload of %d bytes exceeds fec limit", len(payload))
	}

	var closed *Parity
	if e.count > 0 && seq != e.nextSeq {
		closed = e.Flush()
	}
	if e.count == 0 {
		e.baseSeq = seq
	}

	slot := Slot{Group: e.group, Index: uint8(e.count), Size: uint8(e.size)}
	if len(payload) > len(e.acc) {
		grown := make([]byte, len(payload))
		copy(grown, e.acc)
		e.acc = grown
	}
	xorInto(e.acc, payload)
	e.lengths = append(e.lengths, uint16(len(payload)))
	e.timestamps = append(e.timestamps, ts)
	e.count++
	e.nextSeq = seq + 1

	if e.count == e.size {
		return slot, e.Flush(), nil
	}
	return slot, closed, nil
}

// Flush closes the current group and returns its parity, or nil when the
// group is empty.
func (e *Encoder) Flush() *Parity {
	if e.count == 0 {
		return nil
	}
	p := &Parity{
		Group:      e.group,
		BaseSeq:    e.baseSeq,
		Lengths:    e.lengths,
		Timestamps: e.timestamps,
		Data:       e.acc,
	}
	e.group++
	e.reset()
	return p
}

func (e *Encoder) reset() {
	e.count = 0
	e.lengths = make([]uint16, 0, e.size)
	e.timestamps = make([]uint32, 0, e.size)
	e.acc = nil
}
