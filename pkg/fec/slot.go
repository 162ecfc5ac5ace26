package fec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	MinGroupSize = 2
	MaxGroupSize = 16

	slotLen = 4
)

var (
	ErrInvalidSlot      = errors.New("invalid fec slot")
	ErrInvalidParity    = errors.New("invalid fec parity")
	ErrInvalidGroupSize = errors.New("invalid fec group size")
)

// Slot places a data packet inside its protection group.
type Slot struct {
	Group uint16
	Index uint8
	Size  uint8
}

func (s Slot) Marshal() []byte {
	b := make([]byte, slotLen)
	binary.BigEndian.PutUint16(b, s.Group)
	b[2] = s.Index
	b[3] = s.Size
	return b
}

func ParseSlot(b []byte) (Slot, error) {
	if len(b) != slotLen {
		return Slot{}, fmt.Errorf("%w: %d bytes", ErrInvalidSlot, len(b))
	}
	s := Slot{
		Group: binary.BigEndian.Uint16(b),
		Index: b[2],
		Size:  b[3],
	}
	if s.Size < MinGroupSize || s.Size > MaxGroupSize || s.Index >= s.Size {
		return Slot{}, fmt.Errorf("%w: index %d size %d", ErrInvalidSlot, s.Index, s.Size)
	}
	return s, nil
}
