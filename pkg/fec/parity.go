package fec

import (
	"encoding/binary"
	"fmt"
)

const parityEntryLen = 6

// Parity protects one group. Lengths and Timestamps are recorded per slot
// because XOR alone cannot restore them.
type Parity struct {
	Group      uint16
	BaseSeq    uint16
	Lengths    []uint16
	Timestamps []uint32
	Data       []byte
}

func (p *Parity) Size() int {
	return len(p.Lengths)
}

// Marshal encodes the parity payload. The group number travels in the RTP
// sequence field, not here.
func (p *Parity) Marshal() []byte {
	b := make([]byte, 3, 3+parityEntryLen*len(p.Lengths)+len(p.Data))
	binary.BigEndian.PutUint16(b, p.BaseSeq)
	b[2] = uint8(len(p.Lengths))
	for i, l := range p.Lengths {
		b = binary.BigEndian.AppendUint16(b, l)
		b = binary.BigEndian.AppendUint32(b, p.Timestamps[i])
	}
	return append(b, p.Data...)
}

func ParseParity(group uint16, b []byte) (*Parity, error) {
	if len(b) < 3 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidParity, len(b))
	}
	n := int(b[2])
	if n < 1 || n > MaxGroupSize {
		return nil, fmt.Errorf("%w: group size %d", ErrInvalidParity, n)
	}
	table := b[3:]
	if len(table) < n*parityEntryLen {
		return nil, fmt.Errorf("%w: truncated slot table", ErrInvalidParity)
	}

	p := &Parity{
		Group:      group,
		BaseSeq:    binary.BigEndian.Uint16(b),
		Lengths:    make([]uint16, n),
		Timestamps: make([]uint32, n),
	}
	longest := 0
	for i := 0; i < n; i++ {
		e := table[i*parityEntryLen:]
		p.Lengths[i] = binary.BigEndian.Uint16(e)
		p.Timestamps[i] = binary.BigEndian.Uint32(e[2:])
		if int(p.Lengths[i]) > longest {
			longest = int(p.Lengths[i])
		}
	}
	data := table[n*parityEntryLen:]
	if len(data) != longest {
		return nil, fmt.Errorf("%w: %d parity bytes for longest member %d", ErrInvalidParity, len(data), longest)
	}
	p.Data = append([]byte(nil), data...)
	return p, nil
}
