package jitter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func seqs(frames []Frame) []uint16 {
	out := make([]uint16, len(frames))
	for i, f := range frames {
		out[i] = f.Seq
	}
	return out
}

func push(t *testing.T, b *Buffer, now time.Time, seq uint16, ts uint32) []Frame {
	t.Helper()
	out, err := b.Push(now, Packet{Seq: seq, Timestamp: ts, Payload: []byte{byte(seq)}})
	require.NoError(t, err)
	return out
}

// steady pushes seq 0 at t0 and releases it so the buffer leaves Buffering.
func steady(t *testing.T, b *Buffer) {
	t.Helper()
	push(t, b, t0, 0, 0)
	require.Len(t, b.Release(t0.Add(ms(40))), 1)
	require.Equal(t, StateSteady, b.State())
}

func TestBuffer_StateMachine(t *testing.T) {
	b := New(DefaultConfig())
	assert.Equal(t, StateIdle, b.State())

	push(t, b, t0, 0, 0)
	assert.Equal(t, StateBuffering, b.State())
	assert.Equal(t, ms(40), b.TargetDelay())

	assert.Empty(t, b.Release(t0.Add(ms(39))))
	assert.Equal(t, StateBuffering, b.State())

	assert.Len(t, b.Release(t0.Add(ms(40))), 1)
	assert.Equal(t, StateSteady, b.State())

	b.Drain()
	assert.Equal(t, StateDraining, b.State())
	_, err := b.Push(t0, Packet{Seq: 1})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBuffer_ReordersBySequence(t *testing.T) {
	b := New(DefaultConfig())
	push(t, b, t0, 3, 60)
	push(t, b, t0.Add(ms(1)), 1, 20)
	push(t, b, t0.Add(ms(2)), 2, 40)

	frames := b.Release(t0.Add(ms(50)))
	assert.Equal(t, []uint16{1, 2, 3}, seqs(frames))
}

func TestBuffer_HeadOfLineWaitsForSchedule(t *testing.T) {
	b := New(DefaultConfig())
	push(t, b, t0.Add(ms(30)), 1, 0)
	push(t, b, t0, 2, 20)

	assert.Empty(t, b.Release(t0.Add(ms(60))))
	assert.Equal(t, []uint16{1, 2}, seqs(b.Release(t0.Add(ms(70)))))
}

func TestBuffer_EmitsGapFrames(t *testing.T) {
	b := New(DefaultConfig())
	push(t, b, t0, 1, 0)
	push(t, b, t0, 4, 60)

	frames := b.Release(t0.Add(ms(40)))
	require.Equal(t, []uint16{1, 2, 3, 4}, seqs(frames))
	assert.False(t, frames[0].Missing)
	assert.True(t, frames[1].Missing)
	assert.True(t, frames[2].Missing)
	assert.False(t, frames[3].Missing)
	assert.Equal(t, uint64(2), b.Stats().Concealed)
}

func TestBuffer_LateAndDuplicatePackets(t *testing.T) {
	b := New(DefaultConfig())
	push(t, b, t0, 5, 0)
	push(t, b, t0, 6, 20)

	_, err := b.Push(t0, Packet{Seq: 6})
	assert.ErrorIs(t, err, ErrDuplicatePacket)

	b.Release(t0.Add(ms(40)))
	_, err = b.Push(t0.Add(ms(41)), Packet{Seq: 4})
	assert.ErrorIs(t, err, ErrLatePacket)
	_, err = b.Push(t0.Add(ms(41)), Packet{Seq: 6})
	assert.ErrorIs(t, err, ErrLatePacket)

	stats := b.Stats()
	assert.Equal(t, uint64(2), stats.Late)
	assert.Equal(t, uint64(1), stats.Duplicates)
}

func TestBuffer_LateBurstStepsTargetUp(t *testing.T) {
	b := New(DefaultConfig())
	push(t, b, t0, 100, 0)
	b.Release(t0.Add(ms(40)))

	now := t0.Add(ms(50))
	for i := 0; i < 5; i++ {
		_, err := b.Push(now, Packet{Seq: uint16(90 + i)})
		require.ErrorIs(t, err, ErrLatePacket)
	}
	assert.Equal(t, ms(40), b.TargetDelay())

	_, err := b.Push(now, Packet{Seq: 99})
	require.ErrorIs(t, err, ErrLatePacket)
	assert.Equal(t, ms(60), b.TargetDelay())
}

func TestBuffer_LateWindowResets(t *testing.T) {
	b := New(DefaultConfig())
	push(t, b, t0, 100, 0)
	b.Release(t0.Add(ms(40)))

	for i := 0; i < 10; i++ {
		// two late packets per second never exceed the threshold
		now := t0.Add(time.Duration(i/2) * time.Second).Add(ms(50))
		_, err := b.Push(now, Packet{Seq: uint16(i)})
		require.ErrorIs(t, err, ErrLatePacket)
	}
	assert.Equal(t, ms(40), b.TargetDelay())
}

func TestBuffer_TargetDelayStaysWithinBounds(t *testing.T) {
	t.Run("extreme jitter", func(t *testing.T) {
		b := New(DefaultConfig())
		steady(t, b)
		for i := 1; i <= 60; i++ {
			offset := ms(0)
			if i%2 == 1 {
				offset = ms(900)
			}
			push(t, b, t0.Add(ms(i*20)).Add(offset), uint16(i), uint32(i*20))
		}
		assert.Greater(t, b.Stats().Jitter, ms(400))

		now := t0.Add(5 * time.Second)
		for i := 0; i < 30; i++ {
			now = now.Add(time.Second)
			b.Tick(now)
			assert.LessOrEqual(t, b.TargetDelay(), ms(200))
			assert.GreaterOrEqual(t, b.TargetDelay(), ms(10))
		}
		assert.Equal(t, ms(200), b.TargetDelay())
	})

	t.Run("no jitter", func(t *testing.T) {
		b := New(DefaultConfig())
		steady(t, b)
		for i := 1; i <= 10; i++ {
			push(t, b, t0.Add(ms(i*20)), uint16(i), uint32(i*20))
		}
		assert.Zero(t, b.Stats().Jitter)

		now := t0.Add(time.Second)
		for i := 0; i < 60; i++ {
			now = now.Add(time.Second)
			b.Tick(now)
		}
		assert.Equal(t, ms(10), b.TargetDelay())
	})
}

func TestBuffer_AdaptationWaitsForInterval(t *testing.T) {
	b := New(DefaultConfig())
	steady(t, b)
	push(t, b, t0.Add(ms(20)), 1, 20)

	b.Tick(t0.Add(ms(500)))
	assert.Equal(t, ms(40), b.TargetDelay())

	b.Tick(t0.Add(ms(1100)))
	assert.Less(t, b.TargetDelay(), ms(40))
}

func TestBuffer_NeverExceedsMaxBufferSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBufferSize = 4
	b := New(cfg)

	var forced []Frame
	for i := 0; i < 10; i++ {
		out := push(t, b, t0, uint16(i), uint32(i*20))
		forced = append(forced, out...)
		assert.LessOrEqual(t, b.Stats().Buffered, 4)
	}

	assert.Equal(t, []uint16{0, 1, 2, 3, 4, 5}, seqs(forced))
	for _, f := range forced {
		assert.True(t, f.Forced)
	}
	assert.Equal(t, uint64(6), b.Stats().ForcedReleases)
}

func TestBuffer_RecoveredPacketsDoNotMoveJitter(t *testing.T) {
	b := New(DefaultConfig())
	push(t, b, t0, 0, 0)
	push(t, b, t0.Add(ms(20)), 1, 20)

	_, err := b.Push(t0.Add(ms(900)), Packet{Seq: 2, Timestamp: 40, Recovered: true})
	require.NoError(t, err)
	assert.Zero(t, b.Stats().Jitter)

	frames := b.Release(t0.Add(time.Second))
	require.Len(t, frames, 3)
	assert.True(t, frames[2].Recovered)
}

func TestBuffer_SequenceWraparound(t *testing.T) {
	b := New(DefaultConfig())
	push(t, b, t0, 0, 40)
	push(t, b, t0, 65535, 20)
	push(t, b, t0, 65534, 0)

	assert.Equal(t, []uint16{65534, 65535, 0}, seqs(b.Release(t0.Add(ms(40)))))

	_, err := b.Push(t0.Add(ms(41)), Packet{Seq: 65535})
	assert.ErrorIs(t, err, ErrLatePacket)
	push(t, b, t0.Add(ms(41)), 1, 60)
}

func TestBuffer_DrainFlushesInOrder(t *testing.T) {
	b := New(DefaultConfig())
	push(t, b, t0, 2, 20)
	push(t, b, t0, 1, 0)
	push(t, b, t0, 4, 60)

	frames := b.Drain()
	assert.Equal(t, []uint16{1, 2, 3, 4}, seqs(frames))
	assert.Equal(t, 0, b.Stats().Buffered)
	assert.Nil(t, b.Drain())
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.InitialDelay = ms(500)
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MaxBufferSize = 0
	assert.Error(t, cfg.Validate())
}
