package virtqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAvailableRing_MemoryLayout(t *testing.T) {
	const queueSize = 2

	memory := make([]byte, AvailableRingSize(queueSize))
	w := NewAvailableRingWriter(queueSize, memory)

	w.SetFlags(0x01ff)
	w.SetHead(0, 0x1234)
	w.SetHead(1, 0x5678)
	w.SetUsedEvent(0x9abc)
	w.Publish(1)

	assert.Equal(t, []byte{
		0xff, 0x01,
		0x01, 0x00,
		0x34, 0x12,
		0x78, 0x56,
		0xbc, 0x9a,
	}, memory)

	r := newAvailableRing(queueSize, memory)
	assert.Equal(t, AvailableRingFlag(0x01ff), r.flags())
	assert.Equal(t, uint16(1), r.index())
	assert.Equal(t, uint16(0x1234), r.head(0))
	assert.Equal(t, uint16(0x5678), r.head(1))
	assert.Equal(t, uint16(0x9abc), r.usedEvent())
}

func TestAvailableRingWriter_SetHead(t *testing.T) {
	const queueSize = 8

	chainHeads := []uint16{42, 33, 69}

	tests := []struct {
		name              string
		startRingIndex    uint16
		expectedRingIndex uint16
		expectedRing      []uint16
	}{
		{
			name:              "no overflow",
			startRingIndex:    0,
			expectedRingIndex: 3,
			expectedRing:      []uint16{42, 33, 69, 0, 0, 0, 0, 0},
		},
		{
			name:              "ring overflow",
			startRingIndex:    6,
			expectedRingIndex: 9,
			expectedRing:      []uint16{69, 0, 0, 0, 0, 0, 42, 33},
		},
		{
			name:              "index overflow",
			startRingIndex:    65535,
			expectedRingIndex: 2,
			expectedRing:      []uint16{33, 69, 0, 0, 0, 0, 0, 42},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			memory := make([]byte, AvailableRingSize(queueSize))
			w := NewAvailableRingWriter(queueSize, memory)
			w.Publish(tt.startRingIndex)

			idx := w.Index()
			for _, head := range chainHeads {
				w.SetHead(idx, head)
				idx++
			}
			w.Publish(idx)

			assert.Equal(t, tt.expectedRingIndex, w.Index())
			ring := make([]uint16, queueSize)
			for i := range ring {
				ring[i] = w.head(i)
			}
			assert.Equal(t, tt.expectedRing, ring)
		})
	}
}
