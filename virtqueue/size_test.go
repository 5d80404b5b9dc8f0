package virtqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckQueueSize(t *testing.T) {
	tests := []struct {
		name        string
		queueSize   int
		containsErr string
	}{
		{
			name:        "negative",
			queueSize:   -1,
			containsErr: "too small",
		},
		{
			name:        "zero",
			queueSize:   0,
			containsErr: "too small",
		},
		{
			name:        "not a power of 2",
			queueSize:   24,
			containsErr: "not a power of 2",
		},
		{
			name:        "too large",
			queueSize:   65536,
			containsErr: "larger than the maximum",
		},
		{
			name:      "valid 1",
			queueSize: 1,
		},
		{
			name:      "valid 256",
			queueSize: 256,
		},

		{
			name:      "valid 32768",
			queueSize: 32768,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckQueueSize(tt.queueSize)
			if tt.containsErr != "" {
				assert.ErrorContains(t, err, tt.containsErr)
				assert.ErrorIs(t, err, ErrQueueSizeInvalid)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCheckHostQueueSize(t *testing.T) {
	assert.ErrorContains(t, CheckHostQueueSize(0), "too small")
	assert.ErrorContains(t, CheckHostQueueSize(MaxQueueSize+1), "larger than the maximum")
	assert.NoError(t, CheckHostQueueSize(3))
	assert.NoError(t, CheckHostQueueSize(24))
	assert.NoError(t, CheckHostQueueSize(MaxQueueSize))
}

func TestNeedEvent(t *testing.T) {
	tests := []struct {
		name     string
		event    uint16
		newIdx   uint16
		oldIdx   uint16
		expected bool
	}{
		{name: "event reached", event: 4, newIdx: 5, oldIdx: 4, expected: true},
		{name: "event passed in a batch", event: 4, newIdx: 8, oldIdx: 2, expected: true},
		{name: "event ahead", event: 10, newIdx: 8, oldIdx: 2, expected: false},
		{name: "event already behind", event: 1, newIdx: 8, oldIdx: 2, expected: false},
		{name: "nothing moved", event: 4, newIdx: 4, oldIdx: 4, expected: false},
		{name: "across wrap", event: 65535, newIdx: 2, oldIdx: 65534, expected: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NeedEvent(tt.event, tt.newIdx, tt.oldIdx))
		})
	}
}
