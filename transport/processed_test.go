package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProcessedSetCapacityEvictsOldest(t *testing.T) {
	p := NewProcessedSet(3, time.Hour)
	now := time.Now()
	for i := byte(0); i < 5; i++ {
		p.Add(TransactionID{i}, now.Add(time.Duration(i)*time.Second))
	}
	assert.Equal(t, 3, p.Len())
	assert.False(t, p.Contains(TransactionID{0}, now))
	assert.False(t, p.Contains(TransactionID{1}, now))
	assert.True(t, p.Contains(TransactionID{4}, now))
}

func TestProcessedSetRetentionWindow(t *testing.T) {
	p := NewProcessedSet(100, time.Minute)
	start := time.Now()
	p.Add(TransactionID{1}, start)
	p.Add(TransactionID{2}, start.Add(45*time.Second))

	assert.True(t, p.Contains(TransactionID{1}, start.Add(59*time.Second)))
	assert.Equal(t, 1, p.Expire(start.Add(61*time.Second)))
	assert.False(t, p.Contains(TransactionID{1}, start.Add(61*time.Second)))
	assert.True(t, p.Contains(TransactionID{2}, start.Add(61*time.Second)))
}

func TestProcessedSetContainsExpiresLazily(t *testing.T) {
	p := NewProcessedSet(100, time.Minute)
	start := time.Now()
	p.Add(TransactionID{7}, start)
	assert.False(t, p.Contains(TransactionID{7}, start.Add(2*time.Minute)))
	assert.Equal(t, 0, p.Len())
}
