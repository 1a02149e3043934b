package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrimStopRank(t *testing.T) {
	// Under or at the cap nothing is removed
	_, ok := TrimStopRank(0, 2000)
	assert.False(t, ok)
	_, ok = TrimStopRank(2000, 2000)
	assert.False(t, ok)

	// One over the cap removes exactly the oldest entry
	stop, ok := TrimStopRank(2001, 2000)
	assert.True(t, ok)
	assert.Equal(t, int64(0), stop)

	// After removing ranks [0, stop] exactly max entries remain
	stop, ok = TrimStopRank(2100, 2000)
	assert.True(t, ok)
	assert.Equal(t, int64(99), stop)
	removed := stop + 1
	assert.Equal(t, int64(2000), 2100-removed)
}
