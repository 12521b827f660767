package timeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTimeline(t *testing.T) {
	tl := New()
	tl.Add(1, 105)
	tl.Add(2, 100)
	tl.Add(3, 110)
	tl.Add(4, 100)
	assert.Equal(t, 4, tl.Len())
	next, ok := tl.Next()
	assert.True(t, ok)
	assert.Equal(t, int64(100), next)

	assert.False(t, tl.Move(100, 120, 1))
	assert.True(t, tl.Move(105, 120, 1))
	s, ok := tl.Second(1)
	assert.True(t, ok)
	assert.Equal(t, int64(120), s)

	tl.Remove(4)
	assert.False(t, tl.Contains(4))

	assert.Equal(t, []uint32{2}, tl.ExtractExpired(109).ToArray())
	assert.Equal(t, []uint32{3}, tl.ExtractExpired(110).ToArray())
	assert.True(t, tl.ExtractExpired(110).IsEmpty())
	assert.Equal(t, 1, tl.Len())
	next, _ = tl.Next()
	assert.Equal(t, int64(120), next)

	tl.Clear()
	_, ok = tl.Next()
	assert.False(t, ok)
}

func TestTimeline_ReAdd(t *testing.T) {
	tl := New()
	tl.Add(7, 50)
	tl.Add(7, 60)
	assert.Equal(t, 1, tl.Len())
	assert.True(t, tl.ExtractExpired(55).IsEmpty())
	assert.Equal(t, []uint32{7}, tl.ExtractExpired(60).ToArray())
	// Unscheduled jobs are not moved.
	assert.False(t, tl.Move(10, 20, 8))
	assert.False(t, tl.Contains(8))
	tl.Add(8, 20)
	assert.True(t, tl.Move(20, 20, 8))
	s, _ := tl.Second(8)
	assert.Equal(t, int64(20), s)
}
