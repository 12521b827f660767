package cachegc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewCache(2, 10*time.Second)
	c.Now = func() time.Time { return now }

	c.Add("a", 1)
	now = now.Add(5 * time.Second)
	c.Add("b", 2)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, c.Len())

	// Size bound evicts the least recently added.
	c.Add("c", 3)
	assert.False(t, c.Contains("a"))
	assert.True(t, c.Contains("b"))

	// TTL bound.
	now = now.Add(6 * time.Second)
	assert.False(t, c.Contains("b"))
	assert.True(t, c.Contains("c"))
	assert.Equal(t, 1, c.Len())

	c.Remove("c")
	assert.Zero(t, c.Len())
}
