package redistest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedis(t *testing.T) {
	ctx, cancel := context.WithCancel(context.TODO())
	defer cancel()
	rd := NewRedis(ctx, t)
	defer rd.Close(t)
	require.NoError(t, rd.Client.Ping(ctx).Err())
	require.NoError(t, rd.Client.Set(ctx, "k", "v", 0).Err())
	val, err := rd.Client.Get(ctx, "k").Result()
	require.NoError(t, err)
	assert.Equal(t, "v", val)
}
