package policy

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newFlagSource(t *testing.T, interval time.Duration) (*RedisFlagSource, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisFlagSource(client, interval, zap.NewNop()), mr
}

func TestFlagSourceReadsShadowReview(t *testing.T) {
	src, mr := newFlagSource(t, time.Minute)
	ctx := context.Background()

	assert.False(t, src.Current(ctx).ShadowReview)

	require.NoError(t, mr.Set("policy:flags:shadow_review", "1"))
	// Still inside the refresh interval; the snapshot holds.
	assert.False(t, src.Current(ctx).ShadowReview)

	src.Invalidate()
	assert.True(t, src.Current(ctx).ShadowReview)
}

func TestFlagSourceAcceptsTrueLiteral(t *testing.T) {
	src, mr := newFlagSource(t, time.Minute)
	require.NoError(t, mr.Set("policy:flags:shadow_review", "true"))
	assert.True(t, src.Current(context.Background()).ShadowReview)
}

func TestFlagSourceKeepsSnapshotWhenRedisIsDown(t *testing.T) {
	src, mr := newFlagSource(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, mr.Set("policy:flags:shadow_review", "1"))
	assert.True(t, src.Current(ctx).ShadowReview)

	mr.Close()
	src.Invalidate()
	// The failed refresh must not flip policy mid-flight.
	assert.True(t, src.Current(ctx).ShadowReview)
}
