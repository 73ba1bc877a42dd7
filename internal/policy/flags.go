package policy

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const shadowReviewKey = "policy:flags:shadow_review"

// RedisFlagSource reads runtime policy flags from Redis, caching a snapshot
// for a bounded interval. A read failure keeps the last known snapshot so a
// Redis blip cannot flip policy mid-flight.
type RedisFlagSource struct {
	client   *redis.Client
	interval time.Duration
	logger   *zap.Logger

	mu        sync.Mutex
	current   Flags
	fetchedAt time.Time
}

// NewRedisFlagSource builds a flag source refreshing at most once per
// interval.
func NewRedisFlagSource(client *redis.Client, interval time.Duration, logger *zap.Logger) *RedisFlagSource {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &RedisFlagSource{
		client:   client,
		interval: interval,
		logger:   logger,
	}
}

// Current returns the flag snapshot, refreshing it when stale.
func (s *RedisFlagSource) Current(ctx context.Context) Flags {
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.fetchedAt) < s.interval && !s.fetchedAt.IsZero() {
		return s.current
	}
	val, err := s.client.Get(ctx, shadowReviewKey).Result()
	switch {
	case err == redis.Nil:
		s.current = Flags{}
	case err != nil:
		s.logger.Warn("flag refresh failed, keeping previous snapshot", zap.Error(err))
		return s.current
	default:
		s.current = Flags{ShadowReview: val == "1" || val == "true"}
	}
	s.fetchedAt = time.Now()
	return s.current
}

// Invalidate forces the next Current call to re-read Redis.
func (s *RedisFlagSource) Invalidate() {
	s.mu.Lock()
	s.fetchedAt = time.Time{}
	s.mu.Unlock()
}

// StaticFlags is a FlagProvider with fixed values, used where no Redis is
// wired (and in tests).
type StaticFlags struct {
	Flags Flags
}

// Current returns the fixed flags.
func (s StaticFlags) Current(context.Context) Flags { return s.Flags }
