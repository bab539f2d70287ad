// Package ratelimit provides Redis-backed rate limiting using the INCR + EXPIRE
// fixed window algorithm. The relay uses it to throttle chat envelopes per
// connection; typing and control traffic are never limited.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:chat:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// RuleChat allows 20 chat messages per 10 seconds per connection.
var RuleChat = Rule{Key: "rl:chat:", Limit: 20, Window: 10 * time.Second}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client. A nil logger
// disables logging.
func NewLimiter(client *redis.Client, logger *zerolog.Logger) *Limiter {
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	return &Limiter{
		client: client,
		logger: l.With().Str("component", "ratelimit").Logger(),
	}
}

// Allow checks whether the given identifier is within the rate limit defined by
// rule. It increments the counter in Redis and sets the expiry on first access.
//
// Returns true if the request is allowed, false if rate limited. On Redis
// errors the method fails open (returns true) so that a Redis outage does not
// block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn().Err(err).Str("key", key).Msg("redis INCR failed, failing open")
		return true, fmt.Errorf("ratelimit: incr %s: %w", key, err)
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.logger.Warn().Err(err).Str("key", key).Msg("redis EXPIRE failed, failing open")
			// A key without TTL would throttle the identifier forever.
			l.client.Del(ctx, key)
			return true, fmt.Errorf("ratelimit: expire %s: %w", key, err)
		}
	}

	return int(count) <= rule.Limit, nil
}

// Remaining returns the number of requests the identifier has left in the
// current window for the given rule. Returns the full limit if the key does not
// exist yet. On Redis errors it returns the full limit (fail open).
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return rule.Limit, nil
	}
	if err != nil {
		l.logger.Warn().Err(err).Str("key", key).Msg("redis GET failed, failing open")
		return rule.Limit, fmt.Errorf("ratelimit: get %s: %w", key, err)
	}

	return max(rule.Limit-count, 0), nil
}

// Reset forgets the counter for identifier, used when a connection goes away
// so a reused identifier starts with a fresh window.
func (l *Limiter) Reset(ctx context.Context, identifier string, rule Rule) error {
	if err := l.client.Del(ctx, rule.Key+identifier).Err(); err != nil {
		return fmt.Errorf("ratelimit: del %s: %w", rule.Key+identifier, err)
	}
	return nil
}
