// Package ratelimit admits or rejects inbound realtime messages before they
// consume any further resources. Windows are sliding, kept as sorted sets of
// request timestamps in the cache store, with a temporary block once a
// window is exhausted.
//
// Failure semantics: if the cache store is unreachable the limiter fails
// open. Collaboration correctness outweighs adversarial throttling.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"hub.evalgo.org/config"
)

const (
	windowKeyPrefix = "rate_limit:"
	blockKeyPrefix  = "rate_limit_block:"

	// Entries older than this are dropped by GC regardless of rule windows.
	gcHorizon = time.Hour
)

// Result reports the outcome of one admission check.
type Result struct {
	Admitted     bool
	Remaining    int // -1 for unlimited message types
	ResetAt      time.Time
	BlockedUntil time.Time // zero unless a block is active
}

// Limiter applies per-principal, per-message-type sliding-window admission.
type Limiter struct {
	client *redis.Client
	rules  map[string]config.RateLimitRule
	logger *logrus.Logger
}

// New creates a limiter with the given rule table. Message types absent from
// the table are unlimited.
func New(client *redis.Client, rules map[string]config.RateLimitRule, logger *logrus.Logger) *Limiter {
	return &Limiter{client: client, rules: rules, logger: logger}
}

func windowKey(principalID, msgType string) string {
	return fmt.Sprintf("%s%s:%s", windowKeyPrefix, principalID, msgType)
}

func blockKey(principalID, msgType string) string {
	return fmt.Sprintf("%s%s:%s", blockKeyPrefix, principalID, msgType)
}

// Check admits or rejects one message. Admission appends the current
// timestamp to the window; rejection is side-effect free apart from setting
// the block marker when the window is first exhausted.
func (l *Limiter) Check(ctx context.Context, principalID, msgType string) Result {
	rule, ok := l.rules[msgType]
	if !ok {
		return Result{Admitted: true, Remaining: -1}
	}

	now := time.Now()

	// Step 1: an active block rejects immediately.
	blocked, until, err := l.activeBlock(ctx, principalID, msgType, now)
	if err != nil {
		return l.failOpen(principalID, msgType, err)
	}
	if blocked {
		return Result{Admitted: false, Remaining: 0, ResetAt: until, BlockedUntil: until}
	}

	key := windowKey(principalID, msgType)
	windowStart := now.Add(-rule.Window)

	// Step 2: drop entries that slid out of the window, then count.
	if err := l.client.ZRemRangeByScore(ctx, key, "-inf", formatScore(windowStart)).Err(); err != nil {
		return l.failOpen(principalID, msgType, err)
	}
	count, err := l.client.ZCard(ctx, key).Result()
	if err != nil {
		return l.failOpen(principalID, msgType, err)
	}

	if int(count) >= rule.MaxMessages {
		until := now.Add(rule.Block)
		if err := l.client.Set(ctx, blockKey(principalID, msgType), until.UnixMilli(), rule.Block).Err(); err != nil {
			return l.failOpen(principalID, msgType, err)
		}
		l.logger.WithFields(logrus.Fields{
			"principal_id":  principalID,
			"message_type":  msgType,
			"blocked_until": until.UnixMilli(),
		}).Warn("Rate limit exceeded, principal blocked")
		return Result{Admitted: false, Remaining: 0, ResetAt: until, BlockedUntil: until}
	}

	// Step 3: admit and record. The member carries a random suffix so two
	// admissions in the same millisecond do not collapse into one entry.
	member := fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString()[:8])
	if err := l.client.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: member}).Err(); err != nil {
		return l.failOpen(principalID, msgType, err)
	}
	// Self-clean abandoned windows even if GC never runs.
	l.client.Expire(ctx, key, gcHorizon)

	return Result{
		Admitted:  true,
		Remaining: rule.MaxMessages - int(count) - 1,
		ResetAt:   now.Add(rule.Window),
	}
}

// activeBlock reports whether a block marker exists and is still in the
// future.
func (l *Limiter) activeBlock(ctx context.Context, principalID, msgType string, now time.Time) (bool, time.Time, error) {
	val, err := l.client.Get(ctx, blockKey(principalID, msgType)).Result()
	if err == redis.Nil {
		return false, time.Time{}, nil
	}
	if err != nil {
		return false, time.Time{}, err
	}

	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		// Unreadable marker: treat as expired and let the key TTL reap it.
		return false, time.Time{}, nil
	}
	until := time.UnixMilli(ms)
	if until.After(now) {
		return true, until, nil
	}
	return false, time.Time{}, nil
}

func (l *Limiter) failOpen(principalID, msgType string, err error) Result {
	l.logger.WithError(err).WithFields(logrus.Fields{
		"principal_id": principalID,
		"message_type": msgType,
	}).Debug("Rate limiter cache error, failing open")
	return Result{Admitted: true, Remaining: -1}
}

// GC removes window entries older than one hour and deletes buckets that
// became empty. Returns the number of buckets dropped.
func (l *Limiter) GC(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-gcHorizon)
	dropped := 0

	var cursor uint64
	for {
		keys, next, err := l.client.Scan(ctx, cursor, windowKeyPrefix+"*", 100).Result()
		if err != nil {
			return dropped, fmt.Errorf("failed to scan rate-limit windows: %w", err)
		}
		for _, key := range keys {
			if err := l.client.ZRemRangeByScore(ctx, key, "-inf", formatScore(cutoff)).Err(); err != nil {
				continue
			}
			count, err := l.client.ZCard(ctx, key).Result()
			if err == nil && count == 0 {
				if l.client.Del(ctx, key).Err() == nil {
					dropped++
				}
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	return dropped, nil
}

func formatScore(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
