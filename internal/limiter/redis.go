package limiter

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a fixed-window limiter on INCR/EXPIRE, usable when several server
// replicas share one Redis.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	policy Policy
}

// NewRedis constructs a Redis-backed limiter.
func NewRedis(rdb redis.UniversalClient, p Policy) *Redis {
	return &Redis{rdb: rdb, prefix: "paperclip:limit:", policy: p}
}

func (l *Redis) keys(scope string, ipHash []byte) (hits, block string) {
	base := l.prefix + scope + ":" + hex.EncodeToString(ipHash)
	return base + ":hits", base + ":block"
}

// Allow reports whether the address is outside a block.
func (l *Redis) Allow(ctx context.Context, scope string, ipHash []byte) (bool, time.Duration, error) {
	_, block := l.keys(scope, ipHash)
	ttl, err := l.rdb.PTTL(ctx, block).Result()
	if err != nil {
		return false, 0, err
	}
	// -2: no key, -1: key without expiry (never written by Hit)
	if ttl <= 0 {
		return true, 0, nil
	}
	return false, ttl, nil
}

// Hit increments the window counter and sets the block key once MaxHits is reached.
func (l *Redis) Hit(ctx context.Context, scope string, ipHash []byte) (bool, time.Duration, error) {
	hitsKey, block := l.keys(scope, ipHash)

	var incr *redis.IntCmd
	_, err := l.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, hitsKey)
		p.ExpireNX(ctx, hitsKey, l.policy.Window)
		return nil
	})
	if err != nil {
		return false, 0, err
	}
	if incr.Val() < int64(l.policy.MaxHits) {
		return false, 0, nil
	}
	_, err = l.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, block, 1, l.policy.BlockFor)
		p.Del(ctx, hitsKey)
		return nil
	})
	if err != nil {
		return false, 0, err
	}
	return true, l.policy.BlockFor, nil
}
