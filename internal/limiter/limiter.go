// Package limiter defines interfaces and implementations for login rate limiting.
package limiter

import (
	"context"
	"crypto/sha256"
	"time"
)

// Limiter throttles login attempts per (scope, client address) and places
// temporary blocks.
type Limiter interface {
	// Allow reports whether an attempt is currently allowed and optional retry-after.
	Allow(ctx context.Context, scope string, ipHash []byte) (bool, time.Duration, error)
	// Hit records an attempt; may place a temporary block.
	Hit(ctx context.Context, scope string, ipHash []byte) (bool, time.Duration, error)
}

// Policy is the fixed window shared by all backends. A window opens at the
// first attempt and closes Window later regardless of further attempts.
type Policy struct {
	Window   time.Duration
	MaxHits  int           // attempts within Window that trigger a block
	BlockFor time.Duration
}

// DefaultPolicy allows 30 logins per minute per address, then blocks for five minutes.
var DefaultPolicy = Policy{Window: time.Minute, MaxHits: 30, BlockFor: 5 * time.Minute}

// HashIP returns a stable hash for an IP string to avoid storing raw addresses.
func HashIP(ip string) []byte {
	h := sha256.Sum256([]byte(ip))
	return h[:]
}

// Noop never throttles.
type Noop struct{}

// Allow always allows.
func (Noop) Allow(context.Context, string, []byte) (bool, time.Duration, error) { return true, 0, nil }

// Hit records nothing.
func (Noop) Hit(context.Context, string, []byte) (bool, time.Duration, error) { return false, 0, nil }
