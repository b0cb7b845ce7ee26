package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PG is a PostgreSQL-backed limiter implementation with a fixed window and lockout.
type PG struct {
	pool   pgxQuerier
	policy Policy
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed limiter on the auth_limiter table.
func NewPG(q pgxQuerier, p Policy) *PG {
	return &PG{pool: q, policy: p}
}

// Allow reports whether an attempt is currently allowed and a retry-after duration.
func (l *PG) Allow(ctx context.Context, scope string, ipHash []byte) (bool, time.Duration, error) {
	const q = `SELECT blocked_until FROM auth_limiter WHERE scope=$1 AND ip_hash=$2`
	var blockedUntil time.Time
	err := l.pool.QueryRow(ctx, q, scope, ipHash).Scan(&blockedUntil)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return true, 0, nil
	case err != nil:
		return false, 0, err
	}
	if wait := time.Until(blockedUntil); wait > 0 {
		return false, wait, nil
	}
	return true, 0, nil
}

// Hit counts an attempt. The counter restarts once window_start is older than
// the window, so steady traffic cannot keep one window open. Reaching MaxHits
// sets blocked_until.
func (l *PG) Hit(ctx context.Context, scope string, ipHash []byte) (bool, time.Duration, error) {
	const q = `
INSERT INTO auth_limiter (scope, ip_hash, hits, blocked_until, window_start, updated_at)
VALUES ($1,$2,1,'epoch',now(),now())
ON CONFLICT (scope, ip_hash) DO UPDATE
SET
  hits = CASE WHEN now() - auth_limiter.window_start >= $3::interval THEN 1 ELSE auth_limiter.hits + 1 END,
  window_start = CASE WHEN now() - auth_limiter.window_start >= $3::interval THEN now() ELSE auth_limiter.window_start END,
  updated_at = now()
RETURNING hits`
	var hits int
	if err := l.pool.QueryRow(ctx, q, scope, ipHash, l.policy.Window).Scan(&hits); err != nil {
		return false, 0, err
	}
	if hits < l.policy.MaxHits {
		return false, 0, nil
	}
	const upd = `UPDATE auth_limiter SET blocked_until=$3, hits=0 WHERE scope=$1 AND ip_hash=$2`
	if _, err := l.pool.Exec(ctx, upd, scope, ipHash, time.Now().Add(l.policy.BlockFor)); err != nil {
		return false, 0, err
	}
	return true, l.policy.BlockFor, nil
}
