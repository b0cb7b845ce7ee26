// Package sqlite implements the identity repository on an embedded SQLite
// database for single-node deployments and local development.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/gofrs/uuid/v5"
	_ "modernc.org/sqlite"

	"github.com/kinder2149/paperclip-cloud/internal/errs"
	"github.com/kinder2149/paperclip-cloud/internal/migrate"
	"github.com/kinder2149/paperclip-cloud/internal/model"
	"github.com/kinder2149/paperclip-cloud/internal/repository"
)

// Open opens (creating if needed) the database file at path and applies the
// embedded migrations. The pool is capped at one connection, so transactions
// are serialized in process and never hit SQLITE_BUSY against each other.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, errors.New("sqlite: empty path")
	}
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := migrate.UpDB(ctx, db, migrate.SQLite); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// IdentityRepo implements IdentityRepository on SQLite.
type IdentityRepo struct{ db *sql.DB }

var _ repository.IdentityRepository = (*IdentityRepo)(nil)

// NewIdentityRepo wraps an opened database.
func NewIdentityRepo(db *sql.DB) *IdentityRepo { return &IdentityRepo{db: db} }

const selLink = `SELECT player_uid FROM identity_provider_links WHERE provider=? AND provider_user_id=?`

// FindPlayerUID returns the player linked to the provider pair.
func (r *IdentityRepo) FindPlayerUID(ctx context.Context, provider, providerUserID string) (uuid.UUID, error) {
	var uid uuid.UUID
	err := r.db.QueryRowContext(ctx, selLink, provider, providerUserID).Scan(&uid)
	switch {
	case err == nil:
		return uid, nil
	case errors.Is(err, sql.ErrNoRows):
		return uuid.Nil, errs.ErrNotFound
	default:
		return uuid.Nil, errs.Unavailable("find link", err)
	}
}

// CreateLink inserts the candidate player and its link in one transaction,
// returning the existing player when the pair is already linked.
func (r *IdentityRepo) CreateLink(
	ctx context.Context, candidate uuid.UUID, provider, providerUserID string,
) (uid uuid.UUID, err error) {
	const insPlayer = `INSERT INTO players (id, created_at) VALUES (?, ?)`
	const insLink = `
INSERT INTO identity_provider_links (player_uid, provider, provider_user_id, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (provider, provider_user_id) DO NOTHING`

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return uuid.Nil, errs.Unavailable("begin tx", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().Unix()
	if _, err := tx.ExecContext(ctx, insPlayer, candidate.String(), now); err != nil {
		return uuid.Nil, errs.Unavailable("insert player", err)
	}
	res, err := tx.ExecContext(ctx, insLink, candidate.String(), provider, providerUserID, now)
	if err != nil {
		return uuid.Nil, errs.Unavailable("insert link", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return uuid.Nil, errs.Unavailable("insert link", err)
	}
	if n == 0 {
		_ = tx.Rollback()
		committed = true
		return r.FindPlayerUID(ctx, provider, providerUserID)
	}
	if err := tx.Commit(); err != nil {
		return uuid.Nil, errs.Unavailable("commit tx", err)
	}
	committed = true
	return candidate, nil
}

// ListLinks returns all provider links of a player, oldest first.
func (r *IdentityRepo) ListLinks(ctx context.Context, playerUID uuid.UUID) ([]model.ProviderLink, error) {
	const q = `
SELECT provider, provider_user_id, player_uid, created_at
FROM identity_provider_links
WHERE player_uid=?
ORDER BY created_at ASC, id ASC`
	rows, err := r.db.QueryContext(ctx, q, playerUID.String())
	if err != nil {
		return nil, errs.Unavailable("list links", err)
	}
	defer rows.Close()

	var out []model.ProviderLink
	for rows.Next() {
		var (
			l       model.ProviderLink
			created int64
		)
		if err := rows.Scan(&l.Provider, &l.ProviderUserID, &l.PlayerUID, &created); err != nil {
			return nil, errs.Unavailable("list links", err)
		}
		l.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Unavailable("list links", err)
	}
	return out, nil
}

// Ping checks that the database file is reachable.
func (r *IdentityRepo) Ping(ctx context.Context) error {
	return errs.Unavailable("sqlite ping", r.db.PingContext(ctx))
}
