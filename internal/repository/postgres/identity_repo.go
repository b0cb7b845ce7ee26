package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/kinder2149/paperclip-cloud/internal/errs"
	"github.com/kinder2149/paperclip-cloud/internal/model"
	"github.com/kinder2149/paperclip-cloud/internal/repository"
)

// IdentityRepo implements IdentityRepository using PostgreSQL.
type IdentityRepo struct{ db *DB }

var _ repository.IdentityRepository = (*IdentityRepo)(nil)

// NewIdentityRepo constructs an identity repository.
func NewIdentityRepo(db *DB) *IdentityRepo { return &IdentityRepo{db: db} }

const selLink = `SELECT player_uid FROM identity_provider_links WHERE provider=$1 AND provider_user_id=$2`

// FindPlayerUID returns the player linked to the provider pair.
func (r *IdentityRepo) FindPlayerUID(ctx context.Context, provider, providerUserID string) (uuid.UUID, error) {
	var uid uuid.UUID
	err := r.db.Pool.QueryRow(ctx, selLink, provider, providerUserID).Scan(&uid)
	switch {
	case err == nil:
		return uid, nil
	case errors.Is(err, pgx.ErrNoRows):
		return uuid.Nil, errs.ErrNotFound
	default:
		return uuid.Nil, errs.Unavailable("find link", err)
	}
}

// errLinkTaken makes inTx roll back the speculative player row.
var errLinkTaken = errors.New("provider link taken")

// CreateLink inserts the candidate player and its link in one transaction.
// If another transaction linked the pair first, the insert does nothing, the
// transaction is rolled back and the winner's UID is returned.
func (r *IdentityRepo) CreateLink(
	ctx context.Context, candidate uuid.UUID, provider, providerUserID string,
) (uuid.UUID, error) {
	const insPlayer = `INSERT INTO players (id) VALUES ($1)`
	const insLink = `
INSERT INTO identity_provider_links (player_uid, provider, provider_user_id)
VALUES ($1,$2,$3)
ON CONFLICT (provider, provider_user_id) DO NOTHING`

	err := r.db.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, insPlayer, candidate); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: player %s", errs.ErrAlreadyExists, candidate)
			}
			return errs.Unavailable("insert player", err)
		}
		tag, err := tx.Exec(ctx, insLink, candidate, provider, providerUserID)
		if err != nil {
			return errs.Unavailable("insert link", err)
		}
		if tag.RowsAffected() == 0 {
			return errLinkTaken
		}
		return nil
	})
	switch {
	case err == nil:
		return candidate, nil
	case errors.Is(err, errLinkTaken):
		return r.FindPlayerUID(ctx, provider, providerUserID)
	default:
		return uuid.Nil, err
	}
}

// ListLinks returns all provider links of a player, oldest first.
func (r *IdentityRepo) ListLinks(ctx context.Context, playerUID uuid.UUID) ([]model.ProviderLink, error) {
	const q = `
SELECT provider, provider_user_id, player_uid, created_at
FROM identity_provider_links
WHERE player_uid=$1
ORDER BY created_at ASC, provider ASC`
	rows, err := r.db.Pool.Query(ctx, q, playerUID)
	if err != nil {
		return nil, errs.Unavailable("list links", err)
	}
	defer rows.Close()

	var out []model.ProviderLink
	for rows.Next() {
		var l model.ProviderLink
		if err := rows.Scan(&l.Provider, &l.ProviderUserID, &l.PlayerUID, &l.CreatedAt); err != nil {
			return nil, errs.Unavailable("list links", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Unavailable("list links", err)
	}
	return out, nil
}

// Ping checks connectivity.
func (r *IdentityRepo) Ping(ctx context.Context) error { return r.db.Ping(ctx) }
