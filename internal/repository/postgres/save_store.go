package postgres

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/kinder2149/paperclip-cloud/internal/errs"
	"github.com/kinder2149/paperclip-cloud/internal/model"
	"github.com/kinder2149/paperclip-cloud/internal/repository"
)

// SaveStore implements repository.SaveStore on the saves table.
type SaveStore struct{ db *DB }

var _ repository.SaveStore = (*SaveStore)(nil)

// NewSaveStore constructs a save store.
func NewSaveStore(db *DB) *SaveStore { return &SaveStore{db: db} }

const saveCols = `save_id, owner_uid, snapshot, name, game_mode, game_version, player_id, remote_version, fingerprint, last_pushed_at, last_pulled_at`

const (
	selSave       = `SELECT ` + saveCols + ` FROM saves WHERE save_id=$1`
	selSaveLocked = selSave + ` FOR UPDATE`
	lockSave      = `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`
	delSave       = `DELETE FROM saves WHERE save_id=$1`
	upsertSave    = `
INSERT INTO saves (` + saveCols + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (save_id) DO UPDATE SET
  owner_uid=EXCLUDED.owner_uid,
  snapshot=EXCLUDED.snapshot,
  name=EXCLUDED.name,
  game_mode=EXCLUDED.game_mode,
  game_version=EXCLUDED.game_version,
  player_id=EXCLUDED.player_id,
  remote_version=EXCLUDED.remote_version,
  fingerprint=EXCLUDED.fingerprint,
  last_pushed_at=EXCLUDED.last_pushed_at,
  last_pulled_at=EXCLUDED.last_pulled_at`
)

func scanSave(row pgx.Row) (*model.SaveDocument, error) {
	var (
		d      model.SaveDocument
		owner  uuid.NullUUID
		snap   []byte
		pulled pgtype.Timestamptz
	)
	err := row.Scan(&d.SaveID, &owner, &snap,
		&d.Metadata.Name, &d.Metadata.GameMode, &d.Metadata.GameVersion, &d.Metadata.PlayerID,
		&d.RemoteVersion, &d.Fingerprint, &d.LastPushedAt, &pulled)
	if err != nil {
		return nil, err
	}
	if owner.Valid {
		d.OwnerUID = owner.UUID
	}
	d.Snapshot = snap
	if pulled.Valid {
		t := pulled.Time
		d.LastPulledAt = &t
	}
	return &d, nil
}

func saveArgs(d *model.SaveDocument) []any {
	owner := uuid.NullUUID{UUID: d.OwnerUID, Valid: d.HasOwner()}
	pulled := pgtype.Timestamptz{}
	if d.LastPulledAt != nil {
		pulled = pgtype.Timestamptz{Time: *d.LastPulledAt, Valid: true}
	}
	return []any{
		d.SaveID, owner, []byte(d.Snapshot),
		d.Metadata.Name, d.Metadata.GameMode, d.Metadata.GameVersion, d.Metadata.PlayerID,
		d.RemoteVersion, d.Fingerprint, d.LastPushedAt, pulled,
	}
}

// Get loads a document by id.
func (s *SaveStore) Get(ctx context.Context, saveID string) (*model.SaveDocument, error) {
	d, err := scanSave(s.db.Pool.QueryRow(ctx, selSave, saveID))
	switch {
	case err == nil:
		return d, nil
	case errors.Is(err, pgx.ErrNoRows):
		return nil, errs.ErrNotFound
	default:
		return nil, errs.Unavailable("get save", err)
	}
}

// Put overwrites the document unconditionally.
func (s *SaveStore) Put(ctx context.Context, doc *model.SaveDocument) error {
	if _, err := s.db.Pool.Exec(ctx, upsertSave, saveArgs(doc)...); err != nil {
		return errs.Unavailable("put save", err)
	}
	return nil
}

// Delete removes a document.
func (s *SaveStore) Delete(ctx context.Context, saveID string) error {
	tag, err := s.db.Pool.Exec(ctx, delSave, saveID)
	if err != nil {
		return errs.Unavailable("delete save", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// Mutate serializes writers on the save id with a transaction-scoped advisory
// lock, so that an absent row is guarded as well as an existing one.
func (s *SaveStore) Mutate(ctx context.Context, saveID string, fn repository.MutateFunc) (*model.SaveDocument, error) {
	var out *model.SaveDocument
	err := s.db.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, lockSave, saveID); err != nil {
			return errs.Unavailable("lock save", err)
		}
		cur, err := scanSave(tx.QueryRow(ctx, selSaveLocked, saveID))
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			cur = nil
		case err != nil:
			return errs.Unavailable("get save", err)
		}

		next, err := fn(cur.Clone())
		if err != nil {
			return err
		}
		if next == nil {
			if cur == nil {
				return nil
			}
			if _, err := tx.Exec(ctx, delSave, saveID); err != nil {
				return errs.Unavailable("delete save", err)
			}
			return nil
		}
		next.SaveID = saveID
		if _, err := tx.Exec(ctx, upsertSave, saveArgs(next)...); err != nil {
			return errs.Unavailable("put save", err)
		}
		out = next.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ScanByPlayerID returns documents whose metadata.playerId matches, ordered by id.
func (s *SaveStore) ScanByPlayerID(ctx context.Context, playerID string) ([]model.SaveDocument, error) {
	const q = `SELECT ` + saveCols + ` FROM saves WHERE player_id=$1 ORDER BY save_id ASC`
	rows, err := s.db.Pool.Query(ctx, q, playerID)
	if err != nil {
		return nil, errs.Unavailable("scan saves", err)
	}
	defer rows.Close()

	out := make([]model.SaveDocument, 0)
	for rows.Next() {
		d, err := scanSave(rows)
		if err != nil {
			return nil, errs.Unavailable("scan saves", err)
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Unavailable("scan saves", err)
	}
	return out, nil
}

// Ping checks connectivity.
func (s *SaveStore) Ping(ctx context.Context) error { return s.db.Ping(ctx) }
