package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/kinder2149/paperclip-cloud/internal/errs"
)

func newDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return &DB{Pool: mock}, mock
}

const (
	reSelLink   = `SELECT player_uid FROM identity_provider_links WHERE provider=\$1 AND provider_user_id=\$2`
	reInsPlayer = `INSERT INTO players \(id\) VALUES \(\$1\)`
	reInsLink   = `INSERT INTO identity_provider_links \(player_uid, provider, provider_user_id\)`
)

func TestIdentityRepo_FindPlayerUID(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewIdentityRepo(db)
	ctx := context.Background()
	uid := uuid.Must(uuid.NewV4())

	mock.ExpectQuery(reSelLink).
		WithArgs("google", "g-1").
		WillReturnRows(pgxmock.NewRows([]string{"player_uid"}).AddRow(uid))
	got, err := r.FindPlayerUID(ctx, "google", "g-1")
	require.NoError(t, err)
	require.Equal(t, uid, got)

	mock.ExpectQuery(reSelLink).
		WithArgs("google", "g-2").
		WillReturnError(pgx.ErrNoRows)
	_, err = r.FindPlayerUID(ctx, "google", "g-2")
	require.ErrorIs(t, err, errs.ErrNotFound)

	mock.ExpectQuery(reSelLink).
		WithArgs("google", "g-3").
		WillReturnError(errors.New("conn reset"))
	_, err = r.FindPlayerUID(ctx, "google", "g-3")
	require.ErrorIs(t, err, errs.ErrUnavailable)
	require.NotErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIdentityRepo_CreateLink_New(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewIdentityRepo(db)
	cand := uuid.Must(uuid.NewV4())

	mock.ExpectBegin()
	mock.ExpectExec(reInsPlayer).WithArgs(cand).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(reInsLink).WithArgs(cand, "google", "g-1").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	got, err := r.CreateLink(context.Background(), cand, "google", "g-1")
	require.NoError(t, err)
	require.Equal(t, cand, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIdentityRepo_CreateLink_LostRaceReturnsWinner(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewIdentityRepo(db)
	cand := uuid.Must(uuid.NewV4())
	winner := uuid.Must(uuid.NewV4())

	mock.ExpectBegin()
	mock.ExpectExec(reInsPlayer).WithArgs(cand).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(reInsLink).WithArgs(cand, "google", "g-1").WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectRollback()
	mock.ExpectQuery(reSelLink).
		WithArgs("google", "g-1").
		WillReturnRows(pgxmock.NewRows([]string{"player_uid"}).AddRow(winner))

	got, err := r.CreateLink(context.Background(), cand, "google", "g-1")
	require.NoError(t, err)
	require.Equal(t, winner, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIdentityRepo_CreateLink_Errors(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewIdentityRepo(db)
	ctx := context.Background()
	cand := uuid.Must(uuid.NewV4())

	mock.ExpectBegin().WillReturnError(errors.New("pool closed"))
	_, err := r.CreateLink(ctx, cand, "google", "g-1")
	require.ErrorIs(t, err, errs.ErrUnavailable)

	mock.ExpectBegin()
	mock.ExpectExec(reInsPlayer).WithArgs(cand).WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()
	_, err = r.CreateLink(ctx, cand, "google", "g-1")
	require.ErrorIs(t, err, errs.ErrAlreadyExists)

	mock.ExpectBegin()
	mock.ExpectExec(reInsPlayer).WithArgs(cand).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(reInsLink).WithArgs(cand, "google", "g-1").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()
	_, err = r.CreateLink(ctx, cand, "google", "g-1")
	require.ErrorIs(t, err, errs.ErrUnavailable)

	mock.ExpectBegin()
	mock.ExpectExec(reInsPlayer).WithArgs(cand).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(reInsLink).WithArgs(cand, "google", "g-1").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit().WillReturnError(errors.New("serialization"))
	_, err = r.CreateLink(ctx, cand, "google", "g-1")
	require.ErrorIs(t, err, errs.ErrUnavailable)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIdentityRepo_ListLinks(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewIdentityRepo(db)
	uid := uuid.Must(uuid.NewV4())
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT provider, provider_user_id, player_uid, created_at\s+FROM identity_provider_links\s+WHERE player_uid=\$1`).
		WithArgs(uid).
		WillReturnRows(pgxmock.NewRows([]string{"provider", "provider_user_id", "player_uid", "created_at"}).
			AddRow("google", "g-1", uid, now).
			AddRow("apple", "a-1", uid, now.Add(time.Second)))

	links, err := r.ListLinks(context.Background(), uid)
	require.NoError(t, err)
	require.Len(t, links, 2)
	require.Equal(t, "google", links[0].Provider)
	require.Equal(t, "a-1", links[1].ProviderUserID)
	require.Equal(t, uid, links[1].PlayerUID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIdentityRepo_Ping(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewIdentityRepo(db)

	mock.ExpectPing()
	require.NoError(t, r.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(errors.New("down"))
	require.ErrorIs(t, r.Ping(context.Background()), errs.ErrUnavailable)
}
