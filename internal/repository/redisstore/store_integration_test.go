//go:build integration

package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/kinder2149/paperclip-cloud/internal/errs"
	"github.com/kinder2149/paperclip-cloud/internal/model"
	"github.com/kinder2149/paperclip-cloud/internal/snapshot"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	c, err := Dial(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func newDoc(id, playerID string) *model.SaveDocument {
	snap := json.RawMessage(`{"snapshotSchemaVersion":1}`)
	return &model.SaveDocument{
		SaveID:        id,
		OwnerUID:      uuid.Must(uuid.NewV4()),
		Snapshot:      snap,
		Metadata:      model.SaveMetadata{Name: "Run", GameMode: "classic", GameVersion: "1.0.0", PlayerID: playerID},
		RemoteVersion: time.Now().Unix(),
		Fingerprint:   snapshot.Fingerprint(snap),
		LastPushedAt:  time.Now().UTC(),
	}
}

func TestStoreIntegration_CRUDAndScan(t *testing.T) {
	ctx := context.Background()
	s := New(startRedis(t))

	_, err := s.Get(ctx, "p1")
	require.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, s.Put(ctx, newDoc("p2", "gA")))
	require.NoError(t, s.Put(ctx, newDoc("p1", "gA")))
	require.NoError(t, s.Put(ctx, newDoc("p3", "gB")))

	got, err := s.Get(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "gA", got.Metadata.PlayerID)

	list, err := s.ScanByPlayerID(ctx, "gA")
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "p1", list[0].SaveID)

	require.NoError(t, s.Delete(ctx, "p1"))
	require.ErrorIs(t, s.Delete(ctx, "p1"), errs.ErrNotFound)
	require.NoError(t, s.Ping(ctx))
}

func TestStoreIntegration_MutateSerializesWriters(t *testing.T) {
	ctx := context.Background()
	s := New(startRedis(t), WithRetries(1000))

	const workers = 20
	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_, err := s.Mutate(ctx, "counter", func(cur *model.SaveDocument) (*model.SaveDocument, error) {
				n := 0
				if cur != nil {
					n, _ = strconv.Atoi(cur.Metadata.Name)
				}
				next := newDoc("counter", "gA")
				next.Metadata.Name = strconv.Itoa(n + 1)
				return next, nil
			})
			errCh <- err
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	got, err := s.Get(ctx, "counter")
	require.NoError(t, err)
	require.Equal(t, strconv.Itoa(workers), got.Metadata.Name)

	_, err = s.Mutate(ctx, "counter", func(*model.SaveDocument) (*model.SaveDocument, error) {
		return nil, fmt.Errorf("%w: nope", errs.ErrForbidden)
	})
	require.ErrorIs(t, err, errs.ErrForbidden)

	out, err := s.Mutate(ctx, "counter", func(*model.SaveDocument) (*model.SaveDocument, error) { return nil, nil })
	require.NoError(t, err)
	require.Nil(t, out)
	_, err = s.Get(ctx, "counter")
	require.ErrorIs(t, err, errs.ErrNotFound)
}
