// Package redisstore implements SaveStore on Redis. Each save is one string
// key holding the same JSON envelope the file store writes.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/kinder2149/paperclip-cloud/internal/errs"
	"github.com/kinder2149/paperclip-cloud/internal/model"
	"github.com/kinder2149/paperclip-cloud/internal/repository"
	"github.com/kinder2149/paperclip-cloud/internal/repository/envelope"
)

const (
	// DefaultPrefix namespaces save keys.
	DefaultPrefix = "paperclip:save:"

	defaultRetries = 8
	scanCount      = 200
)

// Store is a Redis-backed SaveStore.
type Store struct {
	rdb     redis.UniversalClient
	prefix  string
	retries int
}

var _ repository.SaveStore = (*Store)(nil)

// Option customizes a Store.
type Option func(*Store)

// WithPrefix overrides the key prefix.
func WithPrefix(p string) Option { return func(s *Store) { s.prefix = p } }

// WithRetries sets how many times Mutate retries after a concurrent write
// invalidated its WATCH.
func WithRetries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.retries = n
		}
	}
}

// New wraps a connected client.
func New(rdb redis.UniversalClient, opts ...Option) *Store {
	s := &Store{rdb: rdb, prefix: DefaultPrefix, retries: defaultRetries}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Dial parses a redis:// URL and verifies the server answers.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	c := redis.NewClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return c, nil
}

func (s *Store) key(saveID string) string { return s.prefix + saveID }

// getter is satisfied by both the client and a WATCH transaction.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *Store) load(ctx context.Context, c getter, saveID string) (*model.SaveDocument, error) {
	b, err := c.Get(ctx, s.key(saveID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errs.ErrNotFound
		}
		return nil, errs.Unavailable("get save", err)
	}
	doc, err := envelope.Decode(saveID, b)
	if err != nil {
		return nil, errs.Unavailable("get save", err)
	}
	return doc, nil
}

// Get loads a document by id.
func (s *Store) Get(ctx context.Context, saveID string) (*model.SaveDocument, error) {
	return s.load(ctx, s.rdb, saveID)
}

// Put overwrites the document unconditionally.
func (s *Store) Put(ctx context.Context, doc *model.SaveDocument) error {
	b, err := envelope.Encode(doc)
	if err != nil {
		return errs.Unavailable("encode save", err)
	}
	if err := s.rdb.Set(ctx, s.key(doc.SaveID), b, 0).Err(); err != nil {
		return errs.Unavailable("put save", err)
	}
	return nil
}

// Delete removes a document.
func (s *Store) Delete(ctx context.Context, saveID string) error {
	n, err := s.rdb.Del(ctx, s.key(saveID)).Result()
	if err != nil {
		return errs.Unavailable("delete save", err)
	}
	if n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// Mutate runs fn under WATCH on the save key and commits with MULTI/EXEC. A
// concurrent write to the key aborts EXEC and the whole read-check-write is
// retried against the new value.
func (s *Store) Mutate(ctx context.Context, saveID string, fn repository.MutateFunc) (*model.SaveDocument, error) {
	key := s.key(saveID)
	var (
		out   *model.SaveDocument
		fnErr error
	)

	txf := func(tx *redis.Tx) error {
		cur, err := s.load(ctx, tx, saveID)
		switch {
		case errors.Is(err, errs.ErrNotFound):
			cur = nil
		case err != nil:
			return err
		}

		next, err := fn(cur.Clone())
		if err != nil {
			fnErr = err
			return err
		}
		if next == nil {
			if cur == nil {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Del(ctx, key)
				return nil
			})
			return err
		}

		next.SaveID = saveID
		b, err := envelope.Encode(next)
		if err != nil {
			return errs.Unavailable("encode save", err)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, b, 0)
			return nil
		})
		if err == nil {
			out = next.Clone()
		}
		return err
	}

	for i := 0; i < s.retries; i++ {
		out, fnErr = nil, nil
		err := s.rdb.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return out, nil
		case fnErr != nil:
			return nil, fnErr
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, errs.ErrUnavailable):
			return nil, err
		default:
			return nil, errs.Unavailable("mutate save", err)
		}
	}
	return nil, errs.Unavailable("mutate save", fmt.Errorf("gave up after %d conflicting writes", s.retries))
}

// ScanByPlayerID walks the key space with SCAN and keeps documents whose
// metadata.playerId matches. Undecodable values are skipped.
func (s *Store) ScanByPlayerID(ctx context.Context, playerID string) ([]model.SaveDocument, error) {
	out := make([]model.SaveDocument, 0)
	iter := s.rdb.Scan(ctx, 0, s.prefix+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		b, err := s.rdb.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			return nil, errs.Unavailable("scan saves", err)
		}
		doc, err := envelope.Decode(strings.TrimPrefix(key, s.prefix), b)
		if err != nil {
			continue
		}
		if doc.Metadata.PlayerID == playerID {
			out = append(out, *doc)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, errs.Unavailable("scan saves", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SaveID < out[j].SaveID })
	return out, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return errs.Unavailable("redis ping", s.rdb.Ping(ctx).Err())
}
