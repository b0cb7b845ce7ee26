// Package filestore implements SaveStore on a flat directory of JSON files,
// one file per save id.
package filestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/kinder2149/paperclip-cloud/internal/errs"
	"github.com/kinder2149/paperclip-cloud/internal/model"
	"github.com/kinder2149/paperclip-cloud/internal/repository"
	"github.com/kinder2149/paperclip-cloud/internal/repository/envelope"
)

const (
	fileExt    = ".json"
	tmpPrefix  = ".tmp-"
	hashPrefix = "~"
)

// Store is a directory-backed SaveStore. Writes go to a temp file in the same
// directory and are renamed into place, so readers never observe a partial
// document. Mutations on one save id are serialized by a per-key mutex.
type Store struct {
	dir string

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

var _ repository.SaveStore = (*Store)(nil)

// New creates the directory if needed and returns a store rooted at dir.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("filestore: empty directory")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("filestore: create %s: %w", dir, err)
	}
	return &Store{dir: dir, locks: make(map[string]*keyLock)}, nil
}

// fileName maps a save id to its file name, one to one. Ids made only of
// lower-case letters, digits, '-' and '_' are used as is; anything else is
// stored under "~" plus the hex SHA-256 of the id, and the envelope's
// partieId keeps the real id.
func fileName(saveID string) string {
	if plainID(saveID) {
		return saveID + fileExt
	}
	sum := sha256.Sum256([]byte(saveID))
	return hashPrefix + hex.EncodeToString(sum[:]) + fileExt
}

func plainID(id string) bool {
	if id == "" {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

func (s *Store) path(saveID string) string {
	return filepath.Join(s.dir, fileName(saveID))
}

func (s *Store) lock(saveID string) func() {
	s.mu.Lock()
	l, ok := s.locks[saveID]
	if !ok {
		l = &keyLock{}
		s.locks[saveID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, saveID)
		}
		s.mu.Unlock()
	}
}

// Get loads a document by id.
func (s *Store) Get(ctx context.Context, saveID string) (*model.SaveDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.read(saveID)
}

func (s *Store) read(saveID string) (*model.SaveDocument, error) {
	b, err := os.ReadFile(s.path(saveID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errs.ErrNotFound
		}
		return nil, errs.Unavailable("read save", err)
	}
	doc, err := envelope.Decode(saveID, b)
	if err != nil {
		return nil, errs.Unavailable("read save", err)
	}
	if doc.SaveID != saveID {
		return nil, errs.Unavailable("read save", fmt.Errorf("%s holds save %q", fileName(saveID), doc.SaveID))
	}
	return doc, nil
}

// Put overwrites the document unconditionally.
func (s *Store) Put(ctx context.Context, doc *model.SaveDocument) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.lock(doc.SaveID)
	defer unlock()
	return s.write(doc)
}

func (s *Store) write(doc *model.SaveDocument) error {
	b, err := envelope.Encode(doc)
	if err != nil {
		return errs.Unavailable("encode save", err)
	}

	tmp, err := os.CreateTemp(s.dir, tmpPrefix+"*")
	if err != nil {
		return errs.Unavailable("write save", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		cleanup()
		return errs.Unavailable("write save", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return errs.Unavailable("sync save", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return errs.Unavailable("close save", err)
	}
	if err := os.Rename(tmpName, s.path(doc.SaveID)); err != nil {
		cleanup()
		return errs.Unavailable("rename save", err)
	}
	return nil
}

// Delete removes a document.
func (s *Store) Delete(ctx context.Context, saveID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.lock(saveID)
	defer unlock()
	return s.remove(saveID)
}

func (s *Store) remove(saveID string) error {
	if err := os.Remove(s.path(saveID)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return errs.ErrNotFound
		}
		return errs.Unavailable("delete save", err)
	}
	return nil
}

// Mutate runs fn against the current document while holding the save id lock.
func (s *Store) Mutate(ctx context.Context, saveID string, fn repository.MutateFunc) (*model.SaveDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := s.lock(saveID)
	defer unlock()

	cur, err := s.read(saveID)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		cur = nil
	case err != nil:
		return nil, err
	}

	next, err := fn(cur.Clone())
	if err != nil {
		return nil, err
	}
	if next == nil {
		if cur == nil {
			return nil, nil
		}
		return nil, s.remove(saveID)
	}
	next.SaveID = saveID
	if err := s.write(next); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

// ScanByPlayerID reads every document in the directory and keeps those whose
// metadata.playerId matches. Unreadable files are skipped.
func (s *Store) ScanByPlayerID(ctx context.Context, playerID string) ([]model.SaveDocument, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errs.Unavailable("scan saves", err)
	}

	out := make([]model.SaveDocument, 0)
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileExt) || strings.HasPrefix(name, tmpPrefix) {
			continue
		}
		b, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		fallback := strings.TrimSuffix(name, fileExt)
		if strings.HasPrefix(name, hashPrefix) {
			fallback = ""
		}
		doc, err := envelope.Decode(fallback, b)
		if err != nil || doc.SaveID == "" {
			continue
		}
		if doc.Metadata.PlayerID == playerID {
			out = append(out, *doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SaveID < out[j].SaveID })
	return out, nil
}

// Ping checks that the directory is still reachable.
func (s *Store) Ping(context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return errs.Unavailable("stat save dir", err)
	}
	if !info.IsDir() {
		return errs.Unavailable("stat save dir", fmt.Errorf("%s is not a directory", s.dir))
	}
	return nil
}
