package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/kinder2149/paperclip-cloud/internal/errs"
	"github.com/kinder2149/paperclip-cloud/internal/limiter"
	"github.com/kinder2149/paperclip-cloud/internal/model"
	"github.com/kinder2149/paperclip-cloud/internal/repository"
)

type linkKey struct{ provider, id string }

type fakeIdentities struct {
	mu    sync.Mutex
	links map[linkKey]model.ProviderLink

	findErr   error
	createErr error
	listErr   error

	// raceWinner, when set, is returned by CreateLink as if another caller
	// linked the pair first.
	raceWinner uuid.UUID
	// clashes makes the first n CreateLink calls report a uid collision.
	clashes int

	createCalls int
}

var _ repository.IdentityRepository = (*fakeIdentities)(nil)

func newFakeIdentities() *fakeIdentities {
	return &fakeIdentities{links: map[linkKey]model.ProviderLink{}}
}

func (f *fakeIdentities) FindPlayerUID(_ context.Context, provider, id string) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return uuid.Nil, f.findErr
	}
	l, ok := f.links[linkKey{provider, id}]
	if !ok {
		return uuid.Nil, errs.ErrNotFound
	}
	return l.PlayerUID, nil
}

func (f *fakeIdentities) CreateLink(_ context.Context, cand uuid.UUID, provider, id string) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return uuid.Nil, f.createErr
	}
	if f.clashes > 0 {
		f.clashes--
		return uuid.Nil, errs.ErrAlreadyExists
	}
	if f.raceWinner != uuid.Nil {
		cand = f.raceWinner
	}
	k := linkKey{provider, id}
	if l, ok := f.links[k]; ok {
		return l.PlayerUID, nil
	}
	f.links[k] = model.ProviderLink{Provider: provider, ProviderUserID: id, PlayerUID: cand, CreatedAt: time.Now()}
	return cand, nil
}

func (f *fakeIdentities) ListLinks(_ context.Context, uid uuid.UUID) ([]model.ProviderLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []model.ProviderLink
	for _, l := range f.links {
		if l.PlayerUID == uid {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}

func (f *fakeIdentities) Ping(context.Context) error { return nil }

// memSaves is an in-memory SaveStore serialized by one mutex.
type memSaves struct {
	mu   sync.Mutex
	docs map[string]*model.SaveDocument

	err error
}

var _ repository.SaveStore = (*memSaves)(nil)

func newMemSaves() *memSaves { return &memSaves{docs: map[string]*model.SaveDocument{}} }

func (m *memSaves) Get(_ context.Context, id string) (*model.SaveDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	d, ok := m.docs[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return d.Clone(), nil
}

func (m *memSaves) Put(_ context.Context, d *model.SaveDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.docs[d.SaveID] = d.Clone()
	return nil
}

func (m *memSaves) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		return errs.ErrNotFound
	}
	delete(m.docs, id)
	return nil
}

func (m *memSaves) ScanByPlayerID(_ context.Context, pid string) ([]model.SaveDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make([]model.SaveDocument, 0)
	for _, d := range m.docs {
		if d.Metadata.PlayerID == pid {
			out = append(out, *d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SaveID < out[j].SaveID })
	return out, nil
}

func (m *memSaves) Mutate(_ context.Context, id string, fn repository.MutateFunc) (*model.SaveDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	next, err := fn(m.docs[id].Clone())
	if err != nil {
		return nil, err
	}
	if next == nil {
		delete(m.docs, id)
		return nil, nil
	}
	next.SaveID = id
	m.docs[id] = next.Clone()
	return next.Clone(), nil
}

func (m *memSaves) Ping(context.Context) error { return m.err }

type fakeLimiter struct {
	allowOK  bool
	allowErr error

	hitBlocked bool
	hitErr     error

	allowCalls int
	hitCalls   int
	lastScope  string
}

var _ limiter.Limiter = (*fakeLimiter)(nil)

func (l *fakeLimiter) Allow(_ context.Context, scope string, _ []byte) (bool, time.Duration, error) {
	l.allowCalls++
	l.lastScope = scope
	return l.allowOK, 0, l.allowErr
}

func (l *fakeLimiter) Hit(context.Context, string, []byte) (bool, time.Duration, error) {
	l.hitCalls++
	return l.hitBlocked, 0, l.hitErr
}
