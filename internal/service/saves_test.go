package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"github.com/kinder2149/paperclip-cloud/internal/errs"
	"github.com/kinder2149/paperclip-cloud/internal/metrics"
	"github.com/kinder2149/paperclip-cloud/internal/model"
	"github.com/kinder2149/paperclip-cloud/internal/snapshot"
)

func ptr(s string) *string { return &s }

func validPut(level int) model.PutSave {
	return model.PutSave{
		Snapshot: []byte(fmt.Sprintf(`{"snapshotSchemaVersion":1,"level":%d}`, level)),
		Metadata: model.SaveMetadata{Name: "My run", GameMode: "INFINITE", GameVersion: "1.0.0", PlayerID: "p-1"},
	}
}

func newSaves(t *testing.T, opts SaveOptions) (*SaveServiceImpl, *memSaves) {
	t.Helper()
	store := newMemSaves()
	return NewSaveService(store, opts, zaptest.NewLogger(t), nil), store
}

func newUID() uuid.UUID { return uuid.Must(uuid.NewV4()) }

func TestSaves_CreateThenRead(t *testing.T) {
	t.Parallel()
	s, _ := newSaves(t, SaveOptions{})
	ctx := context.Background()
	owner := newUID()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return now }

	in := validPut(1)
	in.Snapshot = []byte(`{ "level": 1, "snapshotSchemaVersion": 1 }`)
	in.Metadata.Name = "  My run  "
	doc, err := s.Put(ctx, owner, "slot-1", in, model.Preconditions{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if doc.OwnerUID != owner || doc.RemoteVersion != now.Unix() || doc.Metadata.Name != "My run" {
		t.Fatalf("doc=%+v", doc)
	}
	if string(doc.Snapshot) != `{"level":1,"snapshotSchemaVersion":1}` {
		t.Fatalf("snapshot not canonical: %s", doc.Snapshot)
	}
	if doc.Fingerprint != snapshot.Fingerprint(doc.Snapshot) {
		t.Fatalf("fingerprint mismatch")
	}

	// any authenticated caller may read
	reader := newUID()
	later := now.Add(time.Minute)
	s.now = func() time.Time { return later }
	got, err := s.Get(ctx, reader, "slot-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Snapshot) != string(doc.Snapshot) || got.Fingerprint != doc.Fingerprint {
		t.Fatalf("read differs from write")
	}
	if got.LastPulledAt == nil || !got.LastPulledAt.Equal(later) {
		t.Fatalf("LastPulledAt=%v", got.LastPulledAt)
	}

	again, err := s.Get(ctx, reader, "slot-1")
	if err != nil || string(again.Snapshot) != string(got.Snapshot) || again.Fingerprint != got.Fingerprint {
		t.Fatalf("reads must be idempotent: %v", err)
	}

	st, err := s.Status(ctx, reader, "slot-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.RemoteVersion != doc.RemoteVersion || st.Fingerprint != doc.Fingerprint || st.LastPulledAt == nil {
		t.Fatalf("status=%+v", st)
	}
}

func TestSaves_FingerprintDeterministic(t *testing.T) {
	t.Parallel()
	s, _ := newSaves(t, SaveOptions{})
	ctx := context.Background()
	owner := newUID()

	a := validPut(3)
	a.Snapshot = []byte(`{"a":1,"b":{"y":2,"x":1},"snapshotSchemaVersion":1}`)
	b := validPut(3)
	b.Snapshot = []byte(`{"snapshotSchemaVersion":1,"b":{"x":1,"y":2},"a":1}`)

	d1, err := s.Put(ctx, owner, "s1", a, model.Preconditions{})
	if err != nil {
		t.Fatal(err)
	}
	d2, err := s.Put(ctx, owner, "s2", b, model.Preconditions{})
	if err != nil {
		t.Fatal(err)
	}
	if d1.Fingerprint != d2.Fingerprint {
		t.Fatalf("equal objects must share a fingerprint")
	}
}

func TestSaves_Validation(t *testing.T) {
	t.Parallel()
	s, store := newSaves(t, SaveOptions{GameModes: []string{"INFINITE", "COMPETITIVE"}, SchemaVersion: 2})
	ctx := context.Background()
	owner := newUID()

	mut := func(f func(*model.PutSave)) model.PutSave {
		in := validPut(1)
		f(&in)
		return in
	}
	cases := map[string]model.PutSave{
		"empty name":        mut(func(p *model.PutSave) { p.Metadata.Name = "   " }),
		"long name":         mut(func(p *model.PutSave) { p.Metadata.Name = strings.Repeat("n", 101) }),
		"long mode":         mut(func(p *model.PutSave) { p.Metadata.GameMode = strings.Repeat("m", 51) }),
		"long version":      mut(func(p *model.PutSave) { p.Metadata.GameVersion = strings.Repeat("1", 21) }),
		"missing player":    mut(func(p *model.PutSave) { p.Metadata.PlayerID = "" }),
		"unknown mode":      mut(func(p *model.PutSave) { p.Metadata.GameMode = "STORY" }),
		"not json":          mut(func(p *model.PutSave) { p.Snapshot = []byte(`{`) }),
		"array":             mut(func(p *model.PutSave) { p.Snapshot = []byte(`[1]`) }),
		"no schema":         mut(func(p *model.PutSave) { p.Snapshot = []byte(`{"level":1}`) }),
		"string schema":     mut(func(p *model.PutSave) { p.Snapshot = []byte(`{"snapshotSchemaVersion":"1"}`) }),
		"future schema":     mut(func(p *model.PutSave) { p.Snapshot = []byte(`{"snapshotSchemaVersion":3}`) }),
		"fractional schema": mut(func(p *model.PutSave) { p.Snapshot = []byte(`{"snapshotSchemaVersion":1.5}`) }),
	}
	for name, in := range cases {
		if _, err := s.Put(ctx, owner, "v", in, model.Preconditions{}); !errors.Is(err, errs.ErrInvalidArgument) {
			t.Fatalf("%s: want ErrInvalidArgument, got %v", name, err)
		}
	}
	if len(store.docs) != 0 {
		t.Fatalf("invalid writes must not persist anything")
	}

	// trimmed values at the limit are fine; the alias key is accepted
	ok := mut(func(p *model.PutSave) {
		p.Metadata.Name = " " + strings.Repeat("n", 100) + " "
		p.Metadata.GameMode = " COMPETITIVE "
		p.Snapshot = []byte(`{"schema_version":2}`)
	})
	if _, err := s.Put(ctx, owner, "v", ok, model.Preconditions{}); err != nil {
		t.Fatalf("boundary put: %v", err)
	}

	if _, err := s.Put(ctx, owner, "  ", validPut(1), model.Preconditions{}); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("blank save id: want ErrInvalidArgument, got %v", err)
	}
	if _, err := s.Put(ctx, uuid.Nil, "v", validPut(1), model.Preconditions{}); !errors.Is(err, errs.ErrUnauthenticated) {
		t.Fatalf("nil caller: want ErrUnauthenticated, got %v", err)
	}
}

func TestSaves_PayloadTooLarge(t *testing.T) {
	t.Parallel()
	s, _ := newSaves(t, SaveOptions{})
	ctx := context.Background()

	big := validPut(1)
	big.Snapshot = []byte(`{"snapshotSchemaVersion":1,"blob":"` + strings.Repeat("x", 300*1024) + `"}`)
	if _, err := s.Put(ctx, newUID(), "big", big, model.Preconditions{}); !errors.Is(err, errs.ErrPayloadTooLarge) {
		t.Fatalf("want ErrPayloadTooLarge, got %v", err)
	}

	fits := validPut(1)
	fits.Snapshot = []byte(`{"snapshotSchemaVersion":1,"blob":"` + strings.Repeat("x", 200*1024) + `"}`)
	if _, err := s.Put(ctx, newUID(), "fits", fits, model.Preconditions{}); err != nil {
		t.Fatalf("200 KiB should fit: %v", err)
	}
}

func TestSaves_Ownership(t *testing.T) {
	t.Parallel()
	s, _ := newSaves(t, SaveOptions{})
	ctx := context.Background()
	alice, bob := newUID(), newUID()

	if _, err := s.Put(ctx, alice, "a", validPut(1), model.Preconditions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Put(ctx, bob, "a", validPut(2), model.Preconditions{}); !errors.Is(err, errs.ErrForbidden) {
		t.Fatalf("foreign update: want ErrForbidden, got %v", err)
	}
	if err := s.Delete(ctx, bob, "a"); !errors.Is(err, errs.ErrForbidden) {
		t.Fatalf("foreign delete: want ErrForbidden, got %v", err)
	}

	doc, err := s.Put(ctx, alice, "a", validPut(2), model.Preconditions{})
	if err != nil {
		t.Fatalf("owner update: %v", err)
	}
	if doc.OwnerUID != alice {
		t.Fatalf("owner must not change")
	}
	if err := s.Delete(ctx, alice, "a"); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
	if _, err := s.Get(ctx, alice, "a"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("after delete: want ErrNotFound, got %v", err)
	}
	if err := s.Delete(ctx, alice, "a"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("second delete: want ErrNotFound, got %v", err)
	}
}

func TestSaves_ForeignWriteForbiddenBeforeValidation(t *testing.T) {
	t.Parallel()
	s, store := newSaves(t, SaveOptions{})
	ctx := context.Background()
	alice, bob := newUID(), newUID()

	if _, err := s.Put(ctx, alice, "a", validPut(1), model.Preconditions{}); err != nil {
		t.Fatal(err)
	}

	bad := validPut(2)
	bad.Metadata.Name = ""
	bad.Snapshot = []byte(`{"level":2}`)
	if _, err := s.Put(ctx, bob, "a", bad, model.Preconditions{}); !errors.Is(err, errs.ErrForbidden) {
		t.Fatalf("foreign invalid write: want ErrForbidden, got %v", err)
	}
	// the owner still gets the validation error, and a fresh id is not an ownership matter
	if _, err := s.Put(ctx, alice, "a", bad, model.Preconditions{}); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("owner invalid write: want ErrInvalidArgument, got %v", err)
	}
	if _, err := s.Put(ctx, bob, "b", bad, model.Preconditions{}); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("new save invalid write: want ErrInvalidArgument, got %v", err)
	}
	if store.docs["a"].OwnerUID != alice || len(store.docs) != 1 {
		t.Fatalf("rejected writes must not touch the store")
	}
}

func TestSaves_OwnerlessClaimedAndCounted(t *testing.T) {
	t.Parallel()
	store := newMemSaves()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	s := NewSaveService(store, SaveOptions{}, zaptest.NewLogger(t), m)
	ctx := context.Background()

	legacy := &model.SaveDocument{
		SaveID:        "old",
		Snapshot:      []byte(`{"snapshotSchemaVersion":1}`),
		Metadata:      validPut(0).Metadata,
		RemoteVersion: 4102444800, // far in the future
		Fingerprint:   snapshot.Fingerprint([]byte(`{"snapshotSchemaVersion":1}`)),
	}
	if err := store.Put(ctx, legacy); err != nil {
		t.Fatal(err)
	}

	claimer := newUID()
	doc, err := s.Put(ctx, claimer, "old", validPut(5), model.Preconditions{})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if doc.OwnerUID != claimer {
		t.Fatalf("ownerless save must be claimed by writer")
	}
	if doc.RemoteVersion != legacy.RemoteVersion {
		t.Fatalf("remote version must never decrease: %d", doc.RemoteVersion)
	}
	if got := testutil.ToFloat64(m.OwnerlessClaims); got != 1 {
		t.Fatalf("ownerless claims=%v", got)
	}
	if got := testutil.ToFloat64(m.SaveOps.WithLabelValues("put", "ok")); got != 1 {
		t.Fatalf("put ok=%v", got)
	}

	// ownerless deletes are allowed to anyone
	legacy.SaveID = "old2"
	if err := store.Put(ctx, legacy); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, newUID(), "old2"); err != nil {
		t.Fatalf("ownerless delete: %v", err)
	}
}

func TestSaves_ConditionalCreate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	owner := newUID()

	s, _ := newSaves(t, SaveOptions{})
	if _, err := s.Put(ctx, owner, "x", validPut(1), model.Preconditions{IfMatch: ptr(`"abc"`)}); !errors.Is(err, errs.ErrPreconditionFailed) {
		t.Fatalf("If-Match on absent: want 412, got %v", err)
	}
	if _, err := s.Put(ctx, owner, "x", validPut(1), model.Preconditions{IfNoneMatch: ptr(`"abc"`)}); !errors.Is(err, errs.ErrPreconditionRequired) {
		t.Fatalf("If-None-Match not *: want 428, got %v", err)
	}
	if _, err := s.Put(ctx, owner, "x", validPut(1), model.Preconditions{IfNoneMatch: ptr("*")}); err != nil {
		t.Fatalf("If-None-Match *: %v", err)
	}

	strict, _ := newSaves(t, SaveOptions{RequireConditionalWrites: true})
	if _, err := strict.Put(ctx, owner, "x", validPut(1), model.Preconditions{}); !errors.Is(err, errs.ErrPreconditionRequired) {
		t.Fatalf("enforced create without header: want 428, got %v", err)
	}
	if _, err := strict.Put(ctx, owner, "x", validPut(1), model.Preconditions{IfNoneMatch: ptr(" * ")}); err != nil {
		t.Fatalf("enforced create: %v", err)
	}
	if _, err := strict.Put(ctx, owner, "x", validPut(1), model.Preconditions{IfNoneMatch: ptr("*")}); !errors.Is(err, errs.ErrPreconditionFailed) {
		t.Fatalf("If-None-Match * on existing: want 412, got %v", err)
	}
}

func TestSaves_ConditionalUpdate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	owner := newUID()
	s, _ := newSaves(t, SaveOptions{RequireConditionalWrites: true})

	first, err := s.Put(ctx, owner, "x", validPut(1), model.Preconditions{IfNoneMatch: ptr("*")})
	if err != nil {
		t.Fatal(err)
	}
	f1 := first.Fingerprint

	if _, err := s.Put(ctx, owner, "x", validPut(2), model.Preconditions{}); !errors.Is(err, errs.ErrPreconditionRequired) {
		t.Fatalf("no If-Match: want 428, got %v", err)
	}
	if _, err := s.Put(ctx, owner, "x", validPut(2), model.Preconditions{IfMatch: ptr(`"deadbeef"`)}); !errors.Is(err, errs.ErrPreconditionFailed) {
		t.Fatalf("stale If-Match: want 412, got %v", err)
	}

	second, err := s.Put(ctx, owner, "x", validPut(2), model.Preconditions{IfMatch: ptr(`W/"` + f1 + `"`)})
	if err != nil {
		t.Fatalf("weak matching tag: %v", err)
	}
	if second.Fingerprint == f1 || second.RemoteVersion < first.RemoteVersion {
		t.Fatalf("second=%+v", second)
	}

	// the old fingerprint no longer matches
	if _, err := s.Put(ctx, owner, "x", validPut(3), model.Preconditions{IfMatch: ptr(f1)}); !errors.Is(err, errs.ErrPreconditionFailed) {
		t.Fatalf("replayed If-Match: want 412, got %v", err)
	}
	// lists and wildcards
	if _, err := s.Put(ctx, owner, "x", validPut(3), model.Preconditions{IfMatch: ptr(`"nope", "` + second.Fingerprint + `"`)}); err != nil {
		t.Fatalf("tag list: %v", err)
	}
	if _, err := s.Put(ctx, owner, "x", validPut(4), model.Preconditions{IfMatch: ptr("*")}); err != nil {
		t.Fatalf("If-Match *: %v", err)
	}
}

func TestSaves_ConcurrentIfMatchOneWinner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	owner := newUID()
	s, _ := newSaves(t, SaveOptions{RequireConditionalWrites: true})

	first, err := s.Put(ctx, owner, "race", validPut(0), model.Preconditions{IfNoneMatch: ptr("*")})
	if err != nil {
		t.Fatal(err)
	}

	const n = 16
	var (
		wg      sync.WaitGroup
		ok      atomic.Int32
		stale   atomic.Int32
		start   = make(chan struct{})
		ifMatch = `"` + first.Fingerprint + `"`
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := s.Put(ctx, owner, "race", validPut(i+1), model.Preconditions{IfMatch: ptr(ifMatch)})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, errs.ErrPreconditionFailed):
				stale.Add(1)
			default:
				t.Errorf("worker %d: %v", i, err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if ok.Load() != 1 || stale.Load() != n-1 {
		t.Fatalf("ok=%d stale=%d", ok.Load(), stale.Load())
	}
}

func TestSaves_List(t *testing.T) {
	t.Parallel()
	s, _ := newSaves(t, SaveOptions{})
	ctx := context.Background()
	alice, bob := newUID(), newUID()

	for _, id := range []string{"b", "a"} {
		if _, err := s.Put(ctx, alice, id, validPut(1), model.Preconditions{}); err != nil {
			t.Fatal(err)
		}
	}
	other := validPut(1)
	other.Metadata.PlayerID = "p-2"
	if _, err := s.Put(ctx, bob, "c", other, model.Preconditions{}); err != nil {
		t.Fatal(err)
	}

	// filtered by display player id, not by the caller
	got, err := s.List(ctx, bob, " p-1 ")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].SaveID != "a" || got[1].SaveID != "b" {
		t.Fatalf("list=%+v", got)
	}
	if got[0].Fingerprint == "" || got[0].Metadata.Name != "My run" {
		t.Fatalf("summary=%+v", got[0])
	}

	empty, err := s.List(ctx, alice, "")
	if err != nil || empty == nil || len(empty) != 0 {
		t.Fatalf("empty player id: %v %v", empty, err)
	}
	if _, err := s.List(ctx, uuid.Nil, "p-1"); !errors.Is(err, errs.ErrUnauthenticated) {
		t.Fatalf("nil caller: %v", err)
	}
}

func TestSaves_NotFoundAndStoreErrors(t *testing.T) {
	t.Parallel()
	s, store := newSaves(t, SaveOptions{})
	ctx := context.Background()
	caller := newUID()

	if _, err := s.Get(ctx, caller, "nope"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("get: %v", err)
	}
	if _, err := s.Status(ctx, caller, "nope"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("status: %v", err)
	}

	store.err = errs.Unavailable("mem", errors.New("down"))
	if _, err := s.Put(ctx, caller, "x", validPut(1), model.Preconditions{}); !errors.Is(err, errs.ErrUnavailable) {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.List(ctx, caller, "p-1"); !errors.Is(err, errs.ErrUnavailable) {
		t.Fatalf("list: %v", err)
	}
	if _, err := s.Status(ctx, caller, "x"); !errors.Is(err, errs.ErrUnavailable) {
		t.Fatalf("status: %v", err)
	}
}

func TestParseETags(t *testing.T) {
	t.Parallel()
	got := ParseETags(` "a", W/"b" ,*,, c `)
	want := []string{"a", "b", "*", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v", got)
		}
	}
	if len(ParseETags(`""`)) != 0 {
		t.Fatalf("empty tag must be dropped")
	}
}
