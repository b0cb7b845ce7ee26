package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/kinder2149/paperclip-cloud/internal/errs"
	"github.com/kinder2149/paperclip-cloud/internal/metrics"
	"github.com/kinder2149/paperclip-cloud/internal/model"
	"github.com/kinder2149/paperclip-cloud/internal/repository"
	"github.com/kinder2149/paperclip-cloud/internal/snapshot"
)

// Metadata length limits, counted in characters after trimming.
const (
	MaxNameLen        = 100
	MaxGameModeLen    = 50
	MaxGameVersionLen = 20
	MaxSaveIDLen      = 200

	DefaultMaxSnapshotBytes = 256 * 1024
)

// SaveService is the cloud save synchronization protocol.
type SaveService interface {
	// Put creates or updates a save under the ownership and precondition rules.
	Put(ctx context.Context, caller uuid.UUID, saveID string, in model.PutSave, pre model.Preconditions) (*model.SaveDocument, error)
	// Get returns a save to any authenticated caller and records the pull time.
	Get(ctx context.Context, caller uuid.UUID, saveID string) (*model.SaveDocument, error)
	// Status returns freshness information without the snapshot.
	Status(ctx context.Context, caller uuid.UUID, saveID string) (model.SaveStatus, error)
	// List returns summaries of saves whose metadata.playerId equals playerID.
	List(ctx context.Context, caller uuid.UUID, playerID string) ([]model.SaveSummary, error)
	// Delete removes a save owned by the caller.
	Delete(ctx context.Context, caller uuid.UUID, saveID string) error
}

// SaveOptions are the deployment knobs of the protocol.
type SaveOptions struct {
	MaxSnapshotBytes         int
	SchemaVersion            int64
	GameModes                []string // empty: any mode accepted
	RequireConditionalWrites bool
}

type SaveServiceImpl struct {
	store repository.SaveStore
	opts  SaveOptions
	modes map[string]struct{}
	log   *zap.Logger
	m     *metrics.Metrics
	now   func() time.Time
}

// NewSaveService constructs a SaveService. m may be nil.
func NewSaveService(store repository.SaveStore, opts SaveOptions, log *zap.Logger, m *metrics.Metrics) *SaveServiceImpl {
	if opts.MaxSnapshotBytes <= 0 {
		opts.MaxSnapshotBytes = DefaultMaxSnapshotBytes
	}
	if opts.SchemaVersion <= 0 {
		opts.SchemaVersion = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &SaveServiceImpl{store: store, opts: opts, log: log, m: m, now: time.Now}
	if len(opts.GameModes) > 0 {
		s.modes = make(map[string]struct{}, len(opts.GameModes))
		for _, gm := range opts.GameModes {
			if gm = strings.TrimSpace(gm); gm != "" {
				s.modes[gm] = struct{}{}
			}
		}
	}
	return s
}

func requireCaller(caller uuid.UUID) error {
	if caller == uuid.Nil {
		return fmt.Errorf("%w: missing caller", errs.ErrUnauthenticated)
	}
	return nil
}

func normalizeSaveID(saveID string) (string, error) {
	id := strings.TrimSpace(saveID)
	if id == "" {
		return "", fmt.Errorf("%w: empty save id", errs.ErrInvalidArgument)
	}
	if utf8.RuneCountInString(id) > MaxSaveIDLen {
		return "", fmt.Errorf("%w: save id longer than %d", errs.ErrInvalidArgument, MaxSaveIDLen)
	}
	return id, nil
}

// validateMetadata trims every field, then checks presence, length and the
// optional game mode enumeration.
func (s *SaveServiceImpl) validateMetadata(in model.SaveMetadata) (model.SaveMetadata, error) {
	md := model.SaveMetadata{
		Name:        strings.TrimSpace(in.Name),
		GameMode:    strings.TrimSpace(in.GameMode),
		GameVersion: strings.TrimSpace(in.GameVersion),
		PlayerID:    strings.TrimSpace(in.PlayerID),
	}
	fields := []struct {
		name  string
		value string
		max   int
	}{
		{"name", md.Name, MaxNameLen},
		{"gameMode", md.GameMode, MaxGameModeLen},
		{"gameVersion", md.GameVersion, MaxGameVersionLen},
		{"playerId", md.PlayerID, 0},
	}
	for _, f := range fields {
		if f.value == "" {
			return md, fmt.Errorf("%w: metadata.%s is required", errs.ErrInvalidArgument, f.name)
		}
		if f.max > 0 && utf8.RuneCountInString(f.value) > f.max {
			return md, fmt.Errorf("%w: metadata.%s longer than %d", errs.ErrInvalidArgument, f.name, f.max)
		}
	}
	if s.modes != nil {
		if _, ok := s.modes[md.GameMode]; !ok {
			return md, fmt.Errorf("%w: metadata.gameMode %q not allowed", errs.ErrInvalidArgument, md.GameMode)
		}
	}
	return md, nil
}

// validateSnapshot canonicalizes the snapshot, gates its schema version and
// enforces the size limit on the canonical bytes.
func (s *SaveServiceImpl) validateSnapshot(raw []byte) ([]byte, error) {
	canonical, err := snapshot.Canonicalize(raw)
	if err != nil {
		return nil, err
	}
	v, err := snapshot.SchemaVersion(canonical)
	if err != nil {
		return nil, err
	}
	if v > s.opts.SchemaVersion {
		return nil, fmt.Errorf("%w: snapshot schema version %d is newer than supported %d",
			errs.ErrInvalidArgument, v, s.opts.SchemaVersion)
	}
	if len(canonical) > s.opts.MaxSnapshotBytes {
		return nil, fmt.Errorf("%w: snapshot is %d bytes, limit %d",
			errs.ErrPayloadTooLarge, len(canonical), s.opts.MaxSnapshotBytes)
	}
	return canonical, nil
}

// ParseETags splits a conditional header into entity tags, dropping weak
// prefixes and quotes. "*" is returned as is.
func ParseETags(h string) []string {
	var out []string
	for _, part := range strings.Split(h, ",") {
		t := strings.TrimSpace(part)
		t = strings.TrimPrefix(t, "W/")
		t = strings.Trim(t, `"`)
		t = strings.TrimSpace(t)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

func tagsMatch(tags []string, fingerprint string) bool {
	for _, t := range tags {
		if t == "*" || t == fingerprint {
			return true
		}
	}
	return false
}

// checkCreate applies the preconditions of a write to an absent save.
func (s *SaveServiceImpl) checkCreate(pre model.Preconditions) error {
	if pre.IfMatch != nil {
		return fmt.Errorf("%w: If-Match given but save does not exist", errs.ErrPreconditionFailed)
	}
	if pre.IfNoneMatch == nil {
		if s.opts.RequireConditionalWrites {
			return fmt.Errorf("%w: If-None-Match: * is required to create a save", errs.ErrPreconditionRequired)
		}
		return nil
	}
	tags := ParseETags(*pre.IfNoneMatch)
	if len(tags) != 1 || tags[0] != "*" {
		return fmt.Errorf("%w: If-None-Match must be * to create a save", errs.ErrPreconditionRequired)
	}
	return nil
}

// checkUpdate applies the preconditions of a write to an existing save.
func (s *SaveServiceImpl) checkUpdate(cur *model.SaveDocument, pre model.Preconditions) error {
	if pre.IfNoneMatch != nil && tagsMatch(ParseETags(*pre.IfNoneMatch), cur.Fingerprint) {
		return fmt.Errorf("%w: save already exists", errs.ErrPreconditionFailed)
	}
	if pre.IfMatch == nil {
		if s.opts.RequireConditionalWrites {
			return fmt.Errorf("%w: If-Match is required to update a save", errs.ErrPreconditionRequired)
		}
		return nil
	}
	tags := ParseETags(*pre.IfMatch)
	if len(tags) == 0 {
		return fmt.Errorf("%w: empty If-Match", errs.ErrPreconditionRequired)
	}
	if !tagsMatch(tags, cur.Fingerprint) {
		return fmt.Errorf("%w: fingerprint mismatch", errs.ErrPreconditionFailed)
	}
	return nil
}

// outcome labels a finished operation for metrics.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, errs.ErrInvalidArgument):
		return "invalid"
	case errors.Is(err, errs.ErrForbidden):
		return "forbidden"
	case errors.Is(err, errs.ErrNotFound):
		return "not_found"
	case errors.Is(err, errs.ErrPreconditionRequired):
		return "precondition_required"
	case errors.Is(err, errs.ErrPreconditionFailed):
		return "precondition_failed"
	case errors.Is(err, errs.ErrPayloadTooLarge):
		return "too_large"
	case errors.Is(err, errs.ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, errs.ErrRateLimited):
		return "rate_limited"
	default:
		return "error"
	}
}

// Put rejects foreign saves first, validates the payload, then decides create
// or update against the store's current state inside a single Mutate call.
// Ownership is checked again there; the early look only fixes which error a
// non-owner sees.
func (s *SaveServiceImpl) Put(
	ctx context.Context, caller uuid.UUID, saveID string, in model.PutSave, pre model.Preconditions,
) (doc *model.SaveDocument, err error) {
	defer func() { s.m.SaveOp("put", outcome(err)) }()

	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	id, err := normalizeSaveID(saveID)
	if err != nil {
		return nil, err
	}
	if err := s.checkOwner(ctx, caller, id); err != nil {
		return nil, err
	}
	md, err := s.validateMetadata(in.Metadata)
	if err != nil {
		return nil, err
	}
	canonical, err := s.validateSnapshot(in.Snapshot)
	if err != nil {
		return nil, err
	}
	fp := snapshot.Fingerprint(canonical)

	claimed := false
	doc, err = s.store.Mutate(ctx, id, func(cur *model.SaveDocument) (*model.SaveDocument, error) {
		claimed = false
		now := s.now().UTC()
		if cur == nil {
			if err := s.checkCreate(pre); err != nil {
				return nil, err
			}
			return &model.SaveDocument{
				SaveID:        id,
				OwnerUID:      caller,
				Snapshot:      canonical,
				Metadata:      md,
				RemoteVersion: now.Unix(),
				Fingerprint:   fp,
				LastPushedAt:  now,
			}, nil
		}

		if cur.HasOwner() && cur.OwnerUID != caller {
			return nil, fmt.Errorf("%w: save %s belongs to another player", errs.ErrForbidden, id)
		}
		if err := s.checkUpdate(cur, pre); err != nil {
			return nil, err
		}
		if !cur.HasOwner() {
			cur.OwnerUID = caller
			claimed = true
		}
		cur.Snapshot = canonical
		cur.Metadata = md
		cur.Fingerprint = fp
		cur.RemoteVersion = max(now.Unix(), cur.RemoteVersion)
		cur.LastPushedAt = now
		return cur, nil
	})
	if err != nil {
		return nil, err
	}
	if claimed {
		// Ownerless saves predate ownership; the first authenticated writer wins them.
		s.log.Warn("ownerless save claimed by writer",
			zap.String("save_id", id), zap.Stringer("player_uid", caller))
		s.m.OwnerlessClaim()
	}
	s.m.ObserveSnapshot(len(canonical))
	return doc, nil
}

func (s *SaveServiceImpl) checkOwner(ctx context.Context, caller uuid.UUID, id string) error {
	cur, err := s.store.Get(ctx, id)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return nil
	case err != nil:
		return err
	case cur.HasOwner() && cur.OwnerUID != caller:
		return fmt.Errorf("%w: save %s belongs to another player", errs.ErrForbidden, id)
	}
	return nil
}

// Get returns the save and stamps LastPulledAt. Ownership is not checked on reads.
func (s *SaveServiceImpl) Get(ctx context.Context, caller uuid.UUID, saveID string) (doc *model.SaveDocument, err error) {
	defer func() { s.m.SaveOp("get", outcome(err)) }()

	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	id, err := normalizeSaveID(saveID)
	if err != nil {
		return nil, err
	}
	return s.store.Mutate(ctx, id, func(cur *model.SaveDocument) (*model.SaveDocument, error) {
		if cur == nil {
			return nil, fmt.Errorf("%w: save %s", errs.ErrNotFound, id)
		}
		now := s.now().UTC()
		cur.LastPulledAt = &now
		return cur, nil
	})
}

// Status returns freshness information without touching the pull time.
func (s *SaveServiceImpl) Status(ctx context.Context, caller uuid.UUID, saveID string) (st model.SaveStatus, err error) {
	defer func() { s.m.SaveOp("status", outcome(err)) }()

	if err := requireCaller(caller); err != nil {
		return model.SaveStatus{}, err
	}
	id, err := normalizeSaveID(saveID)
	if err != nil {
		return model.SaveStatus{}, err
	}
	doc, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return model.SaveStatus{}, fmt.Errorf("%w: save %s", errs.ErrNotFound, id)
		}
		return model.SaveStatus{}, err
	}
	return model.SaveStatus{
		SaveID:        doc.SaveID,
		RemoteVersion: doc.RemoteVersion,
		Fingerprint:   doc.Fingerprint,
		LastPushedAt:  doc.LastPushedAt,
		LastPulledAt:  doc.LastPulledAt,
	}, nil
}

// List filters by the display player id, not by owner. An empty player id
// yields an empty list.
func (s *SaveServiceImpl) List(ctx context.Context, caller uuid.UUID, playerID string) (out []model.SaveSummary, err error) {
	defer func() { s.m.SaveOp("list", outcome(err)) }()

	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	out = make([]model.SaveSummary, 0)
	pid := strings.TrimSpace(playerID)
	if pid == "" {
		return out, nil
	}
	docs, err := s.store.ScanByPlayerID(ctx, pid)
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		out = append(out, model.SaveSummary{
			SaveID:        d.SaveID,
			Metadata:      d.Metadata,
			RemoteVersion: d.RemoteVersion,
			Fingerprint:   d.Fingerprint,
			LastPushedAt:  d.LastPushedAt,
		})
	}
	return out, nil
}

// Delete removes a save. Owned saves may only be removed by their owner.
func (s *SaveServiceImpl) Delete(ctx context.Context, caller uuid.UUID, saveID string) (err error) {
	defer func() { s.m.SaveOp("delete", outcome(err)) }()

	if err := requireCaller(caller); err != nil {
		return err
	}
	id, err := normalizeSaveID(saveID)
	if err != nil {
		return err
	}
	ownerless := false
	_, err = s.store.Mutate(ctx, id, func(cur *model.SaveDocument) (*model.SaveDocument, error) {
		if cur == nil {
			return nil, fmt.Errorf("%w: save %s", errs.ErrNotFound, id)
		}
		if cur.HasOwner() && cur.OwnerUID != caller {
			return nil, fmt.Errorf("%w: save %s belongs to another player", errs.ErrForbidden, id)
		}
		ownerless = !cur.HasOwner()
		return nil, nil
	})
	if err != nil {
		return err
	}
	if ownerless {
		s.log.Warn("ownerless save deleted", zap.String("save_id", id), zap.Stringer("player_uid", caller))
		s.m.OwnerlessClaim()
	}
	return nil
}
