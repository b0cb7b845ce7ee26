package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/kinder2149/paperclip-cloud/internal/errs"
	"github.com/kinder2149/paperclip-cloud/internal/model"
	"github.com/kinder2149/paperclip-cloud/internal/repository"
)

// IdentityResolver maps external provider identities to durable player UIDs.
type IdentityResolver interface {
	// ResolveOrCreate returns the player linked to the pair, creating it on first sight.
	ResolveOrCreate(ctx context.Context, provider, providerUserID string) (uuid.UUID, error)
	// ResolveExisting returns the linked player or errs.ErrNotFound; it never creates.
	ResolveExisting(ctx context.Context, provider, providerUserID string) (uuid.UUID, error)
	// ListLinks returns the provider links of a player.
	ListLinks(ctx context.Context, playerUID uuid.UUID) ([]model.ProviderLink, error)
}

type IdentityResolverImpl struct {
	repo repository.IdentityRepository
	log  *zap.Logger
}

// NewIdentityResolver constructs an IdentityResolver over a repository.
func NewIdentityResolver(repo repository.IdentityRepository, log *zap.Logger) *IdentityResolverImpl {
	if log == nil {
		log = zap.NewNop()
	}
	return &IdentityResolverImpl{repo: repo, log: log}
}

// NormalizeIdentity trims both parts and lower-cases the provider.
func NormalizeIdentity(provider, providerUserID string) (string, string, error) {
	p := strings.ToLower(strings.TrimSpace(provider))
	id := strings.TrimSpace(providerUserID)
	if p == "" {
		return "", "", fmt.Errorf("%w: provider is required", errs.ErrInvalidArgument)
	}
	if id == "" {
		return "", "", fmt.Errorf("%w: provider_user_id is required", errs.ErrInvalidArgument)
	}
	return p, id, nil
}

// storageErr keeps domain sentinels and turns anything else into ErrUnavailable.
func storageErr(op string, err error) error {
	if err == nil || errors.Is(err, errs.ErrUnavailable) || errors.Is(err, errs.ErrNotFound) {
		return err
	}
	return errs.Unavailable(op, err)
}

// ResolveOrCreate looks the pair up and creates player and link atomically
// when absent. Concurrent first logins converge on the repository's winner.
func (s *IdentityResolverImpl) ResolveOrCreate(ctx context.Context, provider, providerUserID string) (uuid.UUID, error) {
	p, id, err := NormalizeIdentity(provider, providerUserID)
	if err != nil {
		return uuid.Nil, err
	}

	uid, err := s.repo.FindPlayerUID(ctx, p, id)
	if err == nil {
		return uid, nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return uuid.Nil, storageErr("resolve identity", err)
	}

	// A candidate collides with an existing player only on a UUID clash; retry with a fresh one.
	for attempt := 0; attempt < 3; attempt++ {
		cand, err := uuid.NewV4()
		if err != nil {
			return uuid.Nil, err
		}
		uid, err = s.repo.CreateLink(ctx, cand, p, id)
		if errors.Is(err, errs.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return uuid.Nil, storageErr("create identity", err)
		}
		if uid == cand {
			s.log.Info("player created", zap.String("provider", p), zap.Stringer("player_uid", uid))
		}
		return uid, nil
	}
	return uuid.Nil, errs.Unavailable("create identity", errors.New("could not allocate player uid"))
}

// ResolveExisting returns the linked player without creating anything.
func (s *IdentityResolverImpl) ResolveExisting(ctx context.Context, provider, providerUserID string) (uuid.UUID, error) {
	p, id, err := NormalizeIdentity(provider, providerUserID)
	if err != nil {
		return uuid.Nil, err
	}
	uid, err := s.repo.FindPlayerUID(ctx, p, id)
	if err != nil {
		return uuid.Nil, storageErr("resolve identity", err)
	}
	return uid, nil
}

// ListLinks returns the provider links of a player.
func (s *IdentityResolverImpl) ListLinks(ctx context.Context, playerUID uuid.UUID) ([]model.ProviderLink, error) {
	if playerUID == uuid.Nil {
		return nil, fmt.Errorf("%w: empty player uid", errs.ErrInvalidArgument)
	}
	links, err := s.repo.ListLinks(ctx, playerUID)
	if err != nil {
		return nil, storageErr("list links", err)
	}
	return links, nil
}
