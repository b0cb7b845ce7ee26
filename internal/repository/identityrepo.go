// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/kinder2149/paperclip-cloud/internal/model"
)

// IdentityRepository persists players and their provider links.
type IdentityRepository interface {
	// FindPlayerUID returns the player linked to (provider, providerUserID) or errs.ErrNotFound.
	FindPlayerUID(ctx context.Context, provider, providerUserID string) (uuid.UUID, error)
	// CreateLink creates the player candidate and links it atomically. When the
	// pair is already linked (a concurrent winner), nothing is created and the
	// existing player's UID is returned.
	CreateLink(ctx context.Context, candidate uuid.UUID, provider, providerUserID string) (uuid.UUID, error)
	// ListLinks returns all provider links of a player.
	ListLinks(ctx context.Context, playerUID uuid.UUID) ([]model.ProviderLink, error)
	// Ping checks backend availability.
	Ping(ctx context.Context) error
}
