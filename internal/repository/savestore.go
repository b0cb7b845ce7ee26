package repository

import (
	"context"

	"github.com/kinder2149/paperclip-cloud/internal/model"
)

// MutateFunc receives the current document (nil when absent) and returns the
// document to persist. A nil result deletes the slot; an error aborts the
// mutation without writing anything.
type MutateFunc func(cur *model.SaveDocument) (*model.SaveDocument, error)

// SaveStore keeps at most one save document per save id.
type SaveStore interface {
	// Get loads a document or returns errs.ErrNotFound.
	Get(ctx context.Context, saveID string) (*model.SaveDocument, error)
	// Put overwrites the document unconditionally.
	Put(ctx context.Context, doc *model.SaveDocument) error
	// Delete removes the document or returns errs.ErrNotFound.
	Delete(ctx context.Context, saveID string) error
	// ScanByPlayerID returns every document whose metadata.playerId equals playerID (linear scan).
	ScanByPlayerID(ctx context.Context, playerID string) ([]model.SaveDocument, error)
	// Mutate is an atomic read-check-write on a single save id.
	Mutate(ctx context.Context, saveID string, fn MutateFunc) (*model.SaveDocument, error)
	// Ping checks backend availability.
	Ping(ctx context.Context) error
}
