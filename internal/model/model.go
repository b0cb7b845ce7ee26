// Package model defines domain entities used by services and repositories.
package model

import (
	"encoding/json"
	"time"

	"github.com/gofrs/uuid/v5"
)

// PlayerIdentity is the durable internal identity of a player. The UID is
// generated once (UUID v4) and never reused or mutated.
type PlayerIdentity struct {
	UID       uuid.UUID
	CreatedAt time.Time
}

// ProviderLink maps an external (provider, provider_user_id) pair to a player.
type ProviderLink struct {
	Provider       string    // normalized: trimmed, lower-case
	ProviderUserID string    // trimmed
	PlayerUID      uuid.UUID // FK -> players.id
	CreatedAt      time.Time
}

// Principal is the verified caller behind a session token.
type Principal struct {
	PlayerUID uuid.UUID
	Subject   string // raw sub claim; differs from PlayerUID.String() for legacy tokens
	Legacy    bool   // subject was resolved through the identity resolver
	Providers []ProviderRef
	ExpiresAt time.Time
}

// ProviderRef is the informational provider entry embedded in session tokens.
type ProviderRef struct {
	Provider string `json:"provider"`
	ID       string `json:"id"`
}

// LoginRequest is a login intent. PlayerID is the legacy single-field form.
type LoginRequest struct {
	Provider       string
	ProviderUserID string
	PlayerID       string
}

// LoginResult is returned after a successful login.
type LoginResult struct {
	AccessToken string
	ExpiresAt   time.Time
	PlayerUID   uuid.UUID
}

// SaveMetadata is the display metadata attached to a cloud save.
type SaveMetadata struct {
	Name        string `json:"name"`
	GameMode    string `json:"gameMode"`
	GameVersion string `json:"gameVersion"`
	PlayerID    string `json:"playerId"` // legacy display identifier, never used for authorization
}

// SaveDocument is one cloud save slot as persisted by a SaveStore.
type SaveDocument struct {
	SaveID        string
	OwnerUID      uuid.UUID       // uuid.Nil for documents written before ownership existed
	Snapshot      json.RawMessage // canonical JSON bytes
	Metadata      SaveMetadata
	RemoteVersion int64  // unix seconds of last push, non-decreasing
	Fingerprint   string // hex SHA-256 of Snapshot
	LastPushedAt  time.Time
	LastPulledAt  *time.Time
}

// HasOwner reports whether ownership has been established for the document.
func (d *SaveDocument) HasOwner() bool { return d.OwnerUID != uuid.Nil }

// Clone returns a deep copy so stores never share buffers with callers.
func (d *SaveDocument) Clone() *SaveDocument {
	if d == nil {
		return nil
	}
	c := *d
	c.Snapshot = append(json.RawMessage(nil), d.Snapshot...)
	if d.LastPulledAt != nil {
		t := *d.LastPulledAt
		c.LastPulledAt = &t
	}
	return &c
}

// SaveStatus is the cheap freshness view of a save, without the snapshot body.
type SaveStatus struct {
	SaveID        string
	RemoteVersion int64
	Fingerprint   string
	LastPushedAt  time.Time
	LastPulledAt  *time.Time
}

// SaveSummary is a list entry.
type SaveSummary struct {
	SaveID        string
	Metadata      SaveMetadata
	RemoteVersion int64
	Fingerprint   string
	LastPushedAt  time.Time
}

// PutSave is a client write intent: raw snapshot JSON plus metadata.
type PutSave struct {
	Snapshot json.RawMessage
	Metadata SaveMetadata
}

// Preconditions carries the conditional-write headers of a request.
// Nil pointers mean the header was absent.
type Preconditions struct {
	IfMatch     *string
	IfNoneMatch *string
}
