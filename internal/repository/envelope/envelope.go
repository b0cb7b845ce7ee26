// Package envelope encodes save documents into the JSON envelope shared by the
// flat-file and Redis backends. The field names match documents written by the
// first version of the service so that existing saves keep loading.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/kinder2149/paperclip-cloud/internal/model"
	"github.com/kinder2149/paperclip-cloud/internal/snapshot"
)

type envelope struct {
	PartieID      string             `json:"partieId"`
	Snapshot      json.RawMessage    `json:"snapshot"`
	Metadata      model.SaveMetadata `json:"metadata"`
	OwnerUID      string             `json:"owner_uid,omitempty"`
	RemoteVersion int64              `json:"remoteVersion"`
	LastPushAt    *time.Time         `json:"lastPushAt"`
	LastPullAt    *time.Time         `json:"lastPullAt"`
	Hash          string             `json:"hash"`
}

// Encode serializes a document.
func Encode(doc *model.SaveDocument) ([]byte, error) {
	env := envelope{
		PartieID:      doc.SaveID,
		Snapshot:      doc.Snapshot,
		Metadata:      doc.Metadata,
		RemoteVersion: doc.RemoteVersion,
		LastPullAt:    doc.LastPulledAt,
		Hash:          doc.Fingerprint,
	}
	if len(env.Snapshot) == 0 {
		env.Snapshot = json.RawMessage(`{}`)
	}
	if doc.HasOwner() {
		env.OwnerUID = doc.OwnerUID.String()
	}
	if !doc.LastPushedAt.IsZero() {
		t := doc.LastPushedAt.UTC()
		env.LastPushAt = &t
	}
	return json.Marshal(env)
}

// Decode parses a stored envelope. The snapshot is re-canonicalized and the
// fingerprint recomputed, so documents written with another hash layout get a
// fingerprint consistent with new writes. fallbackID is used when the envelope
// predates the partieId field.
func Decode(fallbackID string, b []byte) (*model.SaveDocument, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode save envelope: %w", err)
	}

	doc := &model.SaveDocument{
		SaveID:        env.PartieID,
		Metadata:      env.Metadata,
		RemoteVersion: env.RemoteVersion,
		LastPulledAt:  env.LastPullAt,
	}
	if doc.SaveID == "" {
		doc.SaveID = fallbackID
	}
	if env.LastPushAt != nil {
		doc.LastPushedAt = *env.LastPushAt
	}
	if env.OwnerUID != "" {
		owner, err := uuid.FromString(env.OwnerUID)
		if err != nil {
			return nil, fmt.Errorf("decode save envelope: bad owner_uid: %w", err)
		}
		doc.OwnerUID = owner
	}

	raw := []byte(env.Snapshot)
	if len(raw) == 0 || string(raw) == "null" {
		raw = []byte(`{}`)
	}
	canonical, err := snapshot.Canonicalize(raw)
	if err != nil {
		return nil, fmt.Errorf("decode save envelope: %w", err)
	}
	doc.Snapshot = canonical
	doc.Fingerprint = snapshot.Fingerprint(canonical)
	return doc, nil
}
