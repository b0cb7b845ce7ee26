package httpserver

import (
	"encoding/json"
	"time"

	"github.com/kinder2149/paperclip-cloud/internal/model"
)

type loginRequest struct {
	Provider       string `json:"provider"`
	ProviderUserID string `json:"provider_user_id"`
	PlayerID       string `json:"playerId"`
}

type loginResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	PlayerUID   string    `json:"player_uid"`
}

type putRequest struct {
	Snapshot json.RawMessage    `json:"snapshot"`
	Metadata model.SaveMetadata `json:"metadata"`
}

type putResponse struct {
	OK            bool   `json:"ok"`
	PartieID      string `json:"partieId"`
	RemoteVersion int64  `json:"remoteVersion"`
	Fingerprint   string `json:"fingerprint"`
}

type saveResponse struct {
	PartieID      string             `json:"partieId"`
	Snapshot      json.RawMessage    `json:"snapshot"`
	Metadata      model.SaveMetadata `json:"metadata"`
	RemoteVersion int64              `json:"remoteVersion"`
	Fingerprint   string             `json:"fingerprint"`
	LastPushAt    time.Time          `json:"lastPushAt"`
	LastPullAt    *time.Time         `json:"lastPullAt"`
}

type statusResponse struct {
	PartieID      string     `json:"partieId"`
	SyncState     string     `json:"syncState"`
	RemoteVersion int64      `json:"remoteVersion"`
	Fingerprint   string     `json:"fingerprint"`
	LastPushAt    time.Time  `json:"lastPushAt"`
	LastPullAt    *time.Time `json:"lastPullAt"`
}

// listItem is flat: metadata fields sit next to the save id.
type listItem struct {
	PartieID      string    `json:"partieId"`
	PlayerID      string    `json:"playerId"`
	Name          string    `json:"name"`
	GameMode      string    `json:"gameMode"`
	GameVersion   string    `json:"gameVersion"`
	RemoteVersion int64     `json:"remoteVersion"`
	Fingerprint   string    `json:"fingerprint"`
	LastPushAt    time.Time `json:"lastPushAt"`
}

func toSaveResponse(d *model.SaveDocument) saveResponse {
	return saveResponse{
		PartieID:      d.SaveID,
		Snapshot:      d.Snapshot,
		Metadata:      d.Metadata,
		RemoteVersion: d.RemoteVersion,
		Fingerprint:   d.Fingerprint,
		LastPushAt:    d.LastPushedAt,
		LastPullAt:    d.LastPulledAt,
	}
}

func toListItems(in []model.SaveSummary) []listItem {
	out := make([]listItem, 0, len(in))
	for _, s := range in {
		out = append(out, listItem{
			PartieID:      s.SaveID,
			PlayerID:      s.Metadata.PlayerID,
			Name:          s.Metadata.Name,
			GameMode:      s.Metadata.GameMode,
			GameVersion:   s.Metadata.GameVersion,
			RemoteVersion: s.RemoteVersion,
			Fingerprint:   s.Fingerprint,
			LastPushAt:    s.LastPushedAt,
		})
	}
	return out
}
