package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// apiError is a non-2xx answer decoded from the server's error envelope.
type apiError struct {
	Status int
	Code   string `json:"error"`
	Detail string `json:"detail"`
}

func (e *apiError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("http %d %s: %s", e.Status, e.Code, e.Detail)
	}
	return fmt.Sprintf("http %d %s", e.Status, e.Code)
}

type client struct {
	base  string
	http  *http.Client
	token string
}

func newClient(base, token string, timeout time.Duration) *client {
	return &client{
		base:  strings.TrimRight(base, "/"),
		http:  &http.Client{Timeout: timeout},
		token: token,
	}
}

type loginResult struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	PlayerUID   string    `json:"player_uid"`
}

type putResult struct {
	OK            bool   `json:"ok"`
	PartieID      string `json:"partieId"`
	RemoteVersion int64  `json:"remoteVersion"`
	Fingerprint   string `json:"fingerprint"`
}

type statusResult struct {
	PartieID      string     `json:"partieId"`
	SyncState     string     `json:"syncState"`
	RemoteVersion int64      `json:"remoteVersion"`
	Fingerprint   string     `json:"fingerprint"`
	LastPushAt    time.Time  `json:"lastPushAt"`
	LastPullAt    *time.Time `json:"lastPullAt"`
}

// precondition carries the conditional headers of a push.
type precondition struct {
	create bool
	etag   string
}

func (c *client) do(ctx context.Context, method, path string, body []byte, hdr http.Header, out any) (http.Header, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	for k, v := range hdr {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode/100 != 2 {
		ae := &apiError{Status: resp.StatusCode}
		if json.Unmarshal(raw, ae) != nil || ae.Code == "" {
			ae.Code = http.StatusText(resp.StatusCode)
		}
		return resp.Header, ae
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.Header, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return resp.Header, nil
}

func savePath(id string) string { return "/api/cloud/parties/" + url.PathEscape(id) }

func (c *client) login(ctx context.Context, provider, providerUserID, legacyPlayerID string) (loginResult, error) {
	body, _ := json.Marshal(map[string]string{
		"provider":         provider,
		"provider_user_id": providerUserID,
		"playerId":         legacyPlayerID,
	})
	var out loginResult
	if _, err := c.do(ctx, http.MethodPost, "/api/auth/login", body, nil, &out); err != nil {
		return loginResult{}, err
	}
	if out.AccessToken == "" {
		return loginResult{}, errors.New("login: empty token")
	}
	if out.ExpiresAt.IsZero() {
		out.ExpiresAt = tokenExpiry(out.AccessToken)
	}
	return out, nil
}

// tokenExpiry reads exp without verifying the signature; the server does that.
func tokenExpiry(tok string) time.Time {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}
	return time.Now().Add(15 * time.Minute)
}

// push uploads body, a JSON object with snapshot and metadata, and returns the
// result plus the new entity tag.
func (c *client) push(ctx context.Context, id string, body []byte, pre precondition) (putResult, string, error) {
	hdr := http.Header{}
	switch {
	case pre.create:
		hdr.Set("If-None-Match", "*")
	case pre.etag != "":
		hdr.Set("If-Match", quoteETag(pre.etag))
	}
	var out putResult
	h, err := c.do(ctx, http.MethodPut, savePath(id), body, hdr, &out)
	if err != nil {
		return putResult{}, "", err
	}
	return out, unquoteETag(h.Get("ETag")), nil
}

// pull returns the raw save document and its entity tag.
func (c *client) pull(ctx context.Context, id string) (json.RawMessage, string, error) {
	var out json.RawMessage
	h, err := c.do(ctx, http.MethodGet, savePath(id), nil, nil, &out)
	if err != nil {
		return nil, "", err
	}
	return out, unquoteETag(h.Get("ETag")), nil
}

func (c *client) status(ctx context.Context, id string) (statusResult, error) {
	var out statusResult
	_, err := c.do(ctx, http.MethodGet, savePath(id)+"/status", nil, nil, &out)
	return out, err
}

func (c *client) list(ctx context.Context, playerID string) (json.RawMessage, error) {
	var out json.RawMessage
	_, err := c.do(ctx, http.MethodGet, "/api/cloud/parties?player_id="+url.QueryEscape(playerID), nil, nil, &out)
	return out, err
}

func (c *client) remove(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, savePath(id), nil, nil, nil)
	return err
}

func quoteETag(s string) string {
	if strings.HasPrefix(s, `"`) || strings.HasPrefix(s, "W/") {
		return s
	}
	return `"` + s + `"`
}

func unquoteETag(s string) string {
	return strings.Trim(strings.TrimPrefix(strings.TrimSpace(s), "W/"), `"`)
}
