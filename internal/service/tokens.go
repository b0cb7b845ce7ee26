package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/kinder2149/paperclip-cloud/internal/errs"
	"github.com/kinder2149/paperclip-cloud/internal/model"
)

// LegacySubjectPolicy decides what happens to tokens whose subject is not a
// canonical player UID, i.e. tokens minted before stable identities existed.
type LegacySubjectPolicy string

const (
	// LegacyReject refuses such tokens.
	LegacyReject LegacySubjectPolicy = "reject"
	// LegacyResolve maps the subject through the identity resolver under the
	// default provider. Unknown subjects are still refused.
	LegacyResolve LegacySubjectPolicy = "resolve"
)

// ParseLegacySubjectPolicy validates a policy name.
func ParseLegacySubjectPolicy(s string) (LegacySubjectPolicy, error) {
	switch p := LegacySubjectPolicy(s); p {
	case LegacyReject, LegacyResolve:
		return p, nil
	default:
		return "", fmt.Errorf("unknown legacy subject policy %q", s)
	}
}

// Claims is the session token payload.
type Claims struct {
	Providers      []model.ProviderRef `json:"providers,omitempty"`
	LegacyPlayerID string              `json:"legacy_playerId,omitempty"`
	jwt.RegisteredClaims
}

// TokenService issues and verifies stateless session tokens.
type TokenService interface {
	// Issue signs a token for the player. legacyPlayerID is stamped when the
	// login used the single-field legacy form.
	Issue(playerUID uuid.UUID, links []model.ProviderLink, legacyPlayerID string) (string, time.Time, error)
	// Verify checks signature and expiry and resolves the caller.
	Verify(ctx context.Context, token string) (model.Principal, error)
}

// TokenOptions configures TokenServiceImpl.
type TokenOptions struct {
	Secret          []byte
	TTL             time.Duration
	Policy          LegacySubjectPolicy
	DefaultProvider string
}

type TokenServiceImpl struct {
	opts     TokenOptions
	resolver IdentityResolver
	log      *zap.Logger
	now      func() time.Time
}

// NewTokenService constructs a TokenService. resolver is only used by the
// resolve policy and may be nil otherwise.
func NewTokenService(opts TokenOptions, resolver IdentityResolver, log *zap.Logger) *TokenServiceImpl {
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.Policy == "" {
		opts.Policy = LegacyReject
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &TokenServiceImpl{opts: opts, resolver: resolver, log: log, now: time.Now}
}

// Issue creates a signed HS256 JWT whose subject is the player UID.
func (s *TokenServiceImpl) Issue(playerUID uuid.UUID, links []model.ProviderLink, legacyPlayerID string) (string, time.Time, error) {
	if playerUID == uuid.Nil {
		return "", time.Time{}, fmt.Errorf("%w: empty player uid", errs.ErrInvalidArgument)
	}
	now := s.now()
	claims := Claims{
		LegacyPlayerID: legacyPlayerID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   playerUID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.opts.TTL)),
		},
	}
	for _, l := range links {
		claims.Providers = append(claims.Providers, model.ProviderRef{Provider: l.Provider, ID: l.ProviderUserID})
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.opts.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, claims.ExpiresAt.Time, nil
}

// Verify parses token with HS256 only, no leeway, and maps the subject to a
// player UID according to the legacy subject policy.
func (s *TokenServiceImpl) Verify(ctx context.Context, token string) (model.Principal, error) {
	if token == "" {
		return model.Principal{}, fmt.Errorf("%w: missing token", errs.ErrUnauthenticated)
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return s.opts.Secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return model.Principal{}, errs.ErrTokenExpired
	default:
		return model.Principal{}, fmt.Errorf("%w: invalid token", errs.ErrUnauthenticated)
	}

	p := model.Principal{
		Subject:   claims.Subject,
		Providers: claims.Providers,
		ExpiresAt: claims.ExpiresAt.Time,
	}
	if uid, ok := canonicalUID(claims.Subject); ok {
		p.PlayerUID = uid
		return p, nil
	}

	if s.opts.Policy != LegacyResolve || s.resolver == nil {
		return model.Principal{}, fmt.Errorf("%w: token subject is not a player uid", errs.ErrUnauthenticated)
	}
	uid, err := s.resolver.ResolveExisting(ctx, s.opts.DefaultProvider, claims.Subject)
	switch {
	case err == nil:
	case errors.Is(err, errs.ErrNotFound), errors.Is(err, errs.ErrInvalidArgument):
		return model.Principal{}, fmt.Errorf("%w: unknown token subject", errs.ErrUnauthenticated)
	default:
		return model.Principal{}, err
	}
	s.log.Debug("legacy token subject resolved", zap.Stringer("player_uid", uid))
	p.PlayerUID = uid
	p.Legacy = true
	return p, nil
}

// canonicalUID accepts only the lower-case hyphenated form of a v4 UUID.
func canonicalUID(sub string) (uuid.UUID, bool) {
	uid, err := uuid.FromString(sub)
	if err != nil || uid.Version() != uuid.V4 || uid.String() != sub {
		return uuid.Nil, false
	}
	return uid, true
}
