// Package service contains application services for identity, sessions and cloud saves.
package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kinder2149/paperclip-cloud/internal/errs"
	"github.com/kinder2149/paperclip-cloud/internal/limiter"
	"github.com/kinder2149/paperclip-cloud/internal/metrics"
	"github.com/kinder2149/paperclip-cloud/internal/model"
)

// LoginScope is the limiter scope of login attempts.
const LoginScope = "login"

// AuthService defines the login operation.
type AuthService interface {
	// Login resolves the caller's identity and issues a session token, applying
	// rate limiting by client address.
	Login(ctx context.Context, req model.LoginRequest, ip string) (model.LoginResult, error)
}

// AuthOptions configures AuthServiceImpl.
type AuthOptions struct {
	AllowLegacyLogin bool
	DefaultProvider  string
}

type AuthServiceImpl struct {
	ids    IdentityResolver
	tokens TokenService
	lim    limiter.Limiter
	opts   AuthOptions
	log    *zap.Logger
	m      *metrics.Metrics
}

// NewAuthService constructs AuthService with required dependencies. lim and m may be nil.
func NewAuthService(ids IdentityResolver, tokens TokenService, lim limiter.Limiter, opts AuthOptions, log *zap.Logger, m *metrics.Metrics) *AuthServiceImpl {
	if lim == nil {
		lim = limiter.Noop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &AuthServiceImpl{ids: ids, tokens: tokens, lim: lim, opts: opts, log: log, m: m}
}

// identity picks the provider pair of a request, falling back to the legacy
// single playerId form when it is enabled.
func (s *AuthServiceImpl) identity(req model.LoginRequest) (provider, id, legacy string, err error) {
	if strings.TrimSpace(req.Provider) != "" || strings.TrimSpace(req.ProviderUserID) != "" {
		provider, id, err = NormalizeIdentity(req.Provider, req.ProviderUserID)
		return provider, id, "", err
	}
	pid := strings.TrimSpace(req.PlayerID)
	if pid == "" || !s.opts.AllowLegacyLogin {
		return "", "", "", fmt.Errorf("%w: provider and provider_user_id are required", errs.ErrInvalidArgument)
	}
	provider, id, err = NormalizeIdentity(s.opts.DefaultProvider, pid)
	return provider, id, pid, err
}

// Login authenticates with rate limiting by client ip.
func (s *AuthServiceImpl) Login(ctx context.Context, req model.LoginRequest, ip string) (res model.LoginResult, err error) {
	defer func() { s.m.Login(outcome(err)) }()

	ipHash := limiter.HashIP(ip)
	allowed, _, err := s.lim.Allow(ctx, LoginScope, ipHash)
	if err != nil {
		return model.LoginResult{}, errs.Unavailable("login limiter", err)
	}
	if !allowed {
		return model.LoginResult{}, errs.ErrRateLimited
	}
	// Every attempt counts, valid or not.
	if blocked, _, herr := s.lim.Hit(ctx, LoginScope, ipHash); herr != nil {
		s.log.Warn("login limiter hit failed", zap.Error(herr))
	} else if blocked {
		return model.LoginResult{}, errs.ErrRateLimited
	}

	provider, id, legacy, err := s.identity(req)
	if err != nil {
		return model.LoginResult{}, err
	}

	uid, err := s.ids.ResolveOrCreate(ctx, provider, id)
	if err != nil {
		return model.LoginResult{}, err
	}
	links, err := s.ids.ListLinks(ctx, uid)
	if err != nil {
		return model.LoginResult{}, err
	}
	token, exp, err := s.tokens.Issue(uid, links, legacy)
	if err != nil {
		return model.LoginResult{}, fmt.Errorf("issue token: %w", err)
	}
	s.log.Info("login", zap.String("provider", provider), zap.Stringer("player_uid", uid), zap.Bool("legacy", legacy != ""))
	return model.LoginResult{AccessToken: token, ExpiresAt: exp, PlayerUID: uid}, nil
}
