package httpserver

import (
	"errors"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/kinder2149/paperclip-cloud/internal/errs"
	"github.com/kinder2149/paperclip-cloud/internal/metrics"
	"github.com/kinder2149/paperclip-cloud/internal/service"
)

// Logging returns a middleware for structured request logging and metrics.
func Logging(log *zap.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			dur := time.Since(start)
			m.HTTPRequest(r.Method, route, status, dur)

			// metadata only, no payloads
			log.Info("http",
				zap.String("method", r.Method),
				zap.String("route", route),
				zap.Int("status", status),
				zap.Duration("dur", dur),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

// Recover returns a middleware that turns panics into 500 responses.
func Recover(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					log.Error("panic",
						zap.Any("reason", rec),
						zap.ByteString("stack", debug.Stack()),
						zap.String("path", r.URL.Path),
						zap.String("request_id", middleware.GetReqID(r.Context())),
					)
					writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Detail: "internal error"})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAuth verifies the bearer token and stores the principal in context.
// API keys sent as X-Authorization are not accepted.
func RequireAuth(tokens service.TokenService, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				detail := "missing bearer token"
				if r.Header.Get("X-Authorization") != "" {
					detail = "JWT required"
				}
				unauthorized(w, "unauthenticated", detail)
				return
			}

			p, err := tokens.Verify(ctx, token)
			switch {
			case err == nil:
			case errors.Is(err, errs.ErrTokenExpired):
				unauthorized(w, "token_expired", "token expired")
				return
			case errors.Is(err, errs.ErrUnauthenticated):
				log.Debug("token rejected", zap.Error(err), zap.String("request_id", middleware.GetReqID(ctx)))
				unauthorized(w, "unauthenticated", "invalid token")
				return
			default:
				log.Error("token verification failed", zap.Error(err), zap.String("request_id", middleware.GetReqID(ctx)))
				writeError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(ctx, p)))
		})
	}
}

func bearerToken(h string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(h), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func unauthorized(w http.ResponseWriter, code, detail string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="paperclip"`)
	writeJSON(w, http.StatusUnauthorized, errorBody{Error: code, Detail: detail})
}
