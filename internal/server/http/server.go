// Package httpserver exposes the login and cloud save API over HTTP.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kinder2149/paperclip-cloud/internal/errs"
	"github.com/kinder2149/paperclip-cloud/internal/metrics"
	"github.com/kinder2149/paperclip-cloud/internal/model"
	"github.com/kinder2149/paperclip-cloud/internal/service"
)

// Probe reports whether a backend can serve requests.
type Probe func(ctx context.Context) error

// Deps are the services and observability hooks the server wires into handlers.
type Deps struct {
	Auth   service.AuthService
	Saves  service.SaveService
	Tokens service.TokenService
	Log    *zap.Logger
	// Metrics and Gatherer may be nil; /metrics is only mounted with a Gatherer.
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	// Ready is checked by /healthz. Nil means always ready.
	Ready Probe
	// MaxBodyBytes caps request bodies; 0 means 1 MiB.
	MaxBodyBytes int64
	// RequestTimeout bounds handler execution; 0 means 30s.
	RequestTimeout time.Duration
	// TrustProxyHeaders lets X-Forwarded-For/X-Real-IP replace the peer
	// address, which keys the login throttle.
	TrustProxyHeaders bool
}

// Server wires services into HTTP handlers.
type Server struct {
	d Deps
}

// New constructs an HTTP server with injected services.
func New(d Deps) *Server {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.MaxBodyBytes <= 0 {
		d.MaxBodyBytes = 1 << 20
	}
	if d.RequestTimeout <= 0 {
		d.RequestTimeout = 30 * time.Second
	}
	return &Server{d: d}
}

// Handler builds the router. API routes are served both at the root and
// under /api.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if s.d.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(Logging(s.d.Log, s.d.Metrics))
	r.Use(Recover(s.d.Log))

	r.Get("/healthz", s.handleHealth)
	if s.d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.d.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(s.routes)
	r.Route("/api", s.routes)
	return r
}

func (s *Server) routes(r chi.Router) {
	r.Use(middleware.Timeout(s.d.RequestTimeout))
	r.Post("/auth/login", s.handleLogin)

	r.Route("/cloud/parties", func(r chi.Router) {
		r.Use(RequireAuth(s.d.Tokens, s.d.Log))
		r.Get("/", s.handleList)
		r.Put("/{saveID}", s.handlePut)
		r.Get("/{saveID}", s.handleGet)
		r.Get("/{saveID}/status", s.handleStatus)
		r.Delete("/{saveID}", s.handleDelete)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status, body := mapError(err)
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="paperclip"`)
	}
	writeJSON(w, status, body)
}

// logFailure records server-side failures; client errors are only counted.
func (s *Server) logFailure(r *http.Request, op string, err error) {
	if status, _ := mapError(err); status >= 500 {
		s.d.Log.Error(op+" failed", zap.Error(err), zap.String("request_id", middleware.GetReqID(r.Context())))
	}
}

// decode reads a size-capped JSON body into v.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.d.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return fmt.Errorf("%w: request body exceeds %d bytes", errs.ErrPayloadTooLarge, tooBig.Limit)
		}
		return fmt.Errorf("%w: malformed JSON body", errs.ErrInvalidArgument)
	}
	return nil
}

func setVersionHeaders(w http.ResponseWriter, fingerprint string, remoteVersion int64) {
	w.Header().Set("ETag", strconv.Quote(fingerprint))
	w.Header().Set("X-Remote-Version", strconv.FormatInt(remoteVersion, 10))
}

func caller(r *http.Request) model.Principal {
	p, _ := PrincipalFromCtx(r.Context())
	return p
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.d.Ready != nil {
		if err := s.d.Ready(r.Context()); err != nil {
			s.d.Log.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := s.decode(w, r, &req); err != nil {
		status, body := loginStatus(err)
		writeJSON(w, status, body)
		return
	}
	res, err := s.d.Auth.Login(r.Context(), model.LoginRequest{
		Provider:       req.Provider,
		ProviderUserID: req.ProviderUserID,
		PlayerID:       req.PlayerID,
	}, clientIP(r))
	if err != nil {
		s.logFailure(r, "login", err)
		status, body := loginStatus(err)
		writeJSON(w, status, body)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken: res.AccessToken,
		TokenType:   "bearer",
		ExpiresAt:   res.ExpiresAt.UTC(),
		PlayerUID:   res.PlayerUID.String(),
	})
}

func preconditions(r *http.Request) model.Preconditions {
	var pre model.Preconditions
	if v, ok := r.Header["If-Match"]; ok && len(v) > 0 {
		s := v[0]
		pre.IfMatch = &s
	}
	if v, ok := r.Header["If-None-Match"]; ok && len(v) > 0 {
		s := v[0]
		pre.IfNoneMatch = &s
	}
	return pre
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	var req putRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	doc, err := s.d.Saves.Put(r.Context(), caller(r).PlayerUID, chi.URLParam(r, "saveID"),
		model.PutSave{Snapshot: req.Snapshot, Metadata: req.Metadata}, preconditions(r))
	if err != nil {
		s.logFailure(r, "put save", err)
		writeError(w, err)
		return
	}
	setVersionHeaders(w, doc.Fingerprint, doc.RemoteVersion)
	writeJSON(w, http.StatusOK, putResponse{
		OK:            true,
		PartieID:      doc.SaveID,
		RemoteVersion: doc.RemoteVersion,
		Fingerprint:   doc.Fingerprint,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	doc, err := s.d.Saves.Get(r.Context(), caller(r).PlayerUID, chi.URLParam(r, "saveID"))
	if err != nil {
		s.logFailure(r, "get save", err)
		writeError(w, err)
		return
	}
	setVersionHeaders(w, doc.Fingerprint, doc.RemoteVersion)
	writeJSON(w, http.StatusOK, toSaveResponse(doc))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.d.Saves.Status(r.Context(), caller(r).PlayerUID, chi.URLParam(r, "saveID"))
	if err != nil {
		s.logFailure(r, "save status", err)
		writeError(w, err)
		return
	}
	setVersionHeaders(w, st.Fingerprint, st.RemoteVersion)
	writeJSON(w, http.StatusOK, statusResponse{
		PartieID:      st.SaveID,
		SyncState:     "in_sync",
		RemoteVersion: st.RemoteVersion,
		Fingerprint:   st.Fingerprint,
		LastPushAt:    st.LastPushedAt,
		LastPullAt:    st.LastPulledAt,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	playerID := q.Get("player_id")
	if playerID == "" {
		playerID = q.Get("playerId")
	}
	items, err := s.d.Saves.List(r.Context(), caller(r).PlayerUID, playerID)
	if err != nil {
		s.logFailure(r, "list saves", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toListItems(items))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	saveID := chi.URLParam(r, "saveID")
	if err := s.d.Saves.Delete(r.Context(), caller(r).PlayerUID, saveID); err != nil {
		s.logFailure(r, "delete save", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "partieId": saveID})
}
