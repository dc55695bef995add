// Package api exposes the read-mostly status surface of the sync engine over
// HTTP, for the host application's badges and operators' curl sessions.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"driftsync/internal/config"
	"driftsync/internal/engine"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// HTTPServer serves sync status and the manual retry endpoint.
type HTTPServer struct {
	cfg    config.APIConfig
	eng    *engine.Engine
	server *http.Server
	auth   *httpAuth
	logger zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, eng *engine.Engine, logger zerolog.Logger) *HTTPServer {
	mux := http.NewServeMux()
	srv := &HTTPServer{cfg: cfg, eng: eng, logger: logger}
	srv.auth = newHTTPAuth(cfg)

	mux.HandleFunc("/api/v1/status/", srv.handleStatus)
	mux.HandleFunc("/api/v1/summary", srv.handleSummary)
	mux.HandleFunc("/api/v1/retry/", srv.handleRetry)

	handler := srv.loggingMiddleware(srv.auth.wrap(mux))

	root := http.NewServeMux()
	root.HandleFunc("/healthz", srv.handleHealth) // unauthenticated
	root.Handle("/", handler)

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           root,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	return srv
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return errors.New("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("status API listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler exposes the configured handler for tests.
func (s *HTTPServer) Handler() http.Handler { return s.server.Handler }

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	itemID := pathSuffix(r.URL.Path, "/api/v1/status/")
	if itemID == "" {
		writeError(w, http.StatusBadRequest, "item id is required")
		return
	}

	rec, found, err := s.eng.Status(r.Context(), itemID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "status lookup failed")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "unknown item")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *HTTPServer) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	summary, err := s.eng.Summary(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "summary failed")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *HTTPServer) handleRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	itemID := pathSuffix(r.URL.Path, "/api/v1/retry/")
	if itemID == "" {
		writeError(w, http.StatusBadRequest, "item id is required")
		return
	}

	err := s.eng.RetrySingle(r.Context(), itemID)
	switch {
	case errors.Is(err, engine.ErrUnknownItem):
		writeError(w, http.StatusNotFound, "unknown item")
	case err != nil:
		// The retry was attempted; the item is back in the automatic
		// rotation. Report the failure without a 5xx.
		writeJSON(w, http.StatusOK, map[string]any{"retried": true, "synced": false, "error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"retried": true, "synced": true})
	}
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("api request")
	})
}

func pathSuffix(path, prefix string) string {
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	suffix := strings.TrimSpace(strings.TrimPrefix(path, prefix))
	if strings.Contains(suffix, "/") {
		return ""
	}
	return suffix
}

// httpAuth provides API-key auth and per-key rate limiting.
type httpAuth struct {
	cfg      config.APIConfig
	limiters map[string]*rate.Limiter
}

func newHTTPAuth(cfg config.APIConfig) *httpAuth {
	limiters := make(map[string]*rate.Limiter, len(cfg.Auth.APIKeys))
	if cfg.RateLimit.RPS > 0 {
		burst := cfg.RateLimit.Burst
		if burst <= 0 {
			burst = 5
		}
		for _, key := range cfg.Auth.APIKeys {
			limiters[key] = rate.NewLimiter(rate.Limit(cfg.RateLimit.RPS), burst)
		}
	}
	return &httpAuth{cfg: cfg, limiters: limiters}
}

func (a *httpAuth) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.cfg.Auth.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		header := a.cfg.Auth.HeaderAPIKey
		if header == "" {
			header = "x-api-key"
		}
		provided := strings.TrimSpace(r.Header.Get(header))
		if provided == "" {
			writeError(w, http.StatusUnauthorized, "missing api key")
			return
		}

		var matched string
		for _, key := range a.cfg.Auth.APIKeys {
			if subtle.ConstantTimeCompare([]byte(provided), []byte(key)) == 1 {
				matched = key
			}
		}
		if matched == "" {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}

		if lim, ok := a.limiters[matched]; ok && !lim.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
