package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"teamcanvas/api/internal/auth"
	"teamcanvas/api/internal/logging"
	"teamcanvas/api/internal/util"
)

// editSessionHeader names the editor tab a request comes from. Two tabs of
// the same user hold separate edit sessions.
const editSessionHeader = "X-Edit-Session"

// maxBodyBytes bounds request bodies. A canvas with a few thousand nodes
// stays well below it.
const maxBodyBytes = 4 << 20

const readinessTimeout = 5 * time.Second

type HTTPServer struct {
	service    *Service
	corsOrigin string
	metrics    http.Handler
	log        logr.Logger
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		metrics:    promhttp.Handler(),
		log:        logging.Log().WithName("http"),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

// forbid writes a 403 and logs the denied action.
func (s *HTTPServer) forbid(w http.ResponseWriter, r *http.Request, session Session, action string) {
	logr.FromContextOrDiscard(r.Context()).V(1).Info("Forbidden", "user", session.UserID, "action", action)
	writeError(w, http.StatusForbidden, codeForbidden, "Forbidden", nil)
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	switch r.Method + " " + r.URL.Path {
	case "GET /api/health", "HEAD /api/health":
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	case "GET /api/ready", "HEAD /api/ready":
		s.handleReady(w, r)
		return
	case "GET /metrics":
		s.metrics.ServeHTTP(w, r)
		return
	case "GET /api/session":
		s.handleSessionInfo(w, r)
		return
	case "POST /api/session/login":
		s.handleLogin(w, r)
		return
	}

	parts := splitPath(r.URL.Path)

	// Unload beacons cannot set headers, so they carry the token in the query.
	beacon := r.Method == http.MethodPost && isBeaconPath(parts)
	session, ok := s.requireSession(w, r, beacon)
	if !ok {
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "teams" {
		s.handleTeam(w, r, session, parts[2], parts[3:])
		return
	}
	writeError(w, http.StatusNotFound, codeNotFound, "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	ready := true
	checks := map[string]any{}
	for _, c := range s.service.Readiness(ctx) {
		if c.Err != nil {
			ready = false
			checks[c.Name] = map[string]any{"status": "error", "error": c.Err.Error()}
			continue
		}
		checks[c.Name] = map[string]any{"status": "ok"}
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"ok": ready, "status": status, "checks": checks})
}

func (s *HTTPServer) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	anonymous := map[string]any{"authenticated": false, "userName": nil}
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, anonymous)
		return
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusOK, anonymous)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"userName":      session.UserName,
		"userId":        session.UserID,
	})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name   string `json:"name"`
		TeamID string `json:"teamId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.Login(r.Context(), body.Name, body.TeamID)
	if err != nil {
		logr.FromContextOrDiscard(r.Context()).Error(err, "Login failed")
		writeError(w, http.StatusInternalServerError, "LOGIN_FAILED", "Login failed", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     session.Token,
		"userName":  session.UserName,
		"userId":    session.UserID,
		"expiresAt": session.ExpiresAt.Unix(),
	})
}

func isBeaconPath(parts []string) bool {
	return len(parts) == 5 && parts[0] == "api" && parts[1] == "teams" && parts[3] == "canvas" && parts[4] == "beacon"
}

// requireSession resolves the caller. allowQueryToken also accepts the token
// and tab from the query string.
func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request, allowQueryToken bool) (Session, bool) {
	query := r.URL.Query()
	token := bearerToken(r)
	if token == "" && allowQueryToken {
		token = strings.TrimSpace(query.Get("token"))
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "Unauthorized", nil)
		return Session{}, false
	}

	session, err := s.service.SessionFromToken(r.Context(), token)
	switch {
	case errors.Is(err, auth.ErrExpiredToken), errors.Is(err, auth.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "Unauthorized", nil)
		return Session{}, false
	case err != nil:
		logr.FromContextOrDiscard(r.Context()).Error(err, "Session lookup failed")
		writeError(w, http.StatusInternalServerError, codeServer, "Session lookup failed", nil)
		return Session{}, false
	}

	session.Tab = strings.TrimSpace(r.Header.Get(editSessionHeader))
	if session.Tab == "" && allowQueryToken {
		session.Tab = strings.TrimSpace(query.Get("session"))
	}
	return session, true
}

// withMiddleware tags each request with an id, attaches a request scoped
// logger to its context and writes one access log line per request.
func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewID("")[:16]
		}
		log := s.log.WithValues("request_id", requestID, "method", r.Method, "path", r.URL.Path)
		r = r.WithContext(logr.NewContext(r.Context(), log))

		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		h := rec.Header()
		h.Set("X-Request-ID", requestID)
		h.Set("Access-Control-Allow-Origin", s.corsOrigin)
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, "+editSessionHeader)
		h.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")

		started := time.Now()
		next.ServeHTTP(rec, r)
		log.Info("Request", "status", rec.status, "bytes", rec.bytes, "duration_ms", time.Since(started).Milliseconds())
	})
}

type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError writes the flat error envelope {code, error, details}.
func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	envelope := struct {
		Code    string `json:"code"`
		Error   string `json:"error"`
		Details any    `json:"details,omitempty"`
	}{code, message, details}
	writeJSON(w, status, envelope)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return fmt.Errorf("body exceeds %d bytes", maxBodyBytes)
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	token, ok := strings.CutPrefix(strings.TrimSpace(r.Header.Get("Authorization")), "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		logr.FromContextOrDiscard(r.Context()).Error(err, "Request failed")
	}
	writeError(w, status, code, message, details)
}
