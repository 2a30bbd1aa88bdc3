// Package httpapi exposes the coordinator's HTTP surface: liveness and
// readiness probes, and the forwarded OpenAI-compatible endpoints.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/leonardtan13/aistudio-coordinator/internal/authkeys"
	"github.com/leonardtan13/aistudio-coordinator/internal/coordtypes"
	"github.com/leonardtan13/aistudio-coordinator/internal/routing"
)

const (
	completionTimeout = 60 * time.Second
	modelsTimeout     = 15 * time.Second
	cancelTimeout     = 10 * time.Second
)

// Registry is the surface the HTTP layer needs from the child
// registry.
type Registry interface {
	NextChild() *coordtypes.ChildProcess
	AllChildren() []*coordtypes.ChildProcess
	MarkUnhealthy(c *coordtypes.ChildProcess, reason string)
	ReadyChildren() []*coordtypes.ChildProcess
	UnhealthyNames() []string
}

// Server holds the wiring for the coordinator's HTTP surface.
type Server struct {
	registry Registry
	authKeys *authkeys.Store
	validate *validator.Validate
	log      *log.Logger
	mux      *http.ServeMux
}

// New builds the HTTP surface. authStore may be nil to disable the
// bearer-key gate entirely.
func New(registry Registry, authStore *authkeys.Store, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(os.Stdout, "[http] ", log.LstdFlags)
	}
	s := &Server{
		registry: registry,
		authKeys: authStore,
		validate: validator.New(),
		log:      logger,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

// Handler returns the root http.Handler, ready to pass to http.Server.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes() {
	s.mux.HandleFunc("GET /live", s.handleLive)
	s.mux.HandleFunc("GET /ready", s.handleReady)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("POST /v1/chat/completions", s.authed(http.HandlerFunc(s.handleChatCompletions)))
	s.mux.Handle("GET /v1/models", s.authed(http.HandlerFunc(s.handleModels)))
	s.mux.Handle("POST /v1/cancel/{id}", s.authed(http.HandlerFunc(s.handleCancel)))
}

// authed gates /v1/* behind the bearer-key check. Exempt endpoints
// (/live, /ready, /health) never pass through this wrapper.
func (s *Server) authed(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authKeys == nil || s.authKeys.Empty() {
			next.ServeHTTP(w, r)
			return
		}
		key := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if key == "" || !s.authKeys.Verify(key) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Invalid or missing API key."})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) readyPayload() (int, map[string]any) {
	ready := len(s.registry.ReadyChildren())
	unhealthy := s.registry.UnhealthyNames()
	total := len(s.registry.AllChildren())

	status := "ready"
	code := http.StatusOK
	if ready == 0 {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	return code, map[string]any{
		"status":             status,
		"ready_children":     ready,
		"unhealthy_children": unhealthy,
		"total_children":     total,
	}
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	code, body := s.readyPayload()
	writeJSON(w, code, body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	code, body := s.readyPayload()
	w.Header().Set("X-Deprecation-Notice", "Use /ready instead of /health.")
	writeJSON(w, code, body)
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "Could not read request body."})
		return
	}

	var req ChatCompletionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "Invalid JSON payload."})
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": err.Error()})
		return
	}
	if req.Stream {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "Streaming is not supported by the coordinator."})
		return
	}

	corrID := uuid.NewString()
	attempted := make(map[string]bool)
	for {
		child := s.registry.NextChild()
		if child == nil || attempted[child.Profile.Name] {
			s.log.Printf("correlation=%s: no healthy child proxies available after %d attempt(s)", corrID, len(attempted))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"detail": "No healthy child proxies available."})
			return
		}
		attempted[child.Profile.Name] = true
		s.log.Printf("correlation=%s: attempt %d forwarding to %s", corrID, len(attempted), child.Profile.Name)

		resp, err := routing.ForwardCompletion(r.Context(), child, raw, completionTimeout)
		if err != nil {
			var cre *routing.ChildRequestError
			if errors.As(err, &cre) && cre.Retryable {
				s.log.Printf("correlation=%s: %s failed retryably: %s", corrID, child.Profile.Name, cre.Message)
				s.registry.MarkUnhealthy(child, cre.Message)
				continue
			}
			writeJSON(w, http.StatusBadGateway, map[string]string{"detail": err.Error()})
			return
		}

		relay(w, resp)
		return
	}
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	corrID := uuid.NewString()
	attempted := make(map[string]bool)
	for {
		child := s.registry.NextChild()
		if child == nil || attempted[child.Profile.Name] {
			s.log.Printf("correlation=%s: no healthy child proxies available after %d attempt(s)", corrID, len(attempted))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"detail": "No healthy child proxies available."})
			return
		}
		attempted[child.Profile.Name] = true
		s.log.Printf("correlation=%s: attempt %d forwarding to %s", corrID, len(attempted), child.Profile.Name)

		resp, err := routing.ForwardModels(r.Context(), child, modelsTimeout)
		if err != nil {
			var cre *routing.ChildRequestError
			if errors.As(err, &cre) && cre.Retryable {
				s.log.Printf("correlation=%s: %s failed retryably: %s", corrID, child.Profile.Name, cre.Message)
				s.registry.MarkUnhealthy(child, cre.Message)
				continue
			}
			writeJSON(w, http.StatusBadGateway, map[string]string{"detail": err.Error()})
			return
		}

		relay(w, resp)
		return
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	reqID := r.PathValue("id")
	result := routing.BroadcastCancel(r.Context(), s.registry.AllChildren(), reqID, cancelTimeout)

	code := http.StatusNotFound
	if result.Success {
		code = http.StatusOK
	}
	writeJSON(w, code, map[string]any{
		"success":   result.Success,
		"completed": orEmpty(result.Responders),
		"failed":    orEmpty(result.Failures),
	})
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// hopByHopHeaders are stripped before relaying a child's response,
// matching the original's _relay_response.
var hopByHopHeaders = map[string]bool{
	"content-length":    true,
	"transfer-encoding": true,
	"connection":        true,
}

func relay(w http.ResponseWriter, resp *routing.ChildResponse) {
	for k, values := range resp.Header {
		if hopByHopHeaders[strings.ToLower(k)] {
			continue
		}
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
