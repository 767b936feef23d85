package server

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"chatmux/internal/dispatch"
	"chatmux/internal/registry"
	"chatmux/internal/session"
	"chatmux/internal/transcript"
)

// Server exposes the session operations over HTTP, streaming turn updates to
// the client as server-sent events.
type Server struct {
	orchestrator *session.Orchestrator
	sessions     *session.Manager
	registry     *registry.Registry
	store        *transcript.Store
	vision       bool
	logger       zerolog.Logger
}

type Config struct {
	Orchestrator *session.Orchestrator
	Sessions     *session.Manager
	Registry     *registry.Registry
	// Store is optional; without it the stats endpoint reports 404.
	Store  *transcript.Store
	Vision bool
	Logger zerolog.Logger
}

func New(cfg Config) *Server {
	return &Server{
		orchestrator: cfg.Orchestrator,
		sessions:     cfg.Sessions,
		registry:     cfg.Registry,
		store:        cfg.Store,
		vision:       cfg.Vision,
		logger:       cfg.Logger,
	}
}

// Register mounts the API routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/models", s.handleModels)
	mux.HandleFunc("POST /api/models/refresh", s.handleRefresh)
	mux.HandleFunc("POST /api/sessions/{key}/messages", s.handleMessage)
	mux.HandleFunc("POST /api/sessions/{key}/regenerate", s.handleRegenerate)
	mux.HandleFunc("POST /api/sessions/{key}/clear", s.handleClear)
	mux.HandleFunc("POST /api/sessions/{key}/vote", s.handleVote)
	mux.HandleFunc("GET /api/stats/{type}", s.handleStats)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no transcript store configured"})
		return
	}
	recordType := r.PathValue("type")
	switch recordType {
	case "chat", "upvote", "downvote", "flag":
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown record type"})
		return
	}
	counts, err := s.store.CountByModel(r.Context(), recordType)
	if err != nil {
		s.logger.Error().Err(err).Msg("stats query failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "stats query failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"type": recordType, "counts": counts})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	snap := s.registry.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"models": snap.Visible,
		"all":    snap.All,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	snap, err := s.registry.Rebuild(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"models": snap.Visible,
		"all":    snap.All,
	})
}

type messageRequest struct {
	Model          string   `json:"model"`
	Text           string   `json:"text"`
	Images         []string `json:"images,omitempty"`
	Temperature    float64  `json:"temperature"`
	TopP           float64  `json:"top_p"`
	MaxNewTokens   int      `json:"max_new_tokens"`
	UseRecommended bool     `json:"use_recommended"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	if req.Model == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "model is required"})
		return
	}

	ip := ClientIP(r)
	st := s.sessions.GetOrCreate(key, req.Model, s.vision)

	if notice := s.orchestrator.AddText(r.Context(), st, req.Text, ip, req.Images); notice != "" {
		writeJSON(w, http.StatusOK, map[string]string{"notice": notice})
		// The next dispatch is a no-op; no stream to run.
		for range s.orchestrator.Respond(r.Context(), st, genParams(req), ip, session.RespondOptions{}) {
		}
		return
	}

	s.streamUpdates(w, r, st, genParams(req), req.UseRecommended)
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	st, ok := s.sessions.Get(key)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no active session"})
		return
	}
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	if !s.orchestrator.Regenerate(st) {
		// Regeneration unsupported for this model class; transcript unchanged.
		writeJSON(w, http.StatusOK, map[string]string{"notice": "regeneration not supported"})
		for range s.orchestrator.Respond(r.Context(), st, genParams(req), ClientIP(r), session.RespondOptions{}) {
		}
		return
	}
	s.streamUpdates(w, r, st, genParams(req), req.UseRecommended)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	s.sessions.Clear(r.PathValue("key"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	st, ok := s.sessions.Get(r.PathValue("key"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no active session"})
		return
	}
	var req struct {
		Kind string `json:"kind"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	if err := s.orchestrator.Vote(r.Context(), st, req.Kind, ClientIP(r)); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) streamUpdates(w http.ResponseWriter, r *http.Request, st *session.State, params dispatch.GenParams, useRecommended bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	updates := s.orchestrator.Respond(r.Context(), st, params, ClientIP(r), session.RespondOptions{
		ApplyRateLimit: true,
		UseRecommended: useRecommended,
	})
	for u := range updates {
		payload, err := json.Marshal(u)
		if err != nil {
			s.logger.Error().Err(err).Msg("marshal update failed")
			return
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return
		}
		flusher.Flush()
	}
	_, _ = fmt.Fprint(w, "event: done\ndata: {}\n\n")
	flusher.Flush()
}

func genParams(req messageRequest) dispatch.GenParams {
	return dispatch.GenParams{
		Temperature:  req.Temperature,
		TopP:         req.TopP,
		MaxNewTokens: req.MaxNewTokens,
	}.Clamp()
}

// ClientIP applies the proxy-aware header precedence: the CDN header first,
// then the first forwarded-for hop, then the direct peer address.
func ClientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.Index(fwd, ","); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
