// Package admin serves the local HTTP control surface: feeding sensations,
// toggling debug labels, streaming the bus and reading stage statistics.
package admin

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/user/psyche/internal/bus"
	"github.com/user/psyche/internal/debug"
	"github.com/user/psyche/internal/memory"
	"github.com/user/psyche/internal/scheduler"
	"github.com/user/psyche/internal/types"
	"github.com/user/psyche/internal/wit"
)

// Host is the running agent as seen by the admin server.
type Host interface {
	Feed(s types.Sensation)
	FeedFace(f types.FaceInfo)
	BreakEpisode()
	SubscribeRaw() *bus.RawSubscription
	Debug() *debug.Registry
	Stats() []wit.Stats
	Schedule() []scheduler.Entry
}

// Server is the admin HTTP handler.
type Server struct {
	host   Host
	memory memory.Store
	mux    *http.ServeMux
}

// NewServer creates a server for host. store may be nil when memory is not
// readable.
func NewServer(host Host, store memory.Store) *Server {
	s := &Server{
		host:   host,
		memory: store,
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /sensation", s.handleSensation)
	s.mux.HandleFunc("POST /faces", s.handleFaces)
	s.mux.HandleFunc("POST /break", s.handleBreak)
	s.mux.HandleFunc("GET /debug", s.handleDebugList)
	s.mux.HandleFunc("PUT /debug/{label}", s.handleDebugEnable)
	s.mux.HandleFunc("DELETE /debug/{label}", s.handleDebugDisable)
	s.mux.HandleFunc("GET /debug/reports", s.handleReports)
	s.mux.HandleFunc("GET /events", s.handleEvents)
	s.mux.HandleFunc("GET /stats", s.handleStats)
	s.mux.HandleFunc("GET /memory/{level}", s.handleMemory)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("admin server listening", "addr", addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("admin server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown admin server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// sensationRequest is the JSON body for POST /sensation.
type sensationRequest struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
	// Image is base64 encoded.
	Image string `json:"image,omitempty"`
}

func (s *Server) handleSensation(w http.ResponseWriter, r *http.Request) {
	var req sensationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Text == "" && req.Image == "" {
		writeError(w, http.StatusBadRequest, "text or image is required")
		return
	}
	if req.Kind == "" {
		req.Kind = types.KindHeard
	}
	sense := types.Sense{Kind: req.Kind, Text: req.Text}
	if req.Image != "" {
		img, err := base64.StdEncoding.DecodeString(req.Image)
		if err != nil {
			writeError(w, http.StatusBadRequest, "image must be base64")
			return
		}
		sense.Image = img
	}
	s.host.Feed(types.Sensation{What: sense, At: time.Now()})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleFaces(w http.ResponseWriter, r *http.Request) {
	var req types.FaceInfo
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Count < len(req.Names) {
		req.Count = len(req.Names)
	}
	s.host.FeedFace(req)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleBreak(w http.ResponseWriter, r *http.Request) {
	s.host.BreakEpisode()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleDebugList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"enabled": s.host.Debug().Labels()})
}

func (s *Server) handleDebugEnable(w http.ResponseWriter, r *http.Request) {
	label := r.PathValue("label")
	s.host.Debug().Enable(label)
	slog.Info("debug label enabled", "label", label)
	writeJSON(w, http.StatusOK, map[string]string{"label": label, "state": "enabled"})
}

func (s *Server) handleDebugDisable(w http.ResponseWriter, r *http.Request) {
	label := r.PathValue("label")
	s.host.Debug().Disable(label)
	slog.Info("debug label disabled", "label", label)
	writeJSON(w, http.StatusOK, map[string]string{"label": label, "state": "disabled"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"stages":   s.host.Stats(),
		"schedule": s.host.Schedule(),
	})
}

func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	if s.memory == nil {
		writeError(w, http.StatusServiceUnavailable, "memory not configured")
		return
	}
	level := bus.Topic(r.PathValue("level"))
	if !level.Valid() {
		writeError(w, http.StatusNotFound, "unknown level")
		return
	}
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	records, err := s.memory.Recent(r.Context(), level, limit)
	if err != nil {
		slog.Error("read memory failed", "level", level, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if records == nil {
		records = []memory.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}
