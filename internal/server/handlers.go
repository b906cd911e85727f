package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/michaelbrown/pulse/internal/orchestrator"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// --- Health ---

type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	InFlight int    `json:"in_flight"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Sessions: len(s.sessions.List()),
		InFlight: s.sessions.InFlight(),
	})
}

// --- Runs ---

type runRequest struct {
	Code string `json:"code"`
}

type runResponse struct {
	ID     string               `json:"id"`
	State  string               `json:"state"`
	Events []orchestrator.Event `json:"events"`
}

// eventBuffer collects a submission's events for a single response.
type eventBuffer struct {
	mu     sync.Mutex
	events []orchestrator.Event
}

func (b *eventBuffer) Emit(e orchestrator.Event) {
	b.mu.Lock()
	b.events = append(b.events, e)
	b.mu.Unlock()
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	limit := int64(s.cfg.Server.MaxSourceBytes)
	r.Body = http.MaxBytesReader(w, r.Body, s.frameLimit())

	var req runRequest
	if err := decodeJSON(r, &req); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes; the source limit is %d", tooBig.Limit, limit))
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if int64(len(req.Code)) > limit {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("source is %d bytes; the limit is %d", len(req.Code), limit))
		return
	}

	// The request context ends the submission if the client goes away.
	var buf eventBuffer
	res := s.runner.Submit(r.Context(), orchestrator.NewSubmission(req.Code), &buf)

	events := buf.events
	if events == nil {
		events = []orchestrator.Event{}
	}
	writeJSON(w, http.StatusOK, runResponse{
		ID:     res.ID,
		State:  string(res.State),
		Events: events,
	})
}

// --- Sessions ---

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.List())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.sessions.Remove(id) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
