package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"opsdeck/internal/collab"
)

// Collaboration session actions over REST. Each handler calls a typed
// engine operation, so a rejection (ended session, non-participant, wrong
// owner) comes back as an error response instead of disappearing into the
// event stream the way a fire-and-forget envelope would.

// HandleCreateSession opens a collaboration session owned by the request
// user. An empty sessionId gets a generated one.
func (s *Server) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string   `json:"sessionId"`
		Project   string   `json:"project"`
		FilePath  string   `json:"filePath"`
		Invitees  []string `json:"invitees"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxPayloadBytes)).Decode(&req); err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON payload"})
		return
	}
	if _, err := s.Registry.Get(req.Project); err != nil {
		s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown project"})
		return
	}

	session, err := s.Engine.OpenSession(req.SessionID, req.Project, req.FilePath, s.sessionUser(), req.Invitees)
	if err != nil {
		s.respondCollabError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, session)
}

// handleSessionMember builds the handler for accept, decline, leave and
// close. The engine operation acts for the request user and returns the
// updated session.
func (s *Server) handleSessionMember(op func(sessionID, userID string) (collab.Session, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, err := op(chi.URLParam(r, "sessionID"), s.sessionUser())
		if err != nil {
			s.respondCollabError(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, session)
	}
}

// HandleSessionEdit replaces the shared buffer with the submitted content.
func (s *Server) HandleSessionEdit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxPayloadBytes)).Decode(&req); err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON payload"})
		return
	}

	session, err := s.Engine.EditSession(chi.URLParam(r, "sessionID"), s.sessionUser(), req.Content)
	if err != nil {
		s.respondCollabError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, session)
}

// HandleSessionCursor moves the request user's cursor.
func (s *Server) HandleSessionCursor(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Position int `json:"position"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxPayloadBytes)).Decode(&req); err != nil || req.Position < 0 {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid cursor position"})
		return
	}

	session, err := s.Engine.MoveSessionCursor(chi.URLParam(r, "sessionID"), s.sessionUser(), req.Position)
	if err != nil {
		s.respondCollabError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, session)
}

func (s *Server) respondCollabError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, collab.ErrSessionNotFound):
		s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown session"})
	case errors.Is(err, collab.ErrNotOwner),
		errors.Is(err, collab.ErrNotParticipant):
		s.respondJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
	case errors.Is(err, collab.ErrSessionExists),
		errors.Is(err, collab.ErrSessionNotActive),
		errors.Is(err, collab.ErrParticipantNotActive):
		s.respondJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		s.Logger.Error("Session action failed", "error", err)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Session action failed"})
	}
}
