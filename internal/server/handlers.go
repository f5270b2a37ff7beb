package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	gh "github.com/google/go-github/v57/github"

	"opsdeck/internal/deploy"
	"opsdeck/internal/event"
	"opsdeck/internal/github"
	"opsdeck/internal/notify"
	"opsdeck/internal/security"
)

const (
	MaxPayloadBytes = 1_000_000 // 1 MB

	// DefaultHistoryLimit caps history responses when no limit is given.
	DefaultHistoryLimit = 50
)

// HandleWebhook handles GitHub webhook requests
func (s *Server) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	projectName := chi.URLParam(r, "projectName")

	// Validate project name for security
	if err := security.ValidateProjectName(projectName); err != nil {
		s.Logger.Warn("Invalid project name in webhook request", "project", projectName, "error", err)
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Invalid project name: %v", err)})
		return
	}

	// Check if project exists
	proj, err := s.Registry.Get(projectName)
	if err != nil {
		s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown project"})
		return
	}

	// Check payload size (ContentLength can be -1 if not set, so check for both > 0 and > max)
	if r.ContentLength > MaxPayloadBytes {
		s.respondJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "Payload too large"})
		return
	}

	eventType := gh.WebHookType(r)
	if eventType == "" {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing X-GitHub-Event header"})
		return
	}

	// Reads the body and verifies the HMAC-SHA256 signature against the
	// project's secret.
	payload, err := gh.ValidatePayload(r, []byte(proj.Secret))
	if err != nil {
		s.Logger.Warn("Webhook signature validation failed", "project", projectName, "error", err)
		s.respondJSON(w, http.StatusForbidden, map[string]string{"error": "Invalid signature"})
		return
	}

	envelopes, err := github.Translate(projectName, eventType, payload)
	if err != nil {
		s.Logger.Error("Failed to translate webhook payload", "project", projectName, "event", eventType, "error", err)
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid payload"})
		return
	}

	accepted := 0
	for _, env := range envelopes {
		// Pushes only deploy from the project's configured branch.
		if eventType == "push" && env.Type == event.TypeDeploymentTriggered {
			var trig struct {
				Branch string `json:"branch"`
			}
			if err := json.Unmarshal(env.Payload, &trig); err != nil || !proj.MatchesRef("refs/heads/"+trig.Branch) {
				continue
			}
		}
		s.Engine.ProcessEnvelope(env)
		accepted++
	}

	if accepted == 0 {
		s.respondJSON(w, http.StatusOK, map[string]string{"message": "Nothing to process"})
		return
	}

	// Acknowledge before the events are applied; GitHub webhooks have a
	// 10-second timeout and the engine processes asynchronously.
	s.respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"message": "Accepted",
		"project": projectName,
		"events":  accepted,
	})
}

// HandleHealth handles health check requests
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	projectNames := s.Registry.List()

	response := map[string]interface{}{
		"status":        "ok",
		"projects":      projectNames,
		"project_count": s.Registry.Count(),
	}

	s.respondJSON(w, http.StatusOK, response)
}

// HandleListDeployments returns all deployment records plus the queue of
// deployments waiting for their concurrency slot.
func (s *Server) HandleListDeployments(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"deployments": s.Engine.Deployments(),
		"queued":      s.Engine.QueuedDeployments(),
	})
}

// HandleGetDeployment returns a single deployment record
func (s *Server) HandleGetDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deploymentID")
	rec, ok := s.Engine.Deployment(id)
	if !ok {
		s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown deployment"})
		return
	}
	s.respondJSON(w, http.StatusOK, rec)
}

// HandleRetryDeployment restarts a failed or cancelled deployment
func (s *Server) HandleRetryDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deploymentID")
	if err := s.Engine.RetryDeployment(r.Context(), id, s.sessionUser()); err != nil {
		s.respondDeployError(w, err)
		return
	}
	rec, _ := s.Engine.Deployment(id)
	s.respondJSON(w, http.StatusOK, rec)
}

// HandleCancelDeployment cancels a pending or building deployment
func (s *Server) HandleCancelDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deploymentID")
	if err := s.Engine.CancelDeployment(r.Context(), id, s.sessionUser()); err != nil {
		s.respondDeployError(w, err)
		return
	}
	rec, _ := s.Engine.Deployment(id)
	s.respondJSON(w, http.StatusOK, rec)
}

// HandleRollbackDeployment starts a rollback of a succeeded deployment
func (s *Server) HandleRollbackDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deploymentID")
	newID, err := s.Engine.RollbackDeployment(r.Context(), id, s.sessionUser())
	if err != nil {
		s.respondDeployError(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]string{"id": newID, "rollback_of": id})
}

// HandlePresence returns the current presence entries for a project
func (s *Server) HandlePresence(w http.ResponseWriter, r *http.Request) {
	projectName, ok := s.requireProject(w, r)
	if !ok {
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"project":  projectName,
		"presence": s.Engine.Presence(projectName),
	})
}

// HandleConflicts returns the derived editing conflicts for a project
func (s *Server) HandleConflicts(w http.ResponseWriter, r *http.Request) {
	projectName, ok := s.requireProject(w, r)
	if !ok {
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"project":   projectName,
		"conflicts": s.Engine.Conflicts(projectName),
	})
}

// HandleHistory returns persisted deployment records for a project, newest
// first. Live records come from /api/deployments; this endpoint reads the
// store.
func (s *Server) HandleHistory(w http.ResponseWriter, r *http.Request) {
	projectName, ok := s.requireProject(w, r)
	if !ok {
		return
	}

	limit := DefaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid limit"})
			return
		}
		limit = parsed
	}

	records := []deploy.Record{}
	if s.History != nil {
		var err error
		records, err = s.History.DeploymentHistory(r.Context(), projectName, limit)
		if err != nil {
			s.Logger.Error("Failed to read deployment history", "project", projectName, "error", err)
			s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to read history"})
			return
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"project": projectName,
		"history": records,
	})
}

// HandleListSessions returns all collaboration sessions
func (s *Server) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": s.Engine.Sessions(),
	})
}

// HandleGetSession returns a single collaboration session
func (s *Server) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	session, ok := s.Engine.Session(id)
	if !ok {
		s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown session"})
		return
	}
	s.respondJSON(w, http.StatusOK, session)
}

// HandleListNotifications returns the notification list in presentation
// order: unread newest-first, then read newest-first.
func (s *Server) HandleListNotifications(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": s.Engine.Notifications(),
	})
}

// HandleBadge returns the unread count and high-priority flag
func (s *Server) HandleBadge(w http.ResponseWriter, r *http.Request) {
	count, urgent := s.Engine.Badge()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"unread": count,
		"urgent": urgent,
	})
}

// HandleMarkRead flags a notification as read
func (s *Server) HandleMarkRead(w http.ResponseWriter, r *http.Request) {
	s.respondNotifyResult(w, s.Engine.MarkNotificationRead(chi.URLParam(r, "notificationID")))
}

// HandleMarkUnread clears a notification's read flag
func (s *Server) HandleMarkUnread(w http.ResponseWriter, r *http.Request) {
	s.respondNotifyResult(w, s.Engine.MarkNotificationUnread(chi.URLParam(r, "notificationID")))
}

// HandleDismiss removes a notification permanently
func (s *Server) HandleDismiss(w http.ResponseWriter, r *http.Request) {
	s.respondNotifyResult(w, s.Engine.DismissNotification(chi.URLParam(r, "notificationID")))
}

// HandleGetPreferences returns the active notification preferences
func (s *Server) HandleGetPreferences(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.Engine.Preferences())
}

// HandlePutPreferences replaces the preference set wholesale
func (s *Server) HandlePutPreferences(w http.ResponseWriter, r *http.Request) {
	var prefs notify.Preferences
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxPayloadBytes)).Decode(&prefs); err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON payload"})
		return
	}

	// Reject unparseable quiet hours up front instead of at delivery time.
	if prefs.QuietHours.Enabled {
		if _, err := prefs.QuietHours.Contains(time.Now()); err != nil {
			s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Invalid quiet hours: %v", err)})
			return
		}
	}

	if err := s.Engine.SavePreferences(r.Context(), prefs); err != nil {
		s.Logger.Error("Failed to save preferences", "error", err)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to save preferences"})
		return
	}
	s.respondJSON(w, http.StatusOK, s.Engine.Preferences())
}

// requireProject validates the project URL parameter and checks it exists
func (s *Server) requireProject(w http.ResponseWriter, r *http.Request) (string, bool) {
	projectName := chi.URLParam(r, "projectName")
	if err := security.ValidateProjectName(projectName); err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Invalid project name: %v", err)})
		return "", false
	}
	if _, err := s.Registry.Get(projectName); err != nil {
		s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown project"})
		return "", false
	}
	return projectName, true
}

func (s *Server) respondDeployError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, deploy.ErrNotFound):
		s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown deployment"})
	case errors.Is(err, deploy.ErrNotRetryable),
		errors.Is(err, deploy.ErrNotRollbackable),
		errors.Is(err, deploy.ErrStillBuilding),
		errors.Is(err, deploy.ErrInvalidTransition):
		s.respondJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		s.Logger.Error("Deployment action failed", "error", err)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Deployment action failed"})
	}
}

func (s *Server) respondNotifyResult(w http.ResponseWriter, err error) {
	if err != nil {
		if errors.Is(err, notify.ErrNotificationNotFound) {
			s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown notification"})
			return
		}
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// sessionUser names the acting user for the audit log.
func (s *Server) sessionUser() string {
	return s.User
}

// respondJSON sends a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.Logger.Error("Failed to encode JSON response", "error", err)
	}
}
