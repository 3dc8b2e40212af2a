package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Tellivision/newsletter/internal/auth"
	"github.com/Tellivision/newsletter/internal/dispatch"
	"github.com/Tellivision/newsletter/internal/mailer"
	"github.com/Tellivision/newsletter/internal/pkg/logger"
	"github.com/Tellivision/newsletter/internal/schedule"
)

// SessionSource resolves the authenticated user for a request.
type SessionSource interface {
	GetSession(r *http.Request) *auth.Session
	IsAuthenticated(r *http.Request) bool
}

// CredentialSource supplies the delegated sending credential for a user.
type CredentialSource interface {
	CredentialFor(ownerEmail string) (mailer.Credential, bool)
}

// Handlers holds the HTTP handlers for the newsletter API.
type Handlers struct {
	sessions    SessionSource
	credentials CredentialSource
	store       schedule.Store
	coordinator *dispatch.Coordinator
	mailers     mailer.Provider
	log         *logger.Logger
}

// NewHandlers creates the API handlers.
func NewHandlers(sessions SessionSource, credentials CredentialSource, store schedule.Store, coordinator *dispatch.Coordinator, mailers mailer.Provider) *Handlers {
	return &Handlers{
		sessions:    sessions,
		credentials: credentials,
		store:       store,
		coordinator: coordinator,
		mailers:     mailers,
		log:         logger.Named("api"),
	}
}

// HealthCheck returns basic service health.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// SendNewsletterRequest is the body of POST /api/newsletters/send.
type SendNewsletterRequest struct {
	Subject    string   `json:"subject"`
	Content    string   `json:"content"`
	Recipients []string `json:"recipients"`
	IsTest     bool     `json:"isTest"`
}

// SendNewsletter dispatches a newsletter immediately through the
// sender's own mail account.
func (h *Handlers) SendNewsletter(w http.ResponseWriter, r *http.Request) {
	session := h.sessions.GetSession(r)
	if session == nil {
		respondError(w, http.StatusUnauthorized, "Unauthorized - Please sign in with Google")
		return
	}

	var req SendNewsletterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	cred, ok := h.credentials.CredentialFor(session.Email)
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized - Please sign in with Google")
		return
	}
	m, err := h.mailers.MailerFor(r.Context(), cred)
	if err != nil {
		h.log.Warn("no mailer for sender", "sender", session.Email, "error", err)
		respondError(w, http.StatusUnauthorized, "Unauthorized - Please sign in with Google")
		return
	}

	result, err := h.coordinator.Dispatch(r.Context(), dispatch.Job{
		Subject:    req.Subject,
		Content:    req.Content,
		Recipients: req.Recipients,
		IsTest:     req.IsTest,
	}, session.Email, m)
	if err != nil {
		if errors.Is(err, dispatch.ErrMissingFields) {
			respondError(w, http.StatusBadRequest, "Subject, content, and recipients are required")
			return
		}
		h.log.Error("dispatch failed", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to send newsletter. Please try again.")
		return
	}

	// Empty arrays, not null: the UI iterates both unconditionally.
	results := result.Results
	if results == nil {
		results = []dispatch.Delivery{}
	}
	sendErrors := result.Errors
	if sendErrors == nil {
		sendErrors = []dispatch.Failure{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": fmt.Sprintf("Newsletter sent to %d/%d recipients", result.Stats.Sent, result.Stats.Total),
		"results": results,
		"errors":  sendErrors,
		"stats":   result.Stats,
	})
}

// ScheduleNewsletterRequest is the body of POST /api/newsletters/schedule.
type ScheduleNewsletterRequest struct {
	Subject     string   `json:"subject"`
	Content     string   `json:"content"`
	Recipients  []string `json:"recipients"`
	ScheduledAt string   `json:"scheduledAt"`
}

// ScheduleNewsletter stores a newsletter for future dispatch.
func (h *Handlers) ScheduleNewsletter(w http.ResponseWriter, r *http.Request) {
	session := h.sessions.GetSession(r)
	if session == nil {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req ScheduleNewsletterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Subject == "" || req.Content == "" || len(req.Recipients) == 0 || req.ScheduledAt == "" {
		respondError(w, http.StatusBadRequest, "Subject, content, recipients, and scheduledAt are required")
		return
	}

	scheduledAt, err := time.Parse(time.RFC3339, req.ScheduledAt)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid scheduledAt, expected an RFC 3339 timestamp")
		return
	}

	n, err := h.store.Create(r.Context(), session.Email, req.Subject, req.Content, req.Recipients, scheduledAt)
	if err != nil {
		switch {
		case errors.Is(err, schedule.ErrPastSchedule):
			respondError(w, http.StatusBadRequest, "Scheduled time must be in the future")
		case errors.Is(err, schedule.ErrNoRecipients):
			respondError(w, http.StatusBadRequest, "Subject, content, recipients, and scheduledAt are required")
		default:
			h.log.Error("schedule newsletter", "error", err)
			respondError(w, http.StatusInternalServerError, "Failed to schedule newsletter")
		}
		return
	}

	h.log.Info("newsletter scheduled",
		"id", n.ID,
		"scheduled_at", n.ScheduledAt,
		"recipient_count", len(n.Recipients),
	)

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Newsletter scheduled successfully",
		"scheduledNewsletter": map[string]interface{}{
			"id":             n.ID,
			"subject":        n.Subject,
			"scheduledAt":    n.ScheduledAt,
			"recipientCount": len(n.Recipients),
		},
	})
}

// ListScheduled returns the caller's scheduled newsletters.
func (h *Handlers) ListScheduled(w http.ResponseWriter, r *http.Request) {
	session := h.sessions.GetSession(r)
	if session == nil {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	list, err := h.store.ListByOwner(r.Context(), session.Email)
	if err != nil {
		h.log.Error("list scheduled newsletters", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to fetch scheduled newsletters")
		return
	}
	if list == nil {
		list = []*schedule.Newsletter{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"scheduledNewsletters": list,
	})
}

// CancelScheduled cancels a still-scheduled newsletter by id.
func (h *Handlers) CancelScheduled(w http.ResponseWriter, r *http.Request) {
	session := h.sessions.GetSession(r)
	if session == nil {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "Newsletter ID is required")
		return
	}

	if err := h.store.Cancel(r.Context(), id, session.Email); err != nil {
		switch {
		case errors.Is(err, schedule.ErrNotFound):
			respondError(w, http.StatusNotFound, "Scheduled newsletter not found")
		case errors.Is(err, schedule.ErrInvalidState):
			respondError(w, http.StatusBadRequest, "Cannot cancel newsletter that has already been sent")
		default:
			h.log.Error("cancel scheduled newsletter", "id", id, "error", err)
			respondError(w, http.StatusInternalServerError, "Failed to cancel scheduled newsletter")
		}
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Scheduled newsletter cancelled successfully",
	})
}

// Response helpers

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
