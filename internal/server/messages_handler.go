package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/smsgate/smsgate/internal/apikey"
	"github.com/smsgate/smsgate/internal/httputil"
	"github.com/smsgate/smsgate/internal/message"
)

type createMessageRequest struct {
	Phone   string `json:"phone"`
	Content string `json:"content"`
}

// handleCreateMessage handles POST /api/v1/messages. The message is
// accepted (201) once it is persisted with its send job; delivery
// progress is observed by polling.
func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	var req createMessageRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	// Refuse new submissions while the modem is down: callers should
	// back off rather than fill the queue.
	if _, healthy := s.monitor.Status(); !healthy {
		httputil.WriteError(w, http.StatusServiceUnavailable, "Modem unavailable")
		return
	}

	var apiKeyID *string
	if key, ok := apikey.FromContext(r.Context()); ok {
		apiKeyID = &key.ID
	}

	msg, err := s.msgSvc.CreateOutgoing(r.Context(), req.Phone, req.Content, apiKeyID)
	switch {
	case err == nil:
	case errors.Is(err, message.ErrInvalidPhoneNumber):
		httputil.WriteFieldError(w, http.StatusBadRequest, "Validation failed", "phone", "is invalid")
		return
	case errors.Is(err, message.ErrContentRequired):
		httputil.WriteFieldError(w, http.StatusBadRequest, "Validation failed", "content", "is required")
		return
	case errors.Is(err, message.ErrContentTooLong):
		httputil.WriteFieldError(w, http.StatusBadRequest, "Validation failed", "content",
			"must be at most 160 characters")
		return
	default:
		s.logger.Error("failed to create message", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to create message")
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, msg.Render())
}

// handleListMessages handles GET /api/v1/messages. Results are scoped
// to the caller's key; incoming messages have no owning key and are
// visible to every caller.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	key, _ := apikey.FromContext(r.Context())

	filter := message.ListFilter{VisibleTo: key.ID}
	q := r.URL.Query()

	switch d := q.Get("direction"); d {
	case "":
	case "outgoing", "incoming":
		filter.Direction = message.Direction(d)
	default:
		httputil.WriteFieldError(w, http.StatusBadRequest, "Validation failed", "direction", "is invalid")
		return
	}

	switch st := q.Get("status"); st {
	case "":
	case "pending", "queued", "sending", "sent", "delivered", "failed", "received":
		filter.Status = message.Status(st)
	default:
		httputil.WriteFieldError(w, http.StatusBadRequest, "Validation failed", "status", "is invalid")
		return
	}

	filter.Phone = q.Get("phone")

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 200 {
			httputil.WriteFieldError(w, http.StatusBadRequest, "Validation failed", "limit", "must be between 1 and 200")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httputil.WriteFieldError(w, http.StatusBadRequest, "Validation failed", "offset", "must be non-negative")
			return
		}
		filter.Offset = n
	}

	msgs, err := s.msgSvc.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list messages", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to list messages")
		return
	}

	rendered := make([]message.Rendered, 0, len(msgs))
	for i := range msgs {
		rendered = append(rendered, msgs[i].Render())
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"items": rendered})
}

// handleGetMessage handles GET /api/v1/messages/{id}. A message owned
// by a different key reads as absent, never as forbidden.
func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	key, _ := apikey.FromContext(r.Context())

	msg, err := s.msgSvc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, message.ErrNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "Message not found")
			return
		}
		s.logger.Error("failed to get message", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to get message")
		return
	}

	if msg.APIKeyID != nil && *msg.APIKeyID != key.ID {
		httputil.WriteError(w, http.StatusNotFound, "Message not found")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, msg.Render())
}
