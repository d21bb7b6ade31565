// Package handler provides HTTP handlers for the embed API.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/mediflow-ai/chat-embed-gateway/internal/embed"
	"github.com/mediflow-ai/chat-embed-gateway/internal/middleware"
	"github.com/mediflow-ai/chat-embed-gateway/internal/model"
	"github.com/mediflow-ai/chat-embed-gateway/internal/service"
	"github.com/mediflow-ai/chat-embed-gateway/pkg/logger"
	"go.uber.org/zap"
)

// maxBodySize bounds request bodies; preset inputs can carry compressed
// clinical documents.
const maxBodySize = 8 << 20

// SessionHandler handles the embed session lifecycle.
type SessionHandler struct {
	manager      *service.SessionManager
	controller   *service.Controller
	logger       *logger.Logger
	jwtSecret    string
	jwtTTL       time.Duration
	defaultAppID string
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(
	manager *service.SessionManager,
	controller *service.Controller,
	log *logger.Logger,
	jwtSecret string,
	jwtTTL time.Duration,
	defaultAppID string,
) *SessionHandler {
	return &SessionHandler{
		manager:      manager,
		controller:   controller,
		logger:       log,
		jwtSecret:    jwtSecret,
		jwtTTL:       jwtTTL,
		defaultAppID: defaultAppID,
	}
}

// sessionState is the reply shape shared by every endpoint that changes
// what the widget should display.
type sessionState struct {
	SessionID      string               `json:"session_id,omitempty"`
	Token          string               `json:"token,omitempty"`
	ConversationID string               `json:"conversation_id"`
	Conversations  []model.Conversation `json:"conversations"`
	Entries        []model.ChatEntry    `json:"entries"`
	Params         *model.AppParams     `json:"params,omitempty"`
	ChatStarted    bool                 `json:"chat_started"`
	Responding     bool                 `json:"responding"`
}

func (h *SessionHandler) state(sess *service.Session) sessionState {
	return sessionState{
		ConversationID: sess.Registry.CurrentID(),
		Conversations:  sess.Registry.List(),
		Entries:        sess.Entries(),
		ChatStarted:    sess.ChatStarted(),
		Responding:     sess.Responding(),
	}
}

// Create handles POST /api/v1/sessions: decode the embed parameters,
// bootstrap a session against the backend, and hand back a scoped token.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	params := embed.ParseBody(body)
	if len(r.URL.Query()) > 0 {
		// iframe-style embeds pass everything in the query string.
		qp := embed.ParseQuery(r.URL.Query())
		if params.AppID == "" {
			params = qp
		}
	}
	if params.AppID == "" {
		params.AppID = h.defaultAppID
	}

	if err := middleware.ValidateAppID(params.AppID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess := h.manager.Create(params.Context(""))
	// The derived user id needs the session id, which did not exist
	// until now.
	if params.SysUserID == "" {
		sess.Context = params.Context(sess.ID)
	}

	requestConversationID := r.URL.Query().Get("conversation_id")
	if err := h.controller.Bootstrap(r.Context(), sess, requestConversationID, params.Inputs); err != nil {
		if errors.Is(err, service.ErrAppUnavailable) {
			h.logger.Warn("session bootstrap failed", zap.String("app_id", params.AppID), zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "app unavailable")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	token, err := middleware.IssueToken(h.jwtSecret, sess.ID, params.AppID, h.jwtTTL)
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	state := h.state(sess)
	state.SessionID = sess.ID
	state.Token = token
	state.Params = sess.Params
	writeJSON(w, http.StatusCreated, state)
}

// session resolves the authenticated session or writes the error.
func (h *SessionHandler) session(w http.ResponseWriter, r *http.Request) (*service.Session, bool) {
	sessionID := middleware.GetSessionID(r.Context())
	sess, ok := h.manager.Get(sessionID)
	if !ok {
		writeError(w, http.StatusUnauthorized, "session expired")
		return nil, false
	}
	return sess, true
}

// History handles GET /api/v1/session/history
func (h *SessionHandler) History(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.state(sess))
}

// Conversations handles GET /api/v1/session/conversations
func (h *SessionHandler) Conversations(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": sess.Registry.CurrentID(),
		"conversations":   sess.Registry.List(),
	})
}

// Switch handles POST /api/v1/session/conversation
func (h *SessionHandler) Switch(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	var req struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}

	h.controller.Switch(r.Context(), sess, req.ConversationID)
	writeJSON(w, http.StatusOK, h.state(sess))
}

// Reset handles POST /api/v1/session/reset
func (h *SessionHandler) Reset(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	h.controller.Reset(sess)
	writeJSON(w, http.StatusOK, h.state(sess))
}

// UpdateContext handles PUT /api/v1/session/context: the host page
// changed patient or record type under the widget.
func (h *SessionHandler) UpdateContext(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	var req struct {
		PatientID  string `json:"patient_id"`
		RecordType string `json:"record_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	next := sess.Context
	next.PatientID = req.PatientID
	next.RecordType = req.RecordType
	h.controller.UpdateContext(r.Context(), sess, next)
	writeJSON(w, http.StatusOK, h.state(sess))
}
