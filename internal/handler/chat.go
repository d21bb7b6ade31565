package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mediflow-ai/chat-embed-gateway/internal/middleware"
	"github.com/mediflow-ai/chat-embed-gateway/internal/model"
	"github.com/mediflow-ai/chat-embed-gateway/internal/service"
	"github.com/mediflow-ai/chat-embed-gateway/pkg/logger"
	"github.com/mediflow-ai/chat-embed-gateway/pkg/metrics"
)

// ChatHandler handles the streamed send and feedback endpoints.
type ChatHandler struct {
	manager    *service.SessionManager
	controller *service.Controller
	logger     *logger.Logger
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(manager *service.SessionManager, controller *service.Controller, log *logger.Logger) *ChatHandler {
	return &ChatHandler{
		manager:    manager,
		controller: controller,
		logger:     log,
	}
}

// Send handles POST /api/v1/session/messages. The reply is an SSE stream
// mirroring the upstream events after the reducer has applied them, closed
// by a final "entries" snapshot of the reconciled log.
func (h *ChatHandler) Send(w http.ResponseWriter, r *http.Request) {
	sessionID := middleware.GetSessionID(r.Context())
	sess, ok := h.manager.Get(sessionID)
	if !ok {
		writeError(w, http.StatusUnauthorized, "session expired")
		return
	}

	var req struct {
		Query string       `json:"query"`
		Files []model.File `json:"files"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateQuery(req.Query); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	metrics.SSEConnectionsActive.Inc()
	defer metrics.SSEConnectionsActive.Dec()

	entries, err := h.controller.Send(r.Context(), sess, req.Query, req.Files, func(ev model.StreamEvent) {
		name, payload := sseEvent(ev)
		if name == "" {
			return
		}
		sendSSEEvent(w, flusher, name, payload)
	})

	switch {
	case errors.Is(err, service.ErrTurnInProgress):
		// Headers are already streamed; the error travels in-band.
		sendSSEEvent(w, flusher, "error", map[string]string{
			"code":    "turn_in_progress",
			"message": err.Error(),
		})
	case err != nil:
		h.logger.Warn("send failed", zap.String("session_id", sessionID), zap.Error(err))
	}

	sendSSEEvent(w, flusher, "entries", map[string]any{
		"conversation_id": sess.Registry.CurrentID(),
		"entries":         entries,
	})
	sendSSEEvent(w, flusher, "done", map[string]bool{"success": err == nil})
}

// Feedback handles POST /api/v1/messages/{id}/feedbacks
func (h *ChatHandler) Feedback(w http.ResponseWriter, r *http.Request) {
	sessionID := middleware.GetSessionID(r.Context())
	sess, ok := h.manager.Get(sessionID)
	if !ok {
		writeError(w, http.StatusUnauthorized, "session expired")
		return
	}

	messageID := chi.URLParam(r, "id")
	if err := middleware.ValidateMessageID(messageID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req struct {
		Rating string `json:"rating"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateRating(req.Rating); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !h.controller.Feedback(sess, messageID, model.FeedbackRating(req.Rating)) {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "success"})
}

// sseEvent maps a stream event onto its downstream SSE name and payload.
func sseEvent(ev model.StreamEvent) (string, any) {
	switch e := ev.(type) {
	case model.TextDeltaEvent:
		return "message", map[string]any{
			"answer":          e.Text,
			"conversation_id": e.ConversationID,
			"message_id":      e.MessageID,
			"task_id":         e.TaskID,
		}
	case model.ThoughtEvent:
		return "agent_thought", e.Thought
	case model.FileEvent:
		return "message_file", e.File
	case model.MessageEndEvent:
		return "message_end", map[string]any{
			"message_id":          e.MessageID,
			"suggested_questions": e.SuggestedQuestions,
			"annotation":          e.Annotation,
		}
	case model.MessageReplaceEvent:
		return "message_replace", map[string]any{
			"message_id": e.MessageID,
			"answer":     e.Content,
		}
	case model.WorkflowStartedEvent:
		return "workflow_started", map[string]any{
			"workflow_run_id": e.RunID,
			"task_id":         e.TaskID,
		}
	case model.NodeStartedEvent:
		return "node_started", e.Node
	case model.NodeFinishedEvent:
		return "node_finished", e.Node
	case model.WorkflowFinishedEvent:
		return "workflow_finished", map[string]any{"status": e.Status}
	case model.StreamErrorEvent:
		return "error", map[string]string{
			"code":    e.Code,
			"message": e.Message,
		}
	default:
		return "", nil
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()

	return nil
}
