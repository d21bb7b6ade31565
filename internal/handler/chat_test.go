package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mediflow-ai/chat-embed-gateway/internal/middleware"
	"github.com/mediflow-ai/chat-embed-gateway/internal/model"
	"github.com/mediflow-ai/chat-embed-gateway/internal/service"
	"github.com/mediflow-ai/chat-embed-gateway/internal/store"
	"github.com/mediflow-ai/chat-embed-gateway/pkg/logger"
)

// stubBackend scripts upstream behavior for handler tests.
type stubBackend struct {
	events  []model.StreamEvent
	sendErr error
}

func (s *stubBackend) SendChatMessage(ctx context.Context, req *model.ChatRequest, apply func(model.StreamEvent)) error {
	for _, ev := range s.events {
		apply(ev)
	}
	return s.sendErr
}

func (s *stubBackend) FetchConversations(ctx context.Context) ([]model.Conversation, error) {
	return nil, nil
}

func (s *stubBackend) FetchAppParams(ctx context.Context) (*model.AppParams, error) {
	return &model.AppParams{OpeningStatement: "您好"}, nil
}

func (s *stubBackend) FetchChatList(ctx context.Context, conversationID string) ([]model.HistoryRecord, error) {
	return nil, errors.New("not found")
}

func (s *stubBackend) UpdateFeedback(ctx context.Context, messageID string, rating model.FeedbackRating) error {
	return nil
}

func (s *stubBackend) RenameConversation(ctx context.Context, conversationID string) (model.Conversation, error) {
	return model.Conversation{}, errors.New("rename unavailable")
}

type chatFixture struct {
	backend *stubBackend
	handler *ChatHandler
	sess    *service.Session
}

func newChatFixture(t *testing.T) *chatFixture {
	t.Helper()
	st := store.NewMemory()
	recency := service.NewRecordTypeRecency(st)
	cache := service.NewHistoryCache(st, recency)
	manager := service.NewSessionManager(st, recency, 0)
	backend := &stubBackend{}
	log := &logger.Logger{Logger: zap.NewNop()}
	controller := service.NewController(backend, cache, nil, nil, log)

	sess := manager.Create(model.EmbedContext{AppID: "app1", UserID: "user_app1:s1"})
	require.NoError(t, controller.Bootstrap(context.Background(), sess, "", nil))

	return &chatFixture{
		backend: backend,
		handler: NewChatHandler(manager, controller, log),
		sess:    sess,
	}
}

// sessionRequest builds a request carrying the authenticated session id,
// the state Auth leaves behind for the handlers.
func (f *chatFixture) sessionRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	ctx := context.WithValue(req.Context(), middleware.SessionIDKey, f.sess.ID)
	return req.WithContext(ctx)
}

func TestSendStreamsEventsAndSnapshot(t *testing.T) {
	f := newChatFixture(t)
	f.backend.events = []model.StreamEvent{
		model.TextDeltaEvent{Text: "患者情况稳定", ConversationID: "c9", MessageID: "m1", First: true},
		model.MessageEndEvent{MessageID: "m1", SuggestedQuestions: []string{"下一步?"}},
	}

	rec := httptest.NewRecorder()
	f.handler.Send(rec, f.sessionRequest(http.MethodPost, "/api/v1/session/messages", `{"query":"总结病历"}`))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: message\n")
	assert.Contains(t, body, `"answer":"患者情况稳定"`)
	assert.Contains(t, body, `"conversation_id":"c9"`)
	assert.Contains(t, body, "event: message_end\n")
	assert.Contains(t, body, `"suggested_questions":["下一步?"]`)

	// The stream closes with the reconciled snapshot and a success marker.
	assert.Contains(t, body, "event: entries\n")
	assert.Contains(t, body, `"总结病历"`)
	assert.Contains(t, body, "event: done\n")
	assert.Contains(t, body, `{"success":true}`)
}

func TestSendFailureReportsInBand(t *testing.T) {
	f := newChatFixture(t)
	f.backend.events = []model.StreamEvent{
		model.TextDeltaEvent{Text: "partial", MessageID: "m1"},
	}
	f.backend.sendErr = errors.New("connection reset")

	rec := httptest.NewRecorder()
	f.handler.Send(rec, f.sessionRequest(http.MethodPost, "/api/v1/session/messages", `{"query":"问题"}`))

	body := rec.Body.String()
	// The rolled-back snapshot keeps the question; the partial answer is
	// gone and the stream ends unsuccessfully.
	assert.Contains(t, body, "event: entries\n")
	assert.NotContains(t, body, `"id":"m1"`)
	assert.Contains(t, body, `{"success":false}`)
}

func TestSendStreamErrorEventForwarded(t *testing.T) {
	f := newChatFixture(t)
	f.backend.events = []model.StreamEvent{
		model.StreamErrorEvent{Code: "quota_exceeded", Message: "quota exceeded"},
	}
	f.backend.sendErr = errors.New("stream error quota_exceeded: quota exceeded")

	rec := httptest.NewRecorder()
	f.handler.Send(rec, f.sessionRequest(http.MethodPost, "/api/v1/session/messages", `{"query":"问题"}`))

	body := rec.Body.String()
	assert.Contains(t, body, "event: error\n")
	assert.Contains(t, body, `"code":"quota_exceeded"`)
	assert.Contains(t, body, `{"success":false}`)
}

func TestSendRejectsInvalidRequests(t *testing.T) {
	f := newChatFixture(t)

	rec := httptest.NewRecorder()
	f.handler.Send(rec, f.sessionRequest(http.MethodPost, "/api/v1/session/messages", "not json"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	f.handler.Send(rec, f.sessionRequest(http.MethodPost, "/api/v1/session/messages", `{"query":""}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendUnknownSession(t *testing.T) {
	f := newChatFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/session/messages", strings.NewReader(`{"query":"q"}`))
	req = req.WithContext(context.WithValue(req.Context(), middleware.SessionIDKey, "gone"))

	rec := httptest.NewRecorder()
	f.handler.Send(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestFeedbackEndpoint(t *testing.T) {
	f := newChatFixture(t)
	f.backend.events = []model.StreamEvent{
		model.TextDeltaEvent{Text: "答案", ConversationID: "c9", MessageID: "m1", First: true},
		model.MessageEndEvent{MessageID: "m1"},
	}
	rec := httptest.NewRecorder()
	f.handler.Send(rec, f.sessionRequest(http.MethodPost, "/api/v1/session/messages", `{"query":"问题"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	router := chi.NewRouter()
	router.Post("/messages/{id}/feedbacks", f.handler.Feedback)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, f.sessionRequest(http.MethodPost, "/messages/m1/feedbacks", `{"rating":"like"}`))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, f.sessionRequest(http.MethodPost, "/messages/m1/feedbacks", `{"rating":"love"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, f.sessionRequest(http.MethodPost, "/messages/missing/feedbacks", `{"rating":"like"}`))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
