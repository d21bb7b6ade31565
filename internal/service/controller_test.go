package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mediflow-ai/chat-embed-gateway/internal/model"
	"github.com/mediflow-ai/chat-embed-gateway/internal/store"
	"github.com/mediflow-ai/chat-embed-gateway/pkg/logger"
)

// fakeBackend scripts upstream behavior for controller tests.
type fakeBackend struct {
	mu sync.Mutex

	conversations []model.Conversation
	params        *model.AppParams
	chatLists     map[string][]model.HistoryRecord

	events  []model.StreamEvent
	sendErr error
	// onSend runs before the scripted events are applied, afterSend after
	// the last one, simulating things happening while the request is in
	// flight or between the final event and the transport returning.
	onSend    func()
	afterSend func()

	calls map[string]int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		params:    &model.AppParams{OpeningStatement: "您好"},
		chatLists: map[string][]model.HistoryRecord{},
		calls:     map[string]int{},
	}
}

func (f *fakeBackend) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
}

func (f *fakeBackend) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeBackend) SendChatMessage(ctx context.Context, req *model.ChatRequest, apply func(model.StreamEvent)) error {
	f.record("SendChatMessage")
	if f.onSend != nil {
		f.onSend()
	}
	for _, ev := range f.events {
		apply(ev)
	}
	if f.afterSend != nil {
		f.afterSend()
	}
	return f.sendErr
}

func (f *fakeBackend) FetchConversations(ctx context.Context) ([]model.Conversation, error) {
	f.record("FetchConversations")
	return f.conversations, nil
}

func (f *fakeBackend) FetchAppParams(ctx context.Context) (*model.AppParams, error) {
	f.record("FetchAppParams")
	return f.params, nil
}

func (f *fakeBackend) FetchChatList(ctx context.Context, conversationID string) ([]model.HistoryRecord, error) {
	f.record("FetchChatList")
	records, ok := f.chatLists[conversationID]
	if !ok {
		return nil, errors.New("not found")
	}
	return records, nil
}

func (f *fakeBackend) UpdateFeedback(ctx context.Context, messageID string, rating model.FeedbackRating) error {
	f.record("UpdateFeedback")
	return nil
}

func (f *fakeBackend) RenameConversation(ctx context.Context, conversationID string) (model.Conversation, error) {
	f.record("RenameConversation")
	return model.Conversation{}, errors.New("rename unavailable")
}

type controllerFixture struct {
	backend *fakeBackend
	st      *store.MemoryStore
	cache   *HistoryCache
	manager *SessionManager
	ctrl    *Controller
}

func newControllerFixture() *controllerFixture {
	st := store.NewMemory()
	recency := NewRecordTypeRecency(st)
	cache := NewHistoryCache(st, recency)
	backend := newFakeBackend()
	log := &logger.Logger{Logger: zap.NewNop()}
	return &controllerFixture{
		backend: backend,
		st:      st,
		cache:   cache,
		manager: NewSessionManager(st, recency, 0),
		ctrl:    NewController(backend, cache, nil, nil, log),
	}
}

func (f *controllerFixture) newSession(ctx model.EmbedContext) *Session {
	return f.manager.Create(ctx)
}

func TestBootstrapWithoutAppID(t *testing.T) {
	f := newControllerFixture()
	sess := f.newSession(model.EmbedContext{})

	err := f.ctrl.Bootstrap(context.Background(), sess, "", nil)
	assert.ErrorIs(t, err, ErrAppUnavailable)
}

func TestBootstrapFreshContext(t *testing.T) {
	f := newControllerFixture()
	sess := f.newSession(model.EmbedContext{AppID: "app1"})

	require.NoError(t, f.ctrl.Bootstrap(context.Background(), sess, "", nil))

	assert.True(t, sess.Registry.IsNew())
	entries := sess.Entries()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].IsOpeningStatement)
	assert.Equal(t, "您好", entries[0].Content)
	assert.True(t, sess.ChatStarted())
}

func TestBootstrapCacheHitSkipsBackendHistory(t *testing.T) {
	f := newControllerFixture()
	ctx := model.EmbedContext{AppID: "app1", PatientID: "42"}

	// State left behind by an earlier session.
	require.NoError(t, f.st.Set("conversationIdInfo", `{"app1_patient_42":"c7"}`))
	f.cache.Save("c7", ctx, sampleEntries())
	f.backend.conversations = []model.Conversation{{ID: "c7", Name: "既往会话"}}

	sess := f.newSession(ctx)
	require.NoError(t, f.ctrl.Bootstrap(context.Background(), sess, "", nil))

	assert.Equal(t, "c7", sess.Registry.CurrentID())
	assert.Equal(t, 0, f.backend.callCount("FetchChatList"))
	entries := sess.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "q1", entries[0].ID)
	assert.True(t, sess.ChatStarted())
}

func TestBootstrapCacheHitUnknownConversationRegistersIt(t *testing.T) {
	f := newControllerFixture()
	ctx := model.EmbedContext{AppID: "app1"}

	require.NoError(t, f.st.Set("conversationIdInfo", `{"app1":"c7"}`))
	f.cache.Save("c7", ctx, sampleEntries())

	sess := f.newSession(ctx)
	require.NoError(t, f.ctrl.Bootstrap(context.Background(), sess, "", nil))

	conv, ok := sess.Registry.Find("c7")
	require.True(t, ok)
	assert.Equal(t, "Restored conversation", conv.Name)
}

func TestBootstrapKnownConversationFetchesHistory(t *testing.T) {
	f := newControllerFixture()
	ctx := model.EmbedContext{AppID: "app1"}

	require.NoError(t, f.st.Set("conversationIdInfo", `{"app1":"c7"}`))
	f.backend.conversations = []model.Conversation{{ID: "c7", Name: "既往会话"}}
	f.backend.chatLists["c7"] = []model.HistoryRecord{
		{ID: "m1", Query: "问", Answer: "答"},
	}

	sess := f.newSession(ctx)
	require.NoError(t, f.ctrl.Bootstrap(context.Background(), sess, "", nil))

	assert.Equal(t, 1, f.backend.callCount("FetchChatList"))
	entries := sess.Entries()
	// Opening entry plus the question/answer pair.
	require.Len(t, entries, 3)
	assert.True(t, entries[0].IsOpeningStatement)
	assert.Equal(t, "question-m1", entries[1].ID)
	assert.Equal(t, "m1", entries[2].ID)

	// The fetched history is now cached.
	cached, ok := f.cache.Load("c7", ctx)
	require.True(t, ok)
	assert.Len(t, cached, 3)
}

func TestSendPromotesNewConversation(t *testing.T) {
	f := newControllerFixture()
	ctx := model.EmbedContext{AppID: "app1", UserID: "user_app1:s1"}

	sess := f.newSession(ctx)
	require.NoError(t, f.ctrl.Bootstrap(context.Background(), sess, "", nil))
	require.True(t, sess.Registry.IsNew())

	f.backend.events = []model.StreamEvent{
		model.TextDeltaEvent{Text: "你好", ConversationID: "c9", MessageID: "m1", First: true},
		model.MessageEndEvent{MessageID: "m1"},
	}

	entries, err := f.ctrl.Send(context.Background(), sess, "问题", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, "c9", sess.Registry.CurrentID())
	list := sess.Registry.List()
	require.NotEmpty(t, list)
	assert.Equal(t, "c9", list[0].ID)

	// Question, placeholder-turned-answer, after the opening entry.
	require.Len(t, entries, 3)
	assert.Equal(t, "m1", entries[2].ID)
	assert.Equal(t, "你好", entries[2].Content)

	cached, ok := f.cache.Load("c9", ctx)
	require.True(t, ok)
	assert.Len(t, cached, 3)
	assert.False(t, sess.Responding())
}

func TestSendExistingConversationSavesInPlace(t *testing.T) {
	f := newControllerFixture()
	ctx := model.EmbedContext{AppID: "app1"}

	require.NoError(t, f.st.Set("conversationIdInfo", `{"app1":"c7"}`))
	f.cache.Save("c7", ctx, sampleEntries())

	sess := f.newSession(ctx)
	require.NoError(t, f.ctrl.Bootstrap(context.Background(), sess, "", nil))

	f.backend.events = []model.StreamEvent{
		model.TextDeltaEvent{Text: "答案", MessageID: "m2"},
		model.MessageEndEvent{MessageID: "m2"},
	}

	entries, err := f.ctrl.Send(context.Background(), sess, "追问", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "c7", sess.Registry.CurrentID())
	assert.Len(t, entries, 4)

	cached, ok := f.cache.Load("c7", ctx)
	require.True(t, ok)
	assert.Len(t, cached, 4)
}

func TestSendRejectsConcurrentTurn(t *testing.T) {
	f := newControllerFixture()
	sess := f.newSession(model.EmbedContext{AppID: "app1"})
	require.NoError(t, f.ctrl.Bootstrap(context.Background(), sess, "", nil))

	sess.mu.Lock()
	sess.responding = true
	sess.mu.Unlock()

	_, err := f.ctrl.Send(context.Background(), sess, "q", nil, nil)
	assert.ErrorIs(t, err, ErrTurnInProgress)
}

func TestSendFailureRollsBackPlaceholder(t *testing.T) {
	f := newControllerFixture()
	sess := f.newSession(model.EmbedContext{AppID: "app1"})
	require.NoError(t, f.ctrl.Bootstrap(context.Background(), sess, "", nil))

	f.backend.events = []model.StreamEvent{
		model.TextDeltaEvent{Text: "partial", MessageID: "m1"},
	}
	f.backend.sendErr = errors.New("connection reset")

	entries, err := f.ctrl.Send(context.Background(), sess, "问题", nil, nil)
	require.Error(t, err)

	// Opening entry and the question survive; the partial answer is gone.
	require.Len(t, entries, 2)
	assert.True(t, entries[0].IsOpeningStatement)
	assert.Equal(t, "问题", entries[1].Content)
	assert.False(t, sess.Responding())
}

func TestSendSupersededByNavigation(t *testing.T) {
	f := newControllerFixture()
	ctx := model.EmbedContext{AppID: "app1"}

	require.NoError(t, f.st.Set("conversationIdInfo", `{"app1":"c7"}`))
	f.cache.Save("c7", ctx, sampleEntries())

	sess := f.newSession(ctx)
	require.NoError(t, f.ctrl.Bootstrap(context.Background(), sess, "", nil))

	// The user switches conversations while the request is in flight.
	f.backend.onSend = func() {
		sess.Registry.SetCurrentID("c8", ctx, false)
	}
	f.backend.events = []model.StreamEvent{
		model.TextDeltaEvent{Text: "late answer", MessageID: "m9"},
	}

	_, err := f.ctrl.Send(context.Background(), sess, "问题", nil, nil)
	require.NoError(t, err)

	// Nothing from the superseded turn landed in c7's cache.
	cached, ok := f.cache.Load("c7", ctx)
	require.True(t, ok)
	for _, e := range cached {
		assert.NotEqual(t, "m9", e.ID)
	}
}

// A switch landing after the final stream event but before the completion
// bookkeeping must not persist the newly displayed conversation's entries
// under the old conversation's key.
func TestSendCompletionAfterSwitchKeepsCachesApart(t *testing.T) {
	f := newControllerFixture()
	ctx := model.EmbedContext{AppID: "app1"}

	require.NoError(t, f.st.Set("conversationIdInfo", `{"app1":"c7"}`))
	f.cache.Save("c7", ctx, sampleEntries())
	f.backend.chatLists["c8"] = []model.HistoryRecord{
		{ID: "m8", Query: "q8", Answer: "a8"},
	}

	sess := f.newSession(ctx)
	require.NoError(t, f.ctrl.Bootstrap(context.Background(), sess, "", nil))

	f.backend.events = []model.StreamEvent{
		model.TextDeltaEvent{Text: "答案", MessageID: "m9"},
		model.MessageEndEvent{MessageID: "m9"},
	}
	// The navigation happens after the stream has fully drained but
	// before Send regains the session lock.
	f.backend.afterSend = func() {
		f.ctrl.Switch(context.Background(), sess, "c8")
	}

	_, err := f.ctrl.Send(context.Background(), sess, "问题", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, "c8", sess.Registry.CurrentID())

	// c7's cache holds its own streamed snapshot, not c8's entries.
	cached, ok := f.cache.Load("c7", ctx)
	require.True(t, ok)
	ids := map[string]bool{}
	for _, e := range cached {
		ids[e.ID] = true
	}
	assert.True(t, ids["m9"])
	assert.False(t, ids["m8"])
	assert.False(t, ids["question-m8"])
}

func TestSwitchUsesCache(t *testing.T) {
	f := newControllerFixture()
	ctx := model.EmbedContext{AppID: "app1"}

	sess := f.newSession(ctx)
	require.NoError(t, f.ctrl.Bootstrap(context.Background(), sess, "", nil))

	f.cache.Save("c7", ctx, sampleEntries())
	f.ctrl.Switch(context.Background(), sess, "c7")

	assert.Equal(t, "c7", sess.Registry.CurrentID())
	assert.Equal(t, 0, f.backend.callCount("FetchChatList"))
	assert.Len(t, sess.Entries(), 2)
}

func TestSwitchToSentinelStartsFresh(t *testing.T) {
	f := newControllerFixture()
	ctx := model.EmbedContext{AppID: "app1"}

	require.NoError(t, f.st.Set("conversationIdInfo", `{"app1":"c7"}`))
	f.cache.Save("c7", ctx, sampleEntries())

	sess := f.newSession(ctx)
	require.NoError(t, f.ctrl.Bootstrap(context.Background(), sess, "", nil))
	require.Equal(t, "c7", sess.Registry.CurrentID())

	f.ctrl.Switch(context.Background(), sess, model.NewConversationID)

	assert.True(t, sess.Registry.IsNew())
	entries := sess.Entries()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].IsOpeningStatement)
}

func TestResetClearsPersistedHistory(t *testing.T) {
	f := newControllerFixture()
	ctx := model.EmbedContext{AppID: "app1"}

	require.NoError(t, f.st.Set("conversationIdInfo", `{"app1":"c7"}`))
	f.cache.Save("c7", ctx, sampleEntries())

	sess := f.newSession(ctx)
	require.NoError(t, f.ctrl.Bootstrap(context.Background(), sess, "", nil))

	f.ctrl.Reset(sess)

	assert.True(t, sess.Registry.IsNew())
	_, ok := f.cache.Load("c7", ctx)
	assert.False(t, ok)
}

func TestUpdateContextSwitchesToStoredConversation(t *testing.T) {
	f := newControllerFixture()
	ctx := model.EmbedContext{AppID: "app1", PatientID: "42"}

	sess := f.newSession(ctx)
	require.NoError(t, f.ctrl.Bootstrap(context.Background(), sess, "", nil))

	// Another patient already has a conversation persisted.
	next := model.EmbedContext{AppID: "app1", PatientID: "43"}
	require.NoError(t, f.st.Set("conversationIdInfo", `{"app1_patient_43":"c5"}`))
	f.cache.Save("c5", next, sampleEntries())

	f.ctrl.UpdateContext(context.Background(), sess, next)

	assert.Equal(t, "c5", sess.Registry.CurrentID())
	assert.Equal(t, "43", sess.Context.PatientID)
	assert.Len(t, sess.Entries(), 2)
}

func TestFeedbackOptimistic(t *testing.T) {
	f := newControllerFixture()
	ctx := model.EmbedContext{AppID: "app1"}

	require.NoError(t, f.st.Set("conversationIdInfo", `{"app1":"c7"}`))
	f.cache.Save("c7", ctx, sampleEntries())

	sess := f.newSession(ctx)
	require.NoError(t, f.ctrl.Bootstrap(context.Background(), sess, "", nil))

	ok := f.ctrl.Feedback(sess, "a1", model.FeedbackLike)
	require.True(t, ok)

	entries := sess.Entries()
	require.NotNil(t, entries[1].Feedback)
	assert.Equal(t, model.FeedbackLike, entries[1].Feedback.Rating)

	// Unknown message ids are rejected before anything is persisted.
	assert.False(t, f.ctrl.Feedback(sess, "missing", model.FeedbackLike))
}
