package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/mediflow-ai/chat-embed-gateway/internal/model"
	"github.com/mediflow-ai/chat-embed-gateway/pkg/logger"
	"github.com/mediflow-ai/chat-embed-gateway/pkg/metrics"
)

// defaultRestoredName labels a conversation rehydrated from the history
// cache before the backend list has confirmed it.
const defaultRestoredName = "Restored conversation"

// defaultNewName labels a conversation that has not been titled yet.
const defaultNewName = "New conversation"

// Controller orchestrates the registry, history cache and reducer: on
// bootstrap, on every conversation switch and after every send it decides
// whether to trust the cache, fetch from the backend, or keep the
// in-memory list.
type Controller struct {
	backend Backend
	history *HistoryCache
	titler  Titler
	journal Journal
	log     *logger.Logger
}

// NewController wires the reconciliation controller. titler and journal
// may be nil; both are best-effort collaborators.
func NewController(backend Backend, history *HistoryCache, titler Titler, journal Journal, log *logger.Logger) *Controller {
	return &Controller{
		backend: backend,
		history: history,
		titler:  titler,
		journal: journal,
		log:     log,
	}
}

// Bootstrap runs the initial-load policy for a fresh session: fetch the
// conversation list and app parameters, resolve the persisted conversation
// pointer, then reuse the cache, fetch history, or synthesize an opening
// entry. Only a missing app identity or a failed mandatory fetch escalate;
// everything else degrades to the best locally-available substitute.
func (c *Controller) Bootstrap(ctx context.Context, sess *Session, requestConversationID string, rawInputs map[string]string) error {
	if sess.Context.AppID == "" {
		return ErrAppUnavailable
	}

	ctx = WithUser(ctx, sess.Context.UserID)
	conversations, err := c.backend.FetchConversations(ctx)
	if err != nil {
		return fmt.Errorf("%w: conversation list fetch failed: %v", ErrAppUnavailable, err)
	}
	params, err := c.backend.FetchAppParams(ctx)
	if err != nil {
		return fmt.Errorf("%w: app parameters fetch failed: %v", ErrAppUnavailable, err)
	}

	defer sess.lock()()

	sess.Params = params
	sess.Registry.Replace(conversations)
	if inputs := ProcessInputs(params.PromptVariables, rawInputs); inputs != nil {
		sess.Inputs = inputs
	}

	storedID := sess.Registry.IDFromStorage(sess.Context, requestConversationID)
	known := findConversation(conversations, storedID) != nil

	if storedID != "" && storedID != model.NewConversationID {
		sess.Registry.SetCurrentID(storedID, sess.Context, known)

		if entries, ok := c.history.Load(storedID, sess.Context); ok {
			sess.Log.Replace(entries)
			sess.restored = true
			sess.chatStarted = true
			if !known {
				sess.Registry.Register(model.Conversation{ID: storedID, Name: defaultRestoredName, Inputs: map[string]any{}})
			}
			return nil
		}

		if known {
			c.loadFromBackend(ctx, sess, storedID)
			return nil
		}
	}

	// Nothing persisted for this context: a fresh, local-only
	// conversation with a synthesized opening entry.
	sess.Registry.Register(model.Conversation{
		ID:           model.NewConversationID,
		Name:         defaultNewName,
		Introduction: params.OpeningStatement,
		Inputs:       sess.Inputs,
	})
	sess.Registry.SetCurrentID(model.NewConversationID, sess.Context, false)
	sess.Log.Replace([]model.ChatEntry{c.openingEntry(sess, "")})
	sess.chatStarted = len(params.PromptVariables) == 0 ||
		RequiredInputsFilled(params.PromptVariables, sess.Inputs)
	return nil
}

// Switch moves the session to another conversation. The load policy is
// the same as on bootstrap, minus the mandatory fetches: cache verbatim
// first, backend second, opening entry last. The restored flag guards
// against the policy running twice for one pointer change.
func (c *Controller) Switch(ctx context.Context, sess *Session, conversationID string) {
	defer sess.lock()()

	sess.createdBecauseOfNew = false

	if conversationID == model.NewConversationID {
		c.startNewLocked(sess)
		return
	}

	sess.Registry.SetCurrentID(conversationID, sess.Context, true)
	sess.restored = false

	if entries, ok := c.history.Load(conversationID, sess.Context); ok {
		sess.Log.Replace(entries)
		sess.restored = true
		sess.chatStarted = true
		return
	}

	if item, ok := sess.Registry.Find(conversationID); ok && item.Inputs != nil {
		sess.Inputs = item.Inputs
	}
	c.loadFromBackend(ctx, sess, conversationID)
}

// Reset discards the current conversation's persisted history and starts
// over at the sentinel. This is the only path that explicitly clears
// persisted state.
func (c *Controller) Reset(sess *Session) {
	defer sess.lock()()

	c.history.Clear(sess.Registry.CurrentID(), sess.Context)
	c.startNewLocked(sess)
	sess.createdBecauseOfNew = true
}

// UpdateContext applies a host parameter override (the host callback
// surface). A patient or record-type change is a context switch: the
// pointer is re-resolved for the new context and the session lands either
// on that context's conversation or on a fresh one.
func (c *Controller) UpdateContext(ctx context.Context, sess *Session, next model.EmbedContext) {
	sess.mu.Lock()
	if next.AppID == "" {
		next.AppID = sess.Context.AppID
	}
	if next.UserID == "" {
		next.UserID = sess.Context.UserID
	}
	unchanged := next == sess.Context
	sess.Context = next
	sess.mu.Unlock()

	if unchanged {
		return
	}

	storedID := sess.Registry.IDFromStorage(next, "")
	if storedID != "" && storedID != model.NewConversationID {
		c.Switch(ctx, sess, storedID)
		return
	}
	c.Switch(ctx, sess, model.NewConversationID)
}

// startNewLocked installs the sentinel conversation and its opening entry.
// Caller holds the session lock.
func (c *Controller) startNewLocked(sess *Session) {
	intro := ""
	if sess.Params != nil {
		intro = sess.Params.OpeningStatement
	}
	sess.Registry.Register(model.Conversation{
		ID:           model.NewConversationID,
		Name:         defaultNewName,
		Introduction: intro,
		Inputs:       sess.Inputs,
	})
	sess.Registry.SetCurrentID(model.NewConversationID, sess.Context, false)
	sess.restored = false
	sess.Log.Replace([]model.ChatEntry{c.openingEntry(sess, "")})
	sess.chatStarted = true
}

// loadFromBackend fetches history for an existing conversation and builds
// the entry list from it. Fetch failures are non-fatal: the session keeps
// the synthesized opening entry and the user keeps typing.
func (c *Controller) loadFromBackend(ctx context.Context, sess *Session, conversationID string) {
	introduction := ""
	if item, ok := sess.Registry.Find(conversationID); ok {
		introduction = item.Introduction
	}

	records, err := c.backend.FetchChatList(WithUser(ctx, sess.Context.UserID), conversationID)
	if err != nil {
		c.log.Warn("history fetch failed, falling back to opening entry",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		sess.Log.Replace([]model.ChatEntry{c.openingEntry(sess, introduction)})
		sess.chatStarted = true
		return
	}

	entries := []model.ChatEntry{c.openingEntry(sess, introduction)}
	for _, r := range records {
		entries = append(entries, entriesFromRecord(r)...)
	}
	sess.Log.Replace(entries)
	sess.chatStarted = true
	c.history.Save(conversationID, sess.Context, sess.Log.Entries())
}

// openingEntry synthesizes the non-persisted first answer entry shown when
// no real history exists, with prompt-variable substitution applied.
func (c *Controller) openingEntry(sess *Session, introduction string) model.ChatEntry {
	var vars []model.PromptVariable
	var questions []string
	if sess.Params != nil {
		if introduction == "" {
			introduction = sess.Params.OpeningStatement
		}
		vars = sess.Params.PromptVariables
		questions = sess.Params.SuggestedQuestions
	}
	introduction = substitutePromptVars(introduction, vars, sess.Inputs)

	return model.ChatEntry{
		ID:                 fmt.Sprintf("%d", time.Now().UnixMilli()),
		Content:            introduction,
		IsAnswer:           true,
		IsOpeningStatement: true,
		FeedbackDisabled:   true,
		SuggestedQuestions: questions,
	}
}

// Send runs one streamed turn: optimistic append, event folding, and the
// completion bookkeeping that promotes a sentinel conversation to its
// server-assigned id. forward, when non-nil, receives every event after it
// has been applied, for re-streaming to the embed client.
func (c *Controller) Send(ctx context.Context, sess *Session, query string, files []model.File, forward func(model.StreamEvent)) ([]model.ChatEntry, error) {
	sess.mu.Lock()
	if sess.responding {
		sess.mu.Unlock()
		return nil, ErrTurnInProgress
	}

	conversationAtStart := sess.Registry.CurrentID()
	if conversationAtStart == model.NewConversationID {
		sess.createdBecauseOfNew = true
	}

	turn := NewTurn(sess.Log, conversationAtStart, sess.Registry.CurrentID, func() {
		c.history.Save(conversationAtStart, sess.Context, sess.Log.Entries())
	})
	turn.Begin(query, files)
	sess.turn = turn
	sess.responding = true
	sess.chatStarted = true

	req := &model.ChatRequest{
		Inputs: sess.Inputs,
		Query:  query,
		Files:  files,
		User:   sess.Context.UserID,
	}
	if conversationAtStart != model.NewConversationID {
		req.ConversationID = conversationAtStart
	}
	sess.mu.Unlock()

	start := time.Now()
	err := c.backend.SendChatMessage(WithUser(ctx, req.User), req, func(ev model.StreamEvent) {
		sess.mu.Lock()
		turn.Apply(ev)
		sess.mu.Unlock()
		if forward != nil {
			forward(ev)
		}
	})

	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.responding = false

	if err != nil {
		turn.Fail()
		metrics.TurnsTotal.WithLabelValues(sess.Context.AppID, "errored").Inc()
		c.journalTurn(sess, conversationAtStart, turn, "errored")
		return sess.Log.Entries(), fmt.Errorf("send failed: %w", err)
	}

	turn.Complete()

	if turn.Superseded() {
		// The user is looking at a different conversation now; the
		// turn's writes were already suppressed and its result is not
		// ours to surface.
		metrics.TurnsTotal.WithLabelValues(sess.Context.AppID, "superseded").Inc()
		return sess.Log.Entries(), nil
	}

	metrics.TurnsTotal.WithLabelValues(sess.Context.AppID, "completed").Inc()
	metrics.TurnDuration.WithLabelValues(sess.Context.AppID).Observe(time.Since(start).Seconds())

	newID := turn.NewConversationID()
	if newID != "" && conversationAtStart == model.NewConversationID {
		c.promoteLocked(sess, turn, newID)
	} else {
		c.history.Save(conversationAtStart, sess.Context, sess.Log.Entries())
	}

	c.journalTurn(sess, sess.Registry.CurrentID(), turn, "completed")
	return sess.Log.Entries(), nil
}

// promoteLocked moves a provisional conversation onto its server-assigned
// id: the history is re-persisted under the new id, the registry pointer
// advances, and a title is generated best-effort in the background.
// Caller holds the session lock.
func (c *Controller) promoteLocked(sess *Session, turn *Turn, newID string) {
	c.history.Save(newID, sess.Context, sess.Log.Entries())
	sess.Registry.Promote(newID)
	sess.Registry.SetCurrentID(newID, sess.Context, true)

	if c.journal != nil {
		appID, convID := sess.Context.AppID, newID
		go c.journal.ConversationCreated(context.Background(), appID, convID)
	}

	if sess.createdBecauseOfNew {
		sess.createdBecauseOfNew = false
		firstQuery, firstAnswer := firstExchange(sess.Log)
		go c.generateTitle(sess.Registry, sess.Context.UserID, newID, firstQuery, firstAnswer)
	}
}

// generateTitle names a freshly created conversation: the backend's
// auto-generate endpoint first, a local LLM summary as fallback. Failures
// leave the default name; nothing blocks or retries.
func (c *Controller) generateTitle(reg *Registry, user, conversationID, question, answer string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	ctx = WithUser(ctx, user)

	if conv, err := c.backend.RenameConversation(ctx, conversationID); err == nil && conv.Name != "" {
		reg.Rename(conversationID, conv.Name)
		return
	}

	if c.titler == nil {
		return
	}
	name, err := c.titler.GenerateTitle(ctx, question, answer)
	if err != nil || name == "" {
		c.log.Debug("title generation failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}
	reg.Rename(conversationID, name)
}

// Feedback applies a rating optimistically and pushes it to the backend
// fire-and-forget.
func (c *Controller) Feedback(sess *Session, messageID string, rating model.FeedbackRating) bool {
	defer sess.lock()()

	entry := sess.Log.Find(messageID)
	if entry == nil {
		return false
	}
	entry.Feedback = &model.Feedback{Rating: rating}
	c.history.Save(sess.Registry.CurrentID(), sess.Context, sess.Log.Entries())

	user := sess.Context.UserID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		ctx = WithUser(ctx, user)
		if err := c.backend.UpdateFeedback(ctx, messageID, rating); err != nil {
			c.log.Warn("feedback submission failed", zap.String("message_id", messageID), zap.Error(err))
		}
	}()
	return true
}

// journalTurn publishes a turn lifecycle event, best-effort.
func (c *Controller) journalTurn(sess *Session, conversationID string, turn *Turn, status string) {
	if c.journal == nil {
		return
	}
	appID, msgID := sess.Context.AppID, turn.AnswerID()
	go c.journal.TurnFinished(context.Background(), appID, conversationID, msgID, status)
}

// entriesFromRecord expands one backend history record into its question
// and answer entries, filtering attachments by owner role and putting
// thoughts into stable display order.
func entriesFromRecord(r model.HistoryRecord) []model.ChatEntry {
	question := model.ChatEntry{
		ID:      "question-" + r.ID,
		Content: r.Query,
		Files:   filterFilesByOwner(r.Files, model.FileOwnerUser),
	}
	answer := model.ChatEntry{
		ID:            r.ID,
		Content:       r.Answer,
		IsAnswer:      true,
		AgentThoughts: sortThoughts(r.Thoughts),
		Files:         filterFilesByOwner(r.Files, model.FileOwnerAssistant),
		Feedback:      r.Feedback,
	}
	return []model.ChatEntry{question, answer}
}

func filterFilesByOwner(files []model.File, owner model.FileOwner) []model.File {
	var out []model.File
	for _, f := range files {
		if f.BelongsTo == owner {
			out = append(out, f)
		}
	}
	return out
}

func sortThoughts(thoughts []model.Thought) []model.Thought {
	out := append([]model.Thought(nil), thoughts...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Position < out[j].Position
	})
	return out
}

func findConversation(list []model.Conversation, id string) *model.Conversation {
	if id == "" {
		return nil
	}
	for i := range list {
		if list[i].ID == id {
			return &list[i]
		}
	}
	return nil
}

// firstExchange returns the first real question and answer of a log, the
// seed for title generation.
func firstExchange(log *ChatLog) (question, answer string) {
	for _, e := range log.entries {
		if e.IsOpeningStatement {
			continue
		}
		if !e.IsAnswer && question == "" {
			question = e.Content
		}
		if e.IsAnswer && question != "" {
			return question, e.Content
		}
	}
	return question, answer
}
