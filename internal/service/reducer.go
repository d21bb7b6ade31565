package service

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mediflow-ai/chat-embed-gateway/internal/model"
)

// TurnState is the lifecycle state of one streamed send.
type TurnState int

const (
	TurnIdle TurnState = iota
	TurnSent
	TurnStreaming
	TurnCompleted
	TurnErrored
	TurnSuperseded
)

// String returns the state name for logging.
func (s TurnState) String() string {
	switch s {
	case TurnIdle:
		return "idle"
	case TurnSent:
		return "sent"
	case TurnStreaming:
		return "streaming"
	case TurnCompleted:
		return "completed"
	case TurnErrored:
		return "errored"
	case TurnSuperseded:
		return "superseded"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Turn folds the ordered transport events of one in-flight send into a
// single growing answer entry on a ChatLog. Events arrive in order and are
// never applied concurrently; the backend guarantees in-order delivery and
// the owning session serializes Apply calls.
//
// The current-conversation accessor is injected rather than captured so
// every mutating write re-reads the live pointer: once the user has
// navigated to a different conversation, further events for this turn are
// dropped silently. That is a normal navigation race, not a fault.
type Turn struct {
	log       *ChatLog
	currentID func() string
	persist   func()

	conversationAtStart string
	state               TurnState

	questionID string
	answerID   string
	idAssigned bool
	agentMode  bool

	newConversationID string
	taskID            string
}

// NewTurn prepares a turn against the given log. currentID must return the
// registry's live pointer; persist is invoked after every applied mutation
// so the cache always holds the latest snapshot.
func NewTurn(log *ChatLog, conversationAtStart string, currentID func() string, persist func()) *Turn {
	if persist == nil {
		persist = func() {}
	}
	return &Turn{
		log:                 log,
		currentID:           currentID,
		persist:             persist,
		conversationAtStart: conversationAtStart,
		state:               TurnIdle,
	}
}

// Begin optimistically appends the question entry and an empty placeholder
// answer before any network event arrives. Returns the question entry id.
func (t *Turn) Begin(query string, files []model.File) string {
	now := time.Now().UnixMilli()
	t.questionID = fmt.Sprintf("question-%d-%s", now, uuid.Must(uuid.NewV7()).String())
	t.answerID = fmt.Sprintf("answer-placeholder-%d-%s", now, uuid.Must(uuid.NewV7()).String())

	t.log.Append(model.ChatEntry{
		ID:      t.questionID,
		Content: query,
		Files:   files,
	})
	t.log.Append(model.ChatEntry{
		ID:       t.answerID,
		IsAnswer: true,
	})

	t.state = TurnSent
	t.persist()
	return t.questionID
}

// State returns the turn's current state.
func (t *Turn) State() TurnState {
	return t.state
}

// AnswerID returns the answer entry's current id, which may have been
// reassigned from the client placeholder to the backend's message id.
func (t *Turn) AnswerID() string {
	return t.answerID
}

// TaskID returns the transport task id seen last, used for hard aborts.
func (t *Turn) TaskID() string {
	return t.taskID
}

// NewConversationID returns the server-assigned conversation id when this
// turn created a brand-new conversation, or "".
func (t *Turn) NewConversationID() string {
	return t.newConversationID
}

// Superseded reports whether the turn stopped applying updates because the
// user navigated away.
func (t *Turn) Superseded() bool {
	return t.state == TurnSuperseded
}

// Apply folds one transport event into the log. Events after a terminal
// state are ignored.
func (t *Turn) Apply(ev model.StreamEvent) {
	switch t.state {
	case TurnCompleted, TurnErrored, TurnSuperseded:
		return
	}

	// Re-read the live pointer before every mutating write. The check
	// happens here, not at turn start: the switch can land between any
	// two events.
	if t.currentID() != t.conversationAtStart {
		t.state = TurnSuperseded
		return
	}

	switch e := ev.(type) {
	case model.TextDeltaEvent:
		t.applyTextDelta(e)
	case model.ThoughtEvent:
		t.applyThought(e)
	case model.FileEvent:
		t.applyFile(e)
	case model.MessageEndEvent:
		t.applyMessageEnd(e)
	case model.MessageReplaceEvent:
		if entry := t.log.Find(e.MessageID); entry != nil {
			entry.Content = e.Content
		}
	case model.WorkflowStartedEvent:
		if answer := t.log.Find(t.answerID); answer != nil {
			answer.WorkflowProcess = &model.WorkflowProcess{
				RunID:   e.RunID,
				Status:  model.WorkflowRunning,
				Tracing: []model.NodeExecution{},
			}
		}
		if e.TaskID != "" {
			t.taskID = e.TaskID
		}
	case model.NodeStartedEvent:
		if answer := t.log.Find(t.answerID); answer != nil && answer.WorkflowProcess != nil {
			answer.WorkflowProcess.Tracing = append(answer.WorkflowProcess.Tracing, e.Node)
		}
	case model.NodeFinishedEvent:
		t.applyNodeFinished(e)
	case model.WorkflowFinishedEvent:
		if answer := t.log.Find(t.answerID); answer != nil && answer.WorkflowProcess != nil {
			answer.WorkflowProcess.Status = e.Status
		}
	case model.StreamErrorEvent:
		t.fail()
		return
	}

	t.persist()
}

// Complete finalizes the turn after the transport's terminal signal. The
// live pointer is re-read one last time: a navigation landing between the
// final stream event and this call supersedes the turn, and the caller's
// completion bookkeeping must not persist under the retired conversation.
func (t *Turn) Complete() {
	switch t.state {
	case TurnSent, TurnStreaming:
		if t.currentID() != t.conversationAtStart {
			t.state = TurnSuperseded
			return
		}
		t.state = TurnCompleted
	}
}

// Fail rolls the optimistic placeholder back after a mid-stream transport
// failure surfaced outside the event stream.
func (t *Turn) Fail() {
	switch t.state {
	case TurnSent, TurnStreaming:
		if t.currentID() != t.conversationAtStart {
			t.state = TurnSuperseded
			return
		}
		t.fail()
		t.persist()
	}
}

// fail removes the placeholder answer entirely while keeping the question:
// the user's input was real even though the answer never arrived.
func (t *Turn) fail() {
	t.log.Remove(t.answerID)
	t.state = TurnErrored
}

func (t *Turn) applyTextDelta(e model.TextDeltaEvent) {
	t.state = TurnStreaming

	t.assignMessageID(e.MessageID)
	if e.First && e.ConversationID != "" {
		t.newConversationID = e.ConversationID
	}
	if e.TaskID != "" {
		t.taskID = e.TaskID
	}

	answer := t.log.Find(t.answerID)
	if answer == nil {
		return
	}

	if t.agentMode {
		// In tool mode deltas grow the last open thought, not the
		// answer body.
		if n := len(answer.AgentThoughts); n > 0 {
			answer.AgentThoughts[n-1].Thought += e.Text
		}
		return
	}
	answer.Content += e.Text
}

func (t *Turn) applyThought(e model.ThoughtEvent) {
	t.state = TurnStreaming
	t.agentMode = true
	t.assignMessageID(e.Thought.MessageID)

	answer := t.log.Find(t.answerID)
	if answer == nil {
		return
	}

	n := len(answer.AgentThoughts)
	if n > 0 && answer.AgentThoughts[n-1].ID == e.Thought.ID {
		// Same thought id: update in place, keeping the text and files
		// accumulated through deltas.
		updated := e.Thought
		updated.Thought = answer.AgentThoughts[n-1].Thought
		updated.Files = answer.AgentThoughts[n-1].Files
		answer.AgentThoughts[n-1] = updated
		return
	}
	answer.AgentThoughts = append(answer.AgentThoughts, e.Thought)
}

func (t *Turn) applyFile(e model.FileEvent) {
	answer := t.log.Find(t.answerID)
	if answer == nil {
		return
	}
	if n := len(answer.AgentThoughts); n > 0 {
		answer.AgentThoughts[n-1].Files = append(answer.AgentThoughts[n-1].Files, e.File)
	}
}

func (t *Turn) applyMessageEnd(e model.MessageEndEvent) {
	t.assignMessageID(e.MessageID)

	answer := t.log.Find(t.answerID)
	if answer == nil {
		return
	}
	if len(e.SuggestedQuestions) > 0 {
		answer.SuggestedQuestions = e.SuggestedQuestions
	}
	if e.Annotation != nil {
		answer.Annotation = e.Annotation
	}
}

func (t *Turn) applyNodeFinished(e model.NodeFinishedEvent) {
	answer := t.log.Find(t.answerID)
	if answer == nil || answer.WorkflowProcess == nil {
		return
	}
	for i := range answer.WorkflowProcess.Tracing {
		if answer.WorkflowProcess.Tracing[i].NodeID == e.Node.NodeID {
			answer.WorkflowProcess.Tracing[i] = e.Node
			return
		}
	}
}

// assignMessageID renames the placeholder to the backend's message id. The
// first assignment wins; duplicate deliveries are no-ops. Every later
// lookup keys on the renamed id.
func (t *Turn) assignMessageID(messageID string) {
	if messageID == "" || t.idAssigned {
		return
	}
	if answer := t.log.Find(t.answerID); answer != nil {
		answer.ID = messageID
	}
	t.answerID = messageID
	t.idAssigned = true
}
