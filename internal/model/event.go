package model

// StreamEvent is one transport-level event delivered, in order, during a
// streamed send. The concrete types below form a closed union; the
// streaming reducer applies them with an exhaustive type switch.
type StreamEvent interface {
	streamEvent()
}

// TextDeltaEvent appends text to the in-flight answer (or, in tool mode,
// to the last open thought). The first delta of a request that had no
// conversation id carries the server-assigned conversation id.
type TextDeltaEvent struct {
	Text           string
	ConversationID string
	MessageID      string
	TaskID         string
	First          bool
}

// ThoughtEvent opens or updates a tool-invocation thought. Receiving any
// thought switches the turn into tool mode for its remainder.
type ThoughtEvent struct {
	Thought Thought
}

// FileEvent attaches a file to the currently open thought.
type FileEvent struct {
	File File
}

// MessageEndEvent closes the answer, carrying the authoritative message id
// plus optional suggestions and an optional annotated-reply marker.
type MessageEndEvent struct {
	MessageID          string
	SuggestedQuestions []string
	Annotation         *Annotation
}

// MessageReplaceEvent overwrites the full content of the entry with the
// given id.
type MessageReplaceEvent struct {
	MessageID string
	Content   string
}

// WorkflowStartedEvent begins a workflow trace on the answer.
type WorkflowStartedEvent struct {
	RunID  string
	TaskID string
}

// NodeStartedEvent appends a node-execution record to the trace.
type NodeStartedEvent struct {
	Node NodeExecution
}

// NodeFinishedEvent replaces the trace record matching the node id.
type NodeFinishedEvent struct {
	Node NodeExecution
}

// WorkflowFinishedEvent finalizes the workflow trace status.
type WorkflowFinishedEvent struct {
	Status WorkflowStatus
}

// StreamErrorEvent is the terminal error signal for a turn.
type StreamErrorEvent struct {
	Code    string
	Message string
}

func (TextDeltaEvent) streamEvent()        {}
func (ThoughtEvent) streamEvent()          {}
func (FileEvent) streamEvent()             {}
func (MessageEndEvent) streamEvent()       {}
func (MessageReplaceEvent) streamEvent()   {}
func (WorkflowStartedEvent) streamEvent()  {}
func (NodeStartedEvent) streamEvent()      {}
func (NodeFinishedEvent) streamEvent()     {}
func (WorkflowFinishedEvent) streamEvent() {}
func (StreamErrorEvent) streamEvent()      {}
