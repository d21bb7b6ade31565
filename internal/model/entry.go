package model

// FileOwner tags an attached file with the role it belongs to.
type FileOwner string

const (
	FileOwnerUser      FileOwner = "user"
	FileOwnerAssistant FileOwner = "assistant"
)

// File is an attachment carried by an entry or a thought.
type File struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	URL            string    `json:"url,omitempty"`
	TransferMethod string    `json:"transfer_method,omitempty"`
	BelongsTo      FileOwner `json:"belongs_to,omitempty"`
	UploadFileID   string    `json:"upload_file_id,omitempty"`
}

// Thought is a tool-invocation trace attached to an answer. Thoughts are
// incrementally updatable while a turn streams: an event carrying an
// already-seen thought id updates that thought in place.
type Thought struct {
	ID          string `json:"id"`
	MessageID   string `json:"message_id,omitempty"`
	Thought     string `json:"thought"`
	Tool        string `json:"tool,omitempty"`
	ToolInput   string `json:"tool_input,omitempty"`
	Observation string `json:"observation,omitempty"`
	Position    int    `json:"position"`
	Files       []File `json:"message_files,omitempty"`
}

// WorkflowStatus is the running state of a workflow trace.
type WorkflowStatus string

const (
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowSucceeded WorkflowStatus = "succeeded"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowStopped   WorkflowStatus = "stopped"
)

// NodeExecution is one node-execution record within a workflow trace,
// keyed by NodeID. A node-finished event replaces the record with the
// matching id rather than appending a duplicate.
type NodeExecution struct {
	NodeID      string  `json:"node_id"`
	NodeType    string  `json:"node_type,omitempty"`
	Title       string  `json:"title,omitempty"`
	Status      string  `json:"status,omitempty"`
	Error       string  `json:"error,omitempty"`
	ElapsedTime float64 `json:"elapsed_time,omitempty"`
}

// WorkflowProcess is the workflow-execution trace attached to an answer.
type WorkflowProcess struct {
	RunID   string          `json:"workflow_run_id,omitempty"`
	Status  WorkflowStatus  `json:"status"`
	Tracing []NodeExecution `json:"tracing"`
}

// Annotation marks an answer that was served from a canned/annotated reply.
type Annotation struct {
	ID         string `json:"id"`
	AuthorName string `json:"author_name,omitempty"`
}

// ChatEntry is a single turn in a chat history: either a question
// (user-authored, immutable once created) or an answer (assistant-authored,
// mutable while streaming). Histories are flat, insertion-ordered sequences
// in which questions and answers alternate in causal order.
//
// An answer's id may be reassigned from a client-generated placeholder to a
// backend-assigned message id exactly once during the streaming lifecycle;
// every lookup during that transition keys on the current id.
type ChatEntry struct {
	ID                 string           `json:"id"`
	Content            string           `json:"content"`
	IsAnswer           bool             `json:"isAnswer"`
	AgentThoughts      []Thought        `json:"agent_thoughts,omitempty"`
	Files              []File           `json:"message_files,omitempty"`
	Feedback           *Feedback        `json:"feedback,omitempty"`
	Annotation         *Annotation      `json:"annotation,omitempty"`
	WorkflowProcess    *WorkflowProcess `json:"workflowProcess,omitempty"`
	SuggestedQuestions []string         `json:"suggestedQuestions,omitempty"`
	IsOpeningStatement bool             `json:"isOpeningStatement,omitempty"`
	FeedbackDisabled   bool             `json:"feedbackDisabled,omitempty"`
}

// HistoryRecord is one backend message record as returned by the history
// fetch: a query/answer pair with optional traces and attachments. The
// controller expands each record into one question entry and one answer
// entry.
type HistoryRecord struct {
	ID       string    `json:"id"`
	Query    string    `json:"query"`
	Answer   string    `json:"answer"`
	Thoughts []Thought `json:"agent_thoughts,omitempty"`
	Files    []File    `json:"message_files,omitempty"`
	Feedback *Feedback `json:"feedback,omitempty"`
}

// ChatRequest is the outbound payload for one streamed send.
type ChatRequest struct {
	Inputs         map[string]any `json:"inputs"`
	Query          string         `json:"query"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Files          []File         `json:"files,omitempty"`
	User           string         `json:"user,omitempty"`
}
