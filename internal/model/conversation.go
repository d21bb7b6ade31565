// Package model defines data structures for the chat embed gateway.
package model

// NewConversationID is the sentinel id for a conversation that exists only
// locally and has not been assigned an id by the backend yet. All messages
// sent under this id belong to a provisional conversation until the backend
// returns a real one.
const NewConversationID = "-1"

// Conversation represents one logical chat thread as the embed client sees
// it. Created locally with the sentinel id before any server round-trip;
// only the name is mutated after the backend assigns one.
type Conversation struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Introduction string         `json:"introduction"`
	Inputs       map[string]any `json:"inputs"`
}

// IsNew reports whether the conversation is still local-only.
func (c *Conversation) IsNew() bool {
	return c.ID == NewConversationID
}

// EmbedContext is the host-supplied identity for one embedded widget
// instance. AppID is mandatory; PatientID and RecordType disambiguate
// otherwise-identical conversation ids across embedding contexts.
type EmbedContext struct {
	AppID      string `json:"app_id"`
	PatientID  string `json:"patient_id,omitempty"`
	RecordType string `json:"record_type,omitempty"`
	UserID     string `json:"user_id,omitempty"`
}

// FeedbackRating is a user rating on an answer entry.
type FeedbackRating string

const (
	FeedbackLike    FeedbackRating = "like"
	FeedbackDislike FeedbackRating = "dislike"
)

// Feedback holds the rating attached to an answer.
type Feedback struct {
	Rating FeedbackRating `json:"rating"`
}
