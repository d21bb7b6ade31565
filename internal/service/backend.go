package service

import (
	"context"
	"errors"

	"github.com/mediflow-ai/chat-embed-gateway/internal/model"
)

// Backend is the upstream conversational-AI API the gateway fronts. The
// wire format is the transport's concern; the core consumes ordered
// StreamEvents and plain fetch results.
type Backend interface {
	// SendChatMessage streams one send. apply is invoked for every
	// transport event, in delivery order, from a single goroutine.
	// SendChatMessage returns after the terminal signal; a non-nil error
	// means the turn failed mid-stream.
	SendChatMessage(ctx context.Context, req *model.ChatRequest, apply func(model.StreamEvent)) error

	// FetchConversations lists the conversations known to the backend.
	FetchConversations(ctx context.Context) ([]model.Conversation, error)

	// FetchAppParams returns the static app configuration.
	FetchAppParams(ctx context.Context) (*model.AppParams, error)

	// FetchChatList returns the message history of a conversation.
	FetchChatList(ctx context.Context, conversationID string) ([]model.HistoryRecord, error)

	// UpdateFeedback persists a rating for a message.
	UpdateFeedback(ctx context.Context, messageID string, rating model.FeedbackRating) error

	// RenameConversation asks the backend to auto-generate a name.
	RenameConversation(ctx context.Context, conversationID string) (model.Conversation, error)
}

// Titler generates a conversation title locally when the backend's rename
// endpoint is unavailable.
type Titler interface {
	GenerateTitle(ctx context.Context, question, answer string) (string, error)
}

// Journal receives best-effort lifecycle events for downstream consumers.
// Implementations must never block a turn.
type Journal interface {
	ConversationCreated(ctx context.Context, appID, conversationID string)
	TurnFinished(ctx context.Context, appID, conversationID, messageID, status string)
}

type userContextKey struct{}

// WithUser tags ctx with the backend end-user identity the transport
// should send upstream.
func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userContextKey{}, user)
}

// UserFromContext returns the end-user identity set by WithUser, or "".
func UserFromContext(ctx context.Context) string {
	user, _ := ctx.Value(userContextKey{}).(string)
	return user
}

// Errors surfaced to the embed client.
var (
	// ErrAppUnavailable: no app identity configured, or the mandatory
	// initial load failed. The UI shows an unavailable state; nothing is
	// retried.
	ErrAppUnavailable = errors.New("app unavailable")

	// ErrTurnInProgress: a send was attempted while another turn is
	// active. The gateway does not pipeline sends.
	ErrTurnInProgress = errors.New("a response is still in progress")
)
