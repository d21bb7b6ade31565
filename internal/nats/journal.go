package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/mediflow-ai/chat-embed-gateway/pkg/metrics"
)

const (
	// StreamName is the name of the embed-events stream.
	StreamName = "EMBED_EVENTS"

	// SubjectPrefix is the prefix for all embed event subjects.
	SubjectPrefix = "embed"
)

// publishTimeout bounds a single journal publish. Turn completion never
// waits on these; the bound only keeps goroutines from piling up when the
// broker is unreachable.
const publishTimeout = 5 * time.Second

// Journal publishes conversation lifecycle events to JetStream. All
// publishes are best-effort: failures are logged and counted, never
// surfaced to the turn that produced them.
type Journal struct {
	client *Client
}

// NewJournal creates the event journal and ensures its stream exists.
func NewJournal(ctx context.Context, client *Client) (*Journal, error) {
	js := client.JetStream()

	if _, err := js.Stream(ctx, StreamName); err != nil {
		_, err = js.CreateStream(ctx, jetstream.StreamConfig{
			Name:        StreamName,
			Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
			Retention:   jetstream.LimitsPolicy,
			MaxAge:      90 * 24 * time.Hour,
			MaxBytes:    10 * 1024 * 1024 * 1024, // 10GB
			Storage:     jetstream.FileStorage,
			Replicas:    1,
			Compression: jetstream.S2Compression,
			Description: "Embed conversation lifecycle events",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create stream: %w", err)
		}
	}

	return &Journal{client: client}, nil
}

type conversationCreatedEvent struct {
	AppID          string    `json:"app_id"`
	ConversationID string    `json:"conversation_id"`
	CreatedAt      time.Time `json:"created_at"`
}

type turnFinishedEvent struct {
	AppID          string    `json:"app_id"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id,omitempty"`
	Status         string    `json:"status"`
	FinishedAt     time.Time `json:"finished_at"`
}

// ConversationCreated records a conversation promotion.
func (j *Journal) ConversationCreated(ctx context.Context, appID, conversationID string) {
	j.publish(ctx, fmt.Sprintf("%s.%s.conversation.created", SubjectPrefix, appID), "conversation_created", conversationCreatedEvent{
		AppID:          appID,
		ConversationID: conversationID,
		CreatedAt:      time.Now().UTC(),
	})
}

// TurnFinished records the outcome of one streamed turn.
func (j *Journal) TurnFinished(ctx context.Context, appID, conversationID, messageID, status string) {
	j.publish(ctx, fmt.Sprintf("%s.%s.turn.%s", SubjectPrefix, appID, status), "turn_finished", turnFinishedEvent{
		AppID:          appID,
		ConversationID: conversationID,
		MessageID:      messageID,
		Status:         status,
		FinishedAt:     time.Now().UTC(),
	})
}

func (j *Journal) publish(ctx context.Context, subject, kind string, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		j.client.log.Error("failed to marshal journal event", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if _, err := j.client.JetStream().Publish(ctx, subject, data); err != nil {
		metrics.JournalErrors.Inc()
		j.client.log.Warn("journal publish failed",
			zap.String("subject", subject),
			zap.Error(err),
		)
		return
	}
	metrics.JournalEvents.WithLabelValues(kind).Inc()
}
