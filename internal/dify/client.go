// Package dify implements the upstream chat transport against a
// Dify-compatible conversational-AI API. Payloads are treated as loose
// JSON and picked apart with gjson; the rest of the gateway only ever sees
// the typed events and records defined in internal/model.
package dify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"

	"github.com/mediflow-ai/chat-embed-gateway/internal/model"
	"github.com/mediflow-ai/chat-embed-gateway/internal/service"
	"github.com/mediflow-ai/chat-embed-gateway/pkg/logger"
	"github.com/mediflow-ai/chat-embed-gateway/pkg/metrics"
)

// Client talks to one Dify application API.
type Client struct {
	baseURL     string
	apiKey      string
	defaultUser string
	httpClient  *http.Client
	log         *logger.Logger
}

// Config holds the upstream connection settings.
type Config struct {
	BaseURL     string
	APIKey      string
	DefaultUser string
	Timeout     time.Duration
}

// NewClient creates a transport client. The stream request itself runs
// without a client-level timeout; only the dial/TLS phases are bounded.
func NewClient(cfg Config, log *logger.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:     cfg.BaseURL,
		apiKey:      cfg.APIKey,
		defaultUser: cfg.DefaultUser,
		httpClient:  &http.Client{Timeout: timeout},
		log:         log,
	}
}

func (c *Client) user(ctx context.Context) string {
	if u := service.UserFromContext(ctx); u != "" {
		return u
	}
	return c.defaultUser
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// doJSON executes req and returns the parsed body. Non-2xx responses
// become errors carrying the upstream message when one is present.
func (c *Client) doJSON(req *http.Request, op string) (gjson.Result, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	status := "error"
	defer func() {
		metrics.BackendRequestDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
	}()
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s: read body: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := gjson.GetBytes(data, "message").String()
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return gjson.Result{}, fmt.Errorf("%s: upstream %d: %s", op, resp.StatusCode, msg)
	}

	status = "ok"
	return gjson.ParseBytes(data), nil
}

// FetchConversations lists conversations for the requesting user.
func (c *Client) FetchConversations(ctx context.Context) ([]model.Conversation, error) {
	q := url.Values{"user": {c.user(ctx)}, "limit": {"100"}}
	req, err := c.newRequest(ctx, http.MethodGet, "/conversations", q, nil)
	if err != nil {
		return nil, err
	}

	body, err := c.doJSON(req, "conversations")
	if err != nil {
		return nil, err
	}

	var out []model.Conversation
	body.Get("data").ForEach(func(_, item gjson.Result) bool {
		out = append(out, parseConversation(item))
		return true
	})
	return out, nil
}

// FetchAppParams returns the static app configuration.
func (c *Client) FetchAppParams(ctx context.Context) (*model.AppParams, error) {
	q := url.Values{"user": {c.user(ctx)}}
	req, err := c.newRequest(ctx, http.MethodGet, "/parameters", q, nil)
	if err != nil {
		return nil, err
	}

	body, err := c.doJSON(req, "parameters")
	if err != nil {
		return nil, err
	}

	params := &model.AppParams{
		OpeningStatement: body.Get("opening_statement").String(),
		PromptVariables:  parsePromptVariables(body.Get("user_input_form")),
	}
	// Chat-flow apps publish suggested_questions, agent apps
	// opening_questions; take whichever is present.
	for _, field := range []string{"opening_questions", "suggested_questions"} {
		if arr := body.Get(field); arr.Exists() {
			arr.ForEach(func(_, v gjson.Result) bool {
				params.SuggestedQuestions = append(params.SuggestedQuestions, v.String())
				return true
			})
			if len(params.SuggestedQuestions) > 0 {
				break
			}
		}
	}

	img := body.Get("file_upload.image")
	params.Vision = model.VisionSettings{
		Enabled:        img.Get("enabled").Bool(),
		NumberLimits:   int(img.Get("number_limits").Int()),
		Detail:         img.Get("detail").String(),
		ImageSizeLimit: int(body.Get("system_parameters.image_file_size_limit").Int()),
	}
	img.Get("transfer_methods").ForEach(func(_, v gjson.Result) bool {
		params.Vision.TransferMethods = append(params.Vision.TransferMethods, v.String())
		return true
	})

	return params, nil
}

// FetchChatList returns the message history of a conversation.
func (c *Client) FetchChatList(ctx context.Context, conversationID string) ([]model.HistoryRecord, error) {
	q := url.Values{
		"user":            {c.user(ctx)},
		"conversation_id": {conversationID},
		"limit":           {"100"},
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/messages", q, nil)
	if err != nil {
		return nil, err
	}

	body, err := c.doJSON(req, "messages")
	if err != nil {
		return nil, err
	}

	var out []model.HistoryRecord
	body.Get("data").ForEach(func(_, item gjson.Result) bool {
		out = append(out, parseHistoryRecord(item))
		return true
	})
	return out, nil
}

// UpdateFeedback persists a rating for a message.
func (c *Client) UpdateFeedback(ctx context.Context, messageID string, rating model.FeedbackRating) error {
	payload := map[string]any{"rating": string(rating), "user": c.user(ctx)}
	req, err := c.newRequest(ctx, http.MethodPost, "/messages/"+messageID+"/feedbacks", nil, payload)
	if err != nil {
		return err
	}
	_, err = c.doJSON(req, "feedback")
	return err
}

// RenameConversation asks the backend to auto-generate a conversation
// name.
func (c *Client) RenameConversation(ctx context.Context, conversationID string) (model.Conversation, error) {
	payload := map[string]any{"auto_generate": true, "user": c.user(ctx)}
	req, err := c.newRequest(ctx, http.MethodPost, "/conversations/"+conversationID+"/name", nil, payload)
	if err != nil {
		return model.Conversation{}, err
	}

	body, err := c.doJSON(req, "rename")
	if err != nil {
		return model.Conversation{}, err
	}
	return parseConversation(body), nil
}

func parseConversation(item gjson.Result) model.Conversation {
	conv := model.Conversation{
		ID:           item.Get("id").String(),
		Name:         item.Get("name").String(),
		Introduction: item.Get("introduction").String(),
		Inputs:       map[string]any{},
	}
	item.Get("inputs").ForEach(func(key, value gjson.Result) bool {
		conv.Inputs[key.String()] = value.Value()
		return true
	})
	return conv
}

func parseHistoryRecord(item gjson.Result) model.HistoryRecord {
	rec := model.HistoryRecord{
		ID:     item.Get("id").String(),
		Query:  item.Get("query").String(),
		Answer: item.Get("answer").String(),
	}
	item.Get("agent_thoughts").ForEach(func(_, t gjson.Result) bool {
		rec.Thoughts = append(rec.Thoughts, parseThought(t))
		return true
	})
	item.Get("message_files").ForEach(func(_, f gjson.Result) bool {
		rec.Files = append(rec.Files, parseFile(f))
		return true
	})
	if rating := item.Get("feedback.rating").String(); rating != "" {
		rec.Feedback = &model.Feedback{Rating: model.FeedbackRating(rating)}
	}
	return rec
}

func parseThought(t gjson.Result) model.Thought {
	thought := model.Thought{
		ID:          t.Get("id").String(),
		MessageID:   t.Get("message_id").String(),
		Thought:     t.Get("thought").String(),
		Tool:        t.Get("tool").String(),
		ToolInput:   t.Get("tool_input").String(),
		Observation: t.Get("observation").String(),
		Position:    int(t.Get("position").Int()),
	}
	t.Get("message_files").ForEach(func(_, f gjson.Result) bool {
		if f.IsObject() {
			thought.Files = append(thought.Files, parseFile(f))
		} else {
			thought.Files = append(thought.Files, model.File{ID: f.String()})
		}
		return true
	})
	return thought
}

func parseFile(f gjson.Result) model.File {
	return model.File{
		ID:             f.Get("id").String(),
		Type:           f.Get("type").String(),
		URL:            f.Get("url").String(),
		TransferMethod: f.Get("transfer_method").String(),
		BelongsTo:      model.FileOwner(f.Get("belongs_to").String()),
		UploadFileID:   f.Get("upload_file_id").String(),
	}
}
