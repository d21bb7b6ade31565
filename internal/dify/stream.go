package dify

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/mediflow-ai/chat-embed-gateway/internal/model"
	"github.com/mediflow-ai/chat-embed-gateway/pkg/metrics"
)

// maxSSELineSize bounds a single stream line; agent_thought events carry
// full tool observations inline.
const maxSSELineSize = 4 << 20

// SendChatMessage opens the streamed chat endpoint and folds the SSE
// events into typed StreamEvents, invoking apply for each one in wire
// order. It returns after the stream closes; an upstream error event
// is both applied and returned.
func (c *Client) SendChatMessage(ctx context.Context, chatReq *model.ChatRequest, apply func(model.StreamEvent)) error {
	payload := map[string]any{
		"inputs":        chatReq.Inputs,
		"query":         chatReq.Query,
		"response_mode": "streaming",
		"user":          c.user(ctx),
	}
	if chatReq.Inputs == nil {
		payload["inputs"] = map[string]any{}
	}
	if chatReq.ConversationID != "" {
		payload["conversation_id"] = chatReq.ConversationID
	}
	if len(chatReq.Files) > 0 {
		payload["files"] = chatReq.Files
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/chat-messages", nil, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// Streams outlive the client-level timeout; use a bare transport
	// call bounded only by ctx.
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("chat-messages: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body := make([]byte, 4096)
		n, _ := resp.Body.Read(body)
		msg := gjson.GetBytes(body[:n], "message").String()
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("chat-messages: upstream %d: %s", resp.StatusCode, msg)
	}

	metrics.BackendStreams.Inc()
	defer metrics.BackendStreams.Dec()

	var streamErr error
	firstChunk := true

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxSSELineSize)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		ev, terminal := c.parseEvent(gjson.Parse(data), &firstChunk)
		if ev == nil {
			continue
		}
		apply(ev)
		if errEv, ok := ev.(model.StreamErrorEvent); ok {
			streamErr = fmt.Errorf("stream error %s: %s", errEv.Code, errEv.Message)
		}
		if terminal && streamErr != nil {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		if streamErr == nil {
			streamErr = fmt.Errorf("stream read: %w", err)
		}
		c.log.Warn("chat stream aborted", zap.Error(err))
	}
	return streamErr
}

// parseEvent maps one upstream event object to a typed StreamEvent. The
// second return tells the loop the stream is semantically over. Unknown
// event kinds are skipped so newer upstream versions degrade gracefully.
func (c *Client) parseEvent(item gjson.Result, firstChunk *bool) (model.StreamEvent, bool) {
	switch kind := item.Get("event").String(); kind {
	case "message", "agent_message":
		ev := model.TextDeltaEvent{
			Text:           item.Get("answer").String(),
			ConversationID: item.Get("conversation_id").String(),
			MessageID:      firstNonEmpty(item.Get("message_id").String(), item.Get("id").String()),
			TaskID:         item.Get("task_id").String(),
			First:          *firstChunk,
		}
		*firstChunk = false
		return ev, false

	case "agent_thought":
		return model.ThoughtEvent{Thought: parseThought(item)}, false

	case "message_file":
		return model.FileEvent{File: parseFile(item)}, false

	case "message_end":
		ev := model.MessageEndEvent{
			MessageID: firstNonEmpty(item.Get("message_id").String(), item.Get("id").String()),
		}
		item.Get("metadata.suggested_questions").ForEach(func(_, v gjson.Result) bool {
			ev.SuggestedQuestions = append(ev.SuggestedQuestions, v.String())
			return true
		})
		if reply := item.Get("metadata.annotation_reply"); reply.Exists() {
			ev.Annotation = &model.Annotation{
				ID:         reply.Get("id").String(),
				AuthorName: reply.Get("account.name").String(),
			}
		}
		return ev, true

	case "message_replace":
		return model.MessageReplaceEvent{
			MessageID: firstNonEmpty(item.Get("message_id").String(), item.Get("id").String()),
			Content:   item.Get("answer").String(),
		}, false

	case "workflow_started":
		return model.WorkflowStartedEvent{
			RunID:  item.Get("workflow_run_id").String(),
			TaskID: item.Get("task_id").String(),
		}, false

	case "node_started":
		return model.NodeStartedEvent{Node: parseNode(item.Get("data"))}, false

	case "node_finished":
		return model.NodeFinishedEvent{Node: parseNode(item.Get("data"))}, false

	case "workflow_finished":
		return model.WorkflowFinishedEvent{
			Status: model.WorkflowStatus(item.Get("data.status").String()),
		}, true

	case "error":
		return model.StreamErrorEvent{
			Code:    item.Get("code").String(),
			Message: firstNonEmpty(item.Get("message").String(), "unknown stream error"),
		}, true

	case "ping":
		return nil, false

	default:
		c.log.Debug("skipping unknown stream event", zap.String("event", kind))
		return nil, false
	}
}

func parseNode(data gjson.Result) model.NodeExecution {
	return model.NodeExecution{
		NodeID:      data.Get("node_id").String(),
		NodeType:    data.Get("node_type").String(),
		Title:       data.Get("title").String(),
		Status:      data.Get("status").String(),
		Error:       data.Get("error").String(),
		ElapsedTime: data.Get("elapsed_time").Float(),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
