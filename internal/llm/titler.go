package llm

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// maxTitleLen caps generated titles; the conversation sidebar truncates
// anything longer anyway.
const maxTitleLen = 60

// maxExchangeLen bounds the prompt excerpt taken from each side of the
// first exchange.
const maxExchangeLen = 800

const titleSystemPrompt = "You name chat conversations. Reply with a short descriptive title " +
	"for the conversation, at most six words, in the language of the conversation. " +
	"Reply with the title only: no quotes, no punctuation at the end, no explanation."

// Titler generates conversation titles from the first exchange of a
// conversation.
type Titler struct {
	client Client
	model  string
}

// NewTitler wraps an LLM client for title generation. model may be empty
// to use the provider default.
func NewTitler(client Client, model string) *Titler {
	return &Titler{client: client, model: model}
}

// GenerateTitle produces a short title for a conversation opened by
// question and answered by answer.
func (t *Titler) GenerateTitle(ctx context.Context, question, answer string) (string, error) {
	if strings.TrimSpace(question) == "" {
		return "", fmt.Errorf("empty question")
	}

	prompt := fmt.Sprintf("User: %s", truncate(question, maxExchangeLen))
	if strings.TrimSpace(answer) != "" {
		prompt += fmt.Sprintf("\n\nAssistant: %s", truncate(answer, maxExchangeLen))
	}

	resp, err := t.client.Complete(ctx, &CompletionRequest{
		Model: t.model,
		Messages: []ChatMessage{
			{Role: "user", Content: titleSystemPrompt + "\n\n" + prompt},
		},
		MaxTokens:   64,
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("title completion: %w", err)
	}

	title := cleanTitle(resp.Content)
	if title == "" {
		return "", fmt.Errorf("empty title from %s", t.client.Name())
	}
	return title, nil
}

// cleanTitle strips the decoration models add despite instructions.
func cleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	if idx := strings.IndexByte(title, '\n'); idx >= 0 {
		title = strings.TrimSpace(title[:idx])
	}
	title = strings.Trim(title, `"'“”‘’`)
	title = strings.TrimRight(title, ".!。")
	return truncate(title, maxTitleLen)
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}
