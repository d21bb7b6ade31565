package llm

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	content string
	err     error
	lastReq *CompletionRequest
}

func (f *fakeClient) Complete(_ context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &CompletionResponse{Content: f.content}, nil
}

func (f *fakeClient) Name() string { return "fake" }

func TestGenerateTitle(t *testing.T) {
	client := &fakeClient{content: "入院病历总结"}
	titler := NewTitler(client, "test-model")

	title, err := titler.GenerateTitle(context.Background(), "帮我总结入院病历", "患者三天前入院。")
	require.NoError(t, err)
	assert.Equal(t, "入院病历总结", title)

	require.NotNil(t, client.lastReq)
	assert.Equal(t, "test-model", client.lastReq.Model)
	require.Len(t, client.lastReq.Messages, 1)
	assert.Contains(t, client.lastReq.Messages[0].Content, "帮我总结入院病历")
	assert.Contains(t, client.lastReq.Messages[0].Content, "患者三天前入院。")
}

func TestGenerateTitleRejectsEmptyQuestion(t *testing.T) {
	titler := NewTitler(&fakeClient{content: "x"}, "")
	_, err := titler.GenerateTitle(context.Background(), "  ", "answer")
	assert.Error(t, err)
}

func TestGenerateTitleTruncatesLongExchange(t *testing.T) {
	client := &fakeClient{content: "标题"}
	titler := NewTitler(client, "")

	long := strings.Repeat("病", 2000)
	_, err := titler.GenerateTitle(context.Background(), long, "")
	require.NoError(t, err)
	assert.LessOrEqual(t, len([]rune(client.lastReq.Messages[0].Content)), 1200)
}

func TestCleanTitle(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`"Patient Intake Summary"`, "Patient Intake Summary"},
		{"“入院记录分析”", "入院记录分析"},
		{"Title here.\nSecond line ignored", "Title here"},
		{"用药建议。", "用药建议"},
		{"  Admission Review!  ", "Admission Review"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cleanTitle(tt.raw))
	}
}

func TestCleanTitleCapsLength(t *testing.T) {
	long := strings.Repeat("很", 100)
	assert.Equal(t, 60, len([]rune(cleanTitle(long))))
}
