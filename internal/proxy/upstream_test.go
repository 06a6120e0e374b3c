package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/keymux/keymux/internal/dialect"
	"github.com/keymux/keymux/internal/tokenizer"
)

func TestOutputTokensFromResponse(t *testing.T) {
	tests := []struct {
		name string
		out  dialect.API
		body string
		want int
	}{
		{
			"openai usage block wins",
			dialect.OpenAI,
			`{"choices":[{"message":{"content":"hello"}}],"usage":{"completion_tokens":7}}`,
			7,
		},
		{
			"openai without usage falls back to the text estimate",
			dialect.OpenAI,
			`{"choices":[{"message":{"content":"twelve chars"}}]}`,
			tokenizer.EstimateText("twelve chars"),
		},
		{
			"openai text without usage estimates the completion",
			dialect.OpenAIText,
			`{"choices":[{"text":"some completion"}]}`,
			tokenizer.EstimateText("some completion"),
		},
		{
			"anthropic chat usage block",
			dialect.AnthropicChat,
			`{"content":[{"type":"text","text":"hi"}],"usage":{"output_tokens":3}}`,
			3,
		},
		{
			"anthropic chat fallback",
			dialect.AnthropicChat,
			`{"content":[{"type":"text","text":"hello there"}]}`,
			tokenizer.EstimateText("hello there"),
		},
		{
			"anthropic text estimates the completion",
			dialect.AnthropicText,
			`{"completion":" hello world"}`,
			tokenizer.EstimateText(" hello world"),
		},
		{
			"google usage metadata",
			dialect.GoogleAI,
			`{"usageMetadata":{"candidatesTokenCount":5}}`,
			5,
		},
		{
			"google fallback",
			dialect.GoogleAI,
			`{"candidates":[{"content":{"parts":[{"text":"hey there friend"}]}}]}`,
			tokenizer.EstimateText("hey there friend"),
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, outputTokensFromResponse(tc.out, []byte(tc.body)))
		})
	}
}
