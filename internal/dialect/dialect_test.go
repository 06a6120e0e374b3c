package dialect

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestTableSupports(t *testing.T) {
	table := NewTable()

	assert.True(t, table.Supports(OpenAI, OpenAI), "identity is always supported")
	assert.True(t, table.Supports(OpenAI, AnthropicText))
	assert.True(t, table.Supports(OpenAI, AnthropicChat))
	assert.True(t, table.Supports(OpenAI, GoogleAI))
	assert.True(t, table.Supports(OpenAIText, OpenAI))
	assert.True(t, table.Supports(AnthropicText, AnthropicChat))

	assert.False(t, table.Supports(AnthropicChat, OpenAI))
	assert.False(t, table.Supports(GoogleAI, AnthropicText))
}

func TestTranslateRequestUnsupportedPair(t *testing.T) {
	table := NewTable()

	_, err := table.TranslateRequest(GoogleAI, AnthropicChat, []byte(`{}`))
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestTranslateRequestIdentity(t *testing.T) {
	table := NewTable()
	body := []byte(`{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`)

	out, err := table.TranslateRequest(OpenAI, OpenAI, body)
	require.NoError(t, err)
	assert.Equal(t, body, out)
}

func TestOpenAIToAnthropicText(t *testing.T) {
	body := []byte(`{
		"model": "claude-2",
		"messages": [
			{"role": "system", "content": "Be terse."},
			{"role": "user", "content": "hello"},
			{"role": "assistant", "content": "hi"},
			{"role": "user", "content": "bye"}
		],
		"max_tokens": 200,
		"temperature": 0.5,
		"stop": "END"
	}`)

	out, err := openaiToAnthropicText(body)
	require.NoError(t, err)

	res := gjson.ParseBytes(out)
	assert.Equal(t, "claude-2", res.Get("model").String())
	assert.Equal(t,
		"Be terse.\n\nHuman: hello\n\nAssistant: hi\n\nHuman: bye\n\nAssistant:",
		res.Get("prompt").String())
	assert.Equal(t, int64(200), res.Get("max_tokens_to_sample").Int())
	assert.InDelta(t, 0.5, res.Get("temperature").Float(), 1e-9)

	stops := res.Get("stop_sequences").Array()
	require.Len(t, stops, 2)
	assert.Equal(t, "END", stops[0].String())
	assert.Equal(t, humanMarker, stops[1].String())
}

func TestOpenAIToAnthropicTextDefaultsMaxTokens(t *testing.T) {
	body := []byte(`{"model":"claude-2","messages":[{"role":"user","content":"hi"}]}`)

	out, err := openaiToAnthropicText(body)
	require.NoError(t, err)
	assert.Equal(t, int64(defaultMaxTokens),
		gjson.GetBytes(out, "max_tokens_to_sample").Int())
}

func TestOpenAIToAnthropicTextContentParts(t *testing.T) {
	body := []byte(`{
		"model": "claude-2",
		"messages": [{
			"role": "user",
			"content": [
				{"type": "text", "text": "first"},
				{"type": "image_url", "image_url": {"url": "http://x"}},
				{"type": "text", "text": "second"}
			]
		}]
	}`)

	out, err := openaiToAnthropicText(body)
	require.NoError(t, err)
	assert.Equal(t, "\n\nHuman: first\nsecond\n\nAssistant:",
		gjson.GetBytes(out, "prompt").String())
}

func TestOpenAIToAnthropicChat(t *testing.T) {
	body := []byte(`{
		"model": "claude-3-opus-20240229",
		"messages": [
			{"role": "system", "content": "Be terse."},
			{"role": "system", "content": "Answer in French."},
			{"role": "user", "content": "hello"}
		],
		"max_tokens": 100,
		"stream": true
	}`)

	out, err := openaiToAnthropicChat(body)
	require.NoError(t, err)

	res := gjson.ParseBytes(out)
	assert.Equal(t, "Be terse.\n\nAnswer in French.", res.Get("system").String())
	assert.True(t, res.Get("stream").Bool())

	msgs := res.Get("messages").Array()
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].Get("role").String())
	assert.Equal(t, "hello", msgs[0].Get("content").String())
}

func TestOpenAIToAnthropicChatRejectsSystemOnly(t *testing.T) {
	body := []byte(`{"model":"claude-3-opus-20240229","messages":[{"role":"system","content":"x"}]}`)

	_, err := openaiToAnthropicChat(body)
	require.ErrorIs(t, err, ErrBadRequest)
}

func TestAnthropicTextToChat(t *testing.T) {
	req := map[string]any{
		"model":                "claude-2",
		"prompt":               "You are a bot.\n\nHuman: hello\n\nAssistant: hi\n\nHuman: bye\n\nAssistant:",
		"max_tokens_to_sample": 50,
		"stop_sequences":       []string{humanMarker, "END"},
	}
	body, err := json.Marshal(req)
	require.NoError(t, err)

	out, err := anthropicTextToChat(body)
	require.NoError(t, err)

	res := gjson.ParseBytes(out)
	assert.Equal(t, "You are a bot.", res.Get("system").String())
	assert.Equal(t, int64(50), res.Get("max_tokens").Int())

	msgs := res.Get("messages").Array()
	require.Len(t, msgs, 3)
	assert.Equal(t, "user", msgs[0].Get("role").String())
	assert.Equal(t, "hello", msgs[0].Get("content").String())
	assert.Equal(t, "assistant", msgs[1].Get("role").String())
	assert.Equal(t, "hi", msgs[1].Get("content").String())
	assert.Equal(t, "user", msgs[2].Get("role").String())
	assert.Equal(t, "bye", msgs[2].Get("content").String())

	stops := res.Get("stop_sequences").Array()
	require.Len(t, stops, 1, "prompt markers are stripped from stop sequences")
	assert.Equal(t, "END", stops[0].String())
}

func TestAnthropicTextToChatNoMarkers(t *testing.T) {
	body := []byte(`{"model":"claude-2","prompt":"just a question"}`)

	out, err := anthropicTextToChat(body)
	require.NoError(t, err)

	msgs := gjson.GetBytes(out, "messages").Array()
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].Get("role").String())
	assert.Equal(t, "just a question", msgs[0].Get("content").String())
}

func TestAnthropicTextToChatAssistantPrefill(t *testing.T) {
	body := []byte(`{"model":"claude-2","prompt":"\n\nHuman: list three fruits\n\nAssistant: 1. apple"}`)

	out, err := anthropicTextToChat(body)
	require.NoError(t, err)

	msgs := gjson.GetBytes(out, "messages").Array()
	require.Len(t, msgs, 2)
	assert.Equal(t, "assistant", msgs[1].Get("role").String())
	assert.Equal(t, "1. apple", msgs[1].Get("content").String())
}

func TestFlattenSplitRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	turnGen := gen.AlphaString().SuchThat(func(s string) bool { return s != "" })

	properties.Property("turn structure survives flatten then split",
		prop.ForAll(
			func(turns []string) bool {
				messages := make([]map[string]any, len(turns))
				for i, text := range turns {
					role := "user"
					if i%2 == 1 {
						role = "assistant"
					}
					messages[i] = map[string]any{"role": role, "content": text}
				}
				body, err := json.Marshal(map[string]any{
					"model":    "claude-2",
					"messages": messages,
				})
				if err != nil {
					return false
				}

				flat, err := openaiToAnthropicText(body)
				if err != nil {
					return false
				}
				textReq, err := json.Marshal(map[string]any{
					"model":  "claude-2",
					"prompt": gjson.GetBytes(flat, "prompt").String(),
				})
				if err != nil {
					return false
				}
				chatReq, err := anthropicTextToChat(textReq)
				if err != nil {
					return false
				}

				got := gjson.GetBytes(chatReq, "messages").Array()
				if len(got) != len(turns) {
					return false
				}
				for i, msg := range got {
					wantRole := "user"
					if i%2 == 1 {
						wantRole = "assistant"
					}
					if msg.Get("role").String() != wantRole {
						return false
					}
					if msg.Get("content").String() != turns[i] {
						return false
					}
				}
				return true
			},
			gen.SliceOf(turnGen).SuchThat(func(turns []string) bool {
				return len(turns) >= 1
			}),
		))

	properties.TestingRun(t)
}

func TestAnthropicTextResponseToOpenAI(t *testing.T) {
	body := []byte(`{"completion":" Hello there.","stop_reason":"stop_sequence","model":"claude-2","log_id":"abc123"}`)

	out, err := anthropicTextResponseToOpenAI(body)
	require.NoError(t, err)

	res := gjson.ParseBytes(out)
	assert.Equal(t, "chat.completion", res.Get("object").String())
	assert.Equal(t, "chatcmpl-abc123", res.Get("id").String())
	assert.Equal(t, "Hello there.", res.Get("choices.0.message.content").String())
	assert.Equal(t, "stop", res.Get("choices.0.finish_reason").String())
	assert.Positive(t, res.Get("usage.completion_tokens").Int())
}

func TestAnthropicChatResponseToOpenAI(t *testing.T) {
	body := []byte(`{
		"id": "msg_01",
		"model": "claude-3-opus-20240229",
		"content": [{"type": "text", "text": "Hello."}],
		"stop_reason": "max_tokens",
		"usage": {"input_tokens": 12, "output_tokens": 7}
	}`)

	out, err := anthropicChatResponseToOpenAI(body)
	require.NoError(t, err)

	res := gjson.ParseBytes(out)
	assert.Equal(t, "Hello.", res.Get("choices.0.message.content").String())
	assert.Equal(t, "length", res.Get("choices.0.finish_reason").String())
	assert.Equal(t, int64(12), res.Get("usage.prompt_tokens").Int())
	assert.Equal(t, int64(7), res.Get("usage.completion_tokens").Int())
	assert.Equal(t, int64(19), res.Get("usage.total_tokens").Int())
}

func TestAnthropicChatResponseToText(t *testing.T) {
	body := []byte(`{
		"id": "msg_02",
		"model": "claude-3-sonnet-20240229",
		"content": [{"type": "text", "text": "Hi."}],
		"stop_reason": "end_turn"
	}`)

	out, err := anthropicChatResponseToText(body)
	require.NoError(t, err)

	res := gjson.ParseBytes(out)
	assert.Equal(t, "completion", res.Get("type").String())
	assert.Equal(t, " Hi.", res.Get("completion").String())
	assert.Equal(t, "stop_sequence", res.Get("stop_reason").String())
}

func TestOpenAITextToOpenAI(t *testing.T) {
	body := []byte(`{"model":"gpt-3.5-turbo-instruct","prompt":"say hi","max_tokens":10,"stop":["\n"]}`)

	out, err := openaiTextToOpenAI(body)
	require.NoError(t, err)

	res := gjson.ParseBytes(out)
	msgs := res.Get("messages").Array()
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].Get("role").String())
	assert.Equal(t, "say hi", msgs[0].Get("content").String())
	assert.Equal(t, int64(10), res.Get("max_tokens").Int())
}

func TestOpenAIResponseToOpenAIText(t *testing.T) {
	body := []byte(`{
		"id": "chatcmpl-xyz",
		"created": 1700000000,
		"model": "gpt-4",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": "hi"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 3, "completion_tokens": 1, "total_tokens": 4}
	}`)

	out, err := openaiResponseToOpenAIText(body)
	require.NoError(t, err)

	res := gjson.ParseBytes(out)
	assert.Equal(t, "cmpl-xyz", res.Get("id").String())
	assert.Equal(t, "text_completion", res.Get("object").String())
	assert.Equal(t, "hi", res.Get("choices.0.text").String())
	assert.Equal(t, int64(4), res.Get("usage.total_tokens").Int())
}

func TestOpenAIToGoogleAI(t *testing.T) {
	body := []byte(`{
		"model": "gemini-pro",
		"messages": [
			{"role": "system", "content": "Be brief."},
			{"role": "user", "content": "hello"},
			{"role": "assistant", "content": "hi"}
		],
		"max_tokens": 64,
		"temperature": 0.2
	}`)

	out, err := openaiToGoogleAI(body)
	require.NoError(t, err)

	res := gjson.ParseBytes(out)
	assert.Equal(t, "Be brief.",
		res.Get("system_instruction.parts.0.text").String())
	assert.Equal(t, int64(64), res.Get("generationConfig.maxOutputTokens").Int())

	contents := res.Get("contents").Array()
	require.Len(t, contents, 2)
	assert.Equal(t, "user", contents[0].Get("role").String())
	assert.Equal(t, "model", contents[1].Get("role").String())
	assert.Equal(t, "hi", contents[1].Get("parts.0.text").String())
}

func TestGoogleAIResponseToOpenAI(t *testing.T) {
	body := []byte(`{
		"candidates": [{
			"index": 0,
			"content": {"parts": [{"text": "Hello."}], "role": "model"},
			"finishReason": "STOP"
		}],
		"usageMetadata": {"promptTokenCount": 5, "candidatesTokenCount": 2, "totalTokenCount": 7},
		"modelVersion": "gemini-pro"
	}`)

	out, err := googleAIResponseToOpenAI(body)
	require.NoError(t, err)

	res := gjson.ParseBytes(out)
	assert.Equal(t, "Hello.", res.Get("choices.0.message.content").String())
	assert.Equal(t, "stop", res.Get("choices.0.finish_reason").String())
	assert.Equal(t, int64(7), res.Get("usage.total_tokens").Int())
}

func TestValidateChatRequest(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"missing model", `{"messages":[{"role":"user","content":"x"}]}`},
		{"missing messages", `{"model":"gpt-4"}`},
		{"empty messages", `{"model":"gpt-4","messages":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, validateChatRequest([]byte(tt.body)), ErrBadRequest)
		})
	}
}
