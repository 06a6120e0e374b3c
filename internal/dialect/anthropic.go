package dialect

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// openaiToAnthropicText flattens an OpenAI chat completion request into an
// Anthropic text completion prompt. System messages become a bare preamble,
// user and assistant turns get the Human/Assistant markers, and the prompt is
// terminated with an empty Assistant marker so the model continues from there.
func openaiToAnthropicText(body []byte) ([]byte, error) {
	if err := validateChatRequest(body); err != nil {
		return nil, err
	}
	in := gjson.ParseBytes(body)

	var sb strings.Builder
	for _, msg := range in.Get("messages").Array() {
		text := contentText(msg.Get("content"))
		switch msg.Get("role").String() {
		case "system":
			if sb.Len() > 0 {
				sb.WriteString("\n\n")
			}
			sb.WriteString(text)
		case "assistant":
			sb.WriteString(assistantMarker + " " + text)
		default:
			sb.WriteString(humanMarker + " " + text)
		}
	}
	sb.WriteString(assistantMarker)

	maxTokens := int(in.Get("max_tokens").Int())
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	// The Human marker always terminates sampling so the model cannot speak
	// for the user.
	stops := append(stopSequences(in.Get("stop")), humanMarker)

	out := map[string]any{
		"model":                in.Get("model").String(),
		"prompt":               sb.String(),
		"max_tokens_to_sample": maxTokens,
		"stop_sequences":       stops,
	}
	setIfExists(out, "temperature", in.Get("temperature"))
	setIfExists(out, "top_p", in.Get("top_p"))
	setIfExists(out, "stream", in.Get("stream"))

	return json.Marshal(out)
}

// openaiToAnthropicChat maps an OpenAI chat completion request onto the
// Anthropic messages shape. System messages move to the top-level system
// field; the rest keep their roles with content normalized to plain text.
func openaiToAnthropicChat(body []byte) ([]byte, error) {
	if err := validateChatRequest(body); err != nil {
		return nil, err
	}
	in := gjson.ParseBytes(body)

	var system []string
	var messages []map[string]any
	for _, msg := range in.Get("messages").Array() {
		text := contentText(msg.Get("content"))
		role := msg.Get("role").String()
		if role == "system" {
			system = append(system, text)
			continue
		}
		if role != "assistant" {
			role = "user"
		}
		messages = append(messages, map[string]any{"role": role, "content": text})
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("%w: no user or assistant messages", ErrBadRequest)
	}

	maxTokens := int(in.Get("max_tokens").Int())
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	out := map[string]any{
		"model":      in.Get("model").String(),
		"messages":   messages,
		"max_tokens": maxTokens,
	}
	if len(system) > 0 {
		out["system"] = strings.Join(system, "\n\n")
	}
	if stops := stopSequences(in.Get("stop")); len(stops) > 0 {
		out["stop_sequences"] = stops
	}
	setIfExists(out, "temperature", in.Get("temperature"))
	setIfExists(out, "top_p", in.Get("top_p"))
	setIfExists(out, "stream", in.Get("stream"))

	return json.Marshal(out)
}

// anthropicTextToChat splits a flattened Anthropic text prompt back into
// structured messages. Text before the first Human marker becomes the system
// field; a non-empty trailing Assistant segment is kept as a prefill turn.
func anthropicTextToChat(body []byte) ([]byte, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: not valid JSON", ErrBadRequest)
	}
	in := gjson.ParseBytes(body)
	if in.Get("model").String() == "" {
		return nil, fmt.Errorf("%w: missing model", ErrBadRequest)
	}
	prompt := in.Get("prompt")
	if !prompt.Exists() {
		return nil, fmt.Errorf("%w: missing prompt", ErrBadRequest)
	}

	system, messages := splitPrompt(prompt.String())
	if len(messages) == 0 {
		return nil, fmt.Errorf("%w: prompt has no turns", ErrBadRequest)
	}

	maxTokens := int(in.Get("max_tokens_to_sample").Int())
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	// The prompt markers are structural in the text dialect but would be
	// rejected as degenerate stop sequences by the messages endpoint.
	var stops []string
	for _, s := range stopSequences(in.Get("stop_sequences")) {
		if s == humanMarker || s == assistantMarker {
			continue
		}
		stops = append(stops, s)
	}

	out := map[string]any{
		"model":      in.Get("model").String(),
		"messages":   messages,
		"max_tokens": maxTokens,
	}
	if system != "" {
		out["system"] = system
	}
	if len(stops) > 0 {
		out["stop_sequences"] = stops
	}
	setIfExists(out, "temperature", in.Get("temperature"))
	setIfExists(out, "top_p", in.Get("top_p"))
	setIfExists(out, "stream", in.Get("stream"))

	return json.Marshal(out)
}

// splitPrompt scans a flattened prompt into a system preamble and an ordered
// turn list. A prompt without markers becomes a single user turn.
func splitPrompt(prompt string) (system string, messages []map[string]any) {
	first := strings.Index(prompt, humanMarker)
	if first < 0 {
		text := strings.TrimSpace(strings.TrimSuffix(prompt, assistantMarker))
		if text == "" {
			return "", nil
		}
		return "", []map[string]any{{"role": "user", "content": text}}
	}

	system = strings.TrimSpace(prompt[:first])
	rest := prompt[first:]

	for rest != "" {
		var role, marker string
		switch {
		case strings.HasPrefix(rest, humanMarker):
			role, marker = "user", humanMarker
		case strings.HasPrefix(rest, assistantMarker):
			role, marker = "assistant", assistantMarker
		default:
			// Stray text between turns folds into the previous one.
			rest = ""
			continue
		}
		rest = rest[len(marker):]

		end := len(rest)
		if i := strings.Index(rest, humanMarker); i >= 0 && i < end {
			end = i
		}
		if i := strings.Index(rest, assistantMarker); i >= 0 && i < end {
			end = i
		}
		text := strings.TrimSpace(rest[:end])
		rest = rest[end:]

		if text == "" {
			// The terminating empty Assistant marker carries no content.
			continue
		}
		messages = append(messages, map[string]any{"role": role, "content": text})
	}
	return system, messages
}

// mapAnthropicStopReason converts an Anthropic stop reason to the OpenAI
// finish_reason vocabulary.
func mapAnthropicStopReason(reason string) string {
	switch reason {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}

// anthropicTextResponseToOpenAI reshapes a text completion response into an
// OpenAI chat completion. The text API reports no token counts, so usage is
// synthesized from the completion length.
func anthropicTextResponseToOpenAI(body []byte) ([]byte, error) {
	in := gjson.ParseBytes(body)
	completion := strings.TrimLeft(in.Get("completion").String(), " ")

	out := map[string]any{
		"id":      "chatcmpl-" + in.Get("log_id").String(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   in.Get("model").String(),
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": completion},
			"finish_reason": mapAnthropicStopReason(in.Get("stop_reason").String()),
		}},
		"usage": map[string]any{
			"prompt_tokens":     0,
			"completion_tokens": estimateTokens(completion),
			"total_tokens":      estimateTokens(completion),
		},
	}
	return json.Marshal(out)
}

// anthropicChatResponseToOpenAI reshapes a messages response into an OpenAI
// chat completion, carrying real usage through.
func anthropicChatResponseToOpenAI(body []byte) ([]byte, error) {
	in := gjson.ParseBytes(body)

	var sb strings.Builder
	for _, block := range in.Get("content").Array() {
		if block.Get("type").String() == "text" {
			sb.WriteString(block.Get("text").String())
		}
	}

	prompt := in.Get("usage.input_tokens").Int()
	output := in.Get("usage.output_tokens").Int()

	out := map[string]any{
		"id":      "chatcmpl-" + in.Get("id").String(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   in.Get("model").String(),
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": sb.String()},
			"finish_reason": mapAnthropicStopReason(in.Get("stop_reason").String()),
		}},
		"usage": map[string]any{
			"prompt_tokens":     prompt,
			"completion_tokens": output,
			"total_tokens":      prompt + output,
		},
	}
	return json.Marshal(out)
}

// anthropicChatResponseToText reshapes a messages response into the text
// completion shape for clients speaking the legacy dialect.
func anthropicChatResponseToText(body []byte) ([]byte, error) {
	in := gjson.ParseBytes(body)

	var sb strings.Builder
	for _, block := range in.Get("content").Array() {
		if block.Get("type").String() == "text" {
			sb.WriteString(block.Get("text").String())
		}
	}

	stopReason := "stop_sequence"
	if in.Get("stop_reason").String() == "max_tokens" {
		stopReason = "max_tokens"
	}

	out := map[string]any{
		"type":        "completion",
		"id":          in.Get("id").String(),
		"completion":  " " + sb.String(),
		"stop_reason": stopReason,
		"model":       in.Get("model").String(),
	}
	return json.Marshal(out)
}

// estimateTokens approximates a token count from text length for dialects
// whose responses carry no usage block.
func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}
