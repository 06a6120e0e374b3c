package dialect

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// openaiTextToOpenAI wraps a legacy text completion request into the chat
// completion shape, with the prompt as a single user message.
func openaiTextToOpenAI(body []byte) ([]byte, error) {
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

	// Legacy prompts may be a string or an array of strings; arrays collapse
	// to one message since the chat API has no batch equivalent.
	text := prompt.String()
	if prompt.IsArray() {
		var parts []string
		for _, p := range prompt.Array() {
			parts = append(parts, p.String())
		}
		text = strings.Join(parts, "\n")
	}

	out := map[string]any{
		"model":    in.Get("model").String(),
		"messages": []map[string]any{{"role": "user", "content": text}},
	}
	setIfExists(out, "max_tokens", in.Get("max_tokens"))
	setIfExists(out, "temperature", in.Get("temperature"))
	setIfExists(out, "top_p", in.Get("top_p"))
	setIfExists(out, "stream", in.Get("stream"))
	if stops := stopSequences(in.Get("stop")); len(stops) > 0 {
		out["stop"] = stops
	}

	return json.Marshal(out)
}

// openaiResponseToOpenAIText reshapes a chat completion response into the
// legacy text completion shape.
func openaiResponseToOpenAIText(body []byte) ([]byte, error) {
	in := gjson.ParseBytes(body)

	choices := make([]map[string]any, 0, 1)
	for _, c := range in.Get("choices").Array() {
		choices = append(choices, map[string]any{
			"text":          c.Get("message.content").String(),
			"index":         c.Get("index").Int(),
			"logprobs":      nil,
			"finish_reason": c.Get("finish_reason").String(),
		})
	}

	created := in.Get("created").Int()
	if created == 0 {
		created = time.Now().Unix()
	}

	out := map[string]any{
		"id":      "cmpl-" + strings.TrimPrefix(in.Get("id").String(), "chatcmpl-"),
		"object":  "text_completion",
		"created": created,
		"model":   in.Get("model").String(),
		"choices": choices,
	}
	if usage := in.Get("usage"); usage.Exists() {
		out["usage"] = usage.Value()
	}
	return json.Marshal(out)
}
