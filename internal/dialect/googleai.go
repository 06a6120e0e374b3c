package dialect

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// openaiToGoogleAI maps an OpenAI chat completion request onto the Gemini
// generateContent shape. System messages become the system_instruction;
// assistant turns take the "model" role.
func openaiToGoogleAI(body []byte) ([]byte, error) {
	if err := validateChatRequest(body); err != nil {
		return nil, err
	}
	in := gjson.ParseBytes(body)

	var system []string
	var contents []map[string]any
	for _, msg := range in.Get("messages").Array() {
		text := contentText(msg.Get("content"))
		role := msg.Get("role").String()
		if role == "system" {
			system = append(system, text)
			continue
		}
		if role == "assistant" {
			role = "model"
		} else {
			role = "user"
		}
		contents = append(contents, map[string]any{
			"role":  role,
			"parts": []map[string]any{{"text": text}},
		})
	}
	if len(contents) == 0 {
		return nil, fmt.Errorf("%w: no user or assistant messages", ErrBadRequest)
	}

	genConfig := map[string]any{}
	if v := in.Get("max_tokens"); v.Exists() {
		genConfig["maxOutputTokens"] = v.Int()
	}
	if v := in.Get("temperature"); v.Exists() {
		genConfig["temperature"] = v.Float()
	}
	if v := in.Get("top_p"); v.Exists() {
		genConfig["topP"] = v.Float()
	}
	if stops := stopSequences(in.Get("stop")); len(stops) > 0 {
		genConfig["stopSequences"] = stops
	}

	out := map[string]any{"contents": contents}
	if len(system) > 0 {
		out["system_instruction"] = map[string]any{
			"parts": []map[string]any{{"text": strings.Join(system, "\n\n")}},
		}
	}
	if len(genConfig) > 0 {
		out["generationConfig"] = genConfig
	}

	return json.Marshal(out)
}

// googleAIResponseToOpenAI reshapes a generateContent response into an
// OpenAI chat completion.
func googleAIResponseToOpenAI(body []byte) ([]byte, error) {
	in := gjson.ParseBytes(body)

	choices := make([]map[string]any, 0, 1)
	for _, cand := range in.Get("candidates").Array() {
		var sb strings.Builder
		for _, part := range cand.Get("content.parts").Array() {
			sb.WriteString(part.Get("text").String())
		}
		choices = append(choices, map[string]any{
			"index":         cand.Get("index").Int(),
			"message":       map[string]any{"role": "assistant", "content": sb.String()},
			"finish_reason": mapGoogleFinishReason(cand.Get("finishReason").String()),
		})
	}

	prompt := in.Get("usageMetadata.promptTokenCount").Int()
	output := in.Get("usageMetadata.candidatesTokenCount").Int()
	total := in.Get("usageMetadata.totalTokenCount").Int()
	if total == 0 {
		total = prompt + output
	}

	out := map[string]any{
		"object":  "chat.completion",
		"model":   in.Get("modelVersion").String(),
		"choices": choices,
		"usage": map[string]any{
			"prompt_tokens":     prompt,
			"completion_tokens": output,
			"total_tokens":      total,
		},
	}
	return json.Marshal(out)
}

func mapGoogleFinishReason(reason string) string {
	switch reason {
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT":
		return "content_filter"
	default:
		return "stop"
	}
}
