// Package tokenizer estimates prompt and completion sizes for request
// screening and usage accounting.
//
// Estimates use the familiar four-characters-per-token heuristic plus a
// fixed per-message overhead. Exact tokenization would need model-specific
// vocabularies fetched out of band; the proxy only needs estimates that are
// stable and biased slightly high, so oversized prompts are rejected before
// they spend a key.
package tokenizer

import (
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/keymux/keymux/internal/dialect"
)

// charsPerToken is the usual rough ratio for English text.
const charsPerToken = 4

// messageOverhead covers the role and framing tokens each chat message adds.
const messageOverhead = 4

// EstimateText approximates the token count of plain text.
func EstimateText(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// EstimateRequest approximates the prompt token count of a request body in
// the given dialect.
func EstimateRequest(api dialect.API, body []byte) (int, error) {
	data := gjson.ParseBytes(body)

	switch api {
	case dialect.OpenAI, dialect.AnthropicChat:
		return estimateMessages(data.Get("messages"), data.Get("system")), nil
	case dialect.OpenAIText:
		return EstimateText(data.Get("prompt").String()), nil
	case dialect.AnthropicText:
		return EstimateText(data.Get("prompt").String()), nil
	case dialect.GoogleAI:
		return estimateContents(data.Get("contents"), data.Get("system_instruction")), nil
	case dialect.OpenAIImage:
		// Image prompts are billed per image, not per token.
		return EstimateText(data.Get("prompt").String()), nil
	default:
		return 0, fmt.Errorf("tokenizer: unknown dialect %q", api)
	}
}

func estimateMessages(messages, system gjson.Result) int {
	total := 0
	if system.Exists() {
		total += EstimateText(system.String()) + messageOverhead
	}
	for _, msg := range messages.Array() {
		content := msg.Get("content")
		if content.Type == gjson.String {
			total += EstimateText(content.String())
		} else {
			for _, part := range content.Array() {
				total += EstimateText(part.Get("text").String())
			}
		}
		total += messageOverhead
	}
	return total
}

func estimateContents(contents, systemInstruction gjson.Result) int {
	total := 0
	for _, part := range systemInstruction.Get("parts").Array() {
		total += EstimateText(part.Get("text").String())
	}
	for _, content := range contents.Array() {
		for _, part := range content.Get("parts").Array() {
			total += EstimateText(part.Get("text").String())
		}
		total += messageOverhead
	}
	return total
}
