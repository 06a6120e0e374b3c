package stream

import (
	"github.com/tidwall/gjson"
)

// googleAIToOpenAI rewrites a Gemini streamGenerateContent SSE stream into
// OpenAI chat completion chunks. Gemini sends bare data events.
type googleAIToOpenAI struct {
	model        string
	sentRole     bool
	done         bool
	inputTokens  int
	outputTokens int
	haveUsage    bool
	text         textAccumulator
}

func (t *googleAIToOpenAI) Transform(ev Event) []Event {
	data := gjson.Parse(ev.Data)
	if !data.IsObject() {
		return nil
	}
	if m := data.Get("modelVersion").String(); m != "" {
		t.model = m
	}
	if u := data.Get("usageMetadata"); u.Exists() {
		t.inputTokens = int(u.Get("promptTokenCount").Int())
		t.outputTokens = int(u.Get("candidatesTokenCount").Int())
		t.haveUsage = true
	}

	var out []Event
	if !t.sentRole {
		t.sentRole = true
		out = append(out, openaiChunk("", t.model, map[string]any{"role": "assistant"}, nil))
	}

	cand := data.Get("candidates.0")
	var sb textAccumulator
	for _, part := range cand.Get("content.parts").Array() {
		sb.add(part.Get("text").String())
	}
	if delta := sb.String(); delta != "" {
		t.text.add(delta)
		out = append(out, openaiChunk("", t.model, map[string]any{"content": delta}, nil))
	}

	if reason := cand.Get("finishReason").String(); reason != "" {
		t.done = true
		finish := "stop"
		if reason == "MAX_TOKENS" {
			finish = "length"
		}
		out = append(out, openaiChunk("", t.model, map[string]any{}, finish), Done)
	}
	return out
}

func (t *googleAIToOpenAI) Finish() []Event {
	if t.done {
		return nil
	}
	t.done = true
	return []Event{
		openaiChunk("", t.model, map[string]any{}, "stop"),
		Done,
	}
}

func (t *googleAIToOpenAI) Text() string { return t.text.String() }

func (t *googleAIToOpenAI) Usage() (int, int, bool) {
	return t.inputTokens, t.outputTokens, t.haveUsage
}
