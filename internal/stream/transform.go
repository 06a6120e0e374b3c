package stream

import (
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"

	"github.com/keymux/keymux/internal/dialect"
)

// Transformer rewrites upstream events into the client's dialect. One
// transformer serves one response stream; it accumulates the completion text
// so the dispatcher can account tokens after the stream ends.
//
// Unknown or malformed events produce no output and are skipped, so a new
// upstream event type degrades a stream instead of breaking it.
type Transformer interface {
	// Transform maps one upstream event to zero or more client events.
	Transform(ev Event) []Event

	// Finish flushes whatever the client dialect needs to close the stream
	// cleanly when the upstream ended without its own terminator.
	Finish() []Event

	// Text returns the completion text accumulated so far.
	Text() string

	// Usage returns real token counts when the upstream reported them.
	Usage() (input, output int, ok bool)
}

// ForPair returns the transformer for a client dialect and the upstream
// dialect the request was translated into. Identity and unrecognized pairs
// get a passthrough that still accumulates text for accounting.
func ForPair(in, out dialect.API) Transformer {
	switch (dialect.Pair{In: in, Out: out}) {
	case dialect.Pair{In: dialect.OpenAI, Out: dialect.AnthropicText}:
		return &anthropicTextToOpenAI{}
	case dialect.Pair{In: dialect.OpenAI, Out: dialect.AnthropicChat}:
		return &anthropicChatToOpenAI{}
	case dialect.Pair{In: dialect.AnthropicText, Out: dialect.AnthropicChat}:
		return &anthropicChatToText{}
	case dialect.Pair{In: dialect.OpenAIText, Out: dialect.OpenAI}:
		return &openaiChatToText{}
	case dialect.Pair{In: dialect.OpenAI, Out: dialect.GoogleAI}:
		return &googleAIToOpenAI{}
	default:
		return &passthrough{api: out}
	}
}

// passthrough forwards events untouched while mining them for completion
// text in the upstream's own dialect.
type passthrough struct {
	api  dialect.API
	text textAccumulator
}

func (p *passthrough) Transform(ev Event) []Event {
	p.text.add(extractText(p.api, ev))
	return []Event{ev}
}

func (p *passthrough) Finish() []Event { return nil }

func (p *passthrough) Text() string { return p.text.String() }

func (p *passthrough) Usage() (int, int, bool) { return 0, 0, false }

// extractText pulls the incremental completion text out of one event for
// the given dialect, or "" when the event carries none.
func extractText(api dialect.API, ev Event) string {
	if ev.IsDone() || ev.Data == "" {
		return ""
	}
	data := gjson.Parse(ev.Data)
	switch api {
	case dialect.OpenAI, dialect.OpenAIText:
		if t := data.Get("choices.0.delta.content"); t.Exists() {
			return t.String()
		}
		return data.Get("choices.0.text").String()
	case dialect.AnthropicChat:
		return data.Get("delta.text").String()
	case dialect.AnthropicText:
		return data.Get("completion").String()
	case dialect.GoogleAI:
		return data.Get("candidates.0.content.parts.0.text").String()
	default:
		return ""
	}
}

type textAccumulator struct {
	parts []string
	size  int
}

func (a *textAccumulator) add(s string) {
	if s == "" {
		return
	}
	a.parts = append(a.parts, s)
	a.size += len(s)
}

func (a *textAccumulator) String() string {
	out := make([]byte, 0, a.size)
	for _, p := range a.parts {
		out = append(out, p...)
	}
	return string(out)
}

// openaiChunk builds one chat.completion.chunk event.
func openaiChunk(id, model string, delta map[string]any, finish any) Event {
	payload := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": finish,
		}},
	}
	b, _ := json.Marshal(payload)
	return Event{Data: string(b)}
}

// finishReasonFromAnthropic converts an Anthropic stop reason to the OpenAI
// vocabulary.
func finishReasonFromAnthropic(reason string) string {
	switch reason {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}
