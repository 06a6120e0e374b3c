package stream

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// anthropicTextToOpenAI rewrites an Anthropic text completion stream into
// OpenAI chat completion chunks.
type anthropicTextToOpenAI struct {
	id       string
	model    string
	sentRole bool
	done     bool
	text     textAccumulator
}

func (t *anthropicTextToOpenAI) Transform(ev Event) []Event {
	switch ev.Name {
	case "ping":
		return nil
	case "error":
		return []Event{ev}
	case "completion", "":
	default:
		return nil
	}

	data := gjson.Parse(ev.Data)
	if !data.IsObject() {
		return nil
	}
	if m := data.Get("model").String(); m != "" {
		t.model = m
	}
	if id := data.Get("log_id").String(); id != "" && t.id == "" {
		t.id = "chatcmpl-" + id
	}

	var out []Event
	if !t.sentRole {
		t.sentRole = true
		out = append(out, openaiChunk(t.id, t.model, map[string]any{"role": "assistant"}, nil))
	}
	if delta := data.Get("completion").String(); delta != "" {
		t.text.add(delta)
		out = append(out, openaiChunk(t.id, t.model, map[string]any{"content": delta}, nil))
	}
	if reason := data.Get("stop_reason").String(); reason != "" {
		t.done = true
		out = append(out,
			openaiChunk(t.id, t.model, map[string]any{}, finishReasonFromAnthropic(reason)),
			Done)
	}
	return out
}

func (t *anthropicTextToOpenAI) Finish() []Event {
	if t.done {
		return nil
	}
	t.done = true
	return []Event{
		openaiChunk(t.id, t.model, map[string]any{}, "stop"),
		Done,
	}
}

func (t *anthropicTextToOpenAI) Text() string { return t.text.String() }

func (t *anthropicTextToOpenAI) Usage() (int, int, bool) { return 0, 0, false }

// anthropicChatToOpenAI rewrites an Anthropic messages stream into OpenAI
// chat completion chunks. Usage comes from message_start and message_delta.
type anthropicChatToOpenAI struct {
	id           string
	model        string
	stopReason   string
	inputTokens  int
	outputTokens int
	haveUsage    bool
	done         bool
	text         textAccumulator
}

func (t *anthropicChatToOpenAI) Transform(ev Event) []Event {
	data := gjson.Parse(ev.Data)

	switch ev.Name {
	case "message_start":
		msg := data.Get("message")
		t.id = "chatcmpl-" + msg.Get("id").String()
		t.model = msg.Get("model").String()
		if u := msg.Get("usage.input_tokens"); u.Exists() {
			t.inputTokens = int(u.Int())
			t.haveUsage = true
		}
		return []Event{openaiChunk(t.id, t.model, map[string]any{"role": "assistant"}, nil)}

	case "content_block_delta":
		delta := data.Get("delta.text").String()
		if delta == "" {
			return nil
		}
		t.text.add(delta)
		return []Event{openaiChunk(t.id, t.model, map[string]any{"content": delta}, nil)}

	case "message_delta":
		if r := data.Get("delta.stop_reason").String(); r != "" {
			t.stopReason = r
		}
		if u := data.Get("usage.output_tokens"); u.Exists() {
			t.outputTokens = int(u.Int())
			t.haveUsage = true
		}
		return nil

	case "message_stop":
		t.done = true
		reason := t.stopReason
		if reason == "" {
			reason = "end_turn"
		}
		return []Event{
			openaiChunk(t.id, t.model, map[string]any{}, finishReasonFromAnthropic(reason)),
			Done,
		}

	case "error":
		return []Event{ev}

	default:
		// ping, content_block_start, content_block_stop, future event types
		return nil
	}
}

func (t *anthropicChatToOpenAI) Finish() []Event {
	if t.done {
		return nil
	}
	t.done = true
	return []Event{
		openaiChunk(t.id, t.model, map[string]any{}, "stop"),
		Done,
	}
}

func (t *anthropicChatToOpenAI) Text() string { return t.text.String() }

func (t *anthropicChatToOpenAI) Usage() (int, int, bool) {
	return t.inputTokens, t.outputTokens, t.haveUsage
}

// anthropicChatToText rewrites an Anthropic messages stream into the legacy
// text completion event stream.
type anthropicChatToText struct {
	model        string
	inputTokens  int
	outputTokens int
	haveUsage    bool
	text         textAccumulator
}

func (t *anthropicChatToText) completionEvent(delta string, stopReason any) Event {
	payload := map[string]any{
		"type":        "completion",
		"completion":  delta,
		"stop_reason": stopReason,
		"model":       t.model,
	}
	b, _ := json.Marshal(payload)
	return Event{Name: "completion", Data: string(b)}
}

func (t *anthropicChatToText) Transform(ev Event) []Event {
	data := gjson.Parse(ev.Data)

	switch ev.Name {
	case "message_start":
		t.model = data.Get("message.model").String()
		if u := data.Get("message.usage.input_tokens"); u.Exists() {
			t.inputTokens = int(u.Int())
			t.haveUsage = true
		}
		return nil

	case "content_block_delta":
		delta := data.Get("delta.text").String()
		if delta == "" {
			return nil
		}
		t.text.add(delta)
		return []Event{t.completionEvent(delta, nil)}

	case "message_delta":
		if u := data.Get("usage.output_tokens"); u.Exists() {
			t.outputTokens = int(u.Int())
			t.haveUsage = true
		}
		reason := data.Get("delta.stop_reason").String()
		if reason == "" {
			return nil
		}
		stop := "stop_sequence"
		if reason == "max_tokens" {
			stop = "max_tokens"
		}
		return []Event{t.completionEvent("", stop)}

	case "error":
		return []Event{ev}

	default:
		return nil
	}
}

func (t *anthropicChatToText) Finish() []Event { return nil }

func (t *anthropicChatToText) Text() string { return t.text.String() }

func (t *anthropicChatToText) Usage() (int, int, bool) {
	return t.inputTokens, t.outputTokens, t.haveUsage
}
