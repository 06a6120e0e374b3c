package stream

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// openaiChatToText rewrites an OpenAI chat completion stream into the legacy
// text completion chunk shape.
type openaiChatToText struct {
	text textAccumulator
}

func (t *openaiChatToText) Transform(ev Event) []Event {
	if ev.IsDone() {
		return []Event{Done}
	}
	data := gjson.Parse(ev.Data)
	if !data.IsObject() {
		return nil
	}

	choice := data.Get("choices.0")
	delta := choice.Get("delta.content").String()
	t.text.add(delta)

	var finish any
	if r := choice.Get("finish_reason"); r.Exists() && r.Type != gjson.Null {
		finish = r.String()
	}
	if delta == "" && finish == nil {
		// Role-only and empty chunks have no text completion equivalent.
		return nil
	}

	payload := map[string]any{
		"id":      "cmpl-" + strings.TrimPrefix(data.Get("id").String(), "chatcmpl-"),
		"object":  "text_completion",
		"created": data.Get("created").Int(),
		"model":   data.Get("model").String(),
		"choices": []map[string]any{{
			"text":          delta,
			"index":         0,
			"logprobs":      nil,
			"finish_reason": finish,
		}},
	}
	b, _ := json.Marshal(payload)
	return []Event{{Data: string(b)}}
}

func (t *openaiChatToText) Finish() []Event { return nil }

func (t *openaiChatToText) Text() string { return t.text.String() }

func (t *openaiChatToText) Usage() (int, int, bool) { return 0, 0, false }
