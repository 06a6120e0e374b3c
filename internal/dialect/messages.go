package dialect

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Chat prompt markers used by the Anthropic text completion dialect.
const (
	humanMarker     = "\n\nHuman:"
	assistantMarker = "\n\nAssistant:"
)

// defaultMaxTokens is used when the inbound request omits an output cap but
// the outbound dialect requires one.
const defaultMaxTokens = 1024

// contentText flattens a chat message content field to plain text. Content
// is either a string or an array of typed parts; non-text parts are dropped.
func contentText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if !content.IsArray() {
		return ""
	}

	var sb strings.Builder
	for _, part := range content.Array() {
		if part.Get("type").String() != "text" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(part.Get("text").String())
	}
	return sb.String()
}

// stopSequences normalizes the OpenAI "stop" field, which may be a single
// string or an array of up to four strings.
func stopSequences(stop gjson.Result) []string {
	switch {
	case stop.Type == gjson.String:
		return []string{stop.String()}
	case stop.IsArray():
		var out []string
		for _, s := range stop.Array() {
			if s.String() != "" {
				out = append(out, s.String())
			}
		}
		return out
	default:
		return nil
	}
}

// setIfExists copies an optional numeric or boolean field into the output
// map under a possibly different name.
func setIfExists(out map[string]any, name string, v gjson.Result) {
	if v.Exists() {
		out[name] = v.Value()
	}
}

// validateChatRequest checks the fields every chat-shaped request must carry.
func validateChatRequest(body []byte) error {
	if !gjson.ValidBytes(body) {
		return fmt.Errorf("%w: not valid JSON", ErrBadRequest)
	}
	if gjson.GetBytes(body, "model").String() == "" {
		return fmt.Errorf("%w: missing model", ErrBadRequest)
	}
	msgs := gjson.GetBytes(body, "messages")
	if !msgs.IsArray() || len(msgs.Array()) == 0 {
		return fmt.Errorf("%w: messages must be a non-empty array", ErrBadRequest)
	}
	return nil
}
