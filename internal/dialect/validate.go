package dialect

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// ValidateRequest checks an inbound body against its dialect's schema.
// Violations return ErrBadRequest with the offending field named.
func ValidateRequest(api API, body []byte) error {
	if !gjson.ValidBytes(body) {
		return fmt.Errorf("%w: not valid JSON", ErrBadRequest)
	}

	switch api {
	case OpenAI, AnthropicChat:
		return validateChatRequest(body)
	case OpenAIText, AnthropicText:
		if gjson.GetBytes(body, "model").String() == "" {
			return fmt.Errorf("%w: missing model", ErrBadRequest)
		}
		if !gjson.GetBytes(body, "prompt").Exists() {
			return fmt.Errorf("%w: missing prompt", ErrBadRequest)
		}
		return nil
	case GoogleAI:
		contents := gjson.GetBytes(body, "contents")
		if !contents.IsArray() || len(contents.Array()) == 0 {
			return fmt.Errorf("%w: contents must be a non-empty array", ErrBadRequest)
		}
		return nil
	case OpenAIImage:
		if gjson.GetBytes(body, "prompt").String() == "" {
			return fmt.Errorf("%w: missing prompt", ErrBadRequest)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown dialect %q", ErrBadRequest, api)
	}
}
