// Package dialect defines the request/response body shapes spoken by each
// upstream API family and the finite translation table between them.
//
// A translation is a pure function of the body. The table is populated once
// at startup; a pair missing from the table fails at request entry with
// ErrUnsupported rather than deep inside a transform.
package dialect

import (
	"errors"
	"fmt"
)

// API identifies one request/response body shape.
type API string

// Supported dialects.
const (
	OpenAI        API = "openai"          // chat completions
	OpenAIText    API = "openai-text"     // legacy text completions
	OpenAIImage   API = "openai-image"    // image generation
	AnthropicText API = "anthropic-text"  // /v1/complete
	AnthropicChat API = "anthropic-chat"  // /v1/messages
	GoogleAI      API = "google-ai"       // generateContent
)

// Errors returned by the table and the validators.
var (
	// ErrUnsupported means no transform is registered for the dialect pair.
	ErrUnsupported = errors.New("dialect: unsupported translation pair")

	// ErrBadRequest means the body violates the inbound dialect's schema.
	ErrBadRequest = errors.New("dialect: invalid request body")
)

// Pair keys the translation table.
type Pair struct {
	In  API
	Out API
}

func (p Pair) String() string { return string(p.In) + "->" + string(p.Out) }

// Transform rewrites a request body from one dialect to another.
type Transform func(body []byte) ([]byte, error)

// Table holds the request and response translation matrices.
type Table struct {
	requests  map[Pair]Transform
	responses map[Pair]Transform
}

// NewTable builds the full translation table. Identity pairs are implicit:
// translating a dialect to itself returns the body unchanged.
func NewTable() *Table {
	t := &Table{
		requests:  make(map[Pair]Transform),
		responses: make(map[Pair]Transform),
	}

	// Request direction: inbound dialect -> outbound dialect.
	t.requests[Pair{OpenAI, AnthropicText}] = openaiToAnthropicText
	t.requests[Pair{OpenAI, AnthropicChat}] = openaiToAnthropicChat
	t.requests[Pair{OpenAI, GoogleAI}] = openaiToGoogleAI
	t.requests[Pair{OpenAIText, OpenAI}] = openaiTextToOpenAI
	t.requests[Pair{AnthropicText, AnthropicChat}] = anthropicTextToChat

	// Response direction: keyed by the same (inbound, outbound) pair as the
	// request that produced it; the transform maps the upstream's response
	// body back into the client's dialect.
	t.responses[Pair{OpenAI, AnthropicText}] = anthropicTextResponseToOpenAI
	t.responses[Pair{OpenAI, AnthropicChat}] = anthropicChatResponseToOpenAI
	t.responses[Pair{OpenAI, GoogleAI}] = googleAIResponseToOpenAI
	t.responses[Pair{OpenAIText, OpenAI}] = openaiResponseToOpenAIText
	t.responses[Pair{AnthropicText, AnthropicChat}] = anthropicChatResponseToText

	return t
}

// Supports reports whether a request translation exists for the pair.
func (t *Table) Supports(in, out API) bool {
	if in == out {
		return true
	}
	_, ok := t.requests[Pair{in, out}]
	return ok
}

// TranslateRequest rewrites body from the inbound to the outbound dialect.
func (t *Table) TranslateRequest(in, out API, body []byte) ([]byte, error) {
	if in == out {
		return body, nil
	}
	fn, ok := t.requests[Pair{in, out}]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, Pair{in, out})
	}
	return fn(body)
}

// TranslateResponse rewrites an upstream response body back into the
// client's dialect for the given request pair. Pairs without a registered
// response transform pass the body through unchanged.
func (t *Table) TranslateResponse(in, out API, body []byte) ([]byte, error) {
	if in == out {
		return body, nil
	}
	fn, ok := t.responses[Pair{in, out}]
	if !ok {
		return body, nil
	}
	return fn(body)
}
