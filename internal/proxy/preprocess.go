package proxy

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/keymux/keymux/internal/dialect"
	"github.com/keymux/keymux/internal/keypool"
	"github.com/keymux/keymux/internal/tokenizer"
)

// Request carries one inbound completion request through the pipeline.
// Body holds the outbound-dialect bytes after Prepare; key binding and
// final serialization happen after dequeue so a scarce credential is
// claimed at the last possible moment.
type Request struct {
	Model        string
	In           dialect.API
	Out          dialect.API
	Service      keypool.Service
	Body         []byte
	Stream       bool
	PromptTokens int
}

// Preprocessor validates, routes, and translates inbound bodies.
type Preprocessor struct {
	table *dialect.Table
	pool  *keypool.Pool
}

// NewPreprocessor builds the pipeline over the translation table and
// the pool's model routing.
func NewPreprocessor(table *dialect.Table, pool *keypool.Pool) *Preprocessor {
	return &Preprocessor{table: table, pool: pool}
}

// Prepare runs the pre-queue pipeline: schema validation, model
// routing, outbound dialect selection, prompt token estimation, and
// body translation.
func (p *Preprocessor) Prepare(in dialect.API, body []byte) (*Request, error) {
	if err := dialect.ValidateRequest(in, body); err != nil {
		return nil, err
	}

	model := gjson.GetBytes(body, "model").String()
	service, err := p.pool.ServiceFor(model)
	if err != nil {
		return nil, err
	}

	out := outboundFor(in, service, model)
	if !p.table.Supports(in, out) {
		return nil, fmt.Errorf("%w: %s", dialect.ErrUnsupported, dialect.Pair{In: in, Out: out})
	}

	tokens, err := tokenizer.EstimateRequest(in, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dialect.ErrBadRequest, err)
	}

	translated, err := p.table.TranslateRequest(in, out, body)
	if err != nil {
		return nil, err
	}

	return &Request{
		Model:        model,
		In:           in,
		Out:          out,
		Service:      service,
		Body:         translated,
		Stream:       gjson.GetBytes(body, "stream").Bool(),
		PromptTokens: tokens,
	}, nil
}

// outboundFor picks the outbound dialect for a routed request. The
// claude-3 families only speak the messages API, so text-completion
// traffic aimed at them is upgraded to chat.
func outboundFor(in dialect.API, service keypool.Service, model string) dialect.API {
	switch service {
	case keypool.ServiceOpenAI:
		return dialect.OpenAI
	case keypool.ServiceAnthropic:
		if in == dialect.AnthropicChat {
			return dialect.AnthropicChat
		}
		if strings.HasPrefix(model, "claude-3") {
			return dialect.AnthropicChat
		}
		return dialect.AnthropicText
	case keypool.ServiceGoogleAI:
		return dialect.GoogleAI
	default:
		return in
	}
}
