package proxy

import (
	"io"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/tidwall/sjson"

	"github.com/keymux/keymux/internal/dialect"
	"github.com/keymux/keymux/internal/metrics"
)

// claude3CompleteModel is the model forced by the /v1/claude-3/complete
// convenience endpoint.
const claude3CompleteModel = "claude-3-sonnet-20240229"

// Handler serves the completion endpoints. Each endpoint fixes the
// client dialect; everything past that is shared pipeline.
type Handler struct {
	pre      *Preprocessor
	upstream *Upstream
	metrics  *metrics.Metrics

	// LogPrompts emits full request bodies to the log. Operator opt-in;
	// prompts can carry user data.
	LogPrompts bool
}

// NewHandler wires the completion pipeline.
func NewHandler(pre *Preprocessor, upstream *Upstream, m *metrics.Metrics) *Handler {
	return &Handler{pre: pre, upstream: upstream, metrics: m}
}

// ChatCompletions handles POST /v1/chat/completions (OpenAI chat).
func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	h.complete(w, r, dialect.OpenAI, "")
}

// Completions handles POST /v1/completions (OpenAI legacy text).
func (h *Handler) Completions(w http.ResponseWriter, r *http.Request) {
	h.complete(w, r, dialect.OpenAIText, "")
}

// Complete handles POST /v1/complete (Anthropic text completion).
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	h.complete(w, r, dialect.AnthropicText, "")
}

// Messages handles POST /v1/messages (Anthropic messages).
func (h *Handler) Messages(w http.ResponseWriter, r *http.Request) {
	h.complete(w, r, dialect.AnthropicChat, "")
}

// Claude3Complete handles POST /v1/claude-3/complete: a text-completion
// endpoint pinned to a claude-3 model regardless of the body's model.
func (h *Handler) Claude3Complete(w http.ResponseWriter, r *http.Request) {
	h.complete(w, r, dialect.AnthropicText, claude3CompleteModel)
}

// complete runs the shared pipeline: read, prepare, dispatch.
func (h *Handler) complete(w http.ResponseWriter, r *http.Request, in dialect.API, forceModel string) {
	logger := zerolog.Ctx(r.Context())

	body, err := io.ReadAll(r.Body)
	if err != nil {
		if IsBodyTooLargeError(err) {
			WriteError(w, in, http.StatusRequestEntityTooLarge, "invalid_request_error",
				"request body exceeds the configured limit")
			return
		}
		logger.Debug().Err(err).Msg("failed to read request body")
		WriteError(w, in, http.StatusBadRequest, "invalid_request_error", "could not read request body")
		return
	}

	if forceModel != "" {
		body, err = sjson.SetBytes(body, "model", forceModel)
		if err != nil {
			WriteError(w, in, http.StatusBadRequest, "invalid_request_error", "could not rewrite model")
			return
		}
	}

	req, err := h.pre.Prepare(in, body)
	if err != nil {
		logger.Debug().Err(err).Msg("request rejected before dispatch")
		WriteDispatchError(w, in, err)
		return
	}

	if h.LogPrompts {
		logger.Info().
			Str("model", req.Model).
			RawJSON("request", body).
			Msg("prompt")
	}

	if h.metrics != nil && req.In != req.Out {
		h.metrics.TranslationsTotal.WithLabelValues(string(req.In), string(req.Out)).Inc()
	}

	h.upstream.Execute(r.Context(), w, req)
}
