package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/keymux/keymux/internal/dialect"
	"github.com/keymux/keymux/internal/health"
	"github.com/keymux/keymux/internal/keypool"
	"github.com/keymux/keymux/internal/metrics"
	"github.com/keymux/keymux/internal/queue"
	"github.com/keymux/keymux/internal/stream"
	"github.com/keymux/keymux/internal/tokenizer"
)

// Default upstream endpoints, overridable per service for tests.
const (
	openaiBaseURL    = "https://api.openai.com"
	anthropicBaseURL = "https://api.anthropic.com"
	googleBaseURL    = "https://generativelanguage.googleapis.com"

	anthropicVersion = "2023-06-01"

	maxErrorBody = 1 << 20
)

// Retry budgets per the dispatch rules: bounded retries on 429, a
// single retry on 5xx with a fresh key.
const (
	maxRateLimitRetries = 3
	maxServerRetries    = 1
)

// UpstreamConfig tunes the dispatcher.
type UpstreamConfig struct {
	Timeout       time.Duration // non-streaming deadline, default 60s
	StreamTimeout time.Duration // streaming deadline, default 5m
	BaseURLs      map[keypool.Service]string
	ExposeKeyID   bool // emit X-Keymux-Key-ID response header
}

func (c UpstreamConfig) withDefaults() UpstreamConfig {
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.StreamTimeout <= 0 {
		c.StreamTimeout = 5 * time.Minute
	}
	return c
}

// Upstream dispatches prepared requests: binds a key through the queue,
// forwards to the service, extracts health signals from the response,
// and writes the reply in the client's dialect.
type Upstream struct {
	client   *http.Client
	table    *dialect.Table
	pool     *keypool.Pool
	queue    *queue.Queue
	breakers *health.Registry
	metrics  *metrics.Metrics
	cfg      UpstreamConfig
}

// NewUpstream builds the dispatcher. A nil client gets a default with
// no client-side timeout; deadlines come from the request context.
func NewUpstream(
	client *http.Client,
	table *dialect.Table,
	pool *keypool.Pool,
	q *queue.Queue,
	breakers *health.Registry,
	m *metrics.Metrics,
	cfg UpstreamConfig,
) *Upstream {
	if client == nil {
		client = &http.Client{}
	}
	return &Upstream{
		client:   client,
		table:    table,
		pool:     pool,
		queue:    q,
		breakers: breakers,
		metrics:  m,
		cfg:      cfg.withDefaults(),
	}
}

type attemptAction int

const (
	attemptDone attemptAction = iota
	attemptRetryRateLimit
	attemptRetryKey
	attemptRetryServer
)

// attemptResult carries a buffered upstream failure so the final retry
// can pass it through to the client.
type attemptResult struct {
	action attemptAction
	status int
	body   []byte
}

// Execute runs the post-queue pipeline for one prepared request,
// retrying with fresh keys on the signals the dispatch rules call
// retryable. It writes the response and always completes the request.
func (u *Upstream) Execute(ctx context.Context, w http.ResponseWriter, req *Request) {
	logger := zerolog.Ctx(ctx)

	rateLimitRetries := 0
	serverRetries := 0
	requeueFront := false
	var lastRejection attemptResult
	for {
		waitStart := time.Now()
		enqueue := u.queue.Enqueue
		if requeueFront {
			// A rate-limited request goes back to the head of its line,
			// not behind everyone who arrived while it was in flight.
			enqueue = u.queue.EnqueueFront
		}
		sel, err := enqueue(ctx, req.Model)
		if err != nil {
			if errors.Is(err, keypool.ErrNoKeysAvailable) && lastRejection.status != 0 {
				// Every key was tried and rejected; relay the upstream's
				// own verdict instead of a generic exhaustion error.
				u.passthrough(w, req.In, lastRejection)
				return
			}
			WriteDispatchError(w, req.In, err)
			return
		}
		if u.metrics != nil {
			u.metrics.QueueWait.WithLabelValues(string(req.Service)).
				Observe(time.Since(waitStart).Seconds())
		}

		res := u.attempt(ctx, w, req, sel)
		switch res.action {
		case attemptDone:
			return

		case attemptRetryRateLimit:
			rateLimitRetries++
			if rateLimitRetries > maxRateLimitRetries {
				WriteRateLimitError(w, req.In, u.pool.LockoutPeriod(req.Model))
				return
			}
			requeueFront = true
			logger.Debug().
				Str("key", sel.Hash).
				Int("retry", rateLimitRetries).
				Msg("rate limited upstream, retrying with another key")

		case attemptRetryKey:
			// Key was disabled or revoked; the next Enqueue binds a
			// different one or fails with ErrNoKeysAvailable.
			lastRejection = res
			logger.Warn().
				Str("key", sel.Hash).
				Msg("key rejected upstream, retrying with another key")

		case attemptRetryServer:
			serverRetries++
			if serverRetries > maxServerRetries {
				u.passthrough(w, req.In, res)
				return
			}
			logger.Warn().
				Str("key", sel.Hash).
				Int("status", res.status).
				Msg("upstream server error, retrying once")
		}
	}
}

// attempt performs one upstream round trip with one bound key.
func (u *Upstream) attempt(ctx context.Context, w http.ResponseWriter, req *Request, sel keypool.Selection) attemptResult {
	logger := zerolog.Ctx(ctx)

	done, err := u.breakers.Allow(req.Service)
	if err != nil {
		WriteError(w, req.In, http.StatusBadGateway, "api_error",
			"upstream service is unavailable")
		return attemptResult{action: attemptDone}
	}

	timeout := u.cfg.Timeout
	if req.Stream {
		timeout = u.cfg.StreamTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := u.buildRequest(reqCtx, req, sel)
	if err != nil {
		done(nil)
		logger.Error().Err(err).Msg("failed to build upstream request")
		WriteError(w, req.In, http.StatusInternalServerError, "api_error", "internal error")
		return attemptResult{action: attemptDone}
	}

	start := time.Now()
	resp, err := u.client.Do(httpReq)
	if err != nil {
		done(err)
		switch {
		case ctx.Err() != nil:
			// Client cancel or whole-request deadline. No key penalty.
			WriteDispatchError(w, req.In, ctx.Err())
			return attemptResult{action: attemptDone}
		case errors.Is(err, context.DeadlineExceeded):
			WriteDispatchError(w, req.In, context.DeadlineExceeded)
			return attemptResult{action: attemptDone}
		default:
			logger.Warn().Err(err).Str("key", sel.Hash).Msg("upstream connection failed")
			u.countError(req.Service, 0)
			return attemptResult{action: attemptRetryServer, status: http.StatusBadGateway,
				body: []byte(`{"error":{"message":"upstream connection failed","type":"api_error"}}`)}
		}
	}
	defer resp.Body.Close()

	if u.metrics != nil {
		u.metrics.UpstreamDuration.WithLabelValues(string(req.Service), req.Model).
			Observe(time.Since(start).Seconds())
	}

	done(statusErr(resp.StatusCode))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return u.handleAuthFailure(ctx, resp, req, sel)
	case resp.StatusCode == http.StatusTooManyRequests:
		return u.handleRateLimit(ctx, resp, req, sel)
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		u.countError(req.Service, resp.StatusCode)
		return attemptResult{action: attemptRetryServer, status: resp.StatusCode, body: body}
	case resp.StatusCode >= 400:
		// Client-shaped errors pass through untranslated.
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		u.passthrough(w, req.In, attemptResult{status: resp.StatusCode, body: body})
		return attemptResult{action: attemptDone}
	}

	u.succeed(ctx, w, req, sel, resp)
	return attemptResult{action: attemptDone}
}

// statusErr feeds the circuit breaker: only statuses the breaker should
// count come back non-nil.
func statusErr(status int) error {
	if health.ShouldCountAsFailure(status, nil) {
		return errors.New("upstream failure status " + strconv.Itoa(status))
	}
	return nil
}

func (u *Upstream) countError(service keypool.Service, status int) {
	if u.metrics == nil {
		return
	}
	label := "network"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	u.metrics.UpstreamErrors.WithLabelValues(string(service), label).Inc()
}

// handleAuthFailure classifies a 401/403. Billing failures revoke the
// key permanently; plain auth failures disable it. Either way the
// request deserves a fresh key.
func (u *Upstream) handleAuthFailure(ctx context.Context, resp *http.Response, req *Request, sel keypool.Selection) attemptResult {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	u.countError(req.Service, resp.StatusCode)

	if isBillingFailure(body) {
		revoked := true
		if err := u.pool.Update(req.Service, sel.Hash, keypool.Patch{Revoked: &revoked}); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("key", sel.Hash).Msg("failed to revoke key")
		}
		if u.metrics != nil {
			u.metrics.KeysRevoked.WithLabelValues(string(req.Service)).Inc()
		}
		zerolog.Ctx(ctx).Warn().Str("key", sel.Hash).Msg("key revoked: billing failure upstream")
	} else {
		u.pool.Disable(req.Service, sel.Hash)
		zerolog.Ctx(ctx).Warn().
			Str("key", sel.Hash).
			Int("status", resp.StatusCode).
			Msg("key disabled: rejected upstream")
	}
	return attemptResult{action: attemptRetryKey, status: resp.StatusCode, body: body}
}

// handleRateLimit arms the lockout. A 429 that is really a billing
// rejection revokes instead, since waiting will not help.
func (u *Upstream) handleRateLimit(ctx context.Context, resp *http.Response, req *Request, sel keypool.Selection) attemptResult {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	u.countError(req.Service, resp.StatusCode)
	if u.metrics != nil {
		u.metrics.KeyRateLimits.WithLabelValues(string(req.Service)).Inc()
	}

	if isBillingFailure(body) {
		revoked := true
		if err := u.pool.Update(req.Service, sel.Hash, keypool.Patch{Revoked: &revoked}); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("key", sel.Hash).Msg("failed to revoke key")
		}
		zerolog.Ctx(ctx).Warn().Str("key", sel.Hash).Msg("key revoked: quota exhausted")
		return attemptResult{action: attemptRetryKey, status: resp.StatusCode, body: body}
	}

	u.pool.MarkRateLimited(req.Service, sel.Hash)
	return attemptResult{action: attemptRetryRateLimit, status: resp.StatusCode, body: body}
}

// billingMarkers are the upstream phrasings that mean the credential's
// account cannot pay, across services.
var billingMarkers = []string{
	"insufficient_quota",
	"billing",
	"credit balance",
	"payment",
	"quota exceeded",
}

func isBillingFailure(body []byte) bool {
	msg := strings.ToLower(gjson.GetBytes(body, "error.message").String())
	code := strings.ToLower(gjson.GetBytes(body, "error.code").String())
	typ := strings.ToLower(gjson.GetBytes(body, "error.type").String())
	haystack := msg + " " + code + " " + typ
	for _, marker := range billingMarkers {
		if strings.Contains(haystack, marker) {
			return true
		}
	}
	return false
}

// succeed accounts the key and writes the 2xx response, translating
// it back into the client's dialect.
func (u *Upstream) succeed(ctx context.Context, w http.ResponseWriter, req *Request, sel keypool.Selection, resp *http.Response) {
	u.pool.IncrementPrompt(req.Service, sel.Hash)
	u.pool.UpdateRateLimits(req.Service, sel.Hash, resp.Header)

	if u.cfg.ExposeKeyID {
		w.Header().Set(HeaderKeyID, sel.Hash)
	}
	if u.metrics != nil {
		u.metrics.TokensProcessed.WithLabelValues(string(req.Service), "input").
			Add(float64(req.PromptTokens))
	}

	if req.Stream {
		u.streamResponse(ctx, w, req, sel, resp)
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to read upstream response")
		WriteError(w, req.In, http.StatusBadGateway, "api_error", "upstream response truncated")
		return
	}

	u.accountOutput(req, sel, outputTokensFromResponse(req.Out, body))

	translated, err := u.table.TranslateResponse(req.In, req.Out, body)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("response translation failed")
		WriteError(w, req.In, http.StatusBadGateway, "api_error", "upstream response malformed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(translated); err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Msg("client went away during response write")
	}
}

// streamResponse pipes the upstream SSE stream through the dialect
// transformer, flushing each event as it completes.
func (u *Upstream) streamResponse(ctx context.Context, w http.ResponseWriter, req *Request, sel keypool.Selection, resp *http.Response) {
	logger := zerolog.Ctx(ctx)

	SetSSEHeaders(w.Header())
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	tr := stream.ForPair(req.In, req.Out)

	writeEvents := func(events []stream.Event) bool {
		for _, ev := range events {
			if _, err := w.Write(ev.Encode()); err != nil {
				logger.Debug().Err(err).Msg("client went away during stream")
				return false
			}
		}
		if flusher != nil && len(events) > 0 {
			flusher.Flush()
		}
		return true
	}

	var buf []byte
	chunk := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			var events []stream.Event
			buf, events = stream.Decode(buf, chunk[:n])
			out := make([]stream.Event, 0, len(events))
			for _, ev := range events {
				out = append(out, tr.Transform(ev)...)
			}
			if !writeEvents(out) {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warn().Err(err).Str("key", sel.Hash).Msg("upstream stream ended abnormally")
			}
			break
		}
	}

	writeEvents(tr.Finish())

	outTokens := 0
	if _, out, ok := tr.Usage(); ok {
		outTokens = out
	} else {
		outTokens = tokenizer.EstimateText(tr.Text())
	}
	u.accountOutput(req, sel, outTokens)
}

// accountOutput charges the key's usage counters after a completed
// response.
func (u *Upstream) accountOutput(req *Request, sel keypool.Selection, outTokens int) {
	if outTokens <= 0 {
		return
	}
	u.pool.IncrementUsage(req.Service, sel.Hash, req.Model, int64(outTokens))
	if u.metrics != nil {
		u.metrics.TokensProcessed.WithLabelValues(string(req.Service), "output").
			Add(float64(outTokens))
	}
}

// passthrough relays a buffered upstream failure body to the client.
func (u *Upstream) passthrough(w http.ResponseWriter, api dialect.API, res attemptResult) {
	if len(res.body) == 0 {
		WriteError(w, api, res.status, "api_error", "upstream request failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.status)
	_, _ = w.Write(res.body)
}

// buildRequest assembles the outbound HTTP request: URL by outbound
// dialect, streaming flag in the body or URL, and the service's
// authorization scheme.
func (u *Upstream) buildRequest(ctx context.Context, req *Request, sel keypool.Selection) (*http.Request, error) {
	body := req.Body
	var err error
	if req.Stream && req.Out != dialect.GoogleAI {
		body, err = sjson.SetBytes(body, "stream", true)
		if err != nil {
			return nil, err
		}
	}

	url := u.baseURL(req.Service) + u.path(req)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.ContentLength = int64(len(body))

	switch req.Service {
	case keypool.ServiceOpenAI:
		httpReq.Header.Set("Authorization", "Bearer "+sel.Secret)
	case keypool.ServiceAnthropic:
		httpReq.Header.Set("x-api-key", sel.Secret)
		httpReq.Header.Set("anthropic-version", anthropicVersion)
	case keypool.ServiceGoogleAI:
		q := httpReq.URL.Query()
		q.Set("key", sel.Secret)
		httpReq.URL.RawQuery = q.Encode()
	}

	return httpReq, nil
}

func (u *Upstream) baseURL(service keypool.Service) string {
	if base, ok := u.cfg.BaseURLs[service]; ok && base != "" {
		return base
	}
	switch service {
	case keypool.ServiceOpenAI:
		return openaiBaseURL
	case keypool.ServiceAnthropic:
		return anthropicBaseURL
	default:
		return googleBaseURL
	}
}

func (u *Upstream) path(req *Request) string {
	switch req.Out {
	case dialect.OpenAI:
		return "/v1/chat/completions"
	case dialect.OpenAIText:
		return "/v1/completions"
	case dialect.AnthropicText:
		return "/v1/complete"
	case dialect.AnthropicChat:
		return "/v1/messages"
	case dialect.GoogleAI:
		verb := "generateContent"
		if req.Stream {
			verb = "streamGenerateContent?alt=sse"
		}
		return "/v1beta/models/" + req.Model + ":" + verb
	default:
		return "/v1/chat/completions"
	}
}

// outputTokensFromResponse pulls real usage numbers from a buffered
// response, falling back to a text estimate.
func outputTokensFromResponse(out dialect.API, body []byte) int {
	switch out {
	case dialect.OpenAI:
		if v := gjson.GetBytes(body, "usage.completion_tokens"); v.Exists() {
			return int(v.Int())
		}
		return tokenizer.EstimateText(gjson.GetBytes(body, "choices.0.message.content").String())
	case dialect.OpenAIText:
		if v := gjson.GetBytes(body, "usage.completion_tokens"); v.Exists() {
			return int(v.Int())
		}
		return tokenizer.EstimateText(gjson.GetBytes(body, "choices.0.text").String())
	case dialect.AnthropicChat:
		if v := gjson.GetBytes(body, "usage.output_tokens"); v.Exists() {
			return int(v.Int())
		}
		return tokenizer.EstimateText(gjson.GetBytes(body, "content.0.text").String())
	case dialect.AnthropicText:
		return tokenizer.EstimateText(gjson.GetBytes(body, "completion").String())
	case dialect.GoogleAI:
		if v := gjson.GetBytes(body, "usageMetadata.candidatesTokenCount"); v.Exists() {
			return int(v.Int())
		}
		return tokenizer.EstimateText(gjson.GetBytes(body, "candidates.0.content.parts.0.text").String())
	}
	return 0
}
