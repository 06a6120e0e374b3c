package keychecker

import (
	"context"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/samber/lo"
	"github.com/tidwall/gjson"

	"github.com/keymux/keymux/internal/keypool"
)

// Default upstream endpoints, overridable via Config.BaseURL.
const (
	openaiBaseURL    = "https://api.openai.com"
	anthropicBaseURL = "https://api.anthropic.com"
	googleBaseURL    = "https://generativelanguage.googleapis.com"

	anthropicVersion = "2023-06-01"
)

// maxProbeBody bounds how much of a probe response is read for parsing.
const maxProbeBody = 1 << 20

func (c *Checker) baseURL(fallback string) string {
	if c.cfg.BaseURL != "" {
		return c.cfg.BaseURL
	}
	return fallback
}

func (c *Checker) send(req *http.Request) (int, []byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

// familiesFromModels maps upstream model IDs to the service's known
// capability families, deduplicated and sorted.
func (c *Checker) familiesFromModels(ids []string) []string {
	known := keypool.KnownFamilies(c.provider.Service())
	fams := lo.Uniq(lo.FilterMap(ids, func(id string, _ int) (string, bool) {
		fam := c.provider.FamilyOf(id)
		return fam, lo.Contains(known, fam)
	}))
	sort.Strings(fams)
	return fams
}

// probeOpenAI lists the key's models. The model list is the capability
// oracle: which families the key can serve and whether it is alive at all.
func (c *Checker) probeOpenAI(ctx context.Context, sel keypool.Selection) outcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL(openaiBaseURL)+"/v1/models", nil)
	if err != nil {
		return outcome{transient: true}
	}
	req.Header.Set("Authorization", "Bearer "+sel.Secret)

	status, body, err := c.send(req)
	if err != nil {
		return outcome{transient: true}
	}

	switch {
	case status == http.StatusOK:
		var ids []string
		for _, m := range gjson.GetBytes(body, "data").Array() {
			ids = append(ids, m.Get("id").String())
		}
		fams := c.familiesFromModels(ids)
		if len(fams) == 0 {
			// A live key with no usable model is effectively dead for us.
			return outcome{patch: &keypool.Patch{Disabled: boolPtr(true)}}
		}
		return outcome{patch: &keypool.Patch{
			Disabled:      boolPtr(false),
			ModelFamilies: fams,
		}}

	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return outcome{patch: &keypool.Patch{Revoked: boolPtr(true)}}

	case status == http.StatusTooManyRequests:
		if gjson.GetBytes(body, "error.type").String() == "insufficient_quota" {
			return outcome{patch: &keypool.Patch{Revoked: boolPtr(true)}}
		}
		return outcome{transient: true}

	default:
		return outcome{transient: true}
	}
}

// probeAnthropic sends the cheapest possible messages request. A successful
// response proves the key is live and paid; a credit error means the trial
// balance is exhausted and the key is useless.
func (c *Checker) probeAnthropic(ctx context.Context, sel keypool.Selection) outcome {
	const probeBody = `{"model":"claude-3-haiku-20240307","max_tokens":1,"messages":[{"role":"user","content":"hi"}]}`

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL(anthropicBaseURL)+"/v1/messages", strings.NewReader(probeBody))
	if err != nil {
		return outcome{transient: true}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", sel.Secret)
	req.Header.Set("anthropic-version", anthropicVersion)

	status, body, err := c.send(req)
	if err != nil {
		return outcome{transient: true}
	}

	switch {
	case status == http.StatusOK:
		return outcome{patch: &keypool.Patch{
			Disabled: boolPtr(false),
			Tier:     stringPtr(keypool.TierPaid),
		}}

	case status == http.StatusBadRequest:
		msg := gjson.GetBytes(body, "error.message").String()
		if strings.Contains(strings.ToLower(msg), "credit balance") {
			return outcome{patch: &keypool.Patch{
				Revoked: boolPtr(true),
				Tier:    stringPtr(keypool.TierTrial),
			}}
		}
		// Some other request shape problem; the key itself answered.
		return outcome{patch: &keypool.Patch{Disabled: boolPtr(false)}}

	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return outcome{patch: &keypool.Patch{Revoked: boolPtr(true)}}

	case status == http.StatusTooManyRequests:
		// Rate limited keys are alive; selection handles the lockout.
		return outcome{patch: &keypool.Patch{Disabled: boolPtr(false)}}

	default:
		return outcome{transient: true}
	}
}

// probeGoogleAI lists the key's models and records the raw IDs alongside the
// derived families.
func (c *Checker) probeGoogleAI(ctx context.Context, sel keypool.Selection) outcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL(googleBaseURL)+"/v1beta/models?pageSize=1000&key="+sel.Secret, nil)
	if err != nil {
		return outcome{transient: true}
	}

	status, body, err := c.send(req)
	if err != nil {
		return outcome{transient: true}
	}

	switch {
	case status == http.StatusOK:
		var ids []string
		for _, m := range gjson.GetBytes(body, "models").Array() {
			ids = append(ids, strings.TrimPrefix(m.Get("name").String(), "models/"))
		}
		fams := c.familiesFromModels(ids)
		if len(fams) == 0 {
			return outcome{patch: &keypool.Patch{Disabled: boolPtr(true), ModelIDs: ids}}
		}
		return outcome{patch: &keypool.Patch{
			Disabled:      boolPtr(false),
			ModelFamilies: fams,
			ModelIDs:      ids,
		}}

	case status == http.StatusBadRequest:
		if gjson.GetBytes(body, "error.status").String() == "INVALID_ARGUMENT" &&
			strings.Contains(gjson.GetBytes(body, "error.message").String(), "API key") {
			return outcome{patch: &keypool.Patch{Revoked: boolPtr(true)}}
		}
		return outcome{transient: true}

	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return outcome{patch: &keypool.Patch{Revoked: boolPtr(true)}}

	default:
		return outcome{transient: true}
	}
}
