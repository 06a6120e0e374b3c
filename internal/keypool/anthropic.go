package keypool

import "strings"

// Anthropic keys carry two capability families. No response headers are
// trusted for rate-limit hints; only 429 feedback arms lockouts.
var anthropicDefaultFamilies = []string{"claude", "claude-opus"}

// Tier values the checker can detect on an Anthropic key.
const (
	TierTrial = "trial"
	TierPaid  = "paid"
)

func anthropicFamilyOf(model string) string {
	if !strings.HasPrefix(model, "claude") {
		return model
	}
	if strings.Contains(model, "opus") {
		return "claude-opus"
	}
	return "claude"
}

func anthropicUSDPerKiloToken(family string) float64 {
	if family == "claude-opus" {
		return 0.075
	}
	return 0.024
}

// AnthropicProvider is the shared provider with Anthropic family mapping.
// UpdateRateLimits stays the inherited no-op.
type AnthropicProvider struct {
	*ServiceProvider
}

// NewAnthropicProvider builds the Anthropic key provider from a
// comma-separated secret list.
func NewAnthropicProvider(secretList string, cfg ProviderConfig) (*AnthropicProvider, error) {
	base, err := newServiceProvider(ServiceAnthropic, secretList, cfg, traits{
		defaultFamilies: anthropicDefaultFamilies,
		familyOf:        anthropicFamilyOf,
		usdPerKiloToken: anthropicUSDPerKiloToken,
	})
	if err != nil {
		return nil, err
	}
	return &AnthropicProvider{ServiceProvider: base}, nil
}
