package keypool

import "strings"

// Google AI keys distinguish the Gemini tiers. The checker additionally
// records the raw upstream model list on each key for diagnostic display.
var googleDefaultFamilies = []string{"gemini-pro", "gemini-flash"}

func googleFamilyOf(model string) string {
	switch {
	case strings.Contains(model, "ultra"):
		return "gemini-ultra"
	case strings.Contains(model, "flash"):
		return "gemini-flash"
	case strings.HasPrefix(model, "gemini"):
		return "gemini-pro"
	default:
		return model
	}
}

func googleUSDPerKiloToken(family string) float64 {
	switch family {
	case "gemini-ultra":
		return 0.0015
	case "gemini-flash":
		return 0.0003
	default:
		return 0.0005
	}
}

// GoogleAIProvider is the shared provider with Gemini family mapping.
type GoogleAIProvider struct {
	*ServiceProvider
}

// NewGoogleAIProvider builds the Google AI key provider from a
// comma-separated secret list.
func NewGoogleAIProvider(secretList string, cfg ProviderConfig) (*GoogleAIProvider, error) {
	base, err := newServiceProvider(ServiceGoogleAI, secretList, cfg, traits{
		defaultFamilies: googleDefaultFamilies,
		familyOf:        googleFamilyOf,
		usdPerKiloToken: googleUSDPerKiloToken,
	})
	if err != nil {
		return nil, err
	}
	return &GoogleAIProvider{ServiceProvider: base}, nil
}
