package hosting

import (
	"fmt"
	"sort"
)

// NewProviderFunc is a constructor function for creating a hosting provider.
// This is used by the factory to avoid import cycles — the actual GitHub/GitLab
// constructors are registered at init time by the provider packages.
type NewProviderFunc func(repo string, cfg Config) (Provider, error)

// Provider constructors registered by provider packages.
var providerConstructors = map[ProviderType]NewProviderFunc{}

// RegisterProvider registers a provider constructor.
// Called from init() in provider packages (github/, gitlab/).
func RegisterProvider(providerType ProviderType, constructor NewProviderFunc) {
	providerConstructors[providerType] = constructor
}

// NewProvider creates a hosting provider bound to repo ("owner/name").
// If cfg.Provider is "auto" or empty, the provider is detected from
// cfg.BaseURL, defaulting to GitHub for the public host.
func NewProvider(repo string, cfg Config) (Provider, error) {
	providerType, err := resolveProviderType(cfg)
	if err != nil {
		return nil, err
	}

	constructor, ok := providerConstructors[providerType]
	if !ok {
		return nil, fmt.Errorf("no provider registered for %q (registered: %v)", providerType, registeredProviders())
	}

	return constructor(repo, cfg)
}

// resolveProviderType determines which provider to use.
func resolveProviderType(cfg Config) (ProviderType, error) {
	if cfg.Provider != "" && cfg.Provider != "auto" {
		pt := ProviderType(cfg.Provider)
		if pt != ProviderGitHub && pt != ProviderGitLab {
			return "", fmt.Errorf("unknown provider %q (supported: github, gitlab)", cfg.Provider)
		}
		return pt, nil
	}

	if cfg.BaseURL != "" {
		detected := DetectProvider(cfg.BaseURL)
		if detected == ProviderUnknown {
			return "", fmt.Errorf("cannot detect hosting provider from base URL %q (set provider explicitly in config)", cfg.BaseURL)
		}
		return detected, nil
	}

	return ProviderGitHub, nil
}

func registeredProviders() []ProviderType {
	var providers []ProviderType
	for pt := range providerConstructors {
		providers = append(providers, pt)
	}
	sort.Slice(providers, func(i, j int) bool { return providers[i] < providers[j] })
	return providers
}
