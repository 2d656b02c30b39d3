// Package provider builds the concrete providers named in the configuration.
package provider

import (
	"fmt"

	"github.com/yanolja/failover"
	"github.com/yanolja/failover/config"
	"github.com/yanolja/failover/provider/claude"
	"github.com/yanolja/failover/provider/openai"
)

// Named is a provider that knows the name it was configured with.
type Named interface {
	failover.Provider
	failover.HealthChecker
	Name() string
}

func New(c config.ProviderConfig) (Named, error) {
	switch c.Type {
	case config.ProviderTypeOpenAi:
		return openai.NewEndpoint(c.Name, c.BaseUrl, c.ApiKey(), openai.WithDefaults(c.Model, c.MaxTokens))
	case config.ProviderTypeClaude:
		return claude.NewEndpoint(c.Name, c.BaseUrl, c.ApiKey(), c.Model, c.MaxTokens), nil
	}
	return nil, fmt.Errorf("unsupported provider type: %s", c.Type)
}

// NewAll builds the providers in configuration order.
func NewAll(configs []config.ProviderConfig) ([]Named, error) {
	providers := make([]Named, 0, len(configs))
	for _, c := range configs {
		p, err := New(c)
		if err != nil {
			return nil, fmt.Errorf("failed to create provider %s: %w", c.Name, err)
		}
		providers = append(providers, p)
	}
	return providers, nil
}
