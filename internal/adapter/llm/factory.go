package llm

import (
	"errors"
	"fmt"
	"log/slog"

	"chatstream/internal/domain"
	"chatstream/internal/infra/config"
)

// errMissingAPIKey is returned when a hosted provider has no key configured.
var errMissingAPIKey = errors.New("api key required")

// keyedProviderTypes lists hosted endpoints that reject unauthenticated
// requests. Local endpoints such as ollama need no key.
var keyedProviderTypes = map[string]bool{
	"openai":     true,
	"openrouter": true,
	"groq":       true,
}

// NewFromConfig builds one agent per configured provider, wrapping each in a
// circuit breaker when enabled, and selects the default provider. Providers
// other than the default that lack a required key are skipped with a warning.
func NewFromConfig(cfg config.LLMConfig, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg := NewRegistry()

	for _, pc := range cfg.Providers {
		if keyedProviderTypes[pc.Type] && pc.APIKey == "" {
			if pc.Name == cfg.DefaultProvider {
				return nil, domain.NewDomainError("llm.NewFromConfig", domain.ErrAuthInvalid,
					fmt.Sprintf("provider %q: %v", pc.Name, errMissingAPIKey))
			}
			logger.Warn("skipping provider without api key", "provider", pc.Name, "type", pc.Type)
			continue
		}

		var opts []OpenAIOption
		if cfg.RateLimit.Enabled {
			opts = append(opts, WithRateLimit(cfg.RateLimit.RequestsPerMin, cfg.RateLimit.Burst))
		}
		var agent domain.Agent = NewOpenAIAgent(pc, logger, opts...)
		if cfg.CircuitBreaker.Enabled {
			agent = NewCircuitBreakerAgent(agent, CircuitBreakerConfig{
				MaxFailures: cfg.CircuitBreaker.MaxFailures,
				Timeout:     cfg.CircuitBreaker.Timeout,
				Interval:    cfg.CircuitBreaker.Interval,
			}, logger)
		}
		if err := reg.Register(agent); err != nil {
			return nil, err
		}
		logger.Debug("agent registered", "provider", pc.Name, "type", pc.Type, "model", pc.Model)
	}

	if err := reg.SetDefault(cfg.DefaultProvider); err != nil {
		return nil, err
	}
	return reg, nil
}
