package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// listing every problem found.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateSession(cfg, ve)
	validateLLM(cfg, ve)
	validateTools(cfg, ve)
	validateGateway(cfg, ve)
	validateStore(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateSession(cfg *Config, ve *ValidationError) {
	s := cfg.Session
	if s.MaxMessages < 0 {
		ve.Add("session.max_messages must be >= 0")
	}
	if s.MaxContinuations <= 0 {
		ve.Add("session.max_continuations must be > 0")
	}
	if s.MaxRunRetries < 0 {
		ve.Add("session.max_run_retries must be >= 0")
	}
	if s.StreamIdleTimeout < 0 {
		ve.Add("session.stream_idle_timeout must be >= 0")
	}
	if s.ToolTimeout < 0 {
		ve.Add("session.tool_timeout must be >= 0")
	}
	if s.EventQueueSize <= 0 {
		ve.Add("session.event_queue_size must be > 0")
	}
}

// validProviderTypes lists the OpenAI-compatible endpoints the transport
// speaks to. API keys are checked when the transport is built.
var validProviderTypes = map[string]bool{
	"openai":     true,
	"openrouter": true,
	"groq":       true,
	"ollama":     true,
}

func validateLLM(cfg *Config, ve *ValidationError) {
	if cfg.LLM.DefaultProvider == "" {
		ve.Add("llm.default_provider must not be empty")
	}

	names := make(map[string]bool, len(cfg.LLM.Providers))
	for i, p := range cfg.LLM.Providers {
		prefix := fmt.Sprintf("llm.providers[%d]", i)
		if p.Name == "" {
			ve.Add("%s.name must not be empty", prefix)
		} else if names[p.Name] {
			ve.Add("%s.name %q is duplicated", prefix, p.Name)
		}
		names[p.Name] = true

		if !validProviderTypes[p.Type] {
			ve.Add("%s.type %q is not supported", prefix, p.Type)
		}
		if p.BaseURL != "" && !strings.HasPrefix(p.BaseURL, "http://") && !strings.HasPrefix(p.BaseURL, "https://") {
			ve.Add("%s.base_url %q must be an http(s) URL", prefix, p.BaseURL)
		}
		if p.Model == "" {
			ve.Add("%s.model must not be empty", prefix)
		}
		if p.MaxTokens < 0 {
			ve.Add("%s.max_tokens must be >= 0", prefix)
		}
		if p.Temperature != nil && (*p.Temperature < 0 || *p.Temperature > 2) {
			ve.Add("%s.temperature must be in [0, 2]", prefix)
		}
	}

	if cfg.LLM.DefaultProvider != "" && !names[cfg.LLM.DefaultProvider] {
		ve.Add("llm.default_provider %q not found in providers", cfg.LLM.DefaultProvider)
	}

	if cb := cfg.LLM.CircuitBreaker; cb.Enabled {
		if cb.MaxFailures == 0 {
			ve.Add("llm.circuit_breaker.max_failures must be > 0 when enabled")
		}
		if cb.Timeout <= 0 {
			ve.Add("llm.circuit_breaker.timeout must be > 0 when enabled")
		}
	}
	if rl := cfg.LLM.RateLimit; rl.Enabled {
		if rl.RequestsPerMin <= 0 {
			ve.Add("llm.rate_limit.requests_per_min must be > 0 when enabled")
		}
		if rl.Burst <= 0 {
			ve.Add("llm.rate_limit.burst must be > 0 when enabled")
		}
	}
}

func validateTools(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool, len(cfg.Tools.Builtins))
	for _, name := range cfg.Tools.Builtins {
		if name == "" {
			ve.Add("tools.builtins must not contain empty names")
			continue
		}
		if seen[name] {
			ve.Add("tools.builtins lists %q twice", name)
		}
		seen[name] = true
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if !cfg.Gateway.Enabled {
		return
	}
	if cfg.Gateway.Addr == "" {
		ve.Add("gateway.addr must not be empty when gateway is enabled")
	} else if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
		ve.Add("gateway.addr %q is invalid: %v", cfg.Gateway.Addr, err)
	}
	for i, tok := range cfg.Gateway.Tokens {
		if tok.Token == "" {
			ve.Add("gateway.tokens[%d].token must not be empty", i)
		}
	}
}

func validateStore(cfg *Config, ve *ValidationError) {
	if cfg.Store.Enabled && strings.TrimSpace(cfg.Store.Path) == "" {
		ve.Add("store.path must not be empty when store is enabled")
	}
}

var (
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	validLogFormats = map[string]bool{"text": true, "json": true, "tint": true}
	validExporters  = map[string]bool{"": true, "noop": true, "stdout": true}
)

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want debug, info, warn or error)", cfg.Logger.Level)
	}
	if !validLogFormats[cfg.Logger.Format] {
		ve.Add("logger.format %q is invalid (want text, json or tint)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	if !validExporters[cfg.Tracer.Exporter] {
		ve.Add("tracer.exporter %q is not supported", cfg.Tracer.Exporter)
	}
	if cfg.Tracer.SampleRatio < 0 || cfg.Tracer.SampleRatio > 1 {
		ve.Add("tracer.sample_ratio must be in [0, 1]")
	}
}
