package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"chatstream/internal/adapter/store"
	"chatstream/internal/adapter/tool"
	"chatstream/internal/domain"
	"chatstream/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

var resultNoConfig = CheckResult{Status: StatusFail, Message: "cannot check: config not loaded"}

// runDoctor executes all health checks and reports results to out.
func runDoctor(cfgPath string, out io.Writer) error {
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "LLM API key", Fn: checkLLMAPIKey},
		{Name: "LLM connectivity", Fn: checkLLMConnectivity(http.DefaultClient)},
		{Name: "Tools", Fn: checkTools},
		{Name: "Gateway", Fn: checkGateway},
		{Name: "Transcript store", Fn: checkStore},
	}

	fmt.Fprintln(out, "chatstream doctor")
	fmt.Fprintln(out, strings.Repeat("=", 50))
	fmt.Fprintln(out)

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Fprintf(out, "  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(out, "      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, strings.Repeat("-", 50))
	fmt.Fprintf(out, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

// checkConfigFile reports whether the config file exists and loaded. A
// missing file is only a warning since defaults apply.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check config.yaml syntax and permissions (chmod 600)",
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s; using defaults", cfgPath),
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

func defaultProvider(cfg *config.Config) *config.ProviderConfig {
	for i := range cfg.LLM.Providers {
		if cfg.LLM.Providers[i].Name == cfg.LLM.DefaultProvider {
			return &cfg.LLM.Providers[i]
		}
	}
	return nil
}

// checkLLMAPIKey verifies the default provider can authenticate.
func checkLLMAPIKey(cfg *config.Config) CheckResult {
	if cfg == nil {
		return resultNoConfig
	}
	p := defaultProvider(cfg)
	if p == nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("default provider %q not found", cfg.LLM.DefaultProvider),
		}
	}
	if p.APIKey == "" {
		if p.Type == "ollama" {
			return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s needs no API key", p.Name)}
		}
		envName := "CHATSTREAM_LLM_PROVIDER_" + strings.ToUpper(strings.ReplaceAll(p.Name, "-", "_")) + "_API_KEY"
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("no API key for %s", p.Name),
			Fix:     "Set " + envName,
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("API key configured for %s", p.Name)}
}

// checkLLMConnectivity lists models on the default provider.
func checkLLMConnectivity(client *http.Client) func(*config.Config) CheckResult {
	return func(cfg *config.Config) CheckResult {
		if cfg == nil {
			return resultNoConfig
		}
		p := defaultProvider(cfg)
		if p == nil {
			return CheckResult{Status: StatusWarn, Message: "skipped: no default provider"}
		}
		if p.APIKey == "" && p.Type != "ollama" {
			return CheckResult{Status: StatusWarn, Message: "skipped: no API key for default provider"}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		endpoint := strings.TrimRight(p.BaseURL, "/") + "/models"
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return CheckResult{Status: StatusFail, Message: fmt.Sprintf("bad endpoint %s: %v", endpoint, err)}
		}
		if p.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+p.APIKey)
		}

		start := time.Now()
		resp, err := client.Do(req)
		latency := time.Since(start)
		if err != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("cannot reach %s: %v", endpoint, err),
				Fix:     "Check your internet connection and llm.providers[].base_url",
			}
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("%s rejected the API key (HTTP %d)", p.Name, resp.StatusCode),
			}
		case resp.StatusCode >= 400:
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("%s answered HTTP %d", p.Name, resp.StatusCode),
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("%s reachable (latency: %dms)", p.Name, latency.Milliseconds()),
		}
	}
}

// checkTools verifies every configured builtin exists.
func checkTools(cfg *config.Config) CheckResult {
	if cfg == nil {
		return resultNoConfig
	}
	reg := tool.NewRegistry(nil)
	if err := tool.RegisterBuiltins(reg, nil, cfg.Tools.Builtins...); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: err.Error(),
			Fix:     "Available builtins: " + tool.ClockToolName + ", " + tool.EchoToolName,
		}
	}
	names := make([]string, 0, len(reg.Definitions()))
	for _, d := range reg.Definitions() {
		names = append(names, d.Name)
	}
	return CheckResult{Status: StatusPass, Message: "tools: " + strings.Join(names, ", ")}
}

// checkGateway verifies the gateway address can be bound.
func checkGateway(cfg *config.Config) CheckResult {
	if cfg == nil {
		return resultNoConfig
	}
	if !cfg.Gateway.Enabled {
		return CheckResult{Status: StatusPass, Message: "gateway disabled"}
	}
	ln, err := net.Listen("tcp", cfg.Gateway.Addr)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot bind %s: %v", cfg.Gateway.Addr, err),
			Fix:     "Choose a free gateway.addr",
		}
	}
	ln.Close()
	if len(cfg.Gateway.Tokens) == 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s has no tokens; any local client may connect", cfg.Gateway.Addr),
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s available", cfg.Gateway.Addr)}
}

// checkStore opens the transcript database and reports what it holds.
func checkStore(cfg *config.Config) CheckResult {
	if cfg == nil {
		return resultNoConfig
	}
	if !cfg.Store.Enabled {
		return CheckResult{Status: StatusPass, Message: "persistence disabled"}
	}
	st, err := store.NewSQLiteTranscriptStore(cfg.Store.Path)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: err.Error(),
			Fix:     "Point store.path at a writable location",
		}
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	t, err := st.Latest(ctx)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s (empty)", cfg.Store.Path)}
	case err != nil:
		return CheckResult{Status: StatusFail, Message: err.Error()}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s (thread %s, %d messages)", cfg.Store.Path, t.ThreadID, len(t.Messages)),
	}
}
