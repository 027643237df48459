package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Session  SessionConfig `yaml:"session"`
	LLM      LLMConfig     `yaml:"llm"`
	Tools    ToolsConfig   `yaml:"tools"`
	Gateway  GatewayConfig `yaml:"gateway"`
	Store    StoreConfig   `yaml:"store"`
	Metrics  MetricsConfig `yaml:"metrics"`
	Logger   LoggerConfig  `yaml:"logger"`
	Tracer   TracerConfig  `yaml:"tracer"`
	Includes []string      `yaml:"includes,omitempty"`
}

// SessionConfig holds the run lifecycle settings of a chat session.
type SessionConfig struct {
	SystemPrompt      string        `yaml:"system_prompt"`
	MaxMessages       int           `yaml:"max_messages"`      // 0 = full history
	MaxContinuations  int           `yaml:"max_continuations"` // automatic runs per user message
	MaxRunRetries     int           `yaml:"max_run_retries"`
	StreamIdleTimeout time.Duration `yaml:"stream_idle_timeout"` // 0 = disabled
	ToolTimeout       time.Duration `yaml:"tool_timeout"`        // 0 = disabled
	EventQueueSize    int           `yaml:"event_queue_size"`
}

// LLMConfig holds model transport settings.
type LLMConfig struct {
	DefaultProvider string               `yaml:"default_provider"`
	Providers       []ProviderConfig     `yaml:"providers"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimit       RateLimitConfig      `yaml:"rate_limit"`
}

// CircuitBreakerConfig holds circuit breaker settings for transports.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// RateLimitConfig throttles how often runs may be started against a provider.
type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled"`
	RequestsPerMin int  `yaml:"requests_per_min"`
	Burst          int  `yaml:"burst"`
}

// PoolConfig holds HTTP connection pool settings for transports.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// ProviderConfig holds settings for a single OpenAI-compatible endpoint.
type ProviderConfig struct {
	Name        string        `yaml:"name"`
	Type        string        `yaml:"type"`
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	MaxTokens   int           `yaml:"max_tokens,omitempty"`
	Temperature *float64      `yaml:"temperature,omitempty"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`
	Pool        PoolConfig    `yaml:"pool"`
}

// ToolsConfig selects the built-in tools offered to the model.
type ToolsConfig struct {
	Builtins []string `yaml:"builtins"`
}

// GatewayConfig holds the WebSocket gateway settings.
type GatewayConfig struct {
	Enabled bool          `yaml:"enabled"`
	Addr    string        `yaml:"addr"`
	Tokens  []TokenConfig `yaml:"tokens"`
}

// TokenConfig is one static gateway credential.
type TokenConfig struct {
	Token string `yaml:"token"`
	Name  string `yaml:"name"`
}

// StoreConfig holds transcript persistence settings.
type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // SQLite database file
}

// MetricsConfig holds Prometheus settings. Metrics are served on the
// gateway at /metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json or tint
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Output      string  `yaml:"output"`       // stdout exporter destination: stdout, stderr or a file path
	SampleRatio float64 `yaml:"sample_ratio"` // 0 or 1 = sample everything
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Session: SessionConfig{
			SystemPrompt:      "You are a helpful assistant.",
			MaxMessages:       0,
			MaxContinuations:  10,
			MaxRunRetries:     2,
			StreamIdleTimeout: 60 * time.Second,
			ToolTimeout:       30 * time.Second,
			EventQueueSize:    256,
		},
		LLM: LLMConfig{
			DefaultProvider: "openai",
			Providers: []ProviderConfig{
				{
					Name:    "openai",
					Type:    "openai",
					BaseURL: "https://api.openai.com/v1",
					Model:   "gpt-4o-mini",
				},
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
			RateLimit: RateLimitConfig{
				Enabled:        false,
				RequestsPerMin: 60,
				Burst:          5,
			},
		},
		Tools: ToolsConfig{
			Builtins: []string{"clock", "echo"},
		},
		Gateway: GatewayConfig{
			Enabled: false,
			Addr:    "127.0.0.1:8090",
		},
		Store: StoreConfig{
			Enabled: false,
			Path:    "chatstream.db",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
			Output:   "stderr",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file yields the defaults with env overrides applied.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return finish(cfg)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	// First pass: unmarshal to get the includes list.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}

		// Second pass: the main file takes precedence over its includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnvOverrides(cfg)
	applyProviderDefaults(cfg)

	if passphrase := os.Getenv("CHATSTREAM_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps CHATSTREAM_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CHATSTREAM_SESSION_SYSTEM_PROMPT"); v != "" {
		cfg.Session.SystemPrompt = v
	}
	if v := os.Getenv("CHATSTREAM_SESSION_MAX_MESSAGES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Session.MaxMessages = n
		}
	}
	if v := os.Getenv("CHATSTREAM_SESSION_MAX_CONTINUATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Session.MaxContinuations = n
		}
	}
	if v := os.Getenv("CHATSTREAM_SESSION_STREAM_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.Session.StreamIdleTimeout = d
		}
	}
	if v := os.Getenv("CHATSTREAM_SESSION_TOOL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.Session.ToolTimeout = d
		}
	}
	if v := os.Getenv("CHATSTREAM_LLM_DEFAULT_PROVIDER"); v != "" {
		cfg.LLM.DefaultProvider = v
	}
	if v := os.Getenv("CHATSTREAM_LLM_MODEL"); v != "" {
		for i := range cfg.LLM.Providers {
			if cfg.LLM.Providers[i].Name == cfg.LLM.DefaultProvider {
				cfg.LLM.Providers[i].Model = v
			}
		}
	}
	if v := os.Getenv("CHATSTREAM_LLM_RATE_LIMIT_ENABLED"); v == "true" {
		cfg.LLM.RateLimit.Enabled = true
	}
	if v := os.Getenv("CHATSTREAM_LLM_CIRCUIT_BREAKER_ENABLED"); v == "false" {
		cfg.LLM.CircuitBreaker.Enabled = false
	}
	if v := os.Getenv("CHATSTREAM_TOOLS_BUILTINS"); v != "" {
		cfg.Tools.Builtins = splitAndTrim(v, ",")
	}
	if v := os.Getenv("CHATSTREAM_GATEWAY_ENABLED"); v == "true" {
		cfg.Gateway.Enabled = true
	}
	if v := os.Getenv("CHATSTREAM_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("CHATSTREAM_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Tokens = append(cfg.Gateway.Tokens, TokenConfig{Token: v, Name: "env"})
	}
	if v := os.Getenv("CHATSTREAM_STORE_ENABLED"); v == "true" {
		cfg.Store.Enabled = true
	}
	if v := os.Getenv("CHATSTREAM_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("CHATSTREAM_METRICS_ENABLED"); v == "true" {
		cfg.Metrics.Enabled = true
	}
	if v := os.Getenv("CHATSTREAM_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("CHATSTREAM_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("CHATSTREAM_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("CHATSTREAM_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("CHATSTREAM_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}

	// Per-provider API key overrides: CHATSTREAM_LLM_PROVIDER_<NAME>_API_KEY
	for i := range cfg.LLM.Providers {
		envKey := fmt.Sprintf("CHATSTREAM_LLM_PROVIDER_%s_API_KEY",
			strings.ToUpper(strings.ReplaceAll(cfg.LLM.Providers[i].Name, "-", "_")))
		if v := os.Getenv(envKey); v != "" {
			cfg.LLM.Providers[i].APIKey = v
		}
	}
}

// providerDefaults holds the endpoint and model used when a provider entry
// leaves them unset.
var providerDefaults = map[string]struct{ baseURL, model string }{
	"openai":     {"https://api.openai.com/v1", "gpt-4o-mini"},
	"openrouter": {"https://openrouter.ai/api/v1", "openai/gpt-4o-mini"},
	"groq":       {"https://api.groq.com/openai/v1", "llama-3.1-8b-instant"},
	"ollama":     {"http://localhost:11434/v1", "llama3.2"},
}

// applyProviderDefaults fills the type, base URL and model of sparse
// provider entries. A missing type is taken from the name when it names a
// known endpoint, otherwise it is "openai".
func applyProviderDefaults(cfg *Config) {
	for i := range cfg.LLM.Providers {
		p := &cfg.LLM.Providers[i]
		if p.Type == "" {
			if _, ok := providerDefaults[p.Name]; ok {
				p.Type = p.Name
			} else {
				p.Type = "openai"
			}
		}
		d, ok := providerDefaults[p.Type]
		if !ok {
			continue
		}
		if p.BaseURL == "" {
			p.BaseURL = d.baseURL
		}
		if p.Model == "" {
			p.Model = d.model
		}
	}
}

// splitAndTrim splits s by sep, trims whitespace and drops empty elements.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// decryptSecrets finds "enc:..." values in provider API keys and gateway
// tokens and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.LLM.Providers {
		p := &cfg.LLM.Providers[i]
		if err := decryptField(&p.APIKey, passphrase); err != nil {
			return fmt.Errorf("provider %s api_key: %w", p.Name, err)
		}
	}
	for i := range cfg.Gateway.Tokens {
		tok := &cfg.Gateway.Tokens[i]
		if err := decryptField(&tok.Token, passphrase); err != nil {
			return fmt.Errorf("gateway token %s: %w", tok.Name, err)
		}
	}
	return nil
}

func decryptField(field *string, passphrase string) error {
	if !strings.HasPrefix(*field, "enc:") {
		return nil
	}
	decrypted, err := DecryptValue(strings.TrimPrefix(*field, "enc:"), passphrase)
	if err != nil {
		return err
	}
	*field = decrypted
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
