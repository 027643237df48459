package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"chatstream/internal/domain"
	"chatstream/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before transitioning to half-open.
	Timeout time.Duration
	// Interval is the cyclic period of the closed state for clearing failure counts.
	Interval time.Duration
}

// CircuitBreakerAgent wraps an Agent with circuit breaker protection. Only
// run initiation passes through the breaker; errors delivered on an open
// stream do not trip it. Aborts never count as failures.
type CircuitBreakerAgent struct {
	inner   domain.Agent
	breaker *gobreaker.CircuitBreaker[<-chan domain.WireEvent]
	logger  *slog.Logger
}

// NewCircuitBreakerAgent wraps inner with a circuit breaker.
// Zero-valued settings fall back to defaults.
func NewCircuitBreakerAgent(inner domain.Agent, cfg CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerAgent {
	if logger == nil {
		logger = slog.Default()
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[<-chan domain.WireEvent](gobreaker.Settings{
		Name:        "llm:" + inner.Name(),
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isAbortErr(err)
		},
	})

	return &CircuitBreakerAgent{
		inner:   inner,
		breaker: cb,
		logger:  logger,
	}
}

// Run implements domain.Agent.
func (a *CircuitBreakerAgent) Run(ctx context.Context, input domain.RunInput) (<-chan domain.WireEvent, error) {
	ch, err := a.breaker.Execute(func() (<-chan domain.WireEvent, error) {
		return a.inner.Run(ctx, input)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %w: provider %q circuit open: %w",
				domain.ErrTransport, domain.ErrProviderError, a.inner.Name(), err)
		}
		return nil, err
	}
	return ch, nil
}

// AbortRun implements domain.Agent.
func (a *CircuitBreakerAgent) AbortRun() { a.inner.AbortRun() }

// Name implements domain.Agent.
func (a *CircuitBreakerAgent) Name() string { return a.inner.Name() }

// State returns the current circuit breaker state for monitoring.
func (a *CircuitBreakerAgent) State() gobreaker.State {
	return a.breaker.State()
}

// Counts returns the current circuit breaker failure/success counts.
func (a *CircuitBreakerAgent) Counts() gobreaker.Counts {
	return a.breaker.Counts()
}

func isAbortErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrRunAborted)
}

var _ domain.Agent = (*CircuitBreakerAgent)(nil)

// --- Connection Pooling ---

// Default connection pool settings: few hosts, long-lived streaming
// connections.
const (
	defaultMaxIdleConns        = 20
	defaultMaxIdleConnsPerHost = 10
	defaultMaxConnsPerHost     = 20
	defaultIdleConnTimeout     = 120 * time.Second
)

// Default provider timeouts.
const (
	defaultConnTimeout = 30 * time.Second
	defaultRespTimeout = 120 * time.Second
)

// NewPooledTransport creates an http.Transport with connection pooling
// tuned for streaming completions. respTimeout bounds the wait for response
// headers only, so long streams are not cut off.
func NewPooledTransport(connTimeout, respTimeout time.Duration, pool config.PoolConfig) *http.Transport {
	if connTimeout <= 0 {
		connTimeout = defaultConnTimeout
	}
	if respTimeout <= 0 {
		respTimeout = defaultRespTimeout
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleConns
	}
	maxIdlePerHost := pool.MaxIdleConnsPerHost
	if maxIdlePerHost <= 0 {
		maxIdlePerHost = defaultMaxIdleConnsPerHost
	}
	maxConnsPerHost := pool.MaxConnsPerHost
	if maxConnsPerHost <= 0 {
		maxConnsPerHost = defaultMaxConnsPerHost
	}
	idleTimeout := pool.IdleConnTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleConnTimeout
	}

	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: respTimeout,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxIdlePerHost,
		MaxConnsPerHost:       maxConnsPerHost,
		IdleConnTimeout:       idleTimeout,
		ForceAttemptHTTP2:     true,
	}
}

// NewHTTPClient creates an *http.Client with a pooled transport. The client
// has no overall timeout: a streamed response may legitimately run long, and
// stalls are caught by the session's idle timeout.
func NewHTTPClient(cfg config.ProviderConfig) *http.Client {
	return &http.Client{
		Transport: NewPooledTransport(cfg.ConnTimeout, cfg.RespTimeout, cfg.Pool),
	}
}
