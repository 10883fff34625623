package embed

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ResilientConfig bounds how hard the decorator leans on a provider.
type ResilientConfig struct {
	// MaxRetries is the number of attempts after the first.
	MaxRetries int `yaml:"max_retries"`
	// BaseBackoff doubles per attempt up to MaxBackoff.
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`

	// RatePerSecond and Burst shape outgoing request rate. Zero rate
	// means unlimited.
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`

	// BreakerFailures is how many consecutive failures trip the circuit;
	// BreakerCooldown is how long it stays open before probing again.
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`

	Logger *zap.Logger `yaml:"-"`
}

// DefaultResilientConfig returns the policy the server runs with.
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		MaxRetries:      3,
		BaseBackoff:     100 * time.Millisecond,
		MaxBackoff:      5 * time.Second,
		RatePerSecond:   10,
		Burst:           20,
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
	}
}

// ResilientStats counts what the decorator did since construction.
type ResilientStats struct {
	Requests  uint64 `json:"requests"`
	Retries   uint64 `json:"retries"`
	Failures  uint64 `json:"failures"`
	Rejected  uint64 `json:"rejected"` // breaker open or rate-limit wait aborted
	Successes uint64 `json:"successes"`
}

// Resilient wraps an Embedder with bounded retries, a circuit breaker, and
// a client-side rate limit. The call order per attempt is limiter, breaker,
// provider: a tripped breaker fails fast without consuming rate budget
// beyond the first wait, and a hopeless request (4xx) is never retried.
type Resilient struct {
	inner   Embedder
	config  ResilientConfig
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger

	requests  atomic.Uint64
	retries   atomic.Uint64
	failures  atomic.Uint64
	rejected  atomic.Uint64
	successes atomic.Uint64
}

// NewResilient decorates inner with the given policy.
func NewResilient(inner Embedder, config ResilientConfig) *Resilient {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.BaseBackoff <= 0 {
		config.BaseBackoff = 100 * time.Millisecond
	}
	if config.MaxBackoff < config.BaseBackoff {
		config.MaxBackoff = config.BaseBackoff
	}
	if config.BreakerFailures == 0 {
		config.BreakerFailures = 5
	}
	if config.BreakerCooldown <= 0 {
		config.BreakerCooldown = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	limit := rate.Inf
	burst := config.Burst
	if config.RatePerSecond > 0 {
		limit = rate.Limit(config.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
	}

	r := &Resilient{
		inner:   inner,
		config:  config,
		limiter: rate.NewLimiter(limit, burst),
		logger:  config.Logger,
	}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "embed-" + inner.Model(),
		Timeout: config.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("embedding breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return r
}

func (r *Resilient) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := r.execute(ctx, func(ctx context.Context) (any, error) {
		return r.inner.Embed(ctx, text)
	})
	if err != nil {
		return nil, err
	}
	return out.([]float32), nil
}

func (r *Resilient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out, err := r.execute(ctx, func(ctx context.Context) (any, error) {
		return r.inner.EmbedBatch(ctx, texts)
	})
	if err != nil {
		return nil, err
	}
	return out.([][]float32), nil
}

func (r *Resilient) Dimensions() int { return r.inner.Dimensions() }

func (r *Resilient) Model() string { return r.inner.Model() }

// Stats returns a snapshot of the decorator's counters.
func (r *Resilient) Stats() ResilientStats {
	return ResilientStats{
		Requests:  r.requests.Load(),
		Retries:   r.retries.Load(),
		Failures:  r.failures.Load(),
		Rejected:  r.rejected.Load(),
		Successes: r.successes.Load(),
	}
}

func (r *Resilient) execute(ctx context.Context, call func(context.Context) (any, error)) (any, error) {
	r.requests.Add(1)

	var lastErr error
	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			r.retries.Add(1)
			if err := r.sleep(ctx, r.backoff(attempt)); err != nil {
				r.rejected.Add(1)
				return nil, err
			}
		}
		if err := r.limiter.Wait(ctx); err != nil {
			r.rejected.Add(1)
			return nil, err
		}

		out, err := r.breaker.Execute(func() (any, error) {
			return call(ctx)
		})
		if err == nil {
			r.successes.Add(1)
			return out, nil
		}
		lastErr = err

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			r.rejected.Add(1)
			return nil, err
		}
		if ctx.Err() != nil {
			break
		}
		var perr *ProviderError
		if errors.As(err, &perr) && !perr.retryable() {
			break
		}
		r.logger.Debug("embedding attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	r.failures.Add(1)
	return nil, lastErr
}

func (r *Resilient) backoff(attempt int) time.Duration {
	d := r.config.BaseBackoff << (attempt - 1)
	if d > r.config.MaxBackoff || d <= 0 {
		d = r.config.MaxBackoff
	}
	return d
}

func (r *Resilient) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
