package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/chaz8081/sensorlink/internal/errorkinds"
)

// Guard defaults.
const (
	// DefaultMinInterval is ThingSpeak's free-tier update interval.
	DefaultMinInterval = 15 * time.Second

	defaultMaxFailures uint32        = 5
	defaultOpenTimeout time.Duration = 60 * time.Second
)

var errTooSoon = errors.New("upload attempted before the minimum interval elapsed")

// GuardOptions configures the rate limit and circuit breaker around an
// uploader.
type GuardOptions struct {
	// MinInterval is the minimum spacing between uploads; 0 disables it.
	MinInterval time.Duration
	// MaxFailures consecutive failures open the breaker.
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open before a probe.
	OpenTimeout time.Duration
}

// Guarded wraps an Uploader. A call that comes too soon, or arrives while
// the breaker is open, fails fast without touching the network.
type Guarded struct {
	inner   Uploader
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[Result]
}

// NewGuarded wraps inner. Zero MaxFailures and OpenTimeout pick defaults.
func NewGuarded(inner Uploader, opts GuardOptions) *Guarded {
	maxFailures := opts.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultMaxFailures
	}
	timeout := opts.OpenTimeout
	if timeout == 0 {
		timeout = defaultOpenTimeout
	}

	g := &Guarded{
		inner: inner,
		breaker: gobreaker.NewCircuitBreaker[Result](gobreaker.Settings{
			Name:        "telemetry",
			MaxRequests: 1,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("[TELEMETRY] circuit breaker state change",
					"breaker", name,
					"from", from.String(),
					"to", to.String(),
				)
			},
			IsSuccessful: func(err error) bool {
				// A cancelled call says nothing about the service.
				return err == nil || errors.Is(err, context.Canceled)
			},
		}),
	}
	if opts.MinInterval > 0 {
		g.limiter = rate.NewLimiter(rate.Every(opts.MinInterval), 1)
	}
	return g
}

// Upload forwards one call to the wrapped uploader.
func (g *Guarded) Upload(ctx context.Context, field1, field2 string) (Result, error) {
	if g.limiter != nil && !g.limiter.Allow() {
		return Result{}, errorkinds.Wrap(errTooSoon, errorkinds.RateLimited, "upload", "telemetry: rate limit")
	}

	result, err := g.breaker.Execute(func() (Result, error) {
		return g.inner.Upload(ctx, field1, field2)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Result{}, errorkinds.Wrap(err, errorkinds.UploadFailure, "upload", fmt.Sprintf("telemetry: %s circuit open", g.breaker.Name()))
	}
	return result, err
}

// State returns the breaker state for monitoring.
func (g *Guarded) State() gobreaker.State {
	return g.breaker.State()
}

var _ Uploader = (*Guarded)(nil)
