package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// HTTPClientConfig bundles HTTP client and resilience settings.
type HTTPClientConfig struct {
	Client *http.Client
	// MaxBodyBytes caps how much of a response body is read. Zero means 1 MiB.
	MaxBodyBytes int64
}

// RateLimiter gates outbound calls. Wait blocks until a permit is available or
// returns an error when the call is rejected.
type RateLimiter interface {
	Wait(ctx context.Context) error
}

// Limiter is a named token bucket shared by every call of one gateway.
type Limiter struct {
	name string
	lim  *rate.Limiter
}

// NewLimiter builds a limiter allowing rps permits per second with the given
// burst. A non-positive rps disables limiting.
func NewLimiter(name string, rps float64, burst int) *Limiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{name: name, lim: rate.NewLimiter(limit, burst)}
}

func (l *Limiter) Name() string { return l.name }

func (l *Limiter) Wait(ctx context.Context) error {
	if err := l.lim.Wait(ctx); err != nil {
		return fmt.Errorf("%w by %q: %w", ErrRateLimited, l.name, err)
	}
	return nil
}

// rawResponse is a fully read HTTP response that did not trip the breaker.
type rawResponse struct {
	StatusCode int
	Body       []byte
}

var errNoHTTPClient = errors.New("http client not configured")

const defaultMaxBodyBytes = 1 << 20

func newCircuitBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     2 * time.Minute,
	})
}

// doRequest waits for a limiter permit and then performs a single exchange,
// through the circuit breaker when one is configured. Transport failures and
// 5xx responses count against the breaker. Any other status is returned to the
// caller for classification. There are no retries.
func doRequest(
	ctx context.Context,
	cfg HTTPClientConfig,
	limiter RateLimiter,
	cb *gobreaker.CircuitBreaker,
	buildRequest func(ctx context.Context) (*http.Request, error),
) (*rawResponse, error) {
	if cfg.Client == nil {
		return nil, errNoHTTPClient
	}
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := buildRequest(ctx)
	if err != nil {
		return nil, err
	}

	exchange := func() (*rawResponse, error) {
		resp, err := cfg.Client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, defaultMaxBodyBytes))
			return nil, &ServerError{StatusCode: resp.StatusCode}
		}

		limit := cfg.MaxBodyBytes
		if limit <= 0 {
			limit = defaultMaxBodyBytes
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
		if err != nil {
			return nil, &DecodeError{StatusCode: resp.StatusCode, Err: err}
		}
		return &rawResponse{StatusCode: resp.StatusCode, Body: body}, nil
	}

	if cb == nil {
		return exchange()
	}

	result, err := cb.Execute(func() (interface{}, error) {
		return exchange()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
		}
		return nil, err
	}

	raw, ok := result.(*rawResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from circuit breaker")
	}
	return raw, nil
}
