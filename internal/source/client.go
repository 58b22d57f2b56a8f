package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/i474232898/weather-sync/internal/common"
	"github.com/i474232898/weather-sync/internal/sync"
)

var errNoHTTPClient = errors.New("http client not configured")

// statusError marks a non-2xx response inside the circuit breaker so rate
// limits and server errors count against the breaker the same way transport
// failures do.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status code %d", e.code)
}

// doResilientRequest executes one HTTP request through the circuit breaker
// and classifies the outcome as a *sync.FetchError. It performs no retries
// itself; backoff lives in the sync engine's Retrier so the retry budget is
// accounted in exactly one place.
//
// Classification: transport timeouts and connection failures, 429 and 5xx
// responses, and an open breaker are transient; malformed requests and every
// other 4xx (auth, validation) are fatal.
func doResilientRequest(
	ctx context.Context,
	client *http.Client,
	cb *gobreaker.CircuitBreaker,
	buildRequest func() (*http.Request, error),
) (*http.Response, error) {
	if client == nil {
		return nil, sync.FatalFetch(0, errNoHTTPClient)
	}

	req, err := buildRequest()
	if err != nil {
		return nil, sync.FatalFetch(0, fmt.Errorf("build request: %w", err))
	}
	req = req.WithContext(ctx)

	result, err := cb.Execute(func() (interface{}, error) {
		resp, execErr := client.Do(req)
		if execErr != nil {
			return nil, execErr
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			resp.Body.Close()
			return nil, &statusError{code: resp.StatusCode}
		}
		return resp, nil
	})

	if err == nil {
		resp, ok := result.(*http.Response)
		if !ok {
			return nil, sync.FatalFetch(0, fmt.Errorf("unexpected result type from circuit breaker"))
		}
		return resp, nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, sync.TransientFetch(0, fmt.Errorf("circuit breaker open: %w", err))
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}

	var se *statusError
	if errors.As(err, &se) {
		if se.code == http.StatusTooManyRequests || se.code >= 500 {
			return nil, sync.TransientFetch(se.code, err)
		}
		return nil, sync.FatalFetch(se.code, err)
	}

	// Transport-level failure. Misconfigured requests are fatal; anything
	// that looks like the network (timeouts, refused or reset connections)
	// is worth retrying.
	if common.HasAny(err.Error(), "unsupported protocol", "invalid", "no Host") {
		return nil, sync.FatalFetch(0, err)
	}
	return nil, sync.TransientFetch(0, err)
}

func newCircuitBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     2 * time.Minute,
	})
}
