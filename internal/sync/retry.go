package sync

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// BackoffConfig controls exponential backoff behaviour for transient fetch
// failures.
type BackoffConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Retrier wraps PageFetcher calls with bounded retry and jittered
// exponential backoff. Transient errors are retried up to MaxRetries;
// exhausting the ceiling promotes the last transient error to fatal. Fatal
// errors propagate immediately. Backoff sleeps honor context cancellation.
type Retrier struct {
	Backoff BackoffConfig
}

// Fetch invokes fetcher.Fetch, retrying transient failures.
func (r *Retrier) Fetch(ctx context.Context, fetcher PageFetcher, entity Entity, cursor Cursor, pageToken string) (Page, error) {
	if r.Backoff.MaxRetries < 0 || r.Backoff.InitialInterval <= 0 {
		return Page{}, fmt.Errorf("invalid backoff configuration")
	}

	var attempt int
	for {
		if ctx.Err() != nil {
			return Page{}, ctx.Err()
		}

		page, err := fetcher.Fetch(ctx, entity, cursor, pageToken)
		if err == nil {
			return page, nil
		}
		if !IsTransient(err) {
			return Page{}, err
		}

		if attempt >= r.Backoff.MaxRetries {
			return Page{}, FatalFetch(0, fmt.Errorf("retry ceiling of %d exceeded: %w", r.Backoff.MaxRetries, err))
		}

		delay := r.delay(attempt)
		log.Warn().
			Str("entity", entity.ID).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("transient fetch error, backing off")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Page{}, ctx.Err()
		case <-timer.C:
		}

		attempt++
	}
}

// delay computes the jittered exponential delay for the given attempt:
// a random value in [base/2, base] where base doubles each attempt up to
// MaxInterval.
func (r *Retrier) delay(attempt int) time.Duration {
	base := r.Backoff.InitialInterval * time.Duration(math.Pow(2, float64(attempt)))
	if r.Backoff.MaxInterval > 0 && base > r.Backoff.MaxInterval {
		base = r.Backoff.MaxInterval
	}
	half := base / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
