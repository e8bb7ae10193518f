package sources

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/booktarr/enricher/internal/cache"
	"github.com/booktarr/enricher/internal/logging"
	"github.com/booktarr/enricher/internal/model"
	"github.com/booktarr/enricher/internal/ratelimit"
	"github.com/booktarr/enricher/internal/transport"
)

// Fetcher is the shared request path every REST-based source client (Google
// Books-like, OpenLibrary-like) drives its GetX operations through: cache
// check, rate-limiter acquisition, bounded-retry HTTP call, cache write on
// success. GraphQL-based clients (Hardcover-like) use their own batching
// path (see internal/sources/hardcover); they share the API cache but not
// the two-window rate limiter, and are paced by their transport throttle.
type Fetcher struct {
	Source     string
	HTTP       *http.Client
	Limiter    *ratelimit.Limiter
	APICache   cache.Cache
	MaxRetries int
}

// NewFetcher builds a Fetcher with the default cap of 3 attempts per fetch.
func NewFetcher(source string, httpClient *http.Client, limiter *ratelimit.Limiter, apiCache cache.Cache) *Fetcher {
	return &Fetcher{
		Source:     source,
		HTTP:       httpClient,
		Limiter:    limiter,
		APICache:   apiCache,
		MaxRetries: 3,
	}
}

// Do fetches url, consulting the cache at fingerprint first and writing
// the raw response body back to it (under a jittered ttl) on success.
func (f *Fetcher) Do(ctx context.Context, fingerprint, url string, ttl time.Duration) ([]byte, error) {
	if cached, ok := f.APICache.Get(ctx, fingerprint); ok {
		return cached, nil
	}

	body, err := f.fetchWithRetry(ctx, url)
	if err != nil {
		return nil, err
	}

	f.APICache.SetTTL(ctx, fingerprint, body, cache.Fuzz(ttl, 1.2))
	return body, nil
}

// fetchWithRetry issues an HTTP GET, retrying transient failures
// (timeouts, 5xx, 429) with exponential backoff up to MaxRetries attempts,
// respecting Retry-After on 429s. 4xx other than 404 is permanent and not
// retried; 404 maps to model.ErrNotFound via SourceError.
func (f *Fetcher) fetchWithRetry(ctx context.Context, url string) ([]byte, error) {
	var lastErr error

	attempts := f.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := backoff(attempt)
			logging.Log(ctx).Debug("retrying source fetch", "source", f.Source, "attempt", attempt, "wait", wait)
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
		}

		if err := f.Limiter.Acquire(ctx); err != nil {
			return nil, &model.SourceError{Kind: model.SourceTransient, Source: f.Source, Detail: err.Error()}
		}

		body, retryAfter, err := f.fetchOnce(ctx, url)
		if err == nil {
			return body, nil
		}
		lastErr = err

		var statusErr transport.StatusErr
		if errors.As(err, &statusErr) {
			switch {
			case statusErr.Code() == http.StatusNotFound:
				return nil, &model.SourceError{Kind: model.SourceNotFound, Source: f.Source, Detail: "not found", StatusCode: 404}
			case statusErr.Code() == http.StatusTooManyRequests:
				if retryAfter > 0 {
					timer := time.NewTimer(retryAfter)
					select {
					case <-timer.C:
					case <-ctx.Done():
						timer.Stop()
						return nil, ctx.Err()
					}
				}
				continue // Transient; retry.
			case statusErr.Code() >= 500:
				continue // Transient; retry.
			default:
				return nil, &model.SourceError{Kind: model.SourcePermanent, Source: f.Source, Detail: statusErr.Error(), StatusCode: statusErr.Code()}
			}
		}
		// Network-level errors (timeouts, connection reset) are transient.
		continue
	}

	return nil, &model.SourceError{Kind: model.SourceTransient, Source: f.Source, Detail: lastErr.Error()}
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string) (body []byte, retryAfter time.Duration, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}

	resp, err := f.HTTP.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, parseErr := strconv.Atoi(ra); parseErr == nil {
			retryAfter = time.Duration(secs) * time.Second
		}
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retryAfter, err
	}

	if resp.StatusCode >= 400 {
		return nil, retryAfter, transport.StatusErr(resp.StatusCode)
	}

	return b, retryAfter, nil
}

// backoff computes exponential backoff with a 250ms base, capped at 8s.
func backoff(attempt int) time.Duration {
	base := 250 * time.Millisecond
	d := base << (attempt - 1)
	if d > 8*time.Second {
		d = 8 * time.Second
	}
	return d
}
