// Package transport provides the outbound HTTP transport middleware every
// source client's *http.Client is built from: pacing, host scoping, header
// injection, and uniform status-code error promotion.
package transport

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

// StatusErr wraps an upstream HTTP status code as an error so callers can
// classify failures with errors.As without inspecting a *http.Response.
type StatusErr int

func (e StatusErr) Error() string {
	return fmt.Sprintf("unexpected status code %d", int(e))
}

// Code returns the underlying HTTP status code.
func (e StatusErr) Code() int { return int(e) }

// ThrottledTransport applies coarse, continuous-refill pacing to outbound
// requests using x/time/rate. This sits *underneath* the two-window limiter
// (internal/ratelimit), which source clients call before ever reaching the
// transport; this layer exists only to keep a single source client
// instance from bursting faster than is polite even within whatever the
// two-window limiter currently permits.
type ThrottledTransport struct {
	http.RoundTripper
	Limiter *rate.Limiter
}

func (t ThrottledTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if err := t.Limiter.Wait(r.Context()); err != nil {
		return nil, err
	}
	return t.RoundTripper.RoundTrip(r)
}

// ScopedTransport forces requests to stick to Host and https, so a
// redirect can't leak credentials or an API key to another domain.
type ScopedTransport struct {
	Host string
	http.RoundTripper
}

func (t ScopedTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r.URL.Scheme = "https"
	r.URL.Host = t.Host
	return t.RoundTripper.RoundTrip(r)
}

// HeaderTransport adds a static header (typically an API key) to every
// request. Best used underneath a ScopedTransport.
type HeaderTransport struct {
	Key   string
	Value string
	http.RoundTripper
}

func (t *HeaderTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if t.Value == "" {
		return t.RoundTripper.RoundTrip(r)
	}
	r.Header.Set(t.Key, t.Value)
	return t.RoundTripper.RoundTrip(r)
}

// ErrorProxyTransport converts any response with status >= 400 into a
// StatusErr, so the source client's retry/classification logic can treat
// every failure uniformly whether it came from the network or the HTTP
// layer.
type ErrorProxyTransport struct {
	http.RoundTripper
}

func (t ErrorProxyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	resp, err := t.RoundTripper.RoundTrip(r)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return resp, StatusErr(resp.StatusCode)
	}
	return resp, nil
}

// New builds a scoped, paced *http.Client for one source. apiKeyHeader/
// apiKey are added as a header when apiKey is non-empty. Status-code
// classification is left to the caller, which wants the response (and its
// Retry-After header) intact; clients whose protocol layer needs errors
// promoted instead (GraphQL) wrap the result in an ErrorProxyTransport
// themselves.
func New(host, apiKeyHeader, apiKey string, perSecond int, connectTimeout, totalTimeout time.Duration) (*http.Client, error) {
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.DialContext = (&net.Dialer{Timeout: connectTimeout}).DialContext

	var rt http.RoundTripper = base

	if apiKey != "" {
		rt = &HeaderTransport{Key: apiKeyHeader, Value: apiKey, RoundTripper: rt}
	}

	rt = ScopedTransport{Host: host, RoundTripper: rt}

	limit := rate.Every(time.Second / time.Duration(maxInt(perSecond, 1)))
	rt = ThrottledTransport{Limiter: rate.NewLimiter(limit, 1), RoundTripper: rt}

	return &http.Client{
		Transport: rt,
		Timeout:   totalTimeout,
		CheckRedirect: func(req *http.Request, _ []*http.Request) error {
			if req.Method == http.MethodHead {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// WithProxy overrides the default transport's proxy.
func WithProxy(client *http.Client, proxyURL string) error {
	if proxyURL == "" {
		return nil
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return fmt.Errorf("invalid proxy url: %w", err)
	}
	if t, ok := http.DefaultTransport.(*http.Transport); ok {
		t.Proxy = http.ProxyURL(u)
	}
	return nil
}
