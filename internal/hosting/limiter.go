package hosting

import (
	"net/http"

	"golang.org/x/time/rate"
)

// Default outbound API rate. GitHub's secondary limits bite well before
// the hourly core quota; a handful of requests per second keeps a fleet
// of workers under them.
const (
	DefaultRequestsPerSecond = 5.0
	DefaultBurst             = 5
)

// limitedTransport delays each request through a token bucket.
type limitedTransport struct {
	limiter *rate.Limiter
	base    http.RoundTripper
}

func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// LimitedTransport wraps base with a token-bucket rate limiter. A nil base
// uses http.DefaultTransport; non-positive rps or burst use the defaults.
// Waiting respects the request context, so caller timeouts still apply.
func LimitedTransport(base http.RoundTripper, rps float64, burst int) http.RoundTripper {
	if rps <= 0 {
		rps = DefaultRequestsPerSecond
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	return &limitedTransport{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		base:    base,
	}
}
