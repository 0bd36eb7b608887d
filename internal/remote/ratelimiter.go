package remote

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RateLimiter combines a local token bucket with server-driven backoff taken
// from Retry-After / RateLimit-Remaining / RateLimit-Reset response headers
// and from transport errors that carry a retry hint.
// It is safe for concurrent use.
type RateLimiter struct {
	mu sync.Mutex

	// local paces outbound requests.
	local *rate.Limiter

	// headerReset is when the remote window resets (RateLimit-Reset).
	headerReset time.Time

	// headerRemaining is the last observed RateLimit-Remaining value.
	headerRemaining int

	// backoffUntil is the time until which no request is issued.
	backoffUntil time.Time

	now    func() time.Time
	logger *logrus.Entry
}

// NewRateLimiter creates a RateLimiter with the given requests-per-second and burst.
// A zero or negative rps disables local rate limiting.
func NewRateLimiter(rps int, burst int, logger *logrus.Entry) *RateLimiter {
	var limiter *rate.Limiter
	if rps <= 0 {
		limiter = rate.NewLimiter(rate.Inf, 0)
	} else {
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return &RateLimiter{
		local:           limiter,
		headerRemaining: -1, // unknown
		now:             time.Now,
		logger:          logger,
	}
}

// Wait blocks until one more request may be issued, honouring both the
// server-driven backoff and the local token bucket. It returns ctx.Err() if
// the context expires while waiting.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.Lock()
	backoff := rl.backoffUntil
	now := rl.now()
	rl.mu.Unlock()

	if !backoff.IsZero() && now.Before(backoff) {
		delay := backoff.Sub(now)
		rl.logger.WithField("delay", delay.Round(time.Millisecond)).
			Debug("rate limiter: waiting for server backoff")
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return rl.local.Wait(ctx)
}

// BackoffUntil returns the current server-driven backoff deadline.
func (rl *RateLimiter) BackoffUntil() time.Time {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.backoffUntil
}

// Observe extends the backoff when err is a TransportError carrying a
// RetryAfter hint.
func (rl *RateLimiter) Observe(err error) {
	var te *TransportError
	if !errors.As(err, &te) || te.RetryAfter <= 0 {
		return
	}
	rl.extend(rl.now().Add(te.RetryAfter), "transport error with retry hint, backing off")
}

func (rl *RateLimiter) extend(until time.Time, msg string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if until.After(rl.backoffUntil) {
		rl.backoffUntil = until
		rl.logger.WithField("until", until.Format(time.RFC3339)).Warn("rate limiter: " + msg)
	}
}

// UpdateFromHeaders inspects HTTP response headers and adjusts the backoff
// state when the remote limit is close to exhaustion.
//
//	Retry-After         – seconds to wait (sent on 429/503 responses).
//	RateLimit-Remaining – requests remaining in the current window.
//	RateLimit-Reset     – Unix epoch seconds when the window resets.
func (rl *RateLimiter) UpdateFromHeaders(headers http.Header) {
	if ra := headers.Get("Retry-After"); ra != "" {
		if sec, err := strconv.Atoi(ra); err == nil && sec > 0 {
			rl.extend(rl.now().Add(time.Duration(sec)*time.Second), "retry-after received, backing off")
			return
		}
	}

	remaining, err := strconv.Atoi(headers.Get("RateLimit-Remaining"))
	if err != nil {
		return
	}

	rl.mu.Lock()
	rl.headerRemaining = remaining
	resetEpoch, err := strconv.ParseInt(headers.Get("RateLimit-Reset"), 10, 64)
	if err != nil {
		rl.mu.Unlock()
		return
	}
	rl.headerReset = time.Unix(resetEpoch, 0).UTC()
	reset := rl.headerReset
	now := rl.now()
	rl.mu.Unlock()

	switch {
	case remaining <= 0:
		rl.extend(reset, "remote limit exhausted, backing off until reset")
	case remaining < 10:
		// Spread the remaining requests over the window.
		untilReset := reset.Sub(now)
		if untilReset > 0 {
			perRequest := time.Duration(math.Ceil(float64(untilReset) / float64(remaining+1)))
			rl.extend(now.Add(perRequest), "throttling near exhaustion")
		}
	}
}

// Remaining returns the last observed RateLimit-Remaining value, or -1 if
// no header has been seen yet.
func (rl *RateLimiter) Remaining() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.headerRemaining
}

// ResetAt returns the time at which the remote rate limit window resets.
func (rl *RateLimiter) ResetAt() time.Time {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.headerReset
}

// HeaderTransport is an http.RoundTripper that feeds every response's headers
// into a RateLimiter.
type HeaderTransport struct {
	Limiter *RateLimiter
	Base    http.RoundTripper
	// Header is added to every outgoing request.
	Header http.Header
}

func (t *HeaderTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(t.Header) > 0 {
		req = req.Clone(req.Context())
		for k, vs := range t.Header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
	}
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if resp != nil && t.Limiter != nil {
		t.Limiter.UpdateFromHeaders(resp.Header)
	}
	return resp, err
}
