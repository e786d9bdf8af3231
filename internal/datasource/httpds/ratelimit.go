package httpds

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrThrottleWait is returned when a throttle wait would exceed the
// configured bound. The client treats it as a transient failure.
var ErrThrottleWait = errors.New("httpds: throttle wait exceeds bound")

// Throttle gates request issuance. It combines an optional token bucket with
// quota signals learned from response headers:
//
//	X-RateLimit-Remaining / X-RateLimit-Reset
//	RateLimit-Remaining   / RateLimit-Reset
//
// When the remaining quota reaches zero, Wait blocks until the advertised
// reset instead of letting the next request fail with 429. Every wait is
// bounded by maxWait.
type Throttle struct {
	limiter *rate.Limiter
	maxWait time.Duration

	mu           sync.Mutex
	blockedUntil time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewThrottle returns a Throttle. limiter may be nil (header-driven only).
// maxWait <= 0 defaults to 2 minutes.
func NewThrottle(limiter *rate.Limiter, maxWait time.Duration) *Throttle {
	if maxWait <= 0 {
		maxWait = 2 * time.Minute
	}
	return &Throttle{
		limiter: limiter,
		maxWait: maxWait,
		now:     time.Now,
		sleep:   sleepWithContext,
	}
}

// Wait blocks until a request may be issued.
func (t *Throttle) Wait(ctx context.Context) error {
	t.mu.Lock()
	until := t.blockedUntil
	t.mu.Unlock()

	if d := until.Sub(t.now()); d > 0 {
		if d > t.maxWait {
			return fmt.Errorf("%w: quota resets in %s", ErrThrottleWait, d.Truncate(time.Second))
		}
		if err := t.sleep(ctx, d); err != nil {
			return err
		}
	}

	if t.limiter == nil {
		return nil
	}
	r := t.limiter.Reserve()
	if !r.OK() {
		return fmt.Errorf("%w: burst too small", ErrThrottleWait)
	}
	d := r.Delay()
	if d > t.maxWait {
		r.Cancel()
		return fmt.Errorf("%w: limiter delay %s", ErrThrottleWait, d.Truncate(time.Millisecond))
	}
	if err := t.sleep(ctx, d); err != nil {
		r.Cancel()
		return err
	}
	return nil
}

// Observe records quota signals from a response.
func (t *Throttle) Observe(h http.Header) {
	remaining, ok := headerInt(h, "X-RateLimit-Remaining", "RateLimit-Remaining")
	if !ok || remaining > 0 {
		return
	}
	reset, ok := headerInt(h, "X-RateLimit-Reset", "RateLimit-Reset")
	if !ok {
		return
	}

	now := t.now()
	var until time.Time
	// Large values are epoch seconds; small ones are delta seconds.
	if reset > 1_000_000_000 {
		until = time.Unix(int64(reset), 0)
	} else {
		until = now.Add(time.Duration(reset) * time.Second)
	}
	if !until.After(now) {
		return
	}

	t.mu.Lock()
	if until.After(t.blockedUntil) {
		t.blockedUntil = until
	}
	t.mu.Unlock()
}

func headerInt(h http.Header, names ...string) (int, bool) {
	for _, n := range names {
		v := strings.TrimSpace(h.Get(n))
		if v == "" {
			continue
		}
		i, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		return i, true
	}
	return 0, false
}

var (
	sharedMu       sync.Mutex
	sharedLimiters = map[string]*rate.Limiter{}
)

// SharedLimiter returns the process-wide limiter for host, creating it on
// first use. Later calls for the same host reuse the first limiter's rate so
// concurrent runs draw from one budget.
func SharedLimiter(host string, rps float64, burst int) *rate.Limiter {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if l, ok := sharedLimiters[host]; ok {
		return l
	}
	l := NewLimiter(rps, burst)
	sharedLimiters[host] = l
	return l
}

// NewLimiter builds a token bucket; burst < 1 defaults to 1.
func NewLimiter(rps float64, burst int) *rate.Limiter {
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}
