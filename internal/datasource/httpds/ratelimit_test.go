package httpds

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }

func newTestThrottle(maxWait time.Duration) (*Throttle, *fakeClock, *noSleep) {
	th := NewThrottle(nil, maxWait)
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	ns := &noSleep{}
	th.now = clk.now
	th.sleep = ns.sleep
	return th, clk, ns
}

func TestThrottle_ObserveDeltaReset(t *testing.T) {
	t.Parallel()

	th, _, ns := newTestThrottle(time.Minute)
	h := http.Header{}
	h.Set("X-RateLimit-Remaining", "0")
	h.Set("X-RateLimit-Reset", "7")
	th.Observe(h)

	if err := th.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(ns.waits) != 1 || ns.waits[0] != 7*time.Second {
		t.Fatalf("waits = %v, want [7s]", ns.waits)
	}
}

func TestThrottle_ObserveEpochReset(t *testing.T) {
	t.Parallel()

	th, clk, ns := newTestThrottle(time.Minute)
	h := http.Header{}
	h.Set("RateLimit-Remaining", "0")
	h.Set("RateLimit-Reset", strconv.FormatInt(clk.t.Unix()+12, 10))
	th.Observe(h)

	if err := th.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(ns.waits) != 1 || ns.waits[0] != 12*time.Second {
		t.Fatalf("waits = %v, want [12s]", ns.waits)
	}
}

func TestThrottle_RemainingQuotaDoesNotBlock(t *testing.T) {
	t.Parallel()

	th, _, ns := newTestThrottle(time.Minute)
	h := http.Header{}
	h.Set("X-RateLimit-Remaining", "10")
	h.Set("X-RateLimit-Reset", "30")
	th.Observe(h)
	th.Observe(http.Header{}) // no headers at all

	if err := th.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(ns.waits) != 0 {
		t.Fatalf("waits = %v, want none", ns.waits)
	}
}

func TestThrottle_WaitBounded(t *testing.T) {
	t.Parallel()

	th, _, _ := newTestThrottle(5 * time.Second)
	h := http.Header{}
	h.Set("X-RateLimit-Remaining", "0")
	h.Set("X-RateLimit-Reset", "3600")
	th.Observe(h)

	err := th.Wait(context.Background())
	if !errors.Is(err, ErrThrottleWait) {
		t.Fatalf("Wait = %v, want ErrThrottleWait", err)
	}
	if !isTransient(err) {
		t.Fatalf("throttle bound error should be transient")
	}
}

func TestThrottle_LimiterDelayBounded(t *testing.T) {
	t.Parallel()

	th := NewThrottle(NewLimiter(0.001, 1), time.Second)
	ns := &noSleep{}
	th.sleep = ns.sleep

	if err := th.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait uses the burst token: %v", err)
	}
	if err := th.Wait(context.Background()); !errors.Is(err, ErrThrottleWait) {
		t.Fatalf("second Wait = %v, want ErrThrottleWait", err)
	}
}

func TestSharedLimiter_ReusedPerHost(t *testing.T) {
	t.Parallel()

	a := SharedLimiter("shared-test.example", 5, 2)
	b := SharedLimiter("shared-test.example", 50, 20)
	c := SharedLimiter("other-test.example", 5, 2)
	if a != b {
		t.Fatalf("SharedLimiter returned different limiters for one host")
	}
	if a == c {
		t.Fatalf("SharedLimiter shared a limiter across hosts")
	}
	if a.Burst() != 2 {
		t.Fatalf("burst = %d, want 2 from first registration", a.Burst())
	}
}

// TestClient_ThrottleFromHeaders verifies the client feeds response headers
// to the throttle so the next request waits for the advertised reset.
func TestClient_ThrottleFromHeaders(t *testing.T) {
	t.Parallel()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", "2")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	th := NewThrottle(nil, time.Minute)
	tns := &noSleep{}
	th.sleep = tns.sleep

	c, _ := newTestClient(Config{Throttle: th})
	for i := 0; i < 2; i++ {
		if _, err := c.Fetch(context.Background(), srv.URL, nil); err != nil {
			t.Fatalf("Fetch #%d: %v", i, err)
		}
	}
	if len(tns.waits) != 1 {
		t.Fatalf("throttle waits = %v, want 1 before the second request", tns.waits)
	}
	if tns.waits[0] <= 0 || tns.waits[0] > 2*time.Second {
		t.Fatalf("throttle wait = %v, want (0, 2s]", tns.waits[0])
	}
}
