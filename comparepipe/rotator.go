package comparepipe

import (
	"context"
	"sync"
	"time"
)

// Rotator hands out marketplace credentials round-robin. It is owned by the
// engine and passed explicitly; there is no shared global counter.
type Rotator struct {
	mu    sync.Mutex
	creds []string
	next  int
}

func NewRotator(creds []string) *Rotator {
	out := make([]string, 0, len(creds))
	for _, c := range creds {
		if c != "" {
			out = append(out, c)
		}
	}
	return &Rotator{creds: out}
}

func (r *Rotator) Len() int {
	if r == nil {
		return 0
	}
	return len(r.creds)
}

func (r *Rotator) Next() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.creds) == 0 {
		return ""
	}
	c := r.creds[r.next%len(r.creds)]
	r.next++
	return c
}

// rateLimiter enforces a minimum delay between consecutive calls made with one
// credential. Each worker owns one, so budgets never bleed across credentials.
type rateLimiter struct {
	lastCall time.Time
	delay    time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
}

func newRateLimiter(delay time.Duration, sleep func(ctx context.Context, d time.Duration) error) *rateLimiter {
	return &rateLimiter{delay: delay, sleep: sleep}
}

func (r *rateLimiter) Wait(ctx context.Context) error {
	if r.delay > 0 && !r.lastCall.IsZero() {
		if elapsed := time.Since(r.lastCall); elapsed < r.delay {
			if err := r.sleep(ctx, r.delay-elapsed); err != nil {
				return err
			}
		}
	}
	r.lastCall = time.Now()
	return ctx.Err()
}
