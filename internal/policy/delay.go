package policy

import (
	"context"
	"math/rand/v2"
	"time"
)

// DelayPolicy computes the pause between two requests to the same host.
type DelayPolicy struct {
	// Min is the floor applied even when robots.txt sets no crawl-delay.
	Min       time.Duration
	JitterMin time.Duration
	JitterMax time.Duration

	// randN returns a value in [0, n); nil uses math/rand/v2.
	randN func(n int64) int64
}

// CrawlDelay returns max(robots crawl-delay, Min) plus a random jitter in
// [JitterMin, JitterMax].
func (p DelayPolicy) CrawlDelay(rules RobotsRules) time.Duration {
	base := rules.CrawlDelay
	if p.Min > base {
		base = p.Min
	}
	return base + p.jitter()
}

func (p DelayPolicy) jitter() time.Duration {
	lo, hi := p.JitterMin, p.JitterMax
	if lo < 0 {
		lo = 0
	}
	if hi <= lo {
		return lo
	}
	randN := p.randN
	if randN == nil {
		randN = rand.Int64N
	}
	return lo + time.Duration(randN(int64(hi-lo)+1))
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
