package policy

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/seedprice-pipeline/internal/metrics"
)

// ErrDisallowed is returned when robots.txt forbids a URL.
var ErrDisallowed = errors.New("disallowed by robots.txt")

// RulesSource supplies robots rules for a URL's host.
type RulesSource interface {
	ParseRobots(ctx context.Context, baseURL string) (RobotsRules, error)
}

// Gate admits vendor requests: robots check, token bucket, then crawl-delay
// spacing per host.
type Gate struct {
	robots        RulesSource
	limiter       *Limiter
	delay         DelayPolicy
	respectRobots bool
	logger        *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu   sync.Mutex
	next map[string]time.Time
}

// GateOptions configures a Gate.
type GateOptions struct {
	Robots        RulesSource
	Limiter       *Limiter
	Delay         DelayPolicy
	RespectRobots bool
	Logger        *zap.Logger
}

// NewGate builds a Gate.
func NewGate(opts GateOptions) *Gate {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = NewLimiter(LimiterConfig{})
	}
	return &Gate{
		robots:        opts.Robots,
		limiter:       limiter,
		delay:         opts.Delay,
		respectRobots: opts.RespectRobots && opts.Robots != nil,
		logger:        logger,
		now:           time.Now,
		sleep:         Sleep,
		next:          make(map[string]time.Time),
	}
}

// Admit blocks until rawURL may be requested, or returns ErrDisallowed.
func (g *Gate) Admit(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	host := strings.ToLower(u.Host)

	var rules RobotsRules
	if g.respectRobots {
		rules, err = g.robots.ParseRobots(ctx, rawURL)
		if err != nil {
			g.logger.Warn("robots fetch failed; allowing access", zap.String("host", host), zap.Error(err))
			rules = RobotsRules{}
		}
		if !IsAllowed(rawURL, rules) {
			metrics.ObserveRobotsDecision(host, false)
			return fmt.Errorf("%s: %w", rawURL, ErrDisallowed)
		}
		metrics.ObserveRobotsDecision(host, true)
	}

	if err := g.limiter.Wait(ctx, rawURL); err != nil {
		return err
	}

	g.mu.Lock()
	now := g.now()
	slot := g.next[host]
	if slot.Before(now) {
		slot = now
	}
	g.next[host] = slot.Add(g.delay.CrawlDelay(rules))
	g.mu.Unlock()

	return g.sleep(ctx, slot.Sub(now))
}
