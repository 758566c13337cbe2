package policy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

// RobotsRules is the effective rule set for one user agent on one host.
type RobotsRules struct {
	AllowedPaths    []string      `json:"allowedPaths"`
	DisallowedPaths []string      `json:"disallowedPaths"`
	CrawlDelay      time.Duration `json:"crawlDelay"`
}

// DisallowAll blocks every path.
var DisallowAll = RobotsRules{DisallowedPaths: []string{"/"}}

type robotsGroup struct {
	agents []string
	allow  []string
	deny   []string
	delay  time.Duration
}

// ParseRobotsTxt extracts the rules that apply to userAgent. robotstxt picks
// the group: the longest user-agent token that prefixes the agent, else the
// wildcard group. Its crawl delay is used and the group's raw path rules are
// kept for IsAllowed. A file robotstxt rejects falls back to substring agent
// matching over the lines that could be read.
func ParseRobotsTxt(body []byte, userAgent string) RobotsRules {
	groups := scanGroups(body)
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		return merge(containedAgentGroups(groups, strings.ToLower(userAgent)))
	}

	target := data.FindGroup(userAgent)
	var chosen []*robotsGroup
	for _, g := range groups {
		for _, agent := range g.agents {
			if data.FindGroup(agent) == target {
				chosen = append(chosen, g)
				break
			}
		}
	}
	rules := merge(chosen)
	rules.CrawlDelay = target.CrawlDelay
	return rules
}

func containedAgentGroups(groups []*robotsGroup, ua string) []*robotsGroup {
	var specific, wildcard []*robotsGroup
	bestLen := 0
	for _, g := range groups {
		for _, agent := range g.agents {
			switch {
			case agent == "*":
				wildcard = append(wildcard, g)
			case agent != "" && strings.Contains(ua, agent):
				if len(agent) > bestLen {
					bestLen = len(agent)
					specific = specific[:0]
				}
				if len(agent) == bestLen {
					specific = append(specific, g)
				}
			}
		}
	}
	if len(specific) == 0 {
		return wildcard
	}
	return specific
}

func merge(groups []*robotsGroup) RobotsRules {
	var rules RobotsRules
	for _, g := range groups {
		rules.AllowedPaths = append(rules.AllowedPaths, g.allow...)
		rules.DisallowedPaths = append(rules.DisallowedPaths, g.deny...)
		if g.delay > rules.CrawlDelay {
			rules.CrawlDelay = g.delay
		}
	}
	return rules
}

func scanGroups(body []byte) []*robotsGroup {
	var (
		groups  []*robotsGroup
		current *robotsGroup
		inRules bool
	)
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch key {
		case "user-agent":
			if current == nil || inRules {
				current = &robotsGroup{}
				groups = append(groups, current)
				inRules = false
			}
			current.agents = append(current.agents, strings.ToLower(value))
		case "allow", "disallow", "crawl-delay":
			if current == nil {
				continue
			}
			inRules = true
			switch key {
			case "allow":
				if value != "" {
					current.allow = append(current.allow, value)
				}
			case "disallow":
				// An empty Disallow allows everything.
				if value != "" {
					current.deny = append(current.deny, value)
				}
			case "crawl-delay":
				if secs, err := strconv.ParseFloat(value, 64); err == nil && secs > 0 {
					current.delay = time.Duration(secs * float64(time.Second))
				}
			}
		}
	}
	return groups
}

// RobotsCache fetches and caches robots.txt rules per host.
type RobotsCache struct {
	client    *http.Client
	userAgent string
	ttl       time.Duration
	now       func() time.Time
	logger    *zap.Logger

	cache sync.Map // host -> cachedRules
}

type cachedRules struct {
	rules   RobotsRules
	fetched time.Time
}

// NewRobotsCache builds a cache. A zero ttl keeps entries for the process lifetime.
func NewRobotsCache(client *http.Client, userAgent string, ttl time.Duration, logger *zap.Logger) *RobotsCache {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RobotsCache{client: client, userAgent: userAgent, ttl: ttl, now: time.Now, logger: logger}
}

// ParseRobots returns the rules for the host of baseURL, fetching robots.txt on
// first use. 4xx responses allow everything; 5xx responses disallow everything.
func (c *RobotsCache) ParseRobots(ctx context.Context, baseURL string) (RobotsRules, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return RobotsRules{}, fmt.Errorf("parse url: %w", err)
	}
	hostKey := strings.ToLower(parsed.Host)
	if v, ok := c.cache.Load(hostKey); ok {
		entry, _ := v.(cachedRules)
		if c.ttl <= 0 || c.now().Sub(entry.fetched) < c.ttl {
			return entry.rules, nil
		}
	}

	rules, err := c.fetch(ctx, parsed)
	if err != nil {
		return RobotsRules{}, err
	}
	c.cache.Store(hostKey, cachedRules{rules: rules, fetched: c.now()})
	return rules, nil
}

func (c *RobotsCache) fetch(ctx context.Context, parsed *url.URL) (RobotsRules, error) {
	robotsURL := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return RobotsRules{}, fmt.Errorf("new robots request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	resp, err := c.client.Do(req)
	if err != nil {
		return RobotsRules{}, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("Failed to close robots response body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return RobotsRules{}, fmt.Errorf("read robots body: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return DisallowAll, nil
	case resp.StatusCode >= 400:
		return RobotsRules{}, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return RobotsRules{}, fmt.Errorf("fetch robots: unexpected status %d", resp.StatusCode)
	}
	return ParseRobotsTxt(body, c.userAgent), nil
}
