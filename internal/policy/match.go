package policy

import (
	"net/url"
	"regexp"
	"strings"
	"sync"
)

var patternCache sync.Map // pattern -> *regexp.Regexp

// MatchesPattern reports whether path matches a robots.txt path pattern. "*"
// matches any run of characters, a trailing "$" anchors the end, and patterns are
// otherwise prefix-anchored.
func MatchesPattern(path, pattern string) bool {
	if pattern == "" {
		return false
	}
	if v, ok := patternCache.Load(pattern); ok {
		re, _ := v.(*regexp.Regexp)
		return re.MatchString(path)
	}
	re := compilePattern(pattern)
	patternCache.Store(pattern, re)
	return re.MatchString(path)
}

func compilePattern(pattern string) *regexp.Regexp {
	anchored := strings.HasSuffix(pattern, "$")
	pattern = strings.TrimSuffix(pattern, "$")
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	expr := "^" + strings.Join(parts, ".*")
	if anchored {
		expr += "$"
	}
	return regexp.MustCompile(expr)
}

// IsAllowed decides whether rawURL may be fetched under rules. The longest
// matching pattern wins; an allow rule wins a tie. No match means allowed.
func IsAllowed(rawURL string, rules RobotsRules) bool {
	target := requestPath(rawURL)
	allowLen := longestMatch(target, rules.AllowedPaths)
	denyLen := longestMatch(target, rules.DisallowedPaths)
	if denyLen < 0 {
		return true
	}
	return allowLen >= denyLen
}

func longestMatch(path string, patterns []string) int {
	best := -1
	for _, p := range patterns {
		if len(p) > best && MatchesPattern(path, p) {
			best = len(p)
		}
	}
	return best
}

func requestPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p
}
