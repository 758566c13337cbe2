// Package policy implements the politeness rules every vendor request goes
// through: robots.txt parsing and matching, crawl-delay with jitter, a per-host
// token bucket and catalog pagination detection.
package policy
