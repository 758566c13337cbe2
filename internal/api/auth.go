package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// cronAuthMiddleware requires "Authorization: Bearer <secret>". Without a
// configured secret every request fails with 500 rather than passing through.
func cronAuthMiddleware(secret string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				logger.Error("cron secret not configured", zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "cron secret not configured")
				return
			}
			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// allowManualScrape checks the vendor's manual-scrape window without
// recording a hit. Without a store every request is allowed.
func (s *Server) allowManualScrape(ctx context.Context, w http.ResponseWriter, vendorID string) (bool, error) {
	if s.deps.RateLimits == nil {
		return true, nil
	}
	now := s.deps.Clock.Now()
	n, err := s.deps.RateLimits.Count(ctx, manualScrapeKey(vendorID), now.Add(-s.cfg.ManualRateWindow))
	if err != nil {
		return false, fmt.Errorf("count rate limit hits: %w", err)
	}
	if n >= s.cfg.ManualRateLimit {
		w.Header().Set("Retry-After", strconv.Itoa(int(s.cfg.ManualRateWindow.Seconds())))
		return false, nil
	}
	return true, nil
}

// recordManualScrape charges an accepted submission to the vendor's window.
// Rejected submissions never reach it.
func (s *Server) recordManualScrape(ctx context.Context, vendorID string) {
	if s.deps.RateLimits == nil {
		return
	}
	now := s.deps.Clock.Now()
	if _, err := s.deps.RateLimits.Hit(ctx, manualScrapeKey(vendorID), now, now.Add(-s.cfg.ManualRateWindow)); err != nil {
		s.logger.Warn("record rate limit hit failed", zap.String("vendor_id", vendorID), zap.Error(err))
	}
}

func manualScrapeKey(vendorID string) string {
	return "manual-scrape:" + vendorID
}
