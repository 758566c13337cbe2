// Package main hosts the seedprice pipeline entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, job management and cron endpoints. Manual scrapes
//     are single-flight per vendor and rate limited; cron routes require the shared bearer secret.
//   - Broker: jobs flow through named queues (scrape, detect-price-changes, send-price-alert) on Redis, or an
//     in-process broker for local runs. Each queue has its own worker count; retries back off exponentially.
//   - Scrape pipeline: the scrape worker walks a vendor's listing pages through the policy gate (robots.txt,
//     token bucket, crawl-delay with jitter), upserts products and hands the run's products to price detection.
//     Detection groups significant per-seed drops by the users who favorited them and enqueues one alert each.
//   - Lifecycle: broker events fan out through an events.Hub to the job-record sync, zap logs, Prometheus and an
//     optional Pub/Sub topic. The sync also cancels stale records and purges old ones.
//   - Configuration & plumbing: Viper populates config from env, dotenv files and an optional config file; zap
//     provides structured logging; Prometheus metrics are served on /metrics.
//
// Quick checklist:
//   - Configure env vars: SEEDPRICE_DB_DSN, SEEDPRICE_BROKER_REDIS_ADDR, SEEDPRICE_AUTH_CRON_SECRET,
//     SEEDPRICE_MAIL_DRIVER=smtp with SEEDPRICE_MAIL_HOST and SEEDPRICE_MAIL_FROM, and vendor selector profiles
//     under scrape.profiles in the config file.
//   - Run locally: go run ./cmd/pipeline serve --config config.yaml. With no DSN and broker.driver=memory the
//     process keeps everything in memory.
//   - One-off maintenance: seedprice enqueue, batch, schedule init|sync|stop|stats, sweep and purge reuse the
//     same stores and broker as the server.
package main
