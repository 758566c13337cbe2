// Package pipeline defines the core types shared by the scrape, detect and alert
// stages: the persisted ScrapeJob record and its state machine, the typed payload
// carried on each queue, and the ports the stages depend on.
package pipeline
