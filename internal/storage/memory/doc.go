// Package memory provides in-memory stores for local runs and tests.
package memory
