// Package metrics defines Prometheus metrics for the indexing engine.
package metrics
