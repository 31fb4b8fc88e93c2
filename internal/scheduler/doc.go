// Package scheduler runs prioritized background thumbnail and analysis
// tasks on a single-flight processing loop.
package scheduler
