// Package indexer discovers image files under watch roots and feeds the
// scan index and task scheduler. Each root is scanned breadth-first, one
// directory level at a time, with a bounded number of concurrent
// directory listings per level.
package indexer
