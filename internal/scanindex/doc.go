// Package scanindex tracks directory scan status and per-file derived
// artifact freshness, persisted as a debounced JSON snapshot. It is the
// sole staleness oracle: the indexer asks it whether thumbnail or
// analysis work is needed and never re-derives staleness itself.
package scanindex
