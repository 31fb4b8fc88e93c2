// Package persist provides debounced atomic snapshot persistence for the
// artifact and scan indices.
package persist
