// Package thumbnail generates and caches multi-size image thumbnails
// through the artifact store, with tone mapping for high-dynamic-range
// sources and byte-budget enforcement after growth.
package thumbnail
