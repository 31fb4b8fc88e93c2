package thumbnail

import (
	"errors"
	"fmt"
	"image"
	"os"
	"strings"
	"sync/atomic"

	"photo-engine/internal/artifact"
	"photo-engine/internal/logging"
	"photo-engine/internal/metrics"
)

// ErrNotFound indicates the source image no longer exists.
var ErrNotFound = errors.New("source file not found")

// SourceInfo describes properties of a decoded source relevant to the
// tone-mapping decision.
type SourceInfo struct {
	BitDepth   int
	ColorSpace string
	HasFloat   bool
}

// Decoder is the external image pipeline: decode+resize, tone map, and
// encode to compressed bytes.
type Decoder interface {
	DecodeAndResize(path string, maxPixelSize int) (image.Image, SourceInfo, error)
	ToneMap(img image.Image) image.Image
	Encode(img image.Image, quality int) ([]byte, error)
}

// DefaultSizes maps size labels to maximum pixel dimensions.
var DefaultSizes = map[string]int{
	"small":  256,
	"medium": 512,
	"large":  1024,
}

// Cache produces and returns thumbnails through the artifact store,
// enforcing the cache byte budget after growth.
type Cache struct {
	store    *artifact.Store
	decoder  Decoder
	sizes    map[string]int
	quality  int
	maxBytes int64
	excluded func(original string) bool

	pruning atomic.Bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithSizes overrides the size label table.
func WithSizes(sizes map[string]int) Option {
	return func(c *Cache) { c.sizes = sizes }
}

// WithExcluded sets a predicate for originals whose thumbnails must never
// be pruned (e.g. images currently open in the viewer).
func WithExcluded(fn func(original string) bool) Option {
	return func(c *Cache) { c.excluded = fn }
}

// New creates a thumbnail cache writing through store.
func New(store *artifact.Store, decoder Decoder, maxBytes int64, quality int, opts ...Option) *Cache {
	c := &Cache{
		store:    store,
		decoder:  decoder,
		sizes:    DefaultSizes,
		quality:  quality,
		maxBytes: maxBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the path of a thumbnail for the original at the requested
// size, generating it if missing or when regenerate is set. A cache hit
// performs no decode work.
func (c *Cache) Get(original, size string, regenerate bool) (string, error) {
	maxPixels, ok := c.sizes[size]
	if !ok {
		return "", fmt.Errorf("unknown thumbnail size %q", size)
	}

	if !regenerate {
		if path, ok := c.store.CurrentThumbnailPath(original, size); ok {
			metrics.ThumbnailHitsTotal.Inc()
			logging.Debug("Thumbnail cache hit: %s [%s]", original, size)
			return path, nil
		}
	}

	if _, err := os.Stat(original); err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, original)
	}

	newPath, err := c.store.AllocateThumbnailPath(original, size)
	if err != nil {
		return "", err
	}

	img, info, err := c.decoder.DecodeAndResize(original, maxPixels)
	if err != nil {
		return "", fmt.Errorf("failed to decode %s: %w", original, err)
	}

	if NeedsToneMap(info) {
		logging.Debug("Tone mapping %s (depth=%d float=%v space=%q)",
			original, info.BitDepth, info.HasFloat, info.ColorSpace)
		img = c.decoder.ToneMap(img)
	}

	data, err := c.decoder.Encode(img, c.quality)
	if err != nil {
		return "", fmt.Errorf("failed to encode thumbnail for %s: %w", original, err)
	}

	if err := os.WriteFile(newPath, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write thumbnail: %w", err)
	}

	// Durable write first, index commit second, stale delete last: a
	// reader never observes a missing thumbnail mid-swap.
	previous := c.store.CommitThumbnailPath(original, size, newPath)
	if previous != "" && previous != newPath {
		if err := os.Remove(previous); err != nil {
			logging.Debug("Failed to remove previous thumbnail %s: %v", previous, err)
		}
	}

	metrics.ThumbnailGeneratedTotal.Inc()
	c.pruneAsync()
	return newPath, nil
}

// pruneAsync enforces the byte budget off the critical path so cache
// writes are not blocked by cleanup. At most one prune runs at a time.
func (c *Cache) pruneAsync() {
	if c.maxBytes <= 0 {
		return
	}
	if !c.pruning.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer c.pruning.Store(false)
		c.Prune()
	}()
}

// Prune plans an eviction against the byte budget, deletes the flagged
// files and applies the plan. Returns the number of entries removed and
// bytes freed.
func (c *Cache) Prune() (removed int, freedBytes int64) {
	plan := c.store.PlanPrune(c.maxBytes, c.excluded)
	if plan.Empty() {
		return 0, 0
	}

	for _, entry := range plan.Entries {
		if err := os.Remove(entry.Path); err != nil {
			logging.Debug("Failed to delete pruned thumbnail %s: %v", entry.Path, err)
		}
	}
	return c.store.ApplyPrune(plan.Entries)
}

// NeedsToneMap decides whether a source needs a tone-mapping pass before
// encoding: high bit depth, float components, or a wide-gamut/extended
// range color space would otherwise produce blown-out previews.
func NeedsToneMap(info SourceInfo) bool {
	if info.HasFloat || info.BitDepth > 8 {
		return true
	}
	space := strings.ToLower(info.ColorSpace)
	for _, marker := range []string{"p3", "2020", "pq", "hlg", "scrgb", "extended", "rgb16", "grey16", "lab"} {
		if strings.Contains(space, marker) {
			return true
		}
	}
	return false
}
