package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"photo-engine/internal/logging"
)

const (
	defaultCacheMaxBytes     = 2 << 30 // 2 GiB thumbnail budget
	defaultPersistDebounce   = 300 * time.Millisecond
	defaultReconcileInterval = 6 * time.Hour
	defaultThumbnailQuality  = 80
)

// Config holds all engine configuration.
type Config struct {
	// CacheDir is the app-managed root for derived artifacts
	// (xmp/, thumbnails/, metadata-index.json, scan-index.json).
	CacheDir string

	// WatchRoots are directory trees to index and monitor.
	WatchRoots []string

	CacheMaxBytes     int64
	PersistDebounce   time.Duration
	ReconcileInterval time.Duration
	ThumbnailQuality  int
	AnalysisLanguage  string

	StatusPort     string
	MetricsEnabled bool
}

// LoadConfig loads and validates configuration from environment variables.
func LoadConfig() (*Config, error) {
	cacheDir := getEnv("CACHE_DIR", defaultUserCacheDir())
	statusPort := getEnv("STATUS_PORT", "8450")
	metricsEnabled := getEnvBool("METRICS_ENABLED", true)
	language := getEnv("ANALYSIS_LANGUAGE", "en")

	cacheMaxBytes := getEnvInt64("CACHE_MAX_BYTES", defaultCacheMaxBytes)
	if cacheMaxBytes <= 0 {
		logging.Warn("Invalid CACHE_MAX_BYTES, using default: %d", int64(defaultCacheMaxBytes))
		cacheMaxBytes = defaultCacheMaxBytes
	}

	quality := int(getEnvInt64("THUMBNAIL_QUALITY", defaultThumbnailQuality))
	if quality < 1 || quality > 100 {
		logging.Warn("Invalid THUMBNAIL_QUALITY %d, using default: %d", quality, defaultThumbnailQuality)
		quality = defaultThumbnailQuality
	}

	debounce := getEnvDuration("PERSIST_DEBOUNCE", defaultPersistDebounce)
	reconcile := getEnvDuration("RECONCILE_INTERVAL", defaultReconcileInterval)

	var roots []string
	for _, root := range strings.Split(getEnv("WATCH_ROOTS", ""), string(os.PathListSeparator)) {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		abs, err := filepath.Abs(root)
		if err != nil {
			logging.Warn("Skipping watch root %q: %v", root, err)
			continue
		}
		roots = append(roots, abs)
	}

	cacheDir, err := filepath.Abs(cacheDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve cache dir: %w", err)
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir %s: %w", cacheDir, err)
	}
	if err := probeWritable(cacheDir); err != nil {
		return nil, fmt.Errorf("cache dir %s is not writable: %w", cacheDir, err)
	}

	cfg := &Config{
		CacheDir:          cacheDir,
		WatchRoots:        roots,
		CacheMaxBytes:     cacheMaxBytes,
		PersistDebounce:   debounce,
		ReconcileInterval: reconcile,
		ThumbnailQuality:  quality,
		AnalysisLanguage:  language,
		StatusPort:        statusPort,
		MetricsEnabled:    metricsEnabled,
	}

	logging.Info("Configuration:")
	logging.Info("  CACHE_DIR:          %s", cfg.CacheDir)
	logging.Info("  WATCH_ROOTS:        %s", strings.Join(cfg.WatchRoots, ", "))
	logging.Info("  CACHE_MAX_BYTES:    %d", cfg.CacheMaxBytes)
	logging.Info("  PERSIST_DEBOUNCE:   %s", cfg.PersistDebounce)
	logging.Info("  RECONCILE_INTERVAL: %s", cfg.ReconcileInterval)
	logging.Info("  THUMBNAIL_QUALITY:  %d", cfg.ThumbnailQuality)
	logging.Info("  STATUS_PORT:        %s", cfg.StatusPort)
	logging.Info("  METRICS_ENABLED:    %v", cfg.MetricsEnabled)
	logging.Info("  LOG_LEVEL:          %s", logging.GetLevel())

	return cfg, nil
}

// defaultUserCacheDir places the cache under the OS user cache directory.
func defaultUserCacheDir() string {
	base, err := os.UserCacheDir()
	if err != nil {
		return ".photo-engine"
	}
	return filepath.Join(base, "photo-engine")
}

// probeWritable verifies a directory accepts writes by creating and
// removing a probe file.
func probeWritable(dir string) error {
	probe := filepath.Join(dir, ".write-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return err
	}
	return os.Remove(probe)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		logging.Warn("Invalid boolean for %s: %q, using default %v", key, v, fallback)
		return fallback
	}
}

func getEnvInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		logging.Warn("Invalid integer for %s: %q, using default %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		logging.Warn("Invalid duration for %s: %q, using default %s", key, v, fallback)
		return fallback
	}
	return d
}
