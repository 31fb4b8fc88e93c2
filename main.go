package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"photo-engine/internal/artifact"
	"photo-engine/internal/config"
	"photo-engine/internal/engine"
	"photo-engine/internal/imagepipe"
	"photo-engine/internal/indexer"
	"photo-engine/internal/logging"
	"photo-engine/internal/scanindex"
	"photo-engine/internal/server"
	"photo-engine/internal/thumbnail"
)

// localResolver treats the access token as the path itself and verifies
// it is a readable directory. Platforms with scoped bookmark tokens can
// swap in their own resolver.
type localResolver struct{}

func (localResolver) Resolve(token string) (string, error) {
	info, err := os.Stat(token)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", token)
	}
	return token, nil
}

func main() {
	startTime := time.Now()

	cfg, err := config.LoadConfig()
	if err != nil {
		logging.Fatal("Configuration error: %v", err)
	}

	// libvips is optional; without it the pure-Go decode path runs.
	if err := imagepipe.InitVips(); err != nil {
		logging.Warn("libvips unavailable, using pure-Go decoding: %v", err)
	}
	defer imagepipe.ShutdownVips()

	store, err := artifact.New(cfg.CacheDir, cfg.PersistDebounce)
	if err != nil {
		logging.Fatal("Failed to initialize artifact store: %v", err)
	}
	index, err := scanindex.New(cfg.CacheDir, cfg.PersistDebounce)
	if err != nil {
		logging.Fatal("Failed to initialize scan index: %v", err)
	}

	thumbs := thumbnail.New(store, imagepipe.NewPipeline(), cfg.CacheMaxBytes, cfg.ThumbnailQuality)

	eng := engine.New(engine.Options{
		Index:             index,
		Store:             store,
		Thumbnails:        thumbs,
		AnalysisLanguage:  cfg.AnalysisLanguage,
		ReconcileInterval: cfg.ReconcileInterval,
	})

	ix := indexer.New(index, eng.Scheduler(), localResolver{},
		indexer.WithThumbnailSize("medium"))
	eng.SetIndexer(ix)
	eng.Start()

	for _, root := range cfg.WatchRoots {
		if err := ix.AddRoot(root, root); err != nil {
			logging.Error("Failed to add watch root %s: %v", root, err)
			continue
		}
		ix.StartScan(root)
		if err := eng.WatchDirectory(root); err != nil {
			logging.Warn("Failed to watch %s for live changes: %v", root, err)
		}
	}

	srv := server.New(eng, thumbs, cfg.MetricsEnabled)

	go handleShutdown(eng)

	logging.Info("photo-engine started in %v", time.Since(startTime).Round(time.Millisecond))
	if err := srv.ListenAndServe(cfg.StatusPort); err != nil {
		logging.Fatal("Status server error: %v", err)
	}
}

// handleShutdown flushes all state to disk on SIGINT/SIGTERM before
// exiting.
func handleShutdown(eng *engine.Engine) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	logging.Info("Received %v, shutting down", sig)
	eng.Stop()
	imagepipe.ShutdownVips()
	os.Exit(0)
}
