package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"time"

	"photo-engine/internal/engine"
	"photo-engine/internal/logging"
	"photo-engine/internal/thumbnail"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status       string `json:"status"`
	Uptime       string `json:"uptime"`
	Directories  int    `json:"directories"`
	Files        int    `json:"files"`
	GoVersion    string `json:"goVersion"`
	NumGoroutine int    `json:"numGoroutine"`
}

// Server serves engine status over HTTP.
type Server struct {
	engine  *engine.Engine
	thumbs  *thumbnail.Cache
	started time.Time

	metricsEnabled bool
}

// New creates a status server for the engine.
func New(eng *engine.Engine, thumbs *thumbnail.Cache, metricsEnabled bool) *Server {
	return &Server{
		engine:         eng,
		thumbs:         thumbs,
		started:        time.Now(),
		metricsEnabled: metricsEnabled,
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.Health).Methods("GET")
	r.HandleFunc("/healthz", s.Health).Methods("GET")
	r.HandleFunc("/readyz", s.Ready).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.Status).Methods("GET")
	api.HandleFunc("/thumbnail", s.Thumbnail).Methods("GET")

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	}
	return r
}

// ListenAndServe serves on the loopback interface until the server is
// shut down or fails.
func (s *Server) ListenAndServe(port string) error {
	srv := &http.Server{
		Addr:         "127.0.0.1:" + port,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logging.Info("Status server listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Health reports liveness plus a small stats summary.
func (s *Server) Health(w http.ResponseWriter, _ *http.Request) {
	st := s.engine.Status()
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:       "healthy",
		Uptime:       time.Since(s.started).Round(time.Second).String(),
		Directories:  st.Directories,
		Files:        st.Files,
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
	})
}

// Ready reports readiness. The engine serves cached data from the moment
// it is constructed, so readiness tracks liveness.
func (s *Server) Ready(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

// Status returns the full engine snapshot.
func (s *Server) Status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

// Thumbnail serves a thumbnail for ?path=...&size=..., generating it on
// the spot if the cache misses.
func (s *Server) Thumbnail(w http.ResponseWriter, r *http.Request) {
	original := r.URL.Query().Get("path")
	if original == "" {
		http.Error(w, "missing path parameter", http.StatusBadRequest)
		return
	}
	size := r.URL.Query().Get("size")
	if size == "" {
		size = "medium"
	}

	path, err := s.thumbs.Get(original, size, false)
	if err != nil {
		if errors.Is(err, thumbnail.ErrNotFound) {
			http.Error(w, "source not found", http.StatusNotFound)
			return
		}
		logging.Warn("Thumbnail request failed for %s [%s]: %v", original, size, err)
		http.Error(w, "thumbnail generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "private, max-age=3600")
	http.ServeFile(w, r, path)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("Failed to encode response: %v", err)
	}
}
