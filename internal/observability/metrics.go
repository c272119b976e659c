package observability

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
)

// Metrics tracks operational metrics for the collection fleet.
type Metrics struct {
	// Queue metrics
	Claims     atomic.Int64
	ClaimRaces atomic.Int64
	Releases   atomic.Int64

	// Fetch metrics
	Fetches      atomic.Int64
	FetchErrors  atomic.Int64
	ServerErrors atomic.Int64

	// Ingest metrics
	Ingested           atomic.Int64
	ValidationFailures atomic.Int64
	Replays            atomic.Int64

	// Stitch metrics
	SeriesStitched atomic.Int64
	StitchFailures atomic.Int64

	logger *slog.Logger
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(logger *slog.Logger) *Metrics {
	return &Metrics{
		logger: logger.With("component", "metrics"),
	}
}

// ServeHTTP serves metrics in Prometheus text exposition format.
func (m *Metrics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	metrics := []struct {
		name  string
		help  string
		value int64
	}{
		{"sift_claims_total", "Total requests claimed", m.Claims.Load()},
		{"sift_claim_races_total", "Total claims lost to another dispatcher", m.ClaimRaces.Load()},
		{"sift_releases_total", "Total requests released back to open", m.Releases.Load()},
		{"sift_fetches_total", "Total successful fetches", m.Fetches.Load()},
		{"sift_fetch_errors_total", "Total failed fetches", m.FetchErrors.Load()},
		{"sift_server_errors_total", "Total upstream server errors", m.ServerErrors.Load()},
		{"sift_payloads_ingested_total", "Total payloads ingested", m.Ingested.Load()},
		{"sift_validation_failures_total", "Total payloads parked after failing validation", m.ValidationFailures.Load()},
		{"sift_replays_total", "Total staged payloads replayed at startup", m.Replays.Load()},
		{"sift_series_stitched_total", "Total stitched series written", m.SeriesStitched.Load()},
		{"sift_stitch_failures_total", "Total stitch targets skipped", m.StitchFailures.Load()},
	}

	for _, metric := range metrics {
		fmt.Fprintf(w, "# HELP %s %s\n", metric.name, metric.help)
		fmt.Fprintf(w, "# TYPE %s counter\n", metric.name)
		fmt.Fprintf(w, "%s %d\n", metric.name, metric.value)
	}
}

// StartServer starts the metrics HTTP server.
func (m *Metrics) StartServer(port int, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, m)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	addr := fmt.Sprintf(":%d", port)
	m.logger.Info("metrics server starting", "addr", addr, "path", path)

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			m.logger.Error("metrics server error", "error", err)
		}
	}()

	return nil
}

// Snapshot returns all metrics as a map.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"claims":              m.Claims.Load(),
		"claim_races":         m.ClaimRaces.Load(),
		"releases":            m.Releases.Load(),
		"fetches":             m.Fetches.Load(),
		"fetch_errors":        m.FetchErrors.Load(),
		"server_errors":       m.ServerErrors.Load(),
		"payloads_ingested":   m.Ingested.Load(),
		"validation_failures": m.ValidationFailures.Load(),
		"replays":             m.Replays.Load(),
		"series_stitched":     m.SeriesStitched.Load(),
		"stitch_failures":     m.StitchFailures.Load(),
	}
}
