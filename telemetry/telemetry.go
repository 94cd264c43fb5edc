// Package telemetry exposes the internal operational metrics for
// ratingd: counters/histograms/gauges for the ingest and statistics
// loops, served on a small net/http listener distinct from (and not a
// substitute for) the out-of-scope public website.
package telemetry

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Metrics bundles every counter/gauge/histogram the loops update. A zero
// Metrics (via NewMetrics) is always safe to call into, even when the
// listener below is never started.
type Metrics struct {
	ReplaysFetched  prometheus.Counter
	ReplaysDeduped  prometheus.Counter
	MatchesRated    prometheus.Counter
	MatchesInvalid  prometheus.Counter
	UpdateBatchTime prometheus.Histogram

	LastDecayCycle      prometheus.Gauge
	LastRankingCycle    prometheus.Gauge
	LastStatisticsCycle prometheus.Gauge

	CheatersMarked prometheus.Counter
}

// NewMetrics registers every collector against a fresh registry so
// repeated calls (e.g. in tests) never collide with prometheus's default
// global registry.
func NewMetrics() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		ReplaysFetched: factory.NewCounter(prometheus.CounterOpts{
			Name: "ratingd_replays_fetched_total",
			Help: "Replays returned by the external match source across all ingest ticks.",
		}),
		ReplaysDeduped: factory.NewCounter(prometheus.CounterOpts{
			Name: "ratingd_replays_deduped_total",
			Help: "Replays discarded by the match dedup key.",
		}),
		MatchesRated: factory.NewCounter(prometheus.CounterOpts{
			Name: "ratingd_matches_rated_total",
			Help: "Matches that received a valid rating update.",
		}),
		MatchesInvalid: factory.NewCounter(prometheus.CounterOpts{
			Name: "ratingd_matches_invalid_total",
			Help: "Matches recorded with valid=false by the validity test.",
		}),
		UpdateBatchTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ratingd_update_batch_seconds",
			Help:    "Wall time to drain one C4 batch.",
			Buckets: prometheus.DefBuckets,
		}),
		LastDecayCycle: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ratingd_last_decay_cycle_unixtime",
			Help: "Unix timestamp of the last completed decay sweep.",
		}),
		LastRankingCycle: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ratingd_last_ranking_cycle_unixtime",
			Help: "Unix timestamp of the last completed ranking rebuild.",
		}),
		LastStatisticsCycle: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ratingd_last_statistics_cycle_unixtime",
			Help: "Unix timestamp of the last completed statistics run.",
		}),
		CheatersMarked: factory.NewCounter(prometheus.CounterOpts{
			Name: "ratingd_cheaters_marked_total",
			Help: "Players marked as cheaters via the moderation CLI path.",
		}),
	}, reg
}

// Serve starts the internal metrics listener and blocks until ctx is
// canceled. Callers run it in its own errgroup goroutine.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		logrus.WithField("component", "telemetry").Info("shutting down metrics listener")
		return srv.Close()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
