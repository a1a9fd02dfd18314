package campaign

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	branchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msearch_branches_total",
		Help: "Branches placed on a tree",
	}, []string{"tree"})

	modelsLearnedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msearch_models_learned_total",
		Help: "Models learned, by tree",
	}, []string{"tree"})

	// Labels: "computed", "reused"
	comparisonsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msearch_comparisons_total",
		Help: "Pairwise comparisons by outcome",
	}, []string{"tree", "result"})

	tiesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msearch_branch_ties_total",
		Help: "Branch rounds that ended tied",
	}, []string{"tree"})

	forcedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msearch_forced_resolutions_total",
		Help: "Branch champions set by forced resolution",
	}, []string{"tree"})

	stageAdvancesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msearch_stage_advances_total",
		Help: "Tree stage advances",
	}, []string{"tree", "stage"})

	branchRounds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "msearch_branch_rounds",
		Help:    "Update rounds needed before a branch champion was set",
		Buckets: []float64{1, 2, 3},
	})

	comparisonDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "msearch_comparison_duration_seconds",
		Help:    "Duration of one pairwise comparison",
		Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1, 10},
	})
)

// ServeMetrics exposes the Prometheus registry on addr until ctx is done.
func ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("[CAMPAIGN] serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
