package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/haricheung/model-search/internal/bus"
	"github.com/haricheung/model-search/internal/campaign"
	"github.com/haricheung/model-search/internal/config"
	"github.com/haricheung/model-search/internal/engine"
	"github.com/haricheung/model-search/internal/roles/archive"
	"github.com/haricheung/model-search/internal/roles/auditor"
	"github.com/haricheung/model-search/internal/searchlog"
	"github.com/haricheung/model-search/internal/ui"
)

// loadConfig reads the configuration and applies command-line overrides.
// Priority is flags > env > file > defaults.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logDir != "" {
		cfg.Logging.Dir = logDir
	}
	if archivePath != "" {
		cfg.Archive.Path = archivePath
	}
	if f := cmd.Flags().Lookup("workers"); f != nil && f.Changed {
		cfg.Campaign.Workers = workers
	}
	if f := cmd.Flags().Lookup("seed"); f != nil && f.Changed {
		cfg.Campaign.Seed = seed
	}
	if metricsAddr != "" {
		cfg.Metrics.Addr = metricsAddr
	}
	return cfg, cfg.Validate()
}

// setupLogging points slog and log at msearch.log under the log directory, or
// stderr when there is none. The returned closer releases the file.
func setupLogging(cfg config.LoggingConfig) (io.Closer, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.Level))); err != nil && cfg.Level != "" {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	var w io.Writer = os.Stderr
	var closer io.Closer = io.NopCloser(nil)
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(cfg.Dir, "msearch.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		w, closer = f, f
	}
	log.SetOutput(w)
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
	return closer, nil
}

// session is one wired campaign: the bus, the campaign and every observer
// listening on it.
type session struct {
	bus      *bus.Bus
	campaign *campaign.Campaign
	auditor  *auditor.Auditor
	searches *searchlog.Registry
	archive  *archive.Store
	logs     io.Closer
	wg       sync.WaitGroup
}

// newSession builds the bus, the observers enabled by cfg and the campaign.
// Observers run until close.
func newSession(ctx context.Context, cfg config.Config, display bool) (*session, error) {
	logs, err := setupLogging(cfg.Logging)
	if err != nil {
		return nil, err
	}
	s := &session{bus: bus.New(), logs: logs}

	// Infrastructure roles
	if cfg.Logging.Dir != "" {
		s.auditor = auditor.New(s.bus.NewTap(), filepath.Join(cfg.Logging.Dir, "audit.jsonl"))
		s.searches = searchlog.NewRegistry(filepath.Join(cfg.Logging.Dir, "searches"))
		tap := s.bus.NewTap()
		s.goRun(func() { s.auditor.Run(ctx) })
		s.goRun(func() { s.searches.Run(ctx, tap) })
	}
	if cfg.Archive.Path != "" {
		s.archive, err = archive.Open(cfg.Archive.Path, s.bus.NewTap())
		if err != nil {
			s.close()
			return nil, err
		}
		s.goRun(func() { s.archive.Run(ctx) })
	}
	if display {
		d := ui.New(s.bus.NewTap(), os.Stdout, readline.IsTerminal(int(os.Stdout.Fd())))
		s.goRun(func() { d.Run(ctx) })
	}
	if cfg.Metrics.Addr != "" {
		go func() {
			if err := campaign.ServeMetrics(ctx, cfg.Metrics.Addr); err != nil {
				slog.Error("[MSEARCH] metrics endpoint failed", "addr", cfg.Metrics.Addr, "error", err)
			}
		}()
	}

	eng := engine.NewSynthetic(cfg.Engine, cfg.Campaign.Seed)
	eng.Delay = engineDelay
	s.campaign, err = campaign.New(cfg, eng, s.bus)
	if err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *session) goRun(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// close closes the bus so observers drain their taps and exit, then releases
// the archive and the log file.
func (s *session) close() {
	s.bus.Close()
	s.wg.Wait()
	if s.auditor != nil {
		r := s.auditor.Report()
		slog.Info("[MSEARCH] audit summary", "trees", r.TreesObserved, "branches", r.BranchesObserved,
			"ties", r.Ties, "forced", r.ForcedResolutions, "anomalies", len(r.Anomalies))
	}
	if s.archive != nil {
		if err := s.archive.Close(); err != nil {
			slog.Warn("[MSEARCH] archive close failed", "error", err)
		}
	}
	_ = s.logs.Close()
}
