package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/Cue/greplin-exception-catcher/pkg/config"
	"github.com/Cue/greplin-exception-catcher/pkg/logger"
	"github.com/Cue/greplin-exception-catcher/pkg/report"
	"github.com/Cue/greplin-exception-catcher/pkg/scheduler"
	"github.com/Cue/greplin-exception-catcher/pkg/spill"
	"github.com/Cue/greplin-exception-catcher/pkg/spool"
)

// maxEntryBytes caps a report posted to the local HTTP endpoint
const maxEntryBytes = 1 << 20

// runDaemon syncs on schedule until ctx is done, then flushes once and spills
// whatever is left.
func runDaemon(ctx context.Context, cfg *config.Config, root *logger.Logger) error {
	log := root.WithComponent("daemon")

	if cfg.Reporter.ServerAddress == "" {
		log.Warn("no collection server configured, records will queue until one is set")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := report.NewMetrics()
	if err := metrics.Register(reg); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	rep := report.New(cfg.ToReporterConfig(),
		report.WithLogger(root.WithComponent("reporter").Logger),
		report.WithMetrics(metrics),
	)

	var store *spill.Store
	if cfg.Spill.Enabled {
		var err error
		store, err = spill.Open(cfg.ToSpillConfig())
		if err != nil {
			return err
		}
		defer store.Close()

		restored, err := store.Drain(ctx)
		if err != nil {
			return fmt.Errorf("failed to restore spilled records: %w", err)
		}
		if len(restored) > 0 {
			evicted := rep.Enqueue(restored...)
			log.Info("restored spilled records", "records", len(restored), "evicted", evicted)
		}
	}

	schedCfg := cfg.ToSchedulerConfig()
	schedCfg.Logger = root.WithComponent("scheduler").Logger
	sched, err := scheduler.New(rep, schedCfg)
	if err != nil {
		return err
	}

	var scanner *spool.Scanner
	if cfg.Spool.Enabled {
		scanner, err = spool.NewScanner(rep, spool.Config{
			Dir:         cfg.Spool.Dir,
			Project:     cfg.Reporter.Project,
			Environment: cfg.Reporter.Environment,
			Logger:      root.WithComponent("spool").Logger,
		})
		if err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sched.Run(gctx)
	})

	if scanner != nil {
		g.Go(func() error {
			return scanner.Watch(gctx, cfg.ScanInterval())
		})
	}

	if cfg.Metrics.Enabled {
		srv := &http.Server{
			Addr:              cfg.Metrics.ListenAddr,
			Handler:           newHTTPHandler(reg, rep, sched, root.WithComponent("http").Logger),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info("http endpoint listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http endpoint: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	log.Info("gecd started",
		"server", cfg.Reporter.ServerAddress,
		"project", cfg.Reporter.Project,
		"item_limit", cfg.Reporter.ItemLimit,
		"schedule", cfg.Sync.Schedule,
	)

	runErr := g.Wait()

	// Final flush with a fresh deadline, the run context is already done
	flushCtx, cancel := context.WithTimeout(context.Background(), cfg.SyncTimeout()+time.Second)
	defer cancel()
	left, flushErr := rep.Close(flushCtx)
	if flushErr != nil {
		log.ErrorEvent(flushCtx, "final sync failed", flushErr, slog.Int("remaining", len(left)))
	}

	if store != nil && len(left) > 0 {
		if err := store.Save(context.Background(), left); err != nil {
			log.ErrorEvent(context.Background(), "failed to spill records", err, slog.Int("records", len(left)))
			return errors.Join(runErr, err)
		}
		log.Info("spilled unsynced records", "records", len(left), "path", store.Path())
	} else if len(left) > 0 {
		log.Warn("dropping unsynced records, spill is disabled", "records", len(left))
	}

	log.Info("gecd stopped")
	return runErr
}

type healthStatus struct {
	Status     string           `json:"status"`
	QueueDepth int              `json:"queue_depth"`
	Room       int              `json:"room"`
	Syncing    bool             `json:"syncing"`
	Scheduler  scheduler.Status `json:"scheduler"`
}

// newHTTPHandler serves metrics, health, on-demand syncs and local reports
func newHTTPHandler(gatherer prometheus.Gatherer, rep *report.Reporter, sched *scheduler.Scheduler, log *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, healthStatus{
			Status:     "ok",
			QueueDepth: rep.Len(),
			Room:       rep.Room(),
			Syncing:    rep.Syncing(),
			Scheduler:  sched.Status(),
		})
	})

	mux.HandleFunc("POST /sync", func(w http.ResponseWriter, r *http.Request) {
		if !sched.Trigger() {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"status": "rate limited"})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "sync requested"})
	})

	mux.HandleFunc("POST /report", func(w http.ResponseWriter, r *http.Request) {
		var e spool.Entry
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEntryBytes))
		if err := dec.Decode(&e); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid report: " + err.Error()})
			return
		}
		rec := e.Record(time.Now())
		rep.Enqueue(rec)
		log.Debug("report received", "id", rec.ID, "type", rec.Title)
		writeJSON(w, http.StatusAccepted, map[string]string{"id": rec.ID})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
