package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"tradeguard/internal/drawdown"
	"tradeguard/internal/monitoring"
	"tradeguard/internal/resilience"
	"tradeguard/internal/store"
	"tradeguard/internal/tracker"
)

func newServeMetricsCmd(app *App) *cobra.Command {
	var (
		addr     string
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve-metrics",
		Short: "Expose drawdown and performance metrics over HTTP",
		Long: `Serve Prometheus metrics on /metrics and component health on /health.

Drawdown state and the trade journal are re-read every interval, so pauses
and trades recorded by other processes show up without a restart.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if addr == "" {
				addr = app.Config.Metrics.Addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv, err := newMetricsServer(ctx, app)
			if err != nil {
				return err
			}
			defer srv.close()

			httpServer := &http.Server{
				Addr:              addr,
				Handler:           srv.mux(),
				ReadHeaderTimeout: 5 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()
			stopRefresh := srv.start(ctx, interval)
			defer stopRefresh()

			output.Info("Serving metrics on %s (mode %s)", addr, app.Config.Mode)
			app.Logger.Info().Str("addr", addr).Dur("interval", interval).Msg("Metrics server started")

			select {
			case <-ctx.Done():
			case err := <-errCh:
				return fmt.Errorf("metrics server: %w", err)
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			app.Logger.Info().Msg("Shutting down metrics server")
			return httpServer.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: metrics.addr from config)")
	cmd.Flags().DurationVar(&interval, "interval", 15*time.Second, "refresh interval")
	return cmd
}

// metricsServer owns the registry and the handles refreshed on every tick.
type metricsServer struct {
	app       *App
	registry  *prometheus.Registry
	collector *monitoring.Collector
	health    *resilience.HealthMonitor
	journal   *store.SQLiteStore
	sink      *store.ClickHouseSink
}

func newMetricsServer(ctx context.Context, app *App) (*metricsServer, error) {
	registry := prometheus.NewRegistry()
	collector, err := monitoring.NewCollector(registry)
	if err != nil {
		return nil, err
	}

	journal, err := app.openJournal()
	if err != nil {
		return nil, err
	}

	s := &metricsServer{
		app:       app,
		registry:  registry,
		collector: collector,
		health:    resilience.NewHealthMonitor(2 * time.Second),
		journal:   journal,
	}
	s.health.RegisterComponent("journal", resilience.DatabaseHealthCheck("journal", journal.Ping))

	if app.Config.ClickHouse.Enabled {
		sink, err := store.NewClickHouseSink(ctx, app.Config.ClickHouse, app.Logger)
		if err != nil {
			app.Logger.Warn().Err(err).Msg("ClickHouse unavailable, health will report it")
			s.health.RegisterComponent("clickhouse", resilience.DatabaseHealthCheck("clickhouse", func(context.Context) error {
				return err
			}))
		} else {
			s.sink = sink
			s.health.RegisterComponent("clickhouse", resilience.DatabaseHealthCheck("clickhouse", sink.Ping))
			s.health.RegisterComponent("clickhouse_sink", resilience.BreakerHealthCheck(sink.Breaker()))
		}
	}
	return s, nil
}

func (s *metricsServer) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", monitoring.Handler(s.registry))
	mux.HandleFunc("/health", s.health.HealthHTTPHandler())
	return mux
}

// start runs the refresh loop in the background. The returned func cancels
// it and blocks until the in-flight refresh has returned, so close can follow.
func (s *metricsServer) start(ctx context.Context, interval time.Duration) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.run(ctx, interval)
	}()
	return func() {
		cancel()
		<-done
	}
}

func (s *metricsServer) run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	s.refresh(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

// refresh re-reads drawdown state and the journal into the collector.
func (s *metricsServer) refresh(ctx context.Context) {
	dd, release, err := s.app.openDrawdown(drawdown.WithStatusObserver(s.collector.ObserveStatusChange))
	if err != nil {
		s.app.Logger.Warn().Err(err).Msg("Drawdown refresh failed")
	} else {
		dd.CheckTradingAllowed()
		s.collector.ObserveDrawdown(dd.GetDrawdownStatistics())
		release()
	}

	trades, err := s.journal.ListCompletedTrades(ctx, store.TradeFilter{})
	if err != nil {
		s.app.Logger.Warn().Err(err).Msg("Journal refresh failed")
		return
	}
	tr := tracker.New(s.app.Config.Tracker, s.app.Logger)
	tr.Load(trades)
	s.collector.ObservePerformance(tr.GetPerformanceMetrics())
}

func (s *metricsServer) close() {
	if s.sink != nil {
		s.sink.Close()
	}
	s.journal.Close()
}
