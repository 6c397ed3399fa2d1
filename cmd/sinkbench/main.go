package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/illmade-knight/sinkbench/pkg/bench"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// 1. Setup logger
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// 2. Parse command-line flags
	configFile := flag.String("config", "", "Optional YAML configuration file.")
	producers := flag.Int("producers", 0, "Number of producers (overrides config).")
	interval := flag.Duration("interval", 0, "Producer send interval (overrides config).")
	flush := flag.Duration("flush", 0, "Heartbeat/commit interval (overrides config).")
	duration := flag.Duration("duration", 0, "Total run duration (overrides config).")
	driver := flag.String("driver", "", "Sink driver: sqlite, postgres, bolt, badger, redis or memory (overrides config).")
	dir := flag.String("dir", "", "Directory for file-backed stores (overrides config).")
	metricsAddr := flag.String("metrics-addr", "", "Serve prometheus metrics on this address, e.g. :9100.")
	debug := flag.Bool("debug", false, "Enable debug logging.")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	// 3. Load configuration
	cfg := bench.DefaultConfig()
	if *configFile != "" {
		loaded, err := bench.LoadConfig(*configFile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load configuration")
		}
		cfg = *loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		log.Fatal().Err(err).Msg("Invalid environment override")
	}
	applyFlags(&cfg, *producers, *interval, *flush, *duration, *driver, *dir, *metricsAddr)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 4. Optional metrics endpoint
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(cfg.Metrics.Addr, registry)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// 5. Run the benchmark
	result, err := bench.NewCoordinator(cfg, registry, log.Logger).Run(ctx)
	if errors.Is(err, bench.ErrDrainIncomplete) {
		log.Warn().Dur("grace", cfg.Grace).Msg("Exiting before the final commit completed")
		return
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Benchmark run failed")
	}

	report := result.Report
	fmt.Printf("Had %d entries in %d millisecs (expected ~%d, %d commits, store %s)\n",
		report.Inserted, report.Elapsed.Milliseconds(), result.Expected, report.Commits, result.StoreName)
}

func applyFlags(cfg *bench.Config, producers int, interval, flush, duration time.Duration, driver, dir, metricsAddr string) {
	if producers > 0 {
		cfg.Producers = producers
	}
	if interval > 0 {
		cfg.ProducerInterval = interval
	}
	if flush > 0 {
		cfg.FlushInterval = flush
	}
	if duration > 0 {
		cfg.Duration = duration
	}
	if driver != "" {
		cfg.Sink.Driver = driver
	}
	if dir != "" {
		cfg.Sink.Dir = dir
	}
	if metricsAddr != "" {
		cfg.Metrics.Addr = metricsAddr
	}
}

func serveMetrics(addr string, gatherer prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info().Str("addr", addr).Msg("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	return srv
}
