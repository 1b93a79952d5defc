package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/freeeve/usipv/internal/eval"
	"github.com/freeeve/usipv/internal/httpapi"
	"github.com/freeeve/usipv/internal/ingest"
	"github.com/freeeve/usipv/internal/logx"
	"github.com/freeeve/usipv/internal/store"
	"github.com/freeeve/usipv/internal/usi"
)

func main() {
	var options usi.OptionFlag

	var (
		// Data
		evalLog      = flag.String("eval-log", "./data/evals.csv.zst", "eval log loaded on start and saved on shutdown (.csv, .csv.gz, .csv.zst)")
		saveInterval = flag.Duration("save-interval", 10*time.Minute, "periodic eval log save (0 = only on shutdown)")

		// Server
		addr           = flag.String("addr", ":8007", "listen address")
		analyzeTimeout = flag.Duration("analyze-timeout", 60*time.Second, "max wait per POST /v1/analyze")
		pprof          = flag.Bool("pprof", false, "mount /debug/pprof")

		// Engine
		enginePath = flag.String("engine", "", "path to USI engine executable (env USI_ENGINE_PATH)")
		encoding   = flag.String("encoding", "", "engine text encoding (shift_jis, euc_jp; empty = UTF-8)")

		// Eval settings
		evalWorkers = flag.Int("eval-workers", 1, "number of engines to run")
		multiPV     = flag.Int("multipv", 1, "variations per analysis")
		byoyomi     = flag.Int("byoyomi", 1000, "byoyomi in ms per position")
		nodes       = flag.Int("nodes", 0, "node limit per position (0 = none)")
		queueSize   = flag.Int("queue-size", 10000, "pending positions before the oldest is dropped")
		maxRestarts = flag.Int("max-restarts", 3, "engine restarts allowed per command")
		backoff     = flag.Duration("restart-backoff", time.Second, "delay before restart n is n times this")

		// Ingest settings
		ingestDir = flag.String("ingest-dir", "", "directory to watch for position files (empty = disabled)")

		logLevel = flag.String("log-level", "info", "log level")
	)
	flag.Var(&options, "option", "engine option name=value (repeatable)")
	flag.Parse()

	if envPath := os.Getenv("USI_ENGINE_PATH"); envPath != "" && *enginePath == "" {
		*enginePath = envPath
	}

	logger := logx.NewLogger(os.Stderr, logx.ParseLevel(*logLevel))

	cache := store.NewEvalCache()
	n, err := cache.LoadFromFile(*evalLog)
	if err != nil {
		logger.Fatal().Err(err).Str("path", *evalLog).Msg("load eval log")
	}
	logger.Info().Str("path", *evalLog).Int("evals", n).Msg("eval log loaded")

	params := usi.GoParams{Byoyomi: usi.Int(*byoyomi)}
	if *nodes > 0 {
		params.Nodes = usi.Int(*nodes)
	}

	pool, err := eval.NewPool(eval.PoolConfig{
		EnginePath: *enginePath,
		Encoding:   *encoding,
		Options:    options,
		MultiPV:    *multiPV,
		Go:         params,
		NumWorkers: *evalWorkers,
		QueueSize:  *queueSize,
		Restart:    usi.LimitedRestart{Max: *maxRestarts, Backoff: *backoff},
		Logger:     logger.With().Str("component", "eval-pool").Logger(),
	}, cache)
	if err != nil {
		logger.Fatal().Err(err).Msg("create eval pool")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start HTTP server
	srv := &http.Server{
		Addr: *addr,
		Handler: httpapi.NewRouter(logger, pool, httpapi.Options{
			AnalyzeTimeout: *analyzeTimeout,
			Pprof:          *pprof,
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: *analyzeTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("api listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("api server")
		}
	}()

	// Start eval pool; a worker that cannot start its engine stops the service
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		if err := pool.Run(ctx); err != nil && err != context.Canceled {
			logger.Error().Err(err).Msg("eval pool stopped")
			stop()
		}
	}()
	logger.Info().Int("workers", *evalWorkers).Msg("started eval pool")

	// Start ingest worker if configured
	worker, err := ingest.NewWorker(ingest.Config{
		WatchDir: *ingestDir,
		Logger:   logger.With().Str("component", "ingest").Logger(),
	}, pool)
	if err != nil {
		logger.Fatal().Err(err).Msg("create ingest worker")
	}
	if worker != nil {
		go func() {
			if err := worker.Run(ctx); err != nil && err != context.Canceled {
				logger.Error().Err(err).Msg("ingest worker stopped")
			}
		}()
		logger.Info().Str("watch_dir", *ingestDir).Msg("started ingest worker")
	}

	if *saveInterval > 0 {
		go func() {
			ticker := time.NewTicker(*saveInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					saveEvals(logger, cache, *evalLog)
				}
			}
		}()
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Shutdown HTTP server first
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http server shutdown error")
	}

	select {
	case <-poolDone:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("eval pool did not stop in time")
	}

	saveEvals(logger, cache, *evalLog)
	logger.Info().Msg("shutdown complete")
}
