package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/freeeve/usipv/internal/eval"
	"github.com/freeeve/usipv/internal/ingest"
	"github.com/freeeve/usipv/internal/logx"
	"github.com/freeeve/usipv/internal/store"
	"github.com/freeeve/usipv/internal/usi"
)

// ingest analyses every position in the files of -dir once, writes the eval
// log and exits.
func main() {
	var options usi.OptionFlag

	var (
		evalLog    = flag.String("eval-log", "./data/evals.csv.zst", "eval log to extend")
		inputDir   = flag.String("dir", "", "directory of position files (.usi, .sfen, .txt, optionally .zst)")
		enginePath = flag.String("engine", os.Getenv("USI_ENGINE_PATH"), "path to USI engine executable (env USI_ENGINE_PATH)")
		encoding   = flag.String("encoding", "", "engine text encoding")
		workers    = flag.Int("eval-workers", 1, "number of engines to run")
		multiPV    = flag.Int("multipv", 1, "variations per analysis")
		byoyomi    = flag.Int("byoyomi", 1000, "byoyomi in ms per position")
		maxRestart = flag.Int("max-restarts", 3, "engine restarts allowed per command")
		logLevel   = flag.String("log-level", "info", "log level")
	)
	flag.Var(&options, "option", "engine option name=value (repeatable)")
	flag.Parse()

	if *inputDir == "" {
		fmt.Fprintln(os.Stderr, "Usage: ingest -dir <positions dir> -engine <path> [options]")
		flag.PrintDefaults()
		os.Exit(1)
	}

	logger := logx.NewLogger(os.Stderr, logx.ParseLevel(*logLevel))
	logger.Info().
		Str("dir", *inputDir).
		Str("eval_log", *evalLog).
		Msg("starting ingest")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cache := store.NewEvalCache()
	if _, err := cache.LoadFromFile(*evalLog); err != nil {
		logger.Fatal().Err(err).Msg("load eval log")
	}

	pool, err := eval.NewPool(eval.PoolConfig{
		EnginePath: *enginePath,
		Encoding:   *encoding,
		Options:    options,
		MultiPV:    *multiPV,
		Go:         usi.GoParams{Byoyomi: usi.Int(*byoyomi)},
		NumWorkers: *workers,
		Restart:    usi.LimitedRestart{Max: *maxRestart, Backoff: time.Second},
		Logger:     logger.With().Str("component", "eval-pool").Logger(),
	}, cache)
	if err != nil {
		logger.Fatal().Err(err).Msg("create eval pool")
	}

	poolCtx, stopPool := context.WithCancel(ctx)
	poolErr := make(chan error, 1)
	go func() { poolErr <- pool.Run(poolCtx) }()

	worker, err := ingest.NewWorker(ingest.Config{
		WatchDir: *inputDir,
		Logger:   logger.With().Str("component", "ingest").Logger(),
	}, pool)
	if err != nil {
		logger.Fatal().Err(err).Msg("create ingest worker")
	}

	startTime := time.Now()
	files, err := worker.ProcessNewFiles(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("read position files")
	}

	// Wait for the queue to drain unless interrupted or the pool dies
	idle := make(chan error, 1)
	go func() { idle <- pool.WaitIdle(ctx) }()
	select {
	case err := <-idle:
		if err != nil {
			logger.Warn().Err(err).Msg("interrupted, saving partial results")
		}
	case err := <-poolErr:
		logger.Error().Err(err).Msg("eval pool stopped")
	}
	stopPool()

	n, err := cache.SaveToFile(*evalLog)
	if err != nil {
		logger.Fatal().Err(err).Msg("save eval log")
	}

	status := pool.Status()
	logger.Info().
		Int("files", files).
		Int64("evaluated", status.Evaluated).
		Int64("failed", status.Failed).
		Int64("restarts", status.Restarts).
		Int("evals", n).
		Dur("elapsed", time.Since(startTime)).
		Msg("ingest complete")
}
