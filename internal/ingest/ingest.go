package ingest

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/freeeve/usipv/internal/usi"
)

// Enqueuer accepts positions for background analysis.
type Enqueuer interface {
	Enqueue(pos usi.Position) bool
}

// Config configures the ingest worker.
type Config struct {
	WatchDir     string         // Directory to watch for position files
	ProcessedDir string         // Directory to move processed files to
	NumWorkers   int            // Files read in parallel (default 2)
	PollInterval time.Duration  // How often to check for new files
	Logger       zerolog.Logger // Logger
}

// Worker watches a folder for position files (one position per line, as
// "startpos moves ..." or "sfen ... moves ...", optionally prefixed with
// "position") and queues every position for analysis.
type Worker struct {
	cfg  Config
	dest Enqueuer
	log  zerolog.Logger
}

// FileStats counts what one file contributed.
type FileStats struct {
	Lines   int64
	Queued  int64
	Skipped int64 // duplicates, already cached, or unparseable
}

// NewWorker creates a new ingest worker. It returns nil when WatchDir is empty.
func NewWorker(cfg Config, dest Enqueuer) (*Worker, error) {
	if cfg.WatchDir == "" {
		return nil, nil // Disabled
	}
	if cfg.ProcessedDir == "" {
		cfg.ProcessedDir = filepath.Join(cfg.WatchDir, "processed")
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 2
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Second
	}

	// Ensure directories exist
	if err := os.MkdirAll(cfg.WatchDir, 0755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.ProcessedDir, 0755); err != nil {
		return nil, err
	}

	return &Worker{
		cfg:  cfg,
		dest: dest,
		log:  cfg.Logger,
	}, nil
}

// Run starts the folder watcher.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info().
		Str("watch_dir", w.cfg.WatchDir).
		Str("processed_dir", w.cfg.ProcessedDir).
		Msg("ingest worker started")

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.ProcessNewFiles(ctx); err != nil {
				w.log.Warn().Err(err).Msg("process files failed")
			}
		}
	}
}

// ProcessNewFiles ingests every position file currently in the watch
// directory, NumWorkers at a time, and moves each finished file to the
// processed directory. It returns the number of files processed.
func (w *Worker) ProcessNewFiles(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	entries, err := os.ReadDir(w.cfg.WatchDir)
	if err != nil {
		return 0, err
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if isPositionFile(e.Name()) {
			files = append(files, e.Name())
		}
	}
	if len(files) == 0 {
		return 0, nil
	}

	// Sort by name to process in order
	sort.Strings(files)
	w.log.Info().Int("files", len(files)).Int("workers", w.cfg.NumWorkers).Msg("found position files")

	var processed, failed int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.NumWorkers)
	for _, name := range files {
		name := name
		g.Go(func() error {
			path := filepath.Join(w.cfg.WatchDir, name)
			if _, err := w.processFile(gctx, path); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				w.log.Error().Err(err).Str("file", name).Msg("ingest failed")
				atomic.AddInt64(&failed, 1)
				return nil
			}

			// Move to processed folder
			destPath := filepath.Join(w.cfg.ProcessedDir, name)
			if err := os.Rename(path, destPath); err != nil {
				w.log.Warn().Err(err).Str("file", name).Msg("move to processed failed")
			}
			atomic.AddInt64(&processed, 1)
			return nil
		})
	}
	err = g.Wait()

	w.log.Info().Int64("processed", processed).Int64("failed", failed).Msg("batch complete")
	return int(processed), err
}

// processFile queues every position in one file.
func (w *Worker) processFile(ctx context.Context, path string) (FileStats, error) {
	start := time.Now()
	var stats FileStats

	f, err := os.Open(path)
	if err != nil {
		return stats, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		zr, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return stats, err
		}
		defer zr.Close()
		r = zr
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		stats.Lines++
		pos, err := usi.ParsePosition(line)
		if err != nil {
			w.log.Debug().Err(err).Str("file", filepath.Base(path)).Int64("line", stats.Lines).Msg("skipping line")
			stats.Skipped++
			continue
		}
		if w.dest.Enqueue(pos) {
			stats.Queued++
		} else {
			stats.Skipped++
		}
	}
	if err := sc.Err(); err != nil {
		return stats, err
	}

	w.log.Info().
		Str("file", filepath.Base(path)).
		Int64("lines", stats.Lines).
		Int64("queued", stats.Queued).
		Int64("skipped", stats.Skipped).
		Dur("elapsed", time.Since(start)).
		Msg("file ingest complete")
	return stats, nil
}

func isPositionFile(name string) bool {
	name = strings.TrimSuffix(name, ".zst")
	switch filepath.Ext(name) {
	case ".usi", ".sfen", ".txt":
		return true
	}
	return false
}
