package main

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/freeeve/usipv/internal/store"
)

func saveEvals(logger zerolog.Logger, cache *store.EvalCache, path string) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		logger.Error().Err(err).Str("path", path).Msg("create eval log dir")
		return
	}
	n, err := cache.SaveToFile(path)
	if err != nil {
		logger.Error().Err(err).Str("path", path).Msg("save eval log")
		return
	}
	stats := cache.Stats()
	logger.Info().
		Str("path", path).
		Int("evals", n).
		Int("mate", stats.Mate).
		Msg("eval log saved")
}
