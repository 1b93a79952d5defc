package store

import (
	"compress/gzip"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var evalLogHeader = []string{"position", "score", "mate", "bestmove", "ponder", "pv", "multipv"}

// EvalData holds the engine's verdict for one position.
type EvalData struct {
	Position string // position key, e.g. "startpos moves 7g7f"
	Score    int    // centipawns, or ±30000 for mate
	Mate     bool
	BestMove string
	Ponder   string
	PV       string
	MultiPV  int // lines analysed
}

// EvalCache is an in-memory cache of position evaluations backed by an eval log.
type EvalCache struct {
	mu    sync.RWMutex
	evals map[string]EvalData
}

// NewEvalCache creates an empty eval cache.
func NewEvalCache() *EvalCache {
	return &EvalCache{
		evals: make(map[string]EvalData),
	}
}

// LoadFromFile loads evaluations from a CSV eval log (supports .zst and .gz
// compression). A missing file loads nothing.
func (c *EvalCache) LoadFromFile(path string) (int, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var reader io.Reader = f

	switch {
	case strings.HasSuffix(path, ".zst"):
		zr, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return 0, err
		}
		defer zr.Close()
		reader = zr
	case strings.HasSuffix(path, ".gz"):
		gr, err := gzip.NewReader(f)
		if err != nil {
			return 0, err
		}
		defer gr.Close()
		reader = gr
	}

	csvReader := csv.NewReader(reader)
	csvReader.FieldsPerRecord = -1

	// Skip header
	if _, err := csvReader.Read(); err != nil {
		if err == io.EOF {
			return 0, nil
		}
		return 0, err
	}

	count := 0
	for {
		row, err := csvReader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Truncated zstd frame: keep what we have
			if errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			continue
		}
		eval, ok := parseEvalRow(row)
		if !ok {
			continue
		}
		c.Put(eval)
		count++
	}

	return count, nil
}

func parseEvalRow(row []string) (EvalData, bool) {
	if len(row) < len(evalLogHeader) || row[0] == "" {
		return EvalData{}, false
	}
	score, err := strconv.Atoi(row[1])
	if err != nil {
		return EvalData{}, false
	}
	mate, _ := strconv.ParseBool(row[2])
	multiPV, _ := strconv.Atoi(row[6])
	return EvalData{
		Position: row[0],
		Score:    score,
		Mate:     mate,
		BestMove: row[3],
		Ponder:   row[4],
		PV:       row[5],
		MultiPV:  multiPV,
	}, true
}

// SaveToFile writes every evaluation to path, compressed according to its
// suffix. The file is replaced atomically.
func (c *EvalCache) SaveToFile(path string) (int, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	n, err := c.writeTo(tmp, path)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, err
	}
	return n, nil
}

func (c *EvalCache) writeTo(w io.Writer, path string) (int, error) {
	var closer io.Closer
	switch {
	case strings.HasSuffix(path, ".zst"):
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return 0, err
		}
		w, closer = zw, zw
	case strings.HasSuffix(path, ".gz"):
		gw := gzip.NewWriter(w)
		w, closer = gw, gw
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(evalLogHeader); err != nil {
		return 0, err
	}

	count := 0
	for _, key := range c.Keys() {
		eval, ok := c.Get(key)
		if !ok {
			continue
		}
		row := []string{
			eval.Position,
			strconv.Itoa(eval.Score),
			strconv.FormatBool(eval.Mate),
			eval.BestMove,
			eval.Ponder,
			eval.PV,
			strconv.Itoa(eval.MultiPV),
		}
		if err := cw.Write(row); err != nil {
			return 0, fmt.Errorf("write row: %w", err)
		}
		count++
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return 0, err
	}
	if closer != nil {
		if err := closer.Close(); err != nil {
			return 0, err
		}
	}
	return count, nil
}

// Get retrieves eval data for a position key.
func (c *EvalCache) Get(position string) (EvalData, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	eval, ok := c.evals[position]
	return eval, ok
}

// Put stores eval data under its position key.
func (c *EvalCache) Put(eval EvalData) {
	c.mu.Lock()
	c.evals[eval.Position] = eval
	c.mu.Unlock()
}

// Len returns the number of cached evaluations.
func (c *EvalCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.evals)
}

// Keys returns the cached position keys in sorted order.
func (c *EvalCache) Keys() []string {
	c.mu.RLock()
	keys := make([]string, 0, len(c.evals))
	for k := range c.evals {
		keys = append(keys, k)
	}
	c.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// EvalCacheStats holds statistics about the eval cache.
type EvalCacheStats struct {
	Total int `json:"total"`
	CP    int `json:"cp"`
	Mate  int `json:"mate"`
}

// Stats returns counts of centipawn and mate entries.
func (c *EvalCache) Stats() EvalCacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var stats EvalCacheStats
	stats.Total = len(c.evals)
	for _, eval := range c.evals {
		if eval.Mate {
			stats.Mate++
		} else {
			stats.CP++
		}
	}
	return stats
}
