package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/freeeve/usipv/internal/eval"
	"github.com/freeeve/usipv/internal/store"
	"github.com/freeeve/usipv/internal/usi"
)

// Analyzer is the part of the analysis pool the API needs.
type Analyzer interface {
	Analyze(ctx context.Context, pos usi.Position) (eval.Analysis, error)
	Lookup(pos usi.Position) (store.EvalData, bool)
	Enqueue(pos usi.Position) bool
	Status() eval.EvalStatus
	SetActiveWorkers(n int) int
	Cache() *store.EvalCache
}

var _ Analyzer = (*eval.Pool)(nil)

// Options configures the router.
type Options struct {
	AnalyzeTimeout time.Duration // per POST /v1/analyze request (default 60s)
	Pprof          bool          // mount /debug/pprof
}

// Handler serves evaluations from the analysis pool.
type Handler struct {
	pool Analyzer
	opts Options
	log  zerolog.Logger
}

// NewRouter creates a new HTTP router over pool.
func NewRouter(log zerolog.Logger, pool Analyzer, opts Options) http.Handler {
	if opts.AnalyzeTimeout <= 0 {
		opts.AnalyzeTimeout = 60 * time.Second
	}
	h := &Handler{
		pool: pool,
		opts: opts,
		log:  log,
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", http.HandlerFunc(h.health))
	mux.Handle("/readyz", http.HandlerFunc(h.health))
	mux.Handle("/v1/eval", http.HandlerFunc(h.evalLookup))
	mux.Handle("/v1/analyze", http.HandlerFunc(h.analyze))
	mux.Handle("/v1/stats", http.HandlerFunc(h.stats))
	mux.Handle("/v1/eval/status", http.HandlerFunc(h.evalStatus))
	mux.Handle("/v1/eval/workers", http.HandlerFunc(h.evalWorkers))

	if opts.Pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	handler := CORS(RequestID(AccessLog(log, mux)))
	return handler
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pool.Cache().Stats())
}

// evalLookup returns the cached evaluation of ?sfen=&moves=. A miss queues
// the position for background analysis and answers 404.
func (h *Handler) evalLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	pos, err := positionFromQuery(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if e, ok := h.pool.Lookup(pos); ok {
		writeJSON(w, http.StatusOK, ToEvalResponse(e, true))
		return
	}

	queued := h.pool.Enqueue(pos)
	writeJSON(w, http.StatusNotFound, map[string]any{
		"position": pos.Key(),
		"queued":   queued,
	})
}

// analyze evaluates the position in the JSON body, waiting for a worker.
func (h *Handler) analyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var pos usi.Position
	if err := json.NewDecoder(r.Body).Decode(&pos); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := validatePosition(pos); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.AnalyzeTimeout)
	defer cancel()

	a, err := h.pool.Analyze(ctx, pos)
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			status = http.StatusGatewayTimeout
		case errors.Is(err, eval.ErrPoolStopped), errors.Is(err, eval.ErrEvicted):
			status = http.StatusServiceUnavailable
		}
		h.log.Warn().Err(err).Str("rid", GetRequestID(r.Context())).Str("position", pos.Key()).Msg("analyze failed")
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, ToAnalysisResponse(a))
}

func (h *Handler) evalStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pool.Status())
}

// evalWorkers sets the number of active eval workers
// GET: returns current count
// POST: sets count from ?workers=N query param or JSON body {"workers": N}
func (h *Handler) evalWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		status := h.pool.Status()
		writeJSON(w, http.StatusOK, map[string]any{
			"active_workers": status.ActiveWorkers,
			"max_workers":    status.MaxWorkers,
		})
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Parse worker count from query param or JSON body
	var workers int
	if wParam := r.URL.Query().Get("workers"); wParam != "" {
		n, err := strconv.Atoi(wParam)
		if err != nil {
			http.Error(w, "invalid workers param", http.StatusBadRequest)
			return
		}
		workers = n
	} else {
		var body struct {
			Workers int `json:"workers"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		workers = body.Workers
	}

	newCount := h.pool.SetActiveWorkers(workers)
	h.log.Info().Int("workers", newCount).Msg("eval workers updated via API")

	writeJSON(w, http.StatusOK, map[string]any{
		"active_workers": newCount,
		"max_workers":    h.pool.Status().MaxWorkers,
	})
}

// positionFromQuery reads ?sfen= (absent means startpos) and ?moves=, a
// space or comma separated move list.
func positionFromQuery(q url.Values) (usi.Position, error) {
	moves := strings.FieldsFunc(q.Get("moves"), func(r rune) bool {
		return r == ',' || r == ' '
	})
	pos := usi.StartPosition(moves...)
	if sfen := strings.TrimSpace(q.Get("sfen")); sfen != "" && sfen != "startpos" {
		pos = usi.SFENPosition(sfen, moves...)
	}
	return pos, validatePosition(pos)
}

// validatePosition rejects input that would smuggle extra protocol lines
// or tokens into the position command.
func validatePosition(pos usi.Position) error {
	if strings.ContainsAny(pos.SFEN, "\r\n") {
		return fmt.Errorf("invalid sfen")
	}
	for _, mv := range pos.Moves {
		if mv == "" || strings.ContainsAny(mv, " \t\r\n") {
			return fmt.Errorf("invalid move %q", mv)
		}
	}
	return nil
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
