package eval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/freeeve/usipv/internal/store"
	"github.com/freeeve/usipv/internal/usi"
)

var (
	// ErrPoolStopped is returned to callers still waiting when the pool shuts down.
	ErrPoolStopped = errors.New("eval: pool stopped")
	// ErrEvicted is returned when a queued position was dropped to make room.
	ErrEvicted = errors.New("eval: position evicted from full queue")
)

// pauseCheckInterval is how often a paused worker checks whether it was resumed.
var pauseCheckInterval = 100 * time.Millisecond

// PoolConfig configures the analysis pool.
type PoolConfig struct {
	EnginePath string
	EngineArgs []string
	Encoding   string       // engine text encoding, e.g. "shift_jis"
	Options    []usi.Option // applied to every engine, in order
	MultiPV    int          // variations per analysis
	Go         usi.GoParams // search limits per position (default byoyomi 1000)
	NumWorkers int          // parallel engines
	QueueSize  int          // pending positions before the oldest is dropped
	Restart    usi.RestartPolicy
	Logger     zerolog.Logger

	// NewClient builds the engine client for a worker. Nil spawns EnginePath.
	NewClient func(workerID int) (usi.Client, error)
}

// Analysis is the outcome of analysing one position.
type Analysis struct {
	Eval   store.EvalData
	Lines  []usi.Line // all variations; empty for cached results
	Cached bool
}

type outcome struct {
	analysis Analysis
	err      error
}

// Pool runs one USI session per worker against a shared job queue and
// records results in an eval cache.
type Pool struct {
	cfg   PoolConfig
	log   zerolog.Logger
	cache *store.EvalCache
	queue *JobQueue

	mu      sync.Mutex
	waiters map[string][]chan outcome

	// Worker control
	activeWorkers int32 // atomic: number of workers that should be active (0 = paused)
	maxWorkers    int32 // configured maximum workers
	busyWorkers   int32
	pending       int64 // queued or being evaluated

	// Stats
	evaluated int64
	failed    int64
	cacheHits int64
	restarts  int64
}

// NewPool creates a new analysis pool backed by cache.
func NewPool(cfg PoolConfig, cache *store.EvalCache) (*Pool, error) {
	if cfg.NewClient == nil {
		if cfg.EnginePath == "" {
			return nil, fmt.Errorf("engine path required")
		}
		cfg.NewClient = func(int) (usi.Client, error) {
			return usi.NewExecClient(usi.ExecConfig{
				Path:     cfg.EnginePath,
				Args:     cfg.EngineArgs,
				Encoding: cfg.Encoding,
				Logger:   cfg.Logger,
			})
		}
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}
	if cfg.MultiPV <= 0 {
		cfg.MultiPV = 1
	}
	if cfg.Go == (usi.GoParams{}) {
		cfg.Go = usi.GoParams{Byoyomi: usi.Int(1000)}
	}
	if cfg.Restart == nil {
		cfg.Restart = usi.LimitedRestart{Max: 3, Backoff: time.Second}
	}
	if cache == nil {
		cache = store.NewEvalCache()
	}

	return &Pool{
		cfg:           cfg,
		log:           cfg.Logger,
		cache:         cache,
		queue:         NewJobQueue(cfg.QueueSize),
		waiters:       make(map[string][]chan outcome),
		activeWorkers: int32(cfg.NumWorkers), // Start with all workers active
		maxWorkers:    int32(cfg.NumWorkers),
	}, nil
}

// EvalStatus represents the current status of the pool.
type EvalStatus struct {
	ActiveWorkers int   `json:"active_workers"`
	MaxWorkers    int   `json:"max_workers"`
	BusyWorkers   int   `json:"busy_workers"`
	QueueLen      int   `json:"queue_len"`
	Cached        int   `json:"cached"`
	Evaluated     int64 `json:"evaluated"`
	Failed        int64 `json:"failed"`
	CacheHits     int64 `json:"cache_hits"`
	Restarts      int64 `json:"restarts"`
}

// Status returns the current status of the pool.
func (p *Pool) Status() EvalStatus {
	return EvalStatus{
		ActiveWorkers: int(atomic.LoadInt32(&p.activeWorkers)),
		MaxWorkers:    int(p.maxWorkers),
		BusyWorkers:   int(atomic.LoadInt32(&p.busyWorkers)),
		QueueLen:      p.queue.Len(),
		Cached:        p.cache.Len(),
		Evaluated:     atomic.LoadInt64(&p.evaluated),
		Failed:        atomic.LoadInt64(&p.failed),
		CacheHits:     atomic.LoadInt64(&p.cacheHits),
		Restarts:      atomic.LoadInt64(&p.restarts),
	}
}

// SetActiveWorkers sets the number of active workers (0 = paused, max = all).
// Returns the new active count.
func (p *Pool) SetActiveWorkers(n int) int {
	if n < 0 {
		n = 0
	}
	if n > int(p.maxWorkers) {
		n = int(p.maxWorkers)
	}
	old := atomic.SwapInt32(&p.activeWorkers, int32(n))
	p.log.Info().Int("old", int(old)).Int("new", n).Msg("set active workers")
	return n
}

// Pause stops all workers after their current position.
func (p *Pool) Pause() {
	p.SetActiveWorkers(0)
}

// Resume restarts all workers.
func (p *Pool) Resume() {
	p.SetActiveWorkers(int(p.maxWorkers))
}

// Cache returns the eval cache the pool writes to.
func (p *Pool) Cache() *store.EvalCache {
	return p.cache
}

// Lookup returns the cached evaluation of pos, if any.
func (p *Pool) Lookup(pos usi.Position) (store.EvalData, bool) {
	return p.cache.Get(pos.Key())
}

// Enqueue schedules pos for background analysis.
// Returns true if the position was added (not cached and not a duplicate).
func (p *Pool) Enqueue(pos usi.Position) bool {
	if _, ok := p.cache.Get(pos.Key()); ok {
		return false
	}
	return p.enqueue(pos)
}

func (p *Pool) enqueue(pos usi.Position) bool {
	added, evicted := p.queue.Enqueue(pos)
	if added {
		atomic.AddInt64(&p.pending, 1)
	}
	if evicted != "" {
		atomic.AddInt64(&p.pending, -1)
		p.log.Warn().Str("position", evicted).Msg("queue full, dropped oldest position")
		p.finish(evicted, Analysis{}, ErrEvicted)
	}
	return added
}

// Analyze returns the evaluation of pos, from the cache or by queueing it
// and waiting for a worker.
func (p *Pool) Analyze(ctx context.Context, pos usi.Position) (Analysis, error) {
	key := pos.Key()

	// The cache check and waiter registration share p.mu with finish, so a
	// result cannot land between them unseen.
	p.mu.Lock()
	if eval, ok := p.cache.Get(key); ok {
		p.mu.Unlock()
		atomic.AddInt64(&p.cacheHits, 1)
		return Analysis{Eval: eval, Cached: true}, nil
	}
	ch := make(chan outcome, 1)
	p.waiters[key] = append(p.waiters[key], ch)
	p.mu.Unlock()

	p.enqueue(pos)

	select {
	case <-ctx.Done():
		p.dropWaiter(key, ch)
		return Analysis{}, ctx.Err()
	case o := <-ch:
		return o.analysis, o.err
	}
}

func (p *Pool) dropWaiter(key string, ch chan outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.waiters[key]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(p.waiters, key)
	} else {
		p.waiters[key] = list
	}
}

// finish hands a result to everyone waiting on key.
func (p *Pool) finish(key string, a Analysis, err error) {
	p.mu.Lock()
	list := p.waiters[key]
	delete(p.waiters, key)
	p.mu.Unlock()
	for _, ch := range list {
		ch <- outcome{analysis: a, err: err}
	}
}

// WaitIdle blocks until every queued position has been evaluated.
func (p *Pool) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if atomic.LoadInt64(&p.pending) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Run starts NumWorkers workers and blocks until ctx is cancelled or a
// worker cannot start its engine.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info().
		Str("engine", p.cfg.EnginePath).
		Int("multipv", p.cfg.MultiPV).
		Str("go", p.cfg.Go.Command()).
		Int("num_workers", p.cfg.NumWorkers).
		Int("queue_size", p.cfg.QueueSize).
		Msg("analysis pool started")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.NumWorkers; i++ {
		workerID := i
		g.Go(func() error {
			return p.runWorker(gctx, workerID)
		})
	}
	err := g.Wait()

	// Nobody is left to answer queued positions.
	for _, key := range p.queue.Clear() {
		atomic.AddInt64(&p.pending, -1)
		p.finish(key, Analysis{}, ErrPoolStopped)
	}
	p.mu.Lock()
	pending := make([]string, 0, len(p.waiters))
	for key := range p.waiters {
		pending = append(pending, key)
	}
	p.mu.Unlock()
	for _, key := range pending {
		p.finish(key, Analysis{}, ErrPoolStopped)
	}

	p.log.Info().
		Int64("total_evaluated", atomic.LoadInt64(&p.evaluated)).
		Int64("total_failed", atomic.LoadInt64(&p.failed)).
		Msg("analysis pool stopped")

	if err != nil {
		return err
	}
	return ctx.Err()
}
