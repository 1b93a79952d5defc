package eval

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/freeeve/usipv/internal/store"
	"github.com/freeeve/usipv/internal/usi"
)

// worker owns one engine session for the life of runWorker.
type worker struct {
	pool         *Pool
	id           int
	log          zerolog.Logger
	sess         *usi.Session
	seenRestarts int
}

// runWorker pulls positions from the queue until ctx is cancelled.
func (p *Pool) runWorker(ctx context.Context, workerID int) error {
	w := &worker{
		pool: p,
		id:   workerID,
		log:  p.log.With().Int("worker_id", workerID).Logger(),
	}
	if err := w.connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer func() {
		if w.sess != nil {
			_ = w.sess.Close()
		}
	}()

	w.log.Info().Str("session", w.sess.ID()).Msg("worker started")

	for {
		// Workers with ID >= activeWorkers sleep until activated
		for int32(workerID) >= atomic.LoadInt32(&p.activeWorkers) {
			select {
			case <-ctx.Done():
				w.log.Info().Msg("worker stopping (context cancelled while paused)")
				return nil
			case <-time.After(pauseCheckInterval):
			}
		}

		pos, err := p.queue.Next(ctx)
		if err != nil {
			w.log.Info().Msg("worker stopping (context cancelled)")
			return nil
		}
		err = w.handle(ctx, pos)
		atomic.AddInt64(&p.pending, -1)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (w *worker) connect(ctx context.Context) error {
	sess, err := w.pool.newSession(ctx, w.id, w.log)
	if err != nil {
		return fmt.Errorf("worker %d: %w", w.id, err)
	}
	w.sess = sess
	w.seenRestarts = 0
	return nil
}

// handle evaluates one dequeued position and answers its waiters. A non-nil
// error means a broken session could not be replaced.
func (w *worker) handle(ctx context.Context, pos usi.Position) error {
	p := w.pool
	key := pos.Key()

	// Might have been done by another worker
	if eval, ok := p.cache.Get(key); ok {
		p.finish(key, Analysis{Eval: eval, Cached: true}, nil)
		return nil
	}

	atomic.AddInt32(&p.busyWorkers, 1)
	start := time.Now()
	a, err := p.evaluatePosition(ctx, w.sess, pos)
	atomic.AddInt32(&p.busyWorkers, -1)

	if n := w.sess.Restarts(); n > w.seenRestarts {
		atomic.AddInt64(&p.restarts, int64(n-w.seenRestarts))
		w.seenRestarts = n
	}

	if err != nil {
		if ctx.Err() != nil {
			p.finish(key, Analysis{}, ErrPoolStopped)
			return nil
		}
		atomic.AddInt64(&p.failed, 1)
		w.log.Warn().Err(err).Str("position", key).Msg("eval failed")
		p.finish(key, Analysis{}, err)

		if w.sess.Err() == nil {
			return nil
		}
		w.log.Warn().Str("session", w.sess.ID()).Msg("replacing broken session")
		_ = w.sess.Close()
		w.sess = nil
		return w.connect(ctx)
	}

	p.cache.Put(a.Eval)
	atomic.AddInt64(&p.evaluated, 1)
	w.log.Debug().
		Str("position", key).
		Int("score", a.Eval.Score).
		Bool("mate", a.Eval.Mate).
		Str("bestmove", a.Eval.BestMove).
		Dur("took", time.Since(start)).
		Msg("evaluated")
	p.finish(key, a, nil)
	return nil
}

// newSession connects a fresh engine and applies the configured options.
func (p *Pool) newSession(ctx context.Context, workerID int, log zerolog.Logger) (*usi.Session, error) {
	client, err := p.cfg.NewClient(workerID)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	sess, err := usi.NewSession(ctx, usi.Config{
		Client:  client,
		MultiPV: p.cfg.MultiPV,
		Restart: p.cfg.Restart,
		Logger:  log,
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("start session: %w", err)
	}
	for _, opt := range p.cfg.Options {
		if err := sess.SetOption(ctx, opt.Name, opt.Value); err != nil {
			_ = sess.Close()
			return nil, fmt.Errorf("set option %s: %w", opt.Name, err)
		}
	}
	return sess, nil
}

// evaluatePosition analyses a single position and returns its rank-0 line
// as the cached verdict.
func (p *Pool) evaluatePosition(ctx context.Context, sess *usi.Session, pos usi.Position) (Analysis, error) {
	if err := sess.SetPosition(ctx, pos); err != nil {
		return Analysis{}, fmt.Errorf("set position: %w", err)
	}
	bm, err := sess.Go(ctx, p.cfg.Go)
	if err != nil {
		return Analysis{}, fmt.Errorf("go: %w", err)
	}

	lines := sess.Result()
	eval := store.EvalData{
		Position: pos.Key(),
		BestMove: bm.Move,
		Ponder:   bm.Ponder,
		MultiPV:  len(lines),
	}
	if len(lines) == 0 || !lines[0].Score.Valid {
		return Analysis{}, errors.New("engine reported no score")
	}
	best := lines[0]
	eval.Score = best.Score.Value
	eval.Mate = best.Score.Mate
	eval.PV = best.PV

	return Analysis{Eval: eval, Lines: lines}, nil
}
