package eval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/freeeve/usipv/internal/store"
	"github.com/freeeve/usipv/internal/usi"
)

// fakeEngine is an in-memory USI engine that is both the client and its
// process. It scores a position by its move count; positions containing
// "bad" produce a multipv outside the table, "mated" a mate score and
// "winning" a centipawn score equal to MateScore.
type fakeEngine struct {
	mu       sync.Mutex
	cond     *sync.Cond
	alive    bool
	queue    []string
	position string
	options  []string
	closed   bool
}

func newFakeEngine() *fakeEngine {
	e := &fakeEngine{}
	e.cond = sync.NewCond(&e.mu)
	return e
}

func (e *fakeEngine) Connect(context.Context, usi.Observer) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.alive = true
	e.queue = nil
	return nil
}

func (e *fakeEngine) SetOption(name, value string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.options = append(e.options, name+"="+value)
	return nil
}

func (e *fakeEngine) AwaitReady(context.Context, usi.Observer) error { return nil }

func (e *fakeEngine) SetPosition(pos usi.Position) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.position = pos.Key()
	return nil
}

func (e *fakeEngine) NewGame() error { return nil }

func (e *fakeEngine) Proc() usi.Proc {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.alive {
		return nil
	}
	return e
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.alive = false
	e.cond.Broadcast()
	return nil
}

func (e *fakeEngine) Alive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.alive
}

func (e *fakeEngine) WriteLine(line string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case strings.HasPrefix(line, "go"):
		if strings.Contains(e.position, "bad") {
			e.queue = append(e.queue, "info multipv 7 score cp 1 pv 1a1b", "bestmove 1a1b")
			break
		}
		if strings.Contains(e.position, "mated") {
			e.queue = append(e.queue, "info depth 3 score mate -2 pv 5a4b 5b4a", "bestmove 5a4b")
			break
		}
		if strings.Contains(e.position, "winning") {
			e.queue = append(e.queue, "info depth 30 score cp 30000 pv 2h2c+", "bestmove 2h2c+")
			break
		}
		score := 10 * len(strings.Fields(e.position))
		e.queue = append(e.queue,
			fmt.Sprintf("info depth 12 score cp %d pv 7g7f 3c3d", score),
			"bestmove 7g7f ponder 3c3d")
	case line == "stop":
		e.queue = append(e.queue, "bestmove resign")
	}
	e.cond.Broadcast()
	return nil
}

func (e *fakeEngine) ReadLine() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for len(e.queue) == 0 && e.alive {
		e.cond.Wait()
	}
	if len(e.queue) == 0 {
		return "", io.EOF
	}
	line := e.queue[0]
	e.queue = e.queue[1:]
	return line, nil
}

type engineFactory struct {
	mu      sync.Mutex
	engines []*fakeEngine
}

func (f *engineFactory) newClient(int) (usi.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := newFakeEngine()
	f.engines = append(f.engines, e)
	return e, nil
}

func (f *engineFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.engines)
}

func startPool(t *testing.T, cfg PoolConfig) (*Pool, *engineFactory) {
	t.Helper()
	f := &engineFactory{}
	cfg.NewClient = f.newClient
	cfg.Logger = zerolog.Nop()
	p, err := NewPool(cfg, nil)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("pool did not stop")
		}
	})
	return p, f
}

func analyze(t *testing.T, p *Pool, pos usi.Position) (Analysis, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.Analyze(ctx, pos)
}

func TestPoolAnalyze(t *testing.T) {
	p, f := startPool(t, PoolConfig{
		Options: []usi.Option{{Name: "USI_Hash", Value: "64"}},
	})

	a, err := analyze(t, p, usi.StartPosition("7g7f"))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	want := store.EvalData{
		Position: "startpos moves 7g7f",
		Score:    30,
		BestMove: "7g7f",
		Ponder:   "3c3d",
		PV:       "7g7f 3c3d",
		MultiPV:  1,
	}
	if a.Eval != want || a.Cached {
		t.Errorf("Analyze = %+v, want %+v", a, want)
	}
	if len(a.Lines) != 1 || a.Lines[0].PV != "7g7f 3c3d" {
		t.Errorf("Lines = %+v", a.Lines)
	}

	a, err = analyze(t, p, usi.StartPosition("7g7f"))
	if err != nil || !a.Cached || a.Eval != want {
		t.Errorf("second Analyze = %+v, %v; want cached", a, err)
	}

	st := p.Status()
	if st.Evaluated != 1 || st.CacheHits != 1 || st.Cached != 1 {
		t.Errorf("Status = %+v", st)
	}
	f.mu.Lock()
	opts := f.engines[0].options
	f.mu.Unlock()
	if len(opts) != 1 || opts[0] != "USI_Hash=64" {
		t.Errorf("engine options = %q", opts)
	}
}

func TestPoolConcurrentAnalyzeSamePosition(t *testing.T) {
	p, _ := startPool(t, PoolConfig{NumWorkers: 1})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := analyze(t, p, usi.SFENPosition("9/9/9/9/4k4/9/9/9/4K4 b - 1"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Analyze: %v", err)
		}
	}
	if n := p.Status().Evaluated; n != 1 {
		t.Errorf("Evaluated = %d, want 1", n)
	}
}

func TestPoolReplacesBrokenSession(t *testing.T) {
	p, f := startPool(t, PoolConfig{})

	_, err := analyze(t, p, usi.StartPosition("bad"))
	if !errors.Is(err, usi.ErrProtocol) {
		t.Fatalf("Analyze(bad) err = %v, want ErrProtocol", err)
	}
	if _, err := analyze(t, p, usi.StartPosition("2g2f")); err != nil {
		t.Fatalf("Analyze after protocol error: %v", err)
	}
	if n := f.count(); n != 2 {
		t.Errorf("engines started = %d, want 2", n)
	}
	if st := p.Status(); st.Failed != 1 || st.Evaluated != 1 {
		t.Errorf("Status = %+v", st)
	}
}

func TestPoolPauseResume(t *testing.T) {
	f := &engineFactory{}
	p, err := NewPool(PoolConfig{NewClient: f.newClient, Logger: zerolog.Nop()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	p.Pause()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer waitCancel()
	_, err = p.Analyze(waitCtx, usi.StartPosition("1g1f"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Analyze while paused err = %v, want deadline exceeded", err)
	}
	if st := p.Status(); st.ActiveWorkers != 0 || st.QueueLen != 1 {
		t.Errorf("Status while paused = %+v", st)
	}

	p.Resume()
	if _, err := analyze(t, p, usi.StartPosition("1g1f")); err != nil {
		t.Fatalf("Analyze after resume: %v", err)
	}
}

func TestPoolRunStopReleasesWaiters(t *testing.T) {
	f := &engineFactory{}
	p, err := NewPool(PoolConfig{NewClient: f.newClient, Logger: zerolog.Nop()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	p.Pause()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	res := make(chan error, 1)
	go func() {
		_, err := p.Analyze(context.Background(), usi.StartPosition("5g5f"))
		res <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run err = %v, want context.Canceled", err)
	}
	select {
	case err := <-res:
		if !errors.Is(err, ErrPoolStopped) {
			t.Errorf("Analyze err = %v, want ErrPoolStopped", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter not released")
	}
}

func TestPoolEnqueue(t *testing.T) {
	cache := store.NewEvalCache()
	cache.Put(store.EvalData{Position: "startpos", Score: 5})
	p, err := NewPool(PoolConfig{EnginePath: "unused"}, cache)
	if err != nil {
		t.Fatal(err)
	}
	if p.Enqueue(usi.StartPosition()) {
		t.Error("cached position enqueued")
	}
	if !p.Enqueue(usi.StartPosition("7g7f")) || p.Enqueue(usi.StartPosition("7g7f")) {
		t.Error("dedup broken")
	}
	if got, ok := p.Lookup(usi.StartPosition()); !ok || got.Score != 5 {
		t.Errorf("Lookup = %+v, %v", got, ok)
	}
}

func TestNewPoolRequiresEngine(t *testing.T) {
	if _, err := NewPool(PoolConfig{}, nil); err == nil {
		t.Error("pool without engine accepted")
	}
}

func TestSetActiveWorkersClamps(t *testing.T) {
	p, err := NewPool(PoolConfig{EnginePath: "unused", NumWorkers: 3, Logger: zerolog.Nop()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n := p.SetActiveWorkers(10); n != 3 {
		t.Errorf("SetActiveWorkers(10) = %d, want 3", n)
	}
	if n := p.SetActiveWorkers(-1); n != 0 {
		t.Errorf("SetActiveWorkers(-1) = %d, want 0", n)
	}
}

func TestPoolWaitIdle(t *testing.T) {
	p, _ := startPool(t, PoolConfig{NumWorkers: 2})
	for _, mv := range []string{"1g1f", "2g2f", "3g3f", "4g4f"} {
		if !p.Enqueue(usi.StartPosition(mv)) {
			t.Fatalf("Enqueue(%s) rejected", mv)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
	if st := p.Status(); st.Evaluated != 4 || st.Cached != 4 || st.QueueLen != 0 {
		t.Errorf("Status = %+v", st)
	}
}

func TestPoolMateComesFromMateScore(t *testing.T) {
	p, _ := startPool(t, PoolConfig{})

	a, err := analyze(t, p, usi.StartPosition("mated"))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !a.Eval.Mate || a.Eval.Score != -usi.MateScore {
		t.Errorf("mate eval = %+v", a.Eval)
	}

	a, err = analyze(t, p, usi.StartPosition("winning"))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if a.Eval.Mate || a.Eval.Score != usi.MateScore {
		t.Errorf("cp 30000 eval = %+v, want a non-mate score", a.Eval)
	}
}
