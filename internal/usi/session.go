package usi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config configures a Session.
type Config struct {
	Client   Client
	MultiPV  int           // >1 enables multi-PV tracking at start
	Observer Observer      // optional, sees every raw line
	Restart  RestartPolicy // nil means UnboundedRestart
	Logger   zerolog.Logger
	ID       string // empty generates one
}

// Session owns one conversation with a USI engine: the result table of the
// current analysis, the options and position needed to rebuild a crashed
// engine, and the go/stop read loop.
//
// Commands are serialized; Result may be called concurrently with a running
// Go and observes a partially updated table.
type Session struct {
	id       string
	client   Client
	observer Observer
	policy   RestartPolicy
	log      zerolog.Logger

	cmdMu sync.Mutex
	state state

	// consecutive restarts within the current command
	restarts      int
	totalRestarts int
	broken        error

	tableMu sync.RWMutex
	table   *ResultTable
}

// NewSession connects the engine, enables multi-PV if configured and waits
// for it to become ready.
func NewSession(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("usi: client required")
	}
	if cfg.Restart == nil {
		cfg.Restart = UnboundedRestart{}
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}

	s := &Session{
		id:       cfg.ID,
		client:   cfg.Client,
		observer: cfg.Observer,
		policy:   cfg.Restart,
		log:      cfg.Logger.With().Str("session", cfg.ID).Logger(),
		table:    NewResultTable(1),
	}

	if err := s.client.Connect(ctx, s.observer); err != nil {
		return nil, err
	}
	if cfg.MultiPV > 1 {
		if err := s.setOption("MultiPV", strconv.Itoa(cfg.MultiPV)); err != nil {
			return nil, err
		}
	}
	if err := s.client.AwaitReady(ctx, s.observer); err != nil {
		return nil, err
	}
	return s, nil
}

// ID returns the session identifier used in log context.
func (s *Session) ID() string { return s.id }

// Restarts returns how many times the engine has been restarted.
func (s *Session) Restarts() int {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	return s.totalRestarts
}

// Err reports why the session can no longer be used, or nil.
func (s *Session) Err() error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	if s.broken != nil {
		return fmt.Errorf("%w: %w", ErrSessionBroken, s.broken)
	}
	return nil
}

// RankCount returns the number of tracked variations.
func (s *Session) RankCount() int {
	s.tableMu.RLock()
	defer s.tableMu.RUnlock()
	return s.table.RankCount()
}

// Result returns a copy of the result table.
func (s *Session) Result() []Line {
	s.tableMu.RLock()
	defer s.tableMu.RUnlock()
	return s.table.Snapshot()
}

// Options returns the saved options in replay order.
func (s *Session) Options() []Option {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	return s.state.options.All()
}

// SetOption saves name=value for replay and sends it to the engine. Setting
// "multipv" (any case) to more than 1 resizes and clears the result table.
func (s *Session) SetOption(ctx context.Context, name, value string) error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	if err := s.begin(); err != nil {
		return err
	}
	if _, err := s.revive(ctx); err != nil {
		return err
	}
	return s.setOption(name, value)
}

func (s *Session) setOption(name, value string) error {
	s.state.options.Set(name, value)
	if err := s.client.SetOption(name, value); err != nil {
		return err
	}
	if strings.ToLower(strings.TrimSpace(name)) == "multipv" {
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && n > 1 {
			s.log.Debug().Int("multipv", n).Msg("multi-PV enabled")
			s.tableMu.Lock()
			s.table.Reset(n)
			s.tableMu.Unlock()
		}
	}
	return nil
}

// SetPosition records pos and sends it. If the engine is found dead it is
// restarted instead; the restart itself applies the recorded position.
func (s *Session) SetPosition(ctx context.Context, pos Position) error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	if err := s.begin(); err != nil {
		return err
	}
	s.state.position = pos.clone()
	s.state.hasPosition = true

	restarted, err := s.revive(ctx)
	if err != nil {
		return err
	}
	if restarted {
		return nil
	}
	s.observe(pos.Command())
	return s.client.SetPosition(pos)
}

// NewGame tells the engine a new game starts.
func (s *Session) NewGame(ctx context.Context) error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	if err := s.begin(); err != nil {
		return err
	}
	if _, err := s.revive(ctx); err != nil {
		return err
	}
	return s.client.NewGame()
}

// Go clears the result table, starts an analysis and blocks until the
// engine's bestmove. If the engine dies meanwhile it is restarted and the
// same go command is sent again.
//
// Cancelling ctx sends stop; the decision that follows is returned together
// with ctx's error.
func (s *Session) Go(ctx context.Context, params GoParams) (BestMove, error) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	if err := s.begin(); err != nil {
		return BestMove{}, err
	}
	s.tableMu.Lock()
	s.table.Clear()
	s.tableMu.Unlock()
	return s.run(ctx, params.Command(), true)
}

// Stop halts the running analysis and returns its decision. Unlike Go, the
// table is kept, and an engine death while waiting fails the call with
// ErrProcessDied instead of resending.
func (s *Session) Stop(ctx context.Context) (BestMove, error) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	if err := s.begin(); err != nil {
		return BestMove{}, err
	}
	return s.run(ctx, "stop", false)
}

// Close quits the engine.
func (s *Session) Close() error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	return s.client.Close()
}

// begin starts a new command: the consecutive restart count is per command.
func (s *Session) begin() error {
	s.restarts = 0
	if s.broken != nil {
		return fmt.Errorf("%w: %w", ErrSessionBroken, s.broken)
	}
	return nil
}

// fail marks the session unusable after an error that leaves the engine
// conversation in an unknown state.
func (s *Session) fail(err error) (BestMove, error) {
	s.broken = err
	s.log.Error().Err(err).Msg("session broken")
	return BestMove{}, err
}

func (s *Session) observe(line string) {
	if s.observer != nil {
		s.observer(line)
	}
}

// revive restarts the engine until it is alive, the policy gives up or ctx
// ends. It reports whether any restart happened.
func (s *Session) revive(ctx context.Context) (bool, error) {
	restarted := false
	for {
		if p := s.client.Proc(); p != nil && p.Alive() {
			return restarted, nil
		}
		if err := ctx.Err(); err != nil {
			return restarted, err
		}
		restarted = true
		s.log.Warn().Int("attempt", s.restarts+1).Msg("engine process died, restarting")
		err := s.recover(ctx)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrRestartLimit) || ctx.Err() != nil {
			return true, err
		}
		if p := s.client.Proc(); p != nil && p.Alive() {
			return true, err
		}
		s.log.Warn().Err(err).Msg("restart failed")
	}
}

// send observes and writes one command line to p. A write to a process that
// has just died is not an error here; the read loop notices the death.
func (s *Session) send(p Proc, line string) error {
	s.observe(line)
	if err := p.WriteLine(line); err != nil && p.Alive() {
		return err
	}
	return nil
}

// run is the read loop shared by go and stop.
func (s *Session) run(ctx context.Context, cmd string, resend bool) (BestMove, error) {
	if _, err := s.revive(ctx); err != nil {
		return BestMove{}, err
	}
	p := s.client.Proc()
	if err := s.send(p, cmd); err != nil {
		return BestMove{}, err
	}
	unwatch := watchCancel(ctx, p)
	defer func() { unwatch() }()

	for {
		if !p.Alive() {
			if !resend {
				return BestMove{}, fmt.Errorf("%w while waiting for bestmove", ErrProcessDied)
			}
			if _, err := s.revive(ctx); err != nil {
				return BestMove{}, err
			}
			unwatch()
			p = s.client.Proc()
			if err := s.send(p, cmd); err != nil {
				return BestMove{}, err
			}
			unwatch = watchCancel(ctx, p)
			continue
		}

		line, err := p.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return s.fail(err)
			}
			if !p.Alive() {
				continue
			}
			return s.fail(ErrEndOfStream)
		}

		line = strings.TrimSpace(line)
		s.observe(line)
		if err := s.consume(line); err != nil {
			return s.fail(err)
		}
		if bm, ok := ParseBestMove(line); ok {
			return bm, ctx.Err()
		}
	}
}

// consume feeds one line to the parser and commits any PV update.
func (s *Session) consume(line string) error {
	s.tableMu.Lock()
	defer s.tableMu.Unlock()
	u, ok, err := ParseInfo(line, s.table)
	if err != nil || !ok {
		return err
	}
	s.table.apply(u)
	return nil
}

// watchCancel sends stop to p when ctx is cancelled.
func watchCancel(ctx context.Context, p Proc) func() bool {
	return context.AfterFunc(ctx, func() {
		_ = p.WriteLine("stop")
	})
}
