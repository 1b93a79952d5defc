package usi

import (
	"context"
	"fmt"
	"time"
)

// RestartPolicy decides whether a dead engine is restarted. attempt counts
// consecutive restarts within one command, starting at 1.
type RestartPolicy interface {
	Next(attempt int) (delay time.Duration, ok bool)
}

// UnboundedRestart restarts immediately, forever. A binary that dies on
// startup will spin.
type UnboundedRestart struct{}

func (UnboundedRestart) Next(int) (time.Duration, bool) { return 0, true }

// LimitedRestart allows Max consecutive restarts, waiting attempt*Backoff
// before each one.
type LimitedRestart struct {
	Max     int
	Backoff time.Duration
}

func (p LimitedRestart) Next(attempt int) (time.Duration, bool) {
	if attempt > p.Max {
		return 0, false
	}
	return time.Duration(attempt) * p.Backoff, true
}

// recover brings up a new engine and rebuilds its context: saved options in
// first-set order, the ready handshake, then the last position.
func (s *Session) recover(ctx context.Context) error {
	s.restarts++
	delay, ok := s.policy.Next(s.restarts)
	if !ok {
		return fmt.Errorf("%w after %d attempts", ErrRestartLimit, s.restarts-1)
	}
	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	quiet := s.replayObserver()
	if err := s.client.Connect(ctx, quiet); err != nil {
		return fmt.Errorf("usi: restart: %w", err)
	}
	for _, opt := range s.state.options.All() {
		s.log.Debug().Str("name", opt.Name).Str("value", opt.Value).Msg("replaying option")
		if err := s.client.SetOption(opt.Name, opt.Value); err != nil {
			return fmt.Errorf("usi: replay option %s: %w", opt.Name, err)
		}
	}
	if err := s.client.AwaitReady(ctx, quiet); err != nil {
		return fmt.Errorf("usi: restart: %w", err)
	}
	if s.state.hasPosition {
		s.log.Debug().Str("position", s.state.position.Key()).Msg("restoring position")
		if err := s.client.SetPosition(s.state.position); err != nil {
			return fmt.Errorf("usi: restore position: %w", err)
		}
	}
	s.totalRestarts++
	s.log.Info().Int("restarts", s.totalRestarts).Msg("engine restarted")
	return nil
}

// replayObserver sends recovery chatter to the debug log only.
func (s *Session) replayObserver() Observer {
	return func(line string) {
		s.log.Debug().Str("line", line).Msg("restart io")
	}
}
