package usi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Client is the base protocol layer the session drives: process spawn,
// handshake and the synchronous request primitives.
type Client interface {
	// Connect spawns a fresh engine, replacing any previous one, and
	// completes the usi/usiok handshake.
	Connect(ctx context.Context, obs Observer) error
	// SetOption sends a setoption line.
	SetOption(name, value string) error
	// AwaitReady sends isready and blocks until readyok.
	AwaitReady(ctx context.Context, obs Observer) error
	// SetPosition sends the position line for pos.
	SetPosition(pos Position) error
	// NewGame sends usinewgame.
	NewGame() error
	// Proc returns the current engine process, or nil before Connect.
	Proc() Proc
	// Close asks the engine to quit and releases it.
	Close() error
}

// ExecConfig configures an ExecClient.
type ExecConfig struct {
	Path string
	Args []string
	Dir  string
	Env  []string // nil inherits the parent environment

	// Encoding of the engine's text, e.g. "shift_jis". Empty means ASCII/UTF-8.
	Encoding string

	// Stderr receives the engine's stderr. Nil discards it.
	Stderr io.Writer

	ExitGrace time.Duration // wait for reaping after EOF (default 200ms)
	QuitGrace time.Duration // wait after quit before kill (default 2s)

	Logger zerolog.Logger
}

// EngineInfo is what the engine reported during the handshake.
type EngineInfo struct {
	Name    string
	Author  string
	Options []string // raw "option name ..." lines
}

// ExecClient runs a USI engine as a subprocess.
type ExecClient struct {
	cfg  ExecConfig
	log  zerolog.Logger
	proc *execProc
	info EngineInfo
}

var _ Client = (*ExecClient)(nil)

// NewExecClient returns a client for the engine binary at cfg.Path.
// Nothing is spawned until Connect.
func NewExecClient(cfg ExecConfig) (*ExecClient, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("usi: engine path required")
	}
	if _, err := lookupEncoding(cfg.Encoding); err != nil {
		return nil, err
	}
	if cfg.QuitGrace <= 0 {
		cfg.QuitGrace = defaultQuitGrace
	}
	return &ExecClient{
		cfg: cfg,
		log: cfg.Logger.With().Str("engine", cfg.Path).Logger(),
	}, nil
}

// Info returns the engine identity from the last handshake.
func (c *ExecClient) Info() EngineInfo { return c.info }

func (c *ExecClient) Connect(ctx context.Context, obs Observer) error {
	if c.proc != nil {
		if err := c.proc.kill(); err != nil {
			c.log.Warn().Err(err).Msg("previous engine not reaped")
		}
		c.proc = nil
	}
	p, err := startProc(c.cfg)
	if err != nil {
		return fmt.Errorf("usi: start %s: %w", c.cfg.Path, err)
	}
	c.proc = p
	c.info = EngineInfo{}

	if err := c.send("usi", obs); err != nil {
		return err
	}
	err = c.waitFor(ctx, "usiok", obs, func(line string) {
		switch {
		case strings.HasPrefix(line, "id name "):
			c.info.Name = strings.TrimPrefix(line, "id name ")
		case strings.HasPrefix(line, "id author "):
			c.info.Author = strings.TrimPrefix(line, "id author ")
		case strings.HasPrefix(line, "option "):
			c.info.Options = append(c.info.Options, line)
		}
	})
	if err != nil {
		return err
	}
	c.log.Info().
		Str("name", c.info.Name).
		Str("author", c.info.Author).
		Int("options", len(c.info.Options)).
		Msg("engine connected")
	return nil
}

func (c *ExecClient) SetOption(name, value string) error {
	line := "setoption name " + name
	if value != "" {
		line += " value " + value
	}
	return c.send(line, nil)
}

func (c *ExecClient) AwaitReady(ctx context.Context, obs Observer) error {
	if err := c.send("isready", obs); err != nil {
		return err
	}
	return c.waitFor(ctx, "readyok", obs, nil)
}

func (c *ExecClient) SetPosition(pos Position) error {
	return c.send(pos.Command(), nil)
}

func (c *ExecClient) NewGame() error {
	return c.send("usinewgame", nil)
}

func (c *ExecClient) Proc() Proc {
	if c.proc == nil {
		return nil
	}
	return c.proc
}

func (c *ExecClient) Close() error {
	if c.proc == nil {
		return nil
	}
	err := c.proc.quit(c.cfg.QuitGrace)
	c.proc = nil
	return err
}

func (c *ExecClient) send(line string, obs Observer) error {
	if c.proc == nil {
		return fmt.Errorf("usi: %s: not connected", line)
	}
	if obs != nil {
		obs(line)
	}
	return c.proc.WriteLine(line)
}

// waitFor reads until a line equal to want. Cancelling ctx kills the engine
// so the blocked read returns.
func (c *ExecClient) waitFor(ctx context.Context, want string, obs Observer, each func(string)) error {
	p := c.proc
	stop := context.AfterFunc(ctx, func() { _ = p.kill() })
	defer stop()

	for {
		line, err := p.ReadLine()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: engine closed before %s", ErrHandshake, want)
			}
			return err
		}
		if obs != nil {
			obs(line)
		}
		if strings.TrimSpace(line) == want {
			return nil
		}
		if each != nil {
			each(line)
		}
	}
}
