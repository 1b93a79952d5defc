package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/freeeve/usipv/internal/logx"
	"github.com/freeeve/usipv/internal/usi"
)

// optInt maps the -1 "unset" flag value to nil.
func optInt(v int) *int {
	if v < 0 {
		return nil
	}
	return usi.Int(v)
}

func main() {
	var options usi.OptionFlag

	var (
		// Engine
		enginePath = flag.String("engine", os.Getenv("USI_ENGINE_PATH"), "path to USI engine executable (env USI_ENGINE_PATH)")
		encoding   = flag.String("encoding", "", "engine text encoding (shift_jis, euc_jp; empty = UTF-8)")
		multiPV    = flag.Int("multipv", 1, "number of variations to track")

		// Position
		sfen  = flag.String("sfen", "", "SFEN of the root position (empty = startpos)")
		moves = flag.String("moves", "", "moves from the root, space or comma separated")

		// Search limits (-1 = not sent)
		btime   = flag.Int("btime", -1, "black's remaining time in ms")
		wtime   = flag.Int("wtime", -1, "white's remaining time in ms")
		byoyomi = flag.Int("byoyomi", -1, "byoyomi in ms")
		binc    = flag.Int("binc", -1, "black's increment in ms (ignored with -byoyomi)")
		winc    = flag.Int("winc", -1, "white's increment in ms (ignored with -byoyomi)")
		nodes   = flag.Int("nodes", -1, "node limit")
		ponder  = flag.Bool("ponder", false, "send go ponder; stop after -timeout")
		timeout = flag.Duration("timeout", 0, "send stop after this long (0 = wait for bestmove)")

		// Recovery
		maxRestarts = flag.Int("max-restarts", 3, "engine restarts allowed per command (-1 = unbounded)")
		backoff     = flag.Duration("restart-backoff", 500*time.Millisecond, "delay before restart n is n times this")

		// Output
		printMode = flag.String("print", "off", "echo engine I/O: off, all, info, debug")
		jsonOut   = flag.Bool("json", false, "print the result as JSON")
		logLevel  = flag.String("log-level", "info", "log level")
	)
	flag.Var(&options, "option", "engine option name=value (repeatable)")
	flag.Parse()

	logger := logx.NewLogger(os.Stderr, logx.ParseLevel(*logLevel))

	if *enginePath == "" {
		logger.Fatal().Msg("engine path required (-engine or USI_ENGINE_PATH)")
	}
	mode, err := usi.ParseObserverMode(*printMode)
	if err != nil {
		logger.Fatal().Err(err).Msg("bad -print")
	}

	var policy usi.RestartPolicy = usi.UnboundedRestart{}
	if *maxRestarts >= 0 {
		policy = usi.LimitedRestart{Max: *maxRestarts, Backoff: *backoff}
	}

	client, err := usi.NewExecClient(usi.ExecConfig{
		Path:     *enginePath,
		Encoding: *encoding,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("create engine client")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sess, err := usi.NewSession(ctx, usi.Config{
		Client:   client,
		MultiPV:  *multiPV,
		Observer: usi.NewObserver(mode, os.Stdout, logger),
		Restart:  policy,
		Logger:   logger,
	})
	if err != nil {
		_ = client.Close()
		logger.Fatal().Err(err).Str("engine", *enginePath).Msg("start engine")
	}
	logger.Info().Str("engine", client.Info().Name).Str("author", client.Info().Author).Msg("engine ready")

	moveList := strings.FieldsFunc(*moves, func(r rune) bool { return r == ',' || r == ' ' })
	pos := usi.StartPosition(moveList...)
	if *sfen != "" {
		pos = usi.SFENPosition(*sfen, moveList...)
	}

	res, err := runSession(ctx, logger, sess, job{
		options: options,
		pos:     pos,
		params: usi.GoParams{
			Ponder:  *ponder,
			BTime:   optInt(*btime),
			WTime:   optInt(*wtime),
			Byoyomi: optInt(*byoyomi),
			BInc:    optInt(*binc),
			WInc:    optInt(*winc),
			Nodes:   optInt(*nodes),
		},
		timeout: *timeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("analysis failed")
	}

	if *jsonOut {
		printJSON(pos, res.bestMove, res.lines)
		return
	}
	printTable(res.bestMove, res.lines)
}

type job struct {
	options []usi.Option
	pos     usi.Position
	params  usi.GoParams
	timeout time.Duration // 0 waits for bestmove
}

type result struct {
	bestMove usi.BestMove
	lines    []usi.Line
}

// runSession applies the options, analyses the position and quits the engine
// before returning, so the caller may exit straight away.
func runSession(ctx context.Context, log zerolog.Logger, sess *usi.Session, j job) (result, error) {
	defer func() {
		if err := sess.Close(); err != nil {
			log.Warn().Err(err).Msg("engine quit")
		}
	}()

	for _, opt := range j.options {
		if err := sess.SetOption(ctx, opt.Name, opt.Value); err != nil {
			return result{}, fmt.Errorf("set option %s: %w", opt.Name, err)
		}
	}
	if err := sess.SetPosition(ctx, j.pos); err != nil {
		return result{}, fmt.Errorf("set position: %w", err)
	}

	goCtx := ctx
	if j.timeout > 0 {
		var cancel context.CancelFunc
		goCtx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}

	start := time.Now()
	bm, err := sess.Go(goCtx, j.params)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return result{}, fmt.Errorf("go: %w", err)
	}
	log.Info().
		Dur("took", time.Since(start)).
		Int("restarts", sess.Restarts()).
		Msg("analysis complete")
	return result{bestMove: bm, lines: sess.Result()}, nil
}

func printTable(bm usi.BestMove, lines []usi.Line) {
	for _, l := range lines {
		if !l.HasPV {
			continue
		}
		score := "-"
		if l.Score.Valid {
			score = fmt.Sprint(l.Score.Value)
		}
		fmt.Printf("%d\t%s\t%s\n", l.Rank+1, score, l.PV)
	}
	if bm.HasPonder() {
		fmt.Printf("bestmove %s ponder %s\n", bm.Move, bm.Ponder)
		return
	}
	fmt.Printf("bestmove %s\n", bm.Move)
}

func printJSON(pos usi.Position, bm usi.BestMove, lines []usi.Line) {
	out := struct {
		Position string       `json:"position"`
		BestMove usi.BestMove `json:"bestmove"`
		Lines    []usi.Line   `json:"lines"`
	}{pos.Key(), bm, lines}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
}
