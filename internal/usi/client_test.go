package usi

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/text/encoding/japanese"
)

// The test binary doubles as a mock USI engine when USI_MOCK_ENGINE is set.
//
//	USI_MOCK_ENGINE=normal      answers usi, isready, position, go, stop, quit
//	USI_MOCK_ENGINE=sjis        like normal, id name in Shift_JIS
//	USI_MOCK_ENGINE=crash-once  exits on the first go; USI_MOCK_MARKER names the marker file
//	USI_MOCK_ENGINE=no-usiok    exits without finishing the handshake
//	USI_MOCK_ENGINE=deaf        like normal but ignores quit
func TestMain(m *testing.M) {
	if mode := os.Getenv("USI_MOCK_ENGINE"); mode != "" {
		os.Exit(runMockEngine(mode))
	}
	os.Exit(m.Run())
}

const mockEngineName = "将棋エンジン"

func runMockEngine(mode string) int {
	out := bufio.NewWriter(os.Stdout)
	say := func(line string) {
		fmt.Fprintln(out, line)
		out.Flush()
	}
	in := bufio.NewScanner(os.Stdin)
	position := "startpos"
	for in.Scan() {
		line := strings.TrimSpace(in.Text())
		switch {
		case line == "usi":
			if mode == "no-usiok" {
				return 3
			}
			name := "mock"
			if mode == "sjis" {
				name, _ = japanese.ShiftJIS.NewEncoder().String(mockEngineName)
			}
			say("id name " + name)
			say("id author tester")
			say("option name USI_Hash type spin default 256")
			say("usiok")
		case line == "isready":
			say("readyok")
		case strings.HasPrefix(line, "position "):
			position = strings.TrimPrefix(line, "position ")
		case strings.HasPrefix(line, "go"):
			if mode == "crash-once" {
				marker := os.Getenv("USI_MOCK_MARKER")
				if _, err := os.Stat(marker); err != nil {
					_ = os.WriteFile(marker, []byte("crashed"), 0o644)
					return 1
				}
			}
			say("info depth 1 score cp 15 pv 7g7f")
			say("info string position " + position)
			say("info depth 2 multipv 1 score cp 20 pv 7g7f 3c3d")
			say("bestmove 7g7f ponder 3c3d")
		case line == "stop":
			say("bestmove 7g7f")
		case line == "quit":
			if mode == "deaf" {
				continue
			}
			return 0
		}
	}
	return 0
}

func mockClient(t *testing.T, mode string, env ...string) *ExecClient {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	cfg := ExecConfig{
		Path:      exe,
		Env:       append(append(os.Environ(), "USI_MOCK_ENGINE="+mode), env...),
		QuitGrace: time.Second,
		Logger:    zerolog.Nop(),
	}
	if mode == "sjis" {
		cfg.Encoding = "shift_jis"
	}
	c, err := NewExecClient(cfg)
	if err != nil {
		t.Fatalf("NewExecClient: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestExecClientHandshake(t *testing.T) {
	c := mockClient(t, "normal")
	var seen []string
	if err := c.Connect(context.Background(), func(l string) { seen = append(seen, l) }); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	info := c.Info()
	if info.Name != "mock" || info.Author != "tester" || len(info.Options) != 1 {
		t.Errorf("Info = %+v", info)
	}
	if len(seen) == 0 || seen[0] != "usi" || seen[len(seen)-1] != "usiok" {
		t.Errorf("observed = %q", seen)
	}
	if err := c.AwaitReady(context.Background(), nil); err != nil {
		t.Fatalf("AwaitReady: %v", err)
	}
	if !c.Proc().Alive() {
		t.Error("engine not alive after handshake")
	}
}

func TestExecClientShiftJIS(t *testing.T) {
	c := mockClient(t, "sjis")
	if err := c.Connect(context.Background(), nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := c.Info().Name; got != mockEngineName {
		t.Errorf("Name = %q, want %q", got, mockEngineName)
	}
}

func TestExecClientConcurrentEncodedWrites(t *testing.T) {
	c := mockClient(t, "sjis")
	if err := c.Connect(context.Background(), nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	p := c.Proc()
	var wg sync.WaitGroup
	for _, line := range []string{"isready", "stop"} {
		line := line
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if err := p.WriteLine(line); err != nil {
					t.Errorf("WriteLine(%s): %v", line, err)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestExecClientKillsEngineIgnoringQuit(t *testing.T) {
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	c, err := NewExecClient(ExecConfig{
		Path:      exe,
		Env:       append(os.Environ(), "USI_MOCK_ENGINE=deaf"),
		QuitGrace: 100 * time.Millisecond,
		Logger:    zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewExecClient: %v", err)
	}
	if err := c.Connect(context.Background(), nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	p := c.Proc()

	start := time.Now()
	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if p.Alive() {
		t.Error("engine still alive after Close")
	}
	if d := time.Since(start); d > 5*time.Second {
		t.Errorf("Close took %v", d)
	}
}

func TestExecClientHandshakeFailure(t *testing.T) {
	c := mockClient(t, "no-usiok")
	err := c.Connect(context.Background(), nil)
	if !errors.Is(err, ErrHandshake) {
		t.Fatalf("Connect err = %v, want ErrHandshake", err)
	}
}

func TestExecClientRejectsBadConfig(t *testing.T) {
	if _, err := NewExecClient(ExecConfig{}); err == nil {
		t.Error("empty path accepted")
	}
	if _, err := NewExecClient(ExecConfig{Path: "x", Encoding: "klingon"}); err == nil {
		t.Error("unknown encoding accepted")
	}
}

func TestSessionOverExecClient(t *testing.T) {
	c := mockClient(t, "normal")
	s, err := NewSession(context.Background(), Config{Client: c, MultiPV: 2, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	ctx := context.Background()
	if err := s.SetPosition(ctx, StartPosition("7g7f")); err != nil {
		t.Fatalf("SetPosition: %v", err)
	}
	bm, err := s.Go(ctx, GoParams{Byoyomi: Int(100)})
	if err != nil {
		t.Fatalf("Go: %v", err)
	}
	if bm != (BestMove{Move: "7g7f", Ponder: "3c3d"}) {
		t.Errorf("bestmove = %+v", bm)
	}
	if got := s.Result()[0]; got.Score.Value != 20 || got.PV != "7g7f 3c3d" {
		t.Errorf("rank 0 = %+v", got)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestSessionRecoversRealCrash(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "crashed")
	c := mockClient(t, "crash-once", "USI_MOCK_MARKER="+marker)

	var seen []string
	s, err := NewSession(context.Background(), Config{
		Client:   c,
		Observer: func(l string) { seen = append(seen, l) },
		Restart:  LimitedRestart{Max: 2},
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	ctx := context.Background()
	if err := s.SetOption(ctx, "USI_Hash", "64"); err != nil {
		t.Fatalf("SetOption: %v", err)
	}
	if err := s.SetPosition(ctx, StartPosition("2g2f")); err != nil {
		t.Fatalf("SetPosition: %v", err)
	}

	bm, err := s.Go(ctx, GoParams{Nodes: Int(1000)})
	if err != nil {
		t.Fatalf("Go: %v", err)
	}
	if bm.Move != "7g7f" {
		t.Errorf("bestmove = %+v", bm)
	}
	if s.Restarts() != 1 {
		t.Errorf("Restarts = %d, want 1", s.Restarts())
	}
	// The restarted engine reports the position it was given.
	found := false
	for _, l := range seen {
		if l == "info string position startpos moves 2g2f" {
			found = true
		}
	}
	if !found {
		t.Errorf("restored position not reported; observed %q", seen)
	}
}
