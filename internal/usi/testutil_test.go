package usi

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

const (
	eofMarker = "\x00eof" // stream closes, process stays alive
	dieMarker = "\x00die" // process exits, stream closes
)

// fakeProc is a scripted engine process. Lines queued by respond are
// returned by ReadLine; ReadLine blocks while the queue is empty.
type fakeProc struct {
	mu      sync.Mutex
	cond    *sync.Cond
	alive   bool
	queue   []string
	respond func(p *fakeProc, line string)
	log     *callLog
}

func newFakeProc(log *callLog, respond func(p *fakeProc, line string)) *fakeProc {
	p := &fakeProc{alive: true, respond: respond, log: log}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *fakeProc) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

func (p *fakeProc) WriteLine(line string) error {
	p.log.add(line)
	if p.respond != nil {
		p.respond(p, line)
	}
	return nil
}

func (p *fakeProc) ReadLine() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && p.alive {
		p.cond.Wait()
	}
	if len(p.queue) == 0 {
		return "", io.EOF
	}
	line := p.queue[0]
	p.queue = p.queue[1:]
	switch line {
	case eofMarker:
		return "", io.EOF
	case dieMarker:
		p.alive = false
		p.queue = nil
		return "", io.EOF
	}
	return line, nil
}

// emit queues output lines.
func (p *fakeProc) emit(lines ...string) {
	p.mu.Lock()
	p.queue = append(p.queue, lines...)
	p.mu.Unlock()
	p.cond.Broadcast()
}

// kill marks the process dead without any further output.
func (p *fakeProc) kill() {
	p.mu.Lock()
	p.alive = false
	p.queue = nil
	p.mu.Unlock()
	p.cond.Broadcast()
}

// callLog records every request the session makes, across restarts.
type callLog struct {
	mu    sync.Mutex
	lines []string
}

func (l *callLog) add(line string) {
	l.mu.Lock()
	l.lines = append(l.lines, line)
	l.mu.Unlock()
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

// since returns the entries after the n-th occurrence of "connect".
func (l *callLog) since(n int) []string {
	seen := 0
	all := l.all()
	for i, line := range all {
		if line == "connect" {
			seen++
			if seen == n {
				return all[i+1:]
			}
		}
	}
	return nil
}

func (l *callLog) count(prefix string) int {
	n := 0
	for _, line := range l.all() {
		if strings.HasPrefix(line, prefix) {
			n++
		}
	}
	return n
}

// fakeClient hands out a new fakeProc per Connect. newProc receives the
// connection number, starting at 1.
type fakeClient struct {
	log     callLog
	conns   int
	proc    *fakeProc
	newProc func(conn int, log *callLog) *fakeProc
	closed  bool
}

var _ Client = (*fakeClient)(nil)

func (c *fakeClient) Connect(ctx context.Context, obs Observer) error {
	c.conns++
	c.log.add("connect")
	c.proc = c.newProc(c.conns, &c.log)
	return nil
}

func (c *fakeClient) SetOption(name, value string) error {
	c.log.add("setoption name " + name + " value " + value)
	return nil
}

func (c *fakeClient) AwaitReady(ctx context.Context, obs Observer) error {
	c.log.add("isready")
	return nil
}

func (c *fakeClient) SetPosition(pos Position) error {
	c.log.add(pos.Command())
	return nil
}

func (c *fakeClient) NewGame() error {
	c.log.add("usinewgame")
	return nil
}

func (c *fakeClient) Proc() Proc {
	if c.proc == nil {
		return nil
	}
	return c.proc
}

func (c *fakeClient) Close() error {
	c.closed = true
	c.log.add("close")
	return nil
}

// scripted returns a responder that answers "go" with lines and "stop"
// with a bare bestmove.
func scripted(lines ...string) func(p *fakeProc, line string) {
	return func(p *fakeProc, line string) {
		switch {
		case strings.HasPrefix(line, "go"):
			p.emit(lines...)
		case line == "stop":
			p.emit("bestmove resign")
		}
	}
}

func newTestSession(t *testing.T, c *fakeClient, cfg Config) *Session {
	t.Helper()
	cfg.Client = c
	cfg.Logger = zerolog.Nop()
	s, err := NewSession(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}
