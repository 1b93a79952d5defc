package usi

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"
)

// Proc is the session's view of one engine process.
type Proc interface {
	// Alive reports, without blocking, whether the process is still running.
	Alive() bool
	// WriteLine sends one protocol line. The newline is appended.
	WriteLine(line string) error
	// ReadLine blocks for the next output line, without its line terminator.
	// It returns io.EOF once the output stream is closed.
	ReadLine() (string, error)
}

const (
	defaultExitGrace = 200 * time.Millisecond
	defaultQuitGrace = 2 * time.Second
)

// execProc is a Proc backed by a spawned subprocess.
type execProc struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	out       *os.File
	stdout    *bufio.Reader
	enc       *encoding.Encoder
	exitGrace time.Duration

	wmu     sync.Mutex
	done    chan struct{}
	waitErr error
}

var _ Proc = (*execProc)(nil)

// lookupEncoding maps an encoding name to its x/text implementation.
// The empty name means the engine speaks plain ASCII/UTF-8.
func lookupEncoding(name string) (encoding.Encoding, error) {
	switch strings.ToLower(strings.ReplaceAll(name, "-", "_")) {
	case "", "utf8", "utf_8", "ascii":
		return nil, nil
	case "shift_jis", "sjis", "cp932":
		return japanese.ShiftJIS, nil
	case "euc_jp", "eucjp":
		return japanese.EUCJP, nil
	}
	return nil, fmt.Errorf("usi: unsupported engine encoding %q", name)
}

func startProc(cfg ExecConfig) (*execProc, error) {
	enc, err := lookupEncoding(cfg.Encoding)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(cfg.Path, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = cfg.Env
	cmd.Stderr = cfg.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	// A plain os.Pipe rather than StdoutPipe: Wait runs concurrently with
	// reads here and must not close the read end under us.
	stdout, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stdout = pw
	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = pw.Close()
		return nil, err
	}
	_ = pw.Close()

	var r io.Reader = stdout
	p := &execProc{
		cmd:       cmd,
		stdin:     stdin,
		out:       stdout,
		exitGrace: cfg.ExitGrace,
		done:      make(chan struct{}),
	}
	if enc != nil {
		r = transform.NewReader(stdout, enc.NewDecoder())
		p.enc = enc.NewEncoder()
	}
	p.stdout = bufio.NewReader(r)
	if p.exitGrace <= 0 {
		p.exitGrace = defaultExitGrace
	}

	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func (p *execProc) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// WriteLine sends one command line. The encoder is stateful, so encoding
// happens under the write lock too.
func (p *execProc) WriteLine(line string) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if p.enc != nil {
		encoded, err := p.enc.String(line)
		if err != nil {
			return fmt.Errorf("usi: encode %q: %w", line, err)
		}
		line = encoded
	}
	if _, err := io.WriteString(p.stdin, line+"\n"); err != nil {
		return fmt.Errorf("usi: write: %w", err)
	}
	return nil
}

// ReadLine returns the next line. At end of stream it gives the process a
// short grace period to be reaped, so a crashed engine is reported as dead
// rather than as a stream that closed while alive.
func (p *execProc) ReadLine() (string, error) {
	line, err := p.stdout.ReadString('\n')
	if err == nil || (errors.Is(err, io.EOF) && line != "") {
		return strings.TrimRight(line, "\r\n"), nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
		select {
		case <-p.done:
		case <-time.After(p.exitGrace):
		}
		return "", io.EOF
	}
	return "", fmt.Errorf("usi: read: %w", err)
}

// kill terminates the process immediately and waits for it to be reaped.
// Safe on an exited process.
func (p *execProc) kill() error {
	_ = p.stdin.Close()
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("usi: kill: %w", err)
	}
	<-p.done
	_ = p.out.Close()
	return nil
}

// quit asks the engine to exit and kills it after grace.
func (p *execProc) quit(grace time.Duration) error {
	if p.Alive() {
		_ = p.WriteLine("quit")
	}
	select {
	case <-p.done:
	case <-time.After(grace):
		if err := p.kill(); err != nil {
			// Not reaped, so waitErr is still owned by the Wait goroutine.
			return err
		}
	}
	_ = p.stdin.Close()
	_ = p.out.Close()
	var ee *exec.ExitError
	if p.waitErr != nil && !errors.As(p.waitErr, &ee) {
		return p.waitErr
	}
	return nil
}
