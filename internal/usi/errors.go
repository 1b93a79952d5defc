package usi

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocol indicates the engine sent a line that violates the session's
	// expectations, such as a multipv rank beyond the configured range.
	ErrProtocol = errors.New("usi: protocol error")

	// ErrEndOfStream indicates the engine's output closed while the process
	// was still reported alive.
	ErrEndOfStream = errors.New("usi: end of stream")

	// ErrProcessDied indicates the engine process exited.
	ErrProcessDied = errors.New("usi: engine process died")

	// ErrRestartLimit indicates the restart policy refused another recovery.
	ErrRestartLimit = fmt.Errorf("%w: restart limit reached", ErrProcessDied)

	// ErrSessionBroken is returned by every command after a protocol or
	// end-of-stream failure. Such a session must be replaced.
	ErrSessionBroken = errors.New("usi: session broken")

	// ErrHandshake indicates the engine did not complete the usi/isready handshake.
	ErrHandshake = errors.New("usi: handshake failed")
)

// RankError reports a PV line whose multipv rank falls outside the table.
type RankError struct {
	Rank      int
	RankCount int
	Line      string
}

func (e *RankError) Error() string {
	return fmt.Sprintf("usi: rank %d out of range [0,%d): %q", e.Rank, e.RankCount, e.Line)
}

func (e *RankError) Unwrap() error { return ErrProtocol }
