package usi

import (
	"fmt"
	"strings"
)

// Option is one saved setoption call.
type Option struct {
	Name  string
	Value string
}

// Options remembers setoption calls in first-set order so they can be
// replayed against a restarted engine. A repeated name keeps its slot and
// takes the newest value.
type Options struct {
	list  []Option
	index map[string]int
}

// Set records name=value.
func (o *Options) Set(name, value string) {
	if o.index == nil {
		o.index = make(map[string]int)
	}
	if i, ok := o.index[name]; ok {
		o.list[i].Value = value
		return
	}
	o.index[name] = len(o.list)
	o.list = append(o.list, Option{Name: name, Value: value})
}

// Get returns the saved value for name.
func (o *Options) Get(name string) (string, bool) {
	i, ok := o.index[name]
	if !ok {
		return "", false
	}
	return o.list[i].Value, true
}

// All returns a copy of the saved options in replay order.
func (o *Options) All() []Option {
	return append([]Option(nil), o.list...)
}

// Len returns the number of distinct saved options.
func (o *Options) Len() int { return len(o.list) }

// Position is a position-setup request, forwarded verbatim to the engine.
type Position struct {
	StartPos bool     `json:"startpos,omitempty"`
	SFEN     string   `json:"sfen,omitempty"`
	Moves    []string `json:"moves,omitempty"`
}

// StartPosition returns the initial position followed by moves.
func StartPosition(moves ...string) Position {
	return Position{StartPos: true, Moves: moves}
}

// SFENPosition returns the position described by sfen followed by moves.
func SFENPosition(sfen string, moves ...string) Position {
	return Position{SFEN: sfen, Moves: moves}
}

// Command renders the position line sent to the engine.
func (p Position) Command() string {
	var b strings.Builder
	b.WriteString("position ")
	if p.StartPos || p.SFEN == "" {
		b.WriteString("startpos")
	} else {
		b.WriteString("sfen ")
		b.WriteString(p.SFEN)
	}
	if len(p.Moves) > 0 {
		b.WriteString(" moves ")
		b.WriteString(strings.Join(p.Moves, " "))
	}
	return b.String()
}

// Key identifies the position for caching and deduplication.
func (p Position) Key() string {
	return strings.TrimPrefix(p.Command(), "position ")
}

// clone detaches the move list from the caller's slice.
func (p Position) clone() Position {
	p.Moves = append([]string(nil), p.Moves...)
	return p
}

// state is everything the session needs to rebuild a dead engine.
// It accumulates for the life of the session and is never cleared.
type state struct {
	options     Options
	position    Position
	hasPosition bool
}

// ParsePosition reads a position in the form Key produces, optionally
// prefixed with "position": "startpos [moves ...]" or "sfen S [moves ...]".
func ParsePosition(s string) (Position, error) {
	fields := strings.Fields(s)
	if len(fields) > 0 && fields[0] == "position" {
		fields = fields[1:]
	}
	if len(fields) == 0 {
		return Position{}, fmt.Errorf("usi: empty position")
	}

	var pos Position
	rest := fields[1:]
	switch fields[0] {
	case "startpos":
		pos.StartPos = true
	case "sfen":
		i := 0
		for i < len(rest) && rest[i] != "moves" {
			i++
		}
		if i == 0 {
			return Position{}, fmt.Errorf("usi: position %q: missing sfen", s)
		}
		pos.SFEN = strings.Join(rest[:i], " ")
		rest = rest[i:]
	default:
		return Position{}, fmt.Errorf("usi: position %q: want startpos or sfen", s)
	}

	if len(rest) > 0 {
		if rest[0] != "moves" {
			return Position{}, fmt.Errorf("usi: position %q: unexpected %q", s, rest[0])
		}
		pos.Moves = append([]string(nil), rest[1:]...)
	}
	return pos, nil
}
