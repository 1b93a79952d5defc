package usi

import (
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
)

// Observer receives every raw protocol line, outbound commands included,
// before the session parses it.
type Observer func(line string)

// ObserverMode selects what NewObserver emits.
type ObserverMode int

const (
	ModeOff ObserverMode = iota
	ModePrintAll
	ModePrintInfoOnly
	ModeDebug
)

func (m ObserverMode) String() string {
	switch m {
	case ModePrintAll:
		return "print_all"
	case ModePrintInfoOnly:
		return "print_info_only"
	case ModeDebug:
		return "debug"
	default:
		return "off"
	}
}

// ParseObserverMode accepts the names produced by ObserverMode.String,
// plus "all" and "info" as short forms.
func ParseObserverMode(s string) (ObserverMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "off", "none":
		return ModeOff, nil
	case "print_all", "all":
		return ModePrintAll, nil
	case "print_info_only", "info":
		return ModePrintInfoOnly, nil
	case "debug":
		return ModeDebug, nil
	}
	return ModeOff, fmt.Errorf("usi: unknown observer mode %q", s)
}

// NewObserver builds the stock observer for mode. Blank lines are never printed.
// Debug mode prints every line and also logs it at debug level on log.
func NewObserver(mode ObserverMode, w io.Writer, log zerolog.Logger) Observer {
	switch mode {
	case ModePrintAll:
		return func(line string) {
			if strings.TrimSpace(line) != "" {
				fmt.Fprintln(w, line)
			}
		}
	case ModePrintInfoOnly:
		return func(line string) {
			if strings.HasPrefix(line, "info") && strings.TrimSpace(line) != "" {
				fmt.Fprintln(w, line)
			}
		}
	case ModeDebug:
		return func(line string) {
			log.Debug().Str("line", line).Msg("engine io")
			if strings.TrimSpace(line) != "" {
				fmt.Fprintln(w, line)
			}
		}
	default:
		return nil
	}
}

// Tee returns an observer that forwards each line to every non-nil observer.
func Tee(observers ...Observer) Observer {
	var live []Observer
	for _, o := range observers {
		if o != nil {
			live = append(live, o)
		}
	}
	if len(live) == 0 {
		return nil
	}
	return func(line string) {
		for _, o := range live {
			o(line)
		}
	}
}
