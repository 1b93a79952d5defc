package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger returns a zerolog console logger writing to w at the given level.
// Engine output goes to stdout in the binaries, so logs default to stderr.
func NewLogger(w io.Writer, level zerolog.Level) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339,
	}
	zerolog.CallerMarshalFunc = func(pc uintptr, file string, line int) string {
		short := file
		if i := strings.LastIndexByte(file, '/'); i >= 0 {
			short = file[i+1:]
		}
		// Pad to 24 characters for alignment
		return fmt.Sprintf("%-24s", fmt.Sprintf("%s:%d", short, line))
	}
	return zerolog.New(output).Level(level).With().Timestamp().Caller().Logger()
}

// ParseLevel maps a flag value such as "debug" or "warn" to a level,
// defaulting to info.
func ParseLevel(s string) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || s == "" {
		return zerolog.InfoLevel
	}
	return level
}
