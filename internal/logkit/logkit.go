// Package logkit sets up the run's structured logger: one JSON object
// per line on stdout, or a colorized console writer when
// pretty-printing was requested (whether stdout is a TTY is not
// checked).
package logkit

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Fields is a free-form bag of structured attributes attached to a log
// line, surfaced as the "extra_fields" object in the JSON output.
type Fields map[string]any

// New builds a zerolog.Logger at the given level, writing JSON lines to
// w unless pretty is set, in which case a human-readable console writer
// is used instead. Extra sinks (e.g. a log file) always receive the raw
// JSON lines regardless of pretty.
func New(level string, pretty bool, w io.Writer, extraSinks ...io.Writer) zerolog.Logger {
	zerolog.TimestampFieldName = "timestamp"
	zerolog.LevelFieldName = "level"
	zerolog.MessageFieldName = "message"

	var out io.Writer = w
	if pretty {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}
	if len(extraSinks) > 0 {
		writers := append([]io.Writer{out}, extraSinks...)
		out = zerolog.MultiLevelWriter(writers...)
	}

	logger := zerolog.New(out).With().Timestamp().Logger()
	logger = logger.Level(parseLevel(level))
	return logger.With().Str("logger", "efspurge").Logger()
}

// FileSink opens path for appending, for use as a secondary JSON sink.
func FileSink(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARNING", "WARN":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	case "CRITICAL", "FATAL":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithFields nests f under an "extra_fields" object, keeping the
// top-level line shape fixed at timestamp/level/message/logger.
func WithFields(e *zerolog.Event, f Fields) *zerolog.Event {
	d := zerolog.Dict()
	for k, v := range f {
		d = d.Interface(k, v)
	}
	return e.Dict("extra_fields", d)
}

// Discard returns a logger that drops everything, used by components
// exercised in tests that don't assert on log output.
func Discard() zerolog.Logger {
	return zerolog.New(io.Discard)
}

// Default is a convenience constructor equivalent to New("INFO", false, os.Stdout).
func Default() zerolog.Logger {
	return New("INFO", false, os.Stdout)
}
