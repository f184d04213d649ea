package logx

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitFromEnv configures zerolog using env vars.
// - LOG_LEVEL  : trace|debug|info|warn|error (default: info)
// - LOG_FORMAT : json|console                (default: console on a TTY, json otherwise)
func InitFromEnv() {
	level := strings.ToLower(getenv("LOG_LEVEL", "info"))
	format := strings.ToLower(getenv("LOG_FORMAT", defaultFormat(os.Stdout)))

	// Always use UTC timestamps in RFC3339.
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }

	zerolog.SetGlobalLevel(ParseLevel(level))

	log.Logger = newLogger(os.Stdout, format)
}

// ParseLevel maps a level name to a zerolog level, falling back to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// AppendFile tees the global logger into path (created with its parent
// directory if needed, opened in append mode). Lines written to the file
// are always JSON. The returned writer is the open file, so callers can point
// child process output at the same log; close it when done.
func AppendFile(path string) (io.WriteCloser, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	format := strings.ToLower(getenv("LOG_FORMAT", defaultFormat(os.Stdout)))
	var stdout io.Writer = os.Stdout
	if format == "console" {
		stdout = consoleWriter(os.Stdout)
	}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(stdout, f)).With().Timestamp().Logger()
	return f, nil
}

func newLogger(out io.Writer, format string) zerolog.Logger {
	if format == "console" {
		return zerolog.New(consoleWriter(out)).With().Timestamp().Logger()
	}
	// Default: structured JSON logs.
	return zerolog.New(out).With().Timestamp().Logger()
}

func consoleWriter(out io.Writer) zerolog.ConsoleWriter {
	return zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
		w.Out = out
		w.TimeFormat = time.RFC3339
	})
}

func defaultFormat(f *os.File) string {
	fd := f.Fd()
	if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
		return "console"
	}
	return "json"
}

// getenv returns the env var value if set and non-empty, otherwise def.
func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return def
}
