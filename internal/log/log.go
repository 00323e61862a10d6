// Package log configures the process-wide slog logger.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/dotse/slug"
	slogmulti "github.com/samber/slog-multi"
)

type Level string

const (
	Debug Level = "debug"
	Info  Level = "info"
	Warn  Level = "warn"
	Error Level = "error"
)

func ToSlogLevel(level Level) slog.Level {
	switch Level(strings.ToLower(string(level))) {
	case Debug:
		return slog.LevelDebug
	case Info:
		return slog.LevelInfo
	case Warn:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// New builds a logger writing human readable records to w.
func New(w io.Writer, level Level) *slog.Logger {
	return slog.New(slug.NewHandler(handlerOptions(level), w))
}

// MustCreateLogger installs the default logger. Records always go to stderr so
// they do not interleave with the terminal UI on stdout; when debugLogPath is
// set they are also written to that file. The returned func closes the file.
func MustCreateLogger(debugLogPath string, level Level) func() {
	closer := func() {}
	opts := handlerOptions(level)

	handlers := []slog.Handler{slug.NewHandler(opts, os.Stderr)}

	if debugLogPath != "" {
		logFile, errLogFile := os.Create(debugLogPath)
		if errLogFile != nil {
			panic(fmt.Sprintf("Failed to open logfile: %v", errLogFile))
		}

		closer = func() {
			if errClose := logFile.Close(); errClose != nil {
				panic(fmt.Sprintf("Failed to close log file: %v", errClose))
			}
		}

		debugOpts := opts
		debugOpts.HandlerOptions.Level = slog.LevelDebug
		handlers = append(handlers, slug.NewHandler(debugOpts, logFile))
	}

	slog.SetDefault(slog.New(slogmulti.Fanout(handlers...)))

	return closer
}

func handlerOptions(level Level) slug.HandlerOptions {
	return slug.HandlerOptions{
		HandlerOptions: slog.HandlerOptions{
			Level: ToSlogLevel(level),
		},
	}
}

func ErrAttr(err error) slog.Attr {
	return slog.Any("reason", err)
}

func Closer(closer io.Closer) {
	if errClose := closer.Close(); errClose != nil {
		slog.Error("Failed to close", ErrAttr(errClose))
	}
}
