package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger создаёт настроенный zerolog. В dev логи пишутся в читаемом виде.
func NewLogger(appEnv string) zerolog.Logger {
	return newLogger(appEnv, os.Stdout)
}

// NewCLILogger пишет в stderr, чтобы не смешивать логи с выводом команд.
func NewCLILogger(appEnv string, verbose bool) zerolog.Logger {
	logger := newLogger(appEnv, os.Stderr)
	if !verbose {
		logger = logger.Level(zerolog.WarnLevel)
	}
	return logger
}

func newLogger(appEnv string, out io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	if appEnv == "dev" {
		level = zerolog.DebugLevel
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
	}
	zerolog.TimeFieldFormat = time.RFC3339
	return zerolog.New(out).With().Timestamp().Logger().Level(level)
}
