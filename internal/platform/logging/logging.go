// Package logging builds the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Level string
	// Pretty selects the human readable console writer.
	Pretty bool
	// File, when set, receives a copy of every entry and is rotated.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New builds a logger and installs it as the zerolog global. The returned
// closer flushes the rotating file, if any.
func New(opts Options, stdout io.Writer) (zerolog.Logger, io.Closer) {
	if stdout == nil {
		stdout = os.Stdout
	}
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}

	var console io.Writer = stdout
	if opts.Pretty {
		console = zerolog.ConsoleWriter{Out: stdout, TimeFormat: time.RFC3339}
	}

	var closer io.Closer = nopCloser{}
	out := console
	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 100),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 28),
			Compress:   true,
		}
		out = zerolog.MultiLevelWriter(console, rotator)
		closer = rotator
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Str("service", "meddocs").Logger()
	zerolog.SetGlobalLevel(level)
	log.Logger = logger
	return logger, closer
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
