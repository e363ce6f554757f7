package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/ifnotnil/daemonize/internal/config"
)

// newLogger builds the handler named by cfg. The auto format is text on a
// terminal and JSON otherwise.
func newLogger(cfg config.Logging, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	format := cfg.Format
	if format == config.FormatAuto || format == "" {
		format = config.FormatJSON
		if isTerminal(w) {
			format = config.FormatText
		}
	}

	var handler slog.Handler
	switch format {
	case config.FormatText:
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler).With(slog.Int("pid", os.Getpid())), nil
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
