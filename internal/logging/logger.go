package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/dskow/telemock/internal/config"
	"github.com/dskow/telemock/internal/middleware"
)

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// Output resolves logging.output to a writer: "stdout" (or empty),
// "stderr", or a file path that is rotated by size.
func Output(cfg config.LoggingConfig) (io.WriteCloser, error) {
	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		return nopCloser{os.Stdout}, nil
	case "stderr":
		return nopCloser{os.Stderr}, nil
	}
	return NewRotatingWriter(cfg.Output, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
}

// New returns a JSON logger writing to w at cfg.Level. The level is held in
// lvl so a reload can change it without rebuilding the logger.
func New(w io.Writer, cfg config.LoggingConfig) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	lvl.Set(middleware.ParseLogLevel(cfg.Level))
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), lvl
}
