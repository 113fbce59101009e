package logging

import (
	"io"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
)

// New returns a colourised tint logger for the "text" format and a JSON
// logger otherwise.
func New(w io.Writer, format string, level slog.Level, version string) *slog.Logger {
	if format == "text" {
		h := tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
		return slog.New(h)
	}

	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(h).With(
		"app", "modelscore",
		"version", version,
	)
}
