package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// SetupLogger installs the process-wide slog default handler according to the
// log config: LOG_FORMAT pretty (text) or json, LOG_LEVEL, and an optional
// log directory. Returns a closer for the log file, if any.
func SetupLogger(cfg LogConfig) (func() error, error) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	closer := func() error { return nil }
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(filepath.Join(cfg.Dir, "ccflare.log"),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		out = io.MultiWriter(os.Stderr, f)
		closer = f.Close
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	slog.SetDefault(slog.New(handler))
	return closer, nil
}
