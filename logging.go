package gosmpls

// logging.go builds the slog logger a simulation writes to.  Records go to a
// tint console handler and, when a log file is named, to a JSON handler
// fanned out beside it.

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/encodeous/tint"
	slogmulti "github.com/samber/slog-multi"
)

// LogCfg selects where simulation logs go.  The console handler is always
// present; a file path adds a JSON handler fanned out beside it.
type LogCfg struct {
	Level   slog.Level
	Console io.Writer
	Prefix  string
	Path    string
}

// NewLogger builds the logger used by the simulation.  The returned closer
// releases the log file, if one was opened.
func NewLogger(cfg LogCfg) (*slog.Logger, io.Closer, error) {
	console := cfg.Console
	if console == nil {
		console = os.Stderr
	}
	handlers := make([]slog.Handler, 0)
	handlers = append(handlers,
		tint.NewHandler(console, &tint.Options{
			Level:        cfg.Level,
			AddSource:    false,
			CustomPrefix: cfg.Prefix,
			ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
				// wall-clock time means nothing to a simulated run
				if attr.Key == slog.TimeKey {
					return slog.Attr{}
				}
				return attr
			},
		}))

	var closer io.Closer = nopCloser{}
	if cfg.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(cfg.Path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
		if err != nil {
			return nil, nil, err
		}
		closer = f
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: cfg.Level}))
	}

	return slog.New(slogmulti.Fanout(handlers...)), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// discardLogger is what elements log to when nobody supplied a logger
func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
