package logging

import (
	"io"
	"log/slog"
	"strings"
	"time"
)

// Options configures SlogManager.Setup.
type Options struct {
	// Level is debug, info, warn or error. Anything else means info.
	Level string
	// Console receives text output when set, usually os.Stdout.
	Console io.Writer
	// File receives text output when set. A file that is also an io.Closer
	// is closed by SlogManager.Close.
	File io.Writer
	// Context adds dynamic attributes to every record.
	Context ContextProvider
}

// SlogManager owns the process logger and its file.
type SlogManager struct {
	logger *slog.Logger
	file   io.Writer
}

// NewSlogManager creates a manager whose Logger is slog.Default until Setup.
func NewSlogManager() *SlogManager {
	return &SlogManager{}
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup builds the logger. Calling it again replaces the logger and
// closes the previous file.
func (m *SlogManager) Setup(opts Options) {
	_ = m.Close()

	handlerOpts := &slog.HandlerOptions{
		Level: parseLevel(opts.Level),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.UTC().Format(time.RFC3339))
				}
			}
			return a
		},
	}

	var handlers []slog.Handler
	if opts.Console != nil {
		handlers = append(handlers, slog.NewTextHandler(opts.Console, handlerOpts))
	}
	if opts.File != nil {
		handlers = append(handlers, slog.NewTextHandler(opts.File, handlerOpts))
	}

	var h slog.Handler = NewMultiHandler(handlers...)
	if opts.Context != nil {
		h = NewContextHandler(h, opts.Context)
	}

	m.file = opts.File
	m.logger = slog.New(h)
	m.logger.Debug("Logging initialized", "level", handlerOpts.Level)
}

// Logger returns the configured logger, or slog.Default before Setup.
func (m *SlogManager) Logger() *slog.Logger {
	if m.logger == nil {
		return slog.Default()
	}
	return m.logger
}

// Close closes the log file, if it can be closed.
func (m *SlogManager) Close() error {
	c, ok := m.file.(io.Closer)
	m.file = nil
	if !ok {
		return nil
	}
	return c.Close()
}
