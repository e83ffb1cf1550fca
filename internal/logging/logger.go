// Package logging builds slog loggers for console and rotating file sinks.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"meshalert/internal/config"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	ansiReset   = "\x1b[0m"
	ansiBlue    = "\x1b[34m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiMagenta = "\x1b[35m"
	ansiRed     = "\x1b[31m"
	ansiGray    = "\x1b[90m"
)

// LevelPanic is reserved level above error.
const LevelPanic = slog.Level(12)

var (
	// key=value attributes worth spotting in a busy console.
	keyAttrPattern = regexp.MustCompile(`\b(?:transport|message_id|channel|primary)=("[^"\n]*"|\S+)`)
	quotedPattern  = regexp.MustCompile(`"[^"\n]*"`)
)

// New builds a logger for configured sinks and returns a cleanup function.
// Params: cfg contains console/file sink settings.
// Returns: slog logger, cleanup callback, and setup error.
func New(cfg config.LogConfig) (*slog.Logger, func(), error) {
	return newWithConsole(cfg, os.Stdout)
}

func newWithConsole(cfg config.LogConfig, console io.Writer) (*slog.Logger, func(), error) {
	var (
		handlers []slog.Handler
		closers  []io.Closer
	)

	if cfg.Console.Enabled {
		handler, err := buildConsoleHandler(cfg.Console, console)
		if err != nil {
			return nil, nil, fmt.Errorf("build console handler: %w", err)
		}
		handlers = append(handlers, handler)
	}

	if cfg.File.Enabled {
		handler, closer, err := buildFileHandler(cfg.File)
		if err != nil {
			return nil, nil, fmt.Errorf("build file handler: %w", err)
		}
		handlers = append(handlers, handler)
		closers = append(closers, closer)
	}

	if len(handlers) == 0 {
		return nil, nil, fmt.Errorf("no log sinks enabled")
	}

	closeFn := func() {
		for _, closer := range closers {
			_ = closer.Close()
		}
	}
	if len(handlers) == 1 {
		return slog.New(handlers[0]), closeFn, nil
	}
	return slog.New(fanout(handlers)), closeFn, nil
}

// buildConsoleHandler creates console sink handler without timestamps.
func buildConsoleHandler(sink config.LogSinkConfig, dst io.Writer) (slog.Handler, error) {
	level, err := parseLevel(sink.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return attr
		},
	}
	switch sink.Format {
	case "line":
		return slog.NewTextHandler(&colorLineWriter{dst: dst}, opts), nil
	case "json":
		return slog.NewJSONHandler(dst, opts), nil
	default:
		return nil, fmt.Errorf("unsupported console format %q", sink.Format)
	}
}

// buildFileHandler creates file sink handler; max_size_mb > 0 enables rotation.
// Params: sink contains path, level, format, and rotation limits.
// Returns: handler, writer closer, and error.
func buildFileHandler(sink config.LogSinkConfig) (slog.Handler, io.Closer, error) {
	level, err := parseLevel(sink.Level)
	if err != nil {
		return nil, nil, err
	}
	if sink.Format != "line" && sink.Format != "json" {
		return nil, nil, fmt.Errorf("unsupported file format %q", sink.Format)
	}

	writer, err := openFileWriter(sink)
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if sink.Format == "json" {
		return slog.NewJSONHandler(writer, opts), writer, nil
	}
	return slog.NewTextHandler(writer, opts), writer, nil
}

func openFileWriter(sink config.LogSinkConfig) (io.WriteCloser, error) {
	if dir := filepath.Dir(sink.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir %q: %w", dir, err)
		}
	}
	if sink.MaxSizeMB > 0 {
		return &lumberjack.Logger{
			Filename:   sink.Path,
			MaxSize:    sink.MaxSizeMB,
			MaxBackups: sink.MaxBackups,
			MaxAge:     sink.MaxAgeDays,
			Compress:   sink.Compress,
		}, nil
	}
	file, err := os.OpenFile(sink.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open file %q: %w", sink.Path, err)
	}
	return file, nil
}

// parseLevel converts configuration level into slog.Level.
func parseLevel(value string) (slog.Level, error) {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "panic":
		return LevelPanic, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported level %q", value)
	}
}

// fanout writes one record to every enabled handler.
type fanout []slog.Handler

// Enabled reports whether any sink accepts level.
func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range f {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle forwards record to enabled sinks.
// Params: ctx and record.
// Returns: first sink error.
func (f fanout) Handle(ctx context.Context, record slog.Record) error {
	var firstErr error
	for _, handler := range f {
		if !handler.Enabled(ctx, record.Level) {
			continue
		}
		if err := handler.Handle(ctx, record.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// WithAttrs applies attrs to each sink.
func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make(fanout, 0, len(f))
	for _, handler := range f {
		next = append(next, handler.WithAttrs(attrs))
	}
	return next
}

// WithGroup applies group to each sink.
func (f fanout) WithGroup(name string) slog.Handler {
	next := make(fanout, 0, len(f))
	for _, handler := range f {
		next = append(next, handler.WithGroup(name))
	}
	return next
}

// colorLineWriter tints console lines by level and highlights routing attributes.
type colorLineWriter struct {
	dst io.Writer
}

// Write colors one rendered slog line.
// Params: payload is rendered line.
// Returns: bytes of payload consumed or write error.
func (w *colorLineWriter) Write(payload []byte) (int, error) {
	line := string(payload)
	tone := levelColor(line)
	if tone == "" {
		return w.dst.Write(payload)
	}
	rendered := tone + highlight(line, tone) + ansiReset
	if _, err := io.WriteString(w.dst, rendered); err != nil {
		return 0, err
	}
	return len(payload), nil
}

func levelColor(line string) string {
	switch {
	case strings.Contains(line, "level=DEBUG"):
		return ansiGray
	case strings.Contains(line, "level=INFO"):
		return ansiBlue
	case strings.Contains(line, "level=WARN"):
		return ansiYellow
	case strings.Contains(line, "level=ERROR"):
		return ansiRed
	default:
		return ""
	}
}

// highlight colors key routing attributes magenta and remaining quoted values green.
func highlight(line, base string) string {
	line = keyAttrPattern.ReplaceAllStringFunc(line, func(match string) string {
		return ansiMagenta + match + ansiReset + base
	})
	return quotedPattern.ReplaceAllStringFunc(line, func(match string) string {
		if strings.Contains(match, "\x1b") {
			return match
		}
		return ansiGreen + match + ansiReset + base
	})
}
