// Package logging is the leveled logger shared by the CLI, the analysis
// server and the analyzer backends. Records go through a slog handler chain:
// the text or JSON handler, then the optional export handler, then the
// optional rate limiter.
package logging

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ComponentKey is the attribute naming the part of bincat a record comes from.
const ComponentKey = "component"

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

type Config struct {
	Ctx         context.Context
	RateLimiter RateLimiterConfig
	Level       slog.Level
	// Format defaults to FormatText.
	Format    Format
	AddSource bool
	// Output defaults to stderr. Stdout belongs to command results and the console.
	Output io.Writer
	Export ExportConfig
}

// RateLimiterConfig drops records above Limit. With Inform set, the number
// of dropped records is logged periodically.
type RateLimiterConfig struct {
	Limit  rate.Limit
	Burst  int
	Inform bool
}

type ExportConfig struct {
	ExportFunc ExportFunc
	MinLevel   slog.Level
	// QueueSize bounds records waiting for ExportFunc. Extra records are dropped.
	QueueSize int
}

func MustParseLevel(lvlStr string) slog.Level {
	lvl, err := ParseLevel(lvlStr)
	if err != nil {
		panic("parsing log level from level string " + lvlStr)
	}
	return lvl
}

// ParseLevel accepts slog level names in any case, with optional offsets
// such as "DEBUG-2".
func ParseLevel(lvlStr string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(lvlStr)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", lvlStr, err)
	}
	return lvl, nil
}

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case "", FormatText:
		return FormatText, nil
	case FormatJSON:
		return f, nil
	}
	return "", fmt.Errorf("invalid log format %q, expected text or json", s)
}

func New(cfg *Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Ctx == nil {
		cfg.Ctx = context.Background()
	}
	var replace func(groups []string, a slog.Attr) slog.Attr
	if cfg.AddSource {
		replace = func(groups []string, a slog.Attr) slog.Attr {
			// Remove the directory from the source's filename.
			if a.Key == slog.SourceKey {
				source := a.Value.Any().(*slog.Source)
				source.File = filepath.Base(source.File)
			}
			return a
		}
	}

	opts := &slog.HandlerOptions{
		AddSource:   cfg.AddSource,
		Level:       cfg.Level,
		ReplaceAttr: replace,
	}
	var handler slog.Handler
	if cfg.Format == FormatJSON {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	if cfg.Export.ExportFunc != nil {
		handler = NewExportHandler(cfg.Ctx, handler, cfg.Export)
	}

	if cfg.RateLimiter.Limit != 0 {
		handler = NewRateLimiterHandler(cfg.Ctx, handler, cfg.RateLimiter)
	}

	return &Logger{log: slog.New(handler)}
}

func NewTestLog() *Logger {
	return New(&Config{Level: slog.LevelDebug})
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return New(&Config{Level: slog.LevelError + 1, Output: io.Discard})
}

// Logger formats messages printf style before they enter the handler chain.
type Logger struct {
	log *slog.Logger
}

func (l *Logger) Error(msg string) {
	l.doLog(slog.LevelError, msg) //nolint:govet
}

func (l *Logger) Errorf(format string, a ...any) {
	l.doLog(slog.LevelError, format, a...)
}

func (l *Logger) Infof(format string, a ...any) {
	l.doLog(slog.LevelInfo, format, a...)
}

func (l *Logger) Info(msg string) {
	l.doLog(slog.LevelInfo, msg) //nolint:govet
}

func (l *Logger) Debug(msg string) {
	l.doLog(slog.LevelDebug, msg) //nolint:govet
}

func (l *Logger) Debugf(format string, a ...any) {
	l.doLog(slog.LevelDebug, format, a...)
}

func (l *Logger) Warn(msg string) {
	l.doLog(slog.LevelWarn, msg) //nolint:govet
}

func (l *Logger) Warnf(format string, a ...any) {
	l.doLog(slog.LevelWarn, format, a...)
}

func (l *Logger) Fatal(msg string) {
	l.doLog(slog.LevelError, msg) //nolint:govet
	os.Exit(1)
}

// Lines logs every non blank line of text as its own record. Used for output
// captured from child processes.
func (l *Logger) Lines(lvl slog.Level, text string) {
	if !l.IsEnabled(lvl) {
		return
	}
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if line := strings.TrimRight(sc.Text(), " \t\r"); line != "" {
			l.doLog(lvl, line) //nolint:govet
		}
	}
}

func (l *Logger) IsEnabled(lvl slog.Level) bool {
	return l.log.Handler().Enabled(context.Background(), lvl)
}

// doLog must be called directly by the exported methods, the record source
// is taken three frames up.
func (l *Logger) doLog(lvl slog.Level, msg string, args ...any) {
	ctx := context.Background()
	if !l.log.Handler().Enabled(ctx, lvl) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	r := slog.NewRecord(time.Now(), lvl, msg, pcs[0])
	_ = l.log.Handler().Handle(ctx, r) //nolint:contextcheck
}

func (l *Logger) With(args ...any) *Logger {
	return &Logger{log: l.log.With(args...)}
}

func (l *Logger) WithField(k, v string) *Logger {
	return &Logger{log: l.log.With(slog.String(k, v))}
}

// Component tags every record of the returned logger with ComponentKey.
func (l *Logger) Component(name string) *Logger {
	return l.WithField(ComponentKey, name)
}

// Slog exposes the underlying logger for libraries that take *slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.log
}
