package logging

import (
	"context"
	"log/slog"
	"slices"

	"go.uber.org/atomic"
)

const defaultExportQueueSize = 1000

// ExportFunc receives records at or above ExportConfig.MinLevel, e.g. to echo
// warnings into the interactive console.
type ExportFunc func(ctx context.Context, record slog.Record)

// ExportHandler forwards records to ExportFunc from a single goroutine.
// Attributes added through With travel with the forwarded record.
type ExportHandler struct {
	next    slog.Handler
	cfg     ExportConfig
	attrs   []slog.Attr
	queue   chan slog.Record
	dropped *atomic.Int64
}

func NewExportHandler(ctx context.Context, next slog.Handler, cfg ExportConfig) *ExportHandler {
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultExportQueueSize
	}
	h := &ExportHandler{
		next:    next,
		cfg:     cfg,
		queue:   make(chan slog.Record, size),
		dropped: atomic.NewInt64(0),
	}
	go h.run(ctx)
	return h
}

func (e *ExportHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return e.next.Enabled(ctx, level)
}

func (e *ExportHandler) Handle(ctx context.Context, record slog.Record) error {
	if record.Level >= e.cfg.MinLevel {
		exported := record.Clone()
		exported.AddAttrs(e.attrs...)
		select {
		case e.queue <- exported:
		default:
			e.dropped.Inc()
		}
	}
	return e.next.Handle(ctx, record)
}

func (e *ExportHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *e
	c.next = e.next.WithAttrs(attrs)
	c.attrs = slices.Concat(e.attrs, attrs)
	return &c
}

// WithGroup only affects the wrapped handler; exported attributes stay flat.
func (e *ExportHandler) WithGroup(name string) slog.Handler {
	c := *e
	c.next = e.next.WithGroup(name)
	return &c
}

// Dropped counts records not exported because the queue was full.
func (e *ExportHandler) Dropped() int64 {
	return e.dropped.Load()
}

func (e *ExportHandler) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case record := <-e.queue:
			e.cfg.ExportFunc(ctx, record)
		}
	}
}

// RecordAttr returns the value of the attribute key carried by record.
func RecordAttr(record slog.Record, key string) (string, bool) {
	var (
		value string
		found bool
	)
	record.Attrs(func(a slog.Attr) bool {
		if a.Key == key {
			value, found = a.Value.String(), true
			return false
		}
		return true
	})
	return value, found
}
