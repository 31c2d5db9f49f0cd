package logging

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

var limitedLevels = []slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError}

// NewRateLimiterHandler drops records above the configured per-level rate.
func NewRateLimiterHandler(ctx context.Context, next slog.Handler, cfg RateLimiterConfig) slog.Handler {
	h := &RateLimiterHandler{
		next:    next,
		rt:      make(map[slog.Level]*rate.Limiter, len(limitedLevels)),
		dropped: make(map[slog.Level]*atomic.Uint64, len(limitedLevels)),
	}
	for _, lvl := range limitedLevels {
		h.rt[lvl] = rate.NewLimiter(cfg.Limit, cfg.Burst)
		h.dropped[lvl] = &atomic.Uint64{}
	}
	if cfg.Inform {
		go h.reportDropped(ctx, 5*time.Second)
	}
	return h
}

type RateLimiterHandler struct {
	next    slog.Handler
	rt      map[slog.Level]*rate.Limiter
	dropped map[slog.Level]*atomic.Uint64
}

func (s *RateLimiterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if !s.next.Enabled(ctx, level) {
		return false
	}
	limiter, ok := s.rt[level]
	if !ok {
		return true
	}
	if !limiter.Allow() {
		s.dropped[level].Add(1)
		return false
	}
	return true
}

func (s *RateLimiterHandler) Handle(ctx context.Context, record slog.Record) error {
	return s.next.Handle(ctx, record)
}

func (s *RateLimiterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &RateLimiterHandler{
		next:    s.next.WithAttrs(attrs),
		rt:      s.rt,
		dropped: s.dropped,
	}
}

func (s *RateLimiterHandler) WithGroup(name string) slog.Handler {
	return &RateLimiterHandler{
		next:    s.next.WithGroup(name),
		rt:      s.rt,
		dropped: s.dropped,
	}
}

func (s *RateLimiterHandler) reportDropped(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, lvl := range limitedLevels {
				count := s.dropped[lvl].Swap(0)
				if count == 0 {
					continue
				}
				msg := fmt.Sprintf("logs rate limit, dropped %d lines for level %s", count, lvl.String())
				_ = s.next.Handle(ctx, slog.NewRecord(time.Now(), slog.LevelWarn, msg, 0))
			}
		}
	}
}
