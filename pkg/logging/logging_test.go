package logging_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/zhouat/bincat/pkg/logging"
)

func TestLogger(t *testing.T) {
	t.Run("print long", func(t *testing.T) {
		var out bytes.Buffer
		log := logging.New(&logging.Config{
			Output:    &out,
			Level:     logging.MustParseLevel("DEBUG"),
			AddSource: true,
		})

		log.Errorf("something wrong: %v", errors.New("ups"))
		sessionLog := log.WithField("component", "session")
		sessionLog.Info("with component")

		require.Contains(t, out.String(), "something wrong: ups")
		require.Contains(t, out.String(), "component=session")
		require.Contains(t, out.String(), "logging_test.go")
	})

	t.Run("level filter", func(t *testing.T) {
		var out bytes.Buffer
		log := logging.New(&logging.Config{
			Output: &out,
			Level:  slog.LevelWarn,
		})
		log.Debug("hidden")
		log.Info("hidden too")
		log.Warnf("visible %d", 1)

		require.Equal(t, 1, countLogLines(&out))
		require.False(t, log.IsEnabled(slog.LevelInfo))
	})

	t.Run("parse level", func(t *testing.T) {
		r := require.New(t)
		lvl, err := logging.ParseLevel("warn")
		r.NoError(err)
		r.Equal(slog.LevelWarn, lvl)
		_, err = logging.ParseLevel("loud")
		r.Error(err)
		r.Panics(func() { logging.MustParseLevel("loud") })
	})

	t.Run("rate limit", func(t *testing.T) {
		var out bytes.Buffer
		log := logging.New(&logging.Config{
			Output: &out,
			Level:  logging.MustParseLevel("DEBUG"),
			RateLimiter: logging.RateLimiterConfig{
				Limit: rate.Every(10 * time.Millisecond),
				Burst: 1,
			},
		})

		for i := 0; i < 10; i++ {
			log.WithField("component", "test").Info("test")
			time.Sleep(8 * time.Millisecond)
		}

		require.GreaterOrEqual(t, countLogLines(&out), 5)
	})

	t.Run("export logs", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		exportedLogs := make(chan slog.Record, 1)
		log := logging.New(&logging.Config{
			Ctx:    ctx,
			Output: &bytes.Buffer{},
			Level:  logging.MustParseLevel("DEBUG"),
			Export: logging.ExportConfig{
				ExportFunc: func(ctx context.Context, record slog.Record) {
					exportedLogs <- record
				},
				MinLevel: slog.LevelWarn,
			},
		})

		log.Info("should not export info")
		log.WithField("component", "test").Error("should export error")

		select {
		case logRecord := <-exportedLogs:
			require.Equal(t, "should export error", logRecord.Message)
			component, found := logging.RecordAttr(logRecord, "component")
			require.True(t, found)
			require.Equal(t, "test", component)
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
	})

	t.Run("export drops when the queue is full", func(t *testing.T) {
		r := require.New(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		release := make(chan struct{})
		h := logging.NewExportHandler(ctx, slog.NewTextHandler(&bytes.Buffer{}, nil), logging.ExportConfig{
			ExportFunc: func(ctx context.Context, record slog.Record) {
				<-release
			},
			MinLevel:  slog.LevelWarn,
			QueueSize: 1,
		})
		log := slog.New(h)
		for i := 0; i < 10; i++ {
			log.Warn("flood")
		}
		close(release)
		// One record may be held by the exporter and one queued.
		r.GreaterOrEqual(h.Dropped(), int64(8))
	})

	t.Run("json format", func(t *testing.T) {
		r := require.New(t)
		format, err := logging.ParseFormat("JSON")
		r.NoError(err)
		var out bytes.Buffer
		log := logging.New(&logging.Config{Output: &out, Level: slog.LevelInfo, Format: format})
		log.Component("web_analyzer").Infof("uploaded %d files", 2)

		var rec map[string]any
		r.NoError(jsoniter.Unmarshal(out.Bytes(), &rec))
		r.Equal("uploaded 2 files", rec["msg"])
		r.Equal("web_analyzer", rec[logging.ComponentKey])

		_, err = logging.ParseFormat("xml")
		r.Error(err)
	})

	t.Run("lines", func(t *testing.T) {
		r := require.New(t)
		var out bytes.Buffer
		log := logging.New(&logging.Config{Output: &out, Level: slog.LevelInfo})
		log.Lines(slog.LevelInfo, "first\n\n  \nsecond 100%\r\n")
		log.Lines(slog.LevelDebug, "hidden")

		r.Equal(2, countLogLines(&out))
		r.Contains(out.String(), "msg=first")
		r.Contains(out.String(), `msg="second 100%"`)
		r.NotContains(out.String(), "hidden")
	})

	t.Run("discard", func(t *testing.T) {
		log := logging.Discard()
		require.False(t, log.IsEnabled(slog.LevelError))
		log.Error("dropped")
	})
}

func countLogLines(buf *bytes.Buffer) int {
	return strings.Count(buf.String(), "\n")
}
