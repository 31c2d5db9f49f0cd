package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOptions(t *testing.T) {
	t.Run("defaults without file", func(t *testing.T) {
		r := require.New(t)
		opts, err := LoadOptions(filepath.Join(t.TempDir(), "options.ini"))
		r.NoError(err)
		r.Equal(Options{
			LoadFromStore:   true,
			ServerURL:       "http://localhost:5000",
			AnalyzerCommand: "bincat_native",
			NPKCompiler:     "c2newspeak",
		}, opts)
	})

	t.Run("file values and partial files", func(t *testing.T) {
		r := require.New(t)
		p := filepath.Join(t.TempDir(), "options.ini")
		r.NoError(os.WriteFile(p, []byte("[options]\nweb_analyzer = True\nserver_url = http://analysis:5000 ; remote\n"), 0o600))

		opts, err := LoadOptions(p)
		r.NoError(err)
		r.True(opts.WebAnalyzer)
		r.Equal("http://analysis:5000 ; remote", opts.ServerURL)
		r.True(opts.LoadFromStore)
		r.Equal("c2newspeak", opts.NPKCompiler)
	})

	t.Run("environment wins", func(t *testing.T) {
		r := require.New(t)
		p := filepath.Join(t.TempDir(), "options.ini")
		r.NoError(os.WriteFile(p, []byte("[options]\nautostart = false\n"), 0o600))
		t.Setenv("BINCAT_AUTOSTART", "true")
		t.Setenv("BINCAT_REDIS_ADDR", "localhost:6379")

		opts, err := LoadOptions(p)
		r.NoError(err)
		r.True(opts.Autostart)
		r.Equal("localhost:6379", opts.RedisAddr)
	})

	t.Run("save and load", func(t *testing.T) {
		r := require.New(t)
		p := filepath.Join(t.TempDir(), "conf", "options.ini")
		want := Options{
			ServerURL:       "http://10.0.0.2:5000",
			WebAnalyzer:     true,
			AnalyzerCommand: "bincat_native --verbose",
			NPKCompiler:     "c2newspeak",
			HeadersFile:     "/tmp/headers.h",
		}
		r.NoError(SaveOptions(p, want))
		got, err := LoadOptions(p)
		r.NoError(err)
		r.Equal(want, got)
	})

	t.Run("home", func(t *testing.T) {
		r := require.New(t)
		t.Setenv("BINCAT_HOME", "/opt/bincat")
		r.Equal("/opt/bincat/conf/options.ini", DefaultOptionsPath())
	})
}

func TestServerConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		r := require.New(t)
		cfg, err := ServerFromEnv()
		r.NoError(err)
		r.NoError(cfg.Validate())
		r.Equal(":5000", cfg.ListenAddr)
		r.Equal(int64(2), cfg.MaxRuns)
		r.Equal(time.Hour, cfg.RunTimeout)
		r.Equal("text", cfg.LogFormat)
	})

	t.Run("unknown log format", func(t *testing.T) {
		r := require.New(t)
		t.Setenv("BINCAT_SERVER_LOG_FORMAT", "xml")
		cfg, err := ServerFromEnv()
		r.NoError(err)
		r.Error(cfg.Validate())
	})

	t.Run("invalid", func(t *testing.T) {
		r := require.New(t)
		t.Setenv("BINCAT_SERVER_MAX_RUNS", "0")
		cfg, err := ServerFromEnv()
		r.NoError(err)
		r.Error(cfg.Validate())
	})
}
