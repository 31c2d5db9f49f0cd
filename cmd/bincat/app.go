package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"github.com/zhouat/bincat/cmd/bincat/config"
	"github.com/zhouat/bincat/pkg/analyzer"
	"github.com/zhouat/bincat/pkg/analyzerconf"
	"github.com/zhouat/bincat/pkg/blobscache"
	"github.com/zhouat/bincat/pkg/kvstore"
	"github.com/zhouat/bincat/pkg/logging"
	"github.com/zhouat/bincat/pkg/session"
)

type rootFlags struct {
	logLevel        *string
	logFormat       *string
	logRateInterval *time.Duration
	logRateBurst    *int
	optionsPath     *string
}

func newRootFlags(fs *pflag.FlagSet) *rootFlags {
	return &rootFlags{
		logLevel:        fs.String("log-level", slog.LevelInfo.String(), "Log level"),
		logFormat:       fs.String("log-format", string(logging.FormatText), "Log format, text or json"),
		logRateInterval: fs.Duration("log-rate-interval", 10*time.Millisecond, "Log rate limit interval, 0 disables rate limiting"),
		logRateBurst:    fs.Int("log-rate-burst", 200, "Log rate burst"),
		optionsPath:     fs.String("options", "", "Path to options.ini (default $BINCAT_HOME/conf/options.ini)"),
	}
}

func (f *rootFlags) options() (config.Options, error) {
	path := *f.optionsPath
	if path == "" {
		path = config.DefaultOptionsPath()
	}
	return config.LoadOptions(path)
}

func (f *rootFlags) logConfig() (*logging.Config, error) {
	lvl, err := logging.ParseLevel(*f.logLevel)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(*f.logFormat)
	if err != nil {
		return nil, err
	}
	cfg := &logging.Config{Level: lvl, Format: format}
	if *f.logRateInterval > 0 {
		cfg.RateLimiter = logging.RateLimiterConfig{
			Limit:  rate.Every(*f.logRateInterval),
			Burst:  *f.logRateBurst,
			Inform: true,
		}
	}
	return cfg, nil
}

type sessionSetup struct {
	Options      config.Options
	Binary       string
	ConfigPath   string
	ProjectStore string
	Web          bool
	Confirm      blobscache.ConfirmFunc
	Annotator    session.Annotator
}

// cliHost stands in for the disassembler project the binary belongs to.
type cliHost struct {
	input, project string
}

func (h cliHost) InputFilePath() string { return h.input }
func (h cliHost) ProjectPath() string   { return h.project }

// openStore returns the namespaced project store. Redis is used when
// configured, badger otherwise; badger is kept in memory without a path.
func openStore(log *logging.Logger, opts config.Options, path string) (kvstore.Store, error) {
	if opts.RedisAddr != "" {
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{opts.RedisAddr}})
		return kvstore.Namespaced(kvstore.NewRedis(client), kvstore.DefaultNamespace), nil
	}
	cfg := kvstore.InMemoryBadgerConfig()
	if path != "" {
		cfg = kvstore.DefaultBadgerConfig(path)
	}
	store, err := kvstore.OpenBadger(log, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening project store: %w", err)
	}
	return kvstore.Namespaced(store, kvstore.DefaultNamespace), nil
}

func analyzerOptions(opts config.Options, web bool, confirm blobscache.ConfirmFunc) analyzer.Options {
	backend := analyzer.BackendLocal
	if web || opts.WebAnalyzer {
		backend = analyzer.BackendWeb
	}
	return analyzer.Options{
		Backend:      backend,
		ServerURL:    opts.ServerURL,
		LocalCommand: opts.AnalyzerCommand,
		Confirm:      confirm,
		Digester:     blobscache.NewDigester(256),
		Packages: &analyzer.CommandPackageGenerator{
			Command:     opts.NPKCompiler,
			HeadersFile: opts.HeadersFile,
		},
	}
}

// newSession wires the project store and the analyzer backend into a
// session. The caller closes both.
func newSession(ctx context.Context, log *logging.Logger, setup sessionSetup) (*session.Session, kvstore.Store, error) {
	conf := analyzerconf.New()
	if setup.ConfigPath != "" {
		var err error
		conf, err = analyzerconf.Load(setup.ConfigPath)
		if err != nil {
			return nil, nil, err
		}
	}
	if setup.Binary != "" {
		conf.SetBinaryPath(setup.Binary)
	}

	store, err := openStore(log, setup.Options, setup.ProjectStore)
	if err != nil {
		return nil, nil, err
	}

	aopts := analyzerOptions(setup.Options, setup.Web, setup.Confirm)
	sess := session.New(ctx, log, session.Config{
		Analysis:      conf,
		LoadFromStore: setup.Options.LoadFromStore,
	}, session.Deps{
		Store:     store,
		Host:      cliHost{input: setup.Binary, project: setup.ProjectStore},
		Annotator: setup.Annotator,
		NewAnalyzer: func(ctx context.Context, dir string) (analyzer.Analyzer, error) {
			return analyzer.New(ctx, log, aopts, dir)
		},
	})
	return sess, store, nil
}
