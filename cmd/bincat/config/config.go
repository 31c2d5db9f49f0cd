package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
	"gopkg.in/ini.v1"
)

const (
	optionsSection = "options"
	optionsName    = "options.ini"
)

// Options are the client preferences kept in options.ini.
type Options struct {
	LoadFromStore   bool   `mapstructure:"load_from_store"`
	ServerURL       string `mapstructure:"server_url"`
	WebAnalyzer     bool   `mapstructure:"web_analyzer"`
	Autostart       bool   `mapstructure:"autostart"`
	AnalyzerCommand string `mapstructure:"analyzer_command"`
	NPKCompiler     string `mapstructure:"npk_compiler"`
	// HeadersFile holds C declarations for the analyzed binary.
	HeadersFile string `mapstructure:"headers_file"`
	// RedisAddr selects a shared redis project store instead of badger.
	RedisAddr string `mapstructure:"redis_addr"`
}

var defaults = map[string]any{
	"load_from_store":  true,
	"server_url":       "http://localhost:5000",
	"web_analyzer":     false,
	"autostart":        false,
	"analyzer_command": "bincat_native",
	"npk_compiler":     "c2newspeak",
	"headers_file":     "",
	"redis_addr":       "",
}

// Home returns $BINCAT_HOME, or ~/.bincat when unset.
func Home() string {
	if home := os.Getenv("BINCAT_HOME"); home != "" {
		return home
	}
	dir, err := os.UserHomeDir()
	if err != nil {
		return ".bincat"
	}
	return filepath.Join(dir, ".bincat")
}

func DefaultOptionsPath() string {
	return filepath.Join(Home(), "conf", optionsName)
}

// LoadOptions reads path, falling back to defaults for missing keys or a
// missing file. BINCAT_<KEY> environment variables win over the file.
func LoadOptions(path string) (Options, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(optionsSection+"."+k, val)
		_ = v.BindEnv(optionsSection+"."+k, "BINCAT_"+strings.ToUpper(k))
	}

	f, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true}, path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return Options{}, fmt.Errorf("reading %s: %w", path, err)
	default:
		values := map[string]any{}
		for _, key := range f.Section(optionsSection).Keys() {
			values[key.Name()] = key.Value()
		}
		if err := v.MergeConfigMap(map[string]any{optionsSection: values}); err != nil {
			return Options{}, err
		}
	}

	var file struct {
		Options Options `mapstructure:"options"`
	}
	if err := v.Unmarshal(&file); err != nil {
		return Options{}, fmt.Errorf("parsing options: %w", err)
	}
	return file.Options, nil
}

// SaveOptions writes opts to path, creating the parent directory.
func SaveOptions(path string, opts Options) error {
	f := ini.Empty()
	sec := f.Section(optionsSection)
	for k, v := range map[string]string{
		"load_from_store":  strconv.FormatBool(opts.LoadFromStore),
		"server_url":       opts.ServerURL,
		"web_analyzer":     strconv.FormatBool(opts.WebAnalyzer),
		"autostart":        strconv.FormatBool(opts.Autostart),
		"analyzer_command": opts.AnalyzerCommand,
		"npk_compiler":     opts.NPKCompiler,
		"headers_file":     opts.HeadersFile,
		"redis_addr":       opts.RedisAddr,
	} {
		sec.Key(k).SetValue(v)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return f.SaveTo(path)
}

type ServerConfig struct {
	ListenAddr      string        `envconfig:"BINCAT_SERVER_LISTEN_ADDR" default:":5000" validate:"required"`
	MetricsPort     int           `envconfig:"BINCAT_SERVER_METRICS_PORT" default:"6060" validate:"gte=0,lte=65535"`
	WorkDir         string        `envconfig:"BINCAT_SERVER_WORK_DIR"`
	BlobsDir        string        `envconfig:"BINCAT_SERVER_BLOBS_DIR"`
	BlobsCacheSize  uint32        `envconfig:"BINCAT_SERVER_BLOBS_CACHE_SIZE" default:"1024" validate:"gt=0"`
	AnalyzerCommand string        `envconfig:"BINCAT_SERVER_ANALYZER_COMMAND" default:"bincat_native" validate:"required"`
	PackageCompiler string        `envconfig:"BINCAT_SERVER_NPK_COMPILER" default:"c2newspeak"`
	MaxRuns         int64         `envconfig:"BINCAT_SERVER_MAX_RUNS" default:"2" validate:"gte=1"`
	RunTimeout      time.Duration `envconfig:"BINCAT_SERVER_RUN_TIMEOUT" default:"1h" validate:"gt=0"`
	KeepRuns        bool          `envconfig:"BINCAT_SERVER_KEEP_RUNS"`
	LogLevel        string        `envconfig:"BINCAT_SERVER_LOG_LEVEL" default:"INFO"`
	LogFormat       string        `envconfig:"BINCAT_SERVER_LOG_FORMAT" default:"text" validate:"oneof=text json"`
}

func ServerFromEnv() (ServerConfig, error) {
	var cfg ServerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func (c ServerConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("validating server config: %w", err)
	}
	return nil
}
