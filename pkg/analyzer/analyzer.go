package analyzer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zhouat/bincat/pkg/blobscache"
	"github.com/zhouat/bincat/pkg/logging"
)

// APIVersion is the analysis server protocol version this client speaks.
const APIVersion = "1.2"

const (
	InitConfigName   = "init.ini"
	OutputConfigName = "out.ini"
	CFAInName        = "cfain.marshal"
	CFAOutName       = "cfaout.marshal"
	LogName          = "analyzer.log"
	StdoutName       = "stdout.txt"

	displayedLogLines = 100
)

var (
	ErrUnavailable = errors.New("analyzer unavailable")
	ErrTransport   = errors.New("analyzer transport failure")
	ErrNoPackage   = errors.New("no auxiliary package")
)

type Backend string

const (
	BackendLocal Backend = "local"
	BackendWeb   Backend = "web"
)

// Paths are the artifacts of one run, all inside Dir.
type Paths struct {
	Dir          string
	InitConfig   string
	OutputConfig string
	CFAIn        string
	CFAOut       string
	Log          string
}

func NewPaths(dir string) Paths {
	return Paths{
		Dir:          dir,
		InitConfig:   filepath.Join(dir, InitConfigName),
		OutputConfig: filepath.Join(dir, OutputConfigName),
		CFAIn:        filepath.Join(dir, CFAInName),
		CFAOut:       filepath.Join(dir, CFAOutName),
		Log:          filepath.Join(dir, LogName),
	}
}

// Result is handed to the completion callback. CFAOut is empty when no
// snapshot was produced. Err is set when the run aborted before any output
// could be produced; ExitCode is informational only.
type Result struct {
	OutputConfig string
	Log          string
	CFAOut       string
	ExitCode     int
	Err          error
}

type CompletionFunc func(Result)

type Analyzer interface {
	Backend() Backend
	Paths() Paths
	// PrepareAuxiliaryPackage compiles source, or headers derived from the
	// binary when source is empty. It returns "" with a nil error when no
	// package is available.
	PrepareAuxiliaryPackage(ctx context.Context, source string) (string, error)
	// Run starts the analysis of Paths().InitConfig and returns immediately.
	// done is called exactly once from another goroutine.
	Run(ctx context.Context, done CompletionFunc)
}

type Options struct {
	Backend      Backend
	ServerURL    string
	LocalCommand string
	HTTPTimeout  time.Duration
	Confirm      blobscache.ConfirmFunc
	Digester     *blobscache.Digester
	Packages     PackageGenerator
}

// New returns the configured backend bound to dir. The web backend is only
// used when a server URL is set.
func New(ctx context.Context, log *logging.Logger, opts Options, dir string) (Analyzer, error) {
	if opts.Packages == nil {
		opts.Packages = &CommandPackageGenerator{}
	}
	if opts.Backend == BackendWeb && opts.ServerURL != "" {
		return NewWebAnalyzer(ctx, log, opts, dir)
	}
	return NewLocalAnalyzer(log, opts, dir)
}

// AnalyzeResponse is the /analyze answer. Artifacts are content digests.
type AnalyzeResponse struct {
	ErrorCode    int    `json:"errorcode"`
	OutputConfig string `json:"out.ini"`
	Log          string `json:"analyzer.log"`
	Stdout       string `json:"stdout.txt"`
	CFAOut       string `json:"cfaout.marshal,omitempty"`
}

type ConvertResponse struct {
	Status string `json:"status"`
	SHA256 string `json:"sha256,omitempty"`
}

const ConvertStatusOK = "ok"

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}

// logTail prints the last lines of the analyzer log.
func logTail(log *logging.Logger, path string, data []byte) {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	log.Debug("---- logfile ---------------")
	if len(lines) > displayedLogLines {
		log.Debugf("---- Only the last %d log lines are displayed here ---", displayedLogLines)
		log.Debugf("---- See full log in %s ---", path)
		lines = lines[len(lines)-displayedLogLines:]
	}
	for _, line := range lines {
		log.Debug(line)
	}
	log.Debug("----------------------------")
}

func writeArtifact(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
