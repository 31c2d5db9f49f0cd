package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zhouat/bincat/pkg/analyzer"
	"github.com/zhouat/bincat/pkg/analyzerconf"
	"github.com/zhouat/bincat/pkg/cfa"
	"github.com/zhouat/bincat/pkg/kvstore"
	"github.com/zhouat/bincat/pkg/logging"
	"github.com/zhouat/bincat/pkg/metrics"
	"github.com/zhouat/bincat/pkg/overrides"
)

var (
	ErrPreconditionUnmet = errors.New("precondition unmet")
	ErrAnalysisRunning   = errors.New("analysis already running")
	ErrNoResult          = errors.New("no analysis result")
	ErrUnknownNode       = errors.New("unknown node")
)

type Phase int32

const (
	Idle Phase = iota
	Running
	Applying
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Applying:
		return "applying"
	}
	return fmt.Sprintf("phase(%d)", int32(p))
}

// Host describes the project the analyzed binary belongs to.
type Host interface {
	// InputFilePath is the binary path recorded by the project.
	InputFilePath() string
	// ProjectPath is the path of the project database.
	ProjectPath() string
}

// Annotator marks analyzed addresses in the consumer's view.
type Annotator interface {
	SetTaint(addr cfa.Address, tainted bool)
	ClearAll(addrs []cfa.Address)
}

// AnalyzerFactory builds the backend of one run, bound to dir.
type AnalyzerFactory func(ctx context.Context, dir string) (analyzer.Analyzer, error)

type Config struct {
	// Analysis is the configuration edited by the user. Defaults to an empty one.
	Analysis      *analyzerconf.Config
	LoadFromStore bool
	// WorkDir receives run directories. Defaults to the system temp dir.
	WorkDir string
}

type Deps struct {
	Store       kvstore.Store
	Host        Host
	Annotator   Annotator
	NewAnalyzer AnalyzerFactory
}

type Session struct {
	log  *logging.Logger
	ctx  context.Context
	cfg  Config
	deps Deps

	overrides      *overrides.List
	unsubOverrides func()

	mu              sync.Mutex
	config          *analyzerconf.Config
	cfa             *cfa.CFA
	cursor          Cursor
	cursorSubs      []cursorSubscription
	nextSub         uint64
	phase           Phase
	active          analyzer.Analyzer
	runDone         chan struct{}
	lastCFAOut      []byte
	remappedBinPath string
	remapBinary     bool
}

func New(ctx context.Context, log *logging.Logger, cfg Config, deps Deps) *Session {
	if cfg.Analysis == nil {
		cfg.Analysis = analyzerconf.New()
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if deps.Annotator == nil {
		deps.Annotator = nopAnnotator{}
	}
	s := &Session{
		log:         log.Component("session"),
		ctx:         ctx,
		cfg:         cfg,
		deps:        deps,
		overrides:   overrides.New(),
		config:      cfg.Analysis,
		remapBinary: true,
	}
	if cfg.LoadFromStore {
		if err := s.LoadFromStore(ctx); err != nil {
			s.log.Errorf("loading analysis results from store: %v", err)
		}
	}
	s.unsubOverrides = s.overrides.Subscribe(nil, s.persistOverrides)
	return s
}

func (s *Session) Overrides() *overrides.List {
	return s.overrides
}

func (s *Session) CFA() *cfa.CFA {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfa
}

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// AnalysisConfig returns a copy of the configuration used for the next run.
func (s *Session) AnalysisConfig() (*analyzerconf.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config.Clone()
}

func (s *Session) RemappedBinary() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remappedBinPath, s.remapBinary
}

// SetRemappedBinary is persisted with the next result.
func (s *Session) SetRemappedBinary(path string, remap bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remappedBinPath = path
	s.remapBinary = remap
}

// Wait blocks until the in-flight run, if any, has been applied.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.runDone
	idle := s.phase == Idle
	s.mu.Unlock()
	if idle || done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartAnalysis prepares a run directory and starts the configured backend.
// configOverride, when set, replaces the configuration before the run.
// It returns once the backend is running; Wait blocks until it is applied.
func (s *Session) StartAnalysis(ctx context.Context, configOverride string) error {
	req, lastCFAOut, err := s.reserveRun(configOverride)
	if err != nil {
		return err
	}

	a, err := s.prepareRun(ctx, req, lastCFAOut)
	if err != nil {
		s.releaseRun()
		return err
	}

	started := time.Now()
	s.mu.Lock()
	s.active = a
	s.mu.Unlock()
	s.log.Infof("analysis started, backend=%s, dir=%s", a.Backend(), a.Paths().Dir)
	a.Run(ctx, func(res analyzer.Result) {
		s.complete(a, started, res)
	})
	return nil
}

// ReRun starts a new analysis with the current configuration and overrides.
func (s *Session) ReRun(ctx context.Context) error {
	return s.StartAnalysis(ctx, "")
}

// reserveRun checks the preconditions and moves the session to Running.
func (s *Session) reserveRun(configOverride string) (*analyzerconf.Config, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != Idle {
		return nil, nil, ErrAnalysisRunning
	}
	if configOverride != "" {
		c, err := analyzerconf.LoadString(configOverride)
		if err != nil {
			return nil, nil, err
		}
		s.config = c
	}

	binary, ok := s.resolveBinary(s.config.BinaryPath())
	if !ok {
		metrics.AnalysisPreconditionFailuresTotal.Inc()
		return nil, nil, fmt.Errorf("file %q does not exist, please fix path in configuration: %w",
			s.config.BinaryPath(), ErrPreconditionUnmet)
	}
	s.log.Debugf("using %s as source binary path", binary)
	s.config.SetBinaryPath(binary)

	if s.config.RequiresPriorCFA() && s.lastCFAOut == nil {
		metrics.AnalysisPreconditionFailuresTotal.Inc()
		return nil, nil, fmt.Errorf("no marshalled CFA has been recorded, run a forward analysis first: %w", ErrPreconditionUnmet)
	}

	req, err := s.config.Clone()
	if err != nil {
		return nil, nil, err
	}
	s.phase = Running
	s.runDone = make(chan struct{})
	return req, s.lastCFAOut, nil
}

func (s *Session) releaseRun() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = Idle
	s.active = nil
	close(s.runDone)
}

// prepareRun builds the backend and writes its input files. The run
// directory is removed when it fails.
func (s *Session) prepareRun(ctx context.Context, req *analyzerconf.Config, lastCFAOut []byte) (a analyzer.Analyzer, rerr error) {
	dir, err := os.MkdirTemp(s.cfg.WorkDir, "bincat")
	if err != nil {
		return nil, fmt.Errorf("creating run directory: %w", err)
	}
	defer func() {
		if rerr == nil {
			return
		}
		if a != nil {
			metrics.AnalysisRunsTotal.WithLabelValues(string(a.Backend()), metrics.StatusAborted).Inc()
		}
		if err := os.RemoveAll(dir); err != nil {
			s.log.Warnf("removing %s: %v", dir, err)
		}
	}()

	a, err = s.deps.NewAnalyzer(ctx, dir)
	if err != nil {
		s.log.Errorf("analyzer is unavailable: %v", err)
		return nil, err
	}
	s.log.Debugf("current analyzer path: %s", dir)

	paths := a.Paths()
	req.UpdateOverrides(s.overrides.All())
	req.SetCFAOptions(true, paths.CFAIn, paths.CFAOut)
	if req.RequiresPriorCFA() {
		if err := os.WriteFile(paths.CFAIn, lastCFAOut, 0o600); err != nil {
			return a, err
		}
	}

	headers, err := s.resolveHeaders(ctx, a, req.Headers())
	if err != nil {
		return a, err
	}
	req.SetHeaders(headers)

	if err := req.WriteFile(paths.InitConfig); err != nil {
		return a, err
	}
	return a, nil
}

// resolveHeaders replaces C sources by compiled packages cached next to them
// and appends the package derived from the binary when there is one.
func (s *Session) resolveHeaders(ctx context.Context, a analyzer.Analyzer, headers []string) ([]string, error) {
	s.log.Debugf("initial npk files: %v", headers)
	var res []string
	for _, h := range headers {
		if !strings.HasSuffix(h, ".c") {
			res = append(res, h)
			continue
		}
		cached := strings.TrimSuffix(h, ".c") + ".no"
		if !fileExists(cached) {
			npk, err := a.PrepareAuxiliaryPackage(ctx, h)
			if err != nil {
				return nil, fmt.Errorf("compiling %s: %w", h, err)
			}
			if npk == "" {
				s.log.Warnf("no package could be built from %s, skipping it", h)
				continue
			}
			if err := copyFile(npk, cached); err != nil {
				s.log.Warnf("caching %s: %v", cached, err)
				cached = npk
			}
		}
		res = append(res, cached)
	}

	npk, err := a.PrepareAuxiliaryPackage(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("generating package for the binary: %w", err)
	}
	if npk == "" {
		s.log.Debug(".npk file could not be generated, continuing.")
	} else {
		s.log.Debug(".npk file has been successfully generated.")
		res = append(res, npk)
	}
	s.log.Debugf("final npk files: %v", res)
	return res, nil
}

func (s *Session) resolveBinary(configured string) (string, bool) {
	candidates := []string{configured}
	if s.deps.Host != nil {
		candidates = append(candidates, s.deps.Host.InputFilePath())
		if project := s.deps.Host.ProjectPath(); project != "" {
			switch ext := filepath.Ext(project); ext {
			case ".idb", ".i64":
				candidates = append(candidates, strings.TrimSuffix(project, ext)+".exe")
			}
		}
	}
	for _, c := range candidates {
		if c != "" && fileExists(c) {
			return c, true
		}
	}
	return "", false
}

func (s *Session) complete(a analyzer.Analyzer, started time.Time, res analyzer.Result) {
	backend := string(a.Backend())
	metrics.AnalysisRunDuration.WithLabelValues(backend).Observe(time.Since(started).Seconds())

	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() {
		s.phase = Idle
		s.active = nil
		close(s.runDone)
	}()

	if res.Err != nil {
		s.log.Errorf("analysis failed: %v", res.Err)
		metrics.AnalysisRunsTotal.WithLabelValues(backend, metrics.StatusFailed).Inc()
		return
	}
	if res.ExitCode != 0 {
		s.log.Errorf("analyzer returned exit code=%d", res.ExitCode)
	}

	s.phase = Applying
	status := metrics.StatusOK
	switch {
	case !s.applyLocked(res.OutputConfig, res.Log, res.CFAOut, nil):
		status = metrics.StatusNoResult
	case res.ExitCode != 0:
		status = metrics.StatusPartial
	}
	metrics.AnalysisRunsTotal.WithLabelValues(backend, status).Inc()
}

// OnAnalysisComplete applies an analyzer output to the session. It reports
// whether a result could be parsed. addr, when set, is where the cursor goes.
func (s *Session) OnAnalysisComplete(outputConfig, logPath, cfaOut string, addr *cfa.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(outputConfig, logPath, cfaOut, addr)
}

func (s *Session) applyLocked(outputConfig, logPath, cfaOut string, addr *cfa.Address) bool {
	s.log.Debug("parsing analyzer result file")
	result, err := cfa.ParseFile(outputConfig)
	if err != nil {
		s.log.Info("Empty or unparseable result file.")
		s.log.Debugf("parsing %s: %v", outputConfig, err)
		result = nil
	}

	if s.cfa != nil {
		s.deps.Annotator.ClearAll(s.cfa.Addresses())
	}
	s.cfa = result

	if result != nil {
		s.persistResultLocked(outputConfig, logPath, cfaOut)
	}

	target, hasTarget := s.cursor.Address, s.cursor.HasAddress
	if addr != nil {
		target, hasTarget = *addr, true
	} else if result != nil {
		if entry, found := result.Node(cfa.EntryNode); found {
			target, hasTarget = entry.Address, true
		}
	}
	s.setCursorLocked(target, hasTarget, cursorOptions{force: true})

	if result == nil {
		return false
	}
	if s.cursor.HasAddress {
		s.storeSet(keyCurrentEA, []byte(s.cursor.Address.String()))
	}
	for _, a := range result.Addresses() {
		s.deps.Annotator.SetTaint(a, result.IsAddressTainted(a))
	}
	return true
}

func (s *Session) persistResultLocked(outputConfig, logPath, cfaOut string) {
	s.log.Info("Storing analysis results")
	if data, err := os.ReadFile(outputConfig); err == nil {
		s.storeSet(keyOutputConfig, data)
	}
	logData, err := os.ReadFile(logPath)
	if err != nil {
		s.log.Warnf("reading analyzer log: %v", err)
	}
	s.storeSet(keyAnalyzerLog, logData)
	if s.remappedBinPath != "" {
		s.storeSet(keyRemappedBinPath, []byte(s.remappedBinPath))
	}
	s.storeSet(keyRemapBinary, []byte(fmt.Sprint(s.remapBinary)))
	if cfaOut != "" && fileExists(cfaOut) {
		data, err := os.ReadFile(cfaOut)
		if err != nil {
			s.log.Warnf("reading %s: %v", cfaOut, err)
			return
		}
		s.lastCFAOut = data
		s.storeSet(keyCFAOut, data)
	}
}

// Close clears the annotations of the current result.
func (s *Session) Close() error {
	if s.unsubOverrides != nil {
		s.unsubOverrides()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfa != nil {
		s.deps.Annotator.ClearAll(s.cfa.Addresses())
	}
	return nil
}

// DebugState is a point-in-time view of the session internals.
type DebugState struct {
	Phase           Phase
	Backend         string
	RunDir          string
	Cursor          Cursor
	Nodes           int
	Overrides       []overrides.Override
	HasCFASnapshot  bool
	RemappedBinPath string
	RemapBinary     bool
	Config          string
}

func (s *Session) DebugState() DebugState {
	st := DebugState{Overrides: s.overrides.All()}
	s.mu.Lock()
	defer s.mu.Unlock()
	st.Phase = s.phase
	if s.active != nil {
		st.Backend = string(s.active.Backend())
		st.RunDir = s.active.Paths().Dir
	}
	st.Cursor = s.cursor.clone()
	if s.cfa != nil {
		st.Nodes = s.cfa.Len()
	}
	st.HasCFASnapshot = s.lastCFAOut != nil
	st.RemappedBinPath = s.remappedBinPath
	st.RemapBinary = s.remapBinary
	st.Config = s.config.String()
	return st
}

type nopAnnotator struct{}

func (nopAnnotator) SetTaint(cfa.Address, bool) {}

func (nopAnnotator) ClearAll([]cfa.Address) {}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
