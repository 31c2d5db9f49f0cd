package analyzer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
	"go.uber.org/atomic"

	"github.com/zhouat/bincat/pkg/logging"
)

const DefaultLocalCommand = "bincat_native"

// waitDelay bounds how long output pipes are drained after the process died.
const waitDelay = 5 * time.Second

type ProcessState int32

const (
	NotRunning ProcessState = iota
	Starting
	Running
)

func (s ProcessState) String() string {
	switch s {
	case NotRunning:
		return "not running"
	case Starting:
		return "starting"
	case Running:
		return "running"
	}
	return fmt.Sprintf("unknown(%d)", int32(s))
}

type processEventKind int

const (
	eventStateChanged processEventKind = iota
	eventStarted
	eventError
	eventFinished
)

type processEvent struct {
	kind     processEventKind
	state    ProcessState
	exitCode int
	err      error
	// notStarted marks errors raised before the process existed.
	notStarted bool
}

// LocalAnalyzer runs the analyzer as a child process with the init, output
// and log paths as arguments.
type LocalAnalyzer struct {
	log      *logging.Logger
	paths    Paths
	command  []string
	packages PackageGenerator

	state  *atomic.Int32
	once   sync.Once
	stdout bytes.Buffer
	stderr bytes.Buffer
}

func NewLocalAnalyzer(log *logging.Logger, opts Options, dir string) (*LocalAnalyzer, error) {
	command := opts.LocalCommand
	if command == "" {
		command = DefaultLocalCommand
	}
	args, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parsing analyzer command %q: %w", command, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("empty analyzer command: %w", ErrUnavailable)
	}
	packages := opts.Packages
	if packages == nil {
		packages = &CommandPackageGenerator{}
	}
	return &LocalAnalyzer{
		log:      log.Component("local_analyzer"),
		paths:    NewPaths(dir),
		command:  args,
		packages: packages,
		state:    atomic.NewInt32(int32(NotRunning)),
	}, nil
}

func (a *LocalAnalyzer) Backend() Backend {
	return BackendLocal
}

func (a *LocalAnalyzer) Paths() Paths {
	return a.paths
}

func (a *LocalAnalyzer) State() ProcessState {
	return ProcessState(a.state.Load())
}

func (a *LocalAnalyzer) PrepareAuxiliaryPackage(ctx context.Context, source string) (string, error) {
	if source == "" {
		p, err := writeGeneratedHeaders(ctx, a.packages, a.paths.Dir)
		if err != nil || p == "" {
			return "", err
		}
		source = p
	}
	npk, err := a.packages.Compile(ctx, a.paths.Dir, source)
	if errors.Is(err, ErrNoPackage) {
		a.log.Debugf("no package for %s: %v", source, err)
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return npk, nil
}

func (a *LocalAnalyzer) Run(ctx context.Context, done CompletionFunc) {
	events := make(chan processEvent, 8)
	go a.handleEvents(events, done)
	go a.supervise(ctx, events)
}

// supervise owns the child process and reports its lifecycle on events.
func (a *LocalAnalyzer) supervise(ctx context.Context, events chan<- processEvent) {
	defer close(events)

	args := append(slices.Clone(a.command), a.paths.InitConfig, a.paths.OutputConfig, a.paths.Log)
	a.log.Debugf("analyzer cmdline: %v", args)

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec
	cmd.Dir = a.paths.Dir
	cmd.Stdout = &a.stdout
	cmd.Stderr = &a.stderr
	cmd.WaitDelay = waitDelay

	events <- processEvent{kind: eventStateChanged, state: Starting}
	if err := cmd.Start(); err != nil {
		events <- processEvent{kind: eventStateChanged, state: NotRunning}
		events <- processEvent{kind: eventError, err: fmt.Errorf("failed to start: %w", err), exitCode: -1, notStarted: true}
		return
	}
	events <- processEvent{kind: eventStarted}
	events <- processEvent{kind: eventStateChanged, state: Running}

	err := cmd.Wait()
	events <- processEvent{kind: eventStateChanged, state: NotRunning}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		events <- processEvent{kind: eventFinished}
	case errors.As(err, &exitErr) && exitErr.Exited():
		events <- processEvent{kind: eventFinished, exitCode: exitErr.ExitCode()}
	default:
		events <- processEvent{kind: eventError, err: fmt.Errorf("crashed: %w", err), exitCode: -1}
	}
}

func (a *LocalAnalyzer) handleEvents(events <-chan processEvent, done CompletionFunc) {
	for ev := range events {
		switch ev.kind {
		case eventStateChanged:
			a.state.Store(int32(ev.state))
			a.log.Debugf("analyzer new state: %s", ev.state)
		case eventStarted:
			a.log.Info("analyzer process started")
		case eventError:
			a.log.Errorf("analyzer error: %v", ev.err)
			a.finish(ev, done)
		case eventFinished:
			a.log.Infof("analyzer process finished, exit code=%d", ev.exitCode)
			a.finish(ev, done)
		}
	}
}

func (a *LocalAnalyzer) finish(ev processEvent, done CompletionFunc) {
	a.once.Do(func() {
		a.processOutput()
		res := Result{
			OutputConfig: a.paths.OutputConfig,
			Log:          a.paths.Log,
			ExitCode:     ev.exitCode,
		}
		if ev.notStarted {
			res.Err = ev.err
		}
		if fileExists(a.paths.CFAOut) {
			res.CFAOut = a.paths.CFAOut
		}
		done(res)
	})
}

func (a *LocalAnalyzer) processOutput() {
	a.log.Info("---- stdout ----------------")
	a.log.Lines(slog.LevelInfo, a.stdout.String())
	a.log.Info("---- stderr ----------------")
	a.log.Lines(slog.LevelInfo, a.stderr.String())
	data, err := os.ReadFile(a.paths.Log)
	if err != nil {
		a.log.Debugf("no analyzer log: %v", err)
		return
	}
	logTail(a.log, a.paths.Log, data)
}

// CombinedOutput returns stdout followed by stderr of the process. It is only
// meaningful once the completion callback ran.
func (a *LocalAnalyzer) CombinedOutput() []byte {
	out := slices.Clone(a.stdout.Bytes())
	return append(out, a.stderr.Bytes()...)
}
