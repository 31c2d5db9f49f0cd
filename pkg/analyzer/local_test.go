package analyzer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"

	"github.com/zhouat/bincat/pkg/cfa"
	"github.com/zhouat/bincat/pkg/logging"
)

const validOutput = `[node = 0]
address = global 0x1000
reg[eax] = 0x0!0x0

[node = 1]
address = global 0x1004
reg[eax] = 0x41!0xff

[edges]
e0 = 0 -> 1
`

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// writeScript creates an executable fake analyzer. It receives the init,
// output and log paths as $1, $2 and $3.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "fake bincat.sh")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body), 0o700))
	return p
}

func runLocal(t *testing.T, log *logging.Logger, command string) (*LocalAnalyzer, Result, *atomic.Int32) {
	t.Helper()
	dir := t.TempDir()
	a, err := NewLocalAnalyzer(log, Options{LocalCommand: command}, dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(a.Paths().InitConfig, []byte("[program]\n"), 0o600))

	calls := atomic.NewInt32(0)
	results := make(chan Result, 2)
	a.Run(context.Background(), func(res Result) {
		calls.Inc()
		results <- res
	})
	select {
	case res := <-results:
		return a, res, calls
	case <-time.After(10 * time.Second):
		t.Fatal("completion callback not called")
	}
	return nil, Result{}, nil
}

func quote(p string) string {
	return "'" + p + "'"
}

func TestLocalAnalyzer(t *testing.T) {
	defer goleak.VerifyNone(t)
	log := logging.NewTestLog()

	t.Run("non zero exit code keeps output usable", func(t *testing.T) {
		r := require.New(t)
		script := writeScript(t, fmt.Sprintf("cat > \"$2\" <<'EOF'\n%sEOF\necho done > \"$3\"\necho analyzing\nexit 1\n", validOutput))

		a, res, calls := runLocal(t, log, "sh "+quote(script))
		r.NoError(res.Err)
		r.Equal(1, res.ExitCode)
		r.Equal(a.Paths().OutputConfig, res.OutputConfig)
		r.Equal(a.Paths().Log, res.Log)
		r.Empty(res.CFAOut)
		r.Equal(NotRunning, a.State())
		r.Equal("analyzing\n", string(a.CombinedOutput()))

		c, err := cfa.ParseFile(res.OutputConfig)
		r.NoError(err)
		r.Equal(2, c.Len())

		time.Sleep(50 * time.Millisecond)
		r.EqualValues(1, calls.Load())
	})

	t.Run("arguments are the three run paths", func(t *testing.T) {
		r := require.New(t)
		script := writeScript(t, "echo \"$1|$2|$3\" > \"$2\"\n: > \"$(dirname \"$2\")/cfaout.marshal\"\n")

		a, res, _ := runLocal(t, log, "sh "+quote(script))
		r.NoError(res.Err)
		r.Zero(res.ExitCode)
		r.Equal(a.Paths().CFAOut, res.CFAOut)

		got, err := os.ReadFile(res.OutputConfig)
		r.NoError(err)
		p := a.Paths()
		r.Equal(p.InitConfig+"|"+p.OutputConfig+"|"+p.Log, strings.TrimSpace(string(got)))
	})

	t.Run("start failure still completes", func(t *testing.T) {
		r := require.New(t)
		_, res, calls := runLocal(t, log, filepath.Join(t.TempDir(), "missing_bincat"))
		r.Error(res.Err)
		r.Contains(res.Err.Error(), "failed to start")
		r.Equal(-1, res.ExitCode)

		time.Sleep(50 * time.Millisecond)
		r.EqualValues(1, calls.Load())
	})

	t.Run("only the log tail is displayed", func(t *testing.T) {
		r := require.New(t)
		out := &syncBuffer{}
		captured := logging.New(&logging.Config{Level: slog.LevelDebug, Output: out})
		script := writeScript(t, "i=1\nwhile [ $i -le 150 ]; do echo \"line-$i.\" >> \"$3\"; i=$((i+1)); done\n")

		a, res, _ := runLocal(t, captured, "sh "+quote(script))
		r.NoError(res.Err)
		text := out.String()
		r.Contains(text, "See full log in "+a.Paths().Log)
		r.Contains(text, "line-51.")
		r.Contains(text, "line-150.")
		r.NotContains(text, "line-50.")
	})

	t.Run("cancel kills the process", func(t *testing.T) {
		r := require.New(t)
		a, err := NewLocalAnalyzer(log, Options{LocalCommand: "sh -c 'exec sleep 30' bincat"}, t.TempDir())
		r.NoError(err)

		ctx, cancel := context.WithCancel(context.Background())
		results := make(chan Result, 1)
		a.Run(ctx, func(res Result) { results <- res })
		r.Eventually(func() bool { return a.State() == Running }, 5*time.Second, 10*time.Millisecond)
		cancel()

		select {
		case res := <-results:
			r.NoError(res.Err)
			r.Equal(-1, res.ExitCode)
		case <-time.After(10 * time.Second):
			t.Fatal("completion callback not called")
		}
	})

	t.Run("invalid command", func(t *testing.T) {
		_, err := NewLocalAnalyzer(log, Options{LocalCommand: "bincat 'unterminated"}, t.TempDir())
		require.Error(t, err)
	})
}

type fakePackages struct {
	headers  []byte
	compiled []string
	err      error
}

func (f *fakePackages) HeaderData(ctx context.Context) ([]byte, error) {
	if f.headers == nil {
		return nil, ErrNoPackage
	}
	return f.headers, nil
}

func (f *fakePackages) Compile(ctx context.Context, dir, source string) (string, error) {
	f.compiled = append(f.compiled, source)
	if f.err != nil {
		return "", f.err
	}
	out := filepath.Join(dir, packageName(source))
	return out, os.WriteFile(out, []byte("npk:"+source), 0o600)
}

func TestLocalPrepareAuxiliaryPackage(t *testing.T) {
	log := logging.NewTestLog()

	t.Run("explicit source", func(t *testing.T) {
		r := require.New(t)
		gen := &fakePackages{}
		a, err := NewLocalAnalyzer(log, Options{Packages: gen}, t.TempDir())
		r.NoError(err)

		npk, err := a.PrepareAuxiliaryPackage(context.Background(), "/src/libc.c")
		r.NoError(err)
		r.Equal(filepath.Join(a.Paths().Dir, "libc.no"), npk)
	})

	t.Run("binary headers", func(t *testing.T) {
		r := require.New(t)
		gen := &fakePackages{headers: []byte("typedef int pid_t;")}
		a, err := NewLocalAnalyzer(log, Options{Packages: gen}, t.TempDir())
		r.NoError(err)

		npk, err := a.PrepareAuxiliaryPackage(context.Background(), "")
		r.NoError(err)
		r.NotEmpty(npk)
		r.Equal([]string{filepath.Join(a.Paths().Dir, generatedHeadersName)}, gen.compiled)
	})

	t.Run("no package is not an error", func(t *testing.T) {
		r := require.New(t)
		gen := &fakePackages{}
		a, err := NewLocalAnalyzer(log, Options{Packages: gen}, t.TempDir())
		r.NoError(err)
		npk, err := a.PrepareAuxiliaryPackage(context.Background(), "")
		r.NoError(err)
		r.Empty(npk)

		gen.err = fmt.Errorf("c2newspeak: %w", ErrNoPackage)
		npk, err = a.PrepareAuxiliaryPackage(context.Background(), "/src/x.c")
		r.NoError(err)
		r.Empty(npk)
	})

	t.Run("compile failure is escalated", func(t *testing.T) {
		r := require.New(t)
		gen := &fakePackages{err: fmt.Errorf("syntax error")}
		a, err := NewLocalAnalyzer(log, Options{Packages: gen}, t.TempDir())
		r.NoError(err)
		_, err = a.PrepareAuxiliaryPackage(context.Background(), "/src/x.c")
		r.Error(err)
	})
}

func TestCommandPackageGenerator(t *testing.T) {
	ctx := context.Background()

	t.Run("missing compiler", func(t *testing.T) {
		r := require.New(t)
		src := filepath.Join(t.TempDir(), "a.c")
		r.NoError(os.WriteFile(src, []byte("int x;"), 0o600))
		g := &CommandPackageGenerator{Command: filepath.Join(t.TempDir(), "no-such-compiler")}
		_, err := g.Compile(ctx, t.TempDir(), src)
		r.ErrorIs(err, ErrNoPackage)
	})

	t.Run("missing source", func(t *testing.T) {
		g := &CommandPackageGenerator{Command: "sh"}
		_, err := g.Compile(ctx, t.TempDir(), filepath.Join(t.TempDir(), "a.c"))
		require.ErrorIs(t, err, ErrNoPackage)
	})

	t.Run("compiles with typed npk arguments", func(t *testing.T) {
		r := require.New(t)
		dir := t.TempDir()
		src := filepath.Join(dir, "a.c")
		r.NoError(os.WriteFile(src, []byte("int x;"), 0o600))
		script := writeScript(t, "echo \"$@\" > \"$3\"\n")

		g := &CommandPackageGenerator{Command: "sh " + quote(script)}
		out, err := g.Compile(ctx, dir, src)
		r.NoError(err)
		r.Equal(filepath.Join(dir, "a.no"), out)
		data, err := os.ReadFile(out)
		r.NoError(err)
		r.Equal("--typed-npk -o "+out+" "+src, strings.TrimSpace(string(data)))
	})

	t.Run("header data", func(t *testing.T) {
		r := require.New(t)
		_, err := (&CommandPackageGenerator{}).HeaderData(ctx)
		r.ErrorIs(err, ErrNoPackage)

		p := filepath.Join(t.TempDir(), "types.h")
		r.NoError(os.WriteFile(p, []byte("typedef int x;"), 0o600))
		data, err := (&CommandPackageGenerator{HeadersFile: p}).HeaderData(ctx)
		r.NoError(err)
		r.Equal("typedef int x;", string(data))
	})
}
