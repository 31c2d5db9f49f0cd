package analyzer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mattn/go-shellwords"
)

const (
	DefaultPackageCompiler = "c2newspeak"
	generatedHeadersName   = "generated_headers.h"
)

// PackageGenerator produces the typed header packages consumed by the
// analyzer.
type PackageGenerator interface {
	// HeaderData returns C declarations for the binary under analysis, or
	// ErrNoPackage when none are known.
	HeaderData(ctx context.Context) ([]byte, error)
	// Compile builds a package from source inside dir and returns its path.
	Compile(ctx context.Context, dir, source string) (string, error)
}

// CommandPackageGenerator runs an external header compiler.
type CommandPackageGenerator struct {
	// Command defaults to DefaultPackageCompiler.
	Command string
	// HeadersFile holds declarations describing the analyzed binary.
	HeadersFile string
}

func (g *CommandPackageGenerator) HeaderData(ctx context.Context) ([]byte, error) {
	if g.HeadersFile == "" {
		return nil, ErrNoPackage
	}
	data, err := os.ReadFile(g.HeadersFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", g.HeadersFile, ErrNoPackage)
	}
	return data, err
}

func (g *CommandPackageGenerator) Compile(ctx context.Context, dir, source string) (string, error) {
	if !fileExists(source) {
		return "", fmt.Errorf("header source %s: %w", source, ErrNoPackage)
	}
	command := g.Command
	if command == "" {
		command = DefaultPackageCompiler
	}
	args, err := shellwords.Parse(command)
	if err != nil {
		return "", fmt.Errorf("parsing compiler command %q: %w", command, err)
	}
	if len(args) == 0 {
		return "", fmt.Errorf("empty compiler command: %w", ErrNoPackage)
	}
	bin, err := exec.LookPath(args[0])
	if err != nil {
		return "", fmt.Errorf("%s: %w", args[0], ErrNoPackage)
	}

	out := filepath.Join(dir, packageName(source))
	args = append(args[1:], "--typed-npk", "-o", out, source)
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...) //nolint:gosec
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("compiling %s: %w: %s", source, err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// packageName maps foo.h or foo.c to foo.no.
func packageName(source string) string {
	base := filepath.Base(source)
	return strings.TrimSuffix(base, filepath.Ext(base)) + ".no"
}

// writeGeneratedHeaders stores the binary derived declarations in dir. It
// returns "" when there are none.
func writeGeneratedHeaders(ctx context.Context, gen PackageGenerator, dir string) (string, error) {
	data, err := gen.HeaderData(ctx)
	if errors.Is(err, ErrNoPackage) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("collecting header data: %w", err)
	}
	p := filepath.Join(dir, generatedHeadersName)
	if err := writeArtifact(p, data); err != nil {
		return "", err
	}
	return p, nil
}
