package analyzer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/zhouat/bincat/pkg/analyzerconf"
	"github.com/zhouat/bincat/pkg/blobscache"
	"github.com/zhouat/bincat/pkg/logging"
)

// WebAnalyzer ships the run inputs to an analysis server by content digest.
type WebAnalyzer struct {
	log      *logging.Logger
	paths    Paths
	client   *blobscache.Client
	packages PackageGenerator
}

// NewWebAnalyzer fails with ErrUnavailable when the server cannot be reached
// or speaks another protocol version.
func NewWebAnalyzer(ctx context.Context, log *logging.Logger, opts Options, dir string) (*WebAnalyzer, error) {
	client := blobscache.NewClient(log, blobscache.ClientConfig{
		URL:      opts.ServerURL,
		Timeout:  opts.HTTPTimeout,
		Confirm:  opts.Confirm,
		Digester: opts.Digester,
	})
	version, err := client.Version(ctx)
	if err != nil {
		return nil, fmt.Errorf("bincat server at %s could not be reached: %v: %w", client.URL(), err, ErrUnavailable)
	}
	if version != APIVersion {
		return nil, fmt.Errorf("API mismatch: this client supports version %s, while server supports version %s: %w",
			APIVersion, version, ErrUnavailable)
	}
	packages := opts.Packages
	if packages == nil {
		packages = &CommandPackageGenerator{}
	}
	return &WebAnalyzer{
		log:      log.Component("web_analyzer"),
		paths:    NewPaths(dir),
		client:   client,
		packages: packages,
	}, nil
}

func (a *WebAnalyzer) Backend() Backend {
	return BackendWeb
}

func (a *WebAnalyzer) Paths() Paths {
	return a.paths
}

// PrepareAuxiliaryPackage compiles source on the server.
func (a *WebAnalyzer) PrepareAuxiliaryPackage(ctx context.Context, source string) (string, error) {
	if source == "" {
		p, err := writeGeneratedHeaders(ctx, a.packages, a.paths.Dir)
		if err != nil || p == "" {
			return "", err
		}
		source = p
	}
	digest, err := a.upload(ctx, source)
	if errors.Is(err, blobscache.ErrUploadDeclined) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	resp, err := a.client.Post(ctx, "/convert_to_tnpk/"+digest)
	if err != nil {
		return "", fmt.Errorf("converting %s: %v: %w", source, err, ErrTransport)
	}
	defer resp.Body.Close()
	if st := resp.StatusCode; st != http.StatusOK {
		return "", fmt.Errorf("error while compiling %s to package on analysis server, response status=%d", source, st)
	}
	var res ConvertResponse
	if err := jsoniter.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("decoding convert response: %v: %w", err, ErrTransport)
	}
	if res.Status != ConvertStatusOK || res.SHA256 == "" {
		a.log.Infof("server produced no package for %s, status=%s", source, res.Status)
		return "", nil
	}

	data, err := a.client.Download(ctx, res.SHA256)
	if err != nil {
		return "", fmt.Errorf("downloading package for %s: %v: %w", source, err, ErrTransport)
	}
	npk := filepath.Join(a.paths.Dir, packageName(source))
	if err := writeArtifact(npk, data); err != nil {
		return "", err
	}
	return npk, nil
}

func (a *WebAnalyzer) Run(ctx context.Context, done CompletionFunc) {
	go func() {
		done(a.run(ctx))
	}()
}

func (a *WebAnalyzer) run(ctx context.Context) Result {
	res := Result{OutputConfig: a.paths.OutputConfig, Log: a.paths.Log}
	fail := func(err error) Result {
		a.log.Errorf("analysis aborted: %v", err)
		res.Err = err
		return res
	}

	req, err := a.rewriteRequest(ctx)
	if err != nil {
		return fail(err)
	}

	resp, err := a.client.SendMultipart(ctx, http.MethodPost, "/analyze", InitConfigName, InitConfigName, []byte(req.String()))
	if err != nil {
		return fail(fmt.Errorf("submitting analysis: %v: %w", err, ErrTransport))
	}
	defer resp.Body.Close()
	if st := resp.StatusCode; st != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fail(fmt.Errorf("error while uploading analysis configuration file to analysis server, response status=%d: %s: %w",
			st, string(body), ErrTransport))
	}
	var files AnalyzeResponse
	if err := jsoniter.NewDecoder(resp.Body).Decode(&files); err != nil {
		return fail(fmt.Errorf("decoding analyze response: %v: %w", err, ErrTransport))
	}
	res.ExitCode = files.ErrorCode

	stdout := a.fetch(ctx, StdoutName, files.Stdout)
	if files.ErrorCode != 0 {
		a.log.Errorf("error while analyzing file, errorcode=%d. bincat output is:\n----------------\n%s\n----------------",
			files.ErrorCode, stdout)
		if files.OutputConfig == "" {
			return fail(fmt.Errorf("analysis failed with errorcode %d and produced no %s", files.ErrorCode, OutputConfigName))
		}
	}

	out, err := a.client.Download(ctx, files.OutputConfig)
	if err != nil {
		return fail(fmt.Errorf("downloading %s: %v: %w", OutputConfigName, err, ErrTransport))
	}
	if err := writeArtifact(a.paths.OutputConfig, out); err != nil {
		return fail(err)
	}

	logData := a.fetch(ctx, LogName, files.Log)
	if err := writeArtifact(a.paths.Log, logData); err != nil {
		return fail(err)
	}
	a.log.Info("---- stdout+stderr ----------------")
	a.log.Lines(slog.LevelInfo, string(stdout))
	logTail(a.log, a.paths.Log, logData)

	if files.CFAOut != "" {
		if err := a.saveCFA(ctx, files.CFAOut); err != nil {
			a.log.Errorf("fetching %s: %v", CFAOutName, err)
		} else {
			res.CFAOut = a.paths.CFAOut
		}
	}
	return res
}

func (a *WebAnalyzer) saveCFA(ctx context.Context, digest string) error {
	data, err := a.client.Download(ctx, digest)
	if err != nil {
		return err
	}
	return writeArtifact(a.paths.CFAOut, data)
}

// fetch downloads an optional artifact; failures are logged and yield nil.
func (a *WebAnalyzer) fetch(ctx context.Context, name, digest string) []byte {
	if digest == "" {
		return nil
	}
	data, err := a.client.Download(ctx, digest)
	if err != nil {
		a.log.Errorf("downloading %s: %v", name, err)
		return nil
	}
	return data
}

// rewriteRequest replaces every file referenced by the run config with the
// digest of its content, uploading what the server does not have.
func (a *WebAnalyzer) rewriteRequest(ctx context.Context) (*analyzerconf.Config, error) {
	req, err := analyzerconf.Load(a.paths.InitConfig)
	if err != nil {
		return nil, err
	}

	digest, err := a.upload(ctx, req.BinaryPath())
	if err != nil {
		return nil, err
	}
	req.SetBinaryPath(digest)

	headers, err := a.uploadAll(ctx, req.Headers())
	if err != nil {
		return nil, err
	}
	req.SetHeaders(headers)

	// Only digests reach the server. It chooses the output path itself.
	req.SetOutCFAPath("")
	req.SetInCFAPath("")
	if fileExists(a.paths.CFAIn) {
		digest, err := a.upload(ctx, a.paths.CFAIn)
		if err != nil {
			return nil, err
		}
		req.SetInCFAPath(digest)
	}
	return req, nil
}

func (a *WebAnalyzer) upload(ctx context.Context, path string) (string, error) {
	digest, err := a.client.FileDigest(path)
	if err != nil {
		return "", fmt.Errorf("could not open file %s: %w", path, err)
	}
	if err := a.uploadDigest(ctx, path, digest); err != nil {
		return "", err
	}
	return digest, nil
}

func (a *WebAnalyzer) uploadDigest(ctx context.Context, path, digest string) error {
	err := a.client.Upload(ctx, path, digest)
	if errors.Is(err, blobscache.ErrUploadDeclined) {
		return err
	}
	if err != nil {
		return fmt.Errorf("could not upload file %s: %v: %w", path, err, ErrTransport)
	}
	return nil
}

// uploadAll hashes paths concurrently, then uploads each distinct content
// once, in the order it first appears. Confirmations stay sequential.
func (a *WebAnalyzer) uploadAll(ctx context.Context, paths []string) ([]string, error) {
	digests := make([]string, len(paths))
	var g errgroup.Group
	g.SetLimit(4)
	for i, p := range paths {
		g.Go(func() error {
			d, err := a.client.FileDigest(p)
			if err != nil {
				return fmt.Errorf("could not open file %s: %w", p, err)
			}
			digests[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, d := range lo.Uniq(digests) {
		i := lo.IndexOf(digests, d)
		if err := a.uploadDigest(ctx, paths[i], d); err != nil {
			return nil, err
		}
	}
	return digests, nil
}
