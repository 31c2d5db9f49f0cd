package analysisserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/labstack/echo/v4"
	"golang.org/x/sync/semaphore"

	"github.com/zhouat/bincat/pkg/analyzer"
	"github.com/zhouat/bincat/pkg/analyzerconf"
	"github.com/zhouat/bincat/pkg/blobscache"
	"github.com/zhouat/bincat/pkg/logging"
	"github.com/zhouat/bincat/pkg/metrics"
)

type Config struct {
	// WorkDir receives one directory per analysis.
	WorkDir         string
	AnalyzerCommand string
	PackageCompiler string
	MaxRuns         int64
	RunTimeout      time.Duration
	KeepRuns        bool
}

func New(log *logging.Logger, cfg Config, blobs *blobscache.Server) *Server {
	if cfg.MaxRuns <= 0 {
		cfg.MaxRuns = 2
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "bincat-server")
	}
	if cfg.RunTimeout == 0 {
		cfg.RunTimeout = time.Hour
	}
	return &Server{
		log:      log.Component("analysis_server"),
		cfg:      cfg,
		blobs:    blobs,
		packages: &analyzer.CommandPackageGenerator{Command: cfg.PackageCompiler},
		runs:     semaphore.NewWeighted(cfg.MaxRuns),
	}
}

// Server runs analyses on behalf of remote clients. Inputs and outputs are
// exchanged as content addressed blobs.
type Server struct {
	log      *logging.Logger
	cfg      Config
	blobs    *blobscache.Server
	packages analyzer.PackageGenerator
	runs     *semaphore.Weighted
}

func (s *Server) RegisterHandlers(e *echo.Echo) {
	e.GET("/version", s.version)
	s.blobs.RegisterHandlers(e)
	e.POST("/convert_to_tnpk/:digest", s.convert)
	e.POST("/analyze", s.analyze)
}

func (s *Server) version(c echo.Context) error {
	return c.String(http.StatusOK, analyzer.APIVersion)
}

func (s *Server) convert(c echo.Context) error {
	digest := c.Param("digest")
	source, err := s.blobs.GetBlob(digest)
	if err != nil {
		return c.NoContent(http.StatusNotFound)
	}
	dir, err := s.newRunDir()
	if err != nil {
		s.log.Errorf("creating conversion directory: %v", err)
		return c.NoContent(http.StatusInternalServerError)
	}
	defer s.cleanup(dir)

	src := filepath.Join(dir, digest+".h")
	if err := os.WriteFile(src, source, 0o600); err != nil {
		return err
	}
	npk, err := s.packages.Compile(c.Request().Context(), dir, src)
	if err != nil {
		s.log.Warnf("compiling %s: %v", digest, err)
		return s.writeJSON(c, analyzer.ConvertResponse{Status: "error"})
	}
	data, err := os.ReadFile(npk)
	if err != nil {
		return err
	}
	npkDigest, err := s.blobs.PutBlob(data)
	if err != nil {
		return err
	}
	return s.writeJSON(c, analyzer.ConvertResponse{Status: analyzer.ConvertStatusOK, SHA256: npkDigest})
}

func (s *Server) analyze(c echo.Context) error {
	fh, err := c.FormFile(analyzer.InitConfigName)
	if err != nil {
		metrics.ServerAnalyzeRequestsTotal.WithLabelValues(metrics.StatusBadConfig).Inc()
		return echo.NewHTTPError(http.StatusBadRequest, "missing multipart field "+analyzer.InitConfigName)
	}
	f, err := fh.Open()
	if err != nil {
		return err
	}
	defer f.Close()
	raw, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	req, err := analyzerconf.LoadString(string(raw))
	if err != nil {
		metrics.ServerAnalyzeRequestsTotal.WithLabelValues(metrics.StatusBadConfig).Inc()
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), s.cfg.RunTimeout)
	defer cancel()
	if err := s.runs.Acquire(ctx, 1); err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "analysis slots exhausted")
	}
	defer s.runs.Release(1)

	dir, err := s.newRunDir()
	if err != nil {
		s.log.Errorf("creating run directory: %v", err)
		return c.NoContent(http.StatusInternalServerError)
	}
	defer s.cleanup(dir)

	paths := analyzer.NewPaths(dir)
	if err := s.materialize(req, paths); err != nil {
		metrics.ServerAnalyzeRequestsTotal.WithLabelValues(metrics.StatusBadConfig).Inc()
		if errors.Is(err, blobscache.ErrNotFound) || errors.Is(err, blobscache.ErrInvalidDigest) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return err
	}

	resp, err := s.run(ctx, paths)
	if err != nil {
		metrics.ServerAnalyzeRequestsTotal.WithLabelValues(metrics.StatusFailed).Inc()
		return err
	}
	status := metrics.StatusOK
	if resp.ErrorCode != 0 {
		status = metrics.StatusPartial
	}
	metrics.ServerAnalyzeRequestsTotal.WithLabelValues(status).Inc()
	return s.writeJSON(c, resp)
}

// materialize writes the referenced blobs into the run directory and points
// the request at the local copies.
func (s *Server) materialize(req *analyzerconf.Config, paths analyzer.Paths) error {
	binary := filepath.Join(paths.Dir, "binary")
	if err := s.writeBlob(req.BinaryPath(), binary); err != nil {
		return fmt.Errorf("binary: %w", err)
	}
	req.SetBinaryPath(binary)

	var headers []string
	for _, digest := range req.Headers() {
		p := filepath.Join(paths.Dir, digest+".no")
		if err := s.writeBlob(digest, p); err != nil {
			return fmt.Errorf("header: %w", err)
		}
		headers = append(headers, p)
	}
	req.SetHeaders(headers)

	in := ""
	if digest := req.InCFAPath(); digest != "" {
		if err := s.writeBlob(digest, paths.CFAIn); err != nil {
			return fmt.Errorf("input cfa: %w", err)
		}
		in = paths.CFAIn
	}
	req.SetCFAOptions(true, in, paths.CFAOut)
	return req.WriteFile(paths.InitConfig)
}

func (s *Server) writeBlob(digest, path string) error {
	data, err := s.blobs.GetBlob(digest)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func (s *Server) run(ctx context.Context, paths analyzer.Paths) (analyzer.AnalyzeResponse, error) {
	a, err := analyzer.NewLocalAnalyzer(s.log, analyzer.Options{LocalCommand: s.cfg.AnalyzerCommand}, paths.Dir)
	if err != nil {
		return analyzer.AnalyzeResponse{}, err
	}
	results := make(chan analyzer.Result, 1)
	a.Run(ctx, func(res analyzer.Result) {
		results <- res
	})
	res := <-results

	resp := analyzer.AnalyzeResponse{ErrorCode: res.ExitCode}
	if res.Err != nil && resp.ErrorCode == 0 {
		resp.ErrorCode = 1
	}
	if resp.Stdout, err = s.blobs.PutBlob(a.CombinedOutput()); err != nil {
		return resp, err
	}
	for _, artifact := range []struct {
		path string
		dst  *string
	}{
		{paths.OutputConfig, &resp.OutputConfig},
		{paths.Log, &resp.Log},
		{paths.CFAOut, &resp.CFAOut},
	} {
		data, err := os.ReadFile(artifact.path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return resp, err
		}
		if *artifact.dst, err = s.blobs.PutBlob(data); err != nil {
			return resp, err
		}
	}
	s.log.Infof("analysis finished, errorcode=%d, dir=%s", resp.ErrorCode, paths.Dir)
	return resp, nil
}

func (s *Server) newRunDir() (string, error) {
	dir := filepath.Join(s.cfg.WorkDir, uuid.NewString())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

func (s *Server) cleanup(dir string) {
	if s.cfg.KeepRuns {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		s.log.Warnf("removing %s: %v", dir, err)
	}
}

func (s *Server) writeJSON(c echo.Context, v any) error {
	data, err := jsoniter.Marshal(v)
	if err != nil {
		return err
	}
	return c.JSONBlob(http.StatusOK, data)
}
