package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zhouat/bincat/cmd/bincat/config"
	"github.com/zhouat/bincat/pkg/analysisserver"
	"github.com/zhouat/bincat/pkg/blobscache"
	"github.com/zhouat/bincat/pkg/logging"
)

func newServeCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the analysis server",
		Long:  "Run the analysis server. Settings are read from BINCAT_SERVER_* environment variables, flags win.",
		Args:  cobra.NoArgs,
	}

	listenAddr := cmd.Flags().String("listen", "", "Server listen address")
	metricsPort := cmd.Flags().Int("metrics-port", 0, "Metrics http listen port, 0 keeps the configured one")
	blobsDir := cmd.Flags().String("blobs-dir", "", "Directory keeping uploaded blobs. Kept in memory when empty")
	keepRuns := cmd.Flags().Bool("keep-runs", false, "Keep run directories for inspection")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.ServerFromEnv()
		if err != nil {
			return err
		}
		if *listenAddr != "" {
			cfg.ListenAddr = *listenAddr
		}
		if *metricsPort != 0 {
			cfg.MetricsPort = *metricsPort
		}
		if *blobsDir != "" {
			cfg.BlobsDir = *blobsDir
		}
		if cmd.Flags().Changed("keep-runs") {
			cfg.KeepRuns = *keepRuns
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := runServer(ctx, version, cfg); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
	return cmd
}

func runServer(ctx context.Context, version string, cfg config.ServerConfig) error {
	lvl, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	format, err := logging.ParseFormat(cfg.LogFormat)
	if err != nil {
		return err
	}
	log := logging.New(&logging.Config{Ctx: ctx, Level: lvl, Format: format})
	log.Infof("running bincat analysis server, version=%s", version)

	var store blobscache.Store
	if cfg.BlobsDir != "" {
		store, err = blobscache.NewDirStore(log, cfg.BlobsDir)
		if err != nil {
			return err
		}
	} else {
		store = blobscache.NewMemoryStore(log, cfg.BlobsCacheSize)
	}
	srv := analysisserver.New(log, analysisserver.Config{
		WorkDir:         cfg.WorkDir,
		AnalyzerCommand: cfg.AnalyzerCommand,
		PackageCompiler: cfg.PackageCompiler,
		MaxRuns:         cfg.MaxRuns,
		RunTimeout:      cfg.RunTimeout,
		KeepRuns:        cfg.KeepRuns,
	}, blobscache.NewServer(log, store))

	errg, ctx := errgroup.WithContext(ctx)
	errg.Go(func() error {
		e := newEcho()
		srv.RegisterHandlers(e)
		return serveHTTP(ctx, log, "analysis", cfg.ListenAddr, e, cfg.RunTimeout)
	})
	if cfg.MetricsPort != 0 {
		errg.Go(func() error {
			e := newEcho()
			e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
			return serveHTTP(ctx, log, "metrics", fmt.Sprintf(":%d", cfg.MetricsPort), e, time.Minute)
		})
	}
	return errg.Wait()
}

func newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = false
	e.Use(middleware.Recover())
	e.GET("/healthz", func(c echo.Context) error {
		type res struct {
			Msg string `json:"msg"`
		}
		return c.JSON(http.StatusOK, res{Msg: "Ok"})
	})
	return e
}

func serveHTTP(ctx context.Context, log *logging.Logger, name, addr string, handler http.Handler, writeTimeout time.Duration) error {
	srv := http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  time.Minute,
		WriteTimeout: writeTimeout,
	}
	go func() {
		<-ctx.Done()
		log.Infof("shutting down %s http server", name)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error(err.Error())
		}
	}()
	log.Infof("running %s http server, addr=%s", name, addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
