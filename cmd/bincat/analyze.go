package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhouat/bincat/pkg/blobscache"
	"github.com/zhouat/bincat/pkg/logging"
)

func newAnalyzeCommand(root *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run one analysis and print the taint classification of analyzed addresses",
		Args:  cobra.NoArgs,
	}

	binary := cmd.Flags().String("binary", "", "Path to the analyzed binary, overrides the configuration")
	configPath := cmd.Flags().String("config", "", "Analyzer init.ini")
	projectStore := cmd.Flags().String("project-store", "", "Project store directory. Results are kept in memory when empty")
	web := cmd.Flags().Bool("web", false, "Run the analysis on the analysis server")
	output := cmd.Flags().StringP("output", "o", "table", "Output format: table or yaml")
	yes := cmd.Flags().Bool("yes", false, "Upload files to the analysis server without asking")
	timeout := cmd.Flags().Duration("timeout", 0, "Give up waiting after this duration, 0 waits forever")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if *output != "table" && *output != "yaml" {
			return fmt.Errorf("unknown output format %q", *output)
		}
		logCfg, err := root.logConfig()
		if err != nil {
			return err
		}
		log := logging.New(logCfg)
		opts, err := root.options()
		if err != nil {
			return err
		}
		// Results of a single headless run are never replayed.
		opts.LoadFromStore = false

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var confirm blobscache.ConfirmFunc = promptUpload
		if *yes {
			confirm = blobscache.ApproveUploads
		}
		sess, store, err := newSession(ctx, log, sessionSetup{
			Options:      opts,
			Binary:       *binary,
			ConfigPath:   *configPath,
			ProjectStore: *projectStore,
			Web:          *web,
			Confirm:      confirm,
		})
		if err != nil {
			return err
		}
		defer store.Close()
		defer sess.Close()
		defer func() {
			stop()
			_ = sess.Wait(context.Background())
		}()

		started := time.Now()
		if err := sess.StartAnalysis(ctx, ""); err != nil {
			return err
		}
		waitCtx := ctx
		if *timeout > 0 {
			var cancel func()
			waitCtx, cancel = context.WithTimeout(ctx, *timeout)
			defer cancel()
		}
		if err := sess.Wait(waitCtx); err != nil {
			return fmt.Errorf("waiting for analysis: %w", err)
		}
		log.Infof("analysis done in %s", time.Since(started).Round(time.Millisecond))

		c := sess.CFA()
		if c == nil {
			return errors.New("analysis produced no result, see the analyzer log")
		}
		conf, err := sess.AnalysisConfig()
		if err != nil {
			return err
		}
		rep := buildReport(conf.BinaryPath(), c, sess.Cursor())
		if *output == "yaml" {
			return writeYAML(cmd.OutOrStdout(), rep)
		}
		renderReport(cmd.OutOrStdout(), rep)
		return nil
	}
	return cmd
}
