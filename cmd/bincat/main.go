package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	Version = "local"
)

func main() {
	root := cobra.Command{
		Use:          "bincat",
		Short:        "Drive binary value and taint analyses",
		SilenceUsage: true,
	}
	flags := newRootFlags(root.PersistentFlags())

	root.AddCommand(
		newAnalyzeCommand(flags),
		newConsoleCommand(flags),
		newServeCommand(Version),
	)

	if err := root.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}
