package main

import (
	"os"

	"github.com/go-logr/logr"
	"github.com/raffis/rageta-agent/internal/logsetup"
	"github.com/spf13/cobra"
)

var (
	version = "0.0.0-dev"
	commit  = "none"
	date    = "unknown"
)

type rootFlags struct {
	root       string `env:"RAGETA_AGENT_ROOT"`
	logOptions *logsetup.Options
}

var rootArgs = rootFlags{
	logOptions: logsetup.DefaultOptions(),
}

var logger logr.Logger

var rootCmd = &cobra.Command{
	Use:               "rageta-agent",
	Short:             "Self hosted build agent executing CI jobs on the host or in containers",
	SilenceUsage:      true,
	PersistentPreRunE: runRoot,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	root := os.Getenv("RAGETA_AGENT_ROOT")
	if root == "" {
		root = "."
	}

	rootCmd.PersistentFlags().StringVarP(&rootArgs.root, "root", "", root, "Root directory of the agent installation.")
	rootArgs.logOptions.BindFlags(rootCmd.PersistentFlags())
}

func runRoot(cmd *cobra.Command, args []string) error {
	var err error
	logger, _, err = rootArgs.logOptions.Build()
	return err
}
