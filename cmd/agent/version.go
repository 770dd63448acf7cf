package main

import (
	"fmt"
	"os"

	"github.com/moby/term"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the agent version",
	RunE:  runVersion,
}

type versionFlags struct {
	json bool `env:"JSON"`
}

var versionArgs = versionFlags{}

func init() {
	versionCmd.Flags().BoolVarP(&versionArgs.json, "json", "", !term.IsTerminal(os.Stdout.Fd()), "Print the version as json.")
	rootCmd.AddCommand(versionCmd)
}

func runVersion(cmd *cobra.Command, args []string) error {
	if versionArgs.json {
		fmt.Fprintf(cmd.OutOrStdout(), `{"version":"%s","sha":"%s","date":"%s"}`+"\n", version, commit, date)
		return nil
	}

	fmt.Fprintf(cmd.OutOrStdout(), "rageta-agent\n\nVersion:\t%s\nCommit SHA:\t%s\nBuild date:\t%s\n", version, commit, date)
	return nil
}
