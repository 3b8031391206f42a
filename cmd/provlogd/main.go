package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is overridden at link time with -ldflags "-X main.version=...".
var version = "dev"

var (
	rootCmd = &cobra.Command{
		Use:           "provlogd",
		Short:         "Ingest provisioning logs into the record store and track stored identifiers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cfgPath string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "provlog.yaml", "path to config file")
	rootCmd.AddCommand(runCmd, indexCmd, syncCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "provlogd %s\n", version)
	},
}
