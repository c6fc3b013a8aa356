// Command procwatchd samples running processes and startup items and
// serves them over D-Bus.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

var (
	configPath    string
	logTopics     string
	verbose       bool
	includeSystem bool
)

var rootCmd = &cobra.Command{
	Use:           "procwatchd",
	Short:         "Process and startup-item monitor",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runDaemon,
}

func main() {
	rootCmd.Version = Version
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "path to the TOML config file")
	rootCmd.PersistentFlags().StringVar(&logTopics, "log", "", "comma-separated log topics: "+strings.Join(knownTopics, ",")+" (or 'all')")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable all log topics (equivalent to --log=all)")
	rootCmd.PersistentFlags().BoolVar(&includeSystem, "include-system", false, "include processes owned by system accounts")

	rootCmd.AddCommand(snapshotCmd, configCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "procwatchd:", err)
		os.Exit(1)
	}
}
