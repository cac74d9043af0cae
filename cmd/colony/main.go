package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/colony/pkg/client"
	"github.com/cuemby/colony/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "colony",
	Short: "Colony - worker lifecycle and coordination engine",
	Long: `Colony runs a fleet of AI worker runtimes on one machine: it spawns
them from profiles, routes messages to them, watches their health and keeps
warm ones ready.

Run "colony serve" to start the engine; the other commands talk to a
running server.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, _ := cmd.Flags().GetString("log-level")
		format, _ := cmd.Flags().GetString("log-format")
		log.Init(log.Config{
			Level:  log.ParseLevel(level),
			Format: log.Format(format),
			Output: os.Stderr,
		})
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Colony version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("server", defaultListen, "Colony server address")
	rootCmd.PersistentFlags().Duration("timeout", 10*time.Minute, "Request timeout")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "Log format (json, console); default depends on the terminal")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(eventsCmd)
}

func newClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("server")
	if env := os.Getenv("COLONY_SERVER"); env != "" && !cmd.Flags().Changed("server") {
		addr = env
	}
	return client.NewClient(addr)
}
