package main

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"

	"devscreen/internal/logging"

	"github.com/spf13/cobra"
)

var (
	// Version is set at build time via -ldflags "-X main.Version=X.Y.Z"
	Version = "0.0.0-dev"

	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "fieldclient",
	Short: "devscreen field client - offline-first developmental screening",
	Long: `fieldclient scores developmental observations on a field device.

Results come from the scoring backend when it is reachable and from the
on-device rules otherwise. Offline submissions are queued and replayed when
connectivity returns; cases that need review are admitted to the clinic's
review queue.

Commands:
  submit                 Screen one observation
  sync                   Replay queued submissions (once, or --daemon)
  status                 Show backend, queue and config status
  queue                  List submissions waiting for replay
  queue review           Show the clinic's shared review queue
  review finalize|audit  Finalize a reviewed case or show its audit trail
  pipeline validate      Check a pipeline definition file
  watch                  Follow the clinic review queue live
  token                  Mint a development clinician token

Config: ~/.devscreen/client.yaml (DEVSCREEN_* environment overrides)`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logging.Init()
			return
		}
		// keep command output readable; warnings still reach stderr
		log.SetOutput(io.Discard)
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.devscreen/client.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(pipelineCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
