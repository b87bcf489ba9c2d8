// Package cmd provides the agentd CLI.
//
// Commands:
//   - serve: start the HTTP agent runtime
//   - version: print build information
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/docbridge-ai/agent/internal/log"
)

// Build information, injected via ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:           "agentd",
	Short:         "DocBridge conversational agent runtime",
	Long:          "agentd runs the DocBridge agent: an HTTP service that drives LLM tool-use\nconversations against the platform API and streams progress over SSE.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI.
func Execute() error {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	format := log.FormatText
	if os.Getenv("LOG_FORMAT") == "json" {
		format = log.FormatJSON
	} else if isTerminal(os.Stderr) {
		format = log.FormatPretty
	}
	slog.SetDefault(log.New(log.Config{Level: level, Format: format}))

	return rootCmd.Execute()
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "agentd %s (%s)\n", Version, GitCommit)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
}
