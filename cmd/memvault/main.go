package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:     "memvault",
	Short:   "Local conversation memory and document retrieval",
	Version: version,
	Long: `memvault keeps a personal vault on your machine: conversation memory,
an embedded document index, and question answering over both, backed by
a local Ollama instance. Nothing leaves localhost.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(
		serveCmd,
		stopCmd,
		statusCmd,
		indexCmd,
		askCmd,
		recallCmd,
		sessionsCmd,
		scanCmd,
		clearCmd,
		configCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
