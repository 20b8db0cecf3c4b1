package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "LLM tool-calling orchestration engine",
	Long: `conductor turns a single question into a full tool-calling
conversation: it streams the model's answer, executes any tool calls
the model requests, and runs a follow-up turn so the final answer is
informed by the tool results.

Examples:
  conductor ask "What is 2+2?"
  conductor ask "What time is it in Tokyo?" --tools current_time
  conductor serve --port 8080
  conductor config`,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
}

var verbose bool

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
