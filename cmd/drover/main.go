// Command drover is a terminal coding agent built on the drover agent core.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configFlag      string
	providerFlag    string
	modelFlag       string
	workdirFlag     string
	autoApproveFlag bool
)

var rootCmd = &cobra.Command{
	Use:   "drover",
	Short: "drover - a coding agent for your terminal",
	Long: `drover runs an LLM-driven coding agent against a local checkout.

The agent reads and edits files, runs shell commands, and dispatches
sub-agents, pausing for approval on anything the policy does not cover.
Provider API keys are read from the environment (ANTHROPIC_API_KEY,
OPENAI_API_KEY, GEMINI_API_KEY) or a .env file in the working directory.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "drover.yaml", "path to the config file")
	rootCmd.PersistentFlags().StringVar(&providerFlag, "provider", "", "LLM provider (anthropic, openai, gemini)")
	rootCmd.PersistentFlags().StringVarP(&modelFlag, "model", "m", "", "model id or alias (e.g. sonnet, gpt-4o)")
	rootCmd.PersistentFlags().StringVarP(&workdirFlag, "workdir", "C", "", "working directory for the agent (default: current directory)")
	rootCmd.PersistentFlags().BoolVar(&autoApproveFlag, "auto-approve", false, "approve every tool call without asking")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(modelsCmd)
}

func main() {
	// Missing .env is fine; shell environment wins over file values.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
