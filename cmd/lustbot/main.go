// Command lustbot runs the LUST customer-support chat agent and talks to a
// running instance from the terminal.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "lustbot",
	Short:         "LUST customer-support chat agent",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")

	rootCmd.AddCommand(serveCmd, stopCmd, statusCmd, mcpCmd)
	rootCmd.AddCommand(chatCmd, historyCmd, clearCmd, sessionsCmd, escalationsCmd, statsCmd)
	rootCmd.AddCommand(ingestCmd, knowledgeCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

func versionString() string {
	return fmt.Sprintf("lustbot version %s", version)
}
