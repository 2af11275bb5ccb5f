package main

import (
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var version = "dev"

// noColor disables styled output. It is set by --no-color, by NO_COLOR, or
// when stderr is not a terminal.
var noColor bool

var rootCmd = &cobra.Command{
	Use:           "kbsync",
	Short:         "Sync ServiceNow tickets and PDF documentation into a vector store",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		flagSet, _ := cmd.Flags().GetBool("no-color")
		noColor = flagSet || os.Getenv("NO_COLOR") != "" || !term.IsTerminal(int(os.Stderr.Fd()))
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("no-color", false, "disable coloured output")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(watermarkCmd)
	rootCmd.AddCommand(collectionsCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
