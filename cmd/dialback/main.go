package main

import (
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "dialback",
	Short:         "Scheduled outbound voice calls with provider sync",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	fd := os.Stderr.Fd()
	tty := isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", !tty || os.Getenv("NO_COLOR") != "", "disable coloured output")

	rootCmd.AddCommand(startCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(callsCmd, campaignCmd, calendarCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
