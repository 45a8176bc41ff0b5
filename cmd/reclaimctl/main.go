// Licensed under the MIT License. See LICENSE file in the project root for details.

// Command reclaimctl drives a reclaimer against a simulated world. It can run
// a scripted simulation, measure registry throughput or open an interactive
// shell.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/sugawarayuuta/sonnet"
)

var (
	// Global flags
	verbose bool
	jsonOut bool
	seed    uint64
)

var rootCmd = &cobra.Command{
	Use:   "reclaimctl",
	Short: "Exercise the item reclaimer against a simulated world",
	Long: `reclaimctl runs the reclaimer against an in-memory world of regions,
cells, dropped items and load tokens. Use it to watch collection cycles,
freezes and the performance controller without a game server.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().Uint64Var(&seed, "seed", 1, "Seed for the simulated world")
}

func main() {
	execute()
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v\n", err)
		os.Exit(1)
	}
}

// newLogger returns a console logger when verbose is set and a no-op logger
// otherwise.
func newLogger() zerolog.Logger {
	if !verbose {
		return zerolog.Nop()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(zerolog.DebugLevel).
		With().Timestamp().Logger()
}

// printInfo prints to stdout.
func printInfo(format string, args ...interface{}) {
	fmt.Fprintf(os.Stdout, format, args...)
}

// printError prints an error message
func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format, args...)
}

// printJSON writes v as a single JSON document on stdout.
func printJSON(v interface{}) error {
	data, err := sonnet.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	fmt.Fprintln(os.Stdout, string(data))
	return nil
}
