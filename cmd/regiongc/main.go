package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgPath string
	addr    string
)

var rootCmd = &cobra.Command{
	Use:   "regiongc",
	Short: "regiongc - region file garbage collector",
	Long: `regiongc deletes the chunks of a world that nobody has visited for a
while and that no protection system claims, rewriting or removing region
files in small batches.

"regiongc serve" runs the daemon; every other command talks to a running
daemon over its control API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	def := "config/regiongc.toml"
	if p := os.Getenv("REGIONGC_CONFIG"); p != "" {
		def = p
	}
	defAddr := "127.0.0.1:7460"
	if a := os.Getenv("REGIONGC_ADDR"); a != "" {
		defAddr = a
	}
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", def, "config file (env REGIONGC_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&addr, "addr", defAddr, "control API address of a running daemon (env REGIONGC_ADDR)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd, reloadCmd, pauseCmd, resumeCmd)
	rootCmd.AddCommand(flagCmd, unflagCmd, cacheCmd, checkCmd)
	rootCmd.AddCommand(visitCmd, generatedCmd)
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
