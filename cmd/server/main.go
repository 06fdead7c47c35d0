// Command utcd serves the current UTC time over TCP and UDP behind an
// access list, a rate limiter and a flood guard.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "utcd",
	Short: "utcd - a small UTC time daemon",
	Long: `utcd answers every TCP connection and UDP datagram with a 32-bit
timestamp. Clients are filtered by an IPv4 access list, per-client and
global token buckets, and a guard that blocks flooding addresses.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to the config file (default ./config.yml, then /etc/utcd/config.yml)")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
