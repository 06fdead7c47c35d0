package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"utc_daemon/internal/acl"
	"utc_daemon/internal/admission"
	"utc_daemon/internal/config"
)

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the config file and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return checkConfig(cmd.OutOrStdout(), configPath)
	},
}

func init() {
	rootCmd.AddCommand(checkConfigCmd)
}

func checkConfig(out io.Writer, path string) error {
	path, err := config.ResolvePath(path)
	if err != nil {
		return err
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("failed to load configuration from %s: %w", path, err)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	gate, rejected, err := admission.New(&cfg)
	if err != nil {
		return err
	}
	var allowed, denied int
	for _, r := range gate.ACL.Rules() {
		if r.Action == acl.Deny {
			denied++
		} else {
			allowed++
		}
	}

	fmt.Fprintf(out, "config:       %s\n", path)
	fmt.Fprintf(out, "listen:       %s (udp=%t, epoch=%s)\n", cfg.Server.ListenAddress, cfg.Server.UDP, cfg.Server.Epoch)
	fmt.Fprintf(out, "acl:          enabled=%t default=%s allowed=%d denied=%d\n",
		cfg.ACL.Enabled, cfg.ACL.DefaultAction, allowed, denied)
	fmt.Fprintf(out, "rate_limiter: enabled=%t rate=%d burst=%d\n",
		cfg.RateLimiter.Enabled, cfg.RateLimiter.Rate, cfg.RateLimiter.Burst)
	fmt.Fprintf(out, "ddos:         enabled=%t threshold=%d exempt=%d\n",
		cfg.DDoS.Enabled, cfg.DDoS.Threshold, len(cfg.DDoS.Exempt))
	for _, entry := range rejected {
		fmt.Fprintf(out, "warning: ignored acl entry %q\n", entry)
	}
	fmt.Fprintln(out, "ok")
	return nil
}
