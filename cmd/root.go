// Package cmd implements the lowpan CLI using cobra.
package cmd

import (
	"github.com/spf13/cobra"

	"firestige.xyz/lowpan/internal/config"
)

const defaultPIDFile = "/var/run/lowpan.pid"

var (
	// Global flags
	configFile string
	pidFile    string
)

var rootCmd = &cobra.Command{
	Use:   "lowpan",
	Short: "lowpan - 6LoWPAN adaptation layer node",
	Long: `lowpan runs an IPv6-over-IEEE 802.15.4 adaptation layer node.

It compresses IPv6 headers (RFC 6282), fragments and reassembles datagrams
(RFC 4944) and hands received packets to the configured sinks. The radio is
emulated over UDP or replayed from a pcap capture.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. It is called once by main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/lowpan/lowpan.yml",
		"config file path")
	rootCmd.PersistentFlags().StringVarP(&pidFile, "pidfile", "p", "",
		"PID file path (default: control.pid_file from the config)")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(validateCmd)
}

// resolvePIDFile prefers the flag, then the config, then the default path.
func resolvePIDFile() string {
	if pidFile != "" {
		return pidFile
	}
	if cfg, err := config.Load(configFile); err == nil && cfg.Control.PIDFile != "" {
		return cfg.Control.PIDFile
	}
	return defaultPIDFile
}
