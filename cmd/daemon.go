package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/lowpan/internal/daemon"
	"firestige.xyz/lowpan/internal/log"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the node in the foreground",
	Long: `Run the adaptation layer node in the foreground.

The daemon will:
  1. Load configuration and initialize logging and metrics
  2. Open the configured link (udp or pcap)
  3. Start the node as host, router or border router
  4. Register the enabled sinks and deliver received datagrams to them
  5. Handle SIGTERM/SIGINT for shutdown and SIGHUP for reload`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runDaemon(); err != nil {
			log.GetLogger().WithError(err).Fatal("daemon failed")
		}
	},
}

func runDaemon() error {
	d, err := daemon.New(configFile, pidFile)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	if err := d.Start(); err != nil {
		d.Stop()
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	return d.Run()
}
