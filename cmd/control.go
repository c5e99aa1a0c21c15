package cmd

import (
	"fmt"
	"io"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/lowpan/internal/daemon"
)

// Controller reaches a running daemon.
type Controller interface {
	Reload() error
	Stop(timeout time.Duration) error
	Status() (pid int, running bool)
}

// pidController signals the daemon recorded in a PID file.
type pidController struct {
	pidFile string
}

func (c pidController) Reload() error { return daemon.Signal(c.pidFile, syscall.SIGHUP) }

func (c pidController) Stop(timeout time.Duration) error {
	return daemon.StopDaemon(c.pidFile, timeout)
}

func (c pidController) Status() (int, bool) { return daemon.Running(c.pidFile) }

// newController is replaced in tests.
var newController = func() Controller {
	return pidController{pidFile: resolvePIDFile()}
}

var stopTimeout time.Duration

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	Long:  `Send SIGTERM to the daemon recorded in the PID file and wait for it to exit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop(newController(), stopTimeout, cmd.OutOrStdout())
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload configuration",
	Long: `Send SIGHUP to the running daemon. Logging and header compression are
applied immediately; link, node and sink changes need a restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReload(newController(), cmd.OutOrStdout())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the daemon is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(newController(), cmd.OutOrStdout())
	},
}

func init() {
	stopCmd.Flags().DurationVarP(&stopTimeout, "timeout", "t", 10*time.Second, "how long to wait for exit")
}

func runStop(c Controller, timeout time.Duration, out io.Writer) error {
	if err := c.Stop(timeout); err != nil {
		return fmt.Errorf("failed to stop: %w", err)
	}
	fmt.Fprintln(out, "✓ Daemon stopped")
	return nil
}

func runReload(c Controller, out io.Writer) error {
	if err := c.Reload(); err != nil {
		return fmt.Errorf("failed to reload: %w", err)
	}
	fmt.Fprintln(out, "✓ Configuration reloaded successfully")
	return nil
}

func runStatus(c Controller, out io.Writer) error {
	pid, running := c.Status()
	if !running {
		fmt.Fprintln(out, "daemon is not running")
		return daemon.ErrNotRunning
	}
	fmt.Fprintf(out, "daemon is running (pid %d)\n", pid)
	return nil
}
