package daemon

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrNotRunning means no live daemon is recorded in the PID file.
var ErrNotRunning = errors.New("daemon not running")

// ReadPID returns the process ID recorded in pidFile.
func ReadPID(pidFile string) (int, error) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotRunning
		}
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("malformed PID file %s", pidFile)
	}
	return pid, nil
}

// Signal delivers sig to the daemon recorded in pidFile. Signal 0 only
// checks that the process exists.
func Signal(pidFile string, sig syscall.Signal) error {
	pid, err := ReadPID(pidFile)
	if err != nil {
		return err
	}
	if err := syscall.Kill(pid, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return ErrNotRunning
		}
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
	return nil
}

// Running reports the recorded daemon's PID and whether it is alive.
func Running(pidFile string) (int, bool) {
	pid, err := ReadPID(pidFile)
	if err != nil {
		return 0, false
	}
	return pid, Signal(pidFile, 0) == nil
}

// StopDaemon sends SIGTERM and waits up to timeout for the process to exit.
func StopDaemon(pidFile string, timeout time.Duration) error {
	if err := Signal(pidFile, syscall.SIGTERM); err != nil {
		return err
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, alive := Running(pidFile); !alive {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon did not exit within %s", timeout)
}
