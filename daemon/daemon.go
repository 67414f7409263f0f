// Package daemon backgrounds the bot: it re-executes the binary with a
// marker variable set and tracks the child through a PID file.
package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

const (
	envMarker = "TRAILBOT_DAEMON"
	pidFile   = "trailbot.pid"
)

// IsDaemon reports whether this process is the backgrounded child.
func IsDaemon() bool {
	return os.Getenv(envMarker) == "true"
}

// StartDaemon re-executes the current binary in the background with the
// given arguments and records its PID.
func StartDaemon(args []string) error {
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("daemon: executable path: %w", err)
	}

	cmd := exec.Command(execPath, args...)
	cmd.Env = append(os.Environ(), envMarker+"=true")
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("daemon: start: %w", err)
	}

	if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d", cmd.Process.Pid)), 0o644); err != nil {
		return fmt.Errorf("daemon: write PID file: %w", err)
	}

	fmt.Printf("Daemon started with PID %d, PID file %s\n", cmd.Process.Pid, pidFile)
	return nil
}

// StopDaemon kills the process recorded in the PID file.
func StopDaemon() error {
	pidData, err := os.ReadFile(pidFile)
	if err != nil {
		return fmt.Errorf("daemon: read PID file: %w", err)
	}

	var pid int
	if _, err := fmt.Sscanf(string(pidData), "%d", &pid); err != nil {
		return fmt.Errorf("daemon: parse PID: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("daemon: find process: %w", err)
	}
	if err := process.Kill(); err != nil {
		return fmt.Errorf("daemon: kill: %w", err)
	}
	if err := os.Remove(pidFile); err != nil {
		return fmt.Errorf("daemon: remove PID file: %w", err)
	}

	fmt.Printf("Daemon with PID %d has been stopped.\n", pid)
	return nil
}

// RestartDaemon stops any running daemon and starts a fresh one.
func RestartDaemon(args []string) error {
	if err := StopDaemon(); err != nil {
		fmt.Printf("Warning: could not stop daemon: %v\n", err)
	}
	return StartDaemon(args)
}

// GetExecutablePath returns the absolute path of the running binary.
func GetExecutablePath() (string, error) {
	execPath, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.Abs(execPath)
}
