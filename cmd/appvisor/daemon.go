package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

// ErrAlreadyRunning is returned when another daemon holds the pid file lock.
var ErrAlreadyRunning = errors.New("appvisor daemon already running")

// pidLock holds an exclusive lock on <pidfile>.lock while the daemon runs.
type pidLock struct {
	path string
	lock *flock.Flock
}

func lockPath(pidFile string) string { return pidFile + ".lock" }

// acquirePidFile locks the pid file and writes the current pid into it.
func acquirePidFile(pidFile string) (*pidLock, error) {
	fl := flock.New(lockPath(pidFile))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", fl.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("%s: %w (pid %s)", pidFile, ErrAlreadyRunning, readPid(pidFile))
	}
	if err := writePidFile(pidFile, os.Getpid()); err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("failed to write PID file: %w", err)
	}
	return &pidLock{path: pidFile, lock: fl}, nil
}

// Release removes the pid file and drops the lock.
func (p *pidLock) Release() error {
	errs := []error{removeIfExists(p.path), p.lock.Unlock(), removeIfExists(lockPath(p.path))}
	return errors.Join(errs...)
}

// checkNotRunning fails when a daemon already holds the lock for pidFile.
func checkNotRunning(pidFile string) error {
	if pidFile == "" {
		return nil
	}
	fl := flock.New(lockPath(pidFile))
	locked, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("locking %s: %w", fl.Path(), err)
	}
	if !locked {
		return fmt.Errorf("%s: %w (pid %s)", pidFile, ErrAlreadyRunning, readPid(pidFile))
	}
	return fl.Unlock()
}

// daemonize re-executes the binary in the background without --daemonize and
// returns the child's pid. The child takes the pid file lock itself.
func daemonize(pidFile, logFile string) (int, error) {
	if err := checkNotRunning(pidFile); err != nil {
		return 0, err
	}
	executable, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("failed to get executable path: %w", err)
	}

	// #nosec G204
	cmd := exec.Command(executable, daemonArgs(os.Args[1:], pidFile, logFile)...)
	configureDaemonAttrs(cmd)
	cmd.Stdin = nil
	if logFile != "" {
		// #nosec G304
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, fmt.Errorf("failed to open log file: %w", err)
		}
		defer func() { _ = f.Close() }()
		cmd.Stdout = f
		cmd.Stderr = f
	}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start daemon process: %w", err)
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()
	return pid, nil
}

// daemonArgs strips the daemon flags from args and re-adds the resolved
// pidfile and logfile.
func daemonArgs(args []string, pidFile, logFile string) []string {
	var out []string
	skipNext := false
	for _, arg := range args {
		if skipNext {
			skipNext = false
			continue
		}
		switch {
		case arg == "--daemonize", strings.HasPrefix(arg, "--daemonize="):
			continue
		case arg == "--pidfile", arg == "--logfile":
			skipNext = true
			continue
		case strings.HasPrefix(arg, "--pidfile="), strings.HasPrefix(arg, "--logfile="):
			continue
		}
		out = append(out, arg)
	}
	if pidFile != "" {
		out = append(out, "--pidfile", pidFile)
	}
	if logFile != "" {
		out = append(out, "--logfile", logFile)
	}
	return out
}

func writePidFile(pidFile string, pid int) error {
	// #nosec G304
	f, err := os.OpenFile(pidFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = f.WriteString(strconv.Itoa(pid))
	return err
}

func readPid(pidFile string) string {
	b, err := os.ReadFile(pidFile) // #nosec G304
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(b))
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
