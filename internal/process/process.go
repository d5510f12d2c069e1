package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

var (
	ErrWorkDirNotFound = errors.New("working directory not found")
	ErrEmptyCommand    = errors.New("empty launch line")
	ErrAlreadyStarted  = errors.New("process already started")
	ErrNotStarted      = errors.New("process not started")
)

// outputWaitDelay bounds how long Wait keeps copying output after the
// process exits while a grandchild still holds the pipes.
const outputWaitDelay = 2 * time.Second

// Spec describes one OS process to launch. Line is passed to exec verbatim,
// without a shell.
type Spec struct {
	Name        string
	Line        []string
	Dir         string
	Env         []string
	Stdout      io.Writer
	Stderr      io.Writer
	KillTimeout time.Duration
}

// Process is a single run of a Spec. It is started at most once; the
// supervisor creates a new Process for every restart. The child is reaped by
// exactly one goroutine started in Start.
type Process struct {
	spec   Spec
	cmd    *exec.Cmd
	status Status
	mu     sync.Mutex
	done   chan struct{}
}

func New(spec Spec) *Process {
	return &Process{spec: spec, done: make(chan struct{}), status: Status{Name: spec.Name}}
}

// CheckDir reports ErrWorkDirNotFound when dir is set but is not a directory.
func CheckDir(dir string) error {
	if dir == "" {
		return nil
	}
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		return fmt.Errorf("%s: %w", dir, ErrWorkDirNotFound)
	}
	return nil
}

// Start launches the process. A missing working directory or executable is
// reported here; the exit of a started process is observed through Done.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return ErrAlreadyStarted
	}
	if len(p.spec.Line) == 0 || p.spec.Line[0] == "" {
		return ErrEmptyCommand
	}
	if err := CheckDir(p.spec.Dir); err != nil {
		return err
	}
	// #nosec G204 -- the launch line comes from a validated descriptor
	cmd := exec.Command(p.spec.Line[0], p.spec.Line[1:]...)
	cmd.Dir = p.spec.Dir
	if p.spec.Env != nil {
		cmd.Env = p.spec.Env
		if path, ok := envValue(p.spec.Env, "PATH"); ok && !strings.ContainsAny(p.spec.Line[0], `/\`) {
			cmd.Path, cmd.Err = lookPath(p.spec.Line[0], path, p.spec.Env)
		}
	}
	cmd.Stdout = orDiscard(p.spec.Stdout)
	cmd.Stderr = orDiscard(p.spec.Stderr)
	cmd.WaitDelay = outputWaitDelay
	configureSysProcAttr(cmd)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", p.spec.Name, err)
	}
	p.cmd = cmd
	p.status.Running = true
	p.status.PID = cmd.Process.Pid
	p.status.StartedAt = time.Now()
	go p.wait()
	return nil
}

// envValue returns the last value of key in env, as the child would see it.
func envValue(env []string, key string) (string, bool) {
	for i := len(env) - 1; i >= 0; i-- {
		k, v, ok := strings.Cut(env[i], "=")
		if ok && (k == key || (runtime.GOOS == "windows" && strings.EqualFold(k, key))) {
			return v, true
		}
	}
	return "", false
}

// lookPath resolves a bare command name against the child's PATH instead of
// the supervisor's. Relative PATH entries are skipped.
func lookPath(file, path string, env []string) (string, error) {
	exts := []string{""}
	if runtime.GOOS == "windows" {
		exts = []string{".com", ".exe", ".bat", ".cmd"}
		if pe, ok := envValue(env, "PATHEXT"); ok && pe != "" {
			exts = strings.Split(strings.ToLower(pe), ";")
		}
		if filepath.Ext(file) != "" {
			exts = append([]string{""}, exts...)
		}
	}
	for _, dir := range filepath.SplitList(path) {
		if dir == "" || !filepath.IsAbs(dir) {
			continue
		}
		for _, ext := range exts {
			candidate := filepath.Join(dir, file+ext)
			if isExecutable(candidate) {
				return candidate, nil
			}
		}
	}
	return file, &exec.Error{Name: file, Err: exec.ErrNotFound}
}

func isExecutable(path string) bool {
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return false
	}
	return runtime.GOOS == "windows" || fi.Mode().Perm()&0o111 != 0
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.status.Running = false
	p.status.StoppedAt = time.Now()
	p.status.ExitCode = exitCode(p.cmd.ProcessState)
	if err != nil {
		p.status.ExitErr = err.Error()
	}
	p.mu.Unlock()
	close(p.done)
}

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Stop sends SIGTERM to the process group and escalates to SIGKILL when the
// process has not exited within KillTimeout.
func (p *Process) Stop() error {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil {
		return ErrNotStarted
	}
	select {
	case <-p.done:
		return nil
	default:
	}
	_ = terminate(cmd.Process.Pid)
	timer := time.NewTimer(p.spec.KillTimeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	}
	if err := kill(cmd.Process.Pid); err != nil {
		select {
		case <-p.done:
			return nil
		default:
			return fmt.Errorf("kill %s: %w", p.spec.Name, err)
		}
	}
	<-p.done
	return nil
}

// Snapshot returns a copy of the current status.
func (p *Process) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func orDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}

func exitCode(ps *os.ProcessState) int {
	if ps == nil {
		return -1
	}
	return ps.ExitCode()
}
