package process

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

// syncBuffer is a bytes.Buffer safe for the concurrent copies exec does.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitDone(t *testing.T, p *Process, d time.Duration) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(d):
		t.Fatalf("process %s did not exit within %s", p.spec.Name, d)
	}
}

func TestStartRunsLaunchLineVerbatim(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	var out, errOut syncBuffer
	p := New(Spec{
		Name:   "echo",
		Line:   []string{"/bin/sh", "-c", `printf '%s|' "$1" "$2"; pwd; echo "$PORT"; echo oops 1>&2`, "sh", "a b", "--x=1"},
		Dir:    dir,
		Env:    []string{"PORT=3001", "PATH=/usr/bin:/bin"},
		Stdout: &out,
		Stderr: &errOut,
	})
	require.NoError(t, p.Start())
	waitDone(t, p, 5*time.Second)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "a b|--x=1|", lines[0][:len("a b|--x=1|")])
	resolved, _ := filepath.EvalSymlinks(dir)
	assert.Contains(t, []string{dir, resolved}, strings.TrimPrefix(lines[0], "a b|--x=1|"))
	assert.Equal(t, "3001", lines[1])
	assert.Equal(t, "oops\n", errOut.String())

	st := p.Snapshot()
	assert.False(t, st.Running)
	assert.Equal(t, 0, st.ExitCode)
	assert.Empty(t, st.ExitErr)
	assert.Greater(t, st.PID, 0)
	assert.False(t, st.StoppedAt.Before(st.StartedAt))
}

func TestStartMissingWorkDir(t *testing.T) {
	p := New(Spec{Name: "x", Line: []string{"true"}, Dir: filepath.Join(t.TempDir(), "missing")})
	err := p.Start()
	assert.ErrorIs(t, err, ErrWorkDirNotFound)
}

func TestStartMissingExecutable(t *testing.T) {
	p := New(Spec{Name: "x", Line: []string{"definitely-not-a-real-binary-appvisor"}})
	err := p.Start()
	require.Error(t, err)
	assert.True(t, errors.Is(err, exec.ErrNotFound), "got %v", err)
}

func TestStartResolvesCommandFromChildPath(t *testing.T) {
	requireUnix(t)
	bin := t.TempDir()
	script := filepath.Join(bin, "venvpython")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho from-venv \"$1\"\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bin, "notexec"), []byte("#!/bin/sh\n"), 0o644))

	var out syncBuffer
	p := New(Spec{
		Name:   "venv",
		Line:   []string{"venvpython", "app.py"},
		Env:    []string{"PATH=/usr/bin:/bin", "PATH=relative:" + bin + ":/usr/bin:/bin"},
		Stdout: &out,
	})
	require.NoError(t, p.Start())
	waitDone(t, p, 5*time.Second)
	assert.Equal(t, "from-venv app.py\n", out.String())
	assert.Equal(t, 0, p.Snapshot().ExitCode)

	err := New(Spec{Name: "x", Line: []string{"notexec"}, Env: []string{"PATH=" + bin}}).Start()
	assert.ErrorIs(t, err, exec.ErrNotFound)

	// The supervisor's PATH is not consulted once the child sets its own.
	err = New(Spec{Name: "x", Line: []string{"sh", "-c", "true"}, Env: []string{"PATH=" + bin}}).Start()
	assert.ErrorIs(t, err, exec.ErrNotFound)
}

func TestStartTwiceAndEmptyLine(t *testing.T) {
	requireUnix(t)
	assert.ErrorIs(t, New(Spec{Name: "x"}).Start(), ErrEmptyCommand)

	p := New(Spec{Name: "x", Line: []string{"true"}})
	require.NoError(t, p.Start())
	assert.ErrorIs(t, p.Start(), ErrAlreadyStarted)
	waitDone(t, p, 5*time.Second)
}

func TestExitCodeRecorded(t *testing.T) {
	requireUnix(t)
	p := New(Spec{Name: "fail", Line: []string{"/bin/sh", "-c", "exit 3"}})
	require.NoError(t, p.Start())
	waitDone(t, p, 5*time.Second)
	st := p.Snapshot()
	assert.Equal(t, 3, st.ExitCode)
	assert.NotEmpty(t, st.ExitErr)
}

func TestStopGraceful(t *testing.T) {
	requireUnix(t)
	p := New(Spec{Name: "sleep", Line: []string{"sleep", "30"}, KillTimeout: 2 * time.Second})
	require.NoError(t, p.Start())
	start := time.Now()
	require.NoError(t, p.Stop())
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, p.Snapshot().Running)
	assert.False(t, Alive(p.Snapshot().PID))
}

func TestStopEscalatesToKill(t *testing.T) {
	requireUnix(t)
	var out syncBuffer
	p := New(Spec{
		Name:        "stubborn",
		Line:        []string{"/bin/sh", "-c", `trap '' TERM; echo ready; while :; do sleep 0.05; done`},
		Stdout:      &out,
		KillTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, p.Start())
	deadline := time.Now().Add(3 * time.Second)
	for !strings.Contains(out.String(), "ready") && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	start := time.Now()
	require.NoError(t, p.Stop())
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Equal(t, -1, p.Snapshot().ExitCode)
}

func TestStopNotStartedAndAfterExit(t *testing.T) {
	requireUnix(t)
	assert.ErrorIs(t, New(Spec{Name: "x"}).Stop(), ErrNotStarted)

	p := New(Spec{Name: "x", Line: []string{"true"}})
	require.NoError(t, p.Start())
	waitDone(t, p, 5*time.Second)
	assert.NoError(t, p.Stop())
}

func TestStatusUptime(t *testing.T) {
	assert.Zero(t, Status{}.Uptime())
	now := time.Now()
	s := Status{StartedAt: now.Add(-3 * time.Second), StoppedAt: now}
	assert.Equal(t, 3*time.Second, s.Uptime())
	s.Running = true
	assert.GreaterOrEqual(t, s.Uptime(), 3*time.Second)
}
