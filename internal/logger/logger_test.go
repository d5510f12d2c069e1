package logger

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loykin/appvisor/internal/descriptor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

func readFile(t *testing.T, p string) string {
	t.Helper()
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	return string(b)
}

func TestOpenSinks_CombinedReceivesBothStreams(t *testing.T) {
	dir := t.TempDir()
	p := descriptor.LogPaths{
		Combined: filepath.Join(dir, "streamlit.log"),
		Stdout:   filepath.Join(dir, "streamlit_out.log"),
		Stderr:   filepath.Join(dir, "streamlit_error.log"),
	}
	s, err := Config{}.OpenSinks(p)
	require.NoError(t, err)
	_, _ = io.WriteString(s.Stdout, "out\n")
	_, _ = io.WriteString(s.Stderr, "err\n")
	require.NoError(t, s.Close())

	assert.Equal(t, "out\n", readFile(t, p.Stdout))
	assert.Equal(t, "err\n", readFile(t, p.Stderr))
	assert.Equal(t, "out\nerr\n", readFile(t, p.Combined))
}

func TestOpenSinks_NoPathsDiscards(t *testing.T) {
	s, err := Config{}.OpenSinks(descriptor.LogPaths{})
	require.NoError(t, err)
	assert.Equal(t, io.Discard, s.Stdout)
	assert.Equal(t, io.Discard, s.Stderr)
	assert.NoError(t, s.Close())
}

func TestOpenSinks_SharedPathWritesOnce(t *testing.T) {
	dir := t.TempDir()
	same := filepath.Join(dir, "all.log")
	s, err := Config{}.OpenSinks(descriptor.LogPaths{Combined: same, Stdout: same})
	require.NoError(t, err)
	_, _ = io.WriteString(s.Stdout, "x")
	require.NoError(t, s.Close())
	assert.Equal(t, "x", readFile(t, same))
}

func TestRotationDefaultsAndOverrides(t *testing.T) {
	l := Rotation{}.open("x")
	assert.Equal(t, DefaultMaxSizeMB, l.MaxSize)
	assert.Equal(t, DefaultMaxBackups, l.MaxBackups)
	assert.Equal(t, DefaultMaxAgeDays, l.MaxAge)

	l = Rotation{MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}.open("y")
	assert.Equal(t, &lj.Logger{Filename: "y", MaxSize: 1, MaxBackups: 9, MaxAge: 11, Compress: true}, l)
}

func TestInstancePaths(t *testing.T) {
	d := descriptor.Descriptor{Name: "web", Command: "x", Cwd: "/srv", OutFile: "out.log", Instances: 2}
	p := Config{}.InstancePaths(&d, 1)
	assert.Equal(t, "/srv/out-1.log", p.Stdout)
	assert.Empty(t, p.Combined)

	d = descriptor.Descriptor{Name: "api", Command: "x", Cwd: "/srv"}
	p = Config{Dir: "/var/log/appvisor"}.InstancePaths(&d, 0)
	assert.Equal(t, "/var/log/appvisor/api-out.log", p.Stdout)
	assert.Equal(t, "/var/log/appvisor/api-error.log", p.Stderr)

	p = Config{}.InstancePaths(&d, 0)
	assert.False(t, p.Any())
}

func TestNewHandlerFormats(t *testing.T) {
	var buf bytes.Buffer
	slog.New(NewHandler(&buf, "json", slog.LevelInfo, false)).Info("hello", "app", "web")
	assert.Contains(t, buf.String(), `"msg":"hello"`)

	buf.Reset()
	slog.New(NewHandler(&buf, "text", slog.LevelWarn, false)).Info("dropped")
	assert.Empty(t, buf.String())

	buf.Reset()
	slog.New(NewHandler(&buf, "text", slog.LevelDebug, true)).Error("boom")
	assert.Contains(t, buf.String(), "\033[31m")
}

func TestColorTextHandlerWritesRawEscapes(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewColorTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))
	l.Error("boom", "app", "web")
	l.With("instance", 1).WithGroup("proc").Debug("tick", "pid", 42)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "\033[31mERROR\033[0m msg=boom app=web", lines[0])
	assert.Equal(t, "\033[36mDEBUG\033[0m msg=tick instance=1 proc.pid=42", lines[1])
	assert.NotContains(t, buf.String(), `\x1b`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nope"))
}

func TestNewWritesToFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "appvisor.log")
	l := New(Config{File: p, Format: "json"})
	l.Info("started")
	assert.Contains(t, readFile(t, p), "started")
}
