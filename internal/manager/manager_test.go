package manager

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/appvisor/internal/descriptor"
	"github.com/loykin/appvisor/internal/history"
	hsqlite "github.com/loykin/appvisor/internal/history/sqlite"
	"github.com/loykin/appvisor/internal/store/sqlite"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require /bin/sh on Unix-like systems")
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager()
	m.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func shApp(name, dir, script string) descriptor.Descriptor {
	return descriptor.Descriptor{
		Name:         name,
		Command:      "/bin/sh",
		Args:         []string{"-c", script},
		Cwd:          dir,
		RestartDelay: descriptor.Ptr[int64](10),
		KillTimeout:  descriptor.Ptr[int64](1000),
	}
}

func apply(t *testing.T, m *Manager, apps ...descriptor.Descriptor) {
	t.Helper()
	require.NoError(t, m.Apply(descriptor.Set{Apps: apps}))
}

// waitUntil polls cond until it holds or d elapses.
func waitUntil(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", d, msg)
}

func first(t *testing.T, m *Manager, name string) InstanceStatus {
	t.Helper()
	st, err := m.Status(name)
	require.NoError(t, err)
	require.NotEmpty(t, st.Instances)
	return st.Instances[0]
}

func stateIs(t *testing.T, m *Manager, name string, s State) func() bool {
	return func() bool { return first(t, m, name).State == s }
}

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (s *memSink) Send(_ context.Context, e history.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *memSink) types(app string) []history.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []history.EventType
	for _, e := range s.events {
		if e.App == app {
			out = append(out, e.Type)
		}
	}
	return out
}

func TestStartStop(t *testing.T) {
	requireUnix(t)
	m := newTestManager(t)
	apply(t, m, shApp("sleeper", t.TempDir(), "exec sleep 30"))

	st, err := m.Status("sleeper")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, st.Instances[0].State)

	require.NoError(t, m.Start("sleeper"))
	waitUntil(t, 5*time.Second, stateIs(t, m, "sleeper", StateOnline), "online")
	in := first(t, m, "sleeper")
	assert.NotZero(t, in.PID)
	assert.Equal(t, "sleeper-0", in.ID)

	// starting an online app is a no-op
	require.NoError(t, m.Start("sleeper"))
	assert.Equal(t, in.PID, first(t, m, "sleeper").PID)

	require.NoError(t, m.Stop("sleeper", 5*time.Second))
	in = first(t, m, "sleeper")
	assert.Equal(t, StateStopped, in.State)
	assert.Zero(t, in.PID)
	assert.Zero(t, in.Restarts)
}

func TestCrashLoopEndsErrored(t *testing.T) {
	requireUnix(t)
	m := newTestManager(t)
	d := shApp("crasher", t.TempDir(), "exit 3")
	d.MaxRestarts = descriptor.Ptr(2)
	d.MinUptime = descriptor.Ptr[int64](1000)
	apply(t, m, d)

	require.NoError(t, m.Start("crasher"))
	waitUntil(t, 10*time.Second, stateIs(t, m, "crasher", StateErrored), "errored")
	in := first(t, m, "crasher")
	assert.Equal(t, 2, in.Restarts)
	assert.Equal(t, 2, in.UnstableRestarts)
	assert.Equal(t, 3, in.ExitCode)
	assert.Zero(t, in.PID)

	// a manual start resets the budget
	require.NoError(t, m.Start("crasher"))
	waitUntil(t, 10*time.Second, func() bool {
		in := first(t, m, "crasher")
		return in.State == StateErrored && in.Restarts == 4
	}, "second errored run")
}

func TestStableRunsResetBudget(t *testing.T) {
	requireUnix(t)
	m := newTestManager(t)
	d := shApp("flaky", t.TempDir(), "sleep 0.2; exit 1")
	d.MaxRestarts = descriptor.Ptr(1)
	d.MinUptime = descriptor.Ptr[int64](50)
	apply(t, m, d)

	require.NoError(t, m.Start("flaky"))
	waitUntil(t, 15*time.Second, func() bool { return first(t, m, "flaky").Restarts >= 3 }, "three restarts")
	in := first(t, m, "flaky")
	assert.NotEqual(t, StateErrored, in.State)
	assert.Zero(t, in.UnstableRestarts)
	require.NoError(t, m.Stop("flaky", 5*time.Second))
}

func TestRestartDelayWaits(t *testing.T) {
	requireUnix(t)
	m := newTestManager(t)
	d := shApp("slowpoke", t.TempDir(), "exit 1")
	d.RestartDelay = descriptor.Ptr[int64](5000)
	apply(t, m, d)

	require.NoError(t, m.Start("slowpoke"))
	waitUntil(t, 5*time.Second, stateIs(t, m, "slowpoke", StateWaiting), "waiting restart")
	time.Sleep(300 * time.Millisecond)
	in := first(t, m, "slowpoke")
	assert.Equal(t, StateWaiting, in.State)
	assert.Zero(t, in.Restarts)

	// stop interrupts the delay
	start := time.Now()
	require.NoError(t, m.Stop("slowpoke", 5*time.Second))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StateStopped, first(t, m, "slowpoke").State)
}

func TestAutoRestartDisabled(t *testing.T) {
	requireUnix(t)
	m := newTestManager(t)
	d := shApp("oneshot", t.TempDir(), "exit 0")
	d.AutoRestart = descriptor.Ptr(false)
	apply(t, m, d)

	require.NoError(t, m.Start("oneshot"))
	waitUntil(t, 5*time.Second, func() bool {
		in := first(t, m, "oneshot")
		return in.State == StateStopped && !in.StartedAt.IsZero()
	}, "stopped after exit")
	time.Sleep(100 * time.Millisecond)
	in := first(t, m, "oneshot")
	assert.Zero(t, in.Restarts)
	assert.Equal(t, 0, in.ExitCode)
}

func TestRestartReplacesProcess(t *testing.T) {
	requireUnix(t)
	m := newTestManager(t)
	apply(t, m, shApp("web", t.TempDir(), "exec sleep 30"))

	require.NoError(t, m.Start("web"))
	waitUntil(t, 5*time.Second, stateIs(t, m, "web", StateOnline), "online")
	pid := first(t, m, "web").PID

	require.NoError(t, m.Restart("web"))
	waitUntil(t, 5*time.Second, func() bool {
		in := first(t, m, "web")
		return in.State == StateOnline && in.PID != 0 && in.PID != pid
	}, "new pid")
	assert.Equal(t, 1, first(t, m, "web").Restarts)

	// restarting a stopped app starts it
	require.NoError(t, m.Stop("web", 5*time.Second))
	require.NoError(t, m.Restart("web"))
	waitUntil(t, 5*time.Second, stateIs(t, m, "web", StateOnline), "online again")
}

func TestClusterInstancesGetOwnEnv(t *testing.T) {
	requireUnix(t)
	m := newTestManager(t)
	dir := t.TempDir()
	m.SetGlobalEnv([]string{"GREETING=hi", "BASE=${HOME}"})
	d := shApp("api", dir, `echo "$name $pm_id $GREETING $PORT" > "inst-$NODE_APP_INSTANCE"; exec sleep 30`)
	d.Instances = 2
	d.ExecMode = descriptor.ModeCluster
	d.Env = map[string]string{"PORT": "3001", "GREETING": "hello"}
	apply(t, m, d)

	require.NoError(t, m.Start("api"))
	waitUntil(t, 5*time.Second, func() bool {
		st, _ := m.Status("api")
		return st.Online == 2
	}, "two online")

	st, err := m.Status("api")
	require.NoError(t, err)
	assert.Equal(t, descriptor.ModeCluster, st.Mode)
	assert.Equal(t, []string{"api-0", "api-1"}, []string{st.Instances[0].ID, st.Instances[1].ID})
	assert.NotEqual(t, st.Instances[0].PID, st.Instances[1].PID)

	for i, want := range []string{"api 0 hello 3001", "api 1 hello 3001"} {
		p := filepath.Join(dir, "inst-"+string(rune('0'+i)))
		waitUntil(t, 5*time.Second, func() bool {
			b, err := os.ReadFile(p)
			return err == nil && strings.TrimSpace(string(b)) == want
		}, p)
	}

	targets := m.Targets()
	assert.Len(t, targets, 2)
	require.NoError(t, m.StopAll(5*time.Second))
	assert.Empty(t, m.Targets())
}

func TestLaunchFailureIsUnstable(t *testing.T) {
	requireUnix(t)
	m := newTestManager(t)
	d := shApp("ghost", filepath.Join(t.TempDir(), "missing"), "true")
	d.MaxRestarts = descriptor.Ptr(1)
	apply(t, m, d)

	require.NoError(t, m.Start("ghost"))
	waitUntil(t, 5*time.Second, stateIs(t, m, "ghost", StateErrored), "errored")
	in := first(t, m, "ghost")
	assert.Equal(t, 1, in.UnstableRestarts)
	assert.NotEmpty(t, in.LastError)
}

func TestWatchRestartsOnChange(t *testing.T) {
	requireUnix(t)
	m := newTestManager(t)
	dir := t.TempDir()
	d := shApp("watched", dir, "exec sleep 30")
	d.Watch = true
	d.OutFile = "out.log"
	apply(t, m, d)

	require.NoError(t, m.Start("watched"))
	waitUntil(t, 5*time.Second, stateIs(t, m, "watched", StateOnline), "online")
	pid := first(t, m, "watched").PID

	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.py"), []byte("print(1)\n"), 0o644))
	waitUntil(t, 10*time.Second, func() bool {
		in := first(t, m, "watched")
		return in.State == StateOnline && in.PID != pid && in.Restarts >= 1
	}, "restart after change")

	require.NoError(t, m.Stop("watched", 5*time.Second))
	a, err := m.get("watched")
	require.NoError(t, err)
	assert.False(t, a.watching())
}

func TestApplyAndLookupErrors(t *testing.T) {
	m := newTestManager(t)
	d := shApp("dup", "/tmp", "true")
	apply(t, m, d)
	assert.ErrorIs(t, m.Apply(descriptor.Set{Apps: []descriptor.Descriptor{d}}), descriptor.ErrDuplicateName)
	assert.ErrorIs(t, m.Apply(descriptor.Set{Apps: []descriptor.Descriptor{{Name: "x"}}}), descriptor.ErrEmptyCommand)

	assert.ErrorIs(t, m.Start("nope"), ErrUnknownApp)
	assert.ErrorIs(t, m.Stop("nope", 0), ErrUnknownApp)
	assert.ErrorIs(t, m.Restart("nope"), ErrUnknownApp)
	assert.ErrorIs(t, m.Delete("nope"), ErrUnknownApp)
	_, err := m.Status("nope")
	assert.ErrorIs(t, err, ErrUnknownApp)

	require.NoError(t, m.Delete("dup"))
	assert.Empty(t, m.List())
	apply(t, m, d)
	assert.Equal(t, []string{"dup"}, m.Descriptors().Names())
}

func TestListAndMatchKeepOrder(t *testing.T) {
	m := newTestManager(t)
	apply(t, m,
		shApp("web-1", "/tmp", "true"),
		shApp("api", "/tmp", "true"),
		shApp("web-2", "/tmp", "true"),
	)
	var names []string
	for _, st := range m.List() {
		names = append(names, st.Name)
	}
	assert.Equal(t, []string{"web-1", "api", "web-2"}, names)
	assert.Len(t, m.Match("web-*"), 2)
	assert.Len(t, m.Match("*"), 3)
	assert.Len(t, m.Match("api"), 1)
}

func TestWildcardMatch(t *testing.T) {
	cases := []struct {
		name, pattern string
		want          bool
	}{
		{"web", "*", true},
		{"web", "", true},
		{"web", "web", true},
		{"web", "we", false},
		{"web-1", "web-*", true},
		{"api-web-1", "*web*", true},
		{"api-1", "*web*", false},
		{"a-b-c", "a*c", true},
		{"a-b-d", "a*c", false},
		{"ab", "a*b*", true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, wildcardMatch(tc.name, tc.pattern), "%s ~ %s", tc.name, tc.pattern)
	}
}

func TestDumpResurrect(t *testing.T) {
	requireUnix(t)
	db, err := sqlite.New(filepath.Join(t.TempDir(), "appvisor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	m := newTestManager(t)
	assert.ErrorIs(t, m.Dump(context.Background()), ErrNoStore)
	_, err = m.Resurrect(context.Background())
	assert.ErrorIs(t, err, ErrNoStore)

	require.NoError(t, m.SetStore(db))
	_, err = m.Resurrect(context.Background())
	assert.Error(t, err)

	a := shApp("a", t.TempDir(), "exec sleep 30")
	a.MaxRestarts = descriptor.Ptr(4)
	apply(t, m, a, shApp("b", t.TempDir(), "exec sleep 30"))
	require.NoError(t, m.Dump(context.Background()))

	other := newTestManager(t)
	require.NoError(t, other.SetStore(db))
	apply(t, other, shApp("b", t.TempDir(), "exec sleep 30"))
	names, err := other.Resurrect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, names)
	assert.Equal(t, []string{"b", "a"}, other.Descriptors().Names())
	waitUntil(t, 5*time.Second, stateIs(t, other, "a", StateOnline), "resurrected app online")
	assert.Equal(t, StateStopped, first(t, other, "b").State)

	restored, ok := other.Descriptors().Lookup("a")
	require.True(t, ok)
	assert.Equal(t, 4, *restored.MaxRestarts)
}

func TestHistoryRecordsLifecycle(t *testing.T) {
	requireUnix(t)
	m := newTestManager(t)
	_, err := m.History(context.Background(), "h", 0)
	require.ErrorIs(t, err, history.ErrNotQueryable)

	sink := &memSink{}
	db, err := hsqlite.New("sqlite://" + filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	m.SetHistorySinks(sink, db)
	d := shApp("h", t.TempDir(), "exit 1")
	d.MaxRestarts = descriptor.Ptr(1)
	d.MinUptime = descriptor.Ptr[int64](1000)
	apply(t, m, d)

	require.NoError(t, m.Start("h"))
	waitUntil(t, 5*time.Second, stateIs(t, m, "h", StateErrored), "errored")
	waitUntil(t, 2*time.Second, func() bool {
		ts := sink.types("h")
		return len(ts) > 0 && ts[len(ts)-1] == history.EventErrored
	}, "errored event")
	assert.Equal(t, []history.EventType{
		history.EventStart, history.EventExit,
		history.EventRestart, history.EventExit,
		history.EventErrored,
	}, sink.types("h"))

	var events []history.Event
	waitUntil(t, 2*time.Second, func() bool {
		events, err = m.History(context.Background(), "h", 2)
		return err == nil && len(events) == 2 && events[0].Type == history.EventErrored
	}, "errored event stored")
	assert.Equal(t, history.EventErrored, events[0].Type)
	assert.Equal(t, history.EventExit, events[1].Type)
	assert.Equal(t, "h", events[0].App)
}

func TestShutdownPreventsStart(t *testing.T) {
	requireUnix(t)
	m := NewManager()
	m.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	apply(t, m, shApp("s", t.TempDir(), "exec sleep 30"))
	require.NoError(t, m.Start("s"))
	waitUntil(t, 5*time.Second, stateIs(t, m, "s", StateOnline), "online")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
	assert.Equal(t, StateStopped, first(t, m, "s").State)
	assert.ErrorIs(t, m.Start("s"), context.Canceled)
}
