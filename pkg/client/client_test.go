package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/appvisor/internal/descriptor"
	"github.com/loykin/appvisor/internal/history"
	hsqlite "github.com/loykin/appvisor/internal/history/sqlite"
	"github.com/loykin/appvisor/internal/manager"
	"github.com/loykin/appvisor/internal/server"
)

func newDaemon(t *testing.T) (*manager.Manager, *Client) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mgr := manager.NewManager()
	mgr.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(server.NewRouter(mgr, "/api").Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})
	return mgr, New(Config{BaseURL: ts.URL + "/api/", Timeout: 5 * time.Second})
}

func TestDefaults(t *testing.T) {
	c := New(Config{})
	assert.Equal(t, DefaultBaseURL, c.baseURL)
	assert.Equal(t, DefaultTimeout, c.client.Timeout)
	assert.Equal(t, DefaultConfig().BaseURL, c.baseURL)
}

func TestIsReachable(t *testing.T) {
	_, c := newDaemon(t)
	assert.True(t, c.IsReachable(context.Background()))

	down := New(Config{BaseURL: "http://127.0.0.1:1/api", Timeout: time.Second})
	assert.False(t, down.IsReachable(context.Background()))
}

func TestLifecycleOverHTTP(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	mgr, c := newDaemon(t)
	ctx := context.Background()
	set := descriptor.Set{Apps: []descriptor.Descriptor{{
		Name:    "web",
		Command: "/bin/sh",
		Args:    []string{"-c", "exec sleep 30"},
		Cwd:     t.TempDir(),
	}}}

	names, err := c.Apply(ctx, set, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"web"}, names)

	require.Eventually(t, func() bool {
		st, err := c.Status(ctx, "web")
		return err == nil && st.Online == 1
	}, 5*time.Second, 20*time.Millisecond)

	list, err := c.List(ctx, "we*")
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, c.Restart(ctx, "web"))
	require.NoError(t, c.Stop(ctx, "web", 5*time.Second))
	st, err := mgr.Status("web")
	require.NoError(t, err)
	assert.Equal(t, manager.StateStopped, st.Instances[0].State)

	b, err := c.Descriptors(ctx, descriptor.FormatYAML)
	require.NoError(t, err)
	got, err := descriptor.Unmarshal(b, descriptor.FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, []string{"web"}, got.Names())

	require.NoError(t, c.Start(ctx, "web"))
	require.NoError(t, c.Delete(ctx, "web"))
	list, err = c.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestErrors(t *testing.T) {
	_, c := newDaemon(t)
	ctx := context.Background()

	_, err := c.Status(ctx, "nope")
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Contains(t, apiErr.Message, "unknown app")

	err = c.Dump(ctx)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.False(t, errors.Is(err, ErrNotFound))

	_, err = c.Resurrect(ctx)
	assert.Error(t, err)
}

func TestNonJSONError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer ts.Close()
	err := New(Config{BaseURL: ts.URL}).Start(context.Background(), "x")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Equal(t, "Bad Gateway", apiErr.Message)
}

func TestHistory(t *testing.T) {
	mgr, c := newDaemon(t)
	ctx := context.Background()
	_, err := c.History(ctx, "web", 0)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotImplemented, apiErr.Status)

	sink, err := hsqlite.New("sqlite://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventStart, OccurredAt: time.Now(), App: "web", PID: 7}))
	mgr.SetHistorySinks(sink)

	events, err := c.History(ctx, "web", 5)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, history.EventStart, events[0].Type)
	assert.Equal(t, 7, events[0].PID)
}

func TestTLSDaemon(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mgr := manager.NewManager()
	ts := httptest.NewTLSServer(server.NewRouter(mgr, "/api").Handler())
	defer ts.Close()
	ctx := context.Background()

	strict := New(Config{BaseURL: ts.URL + "/api", Timeout: 2 * time.Second})
	assert.False(t, strict.IsReachable(ctx), "self-signed certificate must not verify")

	insecure := New(Config{BaseURL: ts.URL + "/api", Timeout: 2 * time.Second, Insecure: true})
	assert.True(t, insecure.IsReachable(ctx))
}
