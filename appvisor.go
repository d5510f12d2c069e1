package appvisor

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/appvisor/internal/config"
	"github.com/loykin/appvisor/internal/descriptor"
	"github.com/loykin/appvisor/internal/history"
	hfactory "github.com/loykin/appvisor/internal/history/factory"
	"github.com/loykin/appvisor/internal/logger"
	"github.com/loykin/appvisor/internal/manager"
	"github.com/loykin/appvisor/internal/metrics"
	iapi "github.com/loykin/appvisor/internal/server"
	"github.com/loykin/appvisor/internal/store"
	sfactory "github.com/loykin/appvisor/internal/store/factory"
	apptls "github.com/loykin/appvisor/internal/tls"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Descriptor = descriptor.Descriptor

type Set = descriptor.Set

type Format = descriptor.Format

type AppStatus = manager.AppStatus

type InstanceStatus = manager.InstanceStatus

type State = manager.State

type HistorySink = history.Sink

type HistoryEvent = history.Event

type Store = store.Store

type Config = config.FileConfig

type LoggerConfig = logger.Config

type Router = iapi.Router

// TLSOptions configures HTTPS for the API server.
type TLSOptions = apptls.Options

const (
	FormatJSON = descriptor.FormatJSON
	FormatYAML = descriptor.FormatYAML
	FormatTOML = descriptor.FormatTOML
	FormatJS   = descriptor.FormatJS
)

const (
	StateStopped   = manager.StateStopped
	StateLaunching = manager.StateLaunching
	StateOnline    = manager.StateOnline
	StateWaiting   = manager.StateWaiting
	StateStopping  = manager.StateStopping
	StateErrored   = manager.StateErrored
)

var (
	ErrUnknownApp    = manager.ErrUnknownApp
	ErrDuplicateName = descriptor.ErrDuplicateName
	ErrNoStore       = manager.ErrNoStore
	ErrUnknownFormat = descriptor.ErrUnknownFormat
)

// Ptr returns a pointer to v, for optional descriptor fields.
func Ptr[T any](v T) *T { return &v }

// Manager is a thin facade over internal/manager.Manager.
// It provides a stable public API for embedding.
type Manager struct{ inner *manager.Manager }

func New() *Manager { return &Manager{inner: manager.NewManager()} }

func (m *Manager) SetLogger(l *slog.Logger)             { m.inner.SetLogger(l) }
func (m *Manager) SetLogConfig(c LoggerConfig)          { m.inner.SetLogConfig(c) }
func (m *Manager) SetGlobalEnv(kvs []string)            { m.inner.SetGlobalEnv(kvs) }
func (m *Manager) SetHistorySinks(sinks ...HistorySink) { m.inner.SetHistorySinks(sinks...) }
func (m *Manager) SetStore(s Store) error               { return m.inner.SetStore(s) }
func (m *Manager) Apply(s Set) error                    { return m.inner.Apply(s) }
func (m *Manager) Start(name string) error              { return m.inner.Start(name) }
func (m *Manager) StartAll() error                      { return m.inner.StartAll() }
func (m *Manager) Stop(name string, wait time.Duration) error {
	return m.inner.Stop(name, wait)
}
func (m *Manager) StopAll(wait time.Duration) error      { return m.inner.StopAll(wait) }
func (m *Manager) Restart(name string) error             { return m.inner.Restart(name) }
func (m *Manager) Delete(name string) error              { return m.inner.Delete(name) }
func (m *Manager) Status(name string) (AppStatus, error) { return m.inner.Status(name) }
func (m *Manager) List() []AppStatus                     { return m.inner.List() }
func (m *Manager) Match(pattern string) []AppStatus      { return m.inner.Match(pattern) }
func (m *Manager) Descriptors() Set                      { return m.inner.Descriptors() }
func (m *Manager) Dump(ctx context.Context) error        { return m.inner.Dump(ctx) }
func (m *Manager) Shutdown(ctx context.Context) error    { return m.inner.Shutdown(ctx) }
func (m *Manager) Resurrect(ctx context.Context) ([]string, error) {
	return m.inner.Resurrect(ctx)
}

// Descriptor helpers

func LoadFile(path string) (Set, error)         { return descriptor.LoadFile(path) }
func LoadFiles(paths ...string) (Set, error)    { return descriptor.LoadFiles(paths...) }
func ParseFormat(s string) (Format, error)      { return descriptor.ParseFormat(s) }
func Marshal(s Set, f Format) ([]byte, error)   { return descriptor.Marshal(s, f) }
func Unmarshal(b []byte, f Format) (Set, error) { return descriptor.Unmarshal(b, f) }

// LoadConfig reads an appvisor.toml (or yaml/json) with APPVISOR_* overrides.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// NewLogger builds the supervisor logger.
func NewLogger(c LoggerConfig) *slog.Logger { return logger.New(c) }

// NewHistorySink opens a history sink from a DSN (sqlite, postgres, clickhouse, opensearch).
func NewHistorySink(ctx context.Context, dsn string) (HistorySink, error) {
	return hfactory.NewSinkFromDSN(ctx, dsn)
}

// NewStore opens a dump/resurrect store from a DSN (sqlite or postgres).
func NewStore(ctx context.Context, dsn string) (Store, error) {
	return sfactory.NewFromDSN(ctx, dsn)
}

// NewRouter exposes the HTTP API for mounting into another server.
func NewRouter(m *Manager, basePath string) *Router { return iapi.NewRouter(m.inner, basePath) }

// NewHTTPServer returns an unstarted HTTP server for the API.
func NewHTTPServer(addr, basePath string, m *Manager, withMetrics bool) *http.Server {
	r := iapi.NewRouter(m.inner, basePath)
	if withMetrics {
		r.WithMetrics()
	}
	return iapi.NewServer(addr, r)
}

// SetupTLS returns a server tls.Config, or nil when o is disabled. Assign it
// to the server's TLSConfig and call ListenAndServeTLS("", "").
func SetupTLS(o TLSOptions) (*tls.Config, error) { return apptls.Setup(o) }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// MetricsHandler serves the default Prometheus registry.
func MetricsHandler() http.Handler { return metrics.Handler() }

// NewMetricsServer returns an unstarted server exposing /metrics.
func NewMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// StartUsageSampler registers per-instance CPU and memory gauges and samples
// the manager's online instances every interval until ctx is done.
func StartUsageSampler(ctx context.Context, m *Manager, r prometheus.Registerer, interval time.Duration, log *slog.Logger) error {
	s := metrics.NewSampler(interval, m.inner.Targets, log)
	if err := s.Register(r); err != nil {
		return err
	}
	go s.Run(ctx)
	return nil
}
