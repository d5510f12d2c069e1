package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/appvisor/internal/descriptor"
	"github.com/loykin/appvisor/internal/env"
	"github.com/loykin/appvisor/internal/history"
	"github.com/loykin/appvisor/internal/logger"
	"github.com/loykin/appvisor/internal/metrics"
	"github.com/loykin/appvisor/internal/store"
)

// Manager supervises the apps of a descriptor set.
type Manager struct {
	mu     sync.RWMutex
	apps   map[string]*app
	order  []string
	envM   *env.Env
	logCfg logger.Config
	log    *slog.Logger
	hist   *history.Recorder
	st     store.Store

	ctx    context.Context
	cancel context.CancelFunc
}

type runtimeCfg struct {
	env    *env.Env
	logCfg logger.Config
}

func NewManager() *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	e := env.New()
	e.FromOS()
	return &Manager{
		apps:   make(map[string]*app),
		envM:   e,
		log:    slog.Default(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetLogger sets the logger for supervisor messages.
func (m *Manager) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.Default()
	}
	m.mu.Lock()
	m.log = l
	m.mu.Unlock()
}

// SetLogConfig sets rotation settings and the fallback directory for app logs.
func (m *Manager) SetLogConfig(c logger.Config) {
	m.mu.Lock()
	m.logCfg = c
	m.mu.Unlock()
}

// SetHistorySinks configures lifecycle event sinks. Passing none clears them.
// Closing the sinks is left to the caller.
func (m *Manager) SetHistorySinks(sinks ...history.Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(sinks) == 0 {
		m.hist = nil
		return
	}
	m.hist = history.NewRecorder(m.log, sinks...)
}

// SetStore configures the store used by Dump and Resurrect and ensures its schema.
func (m *Manager) SetStore(s store.Store) error {
	m.mu.Lock()
	m.st = s
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.EnsureSchema(context.Background())
}

// SetGlobalEnv sets variables applied to every app, below the app's own env.
// kvs must be in the form "KEY=VALUE".
func (m *Manager) SetGlobalEnv(kvs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.envM.Clone()
	for k, v := range env.Parse(kvs) {
		e.Set(k, v)
	}
	m.envM = e
}

func (m *Manager) logger() *slog.Logger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.log
}

func (m *Manager) runtime() runtimeCfg {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return runtimeCfg{env: m.envM, logCfg: m.logCfg}
}

func (m *Manager) record(ctx context.Context, e history.Event) {
	m.mu.RLock()
	h := m.hist
	m.mu.RUnlock()
	h.Record(ctx, e)
}

// History returns the most recent lifecycle events of an app, newest first.
// Events of deleted apps remain queryable.
func (m *Manager) History(ctx context.Context, name string, limit int) ([]history.Event, error) {
	m.mu.RLock()
	h := m.hist
	m.mu.RUnlock()
	return h.Query(ctx, name, limit)
}

func (m *Manager) refreshOnline(name string) {
	m.mu.RLock()
	a := m.apps[name]
	m.mu.RUnlock()
	if a != nil {
		metrics.SetOnlineInstances(name, a.online())
	}
}

func (m *Manager) get(name string) (*app, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.apps[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownApp)
	}
	return a, nil
}

func (m *Manager) all() []*app {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*app, 0, len(m.order))
	for _, n := range m.order {
		out = append(out, m.apps[n])
	}
	return out
}

// Apply validates set and registers its apps without starting them. Names
// must not collide with each other or with apps already registered.
func (m *Manager) Apply(set descriptor.Set) error {
	if err := set.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range set.Apps {
		if _, ok := m.apps[set.Apps[i].Name]; ok {
			return fmt.Errorf("app %q: %w", set.Apps[i].Name, descriptor.ErrDuplicateName)
		}
	}
	for i := range set.Apps {
		d := set.Apps[i].Clone()
		m.apps[d.Name] = newApp(m, d)
		m.order = append(m.order, d.Name)
	}
	return nil
}

// Start launches every instance of the named app that is not running, and
// its file watcher when watch is enabled.
func (m *Manager) Start(name string) error {
	a, err := m.get(name)
	if err != nil {
		return err
	}
	return m.startApp(a)
}

func (m *Manager) startApp(a *app) error {
	if err := m.ctx.Err(); err != nil {
		return err
	}
	for _, in := range a.instances {
		in.start(m.ctx)
	}
	if a.desc.Watch && !a.watching() {
		if err := m.watch(a); err != nil {
			m.logger().Warn("watch disabled", "app", a.desc.Name, "error", err)
		}
	}
	return nil
}

func (m *Manager) watch(a *app) error {
	rt := m.runtime()
	var skip []string
	for i := range a.instances {
		p := rt.logCfg.InstancePaths(&a.desc, i)
		skip = append(skip, p.Combined, p.Stdout, p.Stderr)
	}
	root := a.desc.Cwd
	if root == "" {
		return errors.New("watch requires cwd")
	}
	log := m.logger().With("app", a.desc.Name)
	w, err := newWatcher(root, a.desc.IgnoreWatch, skip, func(path string) {
		log.Info("change detected, restarting", "path", path)
		for _, in := range a.instances {
			in.restart(m.ctx)
		}
	}, log)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(m.ctx)
	a.setWatch(cancel)
	go w.run(ctx)
	return nil
}

// StartAll starts every registered app in registration order.
func (m *Manager) StartAll() error {
	var errs []error
	for _, a := range m.all() {
		errs = append(errs, m.startApp(a))
	}
	return errors.Join(errs...)
}

// Stop stops every instance of the named app. A positive wait bounds how
// long to block; instances keep stopping in the background after it.
func (m *Manager) Stop(name string, wait time.Duration) error {
	a, err := m.get(name)
	if err != nil {
		return err
	}
	return stopApp(a, wait)
}

func stopApp(a *app, wait time.Duration) error {
	a.stopWatch()
	var g errgroup.Group
	for _, in := range a.instances {
		g.Go(func() error { return in.stop(wait) })
	}
	return g.Wait()
}

// StopAll stops every app concurrently.
func (m *Manager) StopAll(wait time.Duration) error {
	var g errgroup.Group
	for _, a := range m.all() {
		g.Go(func() error { return stopApp(a, wait) })
	}
	return g.Wait()
}

// Restart relaunches every instance of the named app; stopped or errored
// instances are started.
func (m *Manager) Restart(name string) error {
	a, err := m.get(name)
	if err != nil {
		return err
	}
	if err := m.ctx.Err(); err != nil {
		return err
	}
	for _, in := range a.instances {
		in.restart(m.ctx)
	}
	if a.desc.Watch && !a.watching() {
		if err := m.watch(a); err != nil {
			m.logger().Warn("watch disabled", "app", name, "error", err)
		}
	}
	return nil
}

// Delete stops the named app and removes it from the set.
func (m *Manager) Delete(name string) error {
	a, err := m.get(name)
	if err != nil {
		return err
	}
	if err := stopApp(a, 0); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.apps, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	metrics.Forget(name)
	return nil
}

// Status returns a snapshot of the named app.
func (m *Manager) Status(name string) (AppStatus, error) {
	a, err := m.get(name)
	if err != nil {
		return AppStatus{}, err
	}
	return withUsage(a.status()), nil
}

// List returns snapshots of every app in registration order.
func (m *Manager) List() []AppStatus {
	apps := m.all()
	out := make([]AppStatus, 0, len(apps))
	for _, a := range apps {
		out = append(out, withUsage(a.status()))
	}
	return out
}

// Match returns the statuses of apps whose name matches a '*' wildcard pattern.
func (m *Manager) Match(pattern string) []AppStatus {
	var out []AppStatus
	for _, st := range m.List() {
		if wildcardMatch(st.Name, pattern) {
			out = append(out, st)
		}
	}
	return out
}

func withUsage(st AppStatus) AppStatus {
	for i := range st.Instances {
		if st.Instances[i].PID == 0 {
			continue
		}
		if u, err := metrics.Sample(st.Instances[i].PID); err == nil {
			st.Instances[i].Usage = &u
		}
	}
	return st
}

// Targets lists online instances for the metrics sampler.
func (m *Manager) Targets() []metrics.Target {
	var out []metrics.Target
	for _, a := range m.all() {
		for _, in := range a.instances {
			if st := in.status(); st.PID != 0 {
				out = append(out, metrics.Target{App: a.desc.Name, Instance: st.ID, PID: st.PID})
			}
		}
	}
	return out
}

// Descriptors returns a copy of the registered set.
func (m *Manager) Descriptors() descriptor.Set {
	var s descriptor.Set
	for _, a := range m.all() {
		s.Apps = append(s.Apps, a.desc.Clone())
	}
	return s
}

// Dump saves the registered set to the configured store.
func (m *Manager) Dump(ctx context.Context) error {
	m.mu.RLock()
	st := m.st
	m.mu.RUnlock()
	if st == nil {
		return ErrNoStore
	}
	return st.Save(ctx, m.Descriptors())
}

// Resurrect registers and starts the saved apps that are not registered yet
// and returns their names.
func (m *Manager) Resurrect(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	st := m.st
	m.mu.RUnlock()
	if st == nil {
		return nil, ErrNoStore
	}
	saved, err := st.Load(ctx)
	if err != nil {
		return nil, err
	}
	var fresh descriptor.Set
	for i := range saved.Apps {
		if _, err := m.get(saved.Apps[i].Name); err == nil {
			continue
		}
		fresh.Apps = append(fresh.Apps, saved.Apps[i])
	}
	if err := m.Apply(fresh); err != nil {
		return nil, err
	}
	names := fresh.Names()
	var errs []error
	for _, n := range names {
		errs = append(errs, m.Start(n))
	}
	return names, errors.Join(errs...)
}

// Shutdown stops every app and cancels the manager. The manager cannot
// start apps afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- m.StopAll(0) }()
	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	m.cancel()
	return err
}

// wildcardMatch supports '*' matching any run of characters.
func wildcardMatch(s, pattern string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return s == pattern
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for _, p := range parts[1 : len(parts)-1] {
		i := strings.Index(s, p)
		if i < 0 {
			return false
		}
		s = s[i+len(p):]
	}
	return strings.HasSuffix(s, parts[len(parts)-1])
}
