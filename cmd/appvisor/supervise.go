package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/appvisor"
)

const shutdownTimeout = 30 * time.Second

// supervisor is a manager wired from the config file, plus what it opened.
type supervisor struct {
	mgr     *appvisor.Manager
	log     *slog.Logger
	closers []io.Closer
}

func newSupervisor(ctx context.Context, cfg *appvisor.Config) (*supervisor, error) {
	log := appvisor.NewLogger(cfg.Logger())
	s := &supervisor{mgr: appvisor.New(), log: log}
	s.mgr.SetLogger(log)
	s.mgr.SetLogConfig(cfg.Logger())

	genv, err := cfg.GlobalEnv()
	if err != nil {
		return nil, fmt.Errorf("global env: %w", err)
	}
	s.mgr.SetGlobalEnv(genv)

	var sinks []appvisor.HistorySink
	for _, dsn := range cfg.History.Sinks {
		sink, err := appvisor.NewHistorySink(ctx, dsn)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("history sink: %w", err)
		}
		if c, ok := sink.(io.Closer); ok {
			s.closers = append(s.closers, c)
		}
		sinks = append(sinks, sink)
	}
	s.mgr.SetHistorySinks(sinks...)

	if cfg.Store.DSN != "" {
		st, err := appvisor.NewStore(ctx, cfg.Store.DSN)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("store: %w", err)
		}
		s.closers = append(s.closers, st)
		if err := s.mgr.SetStore(st); err != nil {
			s.close()
			return nil, fmt.Errorf("store: %w", err)
		}
	}
	return s, nil
}

// shutdown stops every app, then releases sinks and the store.
func (s *supervisor) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.mgr.Shutdown(ctx); err != nil {
		s.log.Warn("shutdown", "error", err)
	}
	s.close()
}

func (s *supervisor) close() {
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			s.log.Warn("close", "error", err)
		}
	}
	s.closers = nil
}

// serveHTTP runs srv until it is shut down; a listen failure is logged and
// cancels stop so the caller exits.
func (s *supervisor) serveHTTP(srv *http.Server, what string, stop context.CancelFunc) {
	s.log.Info("listening", "what", what, "addr", srv.Addr, "tls", srv.TLSConfig != nil)
	go func() {
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server failed", "what", what, "error", err)
			stop()
		}
	}()
}

func shutdownServers(servers ...*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(ctx)
	}
}

// apiServer builds the API server with [server.tls] applied.
func apiServer(cfg *appvisor.Config, m *appvisor.Manager, withMetrics bool) (*http.Server, error) {
	srv := appvisor.NewHTTPServer(cfg.Server.Listen, cfg.Server.BasePath, m, withMetrics)
	tc, err := appvisor.SetupTLS(cfg.Server.TLS.Options())
	if err != nil {
		return nil, fmt.Errorf("server.tls: %w", err)
	}
	srv.TLSConfig = tc
	return srv, nil
}

// appSet merges the config's ecosystem files with extra files.
func appSet(cfg *appvisor.Config, files []string) (appvisor.Set, error) {
	set, err := cfg.Descriptors()
	if err != nil {
		return appvisor.Set{}, err
	}
	extra, err := appvisor.LoadFiles(files...)
	if err != nil {
		return appvisor.Set{}, err
	}
	return set.Merge(extra)
}

// Run supervises apps in the foreground until SIGINT or SIGTERM.
func (c *command) Run(ctx context.Context, f RunFlags) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	set, err := appSet(cfg, f.Files)
	if err != nil {
		return err
	}
	if len(set.Apps) == 0 {
		return errors.New("no apps to run: pass ecosystem files or set ecosystem in the config")
	}
	for _, name := range f.Only {
		if _, ok := set.Lookup(name); !ok {
			return fmt.Errorf("--only %s: %w", name, appvisor.ErrUnknownApp)
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sv, err := newSupervisor(ctx, cfg)
	if err != nil {
		return err
	}
	defer sv.shutdown()

	if err := sv.mgr.Apply(set); err != nil {
		return err
	}
	if len(f.Only) == 0 {
		err = sv.mgr.StartAll()
	} else {
		var errs []error
		for _, name := range f.Only {
			errs = append(errs, sv.mgr.Start(name))
		}
		err = errors.Join(errs...)
	}
	if err != nil {
		return err
	}

	if f.Serve || cfg.Server.Enabled {
		srv, err := apiServer(cfg, sv.mgr, false)
		if err != nil {
			return err
		}
		sv.serveHTTP(srv, "api", stop)
		defer shutdownServers(srv)
	}

	<-ctx.Done()
	sv.log.Info("stopping apps")
	return nil
}

// Serve runs the daemon: API, metrics, store and the configured ecosystem.
func (c *command) Serve(ctx context.Context, f ServeFlags) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	pidFile := firstNonEmpty(f.PidFile, cfg.Daemon.PIDFile)
	logFile := firstNonEmpty(f.LogFile, cfg.Daemon.LogFile)

	if f.Daemonize {
		pid, err := daemonize(pidFile, logFile)
		if err != nil {
			return fmt.Errorf("daemonize: %w", err)
		}
		_, err = fmt.Fprintf(c.out, "daemon started with PID %d\n", pid)
		return err
	}

	if pidFile != "" {
		lock, err := acquirePidFile(pidFile)
		if err != nil {
			return err
		}
		defer func() { _ = lock.Release() }()
	}

	set, err := cfg.Descriptors()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sv, err := newSupervisor(ctx, cfg)
	if err != nil {
		return err
	}
	defer sv.shutdown()

	var servers []*http.Server
	defer func() { shutdownServers(servers...) }()

	if cfg.Metrics.Enabled {
		if err := appvisor.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		if err := appvisor.StartUsageSampler(ctx, sv.mgr, prometheus.DefaultRegisterer, cfg.Metrics.SampleInterval, sv.log); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		if cfg.Metrics.Listen != "" {
			ms := appvisor.NewMetricsServer(cfg.Metrics.Listen)
			servers = append(servers, ms)
			sv.serveHTTP(ms, "metrics", stop)
		}
	}

	api, err := apiServer(cfg, sv.mgr, cfg.Metrics.Enabled && cfg.Metrics.Listen == "")
	if err != nil {
		return err
	}
	servers = append(servers, api)
	sv.serveHTTP(api, "api", stop)

	if err := sv.mgr.Apply(set); err != nil {
		return err
	}
	if err := sv.mgr.StartAll(); err != nil {
		sv.log.Error("start", "error", err)
	}
	if cfg.Store.Resurrect {
		names, err := sv.mgr.Resurrect(ctx)
		switch {
		case err != nil:
			sv.log.Warn("resurrect", "error", err)
		case len(names) > 0:
			sv.log.Info("resurrected", "apps", names)
		}
	}

	<-ctx.Done()
	sv.log.Info("shutting down")
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
