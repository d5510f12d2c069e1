package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/loykin/appvisor"
	"github.com/loykin/appvisor/pkg/client"
)

type command struct {
	out    io.Writer
	global *GlobalFlags
}

// loadConfig reads --config when given; otherwise defaults plus APPVISOR_* overrides.
func (c *command) loadConfig() (*appvisor.Config, error) {
	cfg, err := appvisor.LoadConfig(c.global.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, nil
}

// apiURL picks --api-url, then the configured server address, then the default.
func (c *command) apiURL() string {
	if c.global.APIUrl != "" {
		return c.global.APIUrl
	}
	if c.global.ConfigPath != "" {
		if cfg, err := appvisor.LoadConfig(c.global.ConfigPath); err == nil && cfg.Server.Listen != "" {
			host := cfg.Server.Listen
			if strings.HasPrefix(host, ":") || strings.HasPrefix(host, "0.0.0.0:") {
				host = "127.0.0.1:" + host[strings.LastIndexByte(host, ':')+1:]
			}
			scheme := "http://"
			if cfg.Server.TLS.Enabled {
				scheme = "https://"
			}
			return scheme + host + cfg.Server.BasePath
		}
	}
	return client.DefaultBaseURL
}

func (c *command) apiClient() *client.Client {
	return client.New(client.Config{
		BaseURL:  c.apiURL(),
		Timeout:  c.global.APITimeout,
		CAFile:   c.global.APICAFile,
		Insecure: c.global.APIInsecure,
	})
}

func (c *command) printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, string(b))
	return err
}

// Validate loads files and prints one row per app.
func (c *command) Validate(files []string) error {
	set, err := appvisor.LoadFiles(files...)
	if err != nil {
		return err
	}
	if err := renderDescriptors(c.out, set); err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.out, "%d app(s) valid\n", len(set.Apps))
	return err
}

// Show prints the normalized set in the requested format.
func (c *command) Show(f ShowFlags) error {
	format, err := appvisor.ParseFormat(f.Format)
	if err != nil {
		return err
	}
	if format == appvisor.FormatJS {
		return errors.New("show: js output is not supported; use json, yaml or toml")
	}
	set, err := appvisor.LoadFiles(f.Files...)
	if err != nil {
		return err
	}
	b, err := appvisor.Marshal(set, format)
	if err != nil {
		return err
	}
	_, err = c.out.Write(b)
	return err
}

func (c *command) Apply(ctx context.Context, f ApplyFlags) error {
	set, err := appvisor.LoadFiles(f.Files...)
	if err != nil {
		return err
	}
	names, err := c.apiClient().Apply(ctx, set, f.Start)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.out, "applied: %s\n", strings.Join(names, ", "))
	return err
}

func (c *command) List(ctx context.Context, f ListFlags) error {
	sts, err := c.apiClient().List(ctx, f.Match)
	if err != nil {
		return err
	}
	if f.JSON {
		return c.printJSON(sts)
	}
	return renderApps(c.out, sts)
}

func (c *command) Status(ctx context.Context, f StatusFlags) error {
	st, err := c.apiClient().Status(ctx, f.Name)
	if err != nil {
		return err
	}
	if f.JSON {
		return c.printJSON(st)
	}
	return renderApps(c.out, []appvisor.AppStatus{st})
}

// each applies fn to every name and joins the failures.
func (c *command) each(names []string, verb string, fn func(name string) error) error {
	var errs []error
	for _, n := range names {
		if err := fn(n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n, err))
			continue
		}
		_, _ = fmt.Fprintf(c.out, "%s %s\n", verb, n)
	}
	return errors.Join(errs...)
}

func (c *command) Start(ctx context.Context, names []string) error {
	cl := c.apiClient()
	return c.each(names, "started", func(n string) error { return cl.Start(ctx, n) })
}

func (c *command) Stop(ctx context.Context, f StopFlags) error {
	cl := c.apiClient()
	return c.each(f.Names, "stopped", func(n string) error { return cl.Stop(ctx, n, f.Wait) })
}

func (c *command) Restart(ctx context.Context, names []string) error {
	cl := c.apiClient()
	return c.each(names, "restarted", func(n string) error { return cl.Restart(ctx, n) })
}

func (c *command) Delete(ctx context.Context, names []string) error {
	cl := c.apiClient()
	return c.each(names, "deleted", func(n string) error { return cl.Delete(ctx, n) })
}

func (c *command) Dump(ctx context.Context) error {
	if err := c.apiClient().Dump(ctx); err != nil {
		return err
	}
	_, err := fmt.Fprintln(c.out, "saved")
	return err
}

func (c *command) Resurrect(ctx context.Context) error {
	names, err := c.apiClient().Resurrect(ctx)
	if len(names) > 0 {
		_, _ = fmt.Fprintf(c.out, "resurrected: %s\n", strings.Join(names, ", "))
	} else if err == nil {
		_, _ = fmt.Fprintln(c.out, "nothing to resurrect")
	}
	return err
}
