package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/appvisor/internal/descriptor"
	"github.com/loykin/appvisor/internal/logger"
	apptls "github.com/loykin/appvisor/internal/tls"
)

// EnvPrefix prefixes environment overrides: APPVISOR_SERVER_LISTEN overrides server.listen.
const EnvPrefix = "APPVISOR"

// Defaults.
const (
	DefaultListen         = "127.0.0.1:9615"
	DefaultBasePath       = "/api"
	DefaultSampleInterval = 5 * time.Second
)

// FileConfig represents the appvisor.toml structure.
type FileConfig struct {
	// Ecosystem lists descriptor files (json, yaml, toml or ecosystem.config.js).
	Ecosystem []string      `mapstructure:"ecosystem"`
	Env       []string      `mapstructure:"env"`
	EnvFiles  []string      `mapstructure:"env_files"`
	Log       LogConfig     `mapstructure:"log"`
	Server    ServerConfig  `mapstructure:"server"`
	Metrics   MetricsConfig `mapstructure:"metrics"`
	History   HistoryConfig `mapstructure:"history"`
	Store     StoreConfig   `mapstructure:"store"`
	Daemon    DaemonConfig  `mapstructure:"daemon"`

	path string
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Color      bool   `mapstructure:"color"`
	File       string `mapstructure:"file"`
	Dir        string `mapstructure:"dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type ServerConfig struct {
	Enabled  bool      `mapstructure:"enabled"`
	Listen   string    `mapstructure:"listen"`
	BasePath string    `mapstructure:"base_path"`
	TLS      TLSConfig `mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	Dir          string   `mapstructure:"dir"`
	AutoGenerate bool     `mapstructure:"auto_generate"`
	Hosts        []string `mapstructure:"hosts"`
	MinVersion   string   `mapstructure:"min_version"`
}

// Options converts the [server.tls] section.
func (t TLSConfig) Options() apptls.Options {
	return apptls.Options{
		Enabled:      t.Enabled,
		CertFile:     t.CertFile,
		KeyFile:      t.KeyFile,
		Dir:          t.Dir,
		AutoGenerate: t.AutoGenerate,
		Hosts:        t.Hosts,
		MinVersion:   t.MinVersion,
	}
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Listen serves /metrics on its own address; empty shares the API server.
	Listen         string        `mapstructure:"listen"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

type HistoryConfig struct {
	Sinks []string `mapstructure:"sinks"`
}

type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
	// Resurrect restores the saved set on serve startup.
	Resurrect bool `mapstructure:"resurrect"`
}

type DaemonConfig struct {
	PIDFile string `mapstructure:"pidfile"`
	LogFile string `mapstructure:"logfile"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ecosystem", []string{})
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.dir", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.base_path", DefaultBasePath)
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.hosts", []string{})
	v.SetDefault("server.tls.min_version", "")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.sample_interval", DefaultSampleInterval)
	v.SetDefault("history.sinks", []string{})
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.resurrect", false)
	v.SetDefault("daemon.pidfile", "")
	v.SetDefault("daemon.logfile", "")
}

// Load reads path (toml, yaml or json by extension) and applies APPVISOR_*
// environment overrides. An empty path yields defaults plus overrides.
// Relative paths inside the file are resolved against its directory.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	base := ""
	if path != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		v.SetConfigFile(abs)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		base = filepath.Dir(abs)
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	fc.path = path
	if base != "" {
		fc.resolve(base)
	}
	if err := fc.Validate(); err != nil {
		return nil, err
	}
	return &fc, nil
}

func (c *FileConfig) resolve(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	for i := range c.Ecosystem {
		c.Ecosystem[i] = abs(c.Ecosystem[i])
	}
	for i := range c.EnvFiles {
		c.EnvFiles[i] = abs(c.EnvFiles[i])
	}
	c.Log.File = abs(c.Log.File)
	c.Log.Dir = abs(c.Log.Dir)
	c.Server.TLS.CertFile = abs(c.Server.TLS.CertFile)
	c.Server.TLS.KeyFile = abs(c.Server.TLS.KeyFile)
	c.Server.TLS.Dir = abs(c.Server.TLS.Dir)
	c.Daemon.PIDFile = abs(c.Daemon.PIDFile)
	c.Daemon.LogFile = abs(c.Daemon.LogFile)
}

// Validate checks values viper cannot type check.
func (c *FileConfig) Validate() error {
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("server.base_path must start with '/': %q", c.Server.BasePath)
	}
	if t := c.Server.TLS; t.Enabled && (t.CertFile == "") != (t.KeyFile == "") {
		return fmt.Errorf("server.tls: cert_file and key_file must be set together")
	}
	if c.Metrics.SampleInterval < 0 {
		return fmt.Errorf("metrics.sample_interval must not be negative")
	}
	for _, kv := range c.Env {
		if strings.IndexByte(kv, '=') <= 0 {
			return fmt.Errorf("env: expected KEY=VALUE, got %q", kv)
		}
	}
	return nil
}

// Path returns the file the config was read from, if any.
func (c *FileConfig) Path() string { return c.path }

// Logger converts the [log] section.
func (c *FileConfig) Logger() logger.Config {
	return logger.Config{
		Level:  c.Log.Level,
		Format: c.Log.Format,
		Color:  c.Log.Color,
		File:   c.Log.File,
		Dir:    c.Log.Dir,
		Rotation: logger.Rotation{
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		},
	}
}

// Descriptors loads every ecosystem file into one set.
func (c *FileConfig) Descriptors() (descriptor.Set, error) {
	if len(c.Ecosystem) == 0 {
		return descriptor.Set{}, nil
	}
	return descriptor.LoadFiles(c.Ecosystem...)
}

// GlobalEnv merges env_files in order, then the env list, into sorted
// KEY=VALUE pairs. ${VAR} references are left for the supervisor to expand.
func (c *FileConfig) GlobalEnv() ([]string, error) {
	m := make(map[string]string)
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range c.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// LoadEnvFile parses a .env file into KEY=VALUE entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines. Blank lines, # comments and a leading
// "export " are skipped; matching surrounding quotes are removed.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			continue
		}
		k := strings.TrimSpace(line[:i])
		v := strings.TrimSpace(line[i+1:])
		if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
			v = v[1 : len(v)-1]
		}
		m[k] = v
	}
	return m, nil
}
