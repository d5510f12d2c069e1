package descriptor

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ExecMode describes the process topology of an app.
type ExecMode string

const (
	ModeFork    ExecMode = "fork"
	ModeCluster ExecMode = "cluster"
)

// Defaults applied when optional fields are absent.
const (
	DefaultMaxRestarts = 16
	DefaultMinUptime   = 1000 * time.Millisecond
	DefaultKillTimeout = 1600 * time.Millisecond
)

// Descriptor is a Process Launch Descriptor: a declarative record telling the
// supervisor how to start, restart and log one external program.
// Wire keys follow the pm2 ecosystem vocabulary.
type Descriptor struct {
	Name         string            `json:"name" yaml:"name" toml:"name" mapstructure:"name"`
	Command      string            `json:"script" yaml:"script" toml:"script" mapstructure:"script"`
	Args         []string          `json:"args,omitempty" yaml:"args,omitempty" toml:"args,omitempty" mapstructure:"args"`
	Cwd          string            `json:"cwd,omitempty" yaml:"cwd,omitempty" toml:"cwd,omitempty" mapstructure:"cwd"`
	Env          map[string]string `json:"env,omitempty" yaml:"env,omitempty" toml:"env,omitempty" mapstructure:"env"`
	Watch        bool              `json:"watch" yaml:"watch" toml:"watch" mapstructure:"watch"`
	IgnoreWatch  []string          `json:"ignore_watch,omitempty" yaml:"ignore_watch,omitempty" toml:"ignore_watch,omitempty" mapstructure:"ignore_watch"`
	Instances    int               `json:"instances" yaml:"instances" toml:"instances" mapstructure:"instances"`
	ExecMode     ExecMode          `json:"exec_mode,omitempty" yaml:"exec_mode,omitempty" toml:"exec_mode,omitempty" mapstructure:"exec_mode"`
	AutoRestart  *bool             `json:"autorestart,omitempty" yaml:"autorestart,omitempty" toml:"autorestart,omitempty" mapstructure:"autorestart"`
	MaxRestarts  *int              `json:"max_restarts,omitempty" yaml:"max_restarts,omitempty" toml:"max_restarts,omitempty" mapstructure:"max_restarts"`
	RestartDelay *int64            `json:"restart_delay,omitempty" yaml:"restart_delay,omitempty" toml:"restart_delay,omitempty" mapstructure:"restart_delay"`
	MinUptime    *int64            `json:"min_uptime,omitempty" yaml:"min_uptime,omitempty" toml:"min_uptime,omitempty" mapstructure:"min_uptime"`
	KillTimeout  *int64            `json:"kill_timeout,omitempty" yaml:"kill_timeout,omitempty" toml:"kill_timeout,omitempty" mapstructure:"kill_timeout"`
	LogFile      string            `json:"log_file,omitempty" yaml:"log_file,omitempty" toml:"log_file,omitempty" mapstructure:"log_file"`
	OutFile      string            `json:"out_file,omitempty" yaml:"out_file,omitempty" toml:"out_file,omitempty" mapstructure:"out_file"`
	ErrorFile    string            `json:"error_file,omitempty" yaml:"error_file,omitempty" toml:"error_file,omitempty" mapstructure:"error_file"`
}

// LogPaths holds the resolved log sink paths of a descriptor. Empty means no sink.
type LogPaths struct {
	Combined string
	Stdout   string
	Stderr   string
}

// Any reports whether at least one sink is configured.
func (p LogPaths) Any() bool {
	return p.Combined != "" || p.Stdout != "" || p.Stderr != ""
}

// Validate checks the structural invariants of a single descriptor.
func (d *Descriptor) Validate() error {
	name := strings.TrimSpace(d.Name)
	if name == "" {
		return ErrEmptyName
	}
	if name != d.Name || strings.ContainsAny(name, " \t\r\n/\\") {
		return fmt.Errorf("app %q: %w", d.Name, ErrInvalidName)
	}
	if strings.TrimSpace(d.Command) == "" {
		return fmt.Errorf("app %q: %w", name, ErrEmptyCommand)
	}
	if d.Instances < 0 {
		return fmt.Errorf("app %q: instances %d: %w", name, d.Instances, ErrInvalidInstances)
	}
	switch d.ExecMode {
	case "", ModeFork, ModeCluster:
	default:
		return fmt.Errorf("app %q: exec_mode %q: %w", name, d.ExecMode, ErrInvalidExecMode)
	}
	if d.RestartDelay != nil && *d.RestartDelay < 0 {
		return fmt.Errorf("app %q: restart_delay %d: %w", name, *d.RestartDelay, ErrNegativeDuration)
	}
	if d.MinUptime != nil && *d.MinUptime < 0 {
		return fmt.Errorf("app %q: min_uptime %d: %w", name, *d.MinUptime, ErrNegativeDuration)
	}
	if d.KillTimeout != nil && *d.KillTimeout < 0 {
		return fmt.Errorf("app %q: kill_timeout %d: %w", name, *d.KillTimeout, ErrNegativeDuration)
	}
	if d.MaxRestarts != nil && *d.MaxRestarts < 0 {
		return fmt.Errorf("app %q: max_restarts %d: %w", name, *d.MaxRestarts, ErrNegativeMaxRestarts)
	}
	if d.Cwd != "" && !filepath.IsAbs(d.Cwd) {
		return fmt.Errorf("app %q: cwd %q: %w", name, d.Cwd, ErrRelativeCwd)
	}
	for k := range d.Env {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			return fmt.Errorf("app %q: env key %q: %w", name, k, ErrInvalidEnvKey)
		}
	}
	return nil
}

// LaunchLine returns the exact invocation: the command followed by its arguments.
func (d *Descriptor) LaunchLine() []string {
	line := make([]string, 0, len(d.Args)+1)
	line = append(line, d.Command)
	return append(line, d.Args...)
}

// ArgValue returns the value of a long flag from the argument list. Both
// "--flag value" and "--flag=value" forms are recognized; flag may be given
// with or without leading dashes.
func (d *Descriptor) ArgValue(flag string) (string, bool) {
	flag = "--" + strings.TrimLeft(flag, "-")
	for i, a := range d.Args {
		if a == flag {
			if i+1 < len(d.Args) {
				return d.Args[i+1], true
			}
			return "", true
		}
		if v, ok := strings.CutPrefix(a, flag+"="); ok {
			return v, true
		}
	}
	return "", false
}

// InstanceCount returns the number of copies to run; zero means one.
func (d *Descriptor) InstanceCount() int {
	if d.Instances <= 0 {
		return 1
	}
	return d.Instances
}

// Mode returns the exec mode, defaulting to fork.
func (d *Descriptor) Mode() ExecMode {
	if d.ExecMode == "" {
		return ModeFork
	}
	return d.ExecMode
}

func (d *Descriptor) ShouldAutoRestart() bool {
	return d.AutoRestart == nil || *d.AutoRestart
}

// RestartLimit returns the restart cap and whether it was set explicitly.
func (d *Descriptor) RestartLimit() (int, bool) {
	if d.MaxRestarts == nil {
		return DefaultMaxRestarts, false
	}
	return *d.MaxRestarts, true
}

func (d *Descriptor) RestartDelayDuration() time.Duration {
	if d.RestartDelay == nil {
		return 0
	}
	return time.Duration(*d.RestartDelay) * time.Millisecond
}

func (d *Descriptor) MinUptimeDuration() time.Duration {
	if d.MinUptime == nil {
		return DefaultMinUptime
	}
	return time.Duration(*d.MinUptime) * time.Millisecond
}

func (d *Descriptor) KillTimeoutDuration() time.Duration {
	if d.KillTimeout == nil {
		return DefaultKillTimeout
	}
	return time.Duration(*d.KillTimeout) * time.Millisecond
}

// LogPaths resolves the log sinks; relative paths are taken relative to Cwd.
func (d *Descriptor) LogPaths() LogPaths {
	return LogPaths{
		Combined: d.resolve(d.LogFile),
		Stdout:   d.resolve(d.OutFile),
		Stderr:   d.resolve(d.ErrorFile),
	}
}

func (d *Descriptor) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || d.Cwd == "" {
		return p
	}
	return filepath.Join(d.Cwd, p)
}

// Clone returns a deep copy.
func (d *Descriptor) Clone() Descriptor {
	c := *d
	if d.Args != nil {
		c.Args = append([]string(nil), d.Args...)
	}
	if d.IgnoreWatch != nil {
		c.IgnoreWatch = append([]string(nil), d.IgnoreWatch...)
	}
	if d.Env != nil {
		c.Env = make(map[string]string, len(d.Env))
		for k, v := range d.Env {
			c.Env[k] = v
		}
	}
	c.AutoRestart = clonePtr(d.AutoRestart)
	c.MaxRestarts = clonePtr(d.MaxRestarts)
	c.RestartDelay = clonePtr(d.RestartDelay)
	c.MinUptime = clonePtr(d.MinUptime)
	c.KillTimeout = clonePtr(d.KillTimeout)
	return c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Ptr is a small helper for populating optional fields.
func Ptr[T any](v T) *T { return &v }
