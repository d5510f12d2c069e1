package env

import (
	"os"
	"sort"
	"strconv"
	"strings"
)

type Var map[string]string

// Env composes child process environments. Precedence, lowest first:
// the inherited OS environment, global variables, the app's own env,
// then per-instance variables.
type Env struct {
	Var Var // global variables (K->V)
	env Var // cached base from OS environment
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.env = Parse(os.Environ())
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Unset removes a global variable.
func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

// Clone returns an independent copy sharing no maps with e.
func (e *Env) Clone() *Env {
	c := &Env{Var: make(Var, len(e.Var))}
	for k, v := range e.Var {
		c.Var[k] = v
	}
	if e.env != nil {
		c.env = make(Var, len(e.env))
		for k, v := range e.env {
			c.env[k] = v
		}
	}
	return c
}

// Instance returns the variables pm2 exposes to each copy of an app.
func Instance(app string, index int) Var {
	i := strconv.Itoa(index)
	return Var{
		"NODE_APP_INSTANCE": i,
		"pm_id":             i,
		"name":              app,
	}
}

// Merge composes the final environment in "K=V" form, sorted by key.
// Global values may reference ${VAR} from the inherited environment; app and
// instance values are passed verbatim.
func (e *Env) Merge(app map[string]string, instance Var) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.env)+len(e.Var)+len(app)+len(instance))
	for k, v := range e.env {
		m[k] = v
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = expand(v, e.env)
	}
	for k, v := range app {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for k, v := range instance {
		m[k] = v
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}

// Parse turns "K=V" pairs into a map; malformed entries are skipped.
func Parse(pairs []string) Var {
	m := make(Var, len(pairs))
	for _, kv := range pairs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string { return m[k] })
}
