package manager

import (
	"context"
	"sync"

	"github.com/loykin/appvisor/internal/descriptor"
)

// AppStatus is a snapshot of an app and all its instances.
type AppStatus struct {
	Name      string              `json:"name"`
	Mode      descriptor.ExecMode `json:"exec_mode"`
	Watch     bool                `json:"watch"`
	Online    int                 `json:"online"`
	Instances []InstanceStatus    `json:"instances"`
}

// app groups the instances of one descriptor and its optional file watcher.
type app struct {
	desc      descriptor.Descriptor
	instances []*instance

	mu          sync.Mutex
	watchCancel context.CancelFunc
}

func newApp(m *Manager, d descriptor.Descriptor) *app {
	a := &app{desc: d}
	for i := 0; i < d.InstanceCount(); i++ {
		a.instances = append(a.instances, newInstance(m, d.Clone(), i))
	}
	return a
}

func (a *app) online() int {
	n := 0
	for _, in := range a.instances {
		in.mu.Lock()
		if in.state == StateOnline {
			n++
		}
		in.mu.Unlock()
	}
	return n
}

func (a *app) status() AppStatus {
	st := AppStatus{Name: a.desc.Name, Mode: a.desc.Mode(), Watch: a.desc.Watch}
	for _, in := range a.instances {
		is := in.status()
		if is.State == StateOnline {
			st.Online++
		}
		st.Instances = append(st.Instances, is)
	}
	return st
}


func (a *app) setWatch(cancel context.CancelFunc) {
	a.mu.Lock()
	if a.watchCancel != nil {
		a.watchCancel()
	}
	a.watchCancel = cancel
	a.mu.Unlock()
}

func (a *app) stopWatch() {
	a.setWatch(nil)
}

func (a *app) watching() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.watchCancel != nil
}
