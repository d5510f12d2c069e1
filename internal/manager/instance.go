package manager

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/loykin/appvisor/internal/descriptor"
	"github.com/loykin/appvisor/internal/env"
	"github.com/loykin/appvisor/internal/history"
	"github.com/loykin/appvisor/internal/logger"
	"github.com/loykin/appvisor/internal/metrics"
	"github.com/loykin/appvisor/internal/process"
)

// InstanceStatus is a snapshot of one copy of an app.
type InstanceStatus struct {
	ID               string         `json:"id"`
	Index            int            `json:"index"`
	State            State          `json:"state"`
	PID              int            `json:"pid,omitempty"`
	Restarts         int            `json:"restarts"`
	UnstableRestarts int            `json:"unstable_restarts"`
	StartedAt        time.Time      `json:"started_at,omitempty"`
	StoppedAt        time.Time      `json:"stopped_at,omitempty"`
	UptimeMS         int64          `json:"uptime_ms"`
	ExitCode         int            `json:"exit_code"`
	LastError        string         `json:"last_error,omitempty"`
	Usage            *metrics.Usage `json:"usage,omitempty"`
}

// instance supervises one copy of an app. A single goroutine (run) owns the
// child for the whole lifetime of a start; stop and restart are requests to it.
type instance struct {
	m     *Manager
	app   string
	index int
	id    string
	desc  descriptor.Descriptor

	mu        sync.Mutex
	state     State
	restarts  int
	unstable  int
	last      process.Status
	lastErr   string
	cur       *process.Process
	cancel    context.CancelFunc
	done      chan struct{}
	restartCh chan struct{}
}

func newInstance(m *Manager, d descriptor.Descriptor, index int) *instance {
	return &instance{
		m:     m,
		app:   d.Name,
		index: index,
		id:    fmt.Sprintf("%s-%d", d.Name, index),
		desc:  d,
		state: StateStopped,
		last:  process.Status{ExitCode: -1},
	}
}

// running reports whether the supervision loop is active.
func (in *instance) running() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.runningLocked()
}

func (in *instance) runningLocked() bool {
	if in.done == nil {
		return false
	}
	select {
	case <-in.done:
		return false
	default:
		return true
	}
}

// start launches the supervision loop unless it is already running.
func (in *instance) start(parent context.Context) bool {
	in.mu.Lock()
	if in.runningLocked() {
		in.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(parent)
	in.cancel = cancel
	in.done = make(chan struct{})
	in.restartCh = make(chan struct{}, 1)
	in.unstable = 0
	in.lastErr = ""
	done, restartCh := in.done, in.restartCh
	in.mu.Unlock()

	go in.run(ctx, done, restartCh)
	return true
}

// stop cancels the loop and waits for the child to be reaped. A positive wait
// bounds how long the caller blocks.
func (in *instance) stop(wait time.Duration) error {
	in.mu.Lock()
	cancel, done := in.cancel, in.done
	in.mu.Unlock()
	if done == nil {
		return nil
	}
	cancel()
	if wait <= 0 {
		<-done
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
		return fmt.Errorf("%s: %w", in.id, ErrStopTimeout)
	}
}

// restart relaunches a running instance, or starts a stopped one.
func (in *instance) restart(parent context.Context) {
	in.mu.Lock()
	if in.runningLocked() {
		ch := in.restartCh
		in.mu.Unlock()
		select {
		case ch <- struct{}{}:
		default:
		}
		return
	}
	in.mu.Unlock()
	in.start(parent)
}

func (in *instance) run(ctx context.Context, done chan struct{}, restartCh <-chan struct{}) {
	defer close(done)
	log := in.m.logger().With("app", in.app, "instance", in.id)
	policy := newRestartPolicy(&in.desc)
	evType := history.EventStart

	for {
		in.setState(StateLaunching)
		stable := false
		p, sinks, err := in.launch()
		if err != nil {
			log.Error("launch failed", "error", err)
			in.setFailure(err)
			in.m.record(ctx, in.event(history.EventExit, process.Status{ExitCode: -1}, err.Error()))
		} else {
			st := p.Snapshot()
			in.setCurrent(p)
			in.setState(StateOnline)
			metrics.IncStart(in.app)
			in.m.record(ctx, in.event(evType, st, ""))
			log.Info("online", "pid", st.PID)

			select {
			case <-p.Done():
			case <-ctx.Done():
				in.terminate(p, sinks, log)
				in.m.record(ctx, in.event(history.EventStop, p.Snapshot(), ""))
				in.setState(StateStopped)
				return
			case <-restartCh:
				in.terminate(p, sinks, log)
				policy.reset()
				in.countRestart(false)
				evType = history.EventRestart
				continue
			}
			_ = sinks.Close()
			st = p.Snapshot()
			in.setLast(st)
			stable = st.Uptime() >= in.desc.MinUptimeDuration()
			metrics.IncExit(in.app, strconv.Itoa(st.ExitCode))
			in.m.record(ctx, in.event(history.EventExit, st, st.ExitErr))
			log.Warn("exited", "pid", st.PID, "code", st.ExitCode, "uptime", st.Uptime())
		}

		if !in.desc.ShouldAutoRestart() || ctx.Err() != nil {
			in.setState(StateStopped)
			return
		}
		delay, ok := policy.next(stable)
		if !ok {
			in.setState(StateErrored)
			metrics.IncErrored(in.app)
			in.m.record(ctx, in.event(history.EventErrored, in.lastStatus(), "too many unstable restarts"))
			log.Error("too many unstable restarts, giving up", "max_restarts", policy.limit)
			return
		}
		in.setState(StateWaiting)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			in.setState(StateStopped)
			return
		case <-restartCh:
			t.Stop()
			policy.reset()
		case <-t.C:
		}
		in.countRestart(!stable)
		evType = history.EventRestart
	}
}

func (in *instance) launch() (*process.Process, *logger.Sinks, error) {
	rt := in.m.runtime()
	sinks, err := rt.logCfg.OpenSinks(rt.logCfg.InstancePaths(&in.desc, in.index))
	if err != nil {
		return nil, nil, err
	}
	p := process.New(process.Spec{
		Name:        in.id,
		Line:        in.desc.LaunchLine(),
		Dir:         in.desc.Cwd,
		Env:         rt.env.Merge(in.desc.Env, env.Instance(in.app, in.index)),
		Stdout:      sinks.Stdout,
		Stderr:      sinks.Stderr,
		KillTimeout: in.desc.KillTimeoutDuration(),
	})
	if err := p.Start(); err != nil {
		_ = sinks.Close()
		return nil, nil, err
	}
	return p, sinks, nil
}

func (in *instance) terminate(p *process.Process, sinks *logger.Sinks, log *slog.Logger) {
	in.setState(StateStopping)
	if err := p.Stop(); err != nil {
		log.Warn("stop failed", "error", err)
	}
	_ = sinks.Close()
	in.setLast(p.Snapshot())
}

func (in *instance) event(t history.EventType, st process.Status, errText string) history.Event {
	return history.Event{
		Type:     t,
		App:      in.app,
		Instance: in.id,
		PID:      st.PID,
		ExitCode: st.ExitCode,
		Error:    errText,
	}
}

func (in *instance) setState(s State) {
	in.mu.Lock()
	in.state = s
	if s != StateOnline && s != StateStopping {
		in.cur = nil
	}
	in.mu.Unlock()
	metrics.SetState(in.app, in.id, string(s))
	in.m.refreshOnline(in.app)
}

func (in *instance) setCurrent(p *process.Process) {
	in.mu.Lock()
	in.cur = p
	in.lastErr = ""
	in.mu.Unlock()
}

func (in *instance) setLast(st process.Status) {
	in.mu.Lock()
	in.last = st
	if st.ExitErr != "" {
		in.lastErr = st.ExitErr
	}
	in.mu.Unlock()
}

func (in *instance) setFailure(err error) {
	in.mu.Lock()
	in.lastErr = err.Error()
	in.mu.Unlock()
}

func (in *instance) lastStatus() process.Status {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.last
}

func (in *instance) countRestart(unstable bool) {
	in.mu.Lock()
	in.restarts++
	if unstable {
		in.unstable++
	}
	in.mu.Unlock()
	metrics.IncRestart(in.app)
}

func (in *instance) status() InstanceStatus {
	in.mu.Lock()
	defer in.mu.Unlock()
	st := in.last
	if in.cur != nil {
		st = in.cur.Snapshot()
	}
	out := InstanceStatus{
		ID:               in.id,
		Index:            in.index,
		State:            in.state,
		Restarts:         in.restarts,
		UnstableRestarts: in.unstable,
		StartedAt:        st.StartedAt,
		StoppedAt:        st.StoppedAt,
		ExitCode:         st.ExitCode,
		LastError:        in.lastErr,
	}
	if st.Running {
		out.PID = st.PID
		out.UptimeMS = st.Uptime().Milliseconds()
	}
	return out
}
