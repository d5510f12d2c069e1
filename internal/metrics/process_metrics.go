package metrics

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Usage is a resource sample of one running instance.
type Usage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// Sample reads CPU and memory usage of pid through gopsutil.
func Sample(pid int) (Usage, error) {
	if pid <= 0 {
		return Usage{}, errors.New("invalid pid")
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return Usage{}, err
	}
	u := Usage{PID: int32(pid), Timestamp: time.Now()}
	if cpu, err := p.CPUPercent(); err == nil {
		u.CPUPercent = cpu
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return Usage{}, err
	}
	u.MemoryRSS = mem.RSS
	u.MemoryMB = float64(mem.RSS) / 1024 / 1024
	if n, err := p.NumThreads(); err == nil {
		u.NumThreads = n
	}
	return u, nil
}

// Target identifies one running instance to sample.
type Target struct {
	App      string
	Instance string
	PID      int
}

// Sampler periodically samples targets into Prometheus gauges.
type Sampler struct {
	interval time.Duration
	targets  func() []Target
	log      *slog.Logger

	cpu *prometheus.GaugeVec
	rss *prometheus.GaugeVec
}

// NewSampler returns a sampler over targets; interval defaults to 5s.
func NewSampler(interval time.Duration, targets func() []Target, log *slog.Logger) *Sampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sampler{
		interval: interval,
		targets:  targets,
		log:      log,
		cpu: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "instance",
			Name:      "cpu_percent",
			Help:      "CPU usage percentage per instance.",
		}, []string{"app", "instance"}),
		rss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "instance",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory per instance.",
		}, []string{"app", "instance"}),
	}
}

// Register adds the sampler gauges to r.
func (s *Sampler) Register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{s.cpu, s.rss} {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Run samples until ctx is done.
func (s *Sampler) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		s.Collect()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Collect takes one sample of every target. Series of targets that are gone
// are dropped.
func (s *Sampler) Collect() {
	s.cpu.Reset()
	s.rss.Reset()
	for _, tg := range s.targets() {
		u, err := Sample(tg.PID)
		if err != nil {
			s.log.Debug("sample failed", "app", tg.App, "instance", tg.Instance, "pid", tg.PID, "error", err)
			continue
		}
		s.cpu.WithLabelValues(tg.App, tg.Instance).Set(u.CPUPercent)
		s.rss.WithLabelValues(tg.App, tg.Instance).Set(float64(u.MemoryRSS))
	}
}
