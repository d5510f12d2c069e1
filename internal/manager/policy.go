package manager

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loykin/appvisor/internal/descriptor"
)

// restartPolicy decides whether and when an exited instance is relaunched.
// Only unstable runs (shorter than min_uptime) consume the max_restarts
// budget; a stable run resets it.
type restartPolicy struct {
	b     backoff.BackOff
	delay time.Duration
	limit int
}

func newRestartPolicy(d *descriptor.Descriptor) *restartPolicy {
	limit, _ := d.RestartLimit()
	delay := d.RestartDelayDuration()
	return &restartPolicy{
		b:     backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(limit)),
		delay: delay,
		limit: limit,
	}
}

// next returns the delay before the next launch, or false once the budget of
// consecutive unstable restarts is spent.
func (p *restartPolicy) next(stable bool) (time.Duration, bool) {
	if stable {
		p.b.Reset()
		return p.delay, true
	}
	d := p.b.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	return d, true
}

func (p *restartPolicy) reset() { p.b.Reset() }
