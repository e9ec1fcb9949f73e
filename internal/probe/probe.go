// Package probe periodically checks that the remote calendar answers. The
// result is only reported through the health endpoint; slot state is never
// cached here.
package probe

import (
	"context"
	"sync"
	"time"

	"github.com/friendsofgo/errors"
	"github.com/robfig/cron/v3"

	appLog "caldash/internal/log"
)

// Pinger is anything that can check remote connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Status is the outcome of the most recent probe.
type Status struct {
	LastRun time.Time `json:"last_run"`
	OK      bool      `json:"ok"`
	Error   string    `json:"error,omitempty"`
	Runs    int       `json:"runs"`
}

// Prober runs Ping on a cron schedule and keeps the last result.
type Prober struct {
	pinger  Pinger
	timeout time.Duration
	now     func() time.Time

	mu     sync.RWMutex
	status Status
	cron   *cron.Cron
}

// New returns a Prober. timeout bounds each ping.
func New(p Pinger, timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Prober{pinger: p, timeout: timeout, now: time.Now}
}

// RunOnce pings immediately and records the result.
func (p *Prober) RunOnce(ctx context.Context) Status {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	started := p.now()
	err := p.pinger.Ping(ctx)

	p.mu.Lock()
	p.status.LastRun = started
	p.status.OK = err == nil
	p.status.Error = ""
	if err != nil {
		p.status.Error = err.Error()
	}
	p.status.Runs++
	st := p.status
	p.mu.Unlock()

	if err != nil {
		appLog.Warn("probe: remote calendar check failed", "err", err)
	} else {
		appLog.Debug("probe: remote calendar reachable", "elapsed", time.Since(started).Round(time.Millisecond))
	}
	return st
}

// Status returns the last recorded result. Runs is zero before the first
// probe.
func (p *Prober) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Start schedules probes with a standard cron expression or descriptor
// ("@every 5m"). It fails if the schedule does not parse or the prober is
// already running.
func (p *Prober) Start(schedule string, loc *time.Location) error {
	if loc == nil {
		loc = time.UTC
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cron != nil {
		return errors.New("probe: already started")
	}

	c := cron.New(cron.WithLocation(loc))
	if _, err := c.AddFunc(schedule, func() { p.RunOnce(context.Background()) }); err != nil {
		return errors.Wrapf(err, "probe: invalid schedule %q", schedule)
	}
	c.Start()
	p.cron = c

	appLog.Info("probe: scheduled", "schedule", schedule)
	return nil
}

// Stop halts scheduling and waits for a running probe to finish.
func (p *Prober) Stop() {
	p.mu.Lock()
	c := p.cron
	p.cron = nil
	p.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}
