package health

import (
	"context"
	"log"
	"time"

	"stagehand/internal/core"
)

// State is the poller's position in one deployment attempt.
type State string

const (
	StatePending   State = "pending"
	StatePolling   State = "polling"
	StateHealthy   State = "healthy"
	StateTimedOut  State = "timed_out"
	StateCancelled State = "cancelled"
)

// Clock abstracts time so the poll loop is testable without real timers.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Result is the outcome of one polling attempt. On StateTimedOut,
// Unhealthy names every service that never reported healthy.
type Result struct {
	State     State
	Healthy   []string
	Unhealthy []string
	Elapsed   time.Duration
}

// Poller drives the per-attempt readiness state machine:
// Pending -> Polling -> Healthy | TimedOut. Each iteration checks every
// still-unhealthy service sequentially, then sleeps for the interval.
// A service that has reported healthy stays healthy for the remainder
// of the attempt.
type Poller struct {
	checker  core.HealthChecker
	clock    Clock
	interval time.Duration
	maxWait  time.Duration
}

// NewPoller creates a poller using the real clock.
func NewPoller(checker core.HealthChecker, interval, maxWait time.Duration) *Poller {
	return &Poller{checker: checker, clock: systemClock{}, interval: interval, maxWait: maxWait}
}

// NewPollerWithClock creates a poller with an injected clock.
func NewPollerWithClock(checker core.HealthChecker, clock Clock, interval, maxWait time.Duration) *Poller {
	return &Poller{checker: checker, clock: clock, interval: interval, maxWait: maxWait}
}

// Run polls until every service is healthy or maxWait elapses. A spec's
// ReadinessTimeout, when set, bounds that service individually: once it
// is exceeded the attempt can no longer succeed and times out early.
// The attempt's state is discarded when Run returns; a fresh call
// starts a fresh attempt. Cancelling ctx stops the polling only, never
// the services themselves; in that case Run returns ctx.Err() with the
// terminal StateCancelled.
func (p *Poller) Run(ctx context.Context, specs []core.ServiceSpec) (Result, error) {
	res := Result{State: StatePending}
	if len(specs) == 0 {
		res.State = StateHealthy
		return res, nil
	}

	healthy := make(map[string]bool, len(specs))
	start := p.clock.Now()
	deadline := start.Add(p.maxWait)
	res.State = StatePolling

	log.Printf("[HEALTH] Polling %d service(s) every %s, max wait %s", len(specs), p.interval, p.maxWait)

	for {
		for _, spec := range specs {
			if healthy[spec.Name] {
				continue
			}
			if err := p.checker.Check(ctx, spec); err != nil {
				log.Printf("[HEALTH] [%s] Not healthy yet: %v", spec.Name, err)
				continue
			}
			healthy[spec.Name] = true
			log.Printf("[HEALTH] [%s] Healthy", spec.Name)
		}

		if len(healthy) == len(specs) {
			res.State = StateHealthy
			res.Healthy = serviceNames(specs, healthy, true)
			res.Elapsed = p.clock.Now().Sub(start)
			log.Printf("[HEALTH] All services healthy after %s", res.Elapsed)
			return res, nil
		}

		select {
		case <-ctx.Done():
			res.State = StateCancelled
			res.Healthy = serviceNames(specs, healthy, true)
			res.Unhealthy = serviceNames(specs, healthy, false)
			res.Elapsed = p.clock.Now().Sub(start)
			log.Printf("[HEALTH] Polling cancelled after %s", res.Elapsed)
			return res, ctx.Err()
		case <-p.clock.After(p.interval):
		}

		now := p.clock.Now()
		if !now.Before(deadline) || serviceDeadlineExceeded(specs, healthy, now.Sub(start)) {
			res.State = StateTimedOut
			res.Healthy = serviceNames(specs, healthy, true)
			res.Unhealthy = serviceNames(specs, healthy, false)
			res.Elapsed = now.Sub(start)
			log.Printf("[HEALTH] Timed out after %s, still unhealthy: %v", res.Elapsed, res.Unhealthy)
			return res, nil
		}
	}
}

// serviceDeadlineExceeded reports whether any still-unhealthy service
// has run past its own ReadinessTimeout, in which case the attempt can
// never fully succeed.
func serviceDeadlineExceeded(specs []core.ServiceSpec, healthy map[string]bool, elapsed time.Duration) bool {
	for _, spec := range specs {
		timeout := spec.ReadinessTimeout()
		if timeout <= 0 || healthy[spec.Name] {
			continue
		}
		if elapsed >= timeout {
			log.Printf("[HEALTH] [%s] Exceeded its readiness timeout (%s)", spec.Name, timeout)
			return true
		}
	}
	return false
}

// serviceNames returns spec names filtered by health, in declared order.
func serviceNames(specs []core.ServiceSpec, healthy map[string]bool, want bool) []string {
	var names []string
	for _, spec := range specs {
		if healthy[spec.Name] == want {
			names = append(names, spec.Name)
		}
	}
	return names
}
