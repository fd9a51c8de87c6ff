package deploy

import (
	"context"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"

	"stagehand/internal/cert"
	"stagehand/internal/config"
	"stagehand/internal/core"
	"stagehand/internal/health"
)

const logTailLines = 50

// DeploymentResult records one deployment attempt.
type DeploymentResult struct {
	Attempt string // unique attempt ID
	Group   string
	Started []string
	Health  health.Result
	// UnhealthyLogs holds captured log tails for services that never
	// became healthy, keyed by service name. Diagnosis aid only.
	UnhealthyLogs map[string]string
}

// Orchestrator sequences validation, group start/stop and readiness
// polling for one service group.
type Orchestrator struct {
	cfg     config.Config
	store   *cert.Store
	runner  core.ServiceRunner
	checker core.HealthChecker

	mu sync.Mutex // held for the duration of one Deploy
}

// New creates an orchestrator for the configured service group.
func New(cfg config.Config, store *cert.Store, runner core.ServiceRunner, checker core.HealthChecker) *Orchestrator {
	return &Orchestrator{cfg: cfg, store: store, runner: runner, checker: checker}
}

// Validate checks configuration completeness and then the certificate
// precondition: every domain must hold a valid, non-expired certificate
// before the proxy may be (re)started. It has no side effects.
func (o *Orchestrator) Validate(ctx context.Context) error {
	if err := o.cfg.Validate(); err != nil {
		return err
	}
	for _, domain := range o.cfg.Domains {
		if _, ok := o.store.ValidFor(domain, 0); !ok {
			return core.DomainFailure(core.MissingCertificate, domain,
				"no valid certificate at %s", o.store.FullchainPath(domain))
		}
	}
	return nil
}

// Deploy validates, stops any previous instance of the group
// (best-effort) and starts the declared services. It returns once the
// start commands have been issued; call Await to gate on readiness.
// Only one Deploy may be in flight at a time; a concurrent call fails
// with DeploymentInProgress and performs no side effect.
func (o *Orchestrator) Deploy(ctx context.Context) (*DeploymentResult, error) {
	if !o.mu.TryLock() {
		return nil, core.NewFailure(core.DeploymentInProgress,
			"a deployment for group %s is already in flight", o.cfg.ServiceGroup)
	}
	defer o.mu.Unlock()

	if err := o.Validate(ctx); err != nil {
		return nil, err
	}

	attempt := uuid.NewString()
	log.Printf("[DEPLOY] [%s] Starting deployment of group %s (%d services)",
		attempt, o.cfg.ServiceGroup, len(o.cfg.Services))

	if err := o.runner.StopGroup(ctx, o.cfg.ServiceGroup); err != nil {
		// A previous instance may simply not exist; never fatal here.
		log.Printf("[DEPLOY] [%s] Previous instance cleanup: %v", attempt, err)
	}

	if err := o.runner.StartGroup(ctx, o.cfg.ServiceGroup, o.cfg.Services); err != nil {
		return nil, err
	}

	started := make([]string, 0, len(o.cfg.Services))
	for _, spec := range o.cfg.Services {
		started = append(started, spec.Name)
	}

	return &DeploymentResult{
		Attempt: attempt,
		Group:   o.cfg.ServiceGroup,
		Started: started,
	}, nil
}

// Await runs the health poller for the attempt and, on timeout, captures
// a log tail for every still-unhealthy service. There is no automatic
// rollback: the operator decides whether to stop or retry.
func (o *Orchestrator) Await(ctx context.Context, res *DeploymentResult) error {
	poller := health.NewPoller(o.checker, o.cfg.PollInterval(), o.cfg.MaxWait())
	return o.await(ctx, res, poller)
}

func (o *Orchestrator) await(ctx context.Context, res *DeploymentResult, poller *health.Poller) error {
	hres, err := poller.Run(ctx, o.cfg.Services)
	res.Health = hres
	if err != nil {
		return err // cancelled; services keep running
	}

	if hres.State == health.StateTimedOut {
		res.UnhealthyLogs = make(map[string]string, len(hres.Unhealthy))
		for _, name := range hres.Unhealthy {
			logs, logErr := o.runner.ServiceLogs(ctx, res.Group, name, logTailLines)
			if logErr != nil {
				logs = "log capture failed: " + logErr.Error()
			}
			res.UnhealthyLogs[name] = logs
		}
		return core.ServiceFailure(core.TimedOut, strings.Join(hres.Unhealthy, ","),
			"not healthy after %s", o.cfg.MaxWait())
	}

	log.Printf("[DEPLOY] [%s] Deployment healthy after %s", res.Attempt, hres.Elapsed)
	return nil
}

// Stop stops the whole service group. Unlike the pre-deploy cleanup,
// failures here are reported.
func (o *Orchestrator) Stop(ctx context.Context) error {
	return o.runner.StopGroup(ctx, o.cfg.ServiceGroup)
}

// Status reports the group's current container states.
func (o *Orchestrator) Status(ctx context.Context) ([]core.ServiceStatus, error) {
	return o.runner.GroupStatus(ctx, o.cfg.ServiceGroup)
}

// Logs returns a log tail for one service in the group.
func (o *Orchestrator) Logs(ctx context.Context, service string, tail int) (string, error) {
	return o.runner.ServiceLogs(ctx, o.cfg.ServiceGroup, service, tail)
}
