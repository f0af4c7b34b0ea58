package farmagent

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const (
	defaultHealthCheckInterval = 5 * time.Minute
	defaultRefreshInterval     = 30 * time.Second
	shutdownGracePeriod        = 2 * time.Minute
)

// AgentConfig bundles the configuration of every core component.
type AgentConfig struct {
	Scheduler           Config
	Pool                PoolConfig
	Executor            ExecutorConfig
	HealthCheckInterval time.Duration
	// RefreshInterval is the device discovery period; negative disables it.
	RefreshInterval time.Duration
}

type namedWorker struct {
	name string
	fn   func(context.Context) error
}

// Agent wires the device pool, executor and scheduler over one store and
// runs them together with the periodic device jobs.
type Agent struct {
	cfg       AgentConfig
	store     Store
	pool      *DevicePool
	executor  *Executor
	scheduler *Scheduler
	workers   []namedWorker
}

// NewAgent constructs all core components.
func NewAgent(store Store, capability Capability, notifier Notifier, cfg AgentConfig) (*Agent, error) {
	if store == nil {
		return nil, errors.New("agent: store is nil")
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = defaultHealthCheckInterval
	}
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	pool, err := NewDevicePool(store, capability, notifier, cfg.Pool)
	if err != nil {
		return nil, err
	}
	executor, err := NewExecutor(capability, store, cfg.Executor, nil)
	if err != nil {
		return nil, err
	}
	scheduler, err := NewScheduler(cfg.Scheduler, store, pool, executor, store, notifier)
	if err != nil {
		return nil, err
	}
	return &Agent{
		cfg:       cfg,
		store:     store,
		pool:      pool,
		executor:  executor,
		scheduler: scheduler,
	}, nil
}

func (a *Agent) Pool() *DevicePool { return a.pool }
func (a *Agent) Executor() *Executor { return a.executor }
func (a *Agent) Scheduler() *Scheduler { return a.scheduler }

// AddWorker registers an extra long-running worker supervised by Run.
func (a *Agent) AddWorker(name string, fn func(context.Context) error) {
	a.workers = append(a.workers, namedWorker{name: name, fn: fn})
}

// Run recovers tasks stranded by a previous process, discovers devices, then
// runs the scheduler loop, the periodic device jobs and any extra workers
// until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.scheduler.Reconcile(ctx); err != nil {
		log.Error().Err(err).Msg("startup reconciliation failed")
	}
	if err := a.pool.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("initial device refresh failed")
	}

	group := NewSafeGroup(ctx)
	group.GoSafe("scheduler", a.scheduler.Start)
	group.GoSafe("device-jobs", a.runDeviceJobs)
	for _, w := range a.workers {
		group.GoSafe(w.name, w.fn)
	}
	err := group.WaitOrInterrupt(shutdownGracePeriod)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RunOnce recovers stranded tasks, refreshes the device list, runs one health
// check and one scheduler tick, and waits for the dispatched pipeline.
func (a *Agent) RunOnce(ctx context.Context) (TickOutcome, error) {
	if err := a.scheduler.Reconcile(ctx); err != nil {
		log.Error().Err(err).Msg("startup reconciliation failed")
	}
	if err := a.pool.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("device refresh failed")
	}
	if err := a.pool.HealthCheck(ctx); err != nil {
		log.Warn().Err(err).Msg("device health check failed")
	}
	return a.scheduler.RunOnce(ctx)
}

// runDeviceJobs schedules health checks and discovery with cron.
func (a *Agent) runDeviceJobs(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc("@every "+a.cfg.HealthCheckInterval.String(), func() {
		if err := a.pool.HealthCheck(ctx); err != nil {
			log.Error().Err(err).Msg("device health check failed")
		}
	}); err != nil {
		return errors.Wrap(err, "schedule health check")
	}
	if a.cfg.RefreshInterval > 0 {
		if _, err := c.AddFunc("@every "+a.cfg.RefreshInterval.String(), func() {
			if err := a.pool.Refresh(ctx); err != nil {
				log.Error().Err(err).Msg("device refresh failed")
			}
		}); err != nil {
			return errors.Wrap(err, "schedule device refresh")
		}
	}
	log.Info().
		Dur("health_check_interval", a.cfg.HealthCheckInterval).
		Dur("refresh_interval", a.cfg.RefreshInterval).
		Msg("device jobs scheduled")

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
