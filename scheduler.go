package farmagent

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	defaultPollInterval       = 5 * time.Second
	defaultIdleBackoff        = 3
	defaultErrorBackoff       = 5
	defaultMaxConcurrentTasks = 10
	defaultMaxFailedAttempts  = 3
	defaultBatchSize          = 5
)

// Config controls Scheduler behavior.
type Config struct {
	PollInterval       time.Duration
	IdleBackoff        int
	ErrorBackoff       int
	MaxConcurrentTasks int
	MaxFailedAttempts  int
	BatchSize          int
	// TaskTimeout bounds one pipeline run; 0 disables it. Expiry counts as a
	// regular failure.
	TaskTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.IdleBackoff <= 0 {
		c.IdleBackoff = defaultIdleBackoff
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = defaultErrorBackoff
	}
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = defaultMaxConcurrentTasks
	}
	if c.MaxFailedAttempts <= 0 {
		c.MaxFailedAttempts = defaultMaxFailedAttempts
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
}

// InFlight describes one running (task, device) pairing.
type InFlight struct {
	TaskID   string
	DeviceID string
	App      string
	StartAt  time.Time
}

// Scheduler pairs pending tasks with idle devices under a global
// concurrency cap and runs each pairing through the JobRunner.
type Scheduler struct {
	cfg      Config
	tasks    TaskStore
	pool     *DevicePool
	runner   JobRunner
	notifier Notifier
	activity *activityLog
	backoff  BackoffPolicy
	clock    clock

	// tickMu serializes the select+claim critical section.
	tickMu sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]InFlight

	backgroundGroup sync.WaitGroup
}

// NewScheduler builds a scheduler with the provided collaborators.
func NewScheduler(cfg Config, tasks TaskStore, pool *DevicePool, runner JobRunner, recorder ActivityRecorder, notifier Notifier) (*Scheduler, error) {
	if tasks == nil {
		return nil, errors.New("task store cannot be nil")
	}
	if pool == nil {
		return nil, errors.New("device pool cannot be nil")
	}
	if runner == nil {
		return nil, errors.New("job runner cannot be nil")
	}
	if notifier == nil {
		notifier = noopNotifier{}
	}
	cfg.applyDefaults()
	s := &Scheduler{
		cfg:      cfg,
		tasks:    tasks,
		pool:     pool,
		runner:   runner,
		notifier: notifier,
		backoff: BackoffPolicy{
			Base:            cfg.PollInterval,
			IdleMultiplier:  cfg.IdleBackoff,
			ErrorMultiplier: cfg.ErrorBackoff,
		},
		inflight: make(map[string]InFlight),
	}
	s.activity = newActivityLog(recorder, s.clock)
	return s, nil
}

// Start runs the polling loop until ctx is cancelled, then waits for the
// pipelines already launched.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context cannot be nil")
	}
	log.Info().
		Dur("poll_interval", s.cfg.PollInterval).
		Int("max_concurrent_tasks", s.cfg.MaxConcurrentTasks).
		Int("max_failed_attempts", s.cfg.MaxFailedAttempts).
		Msg("start task scheduler")

	for {
		outcome, err := s.Tick(ctx)
		if err != nil {
			log.Error().Err(err).Msg("scheduler tick failed")
		}
		wait := s.backoff.NextInterval(outcome)
		log.Debug().Str("outcome", outcome.String()).Dur("next_tick", wait).Msg("scheduler tick finished")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info().Int("in_flight", s.InFlightCount()).Msg("scheduler stopping, waiting for running tasks")
			s.backgroundGroup.Wait()
			return nil
		case <-timer.C:
		}
	}
}

// RunOnce runs a single tick and waits for any pipeline it launched.
func (s *Scheduler) RunOnce(ctx context.Context) (TickOutcome, error) {
	outcome, err := s.Tick(ctx)
	s.backgroundGroup.Wait()
	return outcome, err
}

// Wait blocks until every launched pipeline has finished.
func (s *Scheduler) Wait() {
	s.backgroundGroup.Wait()
}

// Tick performs one select+claim+launch iteration. Panics are converted to
// TickError so the loop keeps running.
func (s *Scheduler) Tick(ctx context.Context) (outcome TickOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = TickError
			err = fmt.Errorf("scheduler tick panicked: %v\n%s", r, debug.Stack())
		}
	}()
	outcome, err = s.dispatch(ctx)
	if err != nil {
		return TickError, err
	}
	return outcome, nil
}

func (s *Scheduler) dispatch(ctx context.Context) (TickOutcome, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	if running := s.InFlightCount(); running >= s.cfg.MaxConcurrentTasks {
		log.Debug().Int("in_flight", running).Msg("max concurrent tasks reached")
		return TickSaturated, nil
	}

	dev, err := s.pool.AvailableDevice(ctx)
	if err != nil {
		if errors.Is(err, ErrDeviceUnavailable) {
			log.Debug().Msg("no idle device available for dispatch")
			return TickNoDevice, nil
		}
		return TickError, errors.Wrap(err, "find available device")
	}

	pending, err := s.tasks.FetchPendingTasks(ctx, s.cfg.BatchSize, s.cfg.MaxFailedAttempts)
	if err != nil {
		return TickError, errors.Wrap(err, "fetch pending tasks failed")
	}
	if len(pending) == 0 {
		log.Debug().Msg("no pending tasks to dispatch")
		return TickNoTask, nil
	}
	task := pending[0]

	if _, err := s.pool.ClaimDevice(ctx, dev.ID, task.ID); err != nil {
		if errors.Is(err, ErrClaimConflict) {
			log.Debug().Str("serial", dev.ID).Msg("device claimed elsewhere, retry next tick")
			return TickContended, nil
		}
		return TickError, errors.Wrapf(err, "claim device %s", dev.ID)
	}

	now := s.clock.now()
	claimed, err := s.tasks.ClaimTask(ctx, task.ID, dev.ID, now)
	if err != nil {
		if relErr := s.pool.ReleaseDevice(context.WithoutCancel(ctx), dev.ID); relErr != nil {
			log.Error().Err(relErr).Str("serial", dev.ID).Msg("release device after failed task claim")
		}
		if errors.Is(err, ErrClaimConflict) {
			log.Debug().Str("task_id", task.ID).Msg("task claimed elsewhere, retry next tick")
			return TickContended, nil
		}
		return TickError, errors.Wrapf(err, "claim task %s", task.ID)
	}

	s.addInFlight(InFlight{TaskID: claimed.ID, DeviceID: dev.ID, App: claimed.AppTarget, StartAt: now})
	s.activity.record(ctx, dev.ID, claimed.ID, "start_task", nil)
	s.notifier.Publish(taskEvent(EventTaskUpdated, claimed, now))
	log.Info().
		Str("task_id", claimed.ID).
		Str("serial", dev.ID).
		Str("app", claimed.AppTarget).
		Int("priority", claimed.Priority).
		Int("failed_attempts", claimed.FailedAttempts).
		Msg("task dispatched to device")

	s.startDeviceJob(ctx, claimed, dev.ID)
	return TickDispatched, nil
}

// startDeviceJob detaches the pipeline from the loop's cancellation: a
// claimed task is never aborted except through its own failure path.
func (s *Scheduler) startDeviceJob(ctx context.Context, task *Task, deviceID string) {
	jobCtx := context.WithoutCancel(ctx)
	s.backgroundGroup.Add(1)
	go s.runDeviceJob(jobCtx, task, deviceID)
}

func (s *Scheduler) runDeviceJob(ctx context.Context, task *Task, deviceID string) {
	defer s.backgroundGroup.Done()

	runCtx := ctx
	if s.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.TaskTimeout)
		defer cancel()
	}

	log.Info().Str("task_id", task.ID).Str("serial", deviceID).Msg("start device job")
	runErr := s.runJobSafe(runCtx, JobRequest{DeviceID: deviceID, Task: task})
	if runErr != nil && errors.Is(runErr, context.DeadlineExceeded) {
		runErr = errors.Wrapf(runErr, "task exceeded timeout %s", s.cfg.TaskTimeout)
	}

	if err := s.CompleteTask(ctx, task.ID, deviceID, runErr); err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Str("serial", deviceID).Msg("complete task failed")
	}
}

func (s *Scheduler) runJobSafe(ctx context.Context, req JobRequest) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job runner panicked: %v", r)
			log.Error().Str("task_id", req.Task.ID).Str("serial", req.DeviceID).Bytes("stack", debug.Stack()).Msg("job runner panicked")
		}
	}()
	return s.runner.RunJob(ctx, req)
}

func (s *Scheduler) addInFlight(job InFlight) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	s.inflight[job.TaskID] = job
}

func (s *Scheduler) removeInFlight(taskID string) (InFlight, bool) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	job, ok := s.inflight[taskID]
	delete(s.inflight, taskID)
	return job, ok
}

func (s *Scheduler) isInFlight(taskID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	_, ok := s.inflight[taskID]
	return ok
}

// InFlightCount returns the number of running pairings.
func (s *Scheduler) InFlightCount() int {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	return len(s.inflight)
}

// InFlightJobs returns a snapshot of running pairings, oldest first.
func (s *Scheduler) InFlightJobs() []InFlight {
	s.inflightMu.Lock()
	result := make([]InFlight, 0, len(s.inflight))
	for _, job := range s.inflight {
		result = append(result, job)
	}
	s.inflightMu.Unlock()
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartAt.Before(result[j].StartAt)
	})
	return result
}
