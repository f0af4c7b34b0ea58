package farmagent

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Timings names every fixed wait inside the pipeline. Tests use the zero value.
type Timings struct {
	UnlockSettle     time.Duration
	LaunchSettle     time.Duration
	SearchStepWait   time.Duration
	TypeWait         time.Duration
	ResultsWait      time.Duration
	InteractionPause time.Duration
	CommentOpen      time.Duration
	ScrollPauseMin   time.Duration
	ScrollPauseMax   time.Duration
	TapPauseMin      time.Duration
	TapPauseMax      time.Duration
	// RecoveryTimeout bounds the best-effort screenshot and home steps on the
	// failure path.
	RecoveryTimeout time.Duration
}

// DefaultTimings returns the waits used against real devices.
func DefaultTimings() Timings {
	return Timings{
		UnlockSettle:     time.Second,
		LaunchSettle:     3 * time.Second,
		SearchStepWait:   time.Second,
		TypeWait:         1500 * time.Millisecond,
		ResultsWait:      2 * time.Second,
		InteractionPause: time.Second,
		CommentOpen:      2 * time.Second,
		ScrollPauseMin:   time.Second,
		ScrollPauseMax:   3 * time.Second,
		TapPauseMin:      time.Second,
		TapPauseMax:      2 * time.Second,
		RecoveryTimeout:  30 * time.Second,
	}
}

func (t Timings) named(name string) time.Duration {
	switch name {
	case WaitType:
		return t.TypeWait
	case WaitResults:
		return t.ResultsWait
	default:
		return t.SearchStepWait
	}
}

// ExecutorConfig configures the action pipeline.
type ExecutorConfig struct {
	Actions            ActionConfig
	Timings            Timings
	CaptureScreenshots bool
}

// Executor drives one device through the interaction pipeline of a task.
type Executor struct {
	capability Capability
	activity   *activityLog
	timings    Timings
	capture    bool
	rand       Rand

	actions atomic.Pointer[ActionConfig]
}

// NewExecutor validates the action configuration and builds an executor.
// A nil rnd uses the process-wide generator.
func NewExecutor(capability Capability, recorder ActivityRecorder, cfg ExecutorConfig, rnd Rand) (*Executor, error) {
	if capability == nil {
		return nil, errors.New("executor: capability is nil")
	}
	actions, err := cfg.Actions.Validate()
	if err != nil {
		return nil, errors.Wrap(err, "invalid action config")
	}
	if rnd == nil {
		rnd = globalRand{}
	}
	e := &Executor{
		capability: capability,
		activity:   newActivityLog(recorder, nil),
		timings:    cfg.Timings,
		capture:    cfg.CaptureScreenshots,
		rand:       rnd,
	}
	e.actions.Store(&actions)
	return e, nil
}

// SetActions swaps the profiles, patterns and probabilities used by
// pipelines started afterwards. Running pipelines keep their snapshot.
func (e *Executor) SetActions(cfg ActionConfig) error {
	actions, err := cfg.Validate()
	if err != nil {
		return errors.Wrap(err, "invalid action config")
	}
	e.actions.Store(&actions)
	log.Info().Int("profiles", len(actions.Profiles)).Int("patterns", len(actions.Patterns)).Msg("action config reloaded")
	return nil
}

// Actions returns the active action configuration.
func (e *Executor) Actions() ActionConfig {
	return *e.actions.Load()
}

// Profile looks up the action profile for an application id.
func (e *Executor) Profile(app string) (AppProfile, bool) {
	profile, ok := e.actions.Load().Profiles[strings.ToLower(strings.TrimSpace(app))]
	return profile, ok
}

type pipelineRun struct {
	deviceID string
	task     *Task
	profile  AppProfile
	actions  *ActionConfig
}

// RunJob executes the task pipeline on the device. It does not touch task or
// device status; the scheduler completes the task with the returned error.
func (e *Executor) RunJob(ctx context.Context, req JobRequest) error {
	if req.Task == nil {
		return errors.New("run job: task is nil")
	}
	actions := e.actions.Load()
	profile, ok := actions.Profiles[strings.ToLower(strings.TrimSpace(req.Task.AppTarget))]
	if !ok {
		err := errors.Wrapf(ErrUnsupportedApplication, "app %q", req.Task.AppTarget)
		e.activity.record(ctx, req.DeviceID, req.Task.ID, "start_app", err)
		return err
	}
	run := pipelineRun{deviceID: req.DeviceID, task: req.Task, profile: profile, actions: actions}

	logger := log.With().Str("task_id", req.Task.ID).Str("serial", req.DeviceID).Str("app", profile.Name).Logger()
	logger.Info().Int("targets", len(req.Task.Targets)).Msg("pipeline started")

	if err := e.runPipeline(ctx, run); err != nil {
		logger.Error().Err(err).Msg("pipeline failed")
		e.recoverDevice(ctx, run)
		return err
	}
	logger.Info().Msg("pipeline finished")
	return nil
}

func (e *Executor) runPipeline(ctx context.Context, run pipelineRun) error {
	if err := e.step(ctx, run, "unlock_device", e.unlock); err != nil {
		return err
	}
	if err := e.step(ctx, run, "start_app", e.launch); err != nil {
		return err
	}
	if len(run.task.Targets) > 0 {
		e.humanize(ctx, run)
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.step(ctx, run, "search_content", e.search); err != nil {
			return err
		}
		e.humanize(ctx, run)
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.view(ctx, run); err != nil {
			return err
		}
		if err := e.interact(ctx, run); err != nil {
			return err
		}
	}
	if e.capture {
		if path, err := e.capability.Screenshot(ctx, run.deviceID); err != nil {
			log.Warn().Err(err).Str("serial", run.deviceID).Msg("diagnostic screenshot failed")
			e.activity.record(ctx, run.deviceID, run.task.ID, "take_screenshot", err)
		} else {
			e.activity.recordDetail(ctx, run.deviceID, run.task.ID, "take_screenshot", path)
		}
	}
	return e.step(ctx, run, "return_home", func(ctx context.Context, run pipelineRun) error {
		_, err := e.shell(ctx, run.deviceID, cmdHome)
		return err
	})
}

// step runs fn and records its outcome as one activity entry.
func (e *Executor) step(ctx context.Context, run pipelineRun, action string, fn func(context.Context, pipelineRun) error) error {
	err := fn(ctx, run)
	e.activity.record(ctx, run.deviceID, run.task.ID, action, err)
	if err != nil {
		return errors.Wrapf(err, "%s failed", action)
	}
	return nil
}

func (e *Executor) unlock(ctx context.Context, run pipelineRun) error {
	if _, err := e.shell(ctx, run.deviceID, cmdWakeup); err != nil {
		return err
	}
	if _, err := e.shell(ctx, run.deviceID, cmdDismissLock); err != nil {
		return err
	}
	return sleep(ctx, e.timings.UnlockSettle)
}

func (e *Executor) launch(ctx context.Context, run pipelineRun) error {
	if _, err := e.shell(ctx, run.deviceID, launchCommand(run.profile.Launch)); err != nil {
		return err
	}
	return sleep(ctx, e.timings.LaunchSettle)
}

// search looks up the first target only.
func (e *Executor) search(ctx context.Context, run pipelineRun) error {
	query := run.task.Targets[0]
	for _, s := range run.profile.SearchSequence() {
		var err error
		switch s.Action {
		case SearchTap:
			_, err = e.shell(ctx, run.deviceID, tapCommand(*s.Point))
		case SearchText:
			_, err = e.shell(ctx, run.deviceID, textCommand(query))
		case SearchEnter:
			_, err = e.shell(ctx, run.deviceID, cmdEnter)
		case SearchWait:
			err = sleep(ctx, e.timings.named(s.Wait))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// view stays on the content for a random duration and records it, which
// feeds the view time statistics.
func (e *Executor) view(ctx context.Context, run pipelineRun) error {
	d := durationBetween(e.rand, run.actions.ViewTimeMin, run.actions.ViewTimeMax)
	log.Debug().Str("serial", run.deviceID).Dur("view_time", d).Msg("viewing content")
	err := sleep(ctx, d)
	e.activity.write(ctx, ActivityLogEntry{
		DeviceID: run.deviceID,
		TaskID:   run.task.ID,
		Action:   "view_content",
		Detail:   d.String(),
		Duration: d,
	}, err)
	if err != nil {
		return errors.Wrap(err, "view_content failed")
	}
	return nil
}

// humanize plays one random pattern and records it. Failures never fail the
// task.
func (e *Executor) humanize(ctx context.Context, run pipelineRun) {
	pattern, err := e.simulateHuman(ctx, run.deviceID, run.actions.Patterns)
	if pattern == "" || ctx.Err() != nil {
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("serial", run.deviceID).Str("pattern", string(pattern)).Msg("human simulation failed")
		e.activity.record(ctx, run.deviceID, run.task.ID, "simulate_human", err)
		return
	}
	e.activity.recordDetail(ctx, run.deviceID, run.task.ID, "simulate_human", string(pattern))
}

// interact performs the probabilistic like, comment and follow actions.
// Only context errors abort the pipeline.
func (e *Executor) interact(ctx context.Context, run pipelineRun) error {
	actions := run.actions
	type interaction struct {
		action string
		prob   float64
		do     func(context.Context, pipelineRun) (string, error)
		point  bool
	}
	_, hasLike := run.profile.LikeButton()
	_, hasComment := run.profile.CommentButton()
	_, hasFollow := run.profile.FollowButton()
	for _, it := range []interaction{
		{action: "like", prob: actions.LikeProbability, do: e.like, point: hasLike},
		{action: "comment", prob: actions.CommentProbability, do: e.comment, point: hasComment},
		{action: "follow", prob: actions.FollowProbability, do: e.follow, point: hasFollow},
	} {
		if !it.point || !chance(e.rand, it.prob) {
			continue
		}
		detail, err := it.do(ctx, run)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		e.activity.write(ctx, ActivityLogEntry{
			DeviceID: run.deviceID,
			TaskID:   run.task.ID,
			Action:   it.action,
			Detail:   detail,
		}, err)
		if err != nil {
			log.Warn().Err(err).Str("serial", run.deviceID).Str("action", it.action).Msg("interaction failed")
			continue
		}
		if err := sleep(ctx, e.timings.InteractionPause); err != nil {
			return err
		}
	}
	return nil
}

// like, follow and comment return the interaction detail kept in the
// activity log: the kind, plus the posted text for comments.
func (e *Executor) like(ctx context.Context, run pipelineRun) (string, error) {
	p, _ := run.profile.LikeButton()
	_, err := e.shell(ctx, run.deviceID, tapCommand(p))
	return "like", err
}

func (e *Executor) follow(ctx context.Context, run pipelineRun) (string, error) {
	p, _ := run.profile.FollowButton()
	_, err := e.shell(ctx, run.deviceID, tapCommand(p))
	return "follow", err
}

func (e *Executor) comment(ctx context.Context, run pipelineRun) (string, error) {
	templates := run.actions.CommentTemplates
	if len(templates) == 0 {
		return "comment", errors.New("no comment templates configured")
	}
	text := templates[e.rand.IntN(len(templates))]
	detail := "comment: " + text
	p, _ := run.profile.CommentButton()
	if _, err := e.shell(ctx, run.deviceID, tapCommand(p)); err != nil {
		return detail, err
	}
	if err := sleep(ctx, e.timings.CommentOpen); err != nil {
		return detail, err
	}
	if _, err := e.shell(ctx, run.deviceID, textCommand(text)); err != nil {
		return detail, err
	}
	if err := sleep(ctx, e.timings.SearchStepWait); err != nil {
		return detail, err
	}
	_, err := e.shell(ctx, run.deviceID, tapCommand(run.profile.CommentSendButton()))
	return detail, err
}

// recoverDevice runs the swallowed failure-path steps on a context that survives
// the pipeline's own cancellation.
func (e *Executor) recoverDevice(ctx context.Context, run pipelineRun) {
	rctx := context.WithoutCancel(ctx)
	if e.timings.RecoveryTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(rctx, e.timings.RecoveryTimeout)
		defer cancel()
	}
	if path, err := e.capability.Screenshot(rctx, run.deviceID); err != nil {
		log.Warn().Err(err).Str("serial", run.deviceID).Msg("failure screenshot failed")
	} else {
		e.activity.recordDetail(rctx, run.deviceID, run.task.ID, "failure_screenshot", path)
	}
	if _, err := e.shell(rctx, run.deviceID, cmdHome); err != nil {
		log.Warn().Err(err).Str("serial", run.deviceID).Msg("return home after failure failed")
	}
}

// shell runs one command; transport failures are classified as ErrConnectivity.
func (e *Executor) shell(ctx context.Context, deviceID, command string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	out, err := e.capability.RunCommand(ctx, deviceID, command)
	if err == nil {
		return out, nil
	}
	if errors.Is(err, ErrConnectivity) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "", err
	}
	return "", errors.Wrapf(ErrConnectivity, "%s: %v", command, err)
}
