package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mpataki/dayrun/internal/models"
	"github.com/mpataki/dayrun/internal/supervisor"
	"github.com/mpataki/dayrun/internal/telemetry"
)

// JoinPolicy decides what a failed forked pipeline means once it is joined.
type JoinPolicy string

const (
	// JoinWarn logs joined failures and reports them in the outcome without
	// failing the run.
	JoinWarn JoinPolicy = "warn"
	// JoinFail fails the run at the fork stage when a joined pipeline failed.
	JoinFail JoinPolicy = "fail"
)

func ParseJoinPolicy(s string) (JoinPolicy, error) {
	switch JoinPolicy(s) {
	case "", JoinWarn:
		return JoinWarn, nil
	case JoinFail:
		return JoinFail, nil
	default:
		return "", fmt.Errorf("unknown join policy %q: want warn or fail", s)
	}
}

type Config struct {
	Planner    Planner
	Launcher   Launcher
	Logs       LogLocator
	JoinPolicy JoinPolicy
	Trigger    models.TriggerSource
	Observers  []Observer
	Logger     *slog.Logger
}

// Orchestrator walks an execution plan stage by stage, failing fast on the
// first sequential failure.
type Orchestrator struct {
	planner    Planner
	launcher   Launcher
	logs       LogLocator
	joinPolicy JoinPolicy
	trigger    models.TriggerSource
	observers  observers
	logger     *slog.Logger

	detached sync.WaitGroup
}

func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := cfg.JoinPolicy
	if policy == "" {
		policy = JoinWarn
	}
	trigger := cfg.Trigger
	if trigger == "" {
		trigger = models.TriggerManual
	}

	return &Orchestrator{
		planner:    cfg.Planner,
		launcher:   cfg.Launcher,
		logs:       cfg.Logs,
		joinPolicy: policy,
		trigger:    trigger,
		observers:  observers(cfg.Observers),
		logger:     logger.With("module", "orchestrator"),
	}
}

type forked struct {
	proc Process
	exec *models.Execution
}

// Run executes the plan from stage start. Stages before start are skipped
// without any check of what they produced.
func (o *Orchestrator) Run(ctx context.Context, start int) *models.Outcome {
	run := &models.Run{
		ID:         uuid.NewString(),
		CreatedAt:  time.Now(),
		Trigger:    o.trigger,
		StartIndex: start,
		Status:     models.RunStatusRunning,
	}
	out := &models.Outcome{
		RunID:      run.ID,
		Status:     models.OutcomeSuccess,
		StageIndex: -1,
		Join:       models.JoinOutcome{Kind: models.NotJoined},
	}
	logger := telemetry.WithRunID(o.logger, run.ID)

	plan, err := o.planner.Produce(start)
	if err != nil {
		logger.Error("failed to produce plan", "start", start, "error", err)
		o.observers.RunStarted(run, nil)
		return o.failRun(run, nil, out, -1, -1, fmt.Errorf("produce plan: %w", err))
	}

	o.observers.RunStarted(run, plan)
	logger.Info("run started",
		"start", start,
		"stages", len(plan.Stages),
		"trigger", run.Trigger,
	)

	pending := make(map[int][]forked)

	for _, stage := range plan.Stages {
		if err := o.join(ctx, run, plan.JoinsAt(stage.Index), pending, out); err != nil {
			return o.failRun(run, pending, out, out.StageIndex, out.ExitCode, err)
		}

		if err := ctx.Err(); err != nil {
			logger.Warn("run cancelled", "stage", stage.Index)
			return o.failRun(run, pending, out, stage.Index, -1, err)
		}

		o.observers.StageStarted(run, stage)
		logger.Info("stage started",
			"stage", stage.Index,
			"kind", stage.Kind,
			"label", stage.Label,
		)

		switch stage.Kind {
		case models.StageSequential:
			for _, member := range stage.Members {
				res, err := o.execute(ctx, run, stage, member)
				out.Results = append(out.Results, res)
				if !res.Succeeded() {
					logger.Error("stage failed, aborting run",
						"stage", stage.Index,
						"pipeline", member.Name,
						"exit_code", res.ExitCode,
						"error", err,
					)
					return o.failRun(run, pending, out, stage.Index, res.ExitCode, err)
				}
			}

		case models.StageFork:
			for _, member := range stage.Members {
				proc, exec, err := o.launch(ctx, run, stage, member, true)
				if err != nil {
					res := supervisor.LaunchFailure(member)
					o.finishExecution(run, exec, res, err)
					out.Results = append(out.Results, res)
					logger.Error("failed to launch forked pipeline, aborting run",
						"stage", stage.Index,
						"pipeline", member.Name,
						"error", err,
					)
					return o.failRun(run, pending, out, stage.Index, res.ExitCode, err)
				}
				pending[stage.Index] = append(pending[stage.Index], forked{proc: proc, exec: exec})
				logger.Info("forked pipeline launched",
					"stage", stage.Index,
					"pipeline", member.Name,
					"pid", proc.PID(),
				)
			}
		}
	}

	if err := o.join(ctx, run, plan.JoinsAt(plan.End()), pending, out); err != nil {
		return o.failRun(run, pending, out, out.StageIndex, out.ExitCode, err)
	}

	return o.completeRun(run, out)
}

// WaitDetached blocks until forked pipelines abandoned by aborted runs have
// exited.
func (o *Orchestrator) WaitDetached() {
	o.detached.Wait()
}

func (o *Orchestrator) execute(ctx context.Context, run *models.Run, stage models.Stage, spec models.PipelineSpec) (models.RunResult, error) {
	proc, exec, err := o.launch(ctx, run, stage, spec, false)
	if err != nil {
		res := supervisor.LaunchFailure(spec)
		o.finishExecution(run, exec, res, err)
		return res, err
	}

	res, err := proc.Wait()
	o.finishExecution(run, exec, res, err)
	return res, err
}

func (o *Orchestrator) launch(ctx context.Context, run *models.Run, stage models.Stage, spec models.PipelineSpec, fork bool) (Process, *models.Execution, error) {
	now := time.Now()
	exec := &models.Execution{
		RunID:      run.ID,
		StageIndex: stage.Index,
		Pipeline:   spec.Name,
		Forked:     fork,
		Status:     models.ExecStatusRunning,
		StartedAt:  &now,
	}

	if o.logs != nil {
		path, err := o.logs.LogPath(run.ID, stage.Index, spec.Name)
		if err != nil {
			o.logger.Warn("no log file for execution", "pipeline", spec.Name, "error", err)
		} else {
			exec.LogPath = path
		}
	}

	req := supervisor.Request{
		Pipeline: spec,
		Stage:    stage.Index,
		Forked:   fork,
		LogPath:  exec.LogPath,
		OnProgress: func(pct int) {
			o.observers.ExecutionProgress(run, exec, pct)
		},
	}

	proc, err := o.launcher.Start(ctx, req)
	if err == nil {
		pid := proc.PID()
		exec.PID = &pid
	}
	o.observers.ExecutionStarted(run, exec)
	return proc, exec, err
}

func (o *Orchestrator) finishExecution(run *models.Run, exec *models.Execution, res models.RunResult, err error) {
	now := time.Now()
	code := res.ExitCode
	exec.ExitCode = &code
	exec.Progress = res.Progress
	exec.CompletedAt = &now
	exec.Status = models.ExecStatusComplete
	if !res.Succeeded() {
		exec.Status = models.ExecStatusFailed
	}
	o.observers.ExecutionFinished(run, exec, res, err)
}

// join waits for every process of the given forks. Under JoinWarn a failed
// forked pipeline is only reported.
func (o *Orchestrator) join(ctx context.Context, run *models.Run, joins []models.JoinPoint, pending map[int][]forked, out *models.Outcome) error {
	for _, j := range joins {
		procs := pending[j.Fork]
		delete(pending, j.Fork)

		o.logger.Info("joining forked pipelines",
			"run_id", run.ID,
			"fork", j.Fork,
			"count", len(procs),
		)

		var firstErr error
		firstCode := 0
		for _, f := range procs {
			res, err := f.proc.Wait()
			o.finishExecution(run, f.exec, res, err)
			out.Results = append(out.Results, res)

			if out.Join.Kind == models.NotJoined {
				out.Join.Kind = models.JoinedOk
			}
			if res.Succeeded() {
				continue
			}

			if out.Join.Codes == nil {
				out.Join.Codes = make(map[string]int)
			}
			out.Join.Codes[res.Pipeline.Name] = res.ExitCode
			out.Join.Kind = models.JoinedWithWarnings
			if firstErr == nil {
				firstErr, firstCode = err, res.ExitCode
				if firstErr == nil {
					firstErr = fmt.Errorf("%s exited with code %d", res.Pipeline.Name, res.ExitCode)
				}
			}

			o.logger.Warn("forked pipeline failed",
				"run_id", run.ID,
				"fork", j.Fork,
				"pipeline", res.Pipeline.Name,
				"exit_code", res.ExitCode,
				"error", err,
			)
		}

		if len(procs) == 0 && out.Join.Kind == models.NotJoined {
			out.Join.Kind = models.JoinedOk
		}

		// Cancellation kills the children, which unblocks Wait. Their exits
		// are not warnings.
		if err := ctx.Err(); err != nil {
			o.logger.Warn("run cancelled while joining", "run_id", run.ID, "fork", j.Fork)
			out.StageIndex, out.ExitCode = j.Fork, -1
			return fmt.Errorf("joined fork %d: %w", j.Fork, err)
		}

		if firstErr != nil && o.joinPolicy == JoinFail {
			out.StageIndex, out.ExitCode = j.Fork, firstCode
			return fmt.Errorf("joined fork %d: %w", j.Fork, firstErr)
		}
	}

	return nil
}

func (o *Orchestrator) completeRun(run *models.Run, out *models.Outcome) *models.Outcome {
	now := time.Now()
	run.Status = models.RunStatusComplete
	run.CompletedAt = &now
	run.JoinWarnings = out.Join.Codes

	o.logger.Info("run completed",
		"run_id", run.ID,
		"join", out.Join.Kind,
		"duration", now.Sub(run.CreatedAt),
	)
	o.observers.RunFinished(run, out)
	return out
}

// failRun aborts the run. Forked pipelines that were not joined yet keep
// running; they are reaped in the background.
func (o *Orchestrator) failRun(run *models.Run, pending map[int][]forked, out *models.Outcome, stage, code int, err error) *models.Outcome {
	now := time.Now()
	out.Status = models.OutcomeFailure
	out.StageIndex = stage
	out.ExitCode = code
	out.Err = err

	run.Status = models.RunStatusFailed
	run.CompletedAt = &now
	run.FailedStage = &stage
	run.ExitCode = &code
	run.JoinWarnings = out.Join.Codes
	if err != nil {
		run.Error = err.Error()
	}

	for _, procs := range pending {
		for _, f := range procs {
			o.reapDetached(run, f)
		}
	}

	o.observers.RunFinished(run, out)
	return out
}

func (o *Orchestrator) reapDetached(run *models.Run, f forked) {
	o.detached.Add(1)
	go func() {
		defer o.detached.Done()
		res, err := f.proc.Wait()
		o.finishExecution(run, f.exec, res, err)
		o.logger.Info("detached forked pipeline exited",
			"run_id", run.ID,
			"pipeline", res.Pipeline.Name,
			"exit_code", res.ExitCode,
		)
	}()
}
