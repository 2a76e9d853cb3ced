package orchestrator

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/dayrun/internal/catalog"
	"github.com/mpataki/dayrun/internal/models"
	"github.com/mpataki/dayrun/internal/supervisor"
)

type fakeProcess struct {
	pid     int
	result  models.RunResult
	err     error
	release chan struct{}
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Wait() (models.RunResult, error) {
	if p.release != nil {
		<-p.release
	}
	return p.result, p.err
}

// fakeLauncher "runs" pipelines by name: each exits with its configured code,
// immediately unless a hold channel is registered for it.
type fakeLauncher struct {
	mu        sync.Mutex
	codes     map[string]int
	launchErr map[string]bool
	hold      map[string]chan struct{}
	started   []string
	requests  []supervisor.Request
	nextPID   int
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{
		codes:     make(map[string]int),
		launchErr: make(map[string]bool),
		hold:      make(map[string]chan struct{}),
		nextPID:   1000,
	}
}

func (l *fakeLauncher) Start(_ context.Context, req supervisor.Request) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	name := req.Pipeline.Name
	l.started = append(l.started, name)
	l.requests = append(l.requests, req)

	if l.launchErr[name] {
		return nil, &supervisor.LaunchError{Pipeline: name, Err: errors.New("no such file")}
	}

	l.nextPID++
	code := l.codes[name]
	now := time.Now()
	res := models.RunResult{
		Pipeline: req.Pipeline,
		Status:   models.ExitSuccess,
		ExitCode: code,
		Progress: 100,
		PID:      l.nextPID,
		Started:  now,
		Finished: now,
	}
	var err error
	if code != 0 {
		res.Status = models.ExitFailure
		err = &supervisor.ExitError{Pipeline: name, Code: code}
	}
	if req.OnProgress != nil {
		req.OnProgress(50)
	}

	return &fakeProcess{pid: l.nextPID, result: res, err: err, release: l.hold[name]}, nil
}

func (l *fakeLauncher) Started() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.started...)
}

type recorder struct {
	mu       sync.Mutex
	events   []string
	finished map[string]models.ExecStatus
	progress map[string]int
	run      *models.Run
	outcome  *models.Outcome
}

func newRecorder() *recorder {
	return &recorder{
		finished: make(map[string]models.ExecStatus),
		progress: make(map[string]int),
	}
}

func (r *recorder) add(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) RunStarted(run *models.Run, plan *models.ExecutionPlan) {
	r.add("run-started")
}

func (r *recorder) StageStarted(_ *models.Run, stage models.Stage) {
	r.add("stage-started")
}

func (r *recorder) ExecutionStarted(_ *models.Run, exec *models.Execution) {
	r.add("exec-started:" + exec.Pipeline)
}

func (r *recorder) ExecutionProgress(_ *models.Run, exec *models.Execution, pct int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress[exec.Pipeline] = pct
}

func (r *recorder) ExecutionFinished(_ *models.Run, exec *models.Execution, _ models.RunResult, _ error) {
	r.mu.Lock()
	r.finished[exec.Pipeline] = exec.Status
	r.mu.Unlock()
	r.add("exec-finished:" + exec.Pipeline)
}

func (r *recorder) RunFinished(run *models.Run, outcome *models.Outcome) {
	r.mu.Lock()
	r.run = run
	r.outcome = outcome
	r.mu.Unlock()
	r.add("run-finished")
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// testPlan is a small plan with the same shape as the daily one:
//
//	0 a · 1 b · 2 fork{bg1, bg2} · 3 c · 4 d · join(2) at 5
func testPlan(t *testing.T) *catalog.Catalog {
	t.Helper()
	b := catalog.NewBuilder("python")
	b.Sequential("", b.Pipeline("a", "a.py", nil, 1))
	b.Sequential("", b.Pipeline("b", "b.py", nil, 1))
	fork := b.Fork("background",
		b.Pipeline("bg1", "bg1.py", nil, 1),
		b.Pipeline("bg2", "bg2.py", nil, 1),
	)
	b.Sequential("", b.Pipeline("c", "c.py", nil, 1))
	b.Sequential("", b.Pipeline("d", "d.py", nil, 1))
	b.Join(fork)

	c, err := b.Build()
	require.NoError(t, err)
	return c
}

func newTestOrchestrator(planner Planner, l Launcher, policy JoinPolicy, obs ...Observer) *Orchestrator {
	return New(Config{
		Planner:    planner,
		Launcher:   l,
		JoinPolicy: policy,
		Observers:  obs,
	})
}

func TestRunSuccess(t *testing.T) {
	l := newFakeLauncher()
	rec := newRecorder()
	o := newTestOrchestrator(testPlan(t), l, JoinWarn, rec)

	out := o.Run(context.Background(), 0)

	assert.True(t, out.Succeeded())
	assert.Equal(t, -1, out.StageIndex)
	assert.Equal(t, models.JoinedOk, out.Join.Kind)
	assert.Empty(t, out.Join.Codes)
	assert.Len(t, out.Results, 6)
	assert.NotEmpty(t, out.RunID)
	assert.Equal(t, []string{"a", "b", "bg1", "bg2", "c", "d"}, l.Started())

	require.NotNil(t, rec.run)
	assert.Equal(t, out.RunID, rec.run.ID)
	assert.Equal(t, models.RunStatusComplete, rec.run.Status)
	assert.NotNil(t, rec.run.CompletedAt)
	assert.Equal(t, models.TriggerManual, rec.run.Trigger)

	events := rec.Events()
	assert.Equal(t, "run-started", events[0])
	assert.Equal(t, "run-finished", events[len(events)-1])
	assert.Equal(t, 50, rec.progress["a"])
}

func TestRunSequentialFailureAborts(t *testing.T) {
	l := newFakeLauncher()
	l.codes["b"] = 2
	rec := newRecorder()
	o := newTestOrchestrator(testPlan(t), l, JoinWarn, rec)

	out := o.Run(context.Background(), 0)

	assert.False(t, out.Succeeded())
	assert.Equal(t, models.OutcomeFailure, out.Status)
	assert.Equal(t, 1, out.StageIndex)
	assert.Equal(t, 2, out.ExitCode)
	assert.Equal(t, models.NotJoined, out.Join.Kind)

	var exitErr *supervisor.ExitError
	assert.ErrorAs(t, out.Err, &exitErr)

	assert.Equal(t, []string{"a", "b"}, l.Started(), "nothing after the failing stage may start")

	require.NotNil(t, rec.run)
	assert.Equal(t, models.RunStatusFailed, rec.run.Status)
	require.NotNil(t, rec.run.FailedStage)
	assert.Equal(t, 1, *rec.run.FailedStage)
	require.NotNil(t, rec.run.ExitCode)
	assert.Equal(t, 2, *rec.run.ExitCode)
	assert.Equal(t, models.ExecStatusFailed, rec.finished["b"])
}

func TestRunDefaultPlanFailure(t *testing.T) {
	l := newFakeLauncher()
	l.codes["Small caps enrichment"] = 2
	o := newTestOrchestrator(catalog.Default("python"), l, JoinWarn)

	out := o.Run(context.Background(), 0)

	assert.Equal(t, models.OutcomeFailure, out.Status)
	assert.Equal(t, 1, out.StageIndex)
	assert.Equal(t, 2, out.ExitCode)
	assert.Equal(t, []string{"Major indices ETL", "Small caps enrichment"}, l.Started())
}

func TestRunForkedFailureWarns(t *testing.T) {
	l := newFakeLauncher()
	l.codes["bg2"] = 1
	rec := newRecorder()
	o := newTestOrchestrator(testPlan(t), l, JoinWarn, rec)

	out := o.Run(context.Background(), 0)

	assert.True(t, out.Succeeded())
	assert.Equal(t, models.JoinedWithWarnings, out.Join.Kind)
	assert.Equal(t, map[string]int{"bg2": 1}, out.Join.Codes)
	assert.Equal(t, []string{"a", "b", "bg1", "bg2", "c", "d"}, l.Started())

	require.NotNil(t, rec.run)
	assert.Equal(t, models.RunStatusComplete, rec.run.Status)
	assert.Equal(t, map[string]int{"bg2": 1}, rec.run.JoinWarnings)
	assert.Equal(t, models.ExecStatusFailed, rec.finished["bg2"])
	assert.Equal(t, models.ExecStatusComplete, rec.finished["bg1"])
}

func TestRunForkedFailureWithFailPolicy(t *testing.T) {
	l := newFakeLauncher()
	l.codes["bg1"] = 3
	o := newTestOrchestrator(testPlan(t), l, JoinFail)

	out := o.Run(context.Background(), 0)

	assert.Equal(t, models.OutcomeFailure, out.Status)
	assert.Equal(t, 2, out.StageIndex)
	assert.Equal(t, 3, out.ExitCode)
	assert.Equal(t, models.JoinedWithWarnings, out.Join.Kind)
	assert.Equal(t, map[string]int{"bg1": 3}, out.Join.Codes)
	assert.ErrorContains(t, out.Err, "joined fork 2")
}

func TestRunJoinWaitsForForkedPipelines(t *testing.T) {
	l := newFakeLauncher()
	release := make(chan struct{})
	l.hold["bg1"] = release
	rec := newRecorder()
	o := newTestOrchestrator(testPlan(t), l, JoinWarn, rec)

	done := make(chan *models.Outcome, 1)
	go func() {
		done <- o.Run(context.Background(), 0)
	}()

	select {
	case <-done:
		t.Fatal("run finished before its forked pipeline")
	case <-time.After(200 * time.Millisecond):
	}

	// Later stages did not wait for the fork.
	assert.Equal(t, []string{"a", "b", "bg1", "bg2", "c", "d"}, l.Started())

	close(release)

	select {
	case out := <-done:
		assert.True(t, out.Succeeded())
		assert.Equal(t, models.JoinedOk, out.Join.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after the fork was released")
	}

	events := rec.Events()
	assert.Equal(t, "exec-finished:bg2", events[len(events)-2])
	assert.Equal(t, "run-finished", events[len(events)-1])
}

func TestRunResume(t *testing.T) {
	tests := []struct {
		name        string
		start       int
		wantStarted []string
		wantJoin    models.JoinKind
	}{
		{name: "from fork", start: 2, wantStarted: []string{"bg1", "bg2", "c", "d"}, wantJoin: models.JoinedOk},
		{name: "after fork", start: 3, wantStarted: []string{"c", "d"}, wantJoin: models.NotJoined},
		{name: "last stage", start: 4, wantStarted: []string{"d"}, wantJoin: models.NotJoined},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newFakeLauncher()
			rec := newRecorder()
			o := newTestOrchestrator(testPlan(t), l, JoinWarn, rec)

			out := o.Run(context.Background(), tt.start)

			assert.True(t, out.Succeeded())
			assert.Equal(t, tt.wantStarted, l.Started())
			assert.Equal(t, tt.wantJoin, out.Join.Kind)
			assert.Equal(t, tt.start, rec.run.StartIndex)
		})
	}
}

func TestRunStartOutOfRange(t *testing.T) {
	l := newFakeLauncher()
	rec := newRecorder()
	o := newTestOrchestrator(testPlan(t), l, JoinWarn, rec)

	out := o.Run(context.Background(), 9)

	assert.Equal(t, models.OutcomeFailure, out.Status)
	assert.Equal(t, -1, out.StageIndex)
	assert.ErrorIs(t, out.Err, catalog.ErrStartOutOfRange)
	assert.Empty(t, l.Started())
	assert.Equal(t, []string{"run-started", "run-finished"}, rec.Events())
}

func TestRunSequentialLaunchFailure(t *testing.T) {
	l := newFakeLauncher()
	l.launchErr["a"] = true
	rec := newRecorder()
	o := newTestOrchestrator(testPlan(t), l, JoinWarn, rec)

	out := o.Run(context.Background(), 0)

	assert.Equal(t, models.OutcomeFailure, out.Status)
	assert.Equal(t, 0, out.StageIndex)
	assert.Equal(t, -1, out.ExitCode)

	var launchErr *supervisor.LaunchError
	assert.ErrorAs(t, out.Err, &launchErr)
	assert.Equal(t, models.ExecStatusFailed, rec.finished["a"])
}

func TestRunForkLaunchFailureReapsSiblings(t *testing.T) {
	l := newFakeLauncher()
	release := make(chan struct{})
	l.hold["bg1"] = release
	l.launchErr["bg2"] = true
	rec := newRecorder()
	o := newTestOrchestrator(testPlan(t), l, JoinWarn, rec)

	out := o.Run(context.Background(), 0)

	assert.Equal(t, models.OutcomeFailure, out.Status)
	assert.Equal(t, 2, out.StageIndex)
	assert.Equal(t, -1, out.ExitCode)
	assert.Equal(t, []string{"a", "b", "bg1", "bg2"}, l.Started())

	close(release)
	o.WaitDetached()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, models.ExecStatusComplete, rec.finished["bg1"])
}

func TestRunAbortLeavesForkRunning(t *testing.T) {
	l := newFakeLauncher()
	release := make(chan struct{})
	l.hold["bg1"] = release
	l.codes["c"] = 4
	rec := newRecorder()
	o := newTestOrchestrator(testPlan(t), l, JoinWarn, rec)

	out := o.Run(context.Background(), 0)

	assert.Equal(t, 3, out.StageIndex)
	assert.Equal(t, 4, out.ExitCode)
	assert.Equal(t, models.NotJoined, out.Join.Kind)

	detached := make(chan struct{})
	go func() {
		o.WaitDetached()
		close(detached)
	}()

	select {
	case <-detached:
		t.Fatal("forked pipeline reaped before it exited")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)

	select {
	case <-detached:
	case <-time.After(5 * time.Second):
		t.Fatal("forked pipeline was never reaped")
	}

	events := rec.Events()
	assert.Contains(t, events, "exec-finished:bg1")
	assert.NotEqual(t, "run-finished", events[len(events)-1])
}

func TestRunCancelled(t *testing.T) {
	l := newFakeLauncher()
	o := newTestOrchestrator(testPlan(t), l, JoinWarn)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := o.Run(ctx, 0)

	assert.Equal(t, models.OutcomeFailure, out.Status)
	assert.Equal(t, 0, out.StageIndex)
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.Empty(t, l.Started())
}

func TestRunCancelledWhileJoining(t *testing.T) {
	b := catalog.NewBuilder("sh")
	b.Sequential("", b.Pipeline("prepare", "", []string{"sh", "-c", "exit 0"}, 1))
	fork := b.Fork("background", b.Pipeline("bg", "", []string{"sh", "-c", "sleep 30"}, 1))
	b.Join(fork)
	plan, err := b.Build()
	require.NoError(t, err)

	tests := []struct {
		name   string
		policy JoinPolicy
	}{
		{"warn", JoinWarn},
		{"fail", JoinFail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sup := supervisor.New(supervisor.Config{Output: io.Discard, WaitDelay: time.Second})
			o := newTestOrchestrator(plan, FromSupervisor(sup), tt.policy)

			ctx, cancel := context.WithCancel(context.Background())
			timer := time.AfterFunc(300*time.Millisecond, cancel)
			defer timer.Stop()
			defer cancel()

			start := time.Now()
			out := o.Run(ctx, 0)
			o.WaitDetached()

			assert.Less(t, time.Since(start), 10*time.Second)
			assert.False(t, out.Succeeded())
			assert.Equal(t, models.OutcomeFailure, out.Status)
			assert.Equal(t, fork, out.StageIndex)
			assert.Equal(t, -1, out.ExitCode)
			assert.ErrorIs(t, out.Err, context.Canceled)
		})
	}
}

func TestRunCancelledWhileJoiningHeldFork(t *testing.T) {
	l := newFakeLauncher()
	release := make(chan struct{})
	l.hold["bg1"] = release
	rec := newRecorder()
	o := newTestOrchestrator(testPlan(t), l, JoinWarn, rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan *models.Outcome, 1)
	go func() { done <- o.Run(ctx, 0) }()

	require.Eventually(t, func() bool {
		return len(l.Started()) == 6
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	close(release)

	var out *models.Outcome
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancellation")
	}

	assert.Equal(t, models.OutcomeFailure, out.Status)
	assert.Equal(t, 2, out.StageIndex)
	assert.Equal(t, -1, out.ExitCode)
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.Contains(t, rec.Events(), "run-finished")
}

func TestRunLogPaths(t *testing.T) {
	l := newFakeLauncher()
	logs := logLocatorFunc(func(runID string, stage int, pipeline string) (string, error) {
		if pipeline == "b" {
			return "", errors.New("disk full")
		}
		return "/logs/" + pipeline + ".log", nil
	})
	o := New(Config{Planner: testPlan(t), Launcher: l, Logs: logs})

	out := o.Run(context.Background(), 0)
	require.True(t, out.Succeeded(), "a missing log file never fails a run")

	paths := make(map[string]string)
	for _, req := range l.requests {
		paths[req.Pipeline.Name] = req.LogPath
		assert.Equal(t, req.Forked, req.Pipeline.Name == "bg1" || req.Pipeline.Name == "bg2")
	}
	assert.Equal(t, "/logs/a.log", paths["a"])
	assert.Equal(t, "", paths["b"])
	assert.Equal(t, 2, l.requests[2].Stage)
}

type logLocatorFunc func(runID string, stage int, pipeline string) (string, error)

func (f logLocatorFunc) LogPath(runID string, stage int, pipeline string) (string, error) {
	return f(runID, stage, pipeline)
}

func TestParseJoinPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    JoinPolicy
		wantErr bool
	}{
		{in: "", want: JoinWarn},
		{in: "warn", want: JoinWarn},
		{in: "fail", want: JoinFail},
		{in: "ignore", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseJoinPolicy(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}
