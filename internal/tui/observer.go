package tui

import (
	"bytes"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mpataki/dayrun/internal/models"
)

type runStartedMsg struct {
	run  models.Run
	plan *models.ExecutionPlan
}

type stageStartedMsg struct {
	stage models.Stage
}

type execStartedMsg struct {
	stage    int
	pipeline string
	forked   bool
	at       time.Time
}

type progressMsg struct {
	stage    int
	pipeline string
	pct      int
}

type execFinishedMsg struct {
	stage    int
	pipeline string
	status   models.ExecStatus
	exitCode int
	at       time.Time
}

type runFinishedMsg struct {
	run     models.Run
	outcome *models.Outcome
}

type outputMsg string

// Observer forwards run events to a running tea.Program. Messages carry
// copies, since the orchestrator keeps mutating its records.
type Observer struct {
	send func(tea.Msg)
}

func NewObserver(p *tea.Program) *Observer {
	return &Observer{send: p.Send}
}

func (o *Observer) RunStarted(run *models.Run, plan *models.ExecutionPlan) {
	o.send(runStartedMsg{run: *run, plan: plan})
}

func (o *Observer) StageStarted(_ *models.Run, stage models.Stage) {
	o.send(stageStartedMsg{stage: stage})
}

func (o *Observer) ExecutionStarted(_ *models.Run, exec *models.Execution) {
	at := time.Now()
	if exec.StartedAt != nil {
		at = *exec.StartedAt
	}
	o.send(execStartedMsg{stage: exec.StageIndex, pipeline: exec.Pipeline, forked: exec.Forked, at: at})
}

func (o *Observer) ExecutionProgress(_ *models.Run, exec *models.Execution, pct int) {
	o.send(progressMsg{stage: exec.StageIndex, pipeline: exec.Pipeline, pct: pct})
}

func (o *Observer) ExecutionFinished(_ *models.Run, exec *models.Execution, res models.RunResult, _ error) {
	status := models.ExecStatusComplete
	if !res.Succeeded() {
		status = models.ExecStatusFailed
	}
	o.send(execFinishedMsg{
		stage:    exec.StageIndex,
		pipeline: exec.Pipeline,
		status:   status,
		exitCode: res.ExitCode,
		at:       res.Finished,
	})
}

func (o *Observer) RunFinished(run *models.Run, outcome *models.Outcome) {
	o.send(runFinishedMsg{run: *run, outcome: outcome})
}

// OutputWriter turns pipeline output into output lines of the live view.
type OutputWriter struct {
	send func(tea.Msg)

	mu  sync.Mutex
	buf []byte
}

func NewOutputWriter(p *tea.Program) *OutputWriter {
	return &OutputWriter{send: p.Send}
}

func (w *OutputWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	w.buf = append(w.buf, b...)
	var lines []string
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(bytes.TrimRight(w.buf[:i], "\r")))
		w.buf = w.buf[i+1:]
	}
	w.mu.Unlock()

	for _, line := range lines {
		w.send(outputMsg(line))
	}
	return len(b), nil
}
