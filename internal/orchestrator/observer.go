package orchestrator

import "github.com/mpataki/dayrun/internal/models"

// Observer is notified as a run progresses. ExecutionProgress is called from
// output reader goroutines, and ExecutionFinished may be called after
// RunFinished for forked pipelines left running by an aborted run, so
// implementations must be safe for concurrent use. RunStarted receives a nil
// plan when no plan could be produced.
type Observer interface {
	RunStarted(run *models.Run, plan *models.ExecutionPlan)
	StageStarted(run *models.Run, stage models.Stage)
	ExecutionStarted(run *models.Run, exec *models.Execution)
	ExecutionProgress(run *models.Run, exec *models.Execution, pct int)
	ExecutionFinished(run *models.Run, exec *models.Execution, res models.RunResult, err error)
	RunFinished(run *models.Run, outcome *models.Outcome)
}

// NopObserver can be embedded to implement only part of Observer.
type NopObserver struct{}

func (NopObserver) RunStarted(*models.Run, *models.ExecutionPlan)                             {}
func (NopObserver) StageStarted(*models.Run, models.Stage)                                    {}
func (NopObserver) ExecutionStarted(*models.Run, *models.Execution)                           {}
func (NopObserver) ExecutionProgress(*models.Run, *models.Execution, int)                     {}
func (NopObserver) ExecutionFinished(*models.Run, *models.Execution, models.RunResult, error) {}
func (NopObserver) RunFinished(*models.Run, *models.Outcome)                                  {}

type observers []Observer

func (o observers) RunStarted(run *models.Run, plan *models.ExecutionPlan) {
	for _, ob := range o {
		ob.RunStarted(run, plan)
	}
}

func (o observers) StageStarted(run *models.Run, stage models.Stage) {
	for _, ob := range o {
		ob.StageStarted(run, stage)
	}
}

func (o observers) ExecutionStarted(run *models.Run, exec *models.Execution) {
	for _, ob := range o {
		ob.ExecutionStarted(run, exec)
	}
}

func (o observers) ExecutionProgress(run *models.Run, exec *models.Execution, pct int) {
	for _, ob := range o {
		ob.ExecutionProgress(run, exec, pct)
	}
}

func (o observers) ExecutionFinished(run *models.Run, exec *models.Execution, res models.RunResult, err error) {
	for _, ob := range o {
		ob.ExecutionFinished(run, exec, res, err)
	}
}

func (o observers) RunFinished(run *models.Run, outcome *models.Outcome) {
	for _, ob := range o {
		ob.RunFinished(run, outcome)
	}
}
