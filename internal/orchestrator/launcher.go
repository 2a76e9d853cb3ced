package orchestrator

import (
	"context"

	"github.com/mpataki/dayrun/internal/models"
	"github.com/mpataki/dayrun/internal/supervisor"
)

// Launcher starts pipeline programs.
type Launcher interface {
	Start(ctx context.Context, req supervisor.Request) (Process, error)
}

// Process is a started pipeline program.
type Process interface {
	PID() int
	Wait() (models.RunResult, error)
}

// Planner produces the plan of a run starting at a given stage.
type Planner interface {
	Produce(start int) (*models.ExecutionPlan, error)
}

// LogLocator hands out the log file of one execution.
type LogLocator interface {
	LogPath(runID string, stage int, pipeline string) (string, error)
}

type supervisorLauncher struct {
	sup *supervisor.Supervisor
}

// FromSupervisor adapts a Supervisor to the Launcher interface.
func FromSupervisor(sup *supervisor.Supervisor) Launcher {
	return supervisorLauncher{sup: sup}
}

func (l supervisorLauncher) Start(ctx context.Context, req supervisor.Request) (Process, error) {
	p, err := l.sup.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	return p, nil
}
