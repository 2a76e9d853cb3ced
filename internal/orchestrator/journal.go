package orchestrator

import (
	"log/slog"
	"sync"

	"github.com/mpataki/dayrun/internal/models"
	"github.com/mpataki/dayrun/internal/storage"
)

// Journal records runs and executions in the run journal. Write failures are
// logged and never affect the run itself.
type Journal struct {
	NopObserver

	mu     sync.Mutex
	store  *storage.Storage
	logger *slog.Logger
}

func NewJournal(store *storage.Storage, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{store: store, logger: logger.With("module", "journal")}
}

func (j *Journal) RunStarted(run *models.Run, _ *models.ExecutionPlan) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.store.CreateRun(run); err != nil {
		j.logger.Warn("failed to record run", "run_id", run.ID, "error", err)
	}
}

func (j *Journal) ExecutionStarted(run *models.Run, exec *models.Execution) {
	j.mu.Lock()
	defer j.mu.Unlock()
	id, err := j.store.CreateExecution(exec)
	if err != nil {
		j.logger.Warn("failed to record execution", "run_id", run.ID, "pipeline", exec.Pipeline, "error", err)
		return
	}
	exec.ID = id
}

func (j *Journal) ExecutionFinished(run *models.Run, exec *models.Execution, _ models.RunResult, _ error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if exec.ID == 0 {
		return
	}
	if err := j.store.UpdateExecution(exec); err != nil {
		j.logger.Warn("failed to update execution", "run_id", run.ID, "pipeline", exec.Pipeline, "error", err)
	}
}

func (j *Journal) RunFinished(run *models.Run, _ *models.Outcome) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.store.UpdateRun(run); err != nil {
		j.logger.Warn("failed to update run", "run_id", run.ID, "error", err)
	}
}
