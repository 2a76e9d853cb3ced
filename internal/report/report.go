package report

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"

	"github.com/mpataki/dayrun/internal/models"
	"github.com/mpataki/dayrun/internal/orchestrator"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	stageStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("111"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// Console prints a human-readable account of a run next to the pipelines'
// own output. It implements orchestrator.Observer.
type Console struct {
	orchestrator.NopObserver

	mu  sync.Mutex
	w   io.Writer
	bar progress.Model
}

func NewConsole(w io.Writer) *Console {
	return &Console{
		w:   w,
		bar: progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
	}
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, format, args...)
}

func (c *Console) RunStarted(run *models.Run, plan *models.ExecutionPlan) {
	if plan == nil {
		return
	}
	c.printf("\n%s %s\n",
		titleStyle.Render("Starting daily run"),
		dimStyle.Render(fmt.Sprintf("%s · from stage %d · %d stages", shortID(run.ID), run.StartIndex, len(plan.Stages))),
	)
}

func (c *Console) StageStarted(_ *models.Run, stage models.Stage) {
	c.printf("\n%s\n", stageStyle.Render(fmt.Sprintf("Stage %d · %s · %s", stage.Index, stage.Kind, stage.Label)))
}

func (c *Console) ExecutionStarted(_ *models.Run, exec *models.Execution) {
	if exec.Forked {
		pid := ""
		if exec.PID != nil {
			pid = fmt.Sprintf(" (pid %d)", *exec.PID)
		}
		c.printf("%s %s%s\n", dimStyle.Render("↳ launched in background:"), exec.Pipeline, pid)
		return
	}
	c.printf("%s %s\n", dimStyle.Render("▶ starting:"), exec.Pipeline)
}

// ExecutionProgress draws a static bar for foreground pipelines; background
// ones would interleave with them.
func (c *Console) ExecutionProgress(_ *models.Run, exec *models.Execution, pct int) {
	if exec.Forked {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, "%s %s\n", c.bar.ViewAs(float64(pct)/100), dimStyle.Render(exec.Pipeline))
}

func (c *Console) ExecutionFinished(_ *models.Run, exec *models.Execution, res models.RunResult, err error) {
	took := res.Finished.Sub(res.Started).Round(time.Second)
	if res.Succeeded() {
		c.printf("%s %s %s\n", okStyle.Render("✓"), exec.Pipeline, dimStyle.Render(took.String()))
		return
	}
	msg := fmt.Sprintf("failed with exit code %d", res.ExitCode)
	if err != nil {
		msg = err.Error()
	}
	c.printf("%s %s %s\n", failStyle.Render("✗"), exec.Pipeline, failStyle.Render(msg))
}

func (c *Console) RunFinished(run *models.Run, outcome *models.Outcome) {
	var b strings.Builder

	if len(outcome.Join.Codes) > 0 {
		names := make([]string, 0, len(outcome.Join.Codes))
		for name := range outcome.Join.Codes {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "%s %s\n", warnStyle.Render("! background pipeline failed:"),
				fmt.Sprintf("%s (exit code %d)", name, outcome.Join.Codes[name]))
		}
	}

	if outcome.Succeeded() {
		fmt.Fprintf(&b, "\n%s %s\n", okStyle.Render("All pipelines completed."), dimStyle.Render(shortID(run.ID)))
	} else {
		fmt.Fprintf(&b, "\n%s\n", failStyle.Render(fmt.Sprintf("Run stopped at stage %d (exit code %d).", outcome.StageIndex, outcome.ExitCode)))
		if outcome.Err != nil {
			fmt.Fprintf(&b, "%s\n", dimStyle.Render(outcome.Err.Error()))
		}
		if outcome.StageIndex >= 0 {
			fmt.Fprintf(&b, "%s\n", dimStyle.Render(fmt.Sprintf("Resume after fixing with: dayrun run --from %d", outcome.StageIndex)))
		}
	}

	c.printf("%s", b.String())
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
