package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mpataki/dayrun/internal/models"
	"github.com/mpataki/dayrun/internal/storage"
	"github.com/mpataki/dayrun/internal/workspace"
)

type View int

const (
	ViewLive View = iota
	ViewRunList
	ViewRunDetail
	ViewOutput
)

const (
	maxOutputLines = 500
	logTailLines   = 200
)

// RunStore is the part of the run journal the history views read.
type RunStore interface {
	ListRuns(limit int) ([]*models.Run, error)
	GetExecutionsForRun(runID string) ([]*models.Execution, error)
}

type row struct {
	stage    int
	name     string
	forked   bool
	status   models.ExecStatus
	progress int
	exitCode *int
	started  time.Time
	finished time.Time
}

// App shows a run while it executes and, when a journal is attached, the
// history of earlier runs.
type App struct {
	cancel context.CancelFunc
	store  RunStore

	view       View
	run        *models.Run
	stage      *models.Stage
	stageCount int
	rows       []*row
	rowIndex   map[string]*row
	output     []string
	outcome    *models.Outcome
	cancelling bool

	runs            []*models.Run
	selectedIdx     int
	selectedRun     *models.Run
	executions      []*models.Execution
	selectedExecIdx int
	outputContent   []string

	bar     progress.Model
	spinner spinner.Model
	width   int
	height  int
	err     error
}

// NewApp builds the live view. cancel aborts the run; store may be nil.
func NewApp(cancel context.CancelFunc, store RunStore) *App {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = statusRunning

	return &App{
		cancel:   cancel,
		store:    store,
		view:     ViewLive,
		rowIndex: make(map[string]*row),
		bar:      progress.New(progress.WithDefaultGradient(), progress.WithWidth(30)),
		spinner:  s,
	}
}

// Outcome is the result of the run, or nil while it is still executing.
func (a *App) Outcome() *models.Outcome {
	return a.outcome
}

func (a *App) Init() tea.Cmd {
	return a.spinner.Tick
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		return a, nil

	case spinner.TickMsg:
		if a.outcome != nil {
			return a, nil
		}
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case runStartedMsg:
		a.run = &msg.run
		a.setPlan(msg.plan)
		return a, nil

	case stageStartedMsg:
		stage := msg.stage
		a.stage = &stage
		return a, nil

	case execStartedMsg:
		r := a.rowFor(msg.stage, msg.pipeline, msg.forked)
		r.status = models.ExecStatusRunning
		r.started = msg.at
		return a, nil

	case progressMsg:
		r := a.rowFor(msg.stage, msg.pipeline, false)
		if msg.pct > r.progress {
			r.progress = msg.pct
		}
		return a, nil

	case execFinishedMsg:
		r := a.rowFor(msg.stage, msg.pipeline, false)
		r.status = msg.status
		r.exitCode = &msg.exitCode
		r.progress = 100
		r.finished = msg.at
		return a, nil

	case outputMsg:
		a.output = append(a.output, string(msg))
		if len(a.output) > maxOutputLines {
			a.output = a.output[len(a.output)-maxOutputLines:]
		}
		return a, nil

	case runFinishedMsg:
		a.run = &msg.run
		a.outcome = msg.outcome
		if a.cancelling {
			return a, tea.Quit
		}
		return a, nil

	case runsLoadedMsg:
		a.runs = msg.runs
		a.err = msg.err
		if a.selectedIdx >= len(a.runs) {
			a.selectedIdx = max(0, len(a.runs)-1)
		}
		return a, nil

	case tickMsg:
		if a.view == ViewRunList {
			return a, tea.Batch(a.loadRuns, a.tickCmd())
		}
		return a, nil

	case runDetailMsg:
		a.err = msg.err
		if msg.err == nil {
			a.selectedRun = msg.run
			a.executions = msg.executions
			a.selectedExecIdx = 0
			a.view = ViewRunDetail
		}
		return a, nil

	case outputLoadedMsg:
		if msg.err != nil {
			a.err = msg.err
		} else {
			a.outputContent = msg.lines
			a.view = ViewOutput
		}
		return a, nil
	}

	return a, nil
}

func (a *App) setPlan(plan *models.ExecutionPlan) {
	a.rows = nil
	a.rowIndex = make(map[string]*row)
	if plan == nil {
		return
	}
	a.stageCount = plan.End()
	for _, stage := range plan.Stages {
		for _, member := range stage.Members {
			a.rowFor(stage.Index, member.Name, stage.Kind == models.StageFork)
		}
	}
}

func (a *App) rowFor(stage int, pipeline string, forked bool) *row {
	key := fmt.Sprintf("%d/%s", stage, pipeline)
	if r, ok := a.rowIndex[key]; ok {
		if forked {
			r.forked = true
		}
		return r
	}
	r := &row{stage: stage, name: pipeline, forked: forked}
	a.rows = append(a.rows, r)
	a.rowIndex[key] = r
	return r
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		if a.outcome != nil {
			return a, tea.Quit
		}
		if !a.cancelling {
			a.cancelling = true
			if a.cancel != nil {
				a.cancel()
			}
		}
		return a, nil
	}

	switch a.view {
	case ViewLive:
		return a.handleLiveKey(msg)
	case ViewRunList:
		return a.handleRunListKey(msg)
	case ViewRunDetail:
		return a.handleRunDetailKey(msg)
	case ViewOutput:
		return a.handleOutputKey(msg)
	}
	return a, nil
}

func (a *App) handleLiveKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q":
		if a.outcome != nil {
			return a, tea.Quit
		}

	case "h":
		if a.store != nil {
			a.view = ViewRunList
			return a, tea.Batch(a.loadRuns, a.tickCmd())
		}
	}
	return a, nil
}

func (a *App) handleRunListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewLive

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.runs)-1 {
			a.selectedIdx++
		}

	case "enter":
		if len(a.runs) > 0 && a.selectedIdx < len(a.runs) {
			return a, a.loadRunDetail(a.runs[a.selectedIdx])
		}

	case "r":
		return a, a.loadRuns
	}

	return a, nil
}

func (a *App) handleRunDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunList
		a.selectedRun = nil
		a.executions = nil
		a.selectedExecIdx = 0

	case "up", "k":
		if a.selectedExecIdx > 0 {
			a.selectedExecIdx--
		}

	case "down", "j":
		if a.selectedExecIdx < len(a.executions)-1 {
			a.selectedExecIdx++
		}

	case "enter", "o":
		if len(a.executions) > 0 && a.selectedExecIdx < len(a.executions) {
			exec := a.executions[a.selectedExecIdx]
			if exec.LogPath != "" {
				return a, a.loadOutput(exec.LogPath)
			}
		}
	}

	return a, nil
}

func (a *App) handleOutputKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunDetail
		a.outputContent = nil
	}
	return a, nil
}

func (a *App) View() string {
	switch a.view {
	case ViewLive:
		return a.viewLive()
	case ViewRunList:
		return a.viewRunList()
	case ViewRunDetail:
		return a.viewRunDetail()
	case ViewOutput:
		return a.viewOutput()
	}
	return ""
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusComplete = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusPending  = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func (a *App) viewLive() string {
	s := titleStyle.Render("dayrun")
	switch {
	case a.outcome != nil && a.outcome.Succeeded():
		s += "  " + statusComplete.Render("✓ complete")
	case a.outcome != nil:
		s += "  " + statusFailed.Render("✗ failed")
	case a.cancelling:
		s += "  " + statusFailed.Render("cancelling...")
	default:
		s += "  " + statusRunning.Render("● running")
	}
	if a.run != nil {
		s += "  " + dimStyle.Render(shortID(a.run.ID))
	}
	s += "\n\n"

	if a.stage != nil {
		s += labelStyle.Render(fmt.Sprintf("Stage %d of %d · %s · ", a.stage.Index, a.stageCount, a.stage.Kind)) + a.stage.Label + "\n\n"
	}

	if len(a.rows) == 0 {
		s += dimStyle.Render("(waiting for plan)") + "\n"
	}
	for _, r := range a.rows {
		s += a.formatRow(r) + "\n"
	}

	if a.outcome != nil {
		s += "\n" + a.formatOutcome() + "\n"
	}

	s += "\nOutput\n"
	s += "──────\n"
	for _, line := range a.visibleOutput() {
		s += dimStyle.Render(truncate(line, a.lineWidth())) + "\n"
	}

	help := "[ctrl+c] cancel run"
	if a.outcome != nil {
		help = "[q] quit"
	}
	if a.store != nil {
		help += "  [h] history"
	}
	s += "\n" + helpStyle.Render(help)

	return s
}

func (a *App) formatRow(r *row) string {
	var glyph string
	switch r.status {
	case models.ExecStatusRunning:
		glyph = a.spinner.View()
	case models.ExecStatusComplete:
		glyph = statusComplete.Render("✓")
	case models.ExecStatusFailed:
		glyph = statusFailed.Render("✗")
	default:
		glyph = statusPending.Render("○")
	}

	line := fmt.Sprintf("%2d  %-26s %s  %s", r.stage, truncate(r.name, 26), glyph, a.bar.ViewAs(float64(r.progress)/100))

	switch {
	case r.status == models.ExecStatusFailed && r.exitCode != nil:
		line += "  " + statusFailed.Render(fmt.Sprintf("exit:%d", *r.exitCode))
	case !r.finished.IsZero():
		line += "  " + dimStyle.Render(formatDuration(r.finished.Sub(r.started)))
	case !r.started.IsZero():
		line += "  " + statusRunning.Render(formatDuration(time.Since(r.started))+"...")
	}
	if r.forked {
		line += "  " + dimStyle.Render("(background)")
	}
	return line
}

func (a *App) formatOutcome() string {
	o := a.outcome
	var s string
	if o.Succeeded() {
		s = statusComplete.Render("All pipelines completed.")
	} else {
		s = statusFailed.Render(fmt.Sprintf("Run stopped at stage %d (exit code %d).", o.StageIndex, o.ExitCode))
		if o.StageIndex >= 0 {
			s += "\n" + dimStyle.Render(fmt.Sprintf("Resume with: dayrun run --from %d", o.StageIndex))
		}
	}
	names := make([]string, 0, len(o.Join.Codes))
	for name := range o.Join.Codes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s += "\n" + statusRunning.Render(fmt.Sprintf("! %s exited with code %d", name, o.Join.Codes[name]))
	}
	return s
}

func (a *App) visibleOutput() []string {
	n := 8
	if a.height > 0 {
		n = max(3, a.height-len(a.rows)-14)
	}
	if len(a.output) <= n {
		return a.output
	}
	return a.output[len(a.output)-n:]
}

func (a *App) lineWidth() int {
	if a.width > 10 {
		return a.width - 2
	}
	return 120
}

func (a *App) viewRunList() string {
	s := titleStyle.Render("Run history") + "\n\n"

	if a.err != nil {
		s += fmt.Sprintf("Error: %v\n", a.err)
	}

	if len(a.runs) == 0 {
		s += "No runs recorded yet.\n"
	} else {
		s += "Recent Runs\n"
		s += "───────────\n"

		for i, run := range a.runs {
			line := a.formatRunLine(run)
			if i == a.selectedIdx {
				line = selectedStyle.Render("▶ " + line)
			} else if run.Status != models.RunStatusRunning {
				line = "  " + dimStyle.Render(line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] view  [r] refresh  [esc] back")

	return s
}

func (a *App) formatRunLine(run *models.Run) string {
	status := formatStatus(run.Status)
	age := storage.FormatTimeAgo(run.CreatedAt)
	line := fmt.Sprintf("%-8s %-8s %s  %-9s from %d", shortID(run.ID), run.Trigger, status, age, run.StartIndex)
	if run.FailedStage != nil {
		line += fmt.Sprintf("  failed at %d", *run.FailedStage)
	}
	return line
}

func formatStatus(status models.RunStatus) string {
	switch status {
	case models.RunStatusRunning:
		return statusRunning.Render("● running")
	case models.RunStatusComplete:
		return statusComplete.Render("✓ complete")
	case models.RunStatusFailed:
		return statusFailed.Render("✗ failed")
	default:
		return string(status)
	}
}

func (a *App) viewRunDetail() string {
	if a.selectedRun == nil {
		return "No run selected"
	}

	run := a.selectedRun

	header := fmt.Sprintf("Run %s", shortID(run.ID))
	s := titleStyle.Render(header) + "  " + formatStatus(run.Status) + "\n\n"

	s += labelStyle.Render("Trigger: ") + string(run.Trigger) + "\n"
	s += labelStyle.Render("Started: ") + run.CreatedAt.Format(time.DateTime) + "\n"
	if run.FailedStage != nil {
		s += labelStyle.Render("Resume:  ") + fmt.Sprintf("dayrun run --from %d", *run.FailedStage) + "\n"
	}
	if run.Error != "" {
		s += labelStyle.Render("Error:   ") + statusFailed.Render(run.Error) + "\n"
	}
	s += "\n"

	s += "Executions\n"
	s += "──────────\n"

	if len(a.executions) == 0 {
		s += "(no executions)\n"
	}
	for i, exec := range a.executions {
		status := "○"
		switch exec.Status {
		case models.ExecStatusComplete:
			status = statusComplete.Render("✓")
		case models.ExecStatusRunning:
			status = statusRunning.Render("●")
		case models.ExecStatusFailed:
			status = statusFailed.Render("✗")
		}

		exitCode := ""
		if exec.ExitCode != nil {
			if *exec.ExitCode == 0 {
				exitCode = dimStyle.Render("exit:0")
			} else {
				exitCode = statusFailed.Render(fmt.Sprintf("exit:%d", *exec.ExitCode))
			}
		}

		duration := ""
		if exec.StartedAt != nil && exec.CompletedAt != nil {
			duration = dimStyle.Render(formatDuration(exec.CompletedAt.Sub(*exec.StartedAt)))
		}

		line := fmt.Sprintf("%2d. %-26s %s", exec.StageIndex, truncate(exec.Pipeline, 26), status)
		if exitCode != "" {
			line += "  " + exitCode
		}
		if duration != "" {
			line += "  " + fmt.Sprintf("%6s", duration)
		}
		if exec.Forked {
			line += "  " + dimStyle.Render("(background)")
		}

		if i == a.selectedExecIdx {
			line = selectedStyle.Render("▶ " + line)
		} else {
			line = "  " + line
		}
		s += line + "\n"
	}

	s += "\n" + helpStyle.Render("[↑/↓] select  [o] log  [esc] back")

	return s
}

func (a *App) viewOutput() string {
	s := titleStyle.Render("Log") + "\n\n"

	if len(a.outputContent) == 0 {
		s += "(no output)\n"
	} else {
		s += strings.Join(a.outputContent, "\n") + "\n"
	}

	s += "\n" + helpStyle.Render("[esc] back")

	return s
}

// Messages

type runsLoadedMsg struct {
	runs []*models.Run
	err  error
}

type runDetailMsg struct {
	run        *models.Run
	executions []*models.Execution
	err        error
}

type outputLoadedMsg struct {
	lines []string
	err   error
}

// Commands

func (a *App) loadRuns() tea.Msg {
	runs, err := a.store.ListRuns(20)
	return runsLoadedMsg{runs: runs, err: err}
}

func (a *App) loadRunDetail(run *models.Run) tea.Cmd {
	return func() tea.Msg {
		execs, err := a.store.GetExecutionsForRun(run.ID)
		return runDetailMsg{run: run, executions: execs, err: err}
	}
}

func (a *App) loadOutput(path string) tea.Cmd {
	return func() tea.Msg {
		lines, err := workspace.Tail(path, logTailLines)
		if err != nil {
			return outputLoadedMsg{err: fmt.Errorf("read log: %w", err)}
		}
		return outputLoadedMsg{lines: lines}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
