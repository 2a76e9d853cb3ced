package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"text/tabwriter"
	_ "time/tzdata"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mpataki/dayrun/internal/catalog"
	"github.com/mpataki/dayrun/internal/config"
	"github.com/mpataki/dayrun/internal/models"
	"github.com/mpataki/dayrun/internal/orchestrator"
	"github.com/mpataki/dayrun/internal/report"
	"github.com/mpataki/dayrun/internal/storage"
	"github.com/mpataki/dayrun/internal/supervisor"
	"github.com/mpataki/dayrun/internal/telemetry"
	"github.com/mpataki/dayrun/internal/tui"
	"github.com/mpataki/dayrun/internal/workspace"
)

// errRunFailed is returned once the failure has already been reported.
var errRunFailed = errors.New("run failed")

func main() {
	os.Exit(execute(newRootCommand(), os.Stderr))
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "dayrun",
		Short:         "Daily batch pipeline orchestrator",
		Long:          "dayrun runs the daily chain of data pipelines, in order, once a day or on demand.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newScheduleCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newStatusCommand())
	return rootCmd
}

// execute runs the command and returns the process exit code. A failed run
// has already been reported by its observers.
func execute(cmd *cobra.Command, stderr io.Writer) int {
	err := cmd.Execute()
	if err == nil {
		return 0
	}
	if !errors.Is(err, errRunFailed) {
		fmt.Fprintln(stderr, "Error:", err)
	}
	return 1
}

// app holds what every command needs once the configuration is loaded.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *storage.Storage
	ws     *workspace.Workspace
}

func setup(cmd *cobra.Command, logOut io.Writer) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	logger := telemetry.SetupLogger(logOut, cfg.LogLevel, cfg.LogFormat)

	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ws, err := workspace.Open(cfg.ProjectRoot, cfg.LogsDir())
	if err != nil {
		store.Close()
		return nil, err
	}

	return &app{cfg: cfg, logger: logger, store: store, ws: ws}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// planPath is the --plan flag, else the configured plan file. Empty means
// the built-in plan.
func (a *app) planPath(cmd *cobra.Command) string {
	if p, _ := cmd.Flags().GetString("plan"); p != "" {
		return p
	}
	return a.cfg.PlanFile
}

func (a *app) loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default(a.cfg.Interpreter), nil
	}
	c, err := catalog.Load(path, a.cfg.Interpreter)
	if err != nil {
		return nil, fmt.Errorf("failed to load plan: %w", err)
	}
	return c, nil
}

func (a *app) orchestrator(planner orchestrator.Planner, trigger models.TriggerSource, out io.Writer, observers ...orchestrator.Observer) (*orchestrator.Orchestrator, error) {
	policy, err := orchestrator.ParseJoinPolicy(a.cfg.JoinPolicy)
	if err != nil {
		return nil, err
	}

	sup := supervisor.New(supervisor.Config{
		Dir:       a.ws.Root,
		Env:       a.cfg.Env,
		Keywords:  a.cfg.Keywords,
		Output:    out,
		Timeout:   a.cfg.StageTimeout,
		WaitDelay: a.cfg.WaitDelay,
		Logger:    a.logger,
	})

	return orchestrator.New(orchestrator.Config{
		Planner:    planner,
		Launcher:   orchestrator.FromSupervisor(sup),
		Logs:       a.ws,
		JoinPolicy: policy,
		Trigger:    trigger,
		Observers:  append([]orchestrator.Observer{orchestrator.NewJournal(a.store, a.logger)}, observers...),
		Logger:     a.logger,
	}), nil
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daily pipelines now",
		Long: "Run executes the plan once, starting at stage --from. Use the index printed by\n" +
			"a failed run to resume after fixing the failing pipeline.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			from, _ := cmd.Flags().GetInt("from")
			useTUI, _ := cmd.Flags().GetBool("tui")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if useTUI {
				return runTUI(ctx, cmd, from)
			}

			a, err := setup(cmd, os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			cat, err := a.loadCatalog(a.planPath(cmd))
			if err != nil {
				return err
			}

			orch, err := a.orchestrator(cat, models.TriggerManual, os.Stdout, report.NewConsole(os.Stdout))
			if err != nil {
				return err
			}

			outcome := orch.Run(ctx, from)
			orch.WaitDetached()

			if !outcome.Succeeded() {
				return errRunFailed
			}
			return nil
		},
	}

	cmd.Flags().Int("from", 0, "Stage index to start from")
	cmd.Flags().Bool("tui", false, "Show a live terminal view of the run")
	cmd.Flags().String("plan", "", "Plan file (.yaml or .lua) instead of the built-in plan")
	return cmd
}

// runTUI runs the plan behind the live view. Logs go to a file so they do
// not tear the screen.
func runTUI(ctx context.Context, cmd *cobra.Command, from int) error {
	a, err := setup(cmd, os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	logFile, err := os.OpenFile(filepath.Join(a.cfg.DataDir, "dayrun.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer logFile.Close()
	a.logger = telemetry.SetupLogger(logFile, a.cfg.LogLevel, a.cfg.LogFormat)

	cat, err := a.loadCatalog(a.planPath(cmd))
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	view := tui.NewApp(cancel, a.store)
	p := tea.NewProgram(view, tea.WithAltScreen(), tea.WithContext(ctx))

	orch, err := a.orchestrator(cat, models.TriggerManual, tui.NewOutputWriter(p), tui.NewObserver(p))
	if err != nil {
		return err
	}

	done := make(chan *models.Outcome, 1)
	go func() {
		done <- orch.Run(runCtx, from)
	}()

	_, err = p.Run()

	// Leaving the view early cancels the run.
	cancel()
	outcome := <-done
	orch.WaitDetached()

	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}

	report.NewConsole(os.Stdout).RunFinished(&models.Run{ID: outcome.RunID}, outcome)
	if !outcome.Succeeded() {
		return errRunFailed
	}
	return nil
}

func newPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the execution plan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			from, _ := cmd.Flags().GetInt("from")

			a, err := setup(cmd, os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			cat, err := a.loadCatalog(a.planPath(cmd))
			if err != nil {
				return err
			}

			plan, err := cat.Produce(from)
			if err != nil {
				return err
			}

			printPlan(os.Stdout, plan)
			return nil
		},
	}

	cmd.Flags().Int("from", 0, "Stage index to start from")
	cmd.Flags().String("plan", "", "Plan file (.yaml or .lua) instead of the built-in plan")
	return cmd
}

func printPlan(w io.Writer, plan *models.ExecutionPlan) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	for _, stage := range plan.Stages {
		for _, j := range plan.JoinsAt(stage.Index) {
			fmt.Fprintf(tw, "  \tjoin\tstage %d\t\n", j.Fork)
		}
		for i, member := range stage.Members {
			label := "\t\t"
			if i == 0 {
				label = fmt.Sprintf("%d\t%s\t%s", stage.Index, stage.Kind, stage.Label)
			}
			fmt.Fprintf(tw, "%s\t%s (%d steps)\t%s\n", label, member.Name, member.ExpectedSteps, member)
		}
	}
	for _, j := range plan.JoinsAt(plan.End()) {
		fmt.Fprintf(tw, "  \tjoin\tstage %d\t\n", j.Fork)
	}
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			runs, err := a.store.ListRuns(20)
			if err != nil {
				return err
			}

			if len(runs) == 0 {
				fmt.Println("No runs found.")
				return nil
			}

			for _, run := range runs {
				line := fmt.Sprintf("%s %-8s [%s] from %d, %s",
					shortID(run.ID), run.Trigger, run.Status, run.StartIndex,
					storage.FormatTimeAgo(run.CreatedAt))
				if run.FailedStage != nil {
					line += fmt.Sprintf(" (failed at stage %d)", *run.FailedStage)
				}
				fmt.Println(line)
			}

			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show run status",
		Long:  "Status shows a run's executions. Any unambiguous prefix of the run id works.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			run, err := a.store.FindRun(args[0])
			if err != nil {
				return fmt.Errorf("failed to get run: %w", err)
			}

			fmt.Printf("Run %s\n", run.ID)
			fmt.Printf("Status: %s\n", run.Status)
			fmt.Printf("Trigger: %s\n", run.Trigger)
			fmt.Printf("Started: %s (stage %d)\n", run.CreatedAt.Format("2006-01-02 15:04:05"), run.StartIndex)
			if run.CompletedAt != nil {
				fmt.Printf("Finished: %s\n", run.CompletedAt.Format("2006-01-02 15:04:05"))
			}
			if run.Error != "" {
				fmt.Printf("Error: %s\n", run.Error)
			}
			names := make([]string, 0, len(run.JoinWarnings))
			for name := range run.JoinWarnings {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Printf("Warning: background pipeline %s exited with code %d\n", name, run.JoinWarnings[name])
			}
			if run.Status == models.RunStatusFailed && run.FailedStage != nil && *run.FailedStage >= 0 {
				fmt.Printf("Resume with: dayrun run --from %d\n", *run.FailedStage)
			}

			execs, err := a.store.GetExecutionsForRun(run.ID)
			if err != nil {
				return err
			}

			if len(execs) > 0 {
				fmt.Println("\nExecutions:")
				for _, exec := range execs {
					status := string(exec.Status)
					if exec.ExitCode != nil {
						status += fmt.Sprintf(" (exit %d)", *exec.ExitCode)
					}
					forked := ""
					if exec.Forked {
						forked = " (background)"
					}
					fmt.Printf("  %2d. %s [%s]%s\n", exec.StageIndex, exec.Pipeline, status, forked)
					if exec.LogPath != "" {
						fmt.Printf("      log: %s\n", exec.LogPath)
					}
				}
			}

			return nil
		},
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
