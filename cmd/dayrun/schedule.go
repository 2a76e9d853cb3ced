package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mpataki/dayrun/internal/catalog"
	"github.com/mpataki/dayrun/internal/metrics"
	"github.com/mpataki/dayrun/internal/models"
	"github.com/mpataki/dayrun/internal/orchestrator"
	"github.com/mpataki/dayrun/internal/report"
	"github.com/mpataki/dayrun/internal/server"
	"github.com/mpataki/dayrun/internal/trigger"
)

const retentionInterval = 24 * time.Hour

func newScheduleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the daily pipelines every day at the configured time",
		Long: "Schedule stays in the foreground, starts one run per daily window and serves\n" +
			"health, metrics and run history over HTTP. A plan file is reloaded when it changes.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := setup(cmd, os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			planner, err := a.schedulePlanner(ctx, a.planPath(cmd))
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			orch, err := a.orchestrator(planner, models.TriggerSchedule, os.Stdout,
				metrics.New(reg),
				report.NewConsole(os.Stdout),
			)
			if err != nil {
				return err
			}

			loop, err := trigger.New(trigger.Config{
				Window: trigger.Window{
					Timezone: a.cfg.Trigger.Timezone,
					Hour:     a.cfg.Trigger.Hour,
					Minute:   a.cfg.Trigger.Minute,
					Cron:     a.cfg.Trigger.Cron,
				},
				Runner:       orch,
				PollInterval: a.cfg.Trigger.PollInterval,
				Debounce:     a.cfg.Trigger.Debounce,
				Logger:       a.logger,
			})
			if err != nil {
				return err
			}

			g, ctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				return loop.Run(ctx)
			})

			if a.cfg.ListenAddr != "" {
				srv := server.New(server.Config{
					Store:    a.store,
					Gatherer: reg,
					Schedule: loop,
					Logger:   a.logger,
				})
				g.Go(func() error {
					err := srv.ListenAndServe(ctx, a.cfg.ListenAddr)
					if errors.Is(err, http.ErrServerClosed) {
						return nil
					}
					return err
				})
			}

			if a.cfg.RetentionDays > 0 {
				g.Go(func() error {
					a.pruneLoop(ctx)
					return nil
				})
			}

			err = g.Wait()
			orch.WaitDetached()
			return err
		},
	}

	cmd.Flags().String("plan", "", "Plan file (.yaml or .lua) instead of the built-in plan")
	return cmd
}

// schedulePlanner watches a plan file so edits apply to the next run without
// a restart. A plan that fails to reload keeps the previous one in effect.
func (a *app) schedulePlanner(ctx context.Context, path string) (orchestrator.Planner, error) {
	if path == "" {
		return catalog.Default(a.cfg.Interpreter), nil
	}

	w, err := catalog.NewWatcher(path, a.cfg.Interpreter)
	if err != nil {
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		w.Stop()
		return nil, err
	}

	go func() {
		defer w.Stop()
		for ev := range w.Events() {
			if ev.Error != nil {
				a.logger.Warn("plan reload failed, keeping previous plan", "path", ev.Path, "error", ev.Error)
				continue
			}
			a.logger.Info("plan reloaded", "path", ev.Path, "stages", len(ev.Catalog.Stages))
		}
	}()

	return w, nil
}

func (a *app) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()

	for {
		a.prune()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *app) prune() {
	cutoff := time.Now().AddDate(0, 0, -a.cfg.RetentionDays)

	runs, err := a.store.DeleteRunsBefore(cutoff)
	if err != nil {
		a.logger.Warn("failed to prune run journal", "error", err)
	}
	dirs, err := a.ws.PruneLogs(cutoff)
	if err != nil {
		a.logger.Warn("failed to prune run logs", "error", err)
	}
	if runs > 0 || dirs > 0 {
		a.logger.Info("pruned old runs", "runs", runs, "log_dirs", dirs, "cutoff", cutoff)
	}
}
