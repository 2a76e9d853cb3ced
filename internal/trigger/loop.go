package trigger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mpataki/dayrun/internal/models"
)

const (
	DefaultPollInterval = 30 * time.Second
	DefaultDebounce     = 60 * time.Second
)

// Clock is the loop's view of time.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Runner starts a run from a given stage.
type Runner interface {
	Run(ctx context.Context, start int) *models.Outcome
}

type Config struct {
	Window       Window
	Runner       Runner
	Clock        Clock
	PollInterval time.Duration
	Debounce     time.Duration
	Logger       *slog.Logger
}

// Loop polls the clock and starts one run per window.
type Loop struct {
	window   Window
	schedule cron.Schedule
	loc      *time.Location
	runner   Runner
	clock    Clock
	poll     time.Duration
	debounce time.Duration
	logger   *slog.Logger

	// lastTriggered is the window minute of the last run, in loc. It is what
	// keeps a window from firing twice.
	mu            sync.Mutex
	lastTriggered time.Time
}

func New(cfg Config) (*Loop, error) {
	sched, loc, err := cfg.Window.compile()
	if err != nil {
		return nil, err
	}

	l := &Loop{
		window:   cfg.Window,
		schedule: sched,
		loc:      loc,
		runner:   cfg.Runner,
		clock:    cfg.Clock,
		poll:     cfg.PollInterval,
		debounce: cfg.Debounce,
		logger:   cfg.Logger,
	}
	if l.clock == nil {
		l.clock = systemClock{}
	}
	if l.poll <= 0 {
		l.poll = DefaultPollInterval
	}
	if l.debounce <= 0 {
		l.debounce = DefaultDebounce
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	l.logger = l.logger.With("module", "trigger", "window", cfg.Window.String())
	return l, nil
}

// Run polls until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("trigger loop started",
		"poll", l.poll,
		"next", l.Next(),
	)

	for {
		wait := l.poll
		if _, fired := l.Tick(ctx); fired {
			wait = l.debounce
		}

		select {
		case <-ctx.Done():
			l.logger.Info("trigger loop stopped")
			return nil
		case <-l.clock.After(wait):
		}
	}
}

// Tick starts a run if the current minute is a window minute that has not
// fired yet. It blocks for the duration of the run.
func (l *Loop) Tick(ctx context.Context) (*models.Outcome, bool) {
	now := l.clock.Now().In(l.loc)
	if !matches(l.schedule, now) {
		return nil, false
	}

	minute := now.Truncate(time.Minute)
	l.mu.Lock()
	if minute.Equal(l.lastTriggered) {
		l.mu.Unlock()
		return nil, false
	}
	l.lastTriggered = minute
	l.mu.Unlock()

	l.logger.Info("window reached, starting run", "at", now.Format(time.RFC3339))
	outcome := l.runner.Run(ctx, 0)

	if outcome.Succeeded() {
		l.logger.Info("scheduled run finished",
			"run_id", outcome.RunID,
			"join", outcome.Join.Kind,
			"next", l.Next(),
		)
	} else {
		l.logger.Error("scheduled run failed",
			"run_id", outcome.RunID,
			"stage", outcome.StageIndex,
			"exit_code", outcome.ExitCode,
			"error", outcome.Err,
			"next", l.Next(),
		)
	}
	return outcome, true
}

// Next is the next window start after now.
func (l *Loop) Next() time.Time {
	return l.schedule.Next(l.clock.Now().In(l.loc))
}

func (l *Loop) LastTriggered() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastTriggered
}
