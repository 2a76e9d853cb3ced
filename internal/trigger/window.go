package trigger

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Window is the daily moment a run starts. Cron, when set, replaces the
// Hour/Minute pair and may fire more than once a day.
type Window struct {
	Timezone string
	Hour     int
	Minute   int
	Cron     string
}

func (w Window) String() string {
	if w.Cron != "" {
		return fmt.Sprintf("%s (%s)", w.Cron, w.Timezone)
	}
	return fmt.Sprintf("%02d:%02d %s", w.Hour, w.Minute, w.Timezone)
}

// Expr is the cron expression the window is evaluated with.
func (w Window) Expr() string {
	expr := w.Cron
	if expr == "" {
		expr = fmt.Sprintf("%d %d * * *", w.Minute, w.Hour)
	}
	if !strings.HasPrefix(expr, "CRON_TZ=") && !strings.HasPrefix(expr, "TZ=") {
		expr = "CRON_TZ=" + w.Timezone + " " + expr
	}
	return expr
}

func (w Window) compile() (cron.Schedule, *time.Location, error) {
	loc, err := time.LoadLocation(w.Timezone)
	if err != nil {
		return nil, nil, fmt.Errorf("load timezone %q: %w", w.Timezone, err)
	}
	if w.Cron == "" {
		if w.Hour < 0 || w.Hour > 23 || w.Minute < 0 || w.Minute > 59 {
			return nil, nil, fmt.Errorf("invalid trigger time %02d:%02d", w.Hour, w.Minute)
		}
	}

	sched, err := cron.ParseStandard(w.Expr())
	if err != nil {
		return nil, nil, fmt.Errorf("parse trigger window %q: %w", w.Expr(), err)
	}
	return sched, loc, nil
}

// matches reports whether the calendar minute containing t is a window minute.
func matches(sched cron.Schedule, t time.Time) bool {
	minute := t.Truncate(time.Minute)
	return sched.Next(minute.Add(-time.Second)).Equal(minute)
}
