package supervisor

import (
	"strconv"
	"strings"
)

// DefaultKeywords mark a line as a completed step of a pipeline. The daily
// scripts log in French, so their vocabulary comes first.
var DefaultKeywords = []string{
	"étape", "step", "extraction", "nettoyage", "short", "midterm", "shortterm",
	"résumé", "visualisation", "enrich", "fiche", "json", "lecture", "sauvegarde", "df",
	"cleaning", "summary", "export", "load",
}

// ProgressDirective is the prefix of a structured progress line, e.g.
// "::progress 40". Programs that emit it are tracked exactly; everything else
// falls back to keyword counting.
const ProgressDirective = "::progress"

// Estimator turns a pipeline's output lines into a rough completion
// percentage. It is owned by a single execution and not safe for concurrent use.
type Estimator struct {
	increment  int
	keywords   []string
	value      int
	structured bool
}

func NewEstimator(expectedSteps int, keywords []string) *Estimator {
	if expectedSteps < 1 {
		expectedSteps = 1
	}
	lower := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			lower = append(lower, kw)
		}
	}
	return &Estimator{
		increment: 100 / expectedSteps,
		keywords:  lower,
	}
}

// Observe feeds one output line. It reports whether the line was a
// structured progress directive, which callers should not echo.
func (e *Estimator) Observe(line string) (directive bool) {
	if pct, ok := parseDirective(line); ok {
		e.structured = true
		if pct > e.value {
			e.value = pct
		}
		return true
	}

	if e.structured {
		return false
	}

	lower := strings.ToLower(line)
	for _, kw := range e.keywords {
		if strings.Contains(lower, kw) {
			e.value = min(e.value+e.increment, 100)
			break
		}
	}
	return false
}

func (e *Estimator) Value() int {
	return e.value
}

// Complete forces the estimate to 100 once the process has exited.
func (e *Estimator) Complete() int {
	e.value = 100
	return e.value
}

func parseDirective(line string) (int, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), ProgressDirective)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0, false
	}
	return max(0, min(n, 100)), true
}
