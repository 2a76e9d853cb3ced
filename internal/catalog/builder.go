package catalog

import (
	"errors"
	"fmt"

	"github.com/mpataki/dayrun/internal/models"
)

var (
	ErrInvalidPlan     = errors.New("invalid execution plan")
	ErrStartOutOfRange = errors.New("start index out of range")
)

// Catalog is the full, ordered set of stages of a daily run.
type Catalog struct {
	Stages []models.Stage
	Joins  []models.JoinPoint
}

// Builder assembles a Catalog stage by stage. Plan files (YAML or Lua) and the
// built-in catalog all go through it so they share one set of rules.
type Builder struct {
	interpreter string
	stages      []models.Stage
	joins       []models.JoinPoint
	errs        []error
}

func NewBuilder(interpreter string) *Builder {
	return &Builder{interpreter: interpreter}
}

func (b *Builder) SetInterpreter(interpreter string) {
	b.interpreter = interpreter
}

// Pipeline builds a PipelineSpec. A script is run with the builder's
// interpreter; an explicit command is used as is. Zero steps means one.
func (b *Builder) Pipeline(name, script string, command []string, steps int) models.PipelineSpec {
	if steps == 0 {
		steps = 1
	}
	p := models.PipelineSpec{Name: name, ExpectedSteps: steps}
	switch {
	case len(command) > 0:
		p.Command = append([]string(nil), command...)
	case script != "" && b.interpreter != "":
		p.Command = []string{b.interpreter, script}
	case script != "":
		p.Command = []string{script}
	}
	if p.Name == "" {
		p.Name = script
	}
	return p
}

// Sequential appends a stage whose members run one after the other and
// returns its index.
func (b *Builder) Sequential(label string, members ...models.PipelineSpec) int {
	return b.add(models.StageSequential, label, members)
}

// Fork appends a stage whose members are launched together without waiting.
func (b *Builder) Fork(label string, members ...models.PipelineSpec) int {
	return b.add(models.StageFork, label, members)
}

// Join waits for the fork at index fork before the next stage appended.
func (b *Builder) Join(fork int) {
	if fork < 0 || fork >= len(b.stages) {
		b.errs = append(b.errs, fmt.Errorf("join references unknown stage %d", fork))
		return
	}
	b.joins = append(b.joins, models.JoinPoint{Fork: fork, At: len(b.stages)})
}

func (b *Builder) add(kind models.StageKind, label string, members []models.PipelineSpec) int {
	idx := len(b.stages)
	if label == "" && len(members) > 0 {
		label = members[0].Name
	}
	b.stages = append(b.stages, models.Stage{
		Index:   idx,
		Kind:    kind,
		Label:   label,
		Members: append([]models.PipelineSpec(nil), members...),
	})
	return idx
}

func (b *Builder) Build() (*Catalog, error) {
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPlan, errors.Join(b.errs...))
	}
	c := &Catalog{Stages: b.stages, Joins: b.joins}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) Validate() error {
	if len(c.Stages) == 0 {
		return fmt.Errorf("%w: no stages", ErrInvalidPlan)
	}

	for i, s := range c.Stages {
		if s.Index != i {
			return fmt.Errorf("%w: stage %d has index %d", ErrInvalidPlan, i, s.Index)
		}
		if s.Kind != models.StageSequential && s.Kind != models.StageFork {
			return fmt.Errorf("%w: stage %d has unknown kind %q", ErrInvalidPlan, i, s.Kind)
		}
		if len(s.Members) == 0 {
			return fmt.Errorf("%w: stage %d has no pipelines", ErrInvalidPlan, i)
		}
		for _, m := range s.Members {
			if m.Name == "" {
				return fmt.Errorf("%w: stage %d has a pipeline without a name", ErrInvalidPlan, i)
			}
			if len(m.Command) == 0 {
				return fmt.Errorf("%w: pipeline %q has no command", ErrInvalidPlan, m.Name)
			}
			if m.ExpectedSteps < 1 {
				return fmt.Errorf("%w: pipeline %q must expect at least one step", ErrInvalidPlan, m.Name)
			}
		}
	}

	joined := make(map[int]int)
	for _, j := range c.Joins {
		if j.Fork < 0 || j.Fork >= len(c.Stages) || c.Stages[j.Fork].Kind != models.StageFork {
			return fmt.Errorf("%w: join references stage %d which is not a fork", ErrInvalidPlan, j.Fork)
		}
		if j.At <= j.Fork || j.At > len(c.Stages) {
			return fmt.Errorf("%w: join of fork %d at position %d", ErrInvalidPlan, j.Fork, j.At)
		}
		joined[j.Fork]++
	}

	for _, s := range c.Stages {
		if s.Kind != models.StageFork {
			continue
		}
		if n := joined[s.Index]; n != 1 {
			return fmt.Errorf("%w: fork stage %d has %d join points, want exactly one", ErrInvalidPlan, s.Index, n)
		}
	}

	return nil
}

// Produce returns the plan restricted to stages at or after start. Join
// points whose fork was skipped are dropped since nothing would be awaited.
func (c *Catalog) Produce(start int) (*models.ExecutionPlan, error) {
	if start < 0 || start >= len(c.Stages) {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrStartOutOfRange, start, len(c.Stages))
	}

	plan := &models.ExecutionPlan{
		Offset: start,
		Stages: append([]models.Stage(nil), c.Stages[start:]...),
	}
	for _, j := range c.Joins {
		if j.Fork >= start {
			plan.Joins = append(plan.Joins, j)
		}
	}
	return plan, nil
}
