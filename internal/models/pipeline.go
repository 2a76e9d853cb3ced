package models

import "strings"

// PipelineSpec describes one external program of the daily run.
type PipelineSpec struct {
	Name          string   `yaml:"name"`
	Command       []string `yaml:"command"`
	ExpectedSteps int      `yaml:"steps"`
}

func (p PipelineSpec) String() string {
	return strings.Join(p.Command, " ")
}

type StageKind string

const (
	StageSequential StageKind = "sequential"
	StageFork       StageKind = "fork"
)

type Stage struct {
	Index   int
	Kind    StageKind
	Label   string
	Members []PipelineSpec
}

// JoinPoint waits for the processes started by the fork stage at index Fork.
// It runs before the stage with index At, or after the last stage when At is
// past the end of the plan.
type JoinPoint struct {
	Fork int
	At   int
}

type ExecutionPlan struct {
	Offset int
	Stages []Stage
	Joins  []JoinPoint
}

// JoinsAt returns the join points scheduled right before position at.
func (p *ExecutionPlan) JoinsAt(at int) []JoinPoint {
	var joins []JoinPoint
	for _, j := range p.Joins {
		if j.At == at {
			joins = append(joins, j)
		}
	}
	return joins
}

// End is the position after the last stage of the plan.
func (p *ExecutionPlan) End() int {
	if len(p.Stages) == 0 {
		return p.Offset
	}
	return p.Stages[len(p.Stages)-1].Index + 1
}
