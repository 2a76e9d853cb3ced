package models

import "time"

type ExitStatus string

const (
	ExitSuccess ExitStatus = "success"
	ExitFailure ExitStatus = "failure"
)

// RunResult is produced once per execution of a pipeline.
type RunResult struct {
	Pipeline PipelineSpec
	Status   ExitStatus
	ExitCode int
	Progress int
	PID      int
	Started  time.Time
	Finished time.Time
}

func (r RunResult) Succeeded() bool {
	return r.Status == ExitSuccess
}

type JoinKind string

const (
	NotJoined          JoinKind = "not_joined"
	JoinedOk           JoinKind = "joined_ok"
	JoinedWithWarnings JoinKind = "joined_with_warnings"
)

type JoinOutcome struct {
	Kind  JoinKind
	Codes map[string]int // pipeline name -> nonzero exit code
}

type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeFailure OutcomeStatus = "failure"
)

// Outcome is the result of a whole run.
type Outcome struct {
	RunID      string
	Status     OutcomeStatus
	StageIndex int
	ExitCode   int
	Err        error
	Join       JoinOutcome
	Results    []RunResult
}

func (o *Outcome) Succeeded() bool {
	return o.Status == OutcomeSuccess
}
