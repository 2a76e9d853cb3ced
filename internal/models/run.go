package models

import "time"

type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

type TriggerSource string

const (
	TriggerManual   TriggerSource = "manual"
	TriggerSchedule TriggerSource = "schedule"
)

type Run struct {
	ID           string
	CreatedAt    time.Time
	CompletedAt  *time.Time
	Trigger      TriggerSource
	StartIndex   int
	Status       RunStatus
	FailedStage  *int
	ExitCode     *int
	JoinWarnings map[string]int
	Error        string
}
