package models

import "time"

type ExecStatus string

const (
	ExecStatusRunning  ExecStatus = "running"
	ExecStatusComplete ExecStatus = "complete"
	ExecStatusFailed   ExecStatus = "failed"
)

type Execution struct {
	ID          int64
	RunID       string
	StageIndex  int
	Pipeline    string
	Forked      bool
	Status      ExecStatus
	ExitCode    *int
	Progress    int
	PID         *int
	LogPath     string
	StartedAt   *time.Time
	CompletedAt *time.Time
}
