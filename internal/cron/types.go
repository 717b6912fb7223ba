package cron

import (
	"time"

	"github.com/google/uuid"
)

// Task names the host-loop work a job triggers.
type Task string

const (
	TaskAutosave    Task = "autosave"
	TaskDeepArchive Task = "deep-archive"
	TaskSummarize   Task = "summarize"
)

type Payload struct {
	Task Task   `json:"task"`
	Note string `json:"note,omitempty"`
}

type JobState struct {
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
	Runs        int    `json:"runs"`
}

// CronJob is a wall-clock schedule bound to a Task. Expr is a six-field
// (seconds first) cron expression or a descriptor such as "@every 5m".
type CronJob struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Enabled     bool     `json:"enabled"`
	Expr        string   `json:"expr"`
	Payload     Payload  `json:"payload"`
	State       JobState `json:"state"`
	CreatedAtMs int64    `json:"createdAtMs"`
}

func NewCronJob(name, expr string, payload Payload) CronJob {
	return CronJob{
		ID:          uuid.NewString()[:8],
		Name:        name,
		Enabled:     true,
		Expr:        expr,
		Payload:     payload,
		CreatedAtMs: time.Now().UnixMilli(),
	}
}
