package cron

import (
	"context"
	"time"
)

// JobConfig is the workflow run a job starts on each trigger.
type JobConfig struct {
	Workflow  string         `json:"workflow" yaml:"workflow"`
	Input     string         `json:"input" yaml:"input"`
	SessionID string         `json:"sessionId,omitempty" yaml:"sessionId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Job is a recurring workflow run.
type Job struct {
	Name      string    `json:"name"`
	CronExpr  string    `json:"cronExpr"`
	Config    JobConfig `json:"config"`
	Enabled   bool      `json:"enabled"`
	LastRun   time.Time `json:"lastRun,omitempty"`
	NextRun   time.Time `json:"nextRun,omitempty"`
	LastRunID string    `json:"lastRunId,omitempty"`
	LastErr   string    `json:"lastError,omitempty"`
	RunCount  int       `json:"runCount"`
}

// JobRun is one trigger of a job. RunID names the workflow run it started;
// the run's own outcome lives in the state store.
type JobRun struct {
	At      time.Time `json:"at"`
	Trigger string    `json:"trigger"`
	RunID   string    `json:"runId,omitempty"`
	Status  string    `json:"status"`
	Error   string    `json:"error,omitempty"`
}

// StartFunc starts a workflow run for job and returns its run id without
// waiting for the run to finish.
type StartFunc func(ctx context.Context, job string, cfg JobConfig) (string, error)
