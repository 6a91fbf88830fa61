package cron

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countingStart(n *atomic.Int32) StartFunc {
	return func(_ context.Context, job string, cfg JobConfig) (string, error) {
		i := n.Add(1)
		return fmt.Sprintf("%s-%s-%d", job, cfg.Workflow, i), nil
	}
}

func TestAddValidates(t *testing.T) {
	var n atomic.Int32
	s := New(countingStart(&n))

	require.Error(t, s.Add("", "@hourly", JobConfig{Workflow: "echo"}))
	require.Error(t, s.Add("nightly", "@hourly", JobConfig{}))
	require.Error(t, s.Add("nightly", "not a cron", JobConfig{Workflow: "echo"}))
	require.NoError(t, s.Add("nightly", "0 3 * * *", JobConfig{Workflow: "echo", Input: "hi"}))
	require.Error(t, s.Add("nightly", "@hourly", JobConfig{Workflow: "echo"}))

	jobs := s.List()
	require.Len(t, jobs, 1)
	assert.Equal(t, "nightly", jobs[0].Name)
	assert.True(t, jobs[0].Enabled)
}

func TestTriggerRecordsHistory(t *testing.T) {
	var n atomic.Int32
	s := New(countingStart(&n), WithHistory(2))
	require.NoError(t, s.Add("report", "@daily", JobConfig{Workflow: "echo"}))

	for range 3 {
		run, err := s.Trigger("report")
		require.NoError(t, err)
		assert.Equal(t, "started", run.Status)
		assert.Equal(t, triggerManual, run.Trigger)
	}
	history, err := s.History("report", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "report-echo-3", history[0].RunID)
	assert.Equal(t, "report-echo-2", history[1].RunID)

	job, ok := s.Get("report")
	require.True(t, ok)
	assert.Equal(t, 3, job.RunCount)
	assert.Equal(t, "report-echo-3", job.LastRunID)

	_, err = s.Trigger("missing")
	assert.Error(t, err)
}

func TestStartFailureIsRecorded(t *testing.T) {
	s := New(func(context.Context, string, JobConfig) (string, error) {
		return "", errors.New("unknown workflow")
	})
	require.NoError(t, s.Add("bad", "@daily", JobConfig{Workflow: "nope"}))

	run, err := s.Trigger("bad")
	require.Error(t, err)
	assert.Equal(t, "failed", run.Status)
	job, _ := s.Get("bad")
	assert.Equal(t, "unknown workflow", job.LastErr)
}

func TestDisabledJobSkipsScheduledTriggers(t *testing.T) {
	var n atomic.Int32
	s := New(countingStart(&n))
	require.NoError(t, s.Add("paused", "@daily", JobConfig{Workflow: "echo"}))
	require.NoError(t, s.SetEnabled("paused", false))

	s.fire("paused")
	assert.Equal(t, int32(0), n.Load())
	history, err := s.History("paused", 0)
	require.NoError(t, err)
	assert.Empty(t, history)

	_, err = s.Trigger("paused")
	require.NoError(t, err)
	assert.Equal(t, int32(1), n.Load())
}

func TestScheduledTriggerFires(t *testing.T) {
	var n atomic.Int32
	s := New(countingStart(&n))
	require.NoError(t, s.Add("tick", "@every 1s", JobConfig{Workflow: "echo"}))
	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return n.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	job, _ := s.Get("tick")
	assert.False(t, job.NextRun.IsZero())
}

func TestPanickingStartIsRecorded(t *testing.T) {
	s := New(func(context.Context, string, JobConfig) (string, error) {
		panic("boom")
	})
	require.NoError(t, s.Add("explode", "@daily", JobConfig{Workflow: "echo"}))

	run, err := s.Trigger("explode")
	require.Error(t, err)
	assert.Equal(t, runPanic, run.Status)
	assert.Contains(t, run.Error, "boom")

	history, err := s.History("explode", 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, runPanic, history[0].Status)
}

func TestNextRunUsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	var n atomic.Int32
	s := New(countingStart(&n), WithLocation(loc))
	require.NoError(t, s.Add("morning", "0 9 * * *", JobConfig{Workflow: "echo"}))
	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool {
		job, _ := s.Get("morning")
		return !job.NextRun.IsZero()
	}, time.Second, 10*time.Millisecond)
	job, _ := s.Get("morning")
	next := job.NextRun.In(loc)
	assert.Equal(t, 9, next.Hour())
	assert.Equal(t, 0, next.Minute())
}
