// Package cron starts workflow runs on cron schedules.
package cron

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	robcron "github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	triggerSchedule = "schedule"
	triggerManual   = "manual"

	runStarted = "started"
	runFailed  = "failed"
	runPanic   = "panicked"
)

// Scheduler fires named jobs on cron expressions. A trigger only starts the
// run; the run's own outcome is tracked by the runtime and its store.
type Scheduler struct {
	start   StartFunc
	logger  *zap.Logger
	history int
	loc     *time.Location

	mu      sync.RWMutex
	cron    *robcron.Cron
	jobs    map[string]*entry
	ctx     context.Context
	running bool
}

type entry struct {
	job  Job
	id   robcron.EntryID
	runs []JobRun
}

type Option func(*Scheduler)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithHistory caps the trigger history kept per job. Zero keeps everything.
func WithHistory(n int) Option {
	return func(s *Scheduler) { s.history = max(n, 0) }
}

// WithLocation evaluates expressions in loc instead of the local zone.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func New(start StartFunc, opts ...Option) *Scheduler {
	s := &Scheduler{
		start:   start,
		logger:  zap.NewNop(),
		history: 100,
		loc:     time.Local,
		jobs:    map[string]*entry{},
		ctx:     context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "cron"))
	clog := cronLogger{s.logger}
	s.cron = robcron.New(
		robcron.WithLocation(s.loc),
		robcron.WithLogger(clog),
		robcron.WithChain(robcron.Recover(clog)),
	)
	return s
}

// Add registers a job under a unique name. The expression uses the standard
// five-field syntax or a descriptor such as "@every 1h".
func (s *Scheduler) Add(name, expr string, cfg JobConfig) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("job name is required")
	}
	if cfg.Workflow == "" {
		return fmt.Errorf("job %q: workflow is required", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[name]; dup {
		return fmt.Errorf("job %q already exists", name)
	}
	id, err := s.cron.AddFunc(expr, func() { s.fire(name) })
	if err != nil {
		return fmt.Errorf("job %q: invalid cron expression %q: %w", name, expr, err)
	}
	s.jobs[name] = &entry{
		job: Job{Name: name, CronExpr: expr, Config: cfg, Enabled: true},
		id:  id,
	}
	return nil
}

func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.lookup(name)
	if err != nil {
		return err
	}
	s.cron.Remove(e.id)
	delete(s.jobs, name)
	return nil
}

// List returns every job ordered by name.
func (s *Scheduler) List() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Job, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, s.view(e))
	}
	slices.SortFunc(out, func(a, b Job) int { return strings.Compare(a.Name, b.Name) })
	return out
}

func (s *Scheduler) Get(name string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.jobs[name]
	if !ok {
		return Job{}, false
	}
	return s.view(e), true
}

// SetEnabled pauses or resumes scheduled triggers. Manual triggers run
// either way.
func (s *Scheduler) SetEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.lookup(name)
	if err != nil {
		return err
	}
	e.job.Enabled = enabled
	return nil
}

// Trigger starts the job's workflow now, regardless of its schedule.
func (s *Scheduler) Trigger(name string) (JobRun, error) {
	return s.trigger(name, triggerManual)
}

// History returns up to limit recent triggers of a job, newest first.
func (s *Scheduler) History(name string, limit int) ([]JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	out := slices.Clone(e.runs)
	slices.Reverse(out)
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// Start begins firing scheduled triggers and returns immediately. ctx is
// passed to every StartFunc call.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx != nil {
		s.ctx = ctx
	}
	if !s.running {
		s.cron.Start()
		s.running = true
	}
}

// Stop halts scheduled triggers and waits for any in flight to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	running := s.running
	s.running = false
	s.mu.Unlock()
	if running {
		<-s.cron.Stop().Done()
	}
}

// fire is the cron callback. Disabled jobs are skipped without a history
// entry.
func (s *Scheduler) fire(name string) {
	s.mu.RLock()
	e, ok := s.jobs[name]
	enabled := ok && e.job.Enabled
	s.mu.RUnlock()
	if !enabled {
		return
	}
	_, _ = s.trigger(name, triggerSchedule)
}

func (s *Scheduler) trigger(name, how string) (run JobRun, err error) {
	s.mu.RLock()
	e, err := s.lookup(name)
	if err != nil {
		s.mu.RUnlock()
		return JobRun{}, err
	}
	cfg, ctx := e.job.Config, s.ctx
	s.mu.RUnlock()

	run = JobRun{At: time.Now().UTC(), Trigger: how, Status: runStarted}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job %q panicked: %v", name, p)
			run.Status = runPanic
		}
		s.record(name, &run, err)
	}()
	run.RunID, err = s.start(ctx, name, cfg)
	return run, err
}

func (s *Scheduler) record(name string, run *JobRun, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[name]
	if !ok {
		return
	}
	log := s.logger.With(zap.String("job", name), zap.String("trigger", run.Trigger))
	e.job.LastRun = run.At
	e.job.RunCount++
	if err != nil {
		if run.Status == runStarted {
			run.Status = runFailed
		}
		run.Error = err.Error()
		e.job.LastErr = run.Error
		log.Warn("job failed to start", zap.Error(err))
	} else {
		e.job.LastErr = ""
		e.job.LastRunID = run.RunID
		log.Info("job started run", zap.String("run_id", run.RunID))
	}
	e.runs = append(e.runs, *run)
	if s.history > 0 && len(e.runs) > s.history {
		e.runs = slices.Delete(e.runs, 0, len(e.runs)-s.history)
	}
}

func (s *Scheduler) lookup(name string) (*entry, error) {
	e, ok := s.jobs[name]
	if !ok {
		return nil, fmt.Errorf("job %q not found", name)
	}
	return e, nil
}

func (s *Scheduler) view(e *entry) Job {
	j := e.job
	if next := s.cron.Entry(e.id).Next; !next.IsZero() {
		j.NextRun = next
	}
	return j
}

// cronLogger routes robfig/cron's own logging through zap.
type cronLogger struct{ l *zap.Logger }

func (c cronLogger) Info(msg string, kv ...any) {
	c.l.Debug(msg, zap.Any("details", kv))
}

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error(msg, zap.Error(err), zap.Any("details", kv))
}
