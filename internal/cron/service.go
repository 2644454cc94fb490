// Package cron runs the periodic maintenance jobs: memory expiry and audit chain
// verification.
package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// parser accepts the six-field (seconds first) expressions used in config.
var parser = rcron.NewParser(rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)

// RunFunc executes one job and returns a short result line.
type RunFunc func(ctx context.Context) (string, error)

// Job is a named schedule bound to a RunFunc.
type Job struct {
	Name     string
	Schedule string
	Run      RunFunc
}

// JobState is the persisted outcome of a job's last run.
type JobState struct {
	Name       string    `json:"name"`
	Schedule   string    `json:"schedule"`
	Enabled    bool      `json:"enabled"`
	Runs       int       `json:"runs"`
	LastRunAt  time.Time `json:"lastRunAt,omitempty"`
	LastStatus string    `json:"lastStatus,omitempty"`
	LastError  string    `json:"lastError,omitempty"`
	LastResult string    `json:"lastResult,omitempty"`
}

type entry struct {
	job     Job
	state   JobState
	entryID rcron.EntryID
	running bool
}

type Service struct {
	statePath string
	log       zerolog.Logger
	now       func() time.Time

	mu      sync.Mutex
	jobs    map[string]*entry
	cron    *rcron.Cron
	runCtx  context.Context
	cancel  context.CancelFunc
	stopCh  chan struct{}
	running sync.WaitGroup
}

// NewService creates a stopped scheduler. statePath may be empty to keep job state in
// memory only.
func NewService(statePath string, log zerolog.Logger) *Service {
	return &Service{
		statePath: statePath,
		log:       log,
		now:       time.Now,
		jobs:      make(map[string]*entry),
	}
}

// Register adds a job. The schedule is validated immediately; registering on a running
// service schedules the job at once.
func (s *Service) Register(job Job) error {
	if job.Name == "" {
		return errors.New("job name is required")
	}
	if job.Run == nil {
		return fmt.Errorf("job %s has no run function", job.Name)
	}
	if _, err := parser.Parse(job.Schedule); err != nil {
		return fmt.Errorf("job %s: invalid schedule %q: %w", job.Name, job.Schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	e := &entry{job: job, state: JobState{Name: job.Name, Schedule: job.Schedule, Enabled: true}}
	s.jobs[job.Name] = e
	if s.cron != nil {
		s.schedule(e)
	}
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cron != nil {
		s.mu.Unlock()
		return errors.New("cron service already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})
	s.runCtx = runCtx
	s.cancel = cancel
	s.stopCh = stopCh

	if err := s.load(); err != nil {
		s.log.Warn().Err(err).Str("path", s.statePath).Msg("failed to load job state")
	}

	s.cron = rcron.New(rcron.WithParser(parser))
	for _, e := range s.jobs {
		if e.state.Enabled {
			s.schedule(e)
		}
	}
	count := len(s.jobs)
	s.cron.Start()
	s.mu.Unlock()

	s.log.Info().Int("jobs", count).Msg("cron started")

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()
	return nil
}

// schedule must be called with s.mu held.
func (s *Service) schedule(e *entry) {
	name, ctx := e.job.Name, s.runCtx
	id, err := s.cron.AddFunc(e.job.Schedule, func() {
		_, _ = s.execute(ctx, name)
	})
	if err != nil {
		s.log.Error().Err(err).Str("job", name).Msg("failed to schedule job")
		return
	}
	e.entryID = id
}

// RunNow executes the named job immediately, whether or not the service is started.
func (s *Service) RunNow(ctx context.Context, name string) (string, error) {
	return s.execute(ctx, name)
}

func (s *Service) execute(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	e, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("job %s not found", name)
	}
	if e.running {
		s.mu.Unlock()
		s.log.Warn().Str("job", name).Msg("previous run still active, skipping")
		return "", fmt.Errorf("job %s already running", name)
	}
	e.running = true
	run := e.job.Run
	s.running.Add(1)
	s.mu.Unlock()
	defer s.running.Done()

	if ctx == nil {
		ctx = context.Background()
	}
	s.log.Debug().Str("job", name).Msg("executing job")
	result, err := run(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	e.running = false
	e.state.Runs++
	e.state.LastRunAt = s.now().UTC()
	if err != nil {
		e.state.LastStatus = "error"
		e.state.LastError = err.Error()
		e.state.LastResult = ""
		s.log.Error().Err(err).Str("job", name).Msg("job failed")
	} else {
		e.state.LastStatus = "ok"
		e.state.LastError = ""
		e.state.LastResult = truncate(result, 200)
		s.log.Info().Str("job", name).Str("result", truncate(result, 100)).Msg("job finished")
	}
	if saveErr := s.save(); saveErr != nil {
		s.log.Warn().Err(saveErr).Msg("failed to save job state")
	}
	return result, err
}

// Enable toggles whether the job fires on its schedule.
func (s *Service) Enable(name string, enabled bool) (JobState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[name]
	if !ok {
		return JobState{}, fmt.Errorf("job %s not found", name)
	}
	e.state.Enabled = enabled
	if s.cron != nil {
		if enabled && e.entryID == 0 {
			s.schedule(e)
		} else if !enabled && e.entryID != 0 {
			s.cron.Remove(e.entryID)
			e.entryID = 0
		}
	}
	_ = s.save()
	return e.state, nil
}

// Jobs lists job state sorted by name.
func (s *Service) Jobs() []JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobState, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, e.state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Next reports when the named job fires next. ok is false when the job is not scheduled.
func (s *Service) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[name]
	if !ok || s.cron == nil || e.entryID == 0 {
		return time.Time{}, false
	}
	return s.cron.Entry(e.entryID).Next, true
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopCh := s.stopCh
	c := s.cron
	s.cancel = nil
	s.stopCh = nil
	s.cron = nil
	for _, e := range s.jobs {
		e.entryID = 0
	}
	s.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	if c != nil {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			s.log.Warn().Msg("stop timeout waiting for running jobs")
		}
	}
	if cancel != nil {
		cancel()
	}
	s.running.Wait()
	if c != nil {
		s.log.Info().Msg("cron stopped")
	}
}

// load restores run state for registered jobs. Must be called with s.mu held.
func (s *Service) load() error {
	if s.statePath == "" {
		return nil
	}
	data, err := os.ReadFile(s.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var states []JobState
	if err := json.Unmarshal(data, &states); err != nil {
		return err
	}
	for _, st := range states {
		if e, ok := s.jobs[st.Name]; ok {
			st.Schedule = e.job.Schedule
			e.state = st
		}
	}
	return nil
}

// save must be called with s.mu held.
func (s *Service) save() error {
	if s.statePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.statePath), 0755); err != nil {
		return err
	}
	states := make([]JobState, 0, len(s.jobs))
	for _, e := range s.jobs {
		states = append(states, e.state)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Name < states[j].Name })
	data, err := json.MarshalIndent(states, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.statePath, data, 0644)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
