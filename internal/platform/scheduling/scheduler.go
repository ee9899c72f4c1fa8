// Package scheduling runs the server's periodic background jobs on cron
// schedules.
package scheduling

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// JobFunc is one run of a background job.
type JobFunc func(ctx context.Context) error

// Recorder receives one call per job run. metrics.Metrics satisfies it.
type Recorder interface {
	JobRun(job string, err error)
}

type job struct {
	name    string
	spec    string
	fn      JobFunc
	entryID cron.EntryID
}

type Scheduler struct {
	cron     *cron.Cron
	logger   zerolog.Logger
	recorder Recorder
	timeout  time.Duration

	mu   sync.Mutex
	jobs map[string]*job

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Scheduler. A run that is still going when its next tick
// fires is skipped. timeout bounds each run; zero means no bound.
func New(logger zerolog.Logger, rec Recorder, timeout time.Duration) *Scheduler {
	logger = logger.With().Str("component", "scheduler").Logger()
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger{logger}),
			cron.SkipIfStillRunning(cronLogger{logger}),
		)),
		logger:   logger,
		recorder: rec,
		timeout:  timeout,
		jobs:     make(map[string]*job),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Add registers fn under name on a standard cron spec or a descriptor such
// as "@hourly" or "@every 1m".
func (s *Scheduler) Add(name, spec string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("job %q already registered", name)
	}
	j := &job{name: name, spec: spec, fn: fn}
	id, err := s.cron.AddFunc(spec, func() { _ = s.run(s.ctx, j) })
	if err != nil {
		return fmt.Errorf("schedule job %q: %w", name, err)
	}
	j.entryID = id
	s.jobs[name] = j
	return nil
}

// Trigger runs a registered job immediately and returns its error.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %q not registered", name)
	}
	return s.run(ctx, j)
}

func (s *Scheduler) run(ctx context.Context, j *job) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	err := j.fn(ctx)
	if s.recorder != nil {
		s.recorder.JobRun(j.name, err)
	}

	ev := s.logger.Debug()
	if err != nil {
		ev = s.logger.Error().Err(err)
	}
	ev.Str("job", j.name).Dur("duration", time.Since(start)).Msg("job finished")
	return err
}

type JobInfo struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev"`
}

// Jobs lists registered jobs sorted by name.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		e := s.cron.Entry(j.entryID)
		out = append(out, JobInfo{Name: j.name, Spec: j.spec, Next: e.Next, Prev: e.Prev})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Int("jobs", len(s.jobs)).Msg("scheduler started")
}

// Stop cancels running jobs and waits for them until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
