// Package scheduler drives periodic work, such as stage ticks and the
// heartbeat, from cron expressions.
package scheduler

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a named piece of periodic work.
type Job struct {
	Name     string
	Schedule string
	Fn       func()
}

// Entry describes a registered job.
type Entry struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Next     time.Time `json:"next"`
}

// Scheduler fires jobs on their cron schedules. A job still running when its
// next firing is due is skipped for that firing, and panics are recovered.
type Scheduler struct {
	mu   sync.Mutex
	cron *cron.Cron
	jobs []Job
	ids  map[string]cron.EntryID
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field, plus descriptors like @every.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates an empty scheduler.
func New() *Scheduler {
	logger := slogLogger{}
	return &Scheduler{
		ids: make(map[string]cron.EntryID),
		// Recover sits inside SkipIfStillRunning so a panicking job still
		// releases its slot and fires again next time.
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithLogger(logger),
			cron.WithChain(cron.SkipIfStillRunning(logger), cron.Recover(logger)),
		),
	}
}

// Every registers fn to run at a fixed interval.
func (s *Scheduler) Every(name string, interval time.Duration, fn func()) error {
	if interval <= 0 {
		return fmt.Errorf("schedule %s: interval must be positive", name)
	}
	return s.Add(Job{Name: name, Schedule: "@every " + interval.String(), Fn: fn})
}

// Add registers a job. Names are unique; adding a name twice replaces the
// earlier job.
func (s *Scheduler) Add(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.ids[job.Name]; ok {
		s.cron.Remove(id)
		delete(s.ids, job.Name)
		for i, j := range s.jobs {
			if j.Name == job.Name {
				s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
				break
			}
		}
	}

	id, err := s.register(job)
	if err != nil {
		return err
	}
	s.ids[job.Name] = id
	s.jobs = append(s.jobs, job)
	return nil
}

func (s *Scheduler) register(job Job) (cron.EntryID, error) {
	name, fn := job.Name, job.Fn
	id, err := s.cron.AddFunc(job.Schedule, func() {
		slog.Debug("cron firing job", "name", name)
		fn()
	})
	if err != nil {
		return 0, fmt.Errorf("schedule %s %q: %w", job.Name, job.Schedule, err)
	}
	slog.Debug("scheduled job", "name", job.Name, "schedule", job.Schedule)
	return id, nil
}

// Start starts the cron ticker.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the ticker and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Entries lists the registered jobs by name.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.jobs))
	for _, job := range s.jobs {
		e := Entry{Name: job.Name, Schedule: job.Schedule}
		if id, ok := s.ids[job.Name]; ok {
			e.Next = s.cron.Entry(id).Next
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// slogLogger routes cron's own logging to slog.
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron "+msg, append(keysAndValues, "error", err)...)
}
