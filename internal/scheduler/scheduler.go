// Package scheduler runs the engine's periodic jobs on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"perfwatch/internal/clock"
	"perfwatch/internal/logger"
	"perfwatch/internal/monitoring"
)

// JobFunc is one unit of periodic work.
type JobFunc func(ctx context.Context) error

// TaskStatus represents the status of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Task is the bookkeeping record of one registered job.
type Task struct {
	Name        string     `json:"name"`
	Schedule    string     `json:"schedule"`
	LastRunTime time.Time  `json:"lastRunTime"`
	NextRunTime time.Time  `json:"nextRunTime"`
	Runs        int64      `json:"runs"`
	Status      TaskStatus `json:"status"`
	Error       string     `json:"error,omitempty"`

	entry cron.EntryID
	fn    JobFunc
}

// Scheduler manages task scheduling
type Scheduler struct {
	cron    *cron.Cron
	tasks   map[string]*Task
	mu      sync.RWMutex
	clk     clock.Clock
	log     logger.Logger
	metrics *monitoring.Metrics

	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New creates a scheduler whose cron expressions include a seconds field.
// Overlapping runs of the same job are skipped.
func New(clk clock.Clock, log logger.Logger, metrics *monitoring.Metrics) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		tasks:   make(map[string]*Task),
		clk:     clk,
		log:     log.WithField("component", "scheduler"),
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Every formats an interval as a cron "@every" descriptor.
func Every(d time.Duration) string {
	return "@every " + d.String()
}

// Add registers a named job.
func (s *Scheduler) Add(name, schedule string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[name]; exists {
		return fmt.Errorf("task already registered: %s", name)
	}
	task := &Task{Name: name, Schedule: schedule, Status: TaskStatusPending, fn: fn}
	id, err := s.cron.AddFunc(schedule, func() {
		s.runTask(s.ctx, task)
	})
	if err != nil {
		return fmt.Errorf("failed to add cron job %s: %w", name, err)
	}
	task.entry = id
	s.tasks[name] = task
	return nil
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()

	s.cancel()
	if !started {
		return
	}
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out")
	}
}

// RunNow runs a registered job synchronously on the caller's goroutine.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	task, ok := s.tasks[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("task not found: %s", name)
	}
	return s.runTask(ctx, task)
}

// runTask executes a task
func (s *Scheduler) runTask(ctx context.Context, task *Task) (err error) {
	s.mu.Lock()
	task.Status = TaskStatusRunning
	task.LastRunTime = s.clk.Now()
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.Name, r)
		}

		s.mu.Lock()
		task.Runs++
		if err != nil {
			task.Status = TaskStatusFailed
			task.Error = err.Error()
		} else {
			task.Status = TaskStatusCompleted
			task.Error = ""
		}
		s.mu.Unlock()

		if s.metrics != nil {
			s.metrics.RecordJobRun(task.Name, err == nil)
		}
		if err != nil {
			s.log.WithError(err).Warn("scheduled task failed", "task", task.Name)
		}
	}()

	return task.fn(ctx)
}

// GetTask gets a task by name
func (s *Scheduler) GetTask(name string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[name]
	if !exists {
		return Task{}, fmt.Errorf("task not found: %s", name)
	}
	return s.snapshot(task), nil
}

// ListTasks lists all tasks sorted by name
func (s *Scheduler) ListTasks() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, s.snapshot(task))
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Name < tasks[j].Name })
	return tasks
}

func (s *Scheduler) snapshot(task *Task) Task {
	t := *task
	t.fn = nil
	if s.started {
		t.NextRunTime = s.cron.Entry(task.entry).Next
	}
	return t
}
