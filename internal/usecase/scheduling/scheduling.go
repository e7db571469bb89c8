// Package scheduling runs the engine's housekeeping tasks, such as journal
// and audit log retention, on cron or fixed-interval schedules.
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"warden/internal/infra/config"
)

// ScheduledAction identifies a type of scheduled action.
type ScheduledAction string

const (
	ActionJournalRetention ScheduledAction = "journal_retention"
	ActionAuditRetention   ScheduledAction = "audit_retention"
)

// DefaultTaskTimeout bounds a single run of a scheduled action.
const DefaultTaskTimeout = 5 * time.Minute

// ScheduledTask defines a recurring task.
type ScheduledTask struct {
	Name     string
	Schedule string // cron expression "*/5 * * * *" OR duration "30m"
	Action   ScheduledAction
	OneShot  bool
}

// TaskStatus is a snapshot of one task's run history.
type TaskStatus struct {
	Name      string          `json:"name"`
	Action    ScheduledAction `json:"action"`
	Schedule  string          `json:"schedule"`
	Next      time.Time       `json:"next,omitzero"`
	Runs      int             `json:"runs"`
	Failures  int             `json:"failures"`
	LastRun   time.Time       `json:"last_run,omitzero"`
	LastError string          `json:"last_error,omitempty"`
}

type taskEntry struct {
	id     cron.EntryID
	status TaskStatus
}

// Scheduler runs tasks on a recurring schedule using cron expressions or durations.
type Scheduler struct {
	cron    *cron.Cron
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	actions map[ScheduledAction]func(ctx context.Context) error
	tasks   map[string]*taskEntry
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		logger:  logger,
		timeout: DefaultTaskTimeout,
		actions: make(map[ScheduledAction]func(ctx context.Context) error),
		tasks:   make(map[string]*taskEntry),
	}
}

// RegisterAction registers a handler for a scheduled action type.
func (s *Scheduler) RegisterAction(action ScheduledAction, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[action] = fn
}

// AddTask adds a scheduled task. The schedule can be a cron expression or a duration string.
// Task names must be unique.
func (s *Scheduler) AddTask(task ScheduledTask) error {
	schedule, err := parseSchedule(task.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for task %q: %w", task.Schedule, task.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fn, ok := s.actions[task.Action]
	if !ok {
		return fmt.Errorf("scheduler: unknown action %q for task %q", task.Action, task.Name)
	}
	if _, dup := s.tasks[task.Name]; dup {
		return fmt.Errorf("scheduler: task %q already exists", task.Name)
	}

	entry := &taskEntry{status: TaskStatus{Name: task.Name, Action: task.Action, Schedule: task.Schedule}}
	entry.id = s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.run(task, entry, fn)
	}))
	s.tasks[task.Name] = entry

	s.logger.Info("task added to scheduler", "name", task.Name, "schedule", task.Schedule, "action", string(task.Action))
	return nil
}

// AddTasks adds every configured task, reporting all failures together.
func (s *Scheduler) AddTasks(tasks []config.ScheduledTaskConfig) error {
	var errs []error
	for _, t := range tasks {
		errs = append(errs, s.AddTask(ScheduledTask{
			Name:     t.Name,
			Schedule: t.Schedule,
			Action:   ScheduledAction(t.Action),
		}))
	}
	return errors.Join(errs...)
}

func (s *Scheduler) run(task ScheduledTask, entry *taskEntry, fn func(ctx context.Context) error) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	if ctx == nil || ctx.Err() != nil {
		s.logger.Debug("scheduler stopped, skipping task", "task", task.Name)
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	err := fn(taskCtx)
	elapsed := time.Since(start)

	s.mu.Lock()
	entry.status.Runs++
	entry.status.LastRun = start
	entry.status.LastError = ""
	if err != nil {
		entry.status.Failures++
		entry.status.LastError = err.Error()
	}
	if task.OneShot {
		s.cron.Remove(entry.id)
		delete(s.tasks, task.Name)
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("scheduled task failed", "task", task.Name, "error", err, "duration", elapsed)
		return
	}
	s.logger.Info("scheduled task completed", "task", task.Name, "duration", elapsed)
}

// Tasks returns a snapshot of every scheduled task, sorted by name.
func (s *Scheduler) Tasks() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskStatus, 0, len(s.tasks))
	for _, e := range s.tasks {
		st := e.status
		if ce := s.cron.Entry(e.id); ce.ID != 0 {
			st.Next = ce.Next
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start begins running the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	return nil
}

// Stop signals the scheduler to stop and waits for running jobs to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()

	// Running jobs take s.mu to record their status.
	<-s.cron.Stop().Done()
	return nil
}

// parseSchedule tries to parse a schedule string as a cron expression first,
// then falls back to time.ParseDuration.
func parseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return constantDelay(dur), nil
}

// ParseSchedule exposes schedule parsing for external callers.
func ParseSchedule(schedule string) (cron.Schedule, error) {
	return parseSchedule(schedule)
}

// constantDelay implements cron.Schedule for a fixed interval.
// Unlike cron.Every(), it supports sub-second durations.
type constantDelay time.Duration

func (d constantDelay) Next(t time.Time) time.Time {
	return t.Add(time.Duration(d))
}
