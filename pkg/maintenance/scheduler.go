package maintenance

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/redirect-finder/pkg/utils"
)

const (
	TaskRetentionSweep = "retention_sweep"
	TaskHintGC         = "hint_gc"

	DefaultSweepInterval = 24 * time.Hour
	DefaultGCInterval    = 10 * time.Minute
)

// Task is one periodic job. Run returns the number of affected rows, if it has one.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (int64, error)
}

// Sweeper deletes statistics rows older than a cutoff. *stats.Store satisfies it.
type Sweeper interface {
	Sweep(ctx context.Context, olderThan time.Time) (int64, error)
}

// GarbageCollector reclaims space in the hint cache. *storage.HintStore satisfies it.
type GarbageCollector interface {
	GC() error
}

// RetentionTask deletes statistics rows older than retention on every run
func RetentionTask(store Sweeper, retention, interval time.Duration, now func() time.Time) Task {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return Task{
		Name:     TaskRetentionSweep,
		Interval: interval,
		Run: func(ctx context.Context) (int64, error) {
			if retention <= 0 {
				return 0, fmt.Errorf("%w: retention must be positive", utils.ErrConfigValidation)
			}
			return store.Sweep(ctx, now().Add(-retention))
		},
	}
}

// HintGCTask runs value-log GC on the hint cache
func HintGCTask(gc GarbageCollector, interval time.Duration) Task {
	if interval <= 0 {
		interval = DefaultGCInterval
	}
	return Task{
		Name:     TaskHintGC,
		Interval: interval,
		Run: func(context.Context) (int64, error) {
			return 0, gc.GC()
		},
	}
}

// Scheduler runs maintenance tasks whose interval has elapsed. Last-run times
// survive restarts, so a daily sweep does not rerun on every deploy.
type Scheduler struct {
	tasks        []Task
	log          *logrus.Entry
	stateManager *StateManager
	tick         time.Duration
	now          func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler persisting state under stateDir
func NewScheduler(stateDir string, tasks []Task, log *logrus.Entry) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		tasks:        tasks,
		log:          log.WithField("component", "maintenance"),
		stateManager: NewStateManager(stateDir),
		now:          time.Now,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	s.tick = s.calculateTickInterval()
	return s
}

// Run loads state, runs due tasks and then checks again every tick until Stop
func (s *Scheduler) Run() error {
	defer close(s.done)

	if err := s.stateManager.Load(); err != nil {
		s.log.Warnf("Failed to load maintenance state: %v (starting fresh)", err)
	}

	s.log.Infof("Starting maintenance for %d tasks, checking every %s", len(s.tasks), utils.FormatInterval(s.tick))
	s.logSchedule()
	s.RunDue()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.log.Info("Maintenance scheduler shutting down...")
			return nil
		case <-ticker.C:
			s.RunDue()
		}
	}
}

// Stop signals Run to return after the task in progress, if any
func (s *Scheduler) Stop() {
	s.log.Info("Stopping maintenance scheduler...")
	s.cancel()
}

// Done is closed when Run returns
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// RunDue runs every task whose interval has elapsed, one after another, and
// saves state if anything ran. It returns the names of the tasks it ran.
func (s *Scheduler) RunDue() []string {
	var ran []string
	for _, task := range s.tasks {
		if s.ctx.Err() != nil {
			break
		}
		if !s.stateManager.ShouldRun(task.Name, task.Interval, s.now()) {
			continue
		}
		s.runTask(task)
		ran = append(ran, task.Name)
	}
	if len(ran) > 0 {
		if err := s.stateManager.Save(); err != nil {
			s.log.Errorf("Failed to save maintenance state: %v", err)
		}
	}
	return ran
}

func (s *Scheduler) runTask(task Task) {
	start := s.now()
	affected, err := task.Run(s.ctx)
	s.stateManager.UpdateTaskState(task.Name, s.now(), affected, err)

	entry := s.log.WithFields(logrus.Fields{
		"task":     task.Name,
		"affected": affected,
		"duration": s.now().Sub(start),
	})
	if err != nil {
		entry.WithField("error_type", utils.CategorizeError(err)).Errorf("Maintenance task failed: %v", err)
		return
	}
	entry.Info("Maintenance task finished")
}

// calculateTickInterval checks at a tenth of the shortest interval, within [1m, 10m]
func (s *Scheduler) calculateTickInterval() time.Duration {
	shortest := time.Duration(0)
	for _, task := range s.tasks {
		if shortest == 0 || task.Interval < shortest {
			shortest = task.Interval
		}
	}
	tick := shortest / 10
	if tick < time.Minute {
		tick = time.Minute
	}
	if tick > 10*time.Minute {
		tick = 10 * time.Minute
	}
	return tick
}

func (s *Scheduler) logSchedule() {
	now := s.now()
	for _, task := range s.tasks {
		state, ok := s.stateManager.GetTaskState(task.Name)
		if !ok {
			s.log.Infof("  %s: never run, will run immediately", task.Name)
			continue
		}
		status := "success"
		if !state.LastRunSuccess {
			status = "failed"
		}
		s.log.Infof("  %s: every %s, last run %s (%s), next run %s",
			task.Name,
			utils.FormatInterval(task.Interval),
			state.LastRunTime.Format(time.RFC3339),
			status,
			s.stateManager.GetNextRunTime(task.Name, task.Interval, now).Format(time.RFC3339))
	}
}

// TaskStatus contains the status of a scheduled task
type TaskStatus struct {
	Name           string    `json:"name"`
	Interval       string    `json:"interval"`
	LastRunTime    time.Time `json:"last_run_time,omitempty"`
	LastRunSuccess bool      `json:"last_run_success"`
	Affected       int64     `json:"affected"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	NextRunTime    time.Time `json:"next_run_time"`
	NeverRun       bool      `json:"never_run"`
}

// GetStatus returns the status of every task, sorted by next run time
func (s *Scheduler) GetStatus() []TaskStatus {
	now := s.now()
	out := make([]TaskStatus, 0, len(s.tasks))
	for _, task := range s.tasks {
		state, ok := s.stateManager.GetTaskState(task.Name)
		out = append(out, TaskStatus{
			Name:           task.Name,
			Interval:       utils.FormatInterval(task.Interval),
			LastRunTime:    state.LastRunTime,
			LastRunSuccess: state.LastRunSuccess,
			Affected:       state.Affected,
			ErrorMessage:   state.ErrorMessage,
			NextRunTime:    s.stateManager.GetNextRunTime(task.Name, task.Interval, now),
			NeverRun:       !ok,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].NextRunTime.Before(out[j].NextRunTime) })
	return out
}
