package scheduler

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// JobCategory classifies jobs for semaphore-based concurrency limits.
type JobCategory string

const (
	CategoryWorkflow    JobCategory = "workflow"
	CategoryMaintenance JobCategory = "maintenance"
	CategoryDefault     JobCategory = "default"
)

// Job defines a schedulable unit of work.
type Job struct {
	Name     string                                    // Unique job identifier.
	Cron     *CronExpr                                 // Parsed cron expression.
	Category JobCategory                               // For semaphore selection.
	Run      func(ctx context.Context, tick time.Time) // Invoked on a matching minute.
}

// Config holds scheduler settings.
type Config struct {
	TickInterval       time.Duration `json:"tickInterval"`
	MaxConcWorkflow    int           `json:"maxConcWorkflow"`
	MaxConcMaintenance int           `json:"maxConcMaintenance"`
	MaxConcDefault     int           `json:"maxConcDefault"`
	LockPath           string        `json:"lockPath"`
}

// DefaultConfig returns sensible scheduler defaults.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		TickInterval:       60 * time.Second,
		MaxConcWorkflow:    4,
		MaxConcMaintenance: 1,
		MaxConcDefault:     2,
		LockPath:           filepath.Join(home, ".autopilot", "scheduler.lock"),
	}
}

// Scheduler manages job registration, tick dispatch, and concurrency control.
type Scheduler struct {
	cfg        Config
	jobs       map[string]*Job
	lastFired  map[string]time.Time
	mu         sync.Mutex
	semaphores map[JobCategory]*Semaphore
	lock       *FileLock
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// New creates a Scheduler.
func New(cfg Config, logger *slog.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.MaxConcWorkflow <= 0 {
		cfg.MaxConcWorkflow = def.MaxConcWorkflow
	}
	if cfg.MaxConcMaintenance <= 0 {
		cfg.MaxConcMaintenance = def.MaxConcMaintenance
	}
	if cfg.MaxConcDefault <= 0 {
		cfg.MaxConcDefault = def.MaxConcDefault
	}
	if cfg.LockPath == "" {
		cfg.LockPath = def.LockPath
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		cfg:       cfg,
		jobs:      make(map[string]*Job),
		lastFired: make(map[string]time.Time),
		semaphores: map[JobCategory]*Semaphore{
			CategoryWorkflow:    NewSemaphore(cfg.MaxConcWorkflow),
			CategoryMaintenance: NewSemaphore(cfg.MaxConcMaintenance),
			CategoryDefault:     NewSemaphore(cfg.MaxConcDefault),
		},
		lock:   NewFileLock(cfg.LockPath),
		logger: logger,
	}
}

// Register adds or replaces a job.
func (s *Scheduler) Register(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.Name] = job
	delete(s.lastFired, job.Name)
	s.logger.Info("Scheduler job registered", "name", job.Name, "cron", job.Cron.String(), "category", job.Category)
}

// Unregister removes a job by name.
func (s *Scheduler) Unregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, name)
	delete(s.lastFired, name)
}

// Jobs returns the current registered jobs (snapshot).
func (s *Scheduler) Jobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out
}

// Run starts the tick loop. Blocks until ctx is cancelled, then waits for
// dispatched jobs to return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Scheduler started", "tick", s.cfg.TickInterval)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info("Scheduler stopped")
			return ctx.Err()
		case t := <-ticker.C:
			s.tick(ctx, t)
		}
	}
}

// tick acquires the cross-process lock and dispatches jobs matching now.
// A job fires at most once per wall-clock minute.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	acquired, err := s.lock.TryLock()
	if err != nil {
		s.logger.Warn("Scheduler lock error", "error", err)
		return
	}
	if !acquired {
		s.logger.Debug("Scheduler tick skipped: lock held by another process")
		return
	}
	defer s.lock.Unlock()

	minute := now.Truncate(time.Minute)

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, job := range s.jobs {
		if job.Cron == nil || !job.Cron.Matches(now) {
			continue
		}
		if last, ok := s.lastFired[name]; ok && last.Equal(minute) {
			continue
		}
		if s.dispatch(ctx, job, now) {
			s.lastFired[name] = minute
		}
	}
}

// dispatch runs a job asynchronously if a semaphore slot is available.
func (s *Scheduler) dispatch(ctx context.Context, job *Job, now time.Time) bool {
	sem := s.semaphores[job.Category]
	if sem == nil {
		sem = s.semaphores[CategoryDefault]
	}
	if !sem.TryAcquire() {
		s.logger.Warn("Scheduler job skipped: concurrency limit", "job", job.Name, "category", job.Category)
		return false
	}

	s.logger.Info("Scheduler dispatching job", "job", job.Name)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer sem.Release()
		job.Run(ctx, now)
	}()
	return true
}
