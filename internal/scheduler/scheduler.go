// Package scheduler promotes scheduled jobs when their distribution window
// opens and cancels the ones that overslept it.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"swim/internal/models"
)

type Store interface {
	DueScheduledJobs(now time.Time, limit int) ([]models.Job, error)
	TransitionStatus(id uint, from, to string) (bool, error)
	AppendJobLog(id uint, line string) error
}

// Runner executes a promoted job. Satisfied by the engine.
type Runner interface {
	RunJob(ctx context.Context, jobID uint) error
}

type Config struct {
	TickInterval time.Duration
	GracePeriod  time.Duration
	BatchSize    int
}

func (c *Config) defaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 30 * time.Second
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 5 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
}

// Status — снимок здоровья для /readyz.
type Status struct {
	Running   bool       `json:"running"`
	LastTick  *time.Time `json:"last_tick,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	Promoted  int64      `json:"promoted"`
	Cancelled int64      `json:"cancelled"`
}

type Scheduler struct {
	store  Store
	runner Runner
	cfg    Config
	log    *logrus.Logger

	started atomic.Bool
	stop    chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup

	promoted  atomic.Int64
	cancelled atomic.Int64

	mu       sync.Mutex
	lastTick time.Time
	lastErr  error

	now func() time.Time
}

func New(store Store, runner Runner, cfg Config, log *logrus.Logger) *Scheduler {
	cfg.defaults()
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Scheduler{
		store:  store,
		runner: runner,
		cfg:    cfg,
		log:    log,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		now:    time.Now,
	}
}

// Start launches the tick loop. Second and later calls are no-ops: exactly
// one loop per process.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		s.log.Warn("scheduler already started")
		return
	}
	s.log.WithField("interval", s.cfg.TickInterval).Info("scheduler started")
	go s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Stop halts the loop and waits for in-flight job goroutines.
func (s *Scheduler) Stop() {
	if !s.started.Load() {
		return
	}
	close(s.stop)
	<-s.done
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	jobs, err := s.store.DueScheduledJobs(now, s.cfg.BatchSize)

	s.mu.Lock()
	s.lastTick = now
	s.lastErr = err
	s.mu.Unlock()

	if err != nil {
		s.log.WithError(err).Error("scheduler: query due jobs")
		return
	}

	for i := range jobs {
		job := jobs[i]
		if job.DistributionTime == nil {
			continue
		}
		overdue := now.Sub(*job.DistributionTime)

		if overdue > s.cfg.GracePeriod {
			s.expire(job, overdue)
			continue
		}
		s.promote(ctx, job)
	}
}

// expire cancels a job that slept through its window. The conditional
// transition keeps a concurrent cancel or manual promote from being
// clobbered.
func (s *Scheduler) expire(job models.Job, overdue time.Duration) {
	ok, err := s.store.TransitionStatus(job.ID, models.JobScheduled, models.JobCancelled)
	if err != nil {
		s.log.WithError(err).WithField("job", job.ID).Error("scheduler: cancel overdue job")
		return
	}
	if !ok {
		return
	}
	s.cancelled.Inc()
	line := fmt.Sprintf("[%s] job auto-cancelled: distribution window missed by %s (grace period %s); reschedule to retry\n",
		s.now().Format("2006-01-02 15:04:05"), overdue.Round(time.Second), s.cfg.GracePeriod)
	_ = s.store.AppendJobLog(job.ID, line)
	s.log.WithFields(logrus.Fields{"job": job.ID, "overdue": overdue}).
		Warn("scheduler: job missed its window, cancelled")
}

func (s *Scheduler) promote(ctx context.Context, job models.Job) {
	ok, err := s.store.TransitionStatus(job.ID, models.JobScheduled, models.JobPending)
	if err != nil {
		s.log.WithError(err).WithField("job", job.ID).Error("scheduler: promote job")
		return
	}
	if !ok {
		// another replica or an operator got there first
		return
	}
	s.promoted.Inc()
	s.log.WithField("job", job.ID).Info("scheduler: job promoted, dispatching")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.runner.RunJob(ctx, job.ID); err != nil {
			s.log.WithError(err).WithField("job", job.ID).Error("scheduler: job run failed")
		}
	}()
}

// Health reports liveness: healthy means the loop ticked within three
// intervals.
func (s *Scheduler) Health() (Status, bool) {
	s.mu.Lock()
	lastTick, lastErr := s.lastTick, s.lastErr
	s.mu.Unlock()

	st := Status{
		Running:   s.started.Load(),
		Promoted:  s.promoted.Load(),
		Cancelled: s.cancelled.Load(),
	}
	if !lastTick.IsZero() {
		t := lastTick
		st.LastTick = &t
	}
	if lastErr != nil {
		st.LastError = lastErr.Error()
	}
	healthy := st.Running && !lastTick.IsZero() &&
		s.now().Sub(lastTick) < 3*s.cfg.TickInterval && lastErr == nil
	return st, healthy
}
