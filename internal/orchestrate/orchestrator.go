// Package orchestrate fans a batch of jobs out to the engine, either all at
// once or one device at a time.
package orchestrate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"swim/internal/models"
)

type Store interface {
	JobsByBatch(batchID string) ([]models.Job, error)
	JobStatus(id uint) (string, error)
	ScheduleJob(id uint, at time.Time, status string) error
	AppendJobLog(id uint, line string) error
}

type Runner interface {
	RunJob(ctx context.Context, jobID uint) error
}

type Orchestrator struct {
	store  Store
	runner Runner
	log    *logrus.Logger
}

func New(store Store, runner Runner, log *logrus.Logger) *Orchestrator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Orchestrator{store: store, runner: runner, log: log}
}

// Schedule hands the batch to the window scheduler. In sequential mode only
// the first job gets the scheduled status: the scheduler fires that one and
// Launch carries the rest in order, so two devices never upgrade at once.
func (o *Orchestrator) Schedule(batchID string, at time.Time, mode string) error {
	jobs, err := o.store.JobsByBatch(batchID)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return fmt.Errorf("batch %s has no jobs", batchID)
	}
	for i, j := range jobs {
		status := models.JobScheduled
		if mode == models.ModeSequential && i > 0 {
			status = models.JobPending
		}
		if err := o.store.ScheduleJob(j.ID, at, status); err != nil {
			return err
		}
	}
	o.log.WithFields(logrus.Fields{"batch": batchID, "jobs": len(jobs), "at": at, "mode": mode}).
		Info("batch scheduled")
	return nil
}

type LaunchOptions struct {
	Mode  string // parallel | sequential
	Delay time.Duration
}

// Launch runs every non-terminal job of the batch. Parallel mode dispatches
// all jobs at once and waits; sequential mode walks devices one by one,
// re-reading each job's status first so an operator cancel takes effect
// between devices.
func (o *Orchestrator) Launch(ctx context.Context, batchID string, opts LaunchOptions) error {
	jobs, err := o.store.JobsByBatch(batchID)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return fmt.Errorf("batch %s has no jobs", batchID)
	}

	if opts.Delay > 0 {
		// the batch must be visible as scheduled while it sleeps, not sit
		// in pending as if nothing claimed it
		at := time.Now().Add(opts.Delay)
		for _, j := range jobs {
			if models.IsTerminal(j.Status) {
				continue
			}
			if err := o.store.ScheduleJob(j.ID, at, models.JobScheduled); err != nil {
				return err
			}
		}
		o.log.WithFields(logrus.Fields{"batch": batchID, "delay": opts.Delay}).
			Info("delaying batch start")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opts.Delay):
		}
	}

	if opts.Mode == models.ModeSequential {
		return o.runSequential(ctx, batchID, jobs)
	}
	return o.runParallel(ctx, batchID, jobs)
}

func (o *Orchestrator) runParallel(ctx context.Context, batchID string, jobs []models.Job) error {
	var wg sync.WaitGroup
	for _, j := range jobs {
		if models.IsTerminal(j.Status) {
			continue
		}
		wg.Add(1)
		go func(id uint) {
			defer wg.Done()
			if err := o.runner.RunJob(ctx, id); err != nil {
				o.log.WithError(err).WithFields(logrus.Fields{"batch": batchID, "job": id}).
					Error("batch job failed")
			}
		}(j.ID)
	}
	wg.Wait()
	o.log.WithField("batch", batchID).Info("parallel batch finished")
	return nil
}

func (o *Orchestrator) runSequential(ctx context.Context, batchID string, jobs []models.Job) error {
	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		st, err := o.store.JobStatus(j.ID)
		if err != nil {
			o.log.WithError(err).WithField("job", j.ID).Error("batch: read job status")
			continue
		}
		if models.IsTerminal(st) {
			o.log.WithFields(logrus.Fields{"job": j.ID, "status": st}).
				Info("batch: skipping terminal job")
			continue
		}
		if err := o.runner.RunJob(ctx, j.ID); err != nil {
			o.log.WithError(err).WithFields(logrus.Fields{"batch": batchID, "job": j.ID}).
				Error("batch job failed, continuing with next device")
		}
	}
	o.log.WithField("batch", batchID).Info("sequential batch finished")
	return nil
}
