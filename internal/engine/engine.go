package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"swim/internal/models"
)

// ErrNoWorkflow — job has no workflow and no default exists.
var ErrNoWorkflow = errors.New("no workflow assigned and no default workflow exists")

type Engine struct {
	deps     Deps
	registry *Registry
}

func New(deps Deps, registry *Registry) *Engine {
	if deps.Log == nil {
		deps.Log = logrus.StandardLogger()
	}
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Engine{deps: deps, registry: registry}
}

// RunJob drives one job through its plan. Every step outcome lands on the
// job's execution record; the function only returns an error for
// infrastructure failures, a failed upgrade is reported via job status.
func (e *Engine) RunJob(ctx context.Context, jobID uint) error {
	job, err := e.deps.Jobs.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("load job %d: %w", jobID, err)
	}
	if models.IsTerminal(job.Status) {
		e.deps.Log.WithFields(logrus.Fields{"job": jobID, "status": job.Status}).
			Info("job already terminal, nothing to run")
		return nil
	}
	if job.Device == nil {
		return fmt.Errorf("job %d has no device", jobID)
	}

	rt := &Runtime{Job: job, Device: job.Device, Image: job.Image, deps: &e.deps}
	defer rt.close()

	plan, err := e.resolvePlan(rt)
	if err != nil {
		rt.Logf("cannot resolve plan: %v", err)
		_ = e.deps.Jobs.SetJobStatus(job.ID, models.JobFailed)
		return err
	}

	if err := e.deps.Jobs.SetJobStatus(job.ID, models.JobRunning); err != nil {
		return err
	}
	e.banner(rt, fmt.Sprintf("STARTING JOB %d (%s) ON %s", job.ID, job.TaskName, job.Device.Hostname))

	failedFatally := false
	for i := range plan {
		rec := &plan[i]

		// cancellation is cooperative: re-read status before each step so a
		// cancel from the API or scheduler lands between steps
		st, err := e.deps.Jobs.JobStatus(job.ID)
		if err == nil && st == models.JobCancelled {
			e.banner(rt, fmt.Sprintf("JOB %d CANCELLED, STOPPING BEFORE STEP %q", job.ID, rec.Name))
			return nil
		}

		impl, known := e.registry.Lookup(rec.StepType)
		if !known {
			rt.Logf("unknown step type %q (%s), skipping", rec.StepType, rec.Name)
			e.record(rt, i, rec, models.StepStatusSkipped)
			continue
		}

		if ok, why := impl.CanProceed(ctx, rt, rec.Config); !ok {
			rt.Logf("step %q skipped: %s", rec.Name, why)
			e.record(rt, i, rec, models.StepStatusSkipped)
			continue
		}

		rt.Logf("--- step %q (%s) ---", rec.Name, rec.StepType)
		e.record(rt, i, rec, models.StepStatusRunning)

		res, err := impl.Run(ctx, rt, rec.Config)
		if err != nil {
			res = failed(err.Error())
		}
		if res.Message != "" {
			rt.Logf("step %q: %s", rec.Name, res.Message)
		}
		e.record(rt, i, rec, res.Status)

		if res.Status == models.StepStatusFailed {
			if e.continueOnFailure(rec.Config) {
				rt.Logf("step %q failed, continue_on_failure is set", rec.Name)
				continue
			}
			failedFatally = true
			break
		}

		// refresh the in-memory steps view so later prerequisites see this
		// outcome
		if fresh, err := e.deps.Jobs.GetJob(job.ID); err == nil {
			rt.Job.Steps = fresh.Steps
		}
	}

	if failedFatally {
		// a cancel observed mid-step surfaces as a failed step; the job
		// still ends cancelled, not failed
		if st, err := e.deps.Jobs.JobStatus(job.ID); err == nil && st == models.JobCancelled {
			e.banner(rt, fmt.Sprintf("JOB %d CANCELLED", job.ID))
			return nil
		}
		_ = e.deps.Jobs.SetJobStatus(job.ID, models.JobFailed)
		e.banner(rt, fmt.Sprintf("JOB %d FAILED", job.ID))
		return nil
	}

	// a cancel that raced the last step still wins
	if st, err := e.deps.Jobs.JobStatus(job.ID); err == nil && st == models.JobCancelled {
		e.banner(rt, fmt.Sprintf("JOB %d CANCELLED", job.ID))
		return nil
	}

	_ = e.deps.Jobs.SetJobStatus(job.ID, models.JobSuccess)
	e.banner(rt, fmt.Sprintf("JOB %d COMPLETED", job.ID))
	return nil
}

// resolvePlan returns the ordered step list for the job. Pre-injected steps
// (records that already carry a step_type) win over the workflow template;
// otherwise the template is snapshotted onto the job, auto-assigning the
// default workflow when none is set.
func (e *Engine) resolvePlan(rt *Runtime) (models.StepList, error) {
	job := rt.Job

	injected := false
	for _, s := range job.Steps {
		if s.StepType != "" {
			injected = true
			break
		}
	}
	if injected {
		rt.Logf("using %d pre-injected steps", len(job.Steps))
		return job.Steps, nil
	}

	wf := job.Workflow
	if wf == nil {
		def, err := e.deps.Jobs.DefaultWorkflow()
		if err != nil {
			return nil, ErrNoWorkflow
		}
		wf = def
		job.WorkflowID = &def.ID
		job.Workflow = def
		if err := e.deps.Jobs.SaveJob(job); err != nil {
			return nil, err
		}
		rt.Logf("no workflow assigned, using default %q", def.Name)
	}
	if len(wf.Steps) == 0 {
		return nil, fmt.Errorf("workflow %q has no steps", wf.Name)
	}

	plan := make(models.StepList, 0, len(wf.Steps))
	for _, ws := range wf.Steps {
		plan = append(plan, models.StepRecord{
			Name:     ws.Name,
			StepType: ws.StepType,
			Status:   models.StepStatusPending,
			Config:   ws.Config,
		})
	}
	if err := e.deps.Jobs.SetJobSteps(job.ID, plan); err != nil {
		return nil, err
	}
	job.Steps = plan
	return plan, nil
}

func (e *Engine) record(rt *Runtime, idx int, rec *models.StepRecord, status string) {
	rec.Status = status
	rec.Timestamp = time.Now().Format("2006-01-02 15:04:05")
	if err := e.deps.Jobs.UpsertJobStep(rt.Job.ID, idx, *rec); err != nil {
		e.deps.Log.WithError(err).WithField("job", rt.Job.ID).Warn("record step")
	}
}

func (e *Engine) continueOnFailure(cfg models.StepConfig) bool {
	if cfg != nil {
		if _, set := cfg["continue_on_failure"]; set {
			return cfg.Bool("continue_on_failure")
		}
	}
	return e.deps.ContinueOnFailure
}

func (e *Engine) banner(rt *Runtime, msg string) {
	bar := strings.Repeat("=", 80)
	rt.Logf("%s", bar)
	rt.Logf("%s", msg)
	rt.Logf("%s", bar)
	e.deps.Log.WithField("job", rt.Job.ID).Info(msg)
}
