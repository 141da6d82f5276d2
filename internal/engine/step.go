// Package engine runs upgrade jobs: it resolves the step plan, walks it in
// order and records every outcome onto the job itself.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"swim/internal/distribute"
	"swim/internal/models"
	"swim/internal/session"
	"swim/internal/strategy"
)

// Store is what the engine needs from persistence.
type Store interface {
	GetJob(id uint) (*models.Job, error)
	SaveJob(j *models.Job) error
	JobStatus(id uint) (string, error)
	SetJobStatus(id uint, status string) error
	AppendJobLog(id uint, line string) error
	SetJobSteps(id uint, steps models.StepList) error
	UpsertJobStep(id uint, idx int, rec models.StepRecord) error
	DefaultWorkflow() (*models.Workflow, error)
	CredentialsFor(d *models.Device) session.Credentials
	UpdateFacts(id uint, version, reachability, syncStatus string) error
}

// CheckSource provides validation checks and their run records.
type CheckSource interface {
	ChecksForJob(j *models.Job, phase string) ([]models.ValidationCheck, error)
	CreateCheckRun(r *models.CheckRun) error
	FinishCheckRun(id uint, status, output string) error
	RunsForJob(jobID uint, phase string) ([]models.CheckRun, error)
}

type Deps struct {
	Jobs        Store
	Checks      CheckSource
	Distributor *distribute.Distributor
	Readiness   *strategy.ReadinessRegistry
	Activation  *strategy.ActivationRegistry
	Dialer      session.Dialer
	Log         *logrus.Logger

	// ContinueOnFailure lets a failed step fall through to the next one
	// instead of failing the whole job.
	ContinueOnFailure bool

	// Ping overrides the host reachability probe (ICMP by default).
	Ping func(ctx context.Context, host string, count int) error
}

// StepResult — исход одного шага.
type StepResult struct {
	Status  string // success | failed | warning | skipped
	Message string
}

func success(msg string) StepResult { return StepResult{Status: models.StepStatusSuccess, Message: msg} }
func failed(msg string) StepResult  { return StepResult{Status: models.StepStatusFailed, Message: msg} }
func warning(msg string) StepResult { return StepResult{Status: models.StepStatusWarning, Message: msg} }

// Step is one executable unit of a job plan.
//
// CanProceed gates execution on the job's own step records (prerequisites);
// a false return records the step as skipped without touching the device.
type Step interface {
	CanProceed(ctx context.Context, rt *Runtime, cfg models.StepConfig) (bool, string)
	Run(ctx context.Context, rt *Runtime, cfg models.StepConfig) (StepResult, error)
}

// Registry — dispatch table step_type → implementation. Unknown types are
// logged and skipped by the engine, so an old job with a step this build
// does not understand still completes.
type Registry struct {
	steps map[string]Step
}

func NewRegistry() *Registry {
	return &Registry{steps: map[string]Step{}}
}

func (r *Registry) Register(stepType string, s Step) {
	r.steps[stepType] = s
}

func (r *Registry) Lookup(stepType string) (Step, bool) {
	s, ok := r.steps[stepType]
	return s, ok
}

// DefaultRegistry wires every built-in step type.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(models.StepReadiness, &ReadinessStep{})
	r.Register(models.StepDistribution, &DistributionStep{})
	r.Register(models.StepPreCheck, &CheckStep{Phase: models.CheckPhasePre})
	r.Register(models.StepPostCheck, &CheckStep{Phase: models.CheckPhasePost})
	r.Register(models.StepActivation, &ActivationStep{})
	r.Register(models.StepPing, &PingStep{})
	r.Register(models.StepWait, &WaitStep{})
	r.Register(models.StepVerification, &VerificationStep{})
	return r
}

// Runtime carries per-job state across steps: the job, its device/image and
// one lazily opened device session shared by all steps.
type Runtime struct {
	Job    *models.Job
	Device *models.Device
	Image  *models.Image

	deps *Deps

	sess      session.Session
	sessErr   error
	connected bool
}

func (rt *Runtime) Deps() *Deps { return rt.deps }

// Logf appends a timestamped line to the job log.
func (rt *Runtime) Logf(format string, args ...any) {
	line := "[" + time.Now().Format("2006-01-02 15:04:05") + "] " +
		fmt.Sprintf(format, args...) + "\n"
	if err := rt.deps.Jobs.AppendJobLog(rt.Job.ID, line); err != nil {
		rt.deps.Log.WithError(err).WithField("job", rt.Job.ID).Warn("append job log")
	}
}

// Target builds the session target for the job's device.
func (rt *Runtime) Target() session.Target {
	return session.Target{
		Hostname: rt.Device.Hostname,
		Address:  rt.Device.IPAddress,
		Platform: rt.Device.Platform,
		Creds:    rt.deps.Jobs.CredentialsFor(rt.Device),
	}
}

const (
	connectRetries = 3
	connectDelay   = 10 * time.Second
)

// Session returns the shared device session, connecting on first use with
// retries. The engine disconnects it when the job finishes.
func (rt *Runtime) Session(ctx context.Context) (session.Session, error) {
	if rt.connected {
		return rt.sess, nil
	}
	if rt.sessErr != nil {
		return nil, rt.sessErr
	}
	target := rt.Target()
	s := rt.deps.Dialer.Dial(target)
	var err error
	for i := 0; i < connectRetries; i++ {
		if err = s.Connect(ctx); err == nil {
			rt.sess, rt.connected = s, true
			return s, nil
		}
		rt.Logf("connect attempt %d/%d to %s failed: %v", i+1, connectRetries, rt.Device.Hostname, err)
		select {
		case <-ctx.Done():
			rt.sessErr = ctx.Err()
			return nil, rt.sessErr
		case <-time.After(connectDelay):
		}
	}
	rt.sessErr = session.ConnectError(target, err)
	return nil, rt.sessErr
}

func (rt *Runtime) close() {
	if rt.connected && rt.sess != nil {
		_ = rt.sess.Disconnect()
		rt.connected = false
	}
}

// stepOutcome finds the recorded status of the first step with the given
// type on the job's execution record.
func stepOutcome(steps models.StepList, stepType string) (string, bool) {
	for _, s := range steps {
		if s.StepType == stepType {
			return s.Status, true
		}
	}
	return "", false
}

func outcomePassed(status string) bool {
	return status == models.StepStatusSuccess || status == models.StepStatusWarning
}
