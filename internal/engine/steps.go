package engine

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"swim/internal/distribute"
	"swim/internal/models"
	"swim/internal/strategy"
)

// ReadinessStep runs the capability-matched readiness strategy.
type ReadinessStep struct{}

func (*ReadinessStep) CanProceed(context.Context, *Runtime, models.StepConfig) (bool, string) {
	return true, ""
}

func (*ReadinessStep) Run(ctx context.Context, rt *Runtime, cfg models.StepConfig) (StepResult, error) {
	sess, err := rt.Session(ctx)
	if err != nil {
		return failed(fmt.Sprintf("cannot reach device: %v", err)), nil
	}
	strat := rt.Deps().Readiness.For(rt.Device)
	if strat == nil {
		return failed("no readiness strategy matches this device"), nil
	}
	rt.Logf("readiness strategy: %s", strat.Name())
	res, err := strat.Check(ctx, sess, rt.Device, rt.Image, rt.Logf)
	if err != nil {
		return StepResult{}, err
	}
	return fromStrategy(res), nil
}

// DistributionStep pushes the image onto the device.
type DistributionStep struct{}

func (*DistributionStep) CanProceed(_ context.Context, rt *Runtime, _ models.StepConfig) (bool, string) {
	if rt.Image == nil {
		return false, "job has no image attached"
	}
	return true, ""
}

func (*DistributionStep) Run(ctx context.Context, rt *Runtime, cfg models.StepConfig) (StepResult, error) {
	sess, err := rt.Session(ctx)
	if err != nil {
		return failed(fmt.Sprintf("cannot reach device: %v", err)), nil
	}
	_ = rt.Deps().Jobs.SetJobStatus(rt.Job.ID, models.JobDistributing)

	// cancels landing while the job waits on the transfer semaphore are
	// observed through the status column, the step context stays live
	cancelled := func() bool {
		st, err := rt.Deps().Jobs.JobStatus(rt.Job.ID)
		return err == nil && st == models.JobCancelled
	}
	err = rt.Deps().Distributor.Distribute(ctx, sess, rt.Target(), rt.Device, rt.Image, rt.Job.FileServer, cancelled, rt.Logf)
	if err != nil {
		if ctx.Err() != nil {
			return StepResult{}, ctx.Err()
		}
		if err == distribute.ErrChecksumMismatch {
			return failed("image checksum mismatch after transfer"), nil
		}
		return failed(fmt.Sprintf("distribution failed: %v", err)), nil
	}
	_ = rt.Deps().Jobs.SetJobStatus(rt.Job.ID, models.JobDistributed)
	return success(fmt.Sprintf("image %s on flash", rt.Image.Filename)), nil
}

// ActivationStep boots the new image. It refuses to run unless both the
// readiness and distribution steps of this job already passed; activating an
// image that never landed bricks the upgrade, not the device, but wastes a
// maintenance window.
type ActivationStep struct{}

func (*ActivationStep) CanProceed(_ context.Context, rt *Runtime, _ models.StepConfig) (bool, string) {
	if rt.Image == nil {
		return false, "job has no image attached"
	}
	for _, prereq := range []string{models.StepReadiness, models.StepDistribution} {
		st, found := stepOutcome(rt.Job.Steps, prereq)
		if !found {
			return false, fmt.Sprintf("prerequisite step %q missing from this job", prereq)
		}
		if !outcomePassed(st) {
			return false, fmt.Sprintf("prerequisite step %q is %q", prereq, st)
		}
	}
	return true, ""
}

func (*ActivationStep) Run(ctx context.Context, rt *Runtime, cfg models.StepConfig) (StepResult, error) {
	sess, err := rt.Session(ctx)
	if err != nil {
		return failed(fmt.Sprintf("cannot reach device: %v", err)), nil
	}
	_ = rt.Deps().Jobs.SetJobStatus(rt.Job.ID, models.JobActivating)

	strat := rt.Deps().Activation.For(rt.Device)
	if strat == nil {
		return failed("no activation strategy matches this device"), nil
	}
	rt.Logf("activation strategy: %s", strat.Name())
	res, err := strat.Activate(ctx, sess, rt.Device, rt.Image, rt.Logf)
	if err != nil {
		return StepResult{}, err
	}
	return fromStrategy(res), nil
}

// PingStep probes host reachability from the controller, typically placed
// after activation to wait out the reload.
type PingStep struct{}

func (*PingStep) CanProceed(context.Context, *Runtime, models.StepConfig) (bool, string) {
	return true, ""
}

func (*PingStep) Run(ctx context.Context, rt *Runtime, cfg models.StepConfig) (StepResult, error) {
	host := rt.Device.IPAddress
	if host == "" {
		host = rt.Device.Hostname
	}
	retries := cfg.Int("retries", 3)
	interval := time.Duration(cfg.Int("interval", 10)) * time.Second
	count := cfg.Int("count", 3)

	ping := rt.Deps().Ping
	if ping == nil {
		ping = execPing
	}

	var lastErr error
	for i := 0; i < retries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return StepResult{}, ctx.Err()
			case <-time.After(interval):
			}
		}
		if lastErr = ping(ctx, host, count); lastErr == nil {
			return success(fmt.Sprintf("%s answers ping", host)), nil
		}
		rt.Logf("ping attempt %d/%d to %s failed: %v", i+1, retries, host, lastErr)
	}
	return failed(fmt.Sprintf("%s unreachable after %d attempts: %v", host, retries, lastErr)), nil
}

func execPing(ctx context.Context, host string, count int) error {
	return exec.CommandContext(ctx, "ping", "-c", fmt.Sprint(count), "-W", "2", host).Run()
}

// WaitStep pauses the plan, e.g. to let a freshly reloaded stack converge.
type WaitStep struct{}

func (*WaitStep) CanProceed(context.Context, *Runtime, models.StepConfig) (bool, string) {
	return true, ""
}

func (*WaitStep) Run(ctx context.Context, rt *Runtime, cfg models.StepConfig) (StepResult, error) {
	secs := cfg.Int("seconds", 60)
	rt.Logf("waiting %d seconds", secs)
	select {
	case <-ctx.Done():
		return StepResult{}, ctx.Err()
	case <-time.After(time.Duration(secs) * time.Second):
	}
	return success(fmt.Sprintf("waited %d seconds", secs)), nil
}

var versionRe = regexp.MustCompile(`Version\s+([^,\s\]]+)`)

// VerificationStep confirms the device actually runs the target version and
// syncs the observed facts back onto the inventory record.
type VerificationStep struct{}

func (*VerificationStep) CanProceed(_ context.Context, rt *Runtime, _ models.StepConfig) (bool, string) {
	if rt.Image == nil || rt.Image.Version == "" {
		return false, "no target version to verify against"
	}
	return true, ""
}

func (*VerificationStep) Run(ctx context.Context, rt *Runtime, cfg models.StepConfig) (StepResult, error) {
	sess, err := rt.Session(ctx)
	if err != nil {
		return failed(fmt.Sprintf("cannot reach device: %v", err)), nil
	}
	out, err := sess.Execute(ctx, "show version", 60*time.Second)
	if err != nil {
		return StepResult{}, fmt.Errorf("show version: %w", err)
	}
	m := versionRe.FindStringSubmatch(out)
	if m == nil {
		return failed("could not parse running version"), nil
	}
	running := m[1]
	_ = rt.Deps().Jobs.UpdateFacts(rt.Device.ID, running, "Reachable", "Completed")

	if !strings.EqualFold(running, rt.Image.Version) {
		return failed(fmt.Sprintf("running version %s, expected %s", running, rt.Image.Version)), nil
	}
	return success(fmt.Sprintf("device runs target version %s", running)), nil
}

func fromStrategy(res strategy.Result) StepResult {
	switch {
	case res.OK && res.Warning:
		return warning(res.Message)
	case res.OK:
		return success(res.Message)
	default:
		return failed(res.Message)
	}
}
