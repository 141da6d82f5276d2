package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"swim/internal/models"
)

// CheckStep runs the job's validation checks for one phase. The post phase
// additionally diffs each check's output against its pre-phase run and
// writes the differences into the job log.
type CheckStep struct {
	Phase string // pre | post
}

func (*CheckStep) CanProceed(context.Context, *Runtime, models.StepConfig) (bool, string) {
	return true, ""
}

func (c *CheckStep) Run(ctx context.Context, rt *Runtime, cfg models.StepConfig) (StepResult, error) {
	checks, err := rt.Deps().Checks.ChecksForJob(rt.Job, c.Phase)
	if err != nil {
		return StepResult{}, fmt.Errorf("load checks: %w", err)
	}
	if len(checks) == 0 {
		return success("no validation checks configured"), nil
	}

	sess, err := rt.Session(ctx)
	if err != nil {
		return failed(fmt.Sprintf("cannot reach device: %v", err)), nil
	}

	failures := 0
	for _, chk := range checks {
		run := &models.CheckRun{
			DeviceID:          rt.Device.ID,
			JobID:             &rt.Job.ID,
			ValidationCheckID: chk.ID,
			Phase:             c.Phase,
			Status:            models.CheckRunRunning,
		}
		if err := rt.Deps().Checks.CreateCheckRun(run); err != nil {
			return StepResult{}, fmt.Errorf("create check run: %w", err)
		}

		// script/genie выполняются внешним тулингом; здесь только команды
		if chk.Category != models.CheckCategoryCommand {
			rt.Logf("check %q skipped: category %q needs external tooling", chk.Name, chk.Category)
			if err := rt.Deps().Checks.FinishCheckRun(run.ID, models.CheckRunSkipped,
				fmt.Sprintf("category %q not executable in-process", chk.Category)); err != nil {
				return StepResult{}, fmt.Errorf("finish check run: %w", err)
			}
			continue
		}

		out, err := sess.Execute(ctx, chk.Command, 2*time.Minute)
		status := models.CheckRunSuccess
		if err != nil {
			status = models.CheckRunFailed
			out = fmt.Sprintf("error: %v", err)
			failures++
			rt.Logf("check %q failed: %v", chk.Name, err)
		} else {
			rt.Logf("check %q captured (%d bytes)", chk.Name, len(out))
		}
		if err := rt.Deps().Checks.FinishCheckRun(run.ID, status, out); err != nil {
			return StepResult{}, fmt.Errorf("finish check run: %w", err)
		}
	}

	if c.Phase == models.CheckPhasePost {
		c.diffAgainstPre(rt)
	}

	if failures > 0 {
		// captured state is advisory; a failed capture should not abort the
		// upgrade on its own
		return warning(fmt.Sprintf("%d of %d checks failed to capture", failures, len(checks))), nil
	}
	return success(fmt.Sprintf("%d checks captured", len(checks))), nil
}

func (c *CheckStep) diffAgainstPre(rt *Runtime) {
	pre, err := rt.Deps().Checks.RunsForJob(rt.Job.ID, models.CheckPhasePre)
	if err != nil || len(pre) == 0 {
		return
	}
	post, err := rt.Deps().Checks.RunsForJob(rt.Job.ID, models.CheckPhasePost)
	if err != nil {
		return
	}

	preByCheck := make(map[uint]models.CheckRun, len(pre))
	for _, r := range pre {
		preByCheck[r.ValidationCheckID] = r
	}

	changed := 0
	for _, r := range post {
		before, ok := preByCheck[r.ValidationCheckID]
		if !ok {
			continue
		}
		d := diffLines(before.Output, r.Output)
		if d == "" {
			continue
		}
		changed++
		name := fmt.Sprint(r.ValidationCheckID)
		if r.ValidationCheck != nil {
			name = r.ValidationCheck.Name
		}
		rt.Logf("check %q changed between pre and post:\n%s", name, d)
	}
	if changed == 0 {
		rt.Logf("pre/post outputs identical for all checks")
	}
}

// diffLines — строчный диф: "-" ушло, "+" появилось. Empty when equal.
func diffLines(before, after string) string {
	if before == after {
		return ""
	}
	a := strings.Split(before, "\n")
	b := strings.Split(after, "\n")

	inA := make(map[string]int, len(a))
	for _, l := range a {
		inA[l]++
	}
	inB := make(map[string]int, len(b))
	for _, l := range b {
		inB[l]++
	}

	var sb strings.Builder
	for _, l := range a {
		if inB[l] == 0 {
			sb.WriteString("- " + l + "\n")
		}
	}
	for _, l := range b {
		if inA[l] == 0 {
			sb.WriteString("+ " + l + "\n")
		}
	}
	return strings.TrimSuffix(sb.String(), "\n")
}
