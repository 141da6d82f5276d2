package repo

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swim/internal/models"
)

func TestMemStoreAppendLogConcurrent(t *testing.T) {
	s := NewMemStore()
	j := &models.Job{}
	require.NoError(t, s.CreateJob(j))

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = s.AppendJobLog(j.ID, fmt.Sprintf("line-%d\n", n))
		}(i)
	}
	wg.Wait()

	got, err := s.GetJob(j.ID)
	require.NoError(t, err)
	for i := 0; i < writers; i++ {
		assert.Contains(t, got.Log, fmt.Sprintf("line-%d\n", i))
	}
}

func TestMemStoreTransitionStatusCAS(t *testing.T) {
	s := NewMemStore()
	j := &models.Job{Status: models.JobScheduled}
	require.NoError(t, s.CreateJob(j))

	ok, err := s.TransitionStatus(j.ID, models.JobScheduled, models.JobPending)
	require.NoError(t, err)
	assert.True(t, ok)

	// second claim must lose
	ok, err = s.TransitionStatus(j.ID, models.JobScheduled, models.JobPending)
	require.NoError(t, err)
	assert.False(t, ok)

	st, err := s.JobStatus(j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, st)
}

func TestMemStoreDueScheduledJobs(t *testing.T) {
	s := NewMemStore()
	now := time.Now()

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	due := &models.Job{Status: models.JobScheduled, DistributionTime: &past}
	notYet := &models.Job{Status: models.JobScheduled, DistributionTime: &future}
	wrongStatus := &models.Job{Status: models.JobPending, DistributionTime: &past}
	require.NoError(t, s.CreateJob(due))
	require.NoError(t, s.CreateJob(notYet))
	require.NoError(t, s.CreateJob(wrongStatus))

	jobs, err := s.DueScheduledJobs(now, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, due.ID, jobs[0].ID)
}

func TestMemStoreUpsertJobStep(t *testing.T) {
	s := NewMemStore()
	j := &models.Job{Steps: models.StepList{
		{Name: "Readiness", StepType: models.StepReadiness, Status: models.StepStatusPending},
	}}
	require.NoError(t, s.CreateJob(j))

	require.NoError(t, s.UpsertJobStep(j.ID, 0, models.StepRecord{
		Name: "Readiness", Status: models.StepStatusSuccess, Timestamp: "2026-01-01 10:00:00",
	}))
	require.NoError(t, s.UpsertJobStep(j.ID, 1, models.StepRecord{
		Name: "Distribution", StepType: models.StepDistribution, Status: models.StepStatusRunning,
	}))

	got, err := s.GetJob(j.ID)
	require.NoError(t, err)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, models.StepStatusSuccess, got.Steps[0].Status)
	assert.Equal(t, models.StepReadiness, got.Steps[0].StepType) // type preserved on update
	assert.Equal(t, "Distribution", got.Steps[1].Name)
}

func TestMemStoreUpsertJobStepPositional(t *testing.T) {
	s := NewMemStore()
	j := &models.Job{Steps: models.StepList{
		{Name: "Wait", StepType: models.StepWait, Status: models.StepStatusPending},
		{Name: "Wait", StepType: models.StepWait, Status: models.StepStatusPending},
	}}
	require.NoError(t, s.CreateJob(j))

	require.NoError(t, s.UpsertJobStep(j.ID, 1, models.StepRecord{
		Name: "Wait", Status: models.StepStatusRunning,
	}))

	got, err := s.GetJob(j.ID)
	require.NoError(t, err)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, models.StepStatusPending, got.Steps[0].Status, "same-named sibling must stay untouched")
	assert.Equal(t, models.StepStatusRunning, got.Steps[1].Status)
}

func TestMemStoreDeleteWorkflowGuards(t *testing.T) {
	s := NewMemStore()
	only := &models.Workflow{Name: "default", IsDefault: true}
	require.NoError(t, s.CreateWorkflow(only))

	assert.ErrorIs(t, s.DeleteWorkflow(only.ID), ErrLastWorkflow)

	second := &models.Workflow{Name: "other"}
	require.NoError(t, s.CreateWorkflow(second))
	require.NoError(t, s.DeleteWorkflow(only.ID))

	// default flag moves to the survivor
	w, err := s.DefaultWorkflow()
	require.NoError(t, err)
	assert.Equal(t, second.ID, w.ID)
	assert.True(t, w.IsDefault)
}

func TestMemStoreFileServerResolution(t *testing.T) {
	s := NewMemStore()

	global := &models.FileServer{Name: "global", IsGlobalDefault: true}
	regional := &models.FileServer{Name: "regional"}
	siteSrv := &models.FileServer{Name: "site"}
	preferred := &models.FileServer{Name: "preferred"}
	for _, fs := range []*models.FileServer{global, regional, siteSrv, preferred} {
		s.AddFileServer(fs)
	}

	region := &models.Region{Name: "emea", PreferredFileServerID: &regional.ID}
	s.AddRegion(region)
	site := &models.Site{Name: "ams", RegionID: &region.ID, PreferredFileServerID: &siteSrv.ID}
	s.AddSite(site)

	d := &models.Device{Hostname: "sw1", SiteID: &site.ID}

	fs, err := s.FileServerFor(d)
	require.NoError(t, err)
	assert.Equal(t, "site", fs.Name)

	// device preference wins over everything
	d.PreferredFileServerID = &preferred.ID
	fs, err = s.FileServerFor(d)
	require.NoError(t, err)
	assert.Equal(t, "preferred", fs.Name)

	// site without its own server falls back to region, then global
	site2 := &models.Site{Name: "lon", RegionID: &region.ID}
	s.AddSite(site2)
	d2 := &models.Device{Hostname: "sw2", SiteID: &site2.ID}
	fs, err = s.FileServerFor(d2)
	require.NoError(t, err)
	assert.Equal(t, "regional", fs.Name)

	d3 := &models.Device{Hostname: "sw3"}
	fs, err = s.FileServerFor(d3)
	require.NoError(t, err)
	assert.Equal(t, "global", fs.Name)
}

func TestMemStoreZTPCounterConservation(t *testing.T) {
	s := NewMemStore()
	z := &models.ZTPWorkflow{Name: "branch", WebhookToken: "tok"}
	s.AddZTPWorkflow(z)

	require.NoError(t, s.BumpCounters(z.ID, 3, 1, 2))
	require.NoError(t, s.BumpCounters(z.ID, 1, 0, 0))

	got, err := s.PolicyByToken("tok")
	require.NoError(t, err)
	assert.Equal(t, got.Total, got.Completed+got.Failed+got.Skipped)
	assert.Equal(t, int64(7), got.Total)
}
