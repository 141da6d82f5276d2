package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swim/internal/models"
	"swim/internal/orchestrate"
	"swim/internal/repo"
)

type recordingRunner struct {
	mu   sync.Mutex
	runs []uint
	done chan uint
}

func newRecordingRunner() *recordingRunner {
	return &recordingRunner{done: make(chan uint, 16)}
}

func (r *recordingRunner) RunJob(_ context.Context, jobID uint) error {
	r.mu.Lock()
	r.runs = append(r.runs, jobID)
	r.mu.Unlock()
	r.done <- jobID
	return nil
}

func (r *recordingRunner) ran() []uint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint(nil), r.runs...)
}

type fixture struct {
	store  *repo.MemStore
	runner *recordingRunner
	router *mux.Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	store := repo.NewMemStore()
	runner := newRecordingRunner()
	orch := orchestrate.New(store, runner, log)

	r := mux.NewRouter()
	NewJobsHTTP(store, runner, orch, nil, log).RegisterRoutes(r)
	NewWorkflowsHTTP(store, log).RegisterRoutes(r)
	return &fixture{store: store, runner: runner, router: r}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) seedDevice(t *testing.T) *models.Device {
	t.Helper()
	d := &models.Device{Hostname: "sw1", IPAddress: "10.0.0.1", Platform: "iosxe"}
	require.NoError(t, f.store.CreateDevice(d))
	return d
}

func TestCreateJobImmediate(t *testing.T) {
	f := newFixture(t)
	dev := f.seedDevice(t)

	rec := f.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{"device_id": dev.ID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var j models.Job
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&j))
	assert.Equal(t, models.JobPending, j.Status)
	assert.Equal(t, "Upgrade-Task", j.TaskName)

	select {
	case id := <-f.runner.done:
		assert.Equal(t, j.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("immediate job was never dispatched")
	}
}

func TestCreateJobScheduled(t *testing.T) {
	f := newFixture(t)
	dev := f.seedDevice(t)

	at := time.Now().Add(time.Hour).UTC()
	rec := f.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{
		"device_id": dev.ID, "distribution_time": at,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var j models.Job
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&j))
	assert.Equal(t, models.JobScheduled, j.Status)
	require.NotNil(t, j.DistributionTime)

	// scheduled jobs wait for the scheduler, no immediate dispatch
	select {
	case <-f.runner.done:
		t.Fatal("scheduled job must not run immediately")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCreateJobUnknownDevice(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{"device_id": 999})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelJob(t *testing.T) {
	f := newFixture(t)
	dev := f.seedDevice(t)
	j := &models.Job{DeviceID: dev.ID, Status: models.JobRunning}
	require.NoError(t, f.store.CreateJob(j))

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/jobs/%d/cancel", j.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	st, _ := f.store.JobStatus(j.ID)
	assert.Equal(t, models.JobCancelled, st)
	got, _ := f.store.GetJob(j.ID)
	assert.Contains(t, got.Log, "cancel requested")

	// a second cancel hits a terminal job
	rec = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/jobs/%d/cancel", j.ID), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRescheduleJob(t *testing.T) {
	f := newFixture(t)
	dev := f.seedDevice(t)

	running := &models.Job{DeviceID: dev.ID, Status: models.JobDistributing}
	require.NoError(t, f.store.CreateJob(running))
	rec := f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/jobs/%d/reschedule", running.ID),
		map[string]any{"distribution_time": time.Now().Add(time.Hour)})
	assert.Equal(t, http.StatusConflict, rec.Code)

	cancelled := &models.Job{DeviceID: dev.ID, Status: models.JobCancelled}
	require.NoError(t, f.store.CreateJob(cancelled))
	at := time.Now().Add(2 * time.Hour).UTC()
	rec = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/jobs/%d/reschedule", cancelled.ID),
		map[string]any{"distribution_time": at})
	require.Equal(t, http.StatusOK, rec.Code)

	got, _ := f.store.GetJob(cancelled.ID)
	assert.Equal(t, models.JobScheduled, got.Status)
	require.NotNil(t, got.DistributionTime)
	assert.WithinDuration(t, at, *got.DistributionTime, time.Second)
}

func TestCreateBatchParallel(t *testing.T) {
	f := newFixture(t)
	d1 := f.seedDevice(t)
	d2 := &models.Device{Hostname: "sw2", IPAddress: "10.0.0.2", Platform: "iosxe"}
	require.NoError(t, f.store.CreateDevice(d2))

	rec := f.do(t, http.MethodPost, "/api/v1/jobs/bulk", map[string]any{
		"device_ids": []uint{d1.ID, d2.ID},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var out struct {
		BatchID string `json:"batch_id"`
		JobIDs  []uint `json:"job_ids"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	require.Len(t, out.JobIDs, 2)

	for i := 0; i < 2; i++ {
		select {
		case <-f.runner.done:
		case <-time.After(2 * time.Second):
			t.Fatal("batch jobs were not dispatched")
		}
	}
	assert.ElementsMatch(t, out.JobIDs, f.runner.ran())

	jobs, err := f.store.JobsByBatch(out.BatchID)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestCreateBatchScheduledSequential(t *testing.T) {
	f := newFixture(t)
	d1 := f.seedDevice(t)
	d2 := &models.Device{Hostname: "sw2", Platform: "iosxe"}
	require.NoError(t, f.store.CreateDevice(d2))

	at := time.Now().Add(time.Hour).UTC()
	rec := f.do(t, http.MethodPost, "/api/v1/jobs/bulk", map[string]any{
		"device_ids":        []uint{d1.ID, d2.ID},
		"mode":              "sequential",
		"distribution_time": at,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var out struct {
		JobIDs []uint `json:"job_ids"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	require.Len(t, out.JobIDs, 2)

	st, _ := f.store.JobStatus(out.JobIDs[0])
	assert.Equal(t, models.JobScheduled, st)
	st, _ = f.store.JobStatus(out.JobIDs[1])
	assert.Equal(t, models.JobPending, st)
}

func TestSystemStatus(t *testing.T) {
	f := newFixture(t)
	dev := f.seedDevice(t)
	for _, st := range []string{models.JobSuccess, models.JobSuccess, models.JobFailed} {
		require.NoError(t, f.store.CreateJob(&models.Job{DeviceID: dev.ID, Status: st}))
	}

	rec := f.do(t, http.MethodGet, "/api/v1/system/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Jobs map[string]int64 `json:"jobs"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	assert.EqualValues(t, 2, out.Jobs[models.JobSuccess])
	assert.EqualValues(t, 1, out.Jobs[models.JobFailed])
}

func TestWorkflowCRUDAndGuards(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/workflows", map[string]any{
		"name":       "standard",
		"is_default": true,
		"steps": []map[string]any{
			{"name": "Readiness", "step_type": "readiness"},
			{"name": "Distribution", "step_type": "distribution"},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var wf models.Workflow
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&wf))
	require.Len(t, wf.Steps, 2)
	assert.Equal(t, 1, wf.Steps[0].StepOrder)

	// deleting the only workflow is refused
	rec = f.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/workflows/%d", wf.ID), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/workflows", map[string]any{"name": "other"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var other models.Workflow
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&other))

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/workflows/%d/set_default", other.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	def, err := f.store.DefaultWorkflow()
	require.NoError(t, err)
	assert.Equal(t, other.ID, def.ID)

	// now the first one can go
	rec = f.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/workflows/%d", wf.ID), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
