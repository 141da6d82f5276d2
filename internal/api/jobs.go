// Package api exposes the job-management REST surface.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"swim/internal/models"
	"swim/internal/orchestrate"
	"swim/internal/repo"
	"swim/internal/scheduler"
)

// JobStore — персистентность, нужная ручкам.
type JobStore interface {
	CreateJob(j *models.Job) error
	GetJob(id uint) (*models.Job, error)
	ListJobs(status string, limit, offset int) ([]models.Job, error)
	JobStatus(id uint) (string, error)
	SetJobStatus(id uint, status string) error
	ScheduleJob(id uint, at time.Time, status string) error
	AppendJobLog(id uint, line string) error
	CountJobs(statuses ...string) (map[string]int64, error)
	GetDevice(id uint) (*models.Device, error)
}

type Runner interface {
	RunJob(ctx context.Context, jobID uint) error
}

type JobsHTTP struct {
	store  JobStore
	runner Runner
	orch   *orchestrate.Orchestrator
	sched  *scheduler.Scheduler
	log    *logrus.Logger
}

func NewJobsHTTP(store JobStore, runner Runner, orch *orchestrate.Orchestrator, sched *scheduler.Scheduler, log *logrus.Logger) *JobsHTTP {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &JobsHTTP{store: store, runner: runner, orch: orch, sched: sched, log: log}
}

func (h *JobsHTTP) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/jobs", h.createJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs", h.listJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs/bulk", h.createBatch).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}", h.getJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/log", h.getJobLog).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/steps", h.getJobSteps).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/cancel", h.cancelJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/reschedule", h.rescheduleJob).Methods(http.MethodPost)

	api.HandleFunc("/system/status", h.systemStatus).Methods(http.MethodGet)
}

type jobRequest struct {
	DeviceID                uint       `json:"device_id"`
	ImageID                 *uint      `json:"image_id"`
	FileServerID            *uint      `json:"file_server_id"`
	WorkflowID              *uint      `json:"workflow_id"`
	TaskName                string     `json:"task_name"`
	DistributionTime        *time.Time `json:"distribution_time"`
	ActivateAfterDistribute *bool      `json:"activate_after_distribute"`
	CleanupFlash            bool       `json:"cleanup_flash"`
}

func (h *JobsHTTP) createJob(w http.ResponseWriter, r *http.Request) {
	var in jobRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if in.DeviceID == 0 {
		http.Error(w, "device_id required", 400)
		return
	}
	if _, err := h.store.GetDevice(in.DeviceID); err != nil {
		models.WriteProblem(w, http.StatusNotFound, "unknown device", "", nil)
		return
	}

	j := &models.Job{
		DeviceID:                in.DeviceID,
		ImageID:                 in.ImageID,
		FileServerID:            in.FileServerID,
		WorkflowID:              in.WorkflowID,
		TaskName:                in.TaskName,
		CleanupFlash:            in.CleanupFlash,
		ActivateAfterDistribute: true,
		Status:                  models.JobPending,
	}
	if in.TaskName == "" {
		j.TaskName = "Upgrade-Task"
	}
	if in.ActivateAfterDistribute != nil {
		j.ActivateAfterDistribute = *in.ActivateAfterDistribute
	}
	if in.DistributionTime != nil {
		j.Status = models.JobScheduled
		j.DistributionTime = in.DistributionTime
	}
	if err := h.store.CreateJob(j); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}

	// immediate jobs start right away; scheduled ones wait for their window
	if j.Status == models.JobPending {
		go func(id uint) {
			if err := h.runner.RunJob(context.Background(), id); err != nil {
				h.log.WithError(err).WithField("job", id).Error("job run failed")
			}
		}(j.ID)
	}

	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(j)
}

type batchRequest struct {
	DeviceIDs        []uint     `json:"device_ids"`
	ImageID          *uint      `json:"image_id"`
	WorkflowID       *uint      `json:"workflow_id"`
	TaskName         string     `json:"task_name"`
	Mode             string     `json:"mode"` // parallel | sequential
	DistributionTime *time.Time `json:"distribution_time"`
	DelaySeconds     int        `json:"delay_seconds"`
}

func (h *JobsHTTP) createBatch(w http.ResponseWriter, r *http.Request) {
	var in batchRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if len(in.DeviceIDs) == 0 {
		http.Error(w, "device_ids required", 400)
		return
	}
	mode := in.Mode
	if mode == "" {
		mode = models.ModeParallel
	}
	if mode != models.ModeParallel && mode != models.ModeSequential {
		http.Error(w, "mode must be parallel or sequential", 400)
		return
	}

	batchID := uuid.NewString()
	taskName := in.TaskName
	if taskName == "" {
		taskName = "Batch-" + batchID[:8]
	}

	ids := make([]uint, 0, len(in.DeviceIDs))
	for _, devID := range in.DeviceIDs {
		if _, err := h.store.GetDevice(devID); err != nil {
			models.WriteProblem(w, http.StatusNotFound, "unknown device",
				"device "+strconv.FormatUint(uint64(devID), 10), nil)
			return
		}
		j := &models.Job{
			DeviceID:                devID,
			ImageID:                 in.ImageID,
			WorkflowID:              in.WorkflowID,
			TaskName:                taskName,
			ExecutionMode:           mode,
			BatchID:                 batchID,
			ActivateAfterDistribute: true,
			Status:                  models.JobPending,
		}
		if err := h.store.CreateJob(j); err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		ids = append(ids, j.ID)
	}

	if in.DistributionTime != nil {
		if err := h.orch.Schedule(batchID, *in.DistributionTime, mode); err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
	} else {
		go func() {
			err := h.orch.Launch(context.Background(), batchID, orchestrate.LaunchOptions{
				Mode:  mode,
				Delay: time.Duration(in.DelaySeconds) * time.Second,
			})
			if err != nil {
				h.log.WithError(err).WithField("batch", batchID).Error("batch launch failed")
			}
		}()
	}

	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"batch_id": batchID,
		"job_ids":  ids,
		"mode":     mode,
	})
}

func (h *JobsHTTP) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	jobs, err := h.store.ListJobs(q.Get("status"), limit, offset)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	_ = json.NewEncoder(w).Encode(jobs)
}

func (h *JobsHTTP) getJob(w http.ResponseWriter, r *http.Request) {
	j, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	_ = json.NewEncoder(w).Encode(j)
}

func (h *JobsHTTP) getJobLog(w http.ResponseWriter, r *http.Request) {
	j, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(j.Log))
}

func (h *JobsHTTP) getJobSteps(w http.ResponseWriter, r *http.Request) {
	j, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	_ = json.NewEncoder(w).Encode(j.Steps)
}

func (h *JobsHTTP) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	st, err := h.store.JobStatus(id)
	if err != nil {
		models.WriteProblem(w, http.StatusNotFound, "unknown job", "", nil)
		return
	}
	if models.IsTerminal(st) {
		models.WriteProblem(w, http.StatusConflict, "job already finished",
			"status is "+st, nil)
		return
	}
	if err := h.store.SetJobStatus(id, models.JobCancelled); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	_ = h.store.AppendJobLog(id, "["+time.Now().Format("2006-01-02 15:04:05")+"] cancel requested via API\n")
	h.log.WithField("job", id).Info("job cancelled via API")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": models.JobCancelled})
}

func (h *JobsHTTP) rescheduleJob(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	var in struct {
		DistributionTime time.Time `json:"distribution_time"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if in.DistributionTime.IsZero() {
		http.Error(w, "distribution_time required", 400)
		return
	}

	st, err := h.store.JobStatus(id)
	if err != nil {
		models.WriteProblem(w, http.StatusNotFound, "unknown job", "", nil)
		return
	}
	switch st {
	case models.JobRunning, models.JobDistributing, models.JobDistributed, models.JobActivating:
		models.WriteProblem(w, http.StatusConflict, "job is running",
			"cancel it before rescheduling", nil)
		return
	}
	if err := h.store.ScheduleJob(id, in.DistributionTime, models.JobScheduled); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	_ = h.store.AppendJobLog(id, "["+time.Now().Format("2006-01-02 15:04:05")+"] rescheduled to "+
		in.DistributionTime.Format(time.RFC3339)+"\n")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": models.JobScheduled})
}

func (h *JobsHTTP) systemStatus(w http.ResponseWriter, _ *http.Request) {
	counts, err := h.store.CountJobs(
		models.JobPending, models.JobScheduled, models.JobRunning,
		models.JobDistributing, models.JobDistributed, models.JobActivating,
		models.JobSuccess, models.JobFailed, models.JobCancelled,
	)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := map[string]any{"jobs": counts}
	if h.sched != nil {
		st, healthy := h.sched.Health()
		out["scheduler"] = st
		out["scheduler_healthy"] = healthy
	}
	_ = json.NewEncoder(w).Encode(out)
}

func (h *JobsHTTP) loadJob(w http.ResponseWriter, r *http.Request) (*models.Job, bool) {
	j, err := h.store.GetJob(pathID(r))
	if err != nil {
		if repo.IsNotFound(err) {
			models.WriteProblem(w, http.StatusNotFound, "unknown job", "", nil)
		} else {
			http.Error(w, err.Error(), 500)
		}
		return nil, false
	}
	return j, true
}

func pathID(r *http.Request) uint {
	id, _ := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	return uint(id)
}
