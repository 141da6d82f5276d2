package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"swim/internal/models"
	"swim/internal/repo"
)

type WorkflowStore interface {
	GetWorkflow(id uint) (*models.Workflow, error)
	ListWorkflows() ([]models.Workflow, error)
	CreateWorkflow(w *models.Workflow) error
	SaveWorkflow(w *models.Workflow) error
	DeleteWorkflow(id uint) error
	SetDefault(id uint) error
}

type WorkflowsHTTP struct {
	store WorkflowStore
	log   *logrus.Logger
}

func NewWorkflowsHTTP(store WorkflowStore, log *logrus.Logger) *WorkflowsHTTP {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &WorkflowsHTTP{store: store, log: log}
}

func (h *WorkflowsHTTP) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/workflows", h.create).Methods(http.MethodPost)
	api.HandleFunc("/workflows", h.list).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{id}", h.get).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{id}", h.update).Methods(http.MethodPut, http.MethodPatch)
	api.HandleFunc("/workflows/{id}", h.delete).Methods(http.MethodDelete)
	api.HandleFunc("/workflows/{id}/set_default", h.setDefault).Methods(http.MethodPost)
}

type workflowStepIn struct {
	Name     string            `json:"name"`
	StepType string            `json:"step_type"`
	Order    int               `json:"order"`
	Config   models.StepConfig `json:"config"`
}

func (h *WorkflowsHTTP) create(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name        string           `json:"name"`
		Description string           `json:"description"`
		IsDefault   bool             `json:"is_default"`
		Steps       []workflowStepIn `json:"steps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if in.Name == "" {
		http.Error(w, "name required", 400)
		return
	}
	wf := &models.Workflow{Name: in.Name, Description: in.Description, IsDefault: in.IsDefault}
	for i, s := range in.Steps {
		order := s.Order
		if order == 0 {
			order = i + 1
		}
		wf.Steps = append(wf.Steps, models.WorkflowStep{
			Name: s.Name, StepType: s.StepType, StepOrder: order, Config: s.Config,
		})
	}
	if err := h.store.CreateWorkflow(wf); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if in.IsDefault {
		_ = h.store.SetDefault(wf.ID)
	}
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(wf)
}

func (h *WorkflowsHTTP) list(w http.ResponseWriter, _ *http.Request) {
	ws, err := h.store.ListWorkflows()
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	_ = json.NewEncoder(w).Encode(ws)
}

func (h *WorkflowsHTTP) get(w http.ResponseWriter, r *http.Request) {
	wf, err := h.store.GetWorkflow(pathID(r))
	if err != nil {
		models.WriteProblem(w, http.StatusNotFound, "unknown workflow", "", nil)
		return
	}
	_ = json.NewEncoder(w).Encode(wf)
}

func (h *WorkflowsHTTP) update(w http.ResponseWriter, r *http.Request) {
	wf, err := h.store.GetWorkflow(pathID(r))
	if err != nil {
		models.WriteProblem(w, http.StatusNotFound, "unknown workflow", "", nil)
		return
	}
	var in struct {
		Name        *string           `json:"name"`
		Description *string           `json:"description"`
		Steps       *[]workflowStepIn `json:"steps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if in.Name != nil {
		wf.Name = *in.Name
	}
	if in.Description != nil {
		wf.Description = *in.Description
	}
	if in.Steps != nil {
		wf.Steps = nil
		for i, s := range *in.Steps {
			order := s.Order
			if order == 0 {
				order = i + 1
			}
			wf.Steps = append(wf.Steps, models.WorkflowStep{
				WorkflowID: wf.ID, Name: s.Name, StepType: s.StepType,
				StepOrder: order, Config: s.Config,
			})
		}
	}
	if err := h.store.SaveWorkflow(wf); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	_ = json.NewEncoder(w).Encode(wf)
}

func (h *WorkflowsHTTP) delete(w http.ResponseWriter, r *http.Request) {
	err := h.store.DeleteWorkflow(pathID(r))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, repo.ErrLastWorkflow):
		models.WriteProblem(w, http.StatusConflict, "cannot delete",
			"at least one workflow must remain", nil)
	case repo.IsNotFound(err):
		models.WriteProblem(w, http.StatusNotFound, "unknown workflow", "", nil)
	default:
		http.Error(w, err.Error(), 500)
	}
}

func (h *WorkflowsHTTP) setDefault(w http.ResponseWriter, r *http.Request) {
	if err := h.store.SetDefault(pathID(r)); err != nil {
		if repo.IsNotFound(err) {
			models.WriteProblem(w, http.StatusNotFound, "unknown workflow", "", nil)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]bool{"is_default": true})
}
