package ztp

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"swim/internal/models"
)

// RegisterRoutes mounts the webhook under the given root router.
func (p *Provisioner) RegisterRoutes(root *mux.Router) {
	root.HandleFunc("/api/ztp/webhook/{token}", p.handleWebhook).Methods(http.MethodPost)
}

// handleWebhook accepts a device call-home. The response is 202: the upgrade
// itself runs long after this request is gone.
func (p *Provisioner) handleWebhook(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]

	var report DeviceReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "invalid payload", err.Error(), nil)
		return
	}

	out, err := p.Provision(r.Context(), token, report)
	if err != nil {
		if errors.Is(err, ErrUnknownToken) {
			models.WriteProblem(w, http.StatusNotFound, "unknown token", "", nil)
			return
		}
		models.WriteProblem(w, http.StatusBadRequest, "provisioning refused", err.Error(), nil)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(out)
}
