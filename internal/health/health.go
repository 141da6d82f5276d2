// Package health exposes /healthz (liveness) and /readyz (readiness).
package health

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"gorm.io/gorm"

	"swim/internal/scheduler"
)

// RegisterRoutes mounts liveness only (no-DB mode).
func RegisterRoutes(root *mux.Router) {
	root.HandleFunc("/healthz", handleHealthz).Methods(http.MethodGet)
}

// RegisterRoutesWithChecks mounts liveness plus a readiness probe that
// checks the database connection and the scheduler loop.
func RegisterRoutesWithChecks(root *mux.Router, db *gorm.DB, sched *scheduler.Scheduler) {
	root.HandleFunc("/healthz", handleHealthz).Methods(http.MethodGet)
	root.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		type readiness struct {
			Database  string           `json:"database"`
			Scheduler scheduler.Status `json:"scheduler"`
			Ready     bool             `json:"ready"`
		}

		out := readiness{Database: "skipped", Ready: true}

		if db != nil {
			out.Database = "ok"
			sqlDB, err := db.DB()
			if err == nil {
				err = sqlDB.PingContext(r.Context())
			}
			if err != nil {
				out.Database = err.Error()
				out.Ready = false
			}
		}

		if sched != nil {
			st, healthy := sched.Health()
			out.Scheduler = st
			if !healthy {
				out.Ready = false
			}
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		if !out.Ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}).Methods(http.MethodGet)
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
