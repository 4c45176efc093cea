package proxy

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// The admin surface below is not part of the OpenAI-compatible contract;
// it exists because a supervisor with no status/ops surface isn't
// operable. Kept intentionally thin — the fuller admin surface (stop-all,
// restart-autostart) stays out of scope.

type adminModelStatus struct {
	PrimaryName   string `json:"primary_name"`
	Status        string `json:"status"`
	PendingCount  int    `json:"pending_count"`
	ConfigSource  string `json:"config_source,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

func (r *Router) handleAdminStatus(w http.ResponseWriter, req *http.Request) {
	statuses := r.ctrl.ListStatus()
	out := make([]adminModelStatus, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, adminModelStatus{
			PrimaryName:   s.PrimaryName,
			Status:        string(s.Status),
			PendingCount:  s.PendingCount,
			ConfigSource:  s.ConfigSource,
			FailureReason: s.FailureReason,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Router) handleAdminLogs(w http.ResponseWriter, req *http.Request) {
	name := chi.URLParam(req, "name")
	writeJSON(w, http.StatusOK, map[string]interface{}{"lines": r.ctrl.GetLog(name)})
}

func (r *Router) handleAdminStart(w http.ResponseWriter, req *http.Request) {
	name := chi.URLParam(req, "name")
	ok, reason := r.ctrl.StartModel(req.Context(), name)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, reason)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": reason})
}

func (r *Router) handleAdminStop(w http.ResponseWriter, req *http.Request) {
	name := chi.URLParam(req, "name")
	ok, reason := r.ctrl.StopModel(req.Context(), name)
	if !ok {
		writeError(w, http.StatusInternalServerError, reason)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": reason})
}
