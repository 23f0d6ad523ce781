package handlers

import "net/http"

func (api *API) Health(w http.ResponseWriter, r *http.Request) {
	stats, err := api.jobs.QueueStats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"queue":  "unavailable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"queue":  stats,
	})
}
