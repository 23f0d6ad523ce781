package handlers

import (
	"errors"
	"io/fs"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/iago/download-jobs/internal/storage"
)

func (api *API) DownloadArtifact(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	query := r.URL.Query()

	err := api.artifacts.VerifyAccessLink(ref, query.Get("expires"), query.Get("signature"))
	switch {
	case errors.Is(err, storage.ErrInvalidRef):
		writeError(w, r, http.StatusNotFound, "not_found", "artifact not found")
		return
	case errors.Is(err, storage.ErrLinkExpired):
		writeError(w, r, http.StatusForbidden, "link_expired", "access link expired, request the job status again")
		return
	case err != nil:
		writeError(w, r, http.StatusForbidden, "invalid_signature", "access link is not valid")
		return
	}

	file, err := api.artifacts.Open(ref)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			writeError(w, r, http.StatusNotFound, "not_found", "artifact not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to open artifact")
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to open artifact")
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+ref+`"`)
	w.Header().Set("Cache-Control", "private, no-store")
	http.ServeContent(w, r, ref, info.ModTime(), file)
}
