package dashboard

import (
	"net/http"

	"github.com/sqreele/pmcs-gateway/internal/common"
)

// Handler exposes the dashboard over HTTP. This surface — snapshot, forced
// refresh, retry — is the only contract presentation clients may depend on.
type Handler struct {
	Agg *Aggregator
}

// Get serves the current view model, fetching on demand when the cache
// window has lapsed.
func (h Handler) Get(w http.ResponseWriter, r *http.Request) {
	if h.Agg == nil {
		common.JSONError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "dashboard not configured", nil)
		return
	}
	h.Agg.Fetch(r.Context(), false)
	common.JSON(w, http.StatusOK, h.Agg.Snapshot())
}

// Refresh forces a full re-fetch of every section, bypassing the cache.
func (h Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	if h.Agg == nil {
		common.JSONError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "dashboard not configured", nil)
		return
	}
	h.Agg.Fetch(r.Context(), true)
	common.JSON(w, http.StatusOK, h.Agg.Snapshot())
}

// Retry re-fetches only the failed or missing sections.
func (h Handler) Retry(w http.ResponseWriter, r *http.Request) {
	if h.Agg == nil {
		common.JSONError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "dashboard not configured", nil)
		return
	}
	h.Agg.Retry(r.Context())
	common.JSON(w, http.StatusOK, h.Agg.Snapshot())
}
