package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/toolscope/telemetry/internal/telemetry"
)

type toolProfilesResponse struct {
	Items []toolProfileView `json:"items"`
}

type toolProfileView struct {
	Vendor      string    `json:"vendor"`
	DisplayName string    `json:"display_name"`
	Category    string    `json:"category"`
	IsLLM       bool      `json:"is_llm"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	TotalSpans  int64     `json:"total_spans"`
	TotalTraces int64     `json:"total_traces"`
	ErrorCount  int64     `json:"error_count"`
}

func ToolProfilesHandler(store telemetry.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, "profile store is not configured")
			return
		}
		credential, ok := requireTenant(w, r)
		if !ok {
			return
		}

		profiles, err := store.ListToolProfiles(r.Context(), credential.CustomerID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list tool profiles")
			return
		}

		items := make([]toolProfileView, 0, len(profiles))
		for _, profile := range profiles {
			items = append(items, viewToolProfile(profile))
		}
		writeJSON(w, http.StatusOK, toolProfilesResponse{Items: items})
	})
}

// ToolProfileDetailHandler serves GET and DELETE on /api/tool-profiles/{vendor}.
func ToolProfileDetailHandler(store telemetry.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, "profile store is not configured")
			return
		}
		credential, ok := requireTenant(w, r)
		if !ok {
			return
		}

		vendor := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/tool-profiles/"), "/")
		if vendor == "" || strings.Contains(vendor, "/") {
			http.NotFound(w, r)
			return
		}

		switch r.Method {
		case http.MethodGet:
			profile, err := store.GetToolProfile(r.Context(), credential.CustomerID, vendor)
			if err != nil {
				if errors.Is(err, telemetry.ErrNotFound) {
					writeError(w, http.StatusNotFound, "tool profile not found")
					return
				}
				writeError(w, http.StatusInternalServerError, "failed to read tool profile")
				return
			}
			writeJSON(w, http.StatusOK, viewToolProfile(profile))
		case http.MethodDelete:
			if err := store.DeleteToolProfile(r.Context(), credential.CustomerID, vendor); err != nil {
				if errors.Is(err, telemetry.ErrNotFound) {
					writeError(w, http.StatusNotFound, "tool profile not found")
					return
				}
				writeError(w, http.StatusInternalServerError, "failed to delete tool profile")
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			w.Header().Set("Allow", "GET, DELETE, OPTIONS")
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})
}

func viewToolProfile(profile *telemetry.ToolProfile) toolProfileView {
	return toolProfileView{
		Vendor:      profile.Vendor,
		DisplayName: profile.DisplayName,
		Category:    profile.Category,
		IsLLM:       profile.IsLLM,
		FirstSeenAt: profile.FirstSeenAt,
		LastSeenAt:  profile.LastSeenAt,
		TotalSpans:  profile.TotalSpans,
		TotalTraces: profile.TotalTraces,
		ErrorCount:  profile.ErrorCount,
	}
}
