package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/toolscope/telemetry/internal/rollup"
)

// RollupHandler serves GET /api/rollup: windowed usage aggregates for the
// requesting customer.
func RollupHandler(engine *rollup.Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if engine == nil {
			writeError(w, http.StatusServiceUnavailable, "rollup engine is not configured")
			return
		}
		credential, ok := requireTenant(w, r)
		if !ok {
			return
		}

		query, err := parseRollupQuery(r, credential.CustomerID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		stats, err := engine.Rollup(r.Context(), query)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to compute rollup")
			return
		}
		writeJSON(w, http.StatusOK, stats)
	})
}

func parseRollupQuery(r *http.Request, customerID string) (rollup.Query, error) {
	values := r.URL.Query()

	from, err := parseTimeQuery(values.Get("from"), false)
	if err != nil {
		return rollup.Query{}, fmt.Errorf("invalid from: %w", err)
	}
	to, err := parseTimeQuery(values.Get("to"), true)
	if err != nil {
		return rollup.Query{}, fmt.Errorf("invalid to: %w", err)
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return rollup.Query{}, fmt.Errorf("to must be greater than or equal to from")
	}

	bucket := strings.ToLower(strings.TrimSpace(values.Get("bucket")))
	switch bucket {
	case "", rollup.BucketHour, rollup.BucketDay:
	default:
		return rollup.Query{}, fmt.Errorf("bucket must be hour or day")
	}

	topN, err := parseIntQuery(values.Get("top_n"), "top_n", 0, 50)
	if err != nil {
		return rollup.Query{}, err
	}

	return rollup.Query{
		CustomerID: customerID,
		Vendor:     strings.TrimSpace(values.Get("vendor")),
		TeamID:     strings.TrimSpace(values.Get("team_id")),
		From:       from,
		To:         to,
		Bucket:     bucket,
		TopN:       topN,
	}, nil
}
