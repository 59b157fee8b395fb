package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/toolscope/telemetry/internal/governance"
	"github.com/toolscope/telemetry/internal/tenant"
)

const governanceBodyLimit = 64 << 10

type createKeyRequest struct {
	Key           string   `json:"key,omitempty"`
	KeyHash       string   `json:"key_hash,omitempty"`
	Name          string   `json:"name"`
	TeamID        string   `json:"team_id,omitempty"`
	UserID        string   `json:"user_id,omitempty"`
	BudgetUSD     *float64 `json:"budget_usd,omitempty"`
	BudgetReset   string   `json:"budget_reset,omitempty"`
	AllowedModels []string `json:"allowed_models,omitempty"`
	RPMLimit      int      `json:"rpm_limit,omitempty"`
}

type keysResponse struct {
	Items []*governance.Key `json:"items"`
}

type keyCheckRequest struct {
	Key           string  `json:"key,omitempty"`
	KeyHash       string  `json:"key_hash,omitempty"`
	EstimatedCost float64 `json:"estimated_cost_usd"`
	Model         string  `json:"model,omitempty"`
}

type keySettleRequest struct {
	Key           string  `json:"key,omitempty"`
	KeyHash       string  `json:"key_hash,omitempty"`
	EstimatedCost float64 `json:"estimated_cost_usd"`
	ActualCost    float64 `json:"actual_cost_usd"`
}

type createGuardrailRequest struct {
	Name          string   `json:"name"`
	LimitUSD      *float64 `json:"limit_usd,omitempty"`
	ResetInterval string   `json:"reset_interval,omitempty"`
}

type guardrailsResponse struct {
	Items []*governance.Guardrail `json:"items"`
}

type guardrailAssignRequest struct {
	Key     string `json:"key,omitempty"`
	KeyHash string `json:"key_hash,omitempty"`
}

// KeysHandler serves POST (create) and GET (list) on /api/keys.
func KeysHandler(governor *governance.Governor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if governor == nil {
			writeError(w, http.StatusServiceUnavailable, "governance is not configured")
			return
		}
		credential, ok := requireTenant(w, r)
		if !ok {
			return
		}

		switch r.Method {
		case http.MethodPost:
			var req createKeyRequest
			if !decodeGovernanceBody(w, r, &req) {
				return
			}
			keyHash, ok := resolveKeyHash(w, req.Key, req.KeyHash)
			if !ok {
				return
			}
			reset := strings.ToLower(strings.TrimSpace(req.BudgetReset))
			switch reset {
			case "", governance.ResetDaily, governance.ResetWeekly, governance.ResetMonthly:
			default:
				writeError(w, http.StatusBadRequest, "budget_reset must be daily, weekly, or monthly")
				return
			}
			if req.BudgetUSD != nil && *req.BudgetUSD < 0 {
				writeError(w, http.StatusBadRequest, "budget_usd must not be negative")
				return
			}
			if req.RPMLimit < 0 {
				writeError(w, http.StatusBadRequest, "rpm_limit must not be negative")
				return
			}

			key := &governance.Key{
				CustomerID:    credential.CustomerID,
				KeyHash:       keyHash,
				Name:          strings.TrimSpace(req.Name),
				TeamID:        strings.TrimSpace(req.TeamID),
				UserID:        strings.TrimSpace(req.UserID),
				BudgetUSD:     req.BudgetUSD,
				BudgetReset:   reset,
				AllowedModels: req.AllowedModels,
				RPMLimit:      req.RPMLimit,
			}
			if err := governor.CreateKey(r.Context(), key); err != nil {
				if errors.Is(err, governance.ErrKeyExists) {
					writeError(w, http.StatusConflict, "key already exists")
					return
				}
				writeError(w, http.StatusInternalServerError, "failed to create key")
				return
			}
			writeJSON(w, http.StatusCreated, key)
		case http.MethodGet:
			keys, err := governor.ListKeys(r.Context(), credential.CustomerID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to list keys")
				return
			}
			writeJSON(w, http.StatusOK, keysResponse{Items: keys})
		default:
			w.Header().Set("Allow", "GET, POST, OPTIONS")
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})
}

// KeyDetailHandler serves /api/keys/{key_hash} (GET, DELETE) and
// /api/keys/{key_hash}/disable and /enable (POST).
func KeyDetailHandler(governor *governance.Governor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if governor == nil {
			writeError(w, http.StatusServiceUnavailable, "governance is not configured")
			return
		}
		credential, ok := requireTenant(w, r)
		if !ok {
			return
		}

		keyHash, action, ok := parseGovernancePath(r.URL.Path, "/api/keys/")
		if !ok {
			http.NotFound(w, r)
			return
		}
		keyHash = strings.ToLower(keyHash)

		switch action {
		case "":
			switch r.Method {
			case http.MethodGet:
				key, err := governor.GetKey(r.Context(), credential.CustomerID, keyHash)
				if err != nil {
					writeKeyError(w, err, "failed to read key")
					return
				}
				writeJSON(w, http.StatusOK, key)
			case http.MethodDelete:
				if err := governor.DeleteKey(r.Context(), credential.CustomerID, keyHash); err != nil {
					writeKeyError(w, err, "failed to delete key")
					return
				}
				w.WriteHeader(http.StatusNoContent)
			default:
				w.Header().Set("Allow", "GET, DELETE, OPTIONS")
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			}
		case "disable", "enable":
			if !requireMethod(w, r, http.MethodPost) {
				return
			}
			if err := governor.SetKeyDisabled(r.Context(), credential.CustomerID, keyHash, action == "disable"); err != nil {
				writeKeyError(w, err, "failed to update key")
				return
			}
			key, err := governor.GetKey(r.Context(), credential.CustomerID, keyHash)
			if err != nil {
				writeKeyError(w, err, "failed to read key")
				return
			}
			writeJSON(w, http.StatusOK, key)
		case "guardrails":
			if !requireMethod(w, r, http.MethodGet) {
				return
			}
			guardrails, err := governor.GuardrailsForKey(r.Context(), credential.CustomerID, keyHash)
			if err != nil {
				writeKeyError(w, err, "failed to list key guardrails")
				return
			}
			writeJSON(w, http.StatusOK, guardrailsResponse{Items: guardrails})
		default:
			http.NotFound(w, r)
		}
	})
}

// KeyCheckHandler serves POST /api/keys/check: evaluate and reserve spend for
// one prospective request. The decision is returned with 200 regardless of
// allow or deny; transport status codes stay out of policy signaling.
func KeyCheckHandler(governor *governance.Governor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		if governor == nil {
			writeError(w, http.StatusServiceUnavailable, "governance is not configured")
			return
		}
		credential, ok := requireTenant(w, r)
		if !ok {
			return
		}

		var req keyCheckRequest
		if !decodeGovernanceBody(w, r, &req) {
			return
		}
		keyHash, ok := resolveKeyHash(w, req.Key, req.KeyHash)
		if !ok {
			return
		}
		if req.EstimatedCost < 0 {
			writeError(w, http.StatusBadRequest, "estimated_cost_usd must not be negative")
			return
		}

		decision, err := governor.CheckAndReserve(r.Context(), credential.CustomerID, keyHash, req.EstimatedCost, strings.TrimSpace(req.Model))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to evaluate key")
			return
		}
		writeJSON(w, http.StatusOK, decision)
	})
}

// KeySettleHandler serves POST /api/keys/settle: reconcile a prior
// reservation against the actual cost.
func KeySettleHandler(governor *governance.Governor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		if governor == nil {
			writeError(w, http.StatusServiceUnavailable, "governance is not configured")
			return
		}
		credential, ok := requireTenant(w, r)
		if !ok {
			return
		}

		var req keySettleRequest
		if !decodeGovernanceBody(w, r, &req) {
			return
		}
		keyHash, ok := resolveKeyHash(w, req.Key, req.KeyHash)
		if !ok {
			return
		}
		if req.EstimatedCost < 0 || req.ActualCost < 0 {
			writeError(w, http.StatusBadRequest, "costs must not be negative")
			return
		}

		if err := governor.Settle(r.Context(), credential.CustomerID, keyHash, req.EstimatedCost, req.ActualCost); err != nil {
			writeKeyError(w, err, "failed to settle spend")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// GuardrailsHandler serves POST (create) and GET (list) on /api/guardrails.
func GuardrailsHandler(governor *governance.Governor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if governor == nil {
			writeError(w, http.StatusServiceUnavailable, "governance is not configured")
			return
		}
		credential, ok := requireTenant(w, r)
		if !ok {
			return
		}

		switch r.Method {
		case http.MethodPost:
			var req createGuardrailRequest
			if !decodeGovernanceBody(w, r, &req) {
				return
			}
			if strings.TrimSpace(req.Name) == "" {
				writeError(w, http.StatusBadRequest, "name is required")
				return
			}
			reset := strings.ToLower(strings.TrimSpace(req.ResetInterval))
			switch reset {
			case "", governance.ResetDaily, governance.ResetWeekly, governance.ResetMonthly:
			default:
				writeError(w, http.StatusBadRequest, "reset_interval must be daily, weekly, or monthly")
				return
			}
			if req.LimitUSD != nil && *req.LimitUSD < 0 {
				writeError(w, http.StatusBadRequest, "limit_usd must not be negative")
				return
			}

			guardrail := &governance.Guardrail{
				CustomerID:    credential.CustomerID,
				Name:          strings.TrimSpace(req.Name),
				LimitUSD:      req.LimitUSD,
				ResetInterval: reset,
			}
			if err := governor.CreateGuardrail(r.Context(), guardrail); err != nil {
				writeError(w, http.StatusInternalServerError, "failed to create guardrail")
				return
			}
			writeJSON(w, http.StatusCreated, guardrail)
		case http.MethodGet:
			guardrails, err := governor.ListGuardrails(r.Context(), credential.CustomerID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to list guardrails")
				return
			}
			writeJSON(w, http.StatusOK, guardrailsResponse{Items: guardrails})
		default:
			w.Header().Set("Allow", "GET, POST, OPTIONS")
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})
}

// GuardrailDetailHandler serves DELETE /api/guardrails/{id} and POST
// /api/guardrails/{id}/assign and /unassign.
func GuardrailDetailHandler(governor *governance.Governor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if governor == nil {
			writeError(w, http.StatusServiceUnavailable, "governance is not configured")
			return
		}
		credential, ok := requireTenant(w, r)
		if !ok {
			return
		}

		guardrailID, action, ok := parseGovernancePath(r.URL.Path, "/api/guardrails/")
		if !ok {
			http.NotFound(w, r)
			return
		}

		switch action {
		case "":
			if !requireMethod(w, r, http.MethodDelete) {
				return
			}
			if err := governor.DeleteGuardrail(r.Context(), credential.CustomerID, guardrailID); err != nil {
				if errors.Is(err, governance.ErrGuardrailNotFound) {
					writeError(w, http.StatusNotFound, "guardrail not found")
					return
				}
				writeError(w, http.StatusInternalServerError, "failed to delete guardrail")
				return
			}
			w.WriteHeader(http.StatusNoContent)
		case "assign", "unassign":
			if !requireMethod(w, r, http.MethodPost) {
				return
			}
			var req guardrailAssignRequest
			if !decodeGovernanceBody(w, r, &req) {
				return
			}
			keyHash, ok := resolveKeyHash(w, req.Key, req.KeyHash)
			if !ok {
				return
			}

			var err error
			if action == "assign" {
				err = governor.AssignGuardrail(r.Context(), credential.CustomerID, keyHash, guardrailID)
			} else {
				err = governor.UnassignGuardrail(r.Context(), credential.CustomerID, keyHash, guardrailID)
			}
			if err != nil {
				if errors.Is(err, governance.ErrGuardrailNotFound) {
					writeError(w, http.StatusNotFound, "guardrail not found")
					return
				}
				writeError(w, http.StatusInternalServerError, "failed to update guardrail assignment")
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	})
}

func decodeGovernanceBody(w http.ResponseWriter, r *http.Request, target any) bool {
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, governanceBodyLimit)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// resolveKeyHash normalizes the key identity of a request body. A raw key is
// hashed server-side so key material never persists.
func resolveKeyHash(w http.ResponseWriter, rawKey, keyHash string) (string, bool) {
	if key := strings.TrimSpace(rawKey); key != "" {
		return tenant.HashKey(key), true
	}
	if hash := strings.ToLower(strings.TrimSpace(keyHash)); hash != "" {
		return hash, true
	}
	writeError(w, http.StatusBadRequest, "key or key_hash is required")
	return "", false
}

func parseGovernancePath(path, prefix string) (string, string, bool) {
	if !strings.HasPrefix(path, prefix) {
		return "", "", false
	}
	suffix := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if suffix == "" {
		return "", "", false
	}
	parts := strings.Split(suffix, "/")
	if len(parts) > 2 || strings.TrimSpace(parts[0]) == "" {
		return "", "", false
	}
	id := strings.TrimSpace(parts[0])
	if len(parts) == 2 {
		action := strings.TrimSpace(parts[1])
		if action == "" {
			return "", "", false
		}
		return id, action, true
	}
	return id, "", true
}

func writeKeyError(w http.ResponseWriter, err error, fallback string) {
	if errors.Is(err, governance.ErrKeyNotFound) {
		writeError(w, http.StatusNotFound, "key not found")
		return
	}
	writeError(w, http.StatusInternalServerError, fallback)
}
