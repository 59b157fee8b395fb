// Package api exposes the HTTP surface: OTLP ingestion, span and rollup
// queries, the tool-profile registry, and key governance.
package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/toolscope/telemetry/internal/governance"
	"github.com/toolscope/telemetry/internal/ingest"
	"github.com/toolscope/telemetry/internal/rollup"
	"github.com/toolscope/telemetry/internal/telemetry"
	"github.com/toolscope/telemetry/internal/tenant"
)

type RouterOptions struct {
	AppVersion        string
	Store             telemetry.Store
	StorageDriver     string
	StoragePath       string
	Registry          telemetry.RegistryDiagnosticsReader
	Normalizer        *ingest.Normalizer
	Rollup            *rollup.Engine
	Governor          *governance.Governor
	GovernanceEnabled bool
	MaxBodyBytes      int64
	Logger            *slog.Logger
}

func NewRouter(options RouterOptions) http.Handler {
	startedAt := time.Now().UTC()
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	mux := http.NewServeMux()

	mux.Handle("/api/health", HealthHandler(HealthOptions{
		Version:       options.AppVersion,
		StartedAt:     startedAt,
		StorageDriver: options.StorageDriver,
		StoragePath:   options.StoragePath,
		Registry:      options.Registry,
	}))
	mux.Handle("/api/diagnostics", DiagnosticsHandler(DiagnosticsOptions{
		Registry: options.Registry,
	}))
	mux.Handle("/api/ingest", IngestHandler(options.Normalizer, options.MaxBodyBytes, options.Logger))
	mux.Handle("/api/spans", SpansHandler(options.Store))
	mux.Handle("/api/spans/", SpanDetailHandler(options.Store))
	mux.Handle("/api/tool-profiles", ToolProfilesHandler(options.Store))
	mux.Handle("/api/tool-profiles/", ToolProfileDetailHandler(options.Store))
	mux.Handle("/api/rollup", RollupHandler(options.Rollup))

	if options.GovernanceEnabled {
		mux.Handle("/api/keys", KeysHandler(options.Governor))
		mux.Handle("/api/keys/check", KeyCheckHandler(options.Governor))
		mux.Handle("/api/keys/settle", KeySettleHandler(options.Governor))
		mux.Handle("/api/keys/", KeyDetailHandler(options.Governor))
		mux.Handle("/api/guardrails", GuardrailsHandler(options.Governor))
		mux.Handle("/api/guardrails/", GuardrailDetailHandler(options.Governor))
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"name":    "toolscope telemetry",
			"version": options.AppVersion,
			"status":  "ok",
		})
	})

	return withCORS(withTenant(mux))
}

// withTenant places the request credential in context when identity headers
// are present. Handlers that need one enforce it themselves; health and
// diagnostics stay open.
func withTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if credential, err := tenant.FromRequest(r); err == nil {
			r = r.WithContext(tenant.WithCredential(r.Context(), credential))
		}
		next.ServeHTTP(w, r)
	})
}

func requireTenant(w http.ResponseWriter, r *http.Request) (tenant.Credential, bool) {
	credential, ok := tenant.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing customer identity headers")
		return tenant.Credential{}, false
	}
	return credential, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(payload); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("{\"error\":\"internal server error\"}\n"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body.Bytes())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method+", OPTIONS")
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func withCORS(next http.Handler) http.Handler {
	allowedHeaders := []string{
		"Content-Type",
		"Authorization",
		tenant.HeaderCustomerID,
		tenant.HeaderTeamID,
		tenant.HeaderUserID,
		tenant.HeaderKey,
		tenant.HeaderKeyHash,
		tenant.HeaderCustomerWide,
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", strings.Join(allowedHeaders, ", "))

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
