package api

import (
	"net/http"
	"time"

	"github.com/toolscope/telemetry/internal/telemetry"
)

const registryDiagnosticsSchemaVersion = "registry-diagnostics.v1"

type DiagnosticsOptions struct {
	Registry telemetry.RegistryDiagnosticsReader
}

type diagnosticsResponse struct {
	SchemaVersion string                        `json:"schema_version"`
	GeneratedAt   time.Time                     `json:"generated_at"`
	Registry      telemetry.RegistryDiagnostics `json:"registry"`
}

// DiagnosticsHandler exposes profile-registry queue pressure and drop
// counters for operators.
func DiagnosticsHandler(options DiagnosticsOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if options.Registry == nil {
			writeError(w, http.StatusServiceUnavailable, "registry diagnostics unavailable")
			return
		}

		writeJSON(w, http.StatusOK, diagnosticsResponse{
			SchemaVersion: registryDiagnosticsSchemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Registry:      options.Registry.RegistryDiagnostics(),
		})
	})
}
