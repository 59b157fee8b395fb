package api

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/toolscope/telemetry/internal/telemetry"
)

type HealthOptions struct {
	Version       string
	StartedAt     time.Time
	StorageDriver string
	StoragePath   string
	Registry      telemetry.RegistryDiagnosticsReader
}

type healthResponse struct {
	Status             string `json:"status"`
	Version            string `json:"version"`
	UptimeSec          int64  `json:"uptime_sec"`
	StorageDriver      string `json:"storage_driver"`
	RegistryQueueDepth int    `json:"registry_queue_depth"`
	DBSizeBytes        int64  `json:"db_size_bytes,omitempty"`
}

func HealthHandler(options HealthOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		uptime := time.Since(options.StartedAt)
		queueDepth := 0
		if options.Registry != nil {
			queueDepth = options.Registry.RegistryDiagnostics().QueueDepth
		}

		dbSizeBytes := int64(0)
		if strings.EqualFold(options.StorageDriver, "sqlite") && options.StoragePath != "" {
			if info, err := os.Stat(options.StoragePath); err == nil {
				dbSizeBytes = info.Size()
			}
		}

		writeJSON(w, http.StatusOK, healthResponse{
			Status:             "ok",
			Version:            options.Version,
			UptimeSec:          int64(uptime.Seconds()),
			StorageDriver:      options.StorageDriver,
			RegistryQueueDepth: queueDepth,
			DBSizeBytes:        dbSizeBytes,
		})
	})
}
