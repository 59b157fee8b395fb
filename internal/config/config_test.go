package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Fatalf("server.host=%q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("server.port=%d, want 8080", cfg.Server.Port)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage.driver=%q, want sqlite", cfg.Storage.Driver)
	}
	if cfg.Ingest.Concurrency != 4 {
		t.Fatalf("ingest.concurrency=%d, want 4", cfg.Ingest.Concurrency)
	}
	if cfg.Ingest.RegistryBuffer != 256 {
		t.Fatalf("ingest.registry_buffer=%d, want 256", cfg.Ingest.RegistryBuffer)
	}
	if !cfg.Governance.Enabled {
		t.Fatalf("governance.enabled=%v, want true", cfg.Governance.Enabled)
	}
	if cfg.Observability.OTel.Enabled {
		t.Fatalf("observability.otel.enabled=%v, want false", cfg.Observability.OTel.Enabled)
	}
	if cfg.Observability.OTel.Endpoint != "localhost:4318" {
		t.Fatalf("observability.otel.endpoint=%q, want %q", cfg.Observability.OTel.Endpoint, "localhost:4318")
	}
	if cfg.Observability.OTel.ServiceName != "toolscope-telemetry" {
		t.Fatalf("observability.otel.service_name=%q, want %q", cfg.Observability.OTel.ServiceName, "toolscope-telemetry")
	}
	if cfg.Server.Address() != "0.0.0.0:8080" {
		t.Fatalf("server address=%q, want 0.0.0.0:8080", cfg.Server.Address())
	}
}

func TestLoadAppliesYAMLAndEnvOverrides(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "toolscope.yaml")
	configYAML := `server:
  host: 127.0.0.1
  port: 9090
storage:
  driver: sqlite
  path: /tmp/custom.db
ingest:
  concurrency: 8
  registry_buffer: 512
  max_body_bytes: 1048576
governance:
  enabled: false
observability:
  otel:
    enabled: false
    endpoint: localhost:4318
    insecure: true
    service_name: yaml-toolscope
    traces_enabled: true
    metrics_enabled: true
    sampling_ratio: 0.25
    export_timeout_ms: 2000
    metric_export_interval_ms: 15000
`
	if err := os.WriteFile(configPath, []byte(configYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("TOOLSCOPE_PORT", "7070")
	t.Setenv("TOOLSCOPE_STORAGE_PATH", "/var/lib/toolscope/telemetry.db")
	t.Setenv("TOOLSCOPE_INGEST_CONCURRENCY", "16")
	t.Setenv("TOOLSCOPE_GOVERNANCE_ENABLED", "true")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_SERVICE_NAME", "env-toolscope")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.75")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Fatalf("server.host=%q, want 127.0.0.1 from yaml", cfg.Server.Host)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("server.port=%d, env should override yaml", cfg.Server.Port)
	}
	if cfg.Storage.Path != "/var/lib/toolscope/telemetry.db" {
		t.Fatalf("storage.path=%q, env should override yaml", cfg.Storage.Path)
	}
	if cfg.Ingest.Concurrency != 16 {
		t.Fatalf("ingest.concurrency=%d, env should override yaml", cfg.Ingest.Concurrency)
	}
	if cfg.Ingest.RegistryBuffer != 512 {
		t.Fatalf("ingest.registry_buffer=%d, want yaml value 512", cfg.Ingest.RegistryBuffer)
	}
	if !cfg.Governance.Enabled {
		t.Fatalf("governance.enabled=%v, env should override yaml", cfg.Governance.Enabled)
	}

	// Any OTEL_* env presence flips the exporter on.
	if !cfg.Observability.OTel.Enabled {
		t.Fatalf("observability.otel.enabled=%v, want true", cfg.Observability.OTel.Enabled)
	}
	if cfg.Observability.OTel.Endpoint != "collector:4318" {
		t.Fatalf("observability.otel.endpoint=%q, want collector:4318", cfg.Observability.OTel.Endpoint)
	}
	if cfg.Observability.OTel.ServiceName != "env-toolscope" {
		t.Fatalf("observability.otel.service_name=%q, want env-toolscope", cfg.Observability.OTel.ServiceName)
	}
	if cfg.Observability.OTel.SamplingRatio != 0.75 {
		t.Fatalf("observability.otel.sampling_ratio=%v, want 0.75", cfg.Observability.OTel.SamplingRatio)
	}
}

func TestLoadRespectsOTELSDKDisabled(t *testing.T) {
	t.Setenv("OTEL_SDK_DISABLED", "true")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Observability.OTel.Enabled {
		t.Fatal("OTEL_SDK_DISABLED=true must win over other OTEL_* settings")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	configPath := filepath.Join(t.TempDir(), "toolscope.yaml")
	if err := os.WriteFile(configPath, []byte("serverr:\n  port: 1\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Fatal("unknown top-level key should fail to parse")
	}
}

func TestLoadRejectsMultiDocumentYAML(t *testing.T) {
	t.Parallel()

	configPath := filepath.Join(t.TempDir(), "toolscope.yaml")
	multiDoc := "server:\n  port: 9090\n---\nserver:\n  port: 9191\n"
	if err := os.WriteFile(configPath, []byte(multiDoc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil || !strings.Contains(err.Error(), "multiple yaml documents") {
		t.Fatalf("Load() error = %v, want multi-document rejection", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(cfg *Config) {},
		},
		{
			name:    "bad port",
			mutate:  func(cfg *Config) { cfg.Server.Port = 0 },
			wantErr: "server.port",
		},
		{
			name:    "unknown driver",
			mutate:  func(cfg *Config) { cfg.Storage.Driver = "mysql" },
			wantErr: "storage.driver",
		},
		{
			name: "sqlite without path",
			mutate: func(cfg *Config) {
				cfg.Storage.Driver = "sqlite"
				cfg.Storage.Path = ""
			},
			wantErr: "storage.path",
		},
		{
			name: "postgres without dsn",
			mutate: func(cfg *Config) {
				cfg.Storage.Driver = "postgres"
				cfg.Storage.DSN = ""
			},
			wantErr: "storage.dsn",
		},
		{
			name:    "zero ingest concurrency",
			mutate:  func(cfg *Config) { cfg.Ingest.Concurrency = 0 },
			wantErr: "ingest.concurrency",
		},
		{
			name: "otel enabled without endpoint",
			mutate: func(cfg *Config) {
				cfg.Observability.OTel.Enabled = true
				cfg.Observability.OTel.Endpoint = ""
			},
			wantErr: "observability.otel.endpoint",
		},
		{
			name: "otel sampling ratio out of range",
			mutate: func(cfg *Config) {
				cfg.Observability.OTel.Enabled = true
				cfg.Observability.OTel.SamplingRatio = 1.5
			},
			wantErr: "sampling_ratio",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := Default()
			tc.mutate(&cfg)

			err := Validate(cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate() error = %v, want substring %q", err, tc.wantErr)
			}
		})
	}
}
