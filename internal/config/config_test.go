package config

import (
	"fmt"
	"io"
	"strings"
	"testing"
	"time"
)

func TestLoadAndValidate(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		yaml       string
		wantErr    bool
		errSubstrs []string
	}{
		{
			name: "valid_full_configuration",
			yaml: `
server:
  listen_addr: ":8080"
  log_level: "info"
source:
  base_url: "https://members.example.com"
  username: "league-bot"
  password: "hunter2"
  request_timeout: "30s"
store:
  backend: "auto"
  file_root: "results"
  redis_addr: "redis:6379"
  redis_password: ""
  redis_db: 0
  namespace: "leaguesync"
worker:
  tick_interval: "10s"
  fetch_grace: "5m"
  schedule_grace: "10m"
  max_task_lifetime: "1h"
  pool_size: 32
site:
  output_dir: "html"
publish:
  remote_host: "deploy@web.example.com"
  remote_path: "/var/www/leaguesync"
  timeout: "5m"
telemetry:
  otel_enabled: false
  otel_exporter_otlp_endpoint: ""
  otel_trace_mode: "off"
  otel_trace_sample_ratio: 0.05
`,
		},
		{
			name: "valid_minimal_configuration",
			yaml: `
source:
  base_url: "https://members.example.com"
store:
  backend: "file"
`,
		},
		{
			name: "invalid_log_level",
			yaml: `
server:
  log_level: "verbose"
source:
  base_url: "https://members.example.com"
store:
  backend: "file"
`,
			wantErr:    true,
			errSubstrs: []string{"server.log_level"},
		},
		{
			name: "missing_base_url",
			yaml: `
store:
  backend: "file"
`,
			wantErr:    true,
			errSubstrs: []string{"source.base_url is required"},
		},
		{
			name: "username_without_password",
			yaml: `
source:
  base_url: "https://members.example.com"
  username: "league-bot"
store:
  backend: "file"
`,
			wantErr:    true,
			errSubstrs: []string{"source.username and source.password"},
		},
		{
			name: "unknown_store_backend",
			yaml: `
source:
  base_url: "https://members.example.com"
store:
  backend: "postgres"
`,
			wantErr:    true,
			errSubstrs: []string{"store.backend must be one of file|redis|auto"},
		},
		{
			name: "redis_backend_without_addr",
			yaml: `
source:
  base_url: "https://members.example.com"
store:
  backend: "redis"
`,
			wantErr:    true,
			errSubstrs: []string{"store.redis_addr is required"},
		},
		{
			name: "schedule_grace_below_fetch_grace",
			yaml: `
source:
  base_url: "https://members.example.com"
store:
  backend: "file"
worker:
  fetch_grace: "10m"
  schedule_grace: "5m"
`,
			wantErr:    true,
			errSubstrs: []string{"worker.schedule_grace must be >= worker.fetch_grace"},
		},
		{
			name: "publish_host_without_path",
			yaml: `
source:
  base_url: "https://members.example.com"
store:
  backend: "file"
publish:
  remote_host: "deploy@web.example.com"
`,
			wantErr:    true,
			errSubstrs: []string{"publish.remote_host and publish.remote_path"},
		},
		{
			name: "unknown_field_rejected",
			yaml: `
source:
  base_url: "https://members.example.com"
  api_key: "nope"
store:
  backend: "file"
`,
			wantErr:    true,
			errSubstrs: []string{"api_key"},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg, err := Load(strings.NewReader(tc.yaml))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Load() succeeded, want error containing %v", tc.errSubstrs)
				}
				for _, substr := range tc.errSubstrs {
					if !strings.Contains(err.Error(), substr) {
						t.Errorf("error %q missing %q", err.Error(), substr)
					}
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error: %v", err)
			}
			if cfg == nil {
				t.Fatal("Load() returned nil config without error")
			}
		})
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(strings.NewReader(`
source:
  base_url: "https://members.example.com"
store:
  backend: "file"
`))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen addr = %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != "info" {
		t.Errorf("log level = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Source.RequestTimeout != 30*time.Second {
		t.Errorf("request timeout = %v, want 30s", cfg.Source.RequestTimeout)
	}
	if cfg.Store.FileRoot != "results" {
		t.Errorf("file root = %q, want results", cfg.Store.FileRoot)
	}
	if cfg.Store.Namespace != "leaguesync" {
		t.Errorf("namespace = %q, want leaguesync", cfg.Store.Namespace)
	}
	if cfg.Worker.TickInterval != 10*time.Second {
		t.Errorf("tick interval = %v, want 10s", cfg.Worker.TickInterval)
	}
	if cfg.Worker.FetchGrace != 5*time.Minute {
		t.Errorf("fetch grace = %v, want 5m", cfg.Worker.FetchGrace)
	}
	if cfg.Worker.ScheduleGrace != 10*time.Minute {
		t.Errorf("schedule grace = %v, want 10m", cfg.Worker.ScheduleGrace)
	}
	if cfg.Worker.MaxTaskLifetime != 0 {
		t.Errorf("max task lifetime = %v, want 0 (disabled)", cfg.Worker.MaxTaskLifetime)
	}
	if cfg.Worker.PoolSize != 32 {
		t.Errorf("pool size = %d, want 32", cfg.Worker.PoolSize)
	}
	if cfg.Site.OutputDir != "html" {
		t.Errorf("output dir = %q, want html", cfg.Site.OutputDir)
	}
	if cfg.Publish.Timeout != 5*time.Minute {
		t.Errorf("publish timeout = %v, want 5m", cfg.Publish.Timeout)
	}
}

func TestLoadNilReader(t *testing.T) {
	t.Parallel()

	if _, err := Load(nil); err == nil {
		t.Fatal("Load(nil) succeeded, want error")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	t.Parallel()

	var _ io.Reader = strings.NewReader("")
	if _, err := Load(strings.NewReader("server: [")); err == nil {
		t.Fatal("Load() succeeded on malformed yaml, want error")
	}
}

func TestParseFlexibleDuration(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: "30s", want: 30 * time.Second},
		{raw: "5m", want: 5 * time.Minute},
		{raw: "1.5h", want: 90 * time.Minute},
		{raw: "2d", want: 48 * time.Hour},
		{raw: "1w", want: 7 * 24 * time.Hour},
		{raw: "", want: 0},
		{raw: "  ", want: 0},
		{raw: "5 parsecs", wantErr: true},
		{raw: "xd", wantErr: true},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(fmt.Sprintf("%q", tc.raw), func(t *testing.T) {
			t.Parallel()

			got, err := parseFlexibleDuration(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("parseFlexibleDuration(%q) succeeded, want error", tc.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseFlexibleDuration(%q) error: %v", tc.raw, err)
			}
			if got != tc.want {
				t.Errorf("parseFlexibleDuration(%q) = %v, want %v", tc.raw, got, tc.want)
			}
		})
	}
}
