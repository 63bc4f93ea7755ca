package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "hesabu.yaml", `
base_dir: /srv/hesabu/sessions
session:
  ttl_seconds: 3600
  sweep_schedule: "*/30 * * * *"
server:
  listen_addr: ":9090"
llm:
  model: gpt-4o
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.TTL() != time.Hour {
		t.Errorf("TTL = %s, want 1h", cfg.Session.TTL())
	}
	if cfg.Session.Schedule() != "*/30 * * * *" {
		t.Errorf("Schedule = %q", cfg.Session.Schedule())
	}
	if cfg.Server.Addr() != ":9090" {
		t.Errorf("Addr = %q", cfg.Server.Addr())
	}
	if cfg.LLM.Model != "gpt-4o" {
		t.Errorf("Model = %q", cfg.LLM.Model)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "hesabu.json", `{"session":{"quota_bytes":1048576}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.Quota() != 1<<20 {
		t.Errorf("Quota = %d, want 1 MiB", cfg.Session.Quota())
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Session.TTL() != 24*time.Hour {
		t.Errorf("default TTL = %s, want 24h", cfg.Session.TTL())
	}
	if cfg.Session.Schedule() != "0 * * * *" {
		t.Errorf("default Schedule = %q", cfg.Session.Schedule())
	}
	if cfg.Session.Quota() != 200<<20 {
		t.Errorf("default Quota = %d", cfg.Session.Quota())
	}
	if cfg.Server.Addr() != ":8080" {
		t.Errorf("default Addr = %q", cfg.Server.Addr())
	}
	if cfg.Sandbox.InterpreterName() != "python3" {
		t.Errorf("default interpreter = %q", cfg.Sandbox.InterpreterName())
	}
	if cfg.Sandbox.BackendName() != "process" {
		t.Errorf("default backend = %q", cfg.Sandbox.BackendName())
	}
	if cfg.StorageDriverName() != "sqlite" {
		t.Errorf("default driver = %q", cfg.StorageDriverName())
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"negative ttl", `{"session":{"ttl_seconds":-1}}`},
		{"bad driver", `{"storage":{"driver":"mysql"}}`},
		{"postgres without dsn", `{"storage":{"driver":"postgres"}}`},
		{"tracing without endpoint", `{"observability":{"tracing":{"enabled":true}}}`},
		{"bad sandbox backend", `{"sandbox":{"backend":"firecracker"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, "bad.json", tc.body)
			if _, err := Load(path); err == nil {
				t.Error("invalid config accepted")
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HESABU_BASE_DIR", "/env/sessions")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	path := writeConfig(t, "hesabu.json", `{"base_dir":"/file/sessions"}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BaseDir != "/env/sessions" {
		t.Errorf("BaseDir = %q, env override lost", cfg.BaseDir)
	}
	if cfg.LLM.APIKey != "sk-test" {
		t.Errorf("APIKey not taken from environment")
	}
}
