package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", `addr: :9999
model_repositories:
  - /srv/models
  - /srv/models_extra
control_mode: poll
poll_interval_sec: 30
strict_readiness: true
namespacing: true
log_level: debug
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.ControlMode != "poll" || cfg.PollIntervalSec != 30 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if len(cfg.ModelRepositories) != 2 || cfg.ModelRepositories[1] != "/srv/models_extra" {
		t.Fatalf("repositories: %v", cfg.ModelRepositories)
	}
	if !cfg.StrictReadiness || !cfg.Namespacing || cfg.LogLevel != "debug" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.json", `{"addr":":7070","model_repositories":["/m"],"control_mode":"explicit","startup_models":["densenet"],"load_concurrency":8}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":7070" || cfg.ControlMode != "explicit" || cfg.LoadConcurrency != 8 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if len(cfg.StartupModels) != 1 || cfg.StartupModels[0] != "densenet" {
		t.Fatalf("startup models: %v", cfg.StartupModels)
	}
}

func TestLoadTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.toml", "addr=\":8081\"\nmodel_repositories=[\"/x\"]\ncontrol_mode=\"none\"\ndrain_timeout_sec=10\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8081" || cfg.ControlMode != "none" || cfg.DrainTimeoutSec != 10 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if len(cfg.ModelRepositories) != 1 || cfg.ModelRepositories[0] != "/x" {
		t.Fatalf("repositories: %v", cfg.ModelRepositories)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.txt", "not supported")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected unsupported extension error")
	}
}
