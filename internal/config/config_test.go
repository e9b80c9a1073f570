package config

import (
	"os"
	"path/filepath"
	"testing"

	xerrors "O-Sovereign/internal/errors"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	path := writeFile(t, "sovereign.yaml", `
pipeline:
  max_iterations: 5
backends:
  auditor:
    provider: Anthropic
    api_key_env: TEST_ANTHROPIC_KEY
    fallback_to_mock: true
    rate_limit:
      rps: 2
      burst: 1
  verifier:
    provider: python_bridge
    python_bridge:
      script_path: bridge.py
      working_dir: scripts
archive:
  driver: sqlite
`)
	t.Setenv("TEST_ANTHROPIC_KEY", " key-from-env ")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	base := filepath.Dir(path)

	if cfg.Pipeline.MaxIterations != 5 || cfg.Pipeline.RiskThreshold != 70 {
		t.Fatalf("unexpected pipeline config: %+v", cfg.Pipeline)
	}
	if cfg.Backends.Planner.Provider != "mock" {
		t.Fatalf("planner should default to mock, got %q", cfg.Backends.Planner.Provider)
	}
	if cfg.Backends.Auditor.Provider != "anthropic" {
		t.Fatalf("provider should be normalised, got %q", cfg.Backends.Auditor.Provider)
	}
	if got := cfg.Backends.Auditor.ResolveAPIKey(); got != "key-from-env" {
		t.Fatalf("unexpected api key: %q", got)
	}
	if !cfg.Backends.Auditor.FallbackToMock || cfg.Backends.Planner.FallbackToMock {
		t.Fatalf("fallback_to_mock not parsed per backend: %+v", cfg.Backends)
	}
	if cfg.Backends.Auditor.RateLimit.RPS != 2 {
		t.Fatalf("rate limit not parsed: %+v", cfg.Backends.Auditor.RateLimit)
	}
	if cfg.Backends.Verifier.Python.WorkingDir != filepath.Join(base, "scripts") {
		t.Fatalf("working dir not resolved: %s", cfg.Backends.Verifier.Python.WorkingDir)
	}
	if cfg.Backends.Verifier.Python.PythonExecutable != "python3" {
		t.Fatalf("python executable default missing")
	}
	if cfg.Archive.DSN != filepath.Join(base, "data", "runs.db") {
		t.Fatalf("sqlite dsn default unexpected: %s", cfg.Archive.DSN)
	}
	if cfg.Server.Address != ":8080" || cfg.Queue.Driver != "memory" || cfg.TaskStore.Driver != "memory" {
		t.Fatalf("unexpected defaults: %+v %+v %+v", cfg.Server, cfg.Queue, cfg.TaskStore)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "sovereign.json", `{"server":{"address":":9090"},"pipeline":{"risk_threshold":40}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9090" || cfg.Pipeline.RiskThreshold != 40 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	cases := map[string]string{
		"negative iterations": `{"pipeline":{"max_iterations":-1}}`,
		"threshold too high":  `{"pipeline":{"risk_threshold":101}}`,
		"unknown queue":       `{"queue":{"driver":"kafka"}}`,
		"unknown archive":     `{"archive":{"driver":"mongo"}}`,
		"mysql without dsn":   `{"archive":{"driver":"mysql"}}`,
		"empty webhook":       `{"alerting":{"webhooks":[{"name":"ops"}]}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, "c.json", body))
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
				t.Fatalf("unexpected code: %s", xerrors.CodeOf(err))
			}
		})
	}
}

func TestLoadFromEnvFallsBackToDefaults(t *testing.T) {
	t.Setenv(EnvPath, "")
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, path, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("load from env: %v", err)
	}
	if path != "" {
		t.Fatalf("expected no path, got %q", path)
	}
	for role, backend := range cfg.Backends.Roles() {
		if backend.Provider != "mock" {
			t.Fatalf("role %s should default to mock", role)
		}
	}
}

func TestLoadFromEnvPath(t *testing.T) {
	path := writeFile(t, "x.yml", "server:\n  address: \":7070\"\n")
	t.Setenv(EnvPath, path)
	cfg, used, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if used != path || cfg.Server.Address != ":7070" {
		t.Fatalf("unexpected result: %s %+v", used, cfg.Server)
	}
}

func TestTokenResolveAndAuthValidation(t *testing.T) {
	t.Setenv("SOVEREIGN_TEST_TOKEN", "from-env")

	if got := (TokenConfig{Token: "inline", TokenEnv: "SOVEREIGN_TEST_TOKEN"}).ResolveToken(); got != "inline" {
		t.Fatalf("expected inline token, got %q", got)
	}
	if got := (TokenConfig{TokenEnv: "SOVEREIGN_TEST_TOKEN"}).ResolveToken(); got != "from-env" {
		t.Fatalf("expected env token, got %q", got)
	}

	cfg := Default(t.TempDir())
	cfg.Auth.Enabled = true
	if err := cfg.Validate(); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument without tokens, got %v", err)
	}
	cfg.Auth.Tokens = []TokenConfig{{Name: "ops", Token: "secret"}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
