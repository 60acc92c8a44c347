package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadDefaultsWhenFilesMissing(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Environment != "dev" {
		t.Errorf("environment = %q, want dev", cfg.Environment)
	}
	if cfg.ListenAddr != ":8090" {
		t.Errorf("listen addr = %q, want :8090", cfg.ListenAddr)
	}
	if cfg.DefaultRPM != 3 || cfg.DefaultRPD != 500 {
		t.Errorf("budgets = %d/%d, want 3/500", cfg.DefaultRPM, cfg.DefaultRPD)
	}
	if cfg.BrokerKind != "memory" {
		t.Errorf("broker = %q, want memory", cfg.BrokerKind)
	}
	if cfg.StreamTimeout != 5*time.Minute {
		t.Errorf("stream timeout = %v, want 5m", cfg.StreamTimeout)
	}
}

func TestLoadEnvironmentSelection(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "config", "setting.ini"), "environment = prod\nworker_pool = 8\n")
	writeFile(t, filepath.Join(root, "config", "prod", "gengate.ini"),
		"listen_addr = :9000\nbroker = badger\nretention = 90s\n")

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Environment != "prod" {
		t.Errorf("environment = %q, want prod", cfg.Environment)
	}
	if cfg.ListenAddr != ":9000" {
		t.Errorf("listen addr = %q, want :9000", cfg.ListenAddr)
	}
	if cfg.BrokerKind != "badger" {
		t.Errorf("broker = %q, want badger", cfg.BrokerKind)
	}
	if cfg.Retention != 90*time.Second {
		t.Errorf("retention = %v, want 90s", cfg.Retention)
	}
	// setting.ini defaults apply when the env file does not override them
	if cfg.WorkerPoolSize != 8 {
		t.Errorf("worker pool = %d, want 8", cfg.WorkerPoolSize)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "config", "dev", "gengate.ini"), "broker = kafka\n")
	if _, err := Load(root); err == nil {
		t.Error("invalid broker kind should fail")
	}

	root = t.TempDir()
	writeFile(t, filepath.Join(root, "config", "dev", "gengate.ini"), "ledger = postgres\n")
	if _, err := Load(root); err == nil {
		t.Error("postgres ledger without dsn should fail")
	}

	root = t.TempDir()
	writeFile(t, filepath.Join(root, "config", "dev", "gengate.ini"), "retention = soon\n")
	if _, err := Load(root); err == nil {
		t.Error("invalid duration should fail")
	}
}

func TestLoadCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.yaml")
	writeFile(t, path, `
credentials:
  - id: primary
    secret: sk-primary
    rpm: 5
    rpd: 1000
  - id: spare
    secret_env: GENGATE_TEST_SPARE
`)
	t.Setenv("GENGATE_TEST_SPARE", "sk-spare")

	creds, err := LoadCredentials(path)
	if err != nil {
		t.Fatalf("LoadCredentials: %v", err)
	}
	if len(creds) != 2 {
		t.Fatalf("got %d credentials, want 2", len(creds))
	}
	if creds[0].ID != "primary" || creds[0].Secret != "sk-primary" || creds[0].RPM != 5 {
		t.Errorf("unexpected first credential %+v", creds[0])
	}
	if creds[1].Secret != "sk-spare" {
		t.Errorf("secret_env not resolved: %+v", creds[1])
	}
}

func TestLoadCredentialsValidation(t *testing.T) {
	dir := t.TempDir()

	cases := map[string]string{
		"empty":     "credentials: []\n",
		"no_id":     "credentials:\n  - secret: sk-x\n",
		"no_secret": "credentials:\n  - id: a\n",
		"duplicate": "credentials:\n  - id: a\n    secret: s1\n  - id: a\n    secret: s2\n",
	}
	for name, content := range cases {
		path := filepath.Join(dir, name+".yaml")
		writeFile(t, path, content)
		if _, err := LoadCredentials(path); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
