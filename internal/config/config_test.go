package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

const minimalConfig = `
server:
  base_url: https://vids.example.com
renderfarm:
  base_url: https://render.example.com
smtp:
  addr: smtp.example.com:587
  from: noreply@example.com
`

func TestLoadMinimalConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Queue.Workers != 4 {
		t.Errorf("expected default workers 4, got %d", cfg.Queue.Workers)
	}
	if cfg.Queue.PollInterval != time.Second {
		t.Errorf("expected default poll interval 1s, got %s", cfg.Queue.PollInterval)
	}
	if cfg.SMS.FirstCheckDelay != 10*time.Second {
		t.Errorf("expected default first check delay 10s, got %s", cfg.SMS.FirstCheckDelay)
	}
	if cfg.SMS.CheckBudget != 100 {
		t.Errorf("expected default check budget 100, got %d", cfg.SMS.CheckBudget)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging defaults: %+v", cfg.Logging)
	}
}

func TestFatalErrorsDefaultList(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(cfg.Renderfarm.FatalErrors) == 0 {
		t.Fatal("expected a default fatal error list")
	}

	want := map[string]bool{
		"InvalidXMLError":       false,
		"CouldNotDownloadError": false,
	}
	for _, s := range cfg.Renderfarm.FatalErrors {
		if _, ok := want[s]; ok {
			want[s] = true
		}
	}
	for s, found := range want {
		if !found {
			t.Errorf("default fatal errors missing %q", s)
		}
	}
}

func TestFatalErrorsOverride(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  base_url: https://vids.example.com
renderfarm:
  base_url: https://render.example.com
  fatal_errors:
    - CustomFailure
smtp:
  addr: smtp.example.com:587
  from: noreply@example.com
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Renderfarm.FatalErrors) != 1 || cfg.Renderfarm.FatalErrors[0] != "CustomFailure" {
		t.Errorf("override not applied: %v", cfg.Renderfarm.FatalErrors)
	}
}

func TestValidateRequiresBaseURL(t *testing.T) {
	_, err := Load(writeConfig(t, `
renderfarm:
  base_url: https://render.example.com
smtp:
  addr: smtp.example.com:587
  from: noreply@example.com
`))
	if err == nil {
		t.Error("expected error for missing server.base_url")
	}
}

func TestValidateRequiresVideoBackend(t *testing.T) {
	_, err := Load(writeConfig(t, `
server:
  base_url: https://vids.example.com
smtp:
  addr: smtp.example.com:587
  from: noreply@example.com
`))
	if err == nil {
		t.Error("expected error when no video backend is configured")
	}
}

func TestValidateSMSRequiresToken(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
sms:
  enabled: true
  base_url: https://sms.example.com
`))
	if err == nil {
		t.Error("expected error for enabled SMS without token")
	}
}

func TestValidateDKIM(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
dkim:
  enabled: true
  domain: example.com
`))
	if err == nil {
		t.Error("expected error for DKIM without selector and key file")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}
