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
	p := writeTempFile(t, d, "cfg.yaml", "version: 1.4.2\nport: 9000\nhost: 0.0.0.0\nextra_args: [\"--shm-size\", \"2g\"]\nstartup_timeout: 2m\nrestart:\n  max_restarts: 0\n  backoff: fixed\n")
	f, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if f.Version != "1.4.2" || f.Port != 9000 || f.Host != "0.0.0.0" || len(f.ExtraArgs) != 2 || f.StartupTimeout != "2m" {
		t.Fatalf("unexpected file: %+v", f)
	}
	if f.Restart.MaxRestarts == nil || *f.Restart.MaxRestarts != 0 || f.Restart.Backoff != "fixed" {
		t.Fatalf("unexpected restart section: %+v", f.Restart)
	}
}

func TestLoadJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.json", `{"version":"2.0.0","port":7070,"license_server":"https://lic.example","restart":{"max_restarts":3}}`)
	f, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if f.Version != "2.0.0" || f.Port != 7070 || f.LicenseServer != "https://lic.example" || *f.Restart.MaxRestarts != 3 {
		t.Fatalf("unexpected file: %+v", f)
	}
}

func TestLoadTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.toml", "version=\"1.0.0\"\nport=8081\ngpu=\"off\"\n[restart]\nbackoff=\"exponential\"\nmax_delay=\"30s\"\n")
	f, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if f.Version != "1.0.0" || f.Port != 8081 || f.GPU != "off" || f.Restart.MaxDelay != "30s" {
		t.Fatalf("unexpected file: %+v", f)
	}
	if f.Restart.MaxRestarts != nil {
		t.Fatalf("max_restarts should be unset")
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
	if _, err := Load(filepath.Join(d, "missing.yaml")); err == nil {
		t.Fatalf("expected error for nonexistent file")
	}
	for name, body := range map[string]string{
		"bad.yaml": "port: 80\n: broken\n",
		"bad.json": `{ "port": }`,
		"bad.toml": "port=8080\nhost\n",
	} {
		if _, err := Load(writeTempFile(t, d, name, body)); err == nil {
			t.Fatalf("expected unmarshal error for %s", name)
		}
	}
}
