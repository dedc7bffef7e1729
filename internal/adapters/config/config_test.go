package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadFileMissing(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Broker != "" || cfg.Aliases == nil {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `broker = "tcp://localhost:1883"
identity = "laptop"
retries = 0
timeout = "750ms"

[aliases]
home = "broker-one"

[defaults]
node = "home"
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Broker != "tcp://localhost:1883" || cfg.Identity != "laptop" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Retries == nil || *cfg.Retries != 0 {
		t.Fatalf("expected explicit zero retries")
	}
	if cfg.Timeout.Duration != 750*time.Millisecond {
		t.Fatalf("unexpected timeout %s", cfg.Timeout)
	}
	if cfg.Aliases["home"] != "broker-one" || cfg.Defaults.Node != "home" {
		t.Fatalf("unexpected aliases/defaults %+v", cfg)
	}
}

func TestPathUsesXDG(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvPath, "")
	t.Setenv("XDG_CONFIG_HOME", dir)
	path, err := Path()
	if err != nil {
		t.Fatalf("path: %v", err)
	}
	if path != filepath.Join(dir, "pubsub", "config.toml") {
		t.Fatalf("unexpected path %s", path)
	}
}

func TestPathEnvOverride(t *testing.T) {
	t.Setenv(EnvPath, "/etc/pubsub/alt.toml")
	path, err := Path()
	if err != nil {
		t.Fatalf("path: %v", err)
	}
	if path != "/etc/pubsub/alt.toml" {
		t.Fatalf("unexpected path %s", path)
	}
}

func TestLoadFileRejectsBadValues(t *testing.T) {
	cases := map[string]struct {
		data string
		want string
	}{
		"unknown key":      {data: "brokr = \"tcp://x:1883\"\n", want: "unknown keys brokr"},
		"bad timeout":      {data: "timeout = \"soon\"\n", want: "soon"},
		"zero timeout":     {data: "timeout = \"0s\"\n", want: "must be positive"},
		"negative retries": {data: "retries = -1\n", want: "retries must not be negative"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(tc.data), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
			_, err := LoadFile(path)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadFileDirectory(t *testing.T) {
	if _, err := LoadFile(t.TempDir()); err == nil {
		t.Fatalf("expected directory error")
	}
}
