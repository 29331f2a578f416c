package config

import (
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Address != ":8080" || cfg.Store.Backend != BackendRedis {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.Signaling.RingTimeout != 45*time.Second {
		t.Fatalf("ring timeout = %v", cfg.Signaling.RingTimeout)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := writeFile(t, "config.yaml", `
http:
  address: ":9000"
store:
  backend: memory
signaling:
  ring_timeout: 30s
log:
  level: debug
  format: console
ice:
  mode: stun-only
  stun_urls: ["stun:a:3478"]
`)
	t.Setenv("ADDR", ":9100")
	t.Setenv("RING_TIMEOUT", "0s")
	t.Setenv("TURN_URLS", "turn:b:3478, turn:c:3478")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Address != ":9100" {
		t.Fatalf("env should win over file, address = %s", cfg.HTTP.Address)
	}
	if cfg.Store.Backend != BackendMemory || cfg.Log.Format != "console" || cfg.ICE.Mode != "stun-only" {
		t.Fatalf("file values lost: %+v", cfg)
	}
	if cfg.Signaling.RingTimeout != 0 {
		t.Fatalf("ring timeout = %v", cfg.Signaling.RingTimeout)
	}
	if !reflect.DeepEqual(cfg.ICE.TURNURLs, []string{"turn:b:3478", "turn:c:3478"}) {
		t.Fatalf("turn urls = %v", cfg.ICE.TURNURLs)
	}
	if !reflect.DeepEqual(cfg.ICE.STUNURLs, []string{"stun:a:3478"}) {
		t.Fatalf("stun urls = %v", cfg.ICE.STUNURLs)
	}
}

func TestLoadDotEnv(t *testing.T) {
	env := writeFile(t, ".env", "STORE_BACKEND=postgres\nPOSTGRES_DSN=postgres://u:p@db/skillswap\nREDIS_PREFIX=fromfile\n")
	t.Setenv("REDIS_PREFIX", "fromenv")
	// godotenv sets what it loads; clear it again once the test ends
	t.Setenv("STORE_BACKEND", "")
	t.Setenv("POSTGRES_DSN", "")
	os.Unsetenv("STORE_BACKEND")
	os.Unsetenv("POSTGRES_DSN")

	cfg, err := Load("", env, filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Backend != BackendPostgres || cfg.Postgres.DSN != "postgres://u:p@db/skillswap" {
		t.Fatalf("dotenv values not applied: %+v", cfg.Store)
	}
	if cfg.Redis.Prefix != "fromenv" {
		t.Fatalf("dotenv must not override the environment, prefix = %s", cfg.Redis.Prefix)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"unknown backend", map[string]string{"STORE_BACKEND": "mongo"}, "unknown store backend"},
		{"postgres without dsn", map[string]string{"STORE_BACKEND": "postgres"}, "POSTGRES_DSN"},
		{"bad ring timeout", map[string]string{"RING_TIMEOUT": "soon"}, "RING_TIMEOUT"},
		{"bad level", map[string]string{"LOG_LEVEL": "loud"}, "log level"},
		{"bad format", map[string]string{"LOG_FORMAT": "xml"}, "log format"},
		{"negative ring", map[string]string{"RING_TIMEOUT": "-1s"}, "ring timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("missing config file should fail")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	logger.Info().Msg("hidden")
	logger.Warn().Str("room", "roomX").Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"room":"roomX"`) {
		t.Fatalf("log output = %s", out)
	}
}
