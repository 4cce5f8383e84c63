package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openredact/clinical/internal/models"
	"github.com/openredact/clinical/internal/ner"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr != ":8000" || cfg.Storage.Driver != DriverMemory {
		t.Errorf("Load() = %+v, want defaults", cfg.Server)
	}
	if cfg.Limits.MaxListEntries != 10000 || cfg.Limits.MaxTextRunes != 100000 {
		t.Errorf("limits = %+v", cfg.Limits)
	}
	if cfg.Defaults.Mechanism.Type != models.MechanismRedact {
		t.Errorf("default mechanism = %q", cfg.Defaults.Mechanism.Type)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9000"
  read_timeout: 5s
storage:
  driver: postgres
  postgres:
    dsn: postgres://u:p@db/anon
redis:
  enabled: true
  host: cache
  port: 6380
ner:
  sources:
    - name: spacy
      type: remote
      url: http://spacy:8080/ner
      timeout: 10s
      labels:
        PER: PERSON
    - name: llm
      type: llm
      model: gpt-4o-mini
      api_key_env: OPENAI_API_KEY
limits:
  max_templates: 50
detector:
  zipcodes: false
defaults:
  mechanism:
    type: replace
    replacement: "[ENTFERNT]"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Addr != ":9000" || cfg.Server.ReadTimeout != 5*time.Second {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.WriteTimeout != 60*time.Second {
		t.Errorf("unset write_timeout = %v, want default", cfg.Server.WriteTimeout)
	}
	if cfg.Storage.Driver != DriverPostgres || cfg.Storage.Postgres.DSN != "postgres://u:p@db/anon" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if !cfg.Redis.Enabled || cfg.Redis.Addr() != "cache:6380" {
		t.Errorf("redis = %+v", cfg.Redis)
	}
	if len(cfg.NER.Sources) != 2 || cfg.NER.Sources[0].Timeout != 10*time.Second || cfg.NER.Sources[1].Type != ner.TypeLLM {
		t.Errorf("ner = %+v", cfg.NER.Sources)
	}
	if cfg.NER.Sources[0].Labels["PER"] != "PERSON" {
		t.Errorf("labels = %v", cfg.NER.Sources[0].Labels)
	}
	if cfg.Limits.MaxTemplates != 50 || cfg.Limits.MaxListEntries != 10000 {
		t.Errorf("limits = %+v", cfg.Limits)
	}
	if cfg.Detector.Zipcodes || !cfg.Detector.Titles {
		t.Errorf("detector = %+v", cfg.Detector)
	}
	if cfg.Defaults.Mechanism.Type != models.MechanismReplace || cfg.Defaults.Mechanism.Replacement != "[ENTFERNT]" {
		t.Errorf("default mechanism = %+v", cfg.Defaults.Mechanism)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("REDACT_ADDR", ":7000")
	t.Setenv("REDACT_REDIS_ADDR", "redis.local:6379")
	t.Setenv("REDACT_WORKERS", "3")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr != ":7000" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if !cfg.Redis.Enabled || cfg.Redis.Host != "redis.local" || cfg.Redis.Port != 6379 {
		t.Errorf("redis = %+v", cfg.Redis)
	}
	if cfg.Pipeline.Workers != 3 {
		t.Errorf("workers = %d", cfg.Pipeline.Workers)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q", cfg.Logging.Level)
	}
}

func TestApplyEnvRejectsBadValues(t *testing.T) {
	t.Setenv("REDACT_WORKERS", "many")
	if _, err := Load(""); err == nil {
		t.Error("Load() with REDACT_WORKERS=many returned no error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Storage.Driver = "sqlite" }},
		{"unknown ner type", func(c *Config) { c.NER.Sources = []ner.Config{{Name: "x", Type: "flair"}} }},
		{"duplicate ner name", func(c *Config) {
			s := ner.Config{Name: "x", Type: ner.TypeRemote, URL: "http://x"}
			c.NER.Sources = []ner.Config{s, s}
		}},
		{"reserved ner name", func(c *Config) {
			c.NER.Sources = []ner.Config{{Name: "blacklist", Type: ner.TypeRemote, URL: "http://x"}}
		}},
		{"zero list limit", func(c *Config) { c.Limits.MaxListEntries = 0 }},
		{"negative text limit", func(c *Config) { c.Limits.MaxTextRunes = -1 }},
		{"rate limit without redis", func(c *Config) { c.Server.RateLimit = 10 }},
		{"invalid default mechanism", func(c *Config) { c.Defaults.Mechanism = models.Mechanism{Type: "scramble"} }},
		{"zero workers", func(c *Config) { c.Pipeline.Workers = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() returned no error")
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "server: [unterminated")
	if _, err := Load(path); err == nil {
		t.Error("Load() with malformed YAML returned no error")
	}
}
