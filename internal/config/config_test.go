package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Query.System != "DAS" || cfg.Queue.MaxRetries != 3 {
		t.Fatalf("unexpected defaults: %+v", cfg.Queue)
	}
	if cfg.MaxGeoJSONBytes() != 200<<20 {
		t.Fatalf("max bytes %d", cfg.MaxGeoJSONBytes())
	}
	if cfg.Location().String() != "Australia/Perth" {
		t.Fatalf("location %s", cfg.Location())
	}
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte("queue:\n  max_retries: 5\n  poll_interval: 250ms\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Queue.MaxRetries != 5 || cfg.Queue.PollInterval != 250*time.Millisecond {
		t.Fatalf("queue %+v", cfg.Queue)
	}
	if cfg.Queue.StaleTasksDays != 2 || cfg.Server.Addr == "" {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"base path":  "server:\n  base_path: api\n",
		"retries":    "queue:\n  max_retries: 0\n",
		"time zone":  "query:\n  time_zone: Mars/Olympus\n",
		"permission": "rbac:\n  roles:\n    viewer:\n      permissions: [\"\"]\n",
		"bad yaml":   "queue: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := FromYAML([]byte(doc)); err == nil {
				t.Fatalf("expected error for %q", doc)
			}
		})
	}
}

func TestLoadOptionalAndGenerateDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("missing file: %v %v", cfg, err)
	}
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "sqs init") {
		t.Fatalf("expected init hint, got %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sqs.yml"), []byte(GenerateDefault("PVS")), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Query.System != "PVS" {
		t.Fatalf("system %q", cfg.Query.System)
	}
}
