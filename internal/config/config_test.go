package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Limits.TitleMax <= 0 || cfg.Limits.SolutionMax <= 0 {
		t.Fatalf("limits = %+v", cfg.Limits)
	}
	if cfg.Policies.AllowSelfSolutions {
		t.Fatal("self solutions must default off")
	}
	if cfg.Reputation.Won <= cfg.Reputation.Submitted {
		t.Fatalf("winning must outweigh submitting: %+v", cfg.Reputation)
	}
}

func TestFromYAMLValidation(t *testing.T) {
	if _, err := FromYAML([]byte("limits:\n  title_max: 0\n")); err == nil {
		t.Fatal("expected error for zero title_max")
	}
	if _, err := FromYAML([]byte(":::")); err == nil {
		t.Fatal("expected error for broken yaml")
	}

	cfg, err := FromYAML([]byte(`
limits:
  title_max: 10
  description_max: 20
  solution_max: 30
  category_max: 5
reputation:
  created: 2
  submitted: 1
  won: 20
policies:
  allow_self_solutions: true
webhooks:
  - url: http://127.0.0.1:9999/hook
    events: [challenge.completed]
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Limits.TitleMax != 10 || cfg.Reputation.Won != 20 || !cfg.Policies.AllowSelfSolutions {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].URL == "" {
		t.Fatalf("webhooks = %+v", cfg.Webhooks)
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("missing file should be nil,nil: %v %v", cfg, err)
	}

	if err := os.WriteFile(filepath.Join(dir, "bountyline.yml"), []byte(GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("load seeded default: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("seeded default invalid: %v", err)
	}
}

func TestWebhookValidation(t *testing.T) {
	cfg := Default()
	cfg.Webhooks = []WebhookConfig{{URL: ""}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for webhook without url")
	}
	cfg.Webhooks = []WebhookConfig{{URL: "http://127.0.0.1:1/h", Events: []string{""}}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty event type")
	}
}
