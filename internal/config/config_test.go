package config

import (
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if !cfg.Settings.EnableDuplicateCheck {
		t.Fatalf("expected duplicate check enabled by default")
	}
	if cfg.Settings.LookbackDays() != 7 {
		t.Fatalf("expected 7 lookback days, got %d", cfg.Settings.LookbackDays())
	}
	if cfg.Settings.IVA().String() != "19" {
		t.Fatalf("expected iva 19, got %s", cfg.Settings.IVA())
	}
	if cfg.Analysis.KraljicRisk != RiskSuppliers {
		t.Fatalf("expected suppliers risk, got %q", cfg.Analysis.KraljicRisk)
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`settings:
  enable_duplicate_check: false
  duplicate_check_days: 14
  duplicate_check_grace_period_end_date: "2024-03-01"
analysis:
  kraljic_risk: volatility
webhooks:
  - url: http://example.test/hook
    events: [request.created]
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Settings.EnableDuplicateCheck {
		t.Fatalf("expected duplicate check disabled")
	}
	if cfg.Settings.LookbackDays() != 14 {
		t.Fatalf("lookback: %d", cfg.Settings.LookbackDays())
	}
	grace, ok := cfg.Settings.GracePeriodEnd()
	if !ok || !grace.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("grace: %v %v", grace, ok)
	}
	// iva keeps the default when omitted
	if cfg.Settings.IVA().String() != "19" {
		t.Fatalf("iva: %s", cfg.Settings.IVA())
	}
	if len(cfg.Webhooks) != 1 {
		t.Fatalf("webhooks: %d", len(cfg.Webhooks))
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"grace date":  "settings:\n  duplicate_check_grace_period_end_date: 01/03/2024\n",
		"negative":    "settings:\n  duplicate_check_days: -1\n",
		"iva":         "settings:\n  iva_percent: abc\n",
		"risk":        "analysis:\n  kraljic_risk: vibes\n",
		"webhook url": "webhooks:\n  - secret: x\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLookbackFallsBackWhenZero(t *testing.T) {
	s := Settings{}
	if s.LookbackDays() != DefaultDuplicateCheckDays {
		t.Fatalf("expected default lookback")
	}
	if _, ok := s.GracePeriodEnd(); ok {
		t.Fatalf("expected no grace period")
	}
	if !s.IVA().IsZero() {
		t.Fatalf("expected zero iva")
	}
}
