package app_test

import (
	"context"
	"os"
	"testing"

	"procureline/internal/app"
	"procureline/internal/config"
	"procureline/internal/repo"
)

func TestOpenSeedsConfigFromWorkspaceFile(t *testing.T) {
	ctx := context.Background()
	workspace := t.TempDir()
	doc := `settings:
  enable_duplicate_check: true
  duplicate_check_days: 14
  iva_percent: "16"
analysis:
  kraljic_risk: volatility
`
	if err := os.WriteFile(config.Path(workspace), []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	rt, err := app.Open(ctx, app.Options{Workspace: workspace})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()
	if rt.Config.Settings.DuplicateCheckDays != 14 || rt.Config.Analysis.KraljicRisk != config.RiskVolatility {
		t.Fatalf("config = %+v", rt.Config)
	}
	evts, err := rt.Repo.LatestEvents(ctx, repo.EventFilters{Type: "config.imported", Limit: 10})
	if err != nil || len(evts) != 1 || evts[0].ActorID != "system" {
		t.Fatalf("seed events = %+v %v", evts, err)
	}
}

func TestStoredConfigWinsAndReload(t *testing.T) {
	ctx := context.Background()
	workspace := t.TempDir()
	rt, err := app.Open(ctx, app.Options{Workspace: workspace})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()
	if rt.Config.Settings.LookbackDays() != config.DefaultDuplicateCheckDays {
		t.Fatalf("default lookback = %d", rt.Config.Settings.LookbackDays())
	}

	updated := config.Default()
	updated.Settings.DuplicateCheckDays = 30
	if err := app.ImportConfig(ctx, rt.Repo, updated, "admin"); err != nil {
		t.Fatalf("import: %v", err)
	}
	if err := rt.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if rt.Config.Settings.DuplicateCheckDays != 30 || rt.Engine.Config.Settings.DuplicateCheckDays != 30 {
		t.Fatalf("reloaded = %+v / %+v", rt.Config.Settings, rt.Engine.Config.Settings)
	}

	// A later file in the workspace does not override the stored document.
	if err := os.WriteFile(config.Path(workspace), []byte("settings:\n  duplicate_check_days: 3\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := app.ResolveConfig(ctx, workspace, rt.Repo)
	if err != nil || cfg.Settings.DuplicateCheckDays != 30 {
		t.Fatalf("resolve = %+v %v", cfg, err)
	}
}
