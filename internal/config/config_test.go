package config

import (
	"os"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/adapter")
	t.Setenv("DHIS2_BASE_URL", "https://dhis2.example.org")
	t.Setenv("FHIR_BASE_URL", "https://fhir.example.org/fhir")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.DHIS2APIVersion != 30 {
		t.Errorf("DHIS2APIVersion = %d, want 30", cfg.DHIS2APIVersion)
	}
	if cfg.PollInterval != 60*time.Second {
		t.Errorf("PollInterval = %v, want 60s", cfg.PollInterval)
	}
	if cfg.MaxProcessedAgeHours != 24 {
		t.Errorf("MaxProcessedAgeHours = %d, want 24", cfg.MaxProcessedAgeHours)
	}
	if !cfg.UseAdapterIdentifier {
		t.Error("UseAdapterIdentifier should default to true")
	}
	if cfg.AdapterIdentifierSystem == "" {
		t.Error("AdapterIdentifierSystem should carry a default system URI")
	}
}

func TestLoad_MissingDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DHIS2_BASE_URL", "https://dhis2.example.org")
	t.Setenv("FHIR_BASE_URL", "https://fhir.example.org/fhir")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing DATABASE_URL")
	}
}

func TestLoad_MissingDHIS2BaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/adapter")
	t.Setenv("DHIS2_BASE_URL", "")
	t.Setenv("FHIR_BASE_URL", "https://fhir.example.org/fhir")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing DHIS2_BASE_URL")
	}
}

func TestLoad_ProductionRequiresWebhookSecret(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ENV", "production")
	t.Setenv("WEBHOOK_SECRET", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing WEBHOOK_SECRET in production")
	}

	t.Setenv("WEBHOOK_SECRET", "secret")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !cfg.IsProduction() {
		t.Error("IsProduction() should be true")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("MAX_SEARCH_COUNT", "500")
	t.Setenv("DEFAULT_ORG_UNIT_CODE", "OU_DEFAULT")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("Port = %q, want 9090", cfg.Port)
	}
	if cfg.MaxSearchCount != 500 {
		t.Errorf("MaxSearchCount = %d, want 500", cfg.MaxSearchCount)
	}
	if cfg.DefaultOrgUnitCode != "OU_DEFAULT" {
		t.Errorf("DefaultOrgUnitCode = %q", cfg.DefaultOrgUnitCode)
	}
}

func TestMain(m *testing.M) {
	// Make sure a developer's local .env never leaks into assertions.
	os.Unsetenv("DATABASE_URL")
	os.Exit(m.Run())
}
