package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	DHIS2BaseURL    string        `mapstructure:"DHIS2_BASE_URL"`
	DHIS2APIVersion int           `mapstructure:"DHIS2_API_VERSION"`
	DHIS2Username   string        `mapstructure:"DHIS2_USERNAME"`
	DHIS2Password   string        `mapstructure:"DHIS2_PASSWORD"`
	DHIS2Timeout    time.Duration `mapstructure:"DHIS2_TIMEOUT"`

	FHIRBaseURL string        `mapstructure:"FHIR_BASE_URL"`
	FHIRToken   string        `mapstructure:"FHIR_TOKEN"`
	FHIRVersion string        `mapstructure:"FHIR_VERSION"`
	FHIRTimeout time.Duration `mapstructure:"FHIR_TIMEOUT"`

	WebhookSecret string `mapstructure:"WEBHOOK_SECRET"`

	PollInterval         time.Duration `mapstructure:"POLL_INTERVAL"`
	PollToleranceMillis  int           `mapstructure:"POLL_TOLERANCE_MILLIS"`
	MaxSearchCount       int           `mapstructure:"MAX_SEARCH_COUNT"`
	MaxProcessedAgeHours int           `mapstructure:"MAX_PROCESSED_AGE_HOURS"`
	ItemWorkerCount      int           `mapstructure:"ITEM_WORKER_COUNT"`

	DefaultOrgUnitCode       string `mapstructure:"DEFAULT_ORG_UNIT_CODE"`
	UseAdapterIdentifier     bool   `mapstructure:"USE_ADAPTER_IDENTIFIER"`
	NationalIdentifierSystem string `mapstructure:"NATIONAL_IDENTIFIER_SYSTEM"`
	AdapterIdentifierSystem  string `mapstructure:"ADAPTER_IDENTIFIER_SYSTEM"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DHIS2_API_VERSION", 30)
	v.SetDefault("DHIS2_TIMEOUT", "30s")
	v.SetDefault("FHIR_VERSION", "R4")
	v.SetDefault("FHIR_TIMEOUT", "30s")
	v.SetDefault("POLL_INTERVAL", "60s")
	v.SetDefault("POLL_TOLERANCE_MILLIS", 2000)
	v.SetDefault("MAX_SEARCH_COUNT", 10000)
	v.SetDefault("MAX_PROCESSED_AGE_HOURS", 24)
	v.SetDefault("ITEM_WORKER_COUNT", 8)
	v.SetDefault("USE_ADAPTER_IDENTIFIER", true)
	v.SetDefault("ADAPTER_IDENTIFIER_SYSTEM", "http://www.dhis2.org/dhis2fhiradapter/systems/DHIS2-FHIR-Identifier")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("DHIS2_BASE_URL")
	v.BindEnv("DHIS2_API_VERSION")
	v.BindEnv("DHIS2_USERNAME")
	v.BindEnv("DHIS2_PASSWORD")
	v.BindEnv("DHIS2_TIMEOUT")
	v.BindEnv("FHIR_BASE_URL")
	v.BindEnv("FHIR_TOKEN")
	v.BindEnv("FHIR_VERSION")
	v.BindEnv("FHIR_TIMEOUT")
	v.BindEnv("WEBHOOK_SECRET")
	v.BindEnv("POLL_INTERVAL")
	v.BindEnv("POLL_TOLERANCE_MILLIS")
	v.BindEnv("MAX_SEARCH_COUNT")
	v.BindEnv("MAX_PROCESSED_AGE_HOURS")
	v.BindEnv("ITEM_WORKER_COUNT")
	v.BindEnv("DEFAULT_ORG_UNIT_CODE")
	v.BindEnv("USE_ADAPTER_IDENTIFIER")
	v.BindEnv("NATIONAL_IDENTIFIER_SYSTEM")
	v.BindEnv("ADAPTER_IDENTIFIER_SYSTEM")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.DHIS2BaseURL == "" {
		return nil, fmt.Errorf("DHIS2_BASE_URL is required")
	}
	if cfg.FHIRBaseURL == "" {
		return nil, fmt.Errorf("FHIR_BASE_URL is required")
	}
	if cfg.IsProduction() && cfg.WebhookSecret == "" {
		return nil, fmt.Errorf("WEBHOOK_SECRET is required in production")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the adapter is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
