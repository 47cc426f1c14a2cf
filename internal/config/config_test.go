package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.InputDir != "bundles" || cfg.OutputDir != "modified-bundles" {
		t.Errorf("unexpected dirs %q / %q", cfg.InputDir, cfg.OutputDir)
	}
	if cfg.FHIRMediaType != "application/fhir+json" {
		t.Errorf("expected fhir media type, got %s", cfg.FHIRMediaType)
	}
	if cfg.HTTPTimeout != 60*time.Second {
		t.Errorf("expected 60s timeout, got %s", cfg.HTTPTimeout)
	}
	if cfg.SendMode != SendModeBundle {
		t.Errorf("expected bundle mode, got %s", cfg.SendMode)
	}
	if !cfg.ValidateContainer {
		t.Error("expected container validation on by default")
	}
	if cfg.Sentinel != "N/A" || cfg.DescriptionPlaceholder != "description" || cfg.TitlePlaceholder != "" {
		t.Errorf("unexpected repair defaults %q %q %q", cfg.Sentinel, cfg.DescriptionPlaceholder, cfg.TitlePlaceholder)
	}
	if len(cfg.IncludePatterns) != 1 || cfg.IncludePatterns[0] != "**/*.json" {
		t.Errorf("unexpected include patterns %v", cfg.IncludePatterns)
	}
	if cfg.ExcludePatterns != nil {
		t.Errorf("expected no exclude patterns, got %v", cfg.ExcludePatterns)
	}
	if cfg.StoreBackend != StoreFile || cfg.DBMaxConns != 4 {
		t.Errorf("unexpected store defaults %q %d", cfg.StoreBackend, cfg.DBMaxConns)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	os.Setenv("FHIR_BASE_URL", "https://fhir.example.org/r3")
	os.Setenv("HTTP_TIMEOUT", "5s")
	os.Setenv("SEND_MODE", "resources")
	os.Setenv("DRY_RUN", "true")
	os.Setenv("INCLUDE_PATTERNS", "emis/**/*.json, tpp/*.json")
	os.Setenv("VALIDATE_CONTAINER", "false")
	os.Setenv("DB_MAX_CONNS", "9")
	defer func() {
		for _, k := range []string{"FHIR_BASE_URL", "HTTP_TIMEOUT", "SEND_MODE", "DRY_RUN", "INCLUDE_PATTERNS", "VALIDATE_CONTAINER", "DB_MAX_CONNS"} {
			os.Unsetenv(k)
		}
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.FHIRBaseURL != "https://fhir.example.org/r3" {
		t.Errorf("base url = %s", cfg.FHIRBaseURL)
	}
	if cfg.HTTPTimeout != 5*time.Second {
		t.Errorf("timeout = %s", cfg.HTTPTimeout)
	}
	if cfg.SendMode != SendModeResources || !cfg.DryRun || cfg.ValidateContainer {
		t.Errorf("unexpected flags %+v", cfg)
	}
	if strings.Join(cfg.IncludePatterns, "|") != "emis/**/*.json|tpp/*.json" {
		t.Errorf("include patterns = %v", cfg.IncludePatterns)
	}
	if cfg.DBMaxConns != 9 {
		t.Errorf("max conns = %d", cfg.DBMaxConns)
	}
}

func TestConfig_IsDev(t *testing.T) {
	c := &Config{Env: "development"}
	if !c.IsDev() {
		t.Error("expected IsDev() to return true for development")
	}

	c.Env = "production"
	if c.IsDev() {
		t.Error("expected IsDev() to return false for production")
	}
}

func validConfig() *Config {
	return &Config{
		InputDir:     "in",
		OutputDir:    "out",
		FHIRBaseURL:  "http://localhost:8090/fhir",
		SendMode:     SendModeBundle,
		Sentinel:     "N/A",
		StoreBackend: StoreFile,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"no input", func(c *Config) { c.InputDir = "" }, "INPUT_DIR"},
		{"bad mode", func(c *Config) { c.SendMode = "batch" }, "SEND_MODE"},
		{"no base url", func(c *Config) { c.FHIRBaseURL = "" }, "FHIR_BASE_URL"},
		{"relative base url", func(c *Config) { c.FHIRBaseURL = "fhir/r3" }, "FHIR_BASE_URL"},
		{"dry run without url", func(c *Config) { c.FHIRBaseURL = ""; c.DryRun = true }, ""},
		{"negative timeout", func(c *Config) { c.HTTPTimeout = -time.Second }, "HTTP_TIMEOUT"},
		{"empty sentinel", func(c *Config) { c.Sentinel = "" }, "SENTINEL"},
		{"file without output", func(c *Config) { c.OutputDir = "" }, "OUTPUT_DIR"},
		{"postgres without url", func(c *Config) { c.StoreBackend = StorePostgres }, "DATABASE_URL"},
		{"postgres", func(c *Config) { c.StoreBackend = StorePostgres; c.DatabaseURL = "postgres://x/y" }, ""},
		{"unknown backend", func(c *Config) { c.StoreBackend = "s3" }, "STORE_BACKEND"},
		{"token url without client", func(c *Config) { c.AuthTokenURL = "http://auth/token" }, "AUTH_CLIENT_ID"},
		{"token url without key", func(c *Config) {
			c.AuthTokenURL = "http://auth/token"
			c.AuthClientID = "c"
		}, "AUTH_PRIVATE_KEY_FILE"},
		{"static token wins", func(c *Config) { c.AuthToken = "t"; c.AuthTokenURL = "http://auth/token" }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error mentioning %s, got %v", tt.wantErr, err)
			}
		})
	}
}
