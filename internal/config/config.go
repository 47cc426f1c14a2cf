package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	StoreFile     = "file"
	StorePostgres = "postgres"
)

// Send modes, mirrored by pipeline.Mode.
const (
	SendModeBundle    = "bundle"
	SendModeResources = "resources"
)

type Config struct {
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	InputDir        string        `mapstructure:"INPUT_DIR"`
	OutputDir       string        `mapstructure:"OUTPUT_DIR"`
	FHIRBaseURL     string        `mapstructure:"FHIR_BASE_URL"`
	FHIRMediaType   string        `mapstructure:"FHIR_MEDIA_TYPE"`
	HTTPTimeout     time.Duration `mapstructure:"HTTP_TIMEOUT"`
	SendMode        string        `mapstructure:"SEND_MODE"`
	DryRun          bool          `mapstructure:"DRY_RUN"`
	IncludePatterns []string      `mapstructure:"INCLUDE_PATTERNS"`
	ExcludePatterns []string      `mapstructure:"EXCLUDE_PATTERNS"`

	ValidateContainer      bool   `mapstructure:"VALIDATE_CONTAINER"`
	Sentinel               string `mapstructure:"SENTINEL"`
	DescriptionPlaceholder string `mapstructure:"DESCRIPTION_PLACEHOLDER"`
	TitlePlaceholder       string `mapstructure:"TITLE_PLACEHOLDER"`

	StoreBackend string `mapstructure:"STORE_BACKEND"`
	DatabaseURL  string `mapstructure:"DATABASE_URL"`
	DBMaxConns   int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns   int32  `mapstructure:"DB_MIN_CONNS"`

	AuthToken          string `mapstructure:"AUTH_TOKEN"`
	AuthTokenURL       string `mapstructure:"AUTH_TOKEN_URL"`
	AuthClientID       string `mapstructure:"AUTH_CLIENT_ID"`
	AuthPrivateKeyFile string `mapstructure:"AUTH_PRIVATE_KEY_FILE"`
	AuthKeyID          string `mapstructure:"AUTH_KEY_ID"`
	AuthScope          string `mapstructure:"AUTH_SCOPE"`

	MockPort string `mapstructure:"MOCK_PORT"`
}

var keys = []string{
	"ENV", "LOG_LEVEL",
	"INPUT_DIR", "OUTPUT_DIR", "FHIR_BASE_URL", "FHIR_MEDIA_TYPE", "HTTP_TIMEOUT",
	"SEND_MODE", "DRY_RUN", "INCLUDE_PATTERNS", "EXCLUDE_PATTERNS",
	"VALIDATE_CONTAINER", "SENTINEL", "DESCRIPTION_PLACEHOLDER", "TITLE_PLACEHOLDER",
	"STORE_BACKEND", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_TOKEN", "AUTH_TOKEN_URL", "AUTH_CLIENT_ID", "AUTH_PRIVATE_KEY_FILE", "AUTH_KEY_ID", "AUTH_SCOPE",
	"MOCK_PORT",
}

// Load reads configuration from the environment and an optional .env file in
// the working directory. It does not validate; call Validate once command
// line overrides have been applied.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("ENV", "production")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("INPUT_DIR", "bundles")
	v.SetDefault("OUTPUT_DIR", "modified-bundles")
	v.SetDefault("FHIR_BASE_URL", "http://localhost:8090/fhir")
	v.SetDefault("FHIR_MEDIA_TYPE", "application/fhir+json")
	v.SetDefault("HTTP_TIMEOUT", "60s")
	v.SetDefault("SEND_MODE", SendModeBundle)
	v.SetDefault("DRY_RUN", false)
	v.SetDefault("INCLUDE_PATTERNS", "**/*.json")
	v.SetDefault("EXCLUDE_PATTERNS", "")
	v.SetDefault("VALIDATE_CONTAINER", true)
	v.SetDefault("SENTINEL", "N/A")
	v.SetDefault("DESCRIPTION_PLACEHOLDER", "description")
	v.SetDefault("TITLE_PLACEHOLDER", "") // empty disables title repair
	v.SetDefault("STORE_BACKEND", StoreFile)
	v.SetDefault("DB_MAX_CONNS", 4)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("MOCK_PORT", "8090")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.IncludePatterns = splitList(v.GetString("INCLUDE_PATTERNS"))
	cfg.ExcludePatterns = splitList(v.GetString("EXCLUDE_PATTERNS"))
	return cfg, nil
}

// splitList splits a comma-separated value, dropping blank items.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// UsesBackendServices reports whether SMART backend-services credentials are
// configured. A static AUTH_TOKEN takes precedence.
func (c *Config) UsesBackendServices() bool {
	return c.AuthToken == "" && c.AuthTokenURL != ""
}

// Validate checks the settings a push or watch run depends on.
func (c *Config) Validate() error {
	if c.InputDir == "" {
		return fmt.Errorf("INPUT_DIR is required")
	}
	if c.SendMode != SendModeBundle && c.SendMode != SendModeResources {
		return fmt.Errorf("SEND_MODE must be %q or %q, got %q", SendModeBundle, SendModeResources, c.SendMode)
	}
	if !c.DryRun {
		if err := validateURL("FHIR_BASE_URL", c.FHIRBaseURL); err != nil {
			return err
		}
	}
	if c.HTTPTimeout < 0 {
		return fmt.Errorf("HTTP_TIMEOUT must not be negative, got %s", c.HTTPTimeout)
	}
	if c.Sentinel == "" {
		return fmt.Errorf("SENTINEL must not be empty")
	}

	switch c.StoreBackend {
	case StoreFile:
		if c.OutputDir == "" {
			return fmt.Errorf("OUTPUT_DIR is required when STORE_BACKEND is %q", StoreFile)
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is %q", StorePostgres)
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", StoreFile, StorePostgres, c.StoreBackend)
	}

	// Backend services: token URL, client id and key travel together.
	if c.UsesBackendServices() {
		if err := validateURL("AUTH_TOKEN_URL", c.AuthTokenURL); err != nil {
			return err
		}
		if c.AuthClientID == "" {
			return fmt.Errorf("AUTH_CLIENT_ID is required when AUTH_TOKEN_URL is set")
		}
		if c.AuthPrivateKeyFile == "" {
			return fmt.Errorf("AUTH_PRIVATE_KEY_FILE is required when AUTH_TOKEN_URL is set")
		}
	}
	return nil
}

func validateURL(key, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", key)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", key, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an absolute http(s) URL, got %q", key, raw)
	}
	return nil
}
