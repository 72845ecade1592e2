package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig   = "ISERV_CONFIG"
	EnvUsername = "ISERV_USERNAME"
	EnvPassword = "ISERV_PASSWORD" //nolint:gosec // variable name, not a secret
	EnvBaseURL  = "ISERV_BASE_URL"
)

// EnvOverrides holds values read from environment variables.
type EnvOverrides struct {
	ConfigPath string // ISERV_CONFIG: config file path
	Username   string // ISERV_USERNAME
	Password   string // ISERV_PASSWORD
	BaseURL    string // ISERV_BASE_URL
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. It does not modify a Config; see Apply.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		Username:   os.Getenv(EnvUsername),
		Password:   os.Getenv(EnvPassword),
		BaseURL:    os.Getenv(EnvBaseURL),
	}
}

// Apply copies the non-empty file-level overrides onto cfg. The password
// has no config field and is left to the caller.
func (e EnvOverrides) Apply(cfg *Config) {
	if e.Username != "" {
		cfg.Server.Username = e.Username
	}

	if e.BaseURL != "" {
		cfg.Server.BaseURL = e.BaseURL
	}
}
