// Package config implements TOML configuration loading, validation and
// environment overrides for iserv-go. Values resolve in three layers:
// defaults -> config file -> environment variables.
package config

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Transfers TransfersConfig `toml:"transfers"`
	Sync      SyncConfig      `toml:"sync"`
	Network   NetworkConfig   `toml:"network"`
	Logging   LoggingConfig   `toml:"logging"`
}

// ServerConfig identifies the IServ instance and the account. The password
// is never read from the file; it comes from ISERV_PASSWORD or the caller.
type ServerConfig struct {
	BaseURL   string `toml:"base_url"`
	WebDAVURL string `toml:"webdav_url"`
	Username  string `toml:"username"`
}

// TransfersConfig controls the async worker pool and bandwidth.
type TransfersConfig struct {
	Workers        int    `toml:"workers"`
	BandwidthLimit string `toml:"bandwidth_limit"`
}

// SyncConfig controls the sync engine.
type SyncConfig struct {
	Policy     string   `toml:"policy"`
	RemoteRoot string   `toml:"remote_root"`
	LocalRoot  string   `toml:"local_root"`
	Exclude    []string `toml:"exclude"`
}

// NetworkConfig controls HTTP client behavior.
type NetworkConfig struct {
	ConnectTimeout string `toml:"connect_timeout"`
	DataTimeout    string `toml:"data_timeout"`
	UserAgent      string `toml:"user_agent"`
	MaxRetries     int    `toml:"max_retries"`
}

// LoggingConfig controls log output: level, format and destination.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	LogFile   string `toml:"log_file"`
}
