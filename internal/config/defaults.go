package config

import "github.com/iserv-go/iserv/pkg/sync"

// Default values for configuration options. They are layer 0 of the
// override chain and work without any config file.
const (
	defaultWorkers        = 4
	defaultBandwidthLimit = "0"
	defaultPolicy         = "fail_fast"
	defaultRemoteRoot     = "/"
	defaultLocalRoot      = "."
	defaultConnectTimeout = "10s"
	defaultDataTimeout    = "60s"
	defaultMaxRetries     = 5
	defaultLogLevel       = "info"
	defaultLogFormat      = "auto"
)

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding, so unset fields keep their defaults.
func DefaultConfig() *Config {
	return &Config{
		Transfers: TransfersConfig{
			Workers:        defaultWorkers,
			BandwidthLimit: defaultBandwidthLimit,
		},
		Sync: SyncConfig{
			Policy:     defaultPolicy,
			RemoteRoot: defaultRemoteRoot,
			LocalRoot:  defaultLocalRoot,
			Exclude:    append([]string(nil), sync.DefaultExclude...),
		},
		Network: NetworkConfig{
			ConnectTimeout: defaultConnectTimeout,
			DataTimeout:    defaultDataTimeout,
			MaxRetries:     defaultMaxRetries,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
	}
}
