package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/iserv-go/iserv/pkg/sync"
	"github.com/iserv-go/iserv/pkg/transfer"
)

// Validation range constants.
const (
	minWorkers        = 1
	maxWorkers        = 64
	maxRetriesCeiling = 20
	minConnectTimeout = 1 * time.Second
	minDataTimeout    = 5 * time.Second
)

// Validate checks all configuration values and returns all errors found,
// joined, so a config file can be fixed in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateTransfers(&cfg.Transfers)...)
	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

func validateServer(s *ServerConfig) []error {
	var errs []error

	if s.BaseURL != "" {
		raw := s.BaseURL
		if !strings.Contains(raw, "://") {
			raw = "https://" + raw
		}

		if err := validateURL("base_url", raw); err != nil {
			errs = append(errs, err)
		}
	}

	if s.WebDAVURL != "" {
		if err := validateURL("webdav_url", s.WebDAVURL); err != nil {
			errs = append(errs, err)
		}
	}

	return errs
}

func validateURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: invalid URL %q: %w", field, raw, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s: scheme must be http or https, got %q", field, u.Scheme)
	}

	if u.Host == "" {
		return fmt.Errorf("%s: missing host in %q", field, raw)
	}

	return nil
}

func validateTransfers(t *TransfersConfig) []error {
	var errs []error

	if t.Workers < minWorkers || t.Workers > maxWorkers {
		errs = append(errs, fmt.Errorf("workers: must be between %d and %d, got %d",
			minWorkers, maxWorkers, t.Workers))
	}

	if _, err := transfer.ParseRate(t.BandwidthLimit); err != nil {
		errs = append(errs, fmt.Errorf("bandwidth_limit: %w", err))
	}

	return errs
}

func validateSync(s *SyncConfig) []error {
	var errs []error

	if _, err := sync.ParsePolicy(s.Policy); err != nil {
		errs = append(errs, fmt.Errorf("policy: %w", err))
	}

	if s.RemoteRoot == "" {
		errs = append(errs, errors.New("remote_root: must not be empty"))
	}

	if s.LocalRoot == "" {
		errs = append(errs, errors.New("local_root: must not be empty"))
	}

	for _, p := range s.Exclude {
		if !doublestar.ValidatePattern(p) {
			errs = append(errs, fmt.Errorf("exclude: invalid pattern %q", p))
		}
	}

	return errs
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("connect_timeout", n.ConnectTimeout, minConnectTimeout)...)
	errs = append(errs, validateDurationMin("data_timeout", n.DataTimeout, minDataTimeout)...)

	if n.MaxRetries < 0 || n.MaxRetries > maxRetriesCeiling {
		errs = append(errs, fmt.Errorf("max_retries: must be between 0 and %d, got %d",
			maxRetriesCeiling, n.MaxRetries))
	}

	return errs
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)}
	}

	return nil
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	errs = append(errs, validateLogLevel(l.LogLevel)...)
	errs = append(errs, validateLogFormat(l.LogFormat)...)

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogLevel(level string) []error {
	if !validLogLevels[level] {
		return []error{fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", level)}
	}

	return nil
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogFormat(format string) []error {
	if !validLogFormats[format] {
		return []error{fmt.Errorf("log_format: must be one of auto, text, json; got %q", format)}
	}

	return nil
}

// Durations returns the parsed network timeouts. Call after Validate.
func (n NetworkConfig) Durations() (connect, data time.Duration) {
	connect, _ = time.ParseDuration(n.ConnectTimeout)
	data, _ = time.ParseDuration(n.DataTimeout)

	return connect, data
}
