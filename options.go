package iserv

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	stdsync "sync"
	"time"

	"github.com/go-git/go-billy/v5"

	"github.com/iserv-go/iserv/internal/config"
	"github.com/iserv-go/iserv/internal/logging"
	"github.com/iserv-go/iserv/pkg/sync"
	"github.com/iserv-go/iserv/pkg/transfer"
)

// Options configures Login. Start from DefaultOptions or LoadOptions;
// a zero Options is not valid.
type Options struct {
	// BaseURL is the portal address; "https://" is assumed when the scheme
	// is missing.
	BaseURL string
	// WebDAVURL defaults to the "webdav." subdomain of BaseURL.
	WebDAVURL string
	Username  string
	Password  string

	// Workers sizes the async transfer pool (default 4).
	Workers int
	Policy  sync.Policy
	// RemoteRoot scopes every remote path (default "/").
	RemoteRoot string
	// LocalRoot is the base of the default LocalFS (default ".").
	LocalRoot string
	// BandwidthLimit such as "5MB/s"; "0" or "" is unlimited.
	BandwidthLimit string
	// Exclude holds doublestar patterns skipped by Pull and Push.
	Exclude []string

	UserAgent  string
	MaxRetries int
	// ConnectTimeout bounds dialing and the TLS handshake.
	ConnectTimeout time.Duration
	// DataTimeout bounds the wait for response headers.
	DataTimeout time.Duration

	// LocalFS overrides the local filesystem; defaults to osfs rooted at
	// LocalRoot.
	LocalFS billy.Filesystem
	// HTTPClient overrides the transport; the timeouts above are then
	// ignored.
	HTTPClient *http.Client
	Logger     *slog.Logger

	// closeLog releases a log file opened by LoadOptions.
	closeLog func() error
}

// DefaultOptions returns Options with every documented default set.
func DefaultOptions() Options {
	return optionsFromConfig(config.DefaultConfig())
}

// LoadOptions reads a TOML config file, applies ISERV_* environment
// overrides and returns the resulting Options. An empty path means
// ISERV_CONFIG, then the platform default location. The password is taken
// from ISERV_PASSWORD only. The Logger follows the [logging] section and
// writes to stderr unless log_file is set. The log file is closed by
// Client.Close, by a failed Login, or by Options.Close.
func LoadOptions(path string) (Options, error) {
	env := config.ReadEnvOverrides()
	if path != "" {
		env.ConfigPath = path
	}

	cfg, err := config.Resolve(env)
	if err != nil {
		return Options{}, fmt.Errorf("iserv: %w", err)
	}

	logger, closeLog, err := logging.Open(cfg.Logging, os.Stderr)
	if err != nil {
		return Options{}, fmt.Errorf("iserv: %w", err)
	}

	opts := optionsFromConfig(cfg)
	opts.Password = env.Password
	opts.Logger = logger
	opts.closeLog = stdsync.OnceValue(closeLog)

	return opts, nil
}

// Close releases the log file opened by LoadOptions. It is safe to call
// after Login and more than once; options without a log file close as a
// no-op.
func (o *Options) Close() error {
	if o.closeLog == nil {
		return nil
	}

	return o.closeLog()
}

func optionsFromConfig(cfg *config.Config) Options {
	policy, _ := sync.ParsePolicy(cfg.Sync.Policy)
	connect, data := cfg.Network.Durations()

	return Options{
		BaseURL:        cfg.Server.BaseURL,
		WebDAVURL:      cfg.Server.WebDAVURL,
		Username:       cfg.Server.Username,
		Workers:        cfg.Transfers.Workers,
		Policy:         policy,
		RemoteRoot:     cfg.Sync.RemoteRoot,
		LocalRoot:      cfg.Sync.LocalRoot,
		BandwidthLimit: cfg.Transfers.BandwidthLimit,
		Exclude:        append([]string(nil), cfg.Sync.Exclude...),
		UserAgent:      cfg.Network.UserAgent,
		MaxRetries:     cfg.Network.MaxRetries,
		ConnectTimeout: connect,
		DataTimeout:    data,
	}
}

const keepAlive = 30 * time.Second

// httpClient builds the client used for every request.
func (o *Options) httpClient() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}

	t := http.DefaultTransport.(*http.Transport).Clone()
	if o.ConnectTimeout > 0 {
		t.TLSHandshakeTimeout = o.ConnectTimeout
		t.DialContext = (&net.Dialer{Timeout: o.ConnectTimeout, KeepAlive: keepAlive}).DialContext
	}

	if o.DataTimeout > 0 {
		t.ResponseHeaderTimeout = o.DataTimeout
	}

	return &http.Client{Transport: t}
}

// maxRetries maps the config convention (0 = none) to the portal one
// (0 = default, negative = none).
func (o *Options) maxRetries() int {
	if o.MaxRetries <= 0 {
		return -1
	}

	return o.MaxRetries
}

// limiter builds the shared bandwidth limiter, nil when unlimited.
func (o *Options) limiter(logger *slog.Logger) (*transfer.BandwidthLimiter, error) {
	return transfer.NewBandwidthLimiter(o.BandwidthLimit, logger)
}
