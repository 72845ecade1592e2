package portal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	gosync "sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Retry and backoff constants.
const (
	defaultMaxRetries = 5
	baseBackoff       = 1 * time.Second
	maxBackoff        = 60 * time.Second
	backoffFactor     = 2.0
	jitterFraction    = 0.25
	defaultUserAgent  = "iserv-go/0.1"
)

// Endpoint selects which server a Request is sent to.
type Endpoint int

const (
	// EndpointPortal is the IServ web portal (cookie session).
	EndpointPortal Endpoint = iota
	// EndpointDAV is the WebDAV file store (basic auth).
	EndpointDAV
)

func (e Endpoint) String() string {
	switch e {
	case EndpointPortal:
		return "portal"
	case EndpointDAV:
		return "dav"
	default:
		return "unknown"
	}
}

// Credentials are the portal account credentials. They are kept in memory
// for re-authentication and WebDAV basic auth and are never logged.
type Credentials struct {
	Username string
	Password string
}

// Config configures a Session. Zero values fall back to documented defaults.
type Config struct {
	// BaseURL is the portal address, e.g. "https://schule.example" or just
	// "schule.example" (https is assumed).
	BaseURL string
	// WebDAVURL defaults to the "webdav." subdomain of BaseURL.
	WebDAVURL string
	// HTTPClient is copied; the Session installs its own cookie jar on the
	// copy. Defaults to http.DefaultClient.
	HTTPClient *http.Client
	// UserAgent defaults to "iserv-go/0.1".
	UserAgent string
	// MaxRetries bounds retries of transport failures. 0 selects the
	// default (5); a negative value disables retries.
	MaxRetries int
	Logger     *slog.Logger
}

// Request describes one HTTP exchange routed through Session.Do.
type Request struct {
	Endpoint Endpoint
	Method   string
	Path     string // slash-separated, unescaped
	Query    url.Values
	Header   http.Header
	// Body is rewound between retries when it implements io.Seeker.
	// Non-seekable bodies are sent at most once.
	Body io.Reader
	// ContentLength is sent when positive.
	ContentLength int64
}

// Session owns the authenticated connection to one portal account.
//
// A Session is safe for concurrent use: the cookie jar is goroutine-safe,
// requests share the underlying connection pool, and re-authentication after
// the portal expires the session is serialized so that concurrent requests
// trigger a single login.
type Session struct {
	baseURL    *url.URL
	davURL     *url.URL
	creds      Credentials
	httpClient *http.Client
	jar        *sessionJar
	userAgent  string
	maxRetries int
	logger     *slog.Logger

	relogin singleflight.Group
	closed  atomic.Bool

	// sleepFunc is called to wait between retries. Defaults to timeSleep.
	// Tests override this to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// Authenticate performs the portal login handshake and returns a Session
// holding the issued cookies. Rejected credentials fail with ErrAuth,
// unreachable servers with ErrTransport.
func Authenticate(ctx context.Context, cfg Config, creds Credentials) (*Session, error) {
	s, err := newSession(cfg, creds)
	if err != nil {
		return nil, err
	}

	if err := s.login(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

// newSession builds an unauthenticated Session. Split from Authenticate so
// tests can swap sleepFunc before the first request.
func newSession(cfg Config, creds Credentials) (*Session, error) {
	if creds.Username == "" {
		return nil, fmt.Errorf("portal: username must not be empty")
	}

	base, err := parseBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	davRaw := cfg.WebDAVURL
	if davRaw == "" {
		davRaw = base.Scheme + "://webdav." + base.Host
	}

	dav, err := parseBaseURL(davRaw)
	if err != nil {
		return nil, fmt.Errorf("portal: webdav url: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	maxRetries := cfg.MaxRetries
	switch {
	case maxRetries == 0:
		maxRetries = defaultMaxRetries
	case maxRetries < 0:
		maxRetries = 0
	}

	jar, err := newSessionJar()
	if err != nil {
		return nil, err
	}

	hc := http.Client{}
	if cfg.HTTPClient != nil {
		hc = *cfg.HTTPClient
	}

	hc.Jar = jar

	return &Session{
		baseURL:    base,
		davURL:     dav,
		creds:      creds,
		httpClient: &hc,
		jar:        jar,
		userAgent:  userAgent,
		maxRetries: maxRetries,
		logger:     logger,
		sleepFunc:  timeSleep,
	}, nil
}

// parseBaseURL accepts "host", "host/prefix" or a full http(s) URL.
func parseBaseURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("portal: base url must not be empty")
	}

	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("portal: invalid base url %q: %w", raw, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("portal: unsupported scheme %q in base url", u.Scheme)
	}

	if u.Host == "" {
		return nil, fmt.Errorf("portal: base url %q has no host", raw)
	}

	u.Path = strings.TrimRight(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""

	return u, nil
}

// Username returns the account name the Session authenticated as.
func (s *Session) Username() string {
	return s.creds.Username
}

// URL returns the absolute, escaped URL of path on the given endpoint.
func (s *Session) URL(endpoint Endpoint, path string) string {
	return s.buildURL(endpoint, path, nil).String()
}

func (s *Session) buildURL(endpoint Endpoint, path string, query url.Values) *url.URL {
	base := s.baseURL
	if endpoint == EndpointDAV {
		base = s.davURL
	}

	u := *base
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	u.Path = base.Path + path
	u.RawPath = ""

	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	return &u
}

// Do executes req with retry, backoff and re-authentication.
// 2xx responses are returned with an open body the caller must close; all
// other outcomes are returned as errors (*HTTPError for HTTP failures).
func (s *Session) Do(ctx context.Context, req *Request) (*http.Response, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	resp, err := s.doRetry(ctx, req)
	if err == nil && req.Endpoint == EndpointPortal && s.sessionExpired(resp) {
		drainAndClose(resp)
		err = &HTTPError{StatusCode: http.StatusUnauthorized, Method: req.Method, Path: req.Path, Err: ErrAuth}
	}

	if err == nil || req.Endpoint != EndpointPortal || !errors.Is(err, ErrAuth) {
		return resp, err
	}

	s.logger.Info("portal session expired, re-authenticating",
		slog.String("method", req.Method),
		slog.String("path", req.Path),
	)

	if loginErr := s.reauthenticate(ctx); loginErr != nil {
		return nil, loginErr
	}

	// The failed attempt consumed the body.
	if rewindErr := rewindBody(req.Body); rewindErr != nil {
		return nil, fmt.Errorf("portal: %s %s: cannot replay after re-login: %w: %w", req.Method, req.Path, ErrAuth, rewindErr)
	}

	resp, err = s.doRetry(ctx, req)
	if err == nil && s.sessionExpired(resp) {
		drainAndClose(resp)

		return nil, fmt.Errorf("portal: %s %s: still unauthenticated after re-login: %w", req.Method, req.Path, ErrAuth)
	}

	return resp, err
}

// reauthenticate runs at most one login at a time; concurrent callers wait
// for and share the result of the in-flight login.
func (s *Session) reauthenticate(ctx context.Context) error {
	_, err, shared := s.relogin.Do("login", func() (any, error) {
		return nil, s.login(ctx)
	})

	if shared {
		s.logger.Debug("joined in-flight re-authentication")
	}

	return err
}

// sessionExpired reports whether the portal answered a request by
// redirecting to the login form.
func (s *Session) sessionExpired(resp *http.Response) bool {
	if resp == nil || resp.Request == nil || resp.Request.URL == nil {
		return false
	}

	return strings.HasPrefix(resp.Request.URL.Path, s.baseURL.Path+loginPath)
}

// doRetry executes a request with retry and exponential backoff.
func (s *Session) doRetry(ctx context.Context, req *Request) (*http.Response, error) {
	target := s.buildURL(req.Endpoint, req.Path, req.Query)

	var attempt int

	for {
		if attempt > 0 {
			if err := rewindBody(req.Body); err != nil {
				return nil, fmt.Errorf("portal: %s %s: cannot retry: %w", req.Method, req.Path, err)
			}
		}

		resp, err := s.doOnce(ctx, req, target)
		if err != nil {
			// Context cancellation is not retryable.
			if ctx.Err() != nil {
				return nil, fmt.Errorf("portal: request canceled: %w", ctx.Err())
			}

			if attempt < s.maxRetries && canRetryBody(req.Body) {
				backoff := s.calcBackoff(attempt)
				s.logger.Warn("retrying after network error",
					slog.String("method", req.Method),
					slog.String("endpoint", req.Endpoint.String()),
					slog.String("path", req.Path),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := s.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("portal: request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("portal: %s %s failed after %d attempts: %w: %w",
				req.Method, req.Path, attempt+1, ErrTransport, err)
		}

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			s.logger.Debug("request succeeded",
				slog.String("method", req.Method),
				slog.String("endpoint", req.Endpoint.String()),
				slog.String("path", req.Path),
				slog.Int("status", resp.StatusCode),
			)

			return resp, nil
		}

		errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorMessage))
		drainAndClose(resp)

		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		if isRetryable(resp.StatusCode) && attempt < s.maxRetries && canRetryBody(req.Body) {
			backoff := s.retryBackoff(resp, attempt)
			s.logger.Warn("retrying after HTTP error",
				slog.String("method", req.Method),
				slog.String("endpoint", req.Endpoint.String()),
				slog.String("path", req.Path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if err := s.sleepFunc(ctx, backoff); err != nil {
				return nil, fmt.Errorf("portal: request canceled: %w", err)
			}

			attempt++

			continue
		}

		sentinel := classifyStatus(resp.StatusCode)
		if sentinel == nil {
			sentinel = ErrTransport
		}

		if attempt > 0 {
			s.logger.Error("request failed after retries",
				slog.String("method", req.Method),
				slog.String("path", req.Path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempts", attempt+1),
			)
		}

		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Method:     req.Method,
			Path:       req.Path,
			Message:    strings.TrimSpace(string(errBody)),
			Err:        sentinel,
		}
	}
}

// doOnce executes a single HTTP request (no retry).
func (s *Session) doOnce(ctx context.Context, req *Request, target *url.URL) (*http.Response, error) {
	var body io.Reader
	if req.Body != nil {
		// The transport closes request bodies; keep the caller's reader open
		// so it can be rewound for the next attempt.
		body = io.NopCloser(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	if req.ContentLength > 0 {
		httpReq.ContentLength = req.ContentLength
	}

	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	httpReq.Header.Set("User-Agent", s.userAgent)

	if req.Endpoint == EndpointDAV {
		httpReq.SetBasicAuth(s.creds.Username, s.creds.Password)
	}

	return s.httpClient.Do(httpReq)
}

// rewindBody seeks a retried body back to its start.
func rewindBody(body io.Reader) error {
	if body == nil {
		return nil
	}

	seeker, ok := body.(io.Seeker)
	if !ok {
		return errors.New("request body is not seekable")
	}

	if _, err := seeker.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewinding request body: %w", err)
	}

	return nil
}

func canRetryBody(body io.Reader) bool {
	if body == nil {
		return true
	}

	_, ok := body.(io.Seeker)

	return ok
}

// retryBackoff returns the backoff duration for a retryable response.
// For 429 and 503 responses with a Retry-After header, that value is used.
func (s *Session) retryBackoff(resp *http.Response, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}

	return s.calcBackoff(attempt)
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (s *Session) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// timeSleep waits for the given duration or until the context is canceled.
// It is the default sleepFunc for Session.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// drainAndClose discards the rest of a response body so the connection can
// be reused.
func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
}

// Close releases the session: cookies are dropped and idle connections
// closed. Close is idempotent; Do fails with ErrClosed afterwards.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	if err := s.jar.reset(); err != nil {
		return err
	}

	s.httpClient.CloseIdleConnections()
	s.logger.Debug("session closed", slog.String("host", s.baseURL.Host))

	return nil
}

// sessionJar is a cookie jar that can be emptied while requests may still
// hold a reference to it.
type sessionJar struct {
	mu  gosync.RWMutex
	jar *cookiejar.Jar
}

func newSessionJar() (*sessionJar, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("portal: creating cookie jar: %w", err)
	}

	return &sessionJar{jar: jar}, nil
}

func (j *sessionJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	j.jar.SetCookies(u, cookies)
}

func (j *sessionJar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.RLock()
	defer j.mu.RUnlock()

	return j.jar.Cookies(u)
}

func (j *sessionJar) reset() error {
	fresh, err := cookiejar.New(nil)
	if err != nil {
		return fmt.Errorf("portal: resetting cookie jar: %w", err)
	}

	j.mu.Lock()
	j.jar = fresh
	j.mu.Unlock()

	return nil
}
