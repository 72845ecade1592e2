package portal

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// Portal paths used by the login handshake.
const (
	loginPath  = "/iserv/auth/login"
	logoutPath = "/iserv/auth/logout"
	homePath   = "/iserv/auth/home"
	rootPath   = "/iserv/"

	sessionCookie = "IServSession"

	// maxLoginPage bounds how much of the login response is scanned for
	// failure markers.
	maxLoginPage = 1 << 20
)

// Markers the portal renders on the login form when authentication fails.
var (
	unknownAccountMarkers = []string{"Account existiert nicht!", "Account does not exist"}
	wrongPasswordMarkers  = []string{"Anmeldung fehlgeschlagen!", "Login failed"}
)

// login runs the form-login handshake against the portal. It talks to the
// http.Client directly rather than through Do, since Do calls back into
// login when the session expires.
func (s *Session) login(ctx context.Context) error {
	s.logger.Debug("logging in",
		slog.String("host", s.baseURL.Host),
		slog.String("username", s.creds.Username),
	)

	formURL, err := s.loginGet(ctx, loginPath)
	if err != nil {
		return err
	}

	form := url.Values{
		"_username": {s.creds.Username},
		"_password": {s.creds.Password},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, formURL.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("portal: creating login request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return s.loginNetworkError(ctx, "submitting login form", err)
	}

	page, readErr := io.ReadAll(io.LimitReader(resp.Body, maxLoginPage))
	drainAndClose(resp)

	if readErr != nil {
		return s.loginNetworkError(ctx, "reading login response", readErr)
	}

	if err := loginStatusError(resp, "submitting login form"); err != nil {
		return err
	}

	body := string(page)

	switch {
	case containsAny(body, unknownAccountMarkers):
		return fmt.Errorf("portal: account %q does not exist: %w", s.creds.Username, ErrAuth)
	case containsAny(body, wrongPasswordMarkers):
		return fmt.Errorf("portal: login failed for %q: %w", s.creds.Username, ErrAuth)
	}

	// The portal sets further cookies on the landing pages.
	for _, p := range []string{homePath, rootPath} {
		if _, err := s.loginGet(ctx, p); err != nil {
			return err
		}
	}

	if !s.hasSessionCookie() {
		return fmt.Errorf("portal: login for %q did not yield a session cookie: %w", s.creds.Username, ErrAuth)
	}

	s.logger.Info("logged in",
		slog.String("host", s.baseURL.Host),
		slog.String("username", s.creds.Username),
	)

	return nil
}

// loginGet fetches a portal page during login and returns the final URL
// after redirects.
func (s *Session) loginGet(ctx context.Context, path string) (*url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.buildURL(EndpointPortal, path, nil).String(), nil)
	if err != nil {
		return nil, fmt.Errorf("portal: creating request for %s: %w", path, err)
	}

	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, s.loginNetworkError(ctx, "fetching "+path, err)
	}

	drainAndClose(resp)

	if err := loginStatusError(resp, "fetching "+path); err != nil {
		return nil, err
	}

	return resp.Request.URL, nil
}

func (s *Session) loginNetworkError(ctx context.Context, step string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("portal: login canceled: %w", ctx.Err())
	}

	return fmt.Errorf("portal: login: %s: %w: %w", step, ErrTransport, err)
}

func loginStatusError(resp *http.Response, step string) error {
	if resp.StatusCode < http.StatusBadRequest {
		return nil
	}

	sentinel := classifyStatus(resp.StatusCode)
	if sentinel == nil {
		sentinel = ErrTransport
	}

	return &HTTPError{
		StatusCode: resp.StatusCode,
		Method:     resp.Request.Method,
		Path:       resp.Request.URL.Path,
		Message:    "login: " + step,
		Err:        sentinel,
	}
}

func (s *Session) hasSessionCookie() bool {
	for _, c := range s.jar.Cookies(s.buildURL(EndpointPortal, rootPath, nil)) {
		if c.Name == sessionCookie && c.Value != "" {
			return true
		}
	}

	return false
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}

	return false
}

// Logout ends the portal session server-side. Failures are returned but leave
// the Session usable; call Close to release it.
func (s *Session) Logout(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.buildURL(EndpointPortal, logoutPath, nil).String(), nil)
	if err != nil {
		return fmt.Errorf("portal: creating logout request: %w", err)
	}

	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return s.loginNetworkError(ctx, "logout", err)
	}

	drainAndClose(resp)

	if err := loginStatusError(resp, "logout"); err != nil {
		return err
	}

	s.logger.Info("logged out", slog.String("host", s.baseURL.Host))

	return nil
}
