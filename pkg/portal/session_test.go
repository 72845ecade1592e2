package portal

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iserv-go/iserv/testutil"
)

const (
	testUser     = "max.mustermann"
	testPassword = "geheim"
)

// noopSleep is a sleep function that returns immediately, for fast tests.
func noopSleep(_ context.Context, _ time.Duration) error {
	return nil
}

// failOnSecondSeeker is an io.ReadSeeker where the first Seek succeeds but
// subsequent Seeks fail.
type failOnSecondSeeker struct {
	data      []byte
	seekCount atomic.Int32
}

func (f *failOnSecondSeeker) Read(p []byte) (int, error) {
	return copy(p, f.data), io.EOF
}

func (f *failOnSecondSeeker) Seek(_ int64, _ int) (int64, error) {
	if f.seekCount.Add(1) > 1 {
		return 0, errors.New("seek failed on retry")
	}

	return 0, nil
}

func testConfig(srv *testutil.Server) Config {
	return Config{
		BaseURL:   srv.Portal.URL,
		WebDAVURL: srv.DAV.URL,
		UserAgent: "test-agent",
		Logger:    slog.Default(),
	}
}

// newTestSession logs in against srv with instant retry sleeps.
func newTestSession(t *testing.T, srv *testutil.Server) *Session {
	t.Helper()

	s, err := newSession(testConfig(srv), Credentials{Username: testUser, Password: testPassword})
	require.NoError(t, err)

	s.sleepFunc = noopSleep

	require.NoError(t, s.login(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestAuthenticate_Success(t *testing.T) {
	srv := testutil.NewServer(t, testUser, testPassword)

	s, err := Authenticate(context.Background(), testConfig(srv), Credentials{Username: testUser, Password: testPassword})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, testUser, s.Username())
	assert.Equal(t, 1, srv.Logins())
	assert.True(t, s.hasSessionCookie())

	// The handshake visits the login page, posts the form, then the landing
	// pages.
	reqs := srv.Requests()
	require.GreaterOrEqual(t, len(reqs), 4)
	assert.Equal(t, "GET /iserv/auth/login", reqs[0])
	assert.Equal(t, "POST /iserv/auth/login", reqs[1])
	assert.Contains(t, reqs, "GET /iserv/auth/home")
	assert.Contains(t, reqs, "GET /iserv/")
}

func TestAuthenticate_Rejected(t *testing.T) {
	tests := []struct {
		name     string
		username string
		password string
		wantMsg  string
	}{
		{"unknown account", "nobody", testPassword, "does not exist"},
		{"wrong password", testUser, "falsch", "login failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := testutil.NewServer(t, testUser, testPassword)

			_, err := Authenticate(context.Background(), testConfig(srv),
				Credentials{Username: tt.username, Password: tt.password})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrAuth)
			assert.Contains(t, err.Error(), tt.wantMsg)
			assert.NotContains(t, err.Error(), tt.password)
		})
	}
}

func TestAuthenticate_NoSessionCookie(t *testing.T) {
	srv := testutil.NewServer(t, testUser, testPassword)
	srv.WithholdSessionCookie()

	_, err := Authenticate(context.Background(), testConfig(srv), Credentials{Username: testUser, Password: testPassword})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuth)
}

func TestAuthenticate_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := Authenticate(context.Background(), Config{BaseURL: addr}, Credentials{Username: testUser, Password: testPassword})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.NotErrorIs(t, err, ErrAuth)
}

func TestAuthenticate_EmptyUsername(t *testing.T) {
	_, err := Authenticate(context.Background(), Config{BaseURL: "schule.example"}, Credentials{})
	require.Error(t, err)
}

func TestParseBaseURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"schule.example", "https://schule.example", false},
		{"https://schule.example/", "https://schule.example", false},
		{"http://localhost:8080/prefix/", "http://localhost:8080/prefix", false},
		{"  schule.example  ", "https://schule.example", false},
		{"", "", true},
		{"ftp://schule.example", "", true},
		{"https://", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			u, err := parseBaseURL(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, u.String())
		})
	}
}

func TestNewSession_DefaultWebDAVHost(t *testing.T) {
	s, err := newSession(Config{BaseURL: "schule.example"}, Credentials{Username: testUser})
	require.NoError(t, err)

	assert.Equal(t, "https://webdav.schule.example/Files/a%20b.txt", s.URL(EndpointDAV, "/Files/a b.txt"))
	assert.Equal(t, "https://schule.example/iserv/", s.URL(EndpointPortal, "iserv/"))
	assert.Equal(t, defaultUserAgent, s.userAgent)
	assert.Equal(t, defaultMaxRetries, s.maxRetries)
}

func TestNewSession_NegativeRetriesDisable(t *testing.T) {
	s, err := newSession(Config{BaseURL: "schule.example", MaxRetries: -1}, Credentials{Username: testUser})
	require.NoError(t, err)
	assert.Equal(t, 0, s.maxRetries)
}

func TestDo_DAVUsesBasicAuth(t *testing.T) {
	srv := testutil.NewServer(t, testUser, testPassword)
	srv.PutFile("/a.txt", []byte("hello"))

	s := newTestSession(t, srv)

	resp, err := s.Do(context.Background(), &Request{Endpoint: EndpointDAV, Method: http.MethodGet, Path: "/a.txt"})
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
}

func TestDo_DAVWrongPasswordIsAuthError(t *testing.T) {
	srv := testutil.NewServer(t, testUser, testPassword)
	s := newTestSession(t, srv)
	s.creds.Password = "changed"

	_, err := s.Do(context.Background(), &Request{Endpoint: EndpointDAV, Method: http.MethodGet, Path: "/a.txt"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuth)
	assert.NotErrorIs(t, err, ErrTransport)
}

func TestDo_ErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		sentinel error
	}{
		{"bad request", http.StatusBadRequest, ErrBadRequest},
		{"forbidden", http.StatusForbidden, ErrForbidden},
		{"not found", http.StatusNotFound, ErrNotFound},
		{"method not allowed", http.StatusMethodNotAllowed, ErrMethodNotAllowed},
		{"conflict", http.StatusConflict, ErrConflict},
		{"precondition failed", http.StatusPreconditionFailed, ErrConflict},
		{"locked", http.StatusLocked, ErrLocked},
		{"insufficient storage", http.StatusInsufficientStorage, ErrInsufficientStorage},
		{"not implemented", http.StatusNotImplemented, ErrServerError},
		{"teapot", http.StatusTeapot, ErrTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := testutil.NewServer(t, testUser, testPassword)
			srv.Fail(http.MethodGet, "/x", tt.status, -1)

			s := newTestSession(t, srv)

			_, err := s.Do(context.Background(), &Request{Endpoint: EndpointDAV, Method: http.MethodGet, Path: "/x"})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)

			var httpErr *HTTPError
			require.ErrorAs(t, err, &httpErr)
			assert.Equal(t, tt.status, httpErr.StatusCode)
			assert.Equal(t, "/x", httpErr.Path)
			assert.Contains(t, httpErr.Message, "injected failure")
		})
	}
}

func TestDo_RetryOn5xx(t *testing.T) {
	srv := testutil.NewServer(t, testUser, testPassword)
	srv.PutFile("/retry.txt", []byte("ok"))
	srv.Fail(http.MethodGet, "/retry.txt", http.StatusServiceUnavailable, 2)

	s := newTestSession(t, srv)

	resp, err := s.Do(context.Background(), &Request{Endpoint: EndpointDAV, Method: http.MethodGet, Path: "/retry.txt"})
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDo_MaxRetriesExhausted(t *testing.T) {
	srv := testutil.NewServer(t, testUser, testPassword)
	srv.Fail(http.MethodGet, "/down", http.StatusBadGateway, -1)

	s := newTestSession(t, srv)
	before := srv.CountRequests(http.MethodGet)

	_, err := s.Do(context.Background(), &Request{Endpoint: EndpointDAV, Method: http.MethodGet, Path: "/down"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServerError)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, defaultMaxRetries+1, srv.CountRequests(http.MethodGet)-before)
}

func TestDo_RetryAfterHonored(t *testing.T) {
	var calls atomic.Int32

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)

			return
		}

		_, _ = w.Write([]byte("ok"))
	}))
	defer ts.Close()

	s, err := newSession(Config{BaseURL: ts.URL, WebDAVURL: ts.URL}, Credentials{Username: testUser})
	require.NoError(t, err)

	var slept []time.Duration
	s.sleepFunc = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	resp, err := s.Do(context.Background(), &Request{Endpoint: EndpointDAV, Method: http.MethodGet, Path: "/"})
	require.NoError(t, err)
	resp.Body.Close()

	require.Len(t, slept, 1)
	assert.Equal(t, 7*time.Second, slept[0])
}

func TestDo_RewindsSeekableBody(t *testing.T) {
	srv := testutil.NewServer(t, testUser, testPassword)
	srv.Fail(http.MethodPut, "/up.txt", http.StatusInternalServerError, 1)

	s := newTestSession(t, srv)

	resp, err := s.Do(context.Background(), &Request{
		Endpoint:      EndpointDAV,
		Method:        http.MethodPut,
		Path:          "/up.txt",
		Body:          bytes.NewReader([]byte("payload")),
		ContentLength: 7,
	})
	require.NoError(t, err)
	resp.Body.Close()

	got, ok := srv.File("/up.txt")
	require.True(t, ok)
	assert.Equal(t, "payload", string(got))
}

func TestDo_NonSeekableBodyNotRetried(t *testing.T) {
	srv := testutil.NewServer(t, testUser, testPassword)
	srv.Fail(http.MethodPut, "/up.txt", http.StatusInternalServerError, 1)

	s := newTestSession(t, srv)

	_, err := s.Do(context.Background(), &Request{
		Endpoint: EndpointDAV,
		Method:   http.MethodPut,
		Path:     "/up.txt",
		Body:     io.MultiReader(strings.NewReader("payload")),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServerError)
	assert.Equal(t, 1, srv.CountRequests(http.MethodPut))
}

func TestDo_RewindFailureStopsRetry(t *testing.T) {
	srv := testutil.NewServer(t, testUser, testPassword)
	srv.Fail(http.MethodPut, "/up.txt", http.StatusInternalServerError, -1)

	s := newTestSession(t, srv)

	_, err := s.Do(context.Background(), &Request{
		Endpoint: EndpointDAV,
		Method:   http.MethodPut,
		Path:     "/up.txt",
		Body:     &failOnSecondSeeker{data: []byte("x")},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot retry")
}

func TestDo_ContextCanceledDuringBackoff(t *testing.T) {
	srv := testutil.NewServer(t, testUser, testPassword)
	srv.Fail(http.MethodGet, "/slow", http.StatusServiceUnavailable, -1)

	s := newTestSession(t, srv)
	s.sleepFunc = timeSleep

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Do(ctx, &Request{Endpoint: EndpointDAV, Method: http.MethodGet, Path: "/slow"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDo_ReauthenticatesExpiredPortalSession(t *testing.T) {
	srv := testutil.NewServer(t, testUser, testPassword)
	srv.SetJSON("/iserv/app/navigation/badges", `{"mail":3}`)

	s := newTestSession(t, srv)
	require.Equal(t, 1, srv.Logins())

	srv.ExpireSessions()

	raw, err := s.Badges(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"mail":3}`, string(raw))
	assert.Equal(t, 2, srv.Logins())
}

func TestDo_ReauthenticationFailureIsAuthError(t *testing.T) {
	srv := testutil.NewServer(t, testUser, testPassword)
	srv.SetJSON("/iserv/app/navigation/badges", `{}`)

	s := newTestSession(t, srv)

	srv.ExpireSessions()
	srv.AddUser(testUser, "rotated")

	_, err := s.Badges(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuth)
}

func TestDo_ReplaysBodyAfterReauthentication(t *testing.T) {
	srv := testutil.NewServer(t, testUser, testPassword)

	cfg := testConfig(srv)
	cfg.MaxRetries = -1

	s, err := newSession(cfg, Credentials{Username: testUser, Password: testPassword})
	require.NoError(t, err)
	s.sleepFunc = noopSleep
	require.NoError(t, s.login(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	srv.ExpireSessions()

	resp, err := s.Do(context.Background(), &Request{
		Endpoint:      EndpointPortal,
		Method:        http.MethodPost,
		Path:          "/iserv/echo",
		Body:          strings.NewReader("payload"),
		ContentLength: 7,
	})
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, []string{"payload"}, srv.Bodies("/iserv/echo"))
	assert.Equal(t, 2, srv.Logins())
}

func TestDo_UnseekableBodyAfterReauthenticationIsAuthError(t *testing.T) {
	srv := testutil.NewServer(t, testUser, testPassword)
	s := newTestSession(t, srv)

	srv.ExpireSessions()

	_, err := s.Do(context.Background(), &Request{
		Endpoint: EndpointPortal,
		Method:   http.MethodPost,
		Path:     "/iserv/echo",
		Body:     io.MultiReader(strings.NewReader("payload")),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuth)
	assert.Empty(t, srv.Bodies("/iserv/echo"))
	assert.Equal(t, 2, srv.Logins())
}

func TestDo_ConcurrentReauthentication(t *testing.T) {
	srv := testutil.NewServer(t, testUser, testPassword)
	srv.SetJSON("/iserv/user/api/notifications", `{"data":[]}`)

	s := newTestSession(t, srv)
	srv.ExpireSessions()

	const callers = 8

	var wg sync.WaitGroup

	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, errs[i] = s.Notifications(context.Background())
		}()
	}

	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}

	assert.Greater(t, srv.Logins(), 1)
	assert.LessOrEqual(t, srv.Logins(), callers+1)
}

func TestClose_Idempotent(t *testing.T) {
	srv := testutil.NewServer(t, testUser, testPassword)
	s := newTestSession(t, srv)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.False(t, s.hasSessionCookie())

	_, err := s.Do(context.Background(), &Request{Endpoint: EndpointDAV, Method: http.MethodGet, Path: "/"})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Logout(context.Background()), ErrClosed)
}

func TestLogout_EndsPortalSession(t *testing.T) {
	srv := testutil.NewServer(t, testUser, testPassword)
	s := newTestSession(t, srv)
	require.Equal(t, 1, srv.Sessions())

	require.NoError(t, s.Logout(context.Background()))
	assert.Equal(t, 0, srv.Sessions())
}

func TestCalcBackoff_Bounds(t *testing.T) {
	s := &Session{}

	for attempt := range 10 {
		d := s.calcBackoff(attempt)

		want := float64(baseBackoff) * float64(int(1)<<attempt)
		if want > float64(maxBackoff) {
			want = float64(maxBackoff)
		}

		assert.GreaterOrEqual(t, float64(d), want*(1-jitterFraction))
		assert.LessOrEqual(t, float64(d), want*(1+jitterFraction))
	}
}
