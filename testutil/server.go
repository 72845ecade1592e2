// Package testutil provides an in-process fake IServ server for tests: a
// portal that performs the form-login handshake and serves the JSON API, and
// an in-memory WebDAV store built on golang.org/x/net/webdav. It also loads
// live-server settings for the opt-in end-to-end tests.
package testutil

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// Login page markers rendered by the portal on failure.
const (
	UnknownAccountPage = "<html><body><p>Account existiert nicht!</p></body></html>"
	WrongPasswordPage  = "<html><body><p>Anmeldung fehlgeschlagen!</p></body></html>"
)

// Server is a fake IServ deployment. Portal and WebDAV are served from two
// httptest servers so that each keeps its own host, like the real
// "webdav." subdomain.
type Server struct {
	Portal *httptest.Server
	DAV    *httptest.Server

	mu       sync.Mutex
	users    map[string]string
	sessions map[string]string   // session token -> username
	pages    map[string]page     // portal path -> canned response
	faults   map[string]fault    // "METHOD /path" -> injected failure
	hooks    map[string]func()   // "METHOD /path" -> called before handling
	requests []string            // "METHOD /path?query" in arrival order
	bodies   map[string][]string // portal path -> authenticated POST bodies
	withhold bool                // login succeeds without a session cookie

	logins atomic.Int32

	store *store
	tb    testing.TB
}

type page struct {
	contentType string
	body        string
}

type fault struct {
	status    int
	remaining int // <0 = forever
}

// NewServer starts a fake server with one account and registers cleanup
// with t.
func NewServer(t testing.TB, username, password string) *Server {
	t.Helper()

	s := &Server{
		users:    map[string]string{username: password},
		sessions: make(map[string]string),
		pages:    make(map[string]page),
		faults:   make(map[string]fault),
		hooks:    make(map[string]func()),
		bodies:   make(map[string][]string),
		store:    newStore(),
		tb:       t,
	}

	s.Portal = httptest.NewServer(http.HandlerFunc(s.servePortal))
	s.DAV = httptest.NewServer(http.HandlerFunc(s.serveDAV))

	t.Cleanup(func() {
		s.Portal.Close()
		s.DAV.Close()
	})

	return s
}

// AddUser registers another account.
func (s *Server) AddUser(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users[username] = password
}

// Logins returns how many successful form logins the portal served.
func (s *Server) Logins() int {
	return int(s.logins.Load())
}

// ExpireSessions invalidates every portal session, as the portal does after
// its idle timeout.
func (s *Server) ExpireSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()

	clear(s.sessions)
}

// WithholdSessionCookie makes later logins succeed without issuing the
// IServSession cookie.
func (s *Server) WithholdSessionCookie() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.withhold = true
}

// SetJSON makes the portal answer authenticated requests for path with body.
func (s *Server) SetJSON(path, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pages[path] = page{contentType: "application/json", body: body}
}

// SetPage makes the portal answer authenticated requests for path with body
// of the given content type.
func (s *Server) SetPage(path, contentType, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pages[path] = page{contentType: contentType, body: body}
}

// Fail makes the next n requests for method and path (portal or WebDAV)
// answer with status. n < 0 fails forever.
func (s *Server) Fail(method, path string, status, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.faults[method+" "+cleanPath(path)] = fault{status: status, remaining: n}
}

// OnRequest registers fn to run before method and path are handled. fn may
// block to hold the request in flight.
func (s *Server) OnRequest(method, path string, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hooks[method+" "+cleanPath(path)] = fn
}

// Requests returns the requests served so far as "METHOD /path" (plus
// "?query" when present), in arrival order.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.requests...)
}

// Bodies returns the bodies of the authenticated POST requests the portal
// received for path.
func (s *Server) Bodies(path string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.bodies[path]...)
}

// CountRequests returns how many requests used method, across both servers.
func (s *Server) CountRequests(method string) int {
	n := 0

	for _, r := range s.Requests() {
		if strings.HasPrefix(r, method+" ") {
			n++
		}
	}

	return n
}

// record logs the request and applies hooks and faults. It reports whether
// the request was answered by an injected fault.
func (s *Server) record(w http.ResponseWriter, r *http.Request) bool {
	key := r.Method + " " + cleanPath(r.URL.Path)

	entry := r.Method + " " + r.URL.Path
	if r.URL.RawQuery != "" {
		entry += "?" + r.URL.RawQuery
	}

	s.mu.Lock()
	s.requests = append(s.requests, entry)
	hook := s.hooks[key]

	f, faulty := s.faults[key]
	if faulty {
		if f.remaining > 0 {
			f.remaining--
			if f.remaining == 0 {
				delete(s.faults, key)
			} else {
				s.faults[key] = f
			}
		}
	}
	s.mu.Unlock()

	if hook != nil {
		hook()
	}

	if faulty {
		w.WriteHeader(f.status)
		_, _ = fmt.Fprintf(w, "injected failure %d", f.status)

		return true
	}

	return false
}

func (s *Server) servePortal(w http.ResponseWriter, r *http.Request) {
	if s.record(w, r) {
		return
	}

	switch r.URL.Path {
	case "/iserv/auth/login":
		if r.Method == http.MethodPost {
			s.handleLoginForm(w, r)
			return
		}

		_, _ = w.Write([]byte(`<html><body><form method="post"><input name="_username"><input name="_password" type="password"></form></body></html>`))

	case "/iserv/auth/home", "/iserv/":
		http.SetCookie(w, &http.Cookie{Name: "IServSATId", Value: randomToken(), Path: "/"})
		_, _ = w.Write([]byte("<html><body>IServ</body></html>"))

	case "/iserv/auth/logout":
		if c, err := r.Cookie("IServSession"); err == nil {
			s.mu.Lock()
			delete(s.sessions, c.Value)
			s.mu.Unlock()
		}

		http.Redirect(w, r, "/iserv/auth/login", http.StatusFound)

	default:
		s.handleAPI(w, r)
	}
}

func (s *Server) handleLoginForm(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	user := r.PostForm.Get("_username")
	pass := r.PostForm.Get("_password")

	s.mu.Lock()
	want, known := s.users[user]
	withhold := s.withhold
	s.mu.Unlock()

	switch {
	case !known:
		_, _ = w.Write([]byte(UnknownAccountPage))
		return
	case want != pass:
		_, _ = w.Write([]byte(WrongPasswordPage))
		return
	}

	s.logins.Add(1)

	http.SetCookie(w, &http.Cookie{Name: "IServSAT", Value: randomToken(), Path: "/"})

	if !withhold {
		token := randomToken()

		s.mu.Lock()
		s.sessions[token] = user
		s.mu.Unlock()

		http.SetCookie(w, &http.Cookie{Name: "IServSession", Value: token, Path: "/", HttpOnly: true})
	}

	http.Redirect(w, r, "/iserv/auth/home", http.StatusFound)
}

func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	if !s.authenticated(r) {
		http.Redirect(w, r, "/iserv/auth/login?_target_path="+url.QueryEscape(r.URL.Path), http.StatusFound)
		return
	}

	var posted []byte
	if r.Method == http.MethodPost {
		posted, _ = io.ReadAll(r.Body)
	}

	s.mu.Lock()
	if r.Method == http.MethodPost {
		s.bodies[r.URL.Path] = append(s.bodies[r.URL.Path], string(posted))
	}

	pg, ok := s.pages[r.URL.Path]
	s.mu.Unlock()

	if !ok {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		http.NotFound(w, r)

		return
	}

	w.Header().Set("Content-Type", pg.contentType)
	_, _ = w.Write([]byte(pg.body))
}

func (s *Server) authenticated(r *http.Request) bool {
	c, err := r.Cookie("IServSession")
	if err != nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.sessions[c.Value]

	return ok
}

func (s *Server) davAuthorized(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	want, known := s.users[user]

	return known && want == pass
}

// Sessions returns the number of live portal sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.sessions)
}

func randomToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)

	return hex.EncodeToString(b)
}
