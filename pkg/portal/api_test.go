package portal

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iserv-go/iserv/testutil"
)

func TestJSONGetters(t *testing.T) {
	srv := testutil.NewServer(t, testUser, testPassword)
	s := newTestSession(t, srv)
	ctx := context.Background()

	tests := []struct {
		name string
		path string
		call func() ([]byte, error)
	}{
		{"notifications", "/iserv/user/api/notifications", func() ([]byte, error) { return s.Notifications(ctx) }},
		{"mail folders", "/iserv/mail/api/folder/list", func() ([]byte, error) { return s.MailFolders(ctx) }},
		{"upcoming events", "/iserv/calendar/api/upcoming", func() ([]byte, error) { return s.UpcomingEvents(ctx) }},
		{"event sources", "/iserv/calendar/api/eventsources", func() ([]byte, error) { return s.EventSources(ctx) }},
		{"badges", "/iserv/app/navigation/badges", func() ([]byte, error) { return s.Badges(ctx) }},
		{"conference health", "/iserv/videoconference/api/health", func() ([]byte, error) { return s.ConferenceHealth(ctx) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv.SetJSON(tt.path, `{"endpoint":"`+tt.name+`"}`)

			raw, err := tt.call()
			require.NoError(t, err)
			assert.JSONEq(t, `{"endpoint":"`+tt.name+`"}`, string(raw))
		})
	}
}

func TestGetJSON_DecodesIntoValue(t *testing.T) {
	srv := testutil.NewServer(t, testUser, testPassword)
	srv.SetJSON("/iserv/app/navigation/badges", `{"mail":2,"calendar":1}`)

	s := newTestSession(t, srv)

	var badges map[string]int
	require.NoError(t, s.GetJSON(context.Background(), "/iserv/app/navigation/badges", nil, &badges))
	assert.Equal(t, map[string]int{"mail": 2, "calendar": 1}, badges)
}

func TestGetJSON_InvalidBody(t *testing.T) {
	srv := testutil.NewServer(t, testUser, testPassword)
	srv.SetJSON("/iserv/app/navigation/badges", `{not json`)

	s := newTestSession(t, srv)

	var v map[string]any
	err := s.GetJSON(context.Background(), "/iserv/app/navigation/badges", nil, &v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding")
}

func TestGetJSON_NotFound(t *testing.T) {
	srv := testutil.NewServer(t, testUser, testPassword)
	s := newTestSession(t, srv)

	_, err := s.MailFolders(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMessages_Query(t *testing.T) {
	srv := testutil.NewServer(t, testUser, testPassword)
	srv.SetJSON("/iserv/mail/api/message/list", `{"data":[]}`)

	s := newTestSession(t, srv)

	_, err := s.Messages(context.Background(), NewMessageQuery())
	require.NoError(t, err)

	_, err = s.Messages(context.Background(), NewMessageQuery().InFolder("INBOX/Sent").Page(10, 5).OrderBy("subject", "asc"))
	require.NoError(t, err)

	var lists []string

	for _, r := range srv.Requests() {
		if strings.HasPrefix(r, "GET /iserv/mail/api/message/list?") {
			lists = append(lists, r)
		}
	}

	require.Len(t, lists, 2)
	assert.Contains(t, lists[0], "path=INBOX")
	assert.Contains(t, lists[0], "length=50")
	assert.Contains(t, lists[0], "start=0")
	assert.Contains(t, lists[0], "order%5Bcolumn%5D=date")
	assert.Contains(t, lists[0], "order%5Bdir%5D=desc")

	assert.Contains(t, lists[1], "path=INBOX%2FSent")
	assert.Contains(t, lists[1], "length=5")
	assert.Contains(t, lists[1], "start=10")
	assert.Contains(t, lists[1], "order%5Bcolumn%5D=subject")
	assert.Contains(t, lists[1], "order%5Bdir%5D=asc")
}

func TestReadNotifications(t *testing.T) {
	srv := testutil.NewServer(t, testUser, testPassword)
	s := newTestSession(t, srv)

	raw, err := s.ReadNotification(context.Background(), 42)
	require.NoError(t, err)
	assert.Empty(t, raw)

	_, err = s.ReadAllNotifications(context.Background())
	require.NoError(t, err)

	reqs := srv.Requests()
	assert.Contains(t, reqs, "POST /iserv/notification/api/v1/notifications/42/read")
	assert.Contains(t, reqs, "POST /iserv/notification/api/v1/notifications/readall")
}

func TestMessageSource(t *testing.T) {
	srv := testutil.NewServer(t, testUser, testPassword)
	srv.SetJSON("/iserv/mail/show/source", "From: a@b\r\n\r\nhi")

	s := newTestSession(t, srv)

	src, err := s.MessageSource(context.Background(), "INBOX", 7)
	require.NoError(t, err)
	assert.Equal(t, "From: a@b\r\n\r\nhi", string(src))
	assert.Contains(t, srv.Requests(), "GET /iserv/mail/show/source?msg=7&path=INBOX")
}

func TestSearchUsers(t *testing.T) {
	srv := testutil.NewServer(t, testUser, testPassword)
	srv.SetJSON("/iserv/core/autocomplete/api", `[{"type":"user","label":"Max Mustermann","value":"max.mustermann"}]`)

	s := newTestSession(t, srv)
	ctx := context.Background()

	raw, err := s.SearchUsers(ctx, "Max Muster", 0)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"type":"user","label":"Max Mustermann","value":"max.mustermann"}]`, string(raw))

	_, err = s.SearchUsers(ctx, "lena", 5)
	require.NoError(t, err)

	reqs := srv.Requests()
	assert.Contains(t, reqs, "GET /iserv/core/autocomplete/api?limit=50&query=Max+Muster&type=user%2Clist")
	assert.Contains(t, reqs, "GET /iserv/core/autocomplete/api?limit=5&query=lena&type=user%2Clist")
}

func TestUserAvatar(t *testing.T) {
	srv := testutil.NewServer(t, testUser, testPassword)
	srv.SetPage("/iserv/core/avatar/user/lena.schmidt", "image/svg+xml", `<svg xmlns="http://www.w3.org/2000/svg"/>`)

	s := newTestSession(t, srv)
	ctx := context.Background()

	var buf bytes.Buffer

	contentType, err := s.UserAvatar(ctx, "lena.schmidt", &buf)
	require.NoError(t, err)
	assert.Equal(t, "image/svg+xml", contentType)
	assert.Equal(t, `<svg xmlns="http://www.w3.org/2000/svg"/>`, buf.String())

	_, err = s.UserAvatar(ctx, "nobody", &buf)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.UserAvatar(ctx, "../admin", &buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid user name")
}

func TestSessionExpiredDetection(t *testing.T) {
	srv := testutil.NewServer(t, testUser, testPassword)
	s := newTestSession(t, srv)

	req, err := http.NewRequest(http.MethodGet, srv.Portal.URL+"/iserv/auth/login?_target_path=x", nil)
	require.NoError(t, err)
	assert.True(t, s.sessionExpired(&http.Response{Request: req}))

	req, err = http.NewRequest(http.MethodGet, srv.Portal.URL+"/iserv/app/navigation/badges", nil)
	require.NoError(t, err)
	assert.False(t, s.sessionExpired(&http.Response{Request: req}))
}
