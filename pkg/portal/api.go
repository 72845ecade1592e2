package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// maxJSONResponse bounds decoded portal API responses.
const maxJSONResponse = 16 << 20

// GetJSON fetches a portal API path and decodes the JSON response into v.
func (s *Session) GetJSON(ctx context.Context, path string, query url.Values, v any) error {
	return s.doJSON(ctx, http.MethodGet, path, query, v)
}

func (s *Session) doJSON(ctx context.Context, method, path string, query url.Values, v any) error {
	resp, err := s.Do(ctx, &Request{
		Endpoint: EndpointPortal,
		Method:   method,
		Path:     path,
		Query:    query,
		Header:   http.Header{"Accept": {"application/json"}},
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if v == nil {
		_, _ = io.Copy(io.Discard, resp.Body)

		return nil
	}

	err = json.NewDecoder(io.LimitReader(resp.Body, maxJSONResponse)).Decode(v)
	if errors.Is(err, io.EOF) {
		// Empty body: the read-marking endpoints answer 204.
		return nil
	}

	if err != nil {
		return fmt.Errorf("portal: decoding %s %s: %w", method, path, err)
	}

	return nil
}

func (s *Session) rawJSON(ctx context.Context, method, path string, query url.Values) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := s.doJSON(ctx, method, path, query, &raw); err != nil {
		return nil, err
	}

	return raw, nil
}

// Notifications returns the user's notification feed.
func (s *Session) Notifications(ctx context.Context) (json.RawMessage, error) {
	return s.rawJSON(ctx, http.MethodGet, "/iserv/user/api/notifications", nil)
}

// ReadNotification marks a single notification as read.
func (s *Session) ReadNotification(ctx context.Context, id int64) (json.RawMessage, error) {
	path := "/iserv/notification/api/v1/notifications/" + strconv.FormatInt(id, 10) + "/read"

	return s.rawJSON(ctx, http.MethodPost, path, nil)
}

// ReadAllNotifications marks every notification as read.
func (s *Session) ReadAllNotifications(ctx context.Context) (json.RawMessage, error) {
	return s.rawJSON(ctx, http.MethodPost, "/iserv/notification/api/v1/notifications/readall", nil)
}

// MailFolders lists the user's mail folders.
func (s *Session) MailFolders(ctx context.Context) (json.RawMessage, error) {
	return s.rawJSON(ctx, http.MethodGet, "/iserv/mail/api/folder/list", nil)
}

// MessageQuery selects a page of mail messages. Use NewMessageQuery for
// defaults.
type MessageQuery struct {
	Folder string
	Length int
	Start  int
	Order  string
	Dir    string
}

// NewMessageQuery returns the first 50 INBOX messages, newest first.
func NewMessageQuery() MessageQuery {
	return MessageQuery{Folder: "INBOX", Length: 50, Start: 0, Order: "date", Dir: "desc"}
}

// InFolder returns a copy of q selecting folder.
func (q MessageQuery) InFolder(folder string) MessageQuery {
	q.Folder = folder
	return q
}

// Page returns a copy of q selecting length messages starting at start.
func (q MessageQuery) Page(start, length int) MessageQuery {
	q.Start = start
	q.Length = length

	return q
}

// OrderBy returns a copy of q sorted by column in dir ("asc" or "desc").
func (q MessageQuery) OrderBy(column, dir string) MessageQuery {
	q.Order = column
	q.Dir = dir

	return q
}

func (q MessageQuery) values() url.Values {
	return url.Values{
		"path":          {q.Folder},
		"length":        {strconv.Itoa(q.Length)},
		"start":         {strconv.Itoa(q.Start)},
		"order[column]": {q.Order},
		"order[dir]":    {q.Dir},
	}
}

// Messages lists mail messages selected by q.
func (s *Session) Messages(ctx context.Context, q MessageQuery) (json.RawMessage, error) {
	return s.rawJSON(ctx, http.MethodGet, "/iserv/mail/api/message/list", q.values())
}

// UpcomingEvents returns the calendar's upcoming events.
func (s *Session) UpcomingEvents(ctx context.Context) (json.RawMessage, error) {
	return s.rawJSON(ctx, http.MethodGet, "/iserv/calendar/api/upcoming", nil)
}

// EventSources returns the calendars the user can see.
func (s *Session) EventSources(ctx context.Context) (json.RawMessage, error) {
	return s.rawJSON(ctx, http.MethodGet, "/iserv/calendar/api/eventsources", nil)
}

// Badges returns the navigation badge counters (unread mail etc.).
func (s *Session) Badges(ctx context.Context) (json.RawMessage, error) {
	return s.rawJSON(ctx, http.MethodGet, "/iserv/app/navigation/badges", nil)
}

// MessageSource returns the raw RFC 822 source of message uid in folder.
func (s *Session) MessageSource(ctx context.Context, folder string, uid int64) ([]byte, error) {
	resp, err := s.Do(ctx, &Request{
		Endpoint: EndpointPortal,
		Method:   http.MethodGet,
		Path:     "/iserv/mail/show/source",
		Query:    url.Values{"path": {folder}, "msg": {strconv.FormatInt(uid, 10)}},
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	src, err := io.ReadAll(io.LimitReader(resp.Body, maxJSONResponse))
	if err != nil {
		return nil, fmt.Errorf("portal: reading message %d source: %w: %w", uid, ErrTransport, err)
	}

	return src, nil
}

// defaultSearchLimit caps user searches when the caller passes no limit.
const defaultSearchLimit = 50

// SearchUsers runs the portal's user and list autocomplete for query and
// returns at most limit matches. A limit <= 0 selects 50.
func (s *Session) SearchUsers(ctx context.Context, query string, limit int) (json.RawMessage, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	return s.rawJSON(ctx, http.MethodGet, "/iserv/core/autocomplete/api", url.Values{
		"type":  {"user,list"},
		"query": {query},
		"limit": {strconv.Itoa(limit)},
	})
}

// UserAvatar streams the avatar image of user to w and returns its content
// type. IServ serves generated avatars as SVG and uploaded ones as PNG or
// JPEG.
func (s *Session) UserAvatar(ctx context.Context, user string, w io.Writer) (string, error) {
	if user == "" || strings.Contains(user, "/") {
		return "", fmt.Errorf("portal: invalid user name %q", user)
	}

	resp, err := s.Do(ctx, &Request{
		Endpoint: EndpointPortal,
		Method:   http.MethodGet,
		Path:     "/iserv/core/avatar/user/" + user,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(w, io.LimitReader(resp.Body, maxJSONResponse)); err != nil {
		return "", fmt.Errorf("portal: reading avatar of %s: %w: %w", user, ErrTransport, err)
	}

	return resp.Header.Get("Content-Type"), nil
}

// ConferenceHealth reports the videoconference service status.
func (s *Session) ConferenceHealth(ctx context.Context) (json.RawMessage, error) {
	return s.rawJSON(ctx, http.MethodGet, "/iserv/videoconference/api/health", nil)
}
