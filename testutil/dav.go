package testutil

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"sort"
	"strconv"
	"sync/atomic"

	"golang.org/x/net/webdav"
)

// Properties the IServ file store reports beyond plain WebDAV. Both live as
// dead properties on the in-memory nodes.
var (
	quotaProp     = xml.Name{Space: "DAV:", Local: "quota-available-bytes"}
	publicURLProp = xml.Name{Space: "urn:yandex:disk:meta", Local: "public_url"}
)

// store is the in-memory WebDAV file store served on Server.DAV.
type store struct {
	fs        webdav.FileSystem
	handler   *webdav.Handler
	publishes atomic.Bool
}

func newStore() *store {
	memFS := webdav.NewMemFS()

	return &store{
		fs: memFS,
		handler: &webdav.Handler{
			FileSystem: memFS,
			LockSystem: webdav.NewMemLS(),
		},
	}
}

func cleanPath(p string) string {
	if p == "" {
		return "/"
	}

	return path.Clean("/" + p)
}

// PutFile stores a file, creating missing parent directories.
func (s *Server) PutFile(p string, data []byte) {
	s.tb.Helper()

	ctx := context.Background()
	p = cleanPath(p)
	s.mkdirAll(ctx, path.Dir(p))

	f, err := s.store.fs.OpenFile(ctx, p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		s.tb.Fatalf("testutil: put %s: %v", p, err)
	}

	if _, err := f.Write(data); err != nil {
		s.tb.Fatalf("testutil: put %s: %v", p, err)
	}

	if err := f.Close(); err != nil {
		s.tb.Fatalf("testutil: put %s: %v", p, err)
	}
}

// MkdirAll creates a directory and its parents.
func (s *Server) MkdirAll(p string) {
	s.tb.Helper()
	s.mkdirAll(context.Background(), cleanPath(p))
}

func (s *Server) mkdirAll(ctx context.Context, p string) {
	if p == "/" {
		return
	}

	s.mkdirAll(ctx, path.Dir(p))

	if err := s.store.fs.Mkdir(ctx, p, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
		s.tb.Fatalf("testutil: mkdir %s: %v", p, err)
	}
}

// File returns the content of a stored file.
func (s *Server) File(p string) ([]byte, bool) {
	f, err := s.store.fs.OpenFile(context.Background(), cleanPath(p), os.O_RDONLY, 0)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	if fi, err := f.Stat(); err != nil || fi.IsDir() {
		return nil, false
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, false
	}

	return data, true
}

// IsDir reports whether p is a stored directory.
func (s *Server) IsDir(p string) bool {
	return s.isDir(context.Background(), cleanPath(p))
}

func (s *Server) isDir(ctx context.Context, p string) bool {
	fi, err := s.store.fs.Stat(ctx, p)

	return err == nil && fi.IsDir()
}

// Paths returns every stored path except the root, sorted. Directories
// carry a trailing slash.
func (s *Server) Paths() []string {
	dirs := make(map[string]bool)
	s.walk(context.Background(), "/", dirs)

	keys := make([]string, 0, len(dirs))
	for p := range dirs {
		keys = append(keys, p)
	}

	sort.Strings(keys)

	out := make([]string, 0, len(keys))

	for _, p := range keys {
		if dirs[p] {
			p += "/"
		}

		out = append(out, p)
	}

	return out
}

// walk records every path below dir in seen, mapped to whether it is a
// directory.
func (s *Server) walk(ctx context.Context, dir string, seen map[string]bool) {
	f, err := s.store.fs.OpenFile(ctx, dir, os.O_RDONLY, 0)
	if err != nil {
		return
	}

	children, err := f.Readdir(-1)
	f.Close()

	if err != nil {
		return
	}

	for _, fi := range children {
		p := path.Join(dir, fi.Name())
		seen[p] = fi.IsDir()

		if fi.IsDir() {
			s.walk(ctx, p, seen)
		}
	}
}

// SetQuota makes PROPFIND of the store root report quota-available-bytes.
// A negative value stops reporting it.
func (s *Server) SetQuota(available int64) {
	s.tb.Helper()

	patch := webdav.Proppatch{
		Remove: available < 0,
		Props:  []webdav.Property{{XMLName: quotaProp}},
	}

	if available >= 0 {
		patch.Props[0].InnerXML = []byte(strconv.FormatInt(available, 10))
	}

	if _, err := s.patchProps(context.Background(), "/", patch); err != nil {
		s.tb.Fatalf("testutil: set quota: %v", err)
	}
}

// EnablePublish makes PROPPATCH of public_url hand out share links.
func (s *Server) EnablePublish() {
	s.store.publishes.Store(true)
}

// patchProps applies patch to the dead properties of p and returns the
// resulting set.
func (s *Server) patchProps(ctx context.Context, p string, patch ...webdav.Proppatch) (map[xml.Name]webdav.Property, error) {
	f, err := s.store.fs.OpenFile(ctx, p, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	holder, ok := f.(webdav.DeadPropsHolder)
	if !ok {
		return nil, errors.New("file system keeps no dead properties")
	}

	if len(patch) > 0 {
		if _, err := holder.Patch(patch); err != nil {
			return nil, err
		}
	}

	return holder.DeadProps()
}

// serveDAV authenticates with basic auth and hands the request to the
// WebDAV handler. Share links and the status codes IServ uses for missing
// parents are answered here.
func (s *Server) serveDAV(w http.ResponseWriter, r *http.Request) {
	if s.record(w, r) {
		return
	}

	if !s.davAuthorized(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="IServ WebDAV"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)

		return
	}

	if status := s.davPrecondition(r); status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}

	if r.Method == "PROPPATCH" {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if bytes.Contains(body, []byte(publicURLProp.Space)) {
			s.davPublish(w, r, body)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	s.store.handler.ServeHTTP(w, r)
}

// davPrecondition returns the status for a write whose parent collection
// is missing (409) or a COPY or MOVE of a missing source (404), or 0.
func (s *Server) davPrecondition(r *http.Request) int {
	ctx := r.Context()

	switch r.Method {
	case http.MethodPut:
		if !s.isDir(ctx, path.Dir(cleanPath(r.URL.Path))) {
			return http.StatusConflict
		}

	case "COPY", "MOVE":
		if _, err := s.store.fs.Stat(ctx, cleanPath(r.URL.Path)); err != nil {
			return http.StatusNotFound
		}

		dest, err := url.Parse(r.Header.Get("Destination"))
		if err != nil || dest.Path == "" {
			return http.StatusBadRequest
		}

		if !s.isDir(ctx, path.Dir(cleanPath(dest.Path))) {
			return http.StatusConflict
		}
	}

	return 0
}

// propertyUpdate is the part of a PROPPATCH body davPublish looks at.
type propertyUpdate struct {
	Remove []struct{} `xml:"DAV: remove"`
}

// davPublish sets or removes the public_url of a resource. Unlike a dead
// property update, a successful set returns the issued link.
func (s *Server) davPublish(w http.ResponseWriter, r *http.Request, body []byte) {
	ctx := r.Context()
	p := cleanPath(r.URL.Path)

	var update propertyUpdate
	if err := xml.Unmarshal(body, &update); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if _, err := s.store.fs.Stat(ctx, p); err != nil {
		http.NotFound(w, r)
		return
	}

	status := http.StatusOK

	var link []byte

	switch {
	case !s.store.publishes.Load():
		status = http.StatusForbidden

	case len(update.Remove) > 0:
		if _, err := s.patchProps(ctx, p, webdav.Proppatch{
			Remove: true,
			Props:  []webdav.Property{{XMLName: publicURLProp}},
		}); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

	default:
		props, err := s.patchProps(ctx, p)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		link = props[publicURLProp].InnerXML
		if len(link) == 0 {
			var escaped bytes.Buffer
			_ = xml.EscapeText(&escaped, []byte(s.DAV.URL+"/public/"+randomToken()))
			link = escaped.Bytes()

			if _, err := s.patchProps(ctx, p, webdav.Proppatch{
				Props: []webdav.Property{{XMLName: publicURLProp, InnerXML: link}},
			}); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}
	}

	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	buf.WriteString(`<d:multistatus xmlns:d="DAV:"><d:response><d:href>`)
	_ = xml.EscapeText(&buf, []byte((&url.URL{Path: p}).EscapedPath()))
	buf.WriteString(`</d:href><d:propstat><d:prop><public_url xmlns="urn:yandex:disk:meta">`)
	buf.Write(link)
	buf.WriteString(`</public_url></d:prop><d:status>HTTP/1.1 `)
	buf.WriteString(strconv.Itoa(status) + " " + http.StatusText(status))
	buf.WriteString(`</d:status></d:propstat></d:response></d:multistatus>`)

	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	_, _ = w.Write(buf.Bytes())
}
