// Package dav is a small WebDAV resource client for the IServ file store:
// listing, existence and metadata, free space, directory creation, delete,
// copy and move, public links, and streaming download and upload.
//
// Every request goes through a Doer (normally a *portal.Session), which owns
// authentication, retry and backoff. The client adds no retries of its own.
package dav

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/iserv-go/iserv/pkg/portal"
)

// Doer executes requests against the WebDAV endpoint. Satisfied by
// *portal.Session.
type Doer interface {
	Do(ctx context.Context, req *portal.Request) (*http.Response, error)
	URL(endpoint portal.Endpoint, path string) string
}

// Client operates on remote paths resolved relative to a fixed root.
// It holds no mutable state and is safe for concurrent use.
type Client struct {
	doer     Doer
	root     string // server path of the root, with trailing slash
	basePath string // path prefix of the WebDAV endpoint URL, no trailing slash
	logger   *slog.Logger
}

// NewClient returns a client rooted at root ("" or "/" for the top of the
// store).
func NewClient(doer Doer, root string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	root = CleanPath(root)
	if !IsDirPath(root) {
		root += "/"
	}

	basePath := ""
	if u, err := url.Parse(doer.URL(portal.EndpointDAV, "/")); err == nil {
		basePath = strings.TrimSuffix(u.Path, "/")
	}

	return &Client{doer: doer, root: root, basePath: basePath, logger: logger}
}

// Root returns the client's root directory.
func (c *Client) Root() string {
	return c.root
}

// serverPath maps a root-relative path to the path sent to the server.
func (c *Client) serverPath(p string) string {
	return c.root + strings.TrimPrefix(CleanPath(p), "/")
}

// dirPath is serverPath with a guaranteed trailing slash.
func (c *Client) dirPath(p string) string {
	sp := c.serverPath(p)
	if !strings.HasSuffix(sp, "/") {
		sp += "/"
	}

	return sp
}

// relPath maps an href path from a response back to a root-relative path.
func (c *Client) relPath(hrefP string) string {
	p := strings.TrimPrefix(hrefP, c.basePath)
	p = strings.TrimPrefix(p, strings.TrimSuffix(c.root, "/"))

	return CleanPath(p)
}

func (c *Client) do(ctx context.Context, method, serverPath string, header http.Header, body string) (*http.Response, error) {
	req := &portal.Request{
		Endpoint: portal.EndpointDAV,
		Method:   method,
		Path:     serverPath,
		Header:   header,
	}

	if body != "" {
		req.Body = strings.NewReader(body)
		req.ContentLength = int64(len(body))

		if req.Header == nil {
			req.Header = http.Header{}
		}

		req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	}

	return c.doer.Do(ctx, req)
}

func (c *Client) propfind(ctx context.Context, serverPath, depth, body string) (*multistatus, error) {
	resp, err := c.do(ctx, "PROPFIND", serverPath, http.Header{"Depth": {depth}}, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return decodeMultistatus(resp.Body)
}

// Info returns the metadata of path. A missing path, reported either as a
// 404 or as a multistatus without a 2xx propstat, fails with an error
// wrapping portal.ErrNotFound.
func (c *Client) Info(ctx context.Context, p string) (*Resource, error) {
	ms, err := c.propfind(ctx, c.serverPath(p), "0", propfindBody)
	if err != nil {
		return nil, fmt.Errorf("dav: info %s: %w", p, err)
	}

	for i := range ms.Responses {
		prop, ok := ms.Responses[i].okProp()
		if !ok {
			continue
		}

		hp, err := hrefPath(ms.Responses[i].Href)
		if err != nil {
			return nil, fmt.Errorf("dav: info %s: %w", p, err)
		}

		res := toResource(c.relPath(hp), prop)

		return &res, nil
	}

	if len(ms.Responses) == 0 {
		return nil, fmt.Errorf("dav: info %s: %w: empty multistatus", p, ErrInvalidResponse)
	}

	// Some servers answer a missing path with a 207 whose only propstat
	// carries 404.
	return nil, fmt.Errorf("dav: info %s: %w: no successful propstat", p, portal.ErrNotFound)
}

// Exists reports whether path exists. Not-found yields false with a nil
// error; any other failure is returned.
func (c *Client) Exists(ctx context.Context, p string) (bool, error) {
	_, err := c.Info(ctx, p)

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, portal.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// List returns the direct children of directory path, sorted by name.
// Listing a file fails with ErrNotDirectory.
func (c *Client) List(ctx context.Context, p string) ([]Resource, error) {
	self := trimDir(CleanPath(p))

	ms, err := c.propfind(ctx, c.dirPath(p), "1", propfindBody)
	if err != nil {
		return nil, fmt.Errorf("dav: list %s: %w", p, err)
	}

	children := make([]Resource, 0, len(ms.Responses))

	for i := range ms.Responses {
		prop, ok := ms.Responses[i].okProp()
		if !ok {
			continue
		}

		hp, err := hrefPath(ms.Responses[i].Href)
		if err != nil {
			return nil, fmt.Errorf("dav: list %s: %w", p, err)
		}

		res := toResource(c.relPath(hp), prop)

		if res.Path == self {
			if !res.IsDir() {
				return nil, fmt.Errorf("dav: list %s: %w", p, ErrNotDirectory)
			}

			continue
		}

		// Some servers answer Depth 1 with deeper entries.
		if path.Dir(res.Path) != self {
			continue
		}

		children = append(children, res)
	}

	sort.Slice(children, func(i, j int) bool { return children[i].Name < children[j].Name })

	c.logger.Debug("listed directory",
		slog.String("path", self),
		slog.Int("entries", len(children)),
	)

	return children, nil
}

// FreeSpace returns the available bytes reported for the root.
func (c *Client) FreeSpace(ctx context.Context) (int64, error) {
	ms, err := c.propfind(ctx, c.root, "0", quotaBody)
	if err != nil {
		return 0, fmt.Errorf("dav: free space: %w", err)
	}

	for i := range ms.Responses {
		prop, ok := ms.Responses[i].okProp()
		if !ok || prop.QuotaAvailable == "" {
			continue
		}

		n, err := strconv.ParseInt(prop.QuotaAvailable, 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("dav: free space: %w: %q", ErrQuotaUnavailable, prop.QuotaAvailable)
		}

		return n, nil
	}

	return 0, ErrQuotaUnavailable
}

// Mkdir creates a single directory. An existing path fails with
// portal.ErrConflict, a missing parent with portal.ErrNotFound.
func (c *Client) Mkdir(ctx context.Context, p string) error {
	resp, err := c.do(ctx, "MKCOL", c.dirPath(p), nil, "")
	if err != nil {
		err = remap(err, portal.ErrConflict, portal.ErrNotFound)
		err = remap(err, portal.ErrMethodNotAllowed, portal.ErrConflict)

		return fmt.Errorf("dav: mkdir %s: %w", p, err)
	}

	drain(resp)

	c.logger.Debug("created directory", slog.String("path", p))

	return nil
}

// Delete removes a file or a directory with its contents.
func (c *Client) Delete(ctx context.Context, p string) error {
	resp, err := c.do(ctx, http.MethodDelete, c.serverPath(p), nil, "")
	if err != nil {
		return fmt.Errorf("dav: delete %s: %w", p, err)
	}

	drain(resp)

	c.logger.Debug("deleted", slog.String("path", p))

	return nil
}

// Copy duplicates from to to. The destination must not exist
// (portal.ErrConflict) and its parent must (portal.ErrNotFound).
func (c *Client) Copy(ctx context.Context, from, to string) error {
	return c.copyMove(ctx, "COPY", from, to)
}

// Move renames from to to, with the same preconditions as Copy.
func (c *Client) Move(ctx context.Context, from, to string) error {
	return c.copyMove(ctx, "MOVE", from, to)
}

func (c *Client) copyMove(ctx context.Context, method, from, to string) error {
	header := http.Header{
		"Destination": {c.doer.URL(portal.EndpointDAV, c.serverPath(to))},
		"Overwrite":   {"F"},
		"Depth":       {"infinity"},
	}

	resp, err := c.do(ctx, method, c.serverPath(from), header, "")
	if err != nil {
		// 409 means the destination's parent is missing; 412 that the
		// destination exists.
		var he *portal.HTTPError
		if errors.As(err, &he) && he.StatusCode == http.StatusConflict {
			err = remap(err, portal.ErrConflict, portal.ErrNotFound)
		}

		return fmt.Errorf("dav: %s %s -> %s: %w", strings.ToLower(method), from, to, err)
	}

	drain(resp)

	c.logger.Debug("copied or moved",
		slog.String("method", method),
		slog.String("from", from),
		slog.String("to", to),
	)

	return nil
}

// Publish creates (or returns the existing) public share link for path.
func (c *Client) Publish(ctx context.Context, p string) (string, error) {
	ms, err := c.proppatch(ctx, p, publishBody)
	if err != nil {
		return "", fmt.Errorf("dav: publish %s: %w", p, err)
	}

	for i := range ms.Responses {
		if prop, ok := ms.Responses[i].okProp(); ok && prop.PublicURL != "" {
			c.logger.Info("published", slog.String("path", p))

			return prop.PublicURL, nil
		}
	}

	return "", fmt.Errorf("dav: publish %s: %w", p, ErrPublishUnsupported)
}

// Unpublish removes the public share link of path.
func (c *Client) Unpublish(ctx context.Context, p string) error {
	ms, err := c.proppatch(ctx, p, unpublishBody)
	if err != nil {
		return fmt.Errorf("dav: unpublish %s: %w", p, err)
	}

	for i := range ms.Responses {
		if _, ok := ms.Responses[i].okProp(); ok {
			c.logger.Info("unpublished", slog.String("path", p))

			return nil
		}
	}

	return fmt.Errorf("dav: unpublish %s: %w", p, ErrPublishUnsupported)
}

func (c *Client) proppatch(ctx context.Context, p, body string) (*multistatus, error) {
	resp, err := c.do(ctx, "PROPPATCH", c.serverPath(p), nil, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return decodeMultistatus(resp.Body)
}

// Download streams the content of file path to w and returns the number of
// bytes written.
func (c *Client) Download(ctx context.Context, p string, w io.Writer) (int64, error) {
	resp, err := c.do(ctx, http.MethodGet, c.serverPath(p), nil, "")
	if err != nil {
		return 0, fmt.Errorf("dav: download %s: %w", p, err)
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("dav: download %s: streaming content: %w", p, err)
	}

	c.logger.Debug("download complete",
		slog.String("path", p),
		slog.Int64("bytes_written", n),
	)

	return n, nil
}

// Upload writes size bytes of content to file path, replacing an existing
// file. The body is re-read from offset zero when the transport retries.
func (c *Client) Upload(ctx context.Context, p string, content io.ReaderAt, size int64) error {
	req := &portal.Request{
		Endpoint: portal.EndpointDAV,
		Method:   http.MethodPut,
		Path:     c.serverPath(p),
		Header:   http.Header{"Content-Type": {"application/octet-stream"}},
	}

	if size > 0 {
		req.Body = io.NewSectionReader(content, 0, size)
		req.ContentLength = size
	}

	resp, err := c.doer.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("dav: upload %s: %w", p, err)
	}

	drain(resp)

	c.logger.Debug("upload complete",
		slog.String("path", p),
		slog.Int64("size", size),
	)

	return nil
}

// remap replaces the sentinel of an HTTP error, keeping status and message.
func remap(err, from, to error) error {
	var he *portal.HTTPError
	if !errors.As(err, &he) || !errors.Is(he.Err, from) {
		return err
	}

	remapped := *he
	remapped.Err = to

	return &remapped
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
