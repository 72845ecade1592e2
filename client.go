package iserv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"

	"github.com/go-git/go-billy/v5/osfs"

	"github.com/iserv-go/iserv/pkg/dav"
	"github.com/iserv-go/iserv/pkg/portal"
	"github.com/iserv-go/iserv/pkg/sync"
	"github.com/iserv-go/iserv/pkg/transfer"
)

// Client bundles an authenticated session with the components built on
// it. It is safe for concurrent use, except that concurrent syncs of the
// same directory pair race with each other.
type Client struct {
	session   *portal.Session
	files     *dav.Client
	transfers *transfer.Manager
	queue     *transfer.Queue
	engine    *sync.Engine
	logger    *slog.Logger

	stopQueue context.CancelFunc
	closeLog  func() error
	closeOnce stdsync.Once
	closeErr  error
}

// Login authenticates against the portal and wires the WebDAV client,
// the transfer manager with its async queue, and the sync engine.
// Rejected credentials fail with an error wrapping portal.ErrAuth. On any
// failure the log file opened by LoadOptions is closed.
func Login(ctx context.Context, opts Options) (_ *Client, err error) {
	defer func() {
		if err != nil {
			_ = opts.Close()
		}
	}()

	if opts.BaseURL == "" {
		return nil, errors.New("iserv: base URL is required")
	}

	if opts.Username == "" {
		return nil, errors.New("iserv: username is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	limiter, err := opts.limiter(logger)
	if err != nil {
		return nil, fmt.Errorf("iserv: %w", err)
	}

	local := opts.LocalFS
	if local == nil {
		root := opts.LocalRoot
		if root == "" {
			root = "."
		}

		local = osfs.New(root)
	}

	session, err := portal.Authenticate(ctx, portal.Config{
		BaseURL:    opts.BaseURL,
		WebDAVURL:  opts.WebDAVURL,
		HTTPClient: opts.httpClient(),
		UserAgent:  opts.UserAgent,
		MaxRetries: opts.maxRetries(),
		Logger:     logger,
	}, portal.Credentials{Username: opts.Username, Password: opts.Password})
	if err != nil {
		return nil, fmt.Errorf("iserv: %w", err)
	}

	remoteRoot := opts.RemoteRoot
	if remoteRoot == "" {
		remoteRoot = "/"
	}

	files := dav.NewClient(session, remoteRoot, logger)
	mgr := transfer.NewManager(files, local, limiter, logger)

	engine, err := sync.NewEngine(files, mgr, local, sync.Options{
		Policy:  opts.Policy,
		Exclude: opts.Exclude,
	}, logger)
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("iserv: %w", err)
	}

	queueCtx, stop := context.WithCancel(context.Background())

	c := &Client{
		session:   session,
		files:     files,
		transfers: mgr,
		queue:     transfer.NewQueue(queueCtx, mgr, opts.Workers, logger),
		engine:    engine,
		logger:    logger,
		stopQueue: stop,
		closeLog:  opts.closeLog,
	}

	logger.Info("logged in",
		slog.String("user", session.Username()),
		slog.String("remote_root", files.Root()),
		slog.Int("workers", c.queue.Workers()),
	)

	return c, nil
}

// Session returns the authenticated portal session, which also serves the
// portal's JSON endpoints.
func (c *Client) Session() *portal.Session { return c.session }

// Files returns the WebDAV resource client.
func (c *Client) Files() *dav.Client { return c.files }

// Transfers returns the synchronous transfer manager.
func (c *Client) Transfers() *transfer.Manager { return c.transfers }

// Queue returns the async transfer queue.
func (c *Client) Queue() *transfer.Queue { return c.queue }

// Sync returns the sync engine.
func (c *Client) Sync() *sync.Engine { return c.engine }

// Pull copies every entry below remoteDir that is missing below localDir.
func (c *Client) Pull(ctx context.Context, remoteDir, localDir string) (*sync.Report, error) {
	return c.engine.Pull(ctx, remoteDir, localDir)
}

// Push copies every entry below localDir that is missing below remoteDir.
func (c *Client) Push(ctx context.Context, remoteDir, localDir string) (*sync.Report, error) {
	return c.engine.Push(ctx, remoteDir, localDir)
}

// Download transfers one remote file to a local path and returns once it
// is complete.
func (c *Client) Download(ctx context.Context, remote, local string) (*transfer.Result, error) {
	return c.transfers.DownloadFile(ctx, remote, local)
}

// Upload transfers one local file to a remote path and returns once it is
// complete.
func (c *Client) Upload(ctx context.Context, remote, local string) (*transfer.Result, error) {
	return c.transfers.UploadFile(ctx, remote, local)
}

// DownloadAsync queues a download and returns immediately. cb, if not nil,
// runs exactly once when the task finishes.
func (c *Client) DownloadAsync(remote, local string, cb transfer.Callback) (*transfer.Task, error) {
	return c.queue.DownloadAsync(remote, local, cb)
}

// UploadAsync queues an upload and returns immediately. cb, if not nil,
// runs exactly once when the task finishes.
func (c *Client) UploadAsync(remote, local string, cb transfer.Callback) (*transfer.Task, error) {
	return c.queue.UploadAsync(remote, local, cb)
}

// Logout ends the portal session server-side, then closes the client.
func (c *Client) Logout(ctx context.Context) error {
	err := c.session.Logout(ctx)

	return errors.Join(err, c.Close())
}

// Close waits for queued transfers to finish, then releases the session.
// It is idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		qerr := c.queue.Close()
		c.stopQueue()

		c.closeErr = errors.Join(qerr, c.session.Close())

		c.logger.Debug("client closed")

		if c.closeLog != nil {
			c.closeErr = errors.Join(c.closeErr, c.closeLog())
		}
	})

	return c.closeErr
}
