// Package transfer moves single files between the WebDAV store and a local
// filesystem, either blocking (Manager) or through an asynchronous worker
// queue (Queue). Downloads are written to a ".partial" sibling and renamed
// into place, so the target path never holds a half-written file.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-git/go-billy/v5"
)

// PartialSuffix is appended to a download target while it is written.
const PartialSuffix = ".partial"

// Result reports a completed transfer.
type Result struct {
	Direction Direction
	Remote    string
	Local     string
	Size      int64
	Duration  time.Duration
}

// Manager performs blocking single-file transfers. It is safe for
// concurrent use provided the local filesystem is.
type Manager struct {
	files   Files
	local   billy.Filesystem
	limiter *BandwidthLimiter
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager creates a Manager. limiter may be nil (unlimited).
func NewManager(files Files, local billy.Filesystem, limiter *BandwidthLimiter, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		files:   files,
		local:   local,
		limiter: limiter,
		logger:  logger,
		now:     time.Now,
	}
}

// LocalFS returns the filesystem local paths are resolved against.
func (m *Manager) LocalFS() billy.Filesystem {
	return m.local
}

// DownloadFile fetches remote into local, creating parent directories.
// Failures are returned as *Error.
func (m *Manager) DownloadFile(ctx context.Context, remote, local string) (*Result, error) {
	start := m.now()

	size, err := m.download(ctx, remote, local)
	if err != nil {
		m.logger.Warn("download failed",
			slog.String("remote", remote),
			slog.String("local", local),
			slog.String("error", err.Error()),
		)

		return nil, newError(Download, remote, local, err)
	}

	res := &Result{Direction: Download, Remote: remote, Local: local, Size: size, Duration: m.now().Sub(start)}

	m.logger.Info("downloaded",
		slog.String("remote", remote),
		slog.String("local", local),
		slog.String("size", humanize.IBytes(uint64(size))),
		slog.Duration("duration", res.Duration),
	)

	return res, nil
}

func (m *Manager) download(ctx context.Context, remote, local string) (int64, error) {
	if remote == "" || local == "" {
		return 0, errors.New("remote and local paths must not be empty")
	}

	target := filepath.FromSlash(local)

	if err := m.local.MkdirAll(filepath.Dir(target), 0o755); err != nil { //nolint:mnd // standard dir perms
		return 0, fmt.Errorf("creating parent dir for %s: %w", local, err)
	}

	partial := target + PartialSuffix

	f, err := m.local.OpenFile(partial, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644) //nolint:mnd // standard file perms
	if err != nil {
		return 0, fmt.Errorf("creating %s: %w", partial, err)
	}

	n, err := m.files.Download(ctx, remote, m.limiter.WrapWriter(ctx, f))
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("closing %s: %w", partial, closeErr)
	}

	if err != nil {
		m.removePartialIfNotCanceled(ctx, partial)
		return 0, err
	}

	if err := m.local.Rename(partial, target); err != nil {
		m.removePartialIfNotCanceled(ctx, partial)
		return 0, fmt.Errorf("renaming partial to %s: %w", local, err)
	}

	return n, nil
}

// removePartialIfNotCanceled removes a .partial file unless the context was
// canceled, in which case the caller decides what to do with it.
func (m *Manager) removePartialIfNotCanceled(ctx context.Context, partial string) {
	if ctx.Err() != nil {
		return
	}

	if err := m.local.Remove(partial); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("failed to remove partial file",
			slog.String("path", partial),
			slog.String("error", err.Error()),
		)
	}
}

// UploadFile sends the regular file local to remote. Failures are returned
// as *Error.
func (m *Manager) UploadFile(ctx context.Context, remote, local string) (*Result, error) {
	start := m.now()

	size, err := m.upload(ctx, remote, local)
	if err != nil {
		m.logger.Warn("upload failed",
			slog.String("remote", remote),
			slog.String("local", local),
			slog.String("error", err.Error()),
		)

		return nil, newError(Upload, remote, local, err)
	}

	res := &Result{Direction: Upload, Remote: remote, Local: local, Size: size, Duration: m.now().Sub(start)}

	m.logger.Info("uploaded",
		slog.String("local", local),
		slog.String("remote", remote),
		slog.String("size", humanize.IBytes(uint64(size))),
		slog.Duration("duration", res.Duration),
	)

	return res, nil
}

func (m *Manager) upload(ctx context.Context, remote, local string) (int64, error) {
	if remote == "" || local == "" {
		return 0, errors.New("remote and local paths must not be empty")
	}

	name := filepath.FromSlash(local)

	info, err := m.local.Stat(name)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", local, err)
	}

	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%s: %w", local, ErrNotRegularFile)
	}

	f, err := m.local.Open(name)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", local, err)
	}
	defer f.Close()

	size := info.Size()
	if err := m.files.Upload(ctx, remote, m.limiter.WrapReaderAt(ctx, f), size); err != nil {
		return 0, err
	}

	return size, nil
}
