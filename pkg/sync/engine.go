package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-git/go-billy/v5"

	"github.com/iserv-go/iserv/pkg/dav"
	"github.com/iserv-go/iserv/pkg/portal"
)

// Engine runs one-way syncs between a remote directory and a local one.
// Each run walks and applies sequentially; an Engine may serve several
// runs concurrently, but two runs on the same directory pair race.
type Engine struct {
	remote    RemoteFS
	transfers Transferer
	local     billy.Filesystem
	opts      Options
	filter    *matcher
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine creates an Engine. Exclude patterns are validated up front.
func NewEngine(remote RemoteFS, transfers Transferer, local billy.Filesystem, opts Options, logger *slog.Logger) (*Engine, error) {
	if remote == nil || transfers == nil || local == nil {
		return nil, errors.New("sync: remote, transfers and local filesystem are required")
	}

	filter, err := newMatcher(opts.Exclude)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Engine{
		remote:    remote,
		transfers: transfers,
		local:     local,
		opts:      opts,
		filter:    filter,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Pull copies every entry of remoteDir missing below localDir.
func (e *Engine) Pull(ctx context.Context, remoteDir, localDir string) (*Report, error) {
	return e.run(ctx, Pull, remoteDir, localDir)
}

// Push copies every entry of localDir missing below remoteDir.
func (e *Engine) Push(ctx context.Context, remoteDir, localDir string) (*Report, error) {
	return e.run(ctx, Push, remoteDir, localDir)
}

// Plan computes the delta a Pull or Push would apply, without changing
// either side.
func (e *Engine) Plan(ctx context.Context, dir Direction, remoteDir, localDir string) (Delta, error) {
	delta, _, err := e.plan(ctx, dir, remoteDir, localDir)
	return delta, err
}

// plan enumerates both sides. The returned bool reports whether the
// destination root is missing.
func (e *Engine) plan(ctx context.Context, dir Direction, remoteDir, localDir string) (Delta, bool, error) {
	remote, err := e.remoteTree(ctx, remoteDir)
	if err != nil {
		return nil, false, fmt.Errorf("sync: enumerating remote %s: %w", remoteDir, err)
	}

	local, err := e.localTree(ctx, localDir)
	if err != nil {
		return nil, false, fmt.Errorf("sync: enumerating local %s: %w", localDir, err)
	}

	src, dst := remote, local
	if dir == Push {
		src, dst = local, remote
	}

	if src.missing {
		return nil, false, fmt.Errorf("sync: %s source %s: %w", dir, e.sourceName(dir, remoteDir, localDir), portal.ErrNotFound)
	}

	return computeDelta(src.entries, dst.entries), dst.missing, nil
}

func (e *Engine) sourceName(dir Direction, remoteDir, localDir string) string {
	if dir == Pull {
		return remoteDir
	}

	return localDir
}

func (e *Engine) run(ctx context.Context, dir Direction, remoteDir, localDir string) (*Report, error) {
	start := e.now()
	report := &Report{Direction: dir}

	e.logger.Info("sync starting",
		slog.String("direction", dir.String()),
		slog.String("remote", remoteDir),
		slog.String("local", localDir),
		slog.String("policy", e.opts.Policy.String()),
	)

	delta, dstMissing, err := e.plan(ctx, dir, remoteDir, localDir)
	if err != nil {
		return report, err
	}

	if len(delta) == 0 {
		report.Duration = e.now().Sub(start)
		e.logger.Info("sync complete: nothing to do",
			slog.String("direction", dir.String()),
			slog.Duration("duration", report.Duration),
		)

		return report, nil
	}

	e.logger.Info("delta computed",
		slog.Int("dirs", delta.Dirs()),
		slog.Int("files", delta.Files()),
		slog.String("bytes", humanize.IBytes(uint64(max(delta.Bytes(), 0)))),
	)

	if dstMissing {
		if err := e.createRoot(ctx, dir, remoteDir, localDir); err != nil {
			report.Duration = e.now().Sub(start)
			return report, &Error{Direction: dir, Err: err}
		}
	}

	for _, entry := range delta {
		applyErr := e.apply(ctx, dir, remoteDir, localDir, entry, report)
		if applyErr == nil {
			continue
		}

		serr := &Error{RelPath: entry.RelPath, Direction: dir, Err: applyErr}
		report.Failed = append(report.Failed, serr)

		if e.opts.Policy == FailFast || abortsRun(ctx, applyErr) {
			report.Duration = e.now().Sub(start)
			e.logger.Warn("sync aborted",
				slog.String("direction", dir.String()),
				slog.String("path", entry.RelPath),
				slog.String("error", applyErr.Error()),
				slog.Int("synced", report.Synced),
			)

			return report, serr
		}

		e.logger.Warn("sync entry failed, continuing",
			slog.String("path", entry.RelPath),
			slog.String("error", applyErr.Error()),
		)
	}

	report.Duration = e.now().Sub(start)

	e.logger.Info("sync complete",
		slog.String("direction", dir.String()),
		slog.Int("synced", report.Synced),
		slog.Int("failed", len(report.Failed)),
		slog.String("bytes", humanize.IBytes(uint64(max(report.Bytes, 0)))),
		slog.Duration("duration", report.Duration),
	)

	return report, nil
}

// abortsRun reports failures no later entry can recover from.
func abortsRun(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, portal.ErrAuth)
}

func (e *Engine) apply(ctx context.Context, dir Direction, remoteDir, localDir string, entry Entry, report *Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	remotePath := dav.JoinPath(remoteDir, entry.RelPath)
	localPath := path.Join(localDir, entry.RelPath)

	if entry.IsDir() {
		var err error
		if dir == Pull {
			err = mkdirAllLocal(e.local, localPath)
		} else {
			err = e.remote.Mkdir(ctx, remotePath)
		}

		if err != nil {
			return err
		}

		report.Dirs++
		report.Synced++

		return nil
	}

	var err error
	if dir == Pull {
		_, err = e.transfers.DownloadFile(ctx, remotePath, localPath)
	} else {
		_, err = e.transfers.UploadFile(ctx, remotePath, localPath)
	}

	if err != nil {
		return err
	}

	report.Files++
	report.Synced++
	report.Bytes += entry.Size

	return nil
}

// createRoot creates a missing destination root with its parents.
func (e *Engine) createRoot(ctx context.Context, dir Direction, remoteDir, localDir string) error {
	if dir == Pull {
		return mkdirAllLocal(e.local, localDir)
	}

	return e.mkdirAllRemote(ctx, dav.CleanPath(remoteDir))
}

func (e *Engine) mkdirAllRemote(ctx context.Context, p string) error {
	p = path.Clean(p)
	if p == "/" {
		return nil
	}

	err := e.remote.Mkdir(ctx, p)

	switch {
	case err == nil, errors.Is(err, portal.ErrConflict):
		return nil
	case errors.Is(err, portal.ErrNotFound):
		if perr := e.mkdirAllRemote(ctx, path.Dir(p)); perr != nil {
			return perr
		}

		if err := e.remote.Mkdir(ctx, p); err != nil && !errors.Is(err, portal.ErrConflict) {
			return err
		}

		return nil
	default:
		return err
	}
}
