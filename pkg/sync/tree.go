package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-git/go-billy/v5"

	"github.com/iserv-go/iserv/pkg/dav"
)

// tree is an enumerated directory: its entries in pre-order, or missing
// when the root does not exist.
type tree struct {
	entries []Entry
	missing bool
}

// matcher applies exclude patterns.
type matcher struct {
	patterns []string
}

func newMatcher(patterns []string) (*matcher, error) {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("sync: invalid exclude pattern %q", p)
		}
	}

	return &matcher{patterns: append([]string(nil), patterns...)}, nil
}

func (m *matcher) excluded(relPath string) bool {
	for _, p := range m.patterns {
		if ok, _ := doublestar.Match(p, relPath); ok {
			return true
		}
	}

	return false
}

// joinRel appends a child name to a relative path.
func joinRel(parent, name string) string {
	if parent == "" {
		return name
	}

	return parent + "/" + name
}

// remoteTree enumerates the remote directory root. Cycles are not detected;
// WebDAV collections cannot contain themselves.
func (e *Engine) remoteTree(ctx context.Context, root string) (*tree, error) {
	ok, err := e.remote.Exists(ctx, root)
	if err != nil {
		return nil, err
	}

	if !ok {
		return &tree{missing: true}, nil
	}

	t := &tree{}
	if err := e.walkRemote(ctx, root, "", t); err != nil {
		return nil, err
	}

	return t, nil
}

func (e *Engine) walkRemote(ctx context.Context, root, rel string, t *tree) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := dav.JoinPath(root, rel)
	if !dav.IsDirPath(dir) {
		dir += "/"
	}

	children, err := e.remote.List(ctx, dir)
	if err != nil {
		return err
	}

	sort.Slice(children, func(i, j int) bool { return children[i].Name < children[j].Name })

	for _, c := range children {
		childRel := joinRel(rel, c.Name)
		if e.filter.excluded(childRel) {
			e.logger.Debug("excluded", slog.String("path", childRel))
			continue
		}

		t.entries = append(t.entries, Entry{RelPath: childRel, Kind: c.Kind, Size: c.Size})

		if c.IsDir() {
			if err := e.walkRemote(ctx, root, childRel, t); err != nil {
				return err
			}
		}
	}

	return nil
}

// localTree enumerates the local directory root. Symlinks and other
// non-regular entries are skipped, so the walk cannot loop.
func (e *Engine) localTree(ctx context.Context, root string) (*tree, error) {
	info, err := e.local.Stat(localName(root))

	switch {
	case errors.Is(err, os.ErrNotExist):
		return &tree{missing: true}, nil
	case err != nil:
		return nil, fmt.Errorf("stat %s: %w", root, err)
	case !info.IsDir():
		return nil, fmt.Errorf("%s: %w", root, dav.ErrNotDirectory)
	}

	t := &tree{}
	if err := e.walkLocal(ctx, root, "", t); err != nil {
		return nil, err
	}

	return t, nil
}

func (e *Engine) walkLocal(ctx context.Context, root, rel string, t *tree) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := localName(path.Join(root, rel))

	infos, err := e.local.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading %s: %w", dir, err)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })

	for _, info := range infos {
		childRel := joinRel(rel, info.Name())
		if e.filter.excluded(childRel) {
			e.logger.Debug("excluded", slog.String("path", childRel))
			continue
		}

		switch {
		case info.IsDir():
			t.entries = append(t.entries, Entry{RelPath: childRel, Kind: dav.KindDirectory})

			if err := e.walkLocal(ctx, root, childRel, t); err != nil {
				return err
			}
		case info.Mode().IsRegular():
			t.entries = append(t.entries, Entry{RelPath: childRel, Kind: dav.KindFile, Size: info.Size()})
		default:
			e.logger.Debug("skipping non-regular file",
				slog.String("path", childRel),
				slog.String("mode", info.Mode().String()),
			)
		}
	}

	return nil
}

// localName converts a slash-separated local path to the filesystem's form.
func localName(p string) string {
	if p == "" {
		return "."
	}

	return filepath.FromSlash(p)
}

// mkdirAllLocal creates a local directory and its parents.
func mkdirAllLocal(fsys billy.Filesystem, p string) error {
	if err := fsys.MkdirAll(localName(p), 0o755); err != nil { //nolint:mnd // standard dir perms
		return fmt.Errorf("creating %s: %w", p, err)
	}

	return nil
}
