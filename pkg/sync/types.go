// Package sync mirrors a directory tree one way between the WebDAV store and
// a local filesystem. Pull copies what exists remotely but not locally, Push
// the reverse. Presence is the only criterion: entries are matched by their
// Unicode-normalized relative path and kind, never by content, size or
// modification time, and nothing is ever deleted or overwritten on purpose.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iserv-go/iserv/pkg/dav"
	"github.com/iserv-go/iserv/pkg/transfer"
)

// Direction of a sync run.
type Direction int

const (
	// Pull copies remote entries missing locally.
	Pull Direction = iota
	// Push copies local entries missing remotely.
	Push
)

func (d Direction) String() string {
	switch d {
	case Pull:
		return "pull"
	case Push:
		return "push"
	default:
		return "unknown"
	}
}

// Policy decides what a failed entry does to the rest of the run.
type Policy int

const (
	// FailFast stops at the first failed entry.
	FailFast Policy = iota
	// BestEffort attempts every entry and reports failures in the Report.
	BestEffort
)

func (p Policy) String() string {
	switch p {
	case FailFast:
		return "fail_fast"
	case BestEffort:
		return "best_effort"
	default:
		return "unknown"
	}
}

// ParsePolicy accepts "fail_fast" and "best_effort" (also with dashes).
func ParsePolicy(s string) (Policy, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_") {
	case "", "fail_fast":
		return FailFast, nil
	case "best_effort":
		return BestEffort, nil
	default:
		return FailFast, fmt.Errorf("sync: unknown policy %q (want fail_fast or best_effort)", s)
	}
}

// Entry is one file or directory of a tree, relative to the tree's root.
type Entry struct {
	RelPath string // slash-separated, no leading slash
	Kind    dav.Kind
	Size    int64
}

// IsDir reports whether the entry is a directory.
func (e Entry) IsDir() bool {
	return e.Kind == dav.KindDirectory
}

// Delta lists the source entries missing from the destination, in the order
// they are applied: depth-first pre-order, so a directory always precedes
// its contents.
type Delta []Entry

// Files returns the number of file entries.
func (d Delta) Files() int {
	n := 0

	for _, e := range d {
		if !e.IsDir() {
			n++
		}
	}

	return n
}

// Dirs returns the number of directory entries.
func (d Delta) Dirs() int {
	return len(d) - d.Files()
}

// Bytes returns the total size of the file entries.
func (d Delta) Bytes() int64 {
	var total int64

	for _, e := range d {
		if !e.IsDir() {
			total += e.Size
		}
	}

	return total
}

// Options configures an Engine.
type Options struct {
	Policy Policy
	// Exclude holds doublestar patterns matched against relative paths on
	// both sides. An excluded directory is skipped with everything below it.
	Exclude []string
}

// DefaultExclude keeps in-flight download files out of every sync.
var DefaultExclude = []string{"**/*" + transfer.PartialSuffix}

// Report summarizes a sync run.
type Report struct {
	Direction Direction
	// Synced counts applied entries (Dirs + Files).
	Synced int
	Dirs   int
	Files  int
	Bytes  int64
	// Failed lists the entries that could not be applied. Under FailFast it
	// holds at most the entry that stopped the run.
	Failed   []*Error
	Duration time.Duration
}

// Err joins the failures of the run, nil when there were none.
func (r *Report) Err() error {
	if r == nil || len(r.Failed) == 0 {
		return nil
	}

	errs := make([]error, len(r.Failed))
	for i, e := range r.Failed {
		errs[i] = e
	}

	return errors.Join(errs...)
}

// Error reports the entry a sync run failed on.
type Error struct {
	RelPath   string
	Direction Direction
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("sync: %s %s: %v", e.Direction, e.RelPath, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// RemoteFS is the remote side of a sync. Satisfied by *dav.Client.
type RemoteFS interface {
	List(ctx context.Context, path string) ([]dav.Resource, error)
	Mkdir(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
}

// Transferer moves single files. Satisfied by *transfer.Manager.
type Transferer interface {
	DownloadFile(ctx context.Context, remote, local string) (*transfer.Result, error)
	UploadFile(ctx context.Context, remote, local string) (*transfer.Result, error)
}
