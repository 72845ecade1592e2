package dav

import (
	"errors"
	"time"
)

// Kind distinguishes files from directories.
type Kind int

const (
	KindFile Kind = iota
	KindDirectory
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	default:
		return "unknown"
	}
}

// Resource is a snapshot of one remote entry as returned by the server.
// It is never cached; every call observes the live store.
type Resource struct {
	// Path is relative to the client root, with a leading slash and without
	// a trailing slash.
	Path        string
	Name        string
	Kind        Kind
	Size        int64 // zero for directories
	ModifiedAt  time.Time
	ETag        string
	ContentType string
}

// IsDir reports whether the resource is a directory.
func (r Resource) IsDir() bool {
	return r.Kind == KindDirectory
}

// Errors specific to the resource client. HTTP-level failures wrap the
// portal sentinels (portal.ErrNotFound, portal.ErrConflict, ...).
var (
	ErrNotDirectory       = errors.New("dav: not a directory")
	ErrQuotaUnavailable   = errors.New("dav: server does not report free space")
	ErrPublishUnsupported = errors.New("dav: server does not support public links")
	ErrInvalidResponse    = errors.New("dav: invalid multistatus response")
)
