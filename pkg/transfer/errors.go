package transfer

import (
	"errors"
	"fmt"
)

// ErrTransfer is the category of every failed download or upload.
// Use errors.Is(err, transfer.ErrTransfer) to check, errors.As with *Error
// for the paths involved.
var ErrTransfer = errors.New("transfer: failed")

var (
	// ErrCanceled completes a task that was canceled before a worker
	// started it.
	ErrCanceled = errors.New("transfer: canceled before start")
	// ErrQueueClosed is returned when enqueueing after Close.
	ErrQueueClosed = errors.New("transfer: queue closed")
	// ErrNotRegularFile rejects uploads of directories, devices and the like.
	ErrNotRegularFile = errors.New("transfer: local path is not a regular file")
)

// Direction says which way a transfer moves data.
type Direction int

const (
	Download Direction = iota
	Upload
)

func (d Direction) String() string {
	switch d {
	case Download:
		return "download"
	case Upload:
		return "upload"
	default:
		return "unknown"
	}
}

// Error describes one failed transfer. It matches both ErrTransfer and its
// cause under errors.Is.
type Error struct {
	Direction Direction
	Remote    string
	Local     string
	Err       error
}

func (e *Error) Error() string {
	if e.Direction == Upload {
		return fmt.Sprintf("transfer: upload %s -> %s: %v", e.Local, e.Remote, e.Err)
	}

	return fmt.Sprintf("transfer: download %s -> %s: %v", e.Remote, e.Local, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{ErrTransfer, e.Err}
}

func newError(dir Direction, remote, local string, err error) *Error {
	return &Error{Direction: dir, Remote: remote, Local: local, Err: err}
}
