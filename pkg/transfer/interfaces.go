package transfer

import (
	"context"
	"io"
)

// Downloader streams a remote file into w. Satisfied by *dav.Client.
type Downloader interface {
	Download(ctx context.Context, remote string, w io.Writer) (int64, error)
}

// Uploader writes size bytes of content to a remote file. Satisfied by
// *dav.Client.
type Uploader interface {
	Upload(ctx context.Context, remote string, content io.ReaderAt, size int64) error
}

// Files is the remote side of a Manager.
type Files interface {
	Downloader
	Uploader
}
