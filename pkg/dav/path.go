package dav

import (
	"path"
	"strings"
)

// CleanPath normalizes a remote path: leading slash, no "." or ".."
// segments, no duplicate slashes. A trailing slash, which marks a
// directory, is preserved (except on the root, which is always "/").
func CleanPath(p string) string {
	dir := IsDirPath(p)

	cleaned := path.Clean("/" + p)
	if dir && cleaned != "/" {
		cleaned += "/"
	}

	return cleaned
}

// JoinPath joins remote path elements and cleans the result. The trailing
// slash of the last element is kept.
func JoinPath(elem ...string) string {
	if len(elem) == 0 {
		return "/"
	}

	dir := IsDirPath(elem[len(elem)-1])

	joined := path.Join(append([]string{"/"}, elem...)...)
	if dir && joined != "/" {
		joined += "/"
	}

	return joined
}

// IsDirPath reports whether p names a directory by convention (trailing
// slash). The root is always a directory.
func IsDirPath(p string) bool {
	return p == "" || strings.HasSuffix(p, "/")
}

// trimDir strips a directory's trailing slash.
func trimDir(p string) string {
	if p == "/" {
		return p
	}

	return strings.TrimSuffix(p, "/")
}
