package dav

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanPath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "/"},
		{"/", "/"},
		{"a.txt", "/a.txt"},
		{"/docs/", "/docs/"},
		{"docs//sub/", "/docs/sub/"},
		{"/docs/../x", "/x"},
		{"/../..", "/"},
		{"./a/./b", "/a/b"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, CleanPath(tt.in), "CleanPath(%q)", tt.in)
	}
}

func TestJoinPath(t *testing.T) {
	assert.Equal(t, "/", JoinPath())
	assert.Equal(t, "/docs/a.txt", JoinPath("/docs", "a.txt"))
	assert.Equal(t, "/docs/sub/", JoinPath("docs", "sub/"))
	assert.Equal(t, "/", JoinPath("/", ""))
}

func TestIsDirPath(t *testing.T) {
	assert.True(t, IsDirPath(""))
	assert.True(t, IsDirPath("/"))
	assert.True(t, IsDirPath("/docs/"))
	assert.False(t, IsDirPath("/docs"))
}

func TestStatusOK(t *testing.T) {
	assert.True(t, statusOK("HTTP/1.1 200 OK"))
	assert.True(t, statusOK(""))
	assert.False(t, statusOK("HTTP/1.1 404 Not Found"))
	assert.False(t, statusOK("garbage"))
}
