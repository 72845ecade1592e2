//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (string, string) {
	t.Helper()

	stdout, stderr, err := runCLIErr(args...)
	if err != nil {
		t.Fatalf("CLI command %v failed: %v\nstdout: %s\nstderr: %s", args, err, stdout, stderr)
	}

	return stdout, stderr
}

func runCLIErr(args ...string) (string, string, error) {
	cmd := exec.Command(binaryPath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	return stdout.String(), stderr.String(), err
}

// testDir returns a fresh remote directory below the account's e2e dir and
// removes it when the test ends.
func testDir(t *testing.T, name string) string {
	t.Helper()

	dir := fmt.Sprintf("%s/%s-%d", account.Dir, name, time.Now().UnixNano())

	_, _, _ = runCLIErr("mkdir", account.Dir)
	runCLI(t, "mkdir", dir)

	t.Cleanup(func() {
		_, _, _ = runCLIErr("rm", "-r", dir)
	})

	return dir
}

func TestE2E_RoundTrip(t *testing.T) {
	dir := testDir(t, "roundtrip")
	file := dir + "/test.txt"
	content := []byte("Hello from the iserv e2e test!\n")

	t.Run("whoami", func(t *testing.T) {
		stdout, _ := runCLI(t, "whoami", "--json")

		var out map[string]string
		require.NoError(t, json.Unmarshal([]byte(stdout), &out))
		assert.Equal(t, account.Username, out["user"])
	})

	t.Run("mkdir", func(t *testing.T) {
		_, stderr := runCLI(t, "mkdir", dir+"/subfolder")
		assert.Contains(t, stderr, "Created")
	})

	t.Run("put", func(t *testing.T) {
		local := filepath.Join(t.TempDir(), "upload.txt")
		require.NoError(t, os.WriteFile(local, content, 0o644))

		_, stderr := runCLI(t, "put", local, file)
		assert.Contains(t, stderr, "Uploaded")
	})

	t.Run("ls", func(t *testing.T) {
		stdout, _ := runCLI(t, "ls", dir)
		assert.Contains(t, stdout, "test.txt")
		assert.Contains(t, stdout, "subfolder/")
	})

	t.Run("stat", func(t *testing.T) {
		stdout, _ := runCLI(t, "stat", "--json", file)

		var out map[string]any
		require.NoError(t, json.Unmarshal([]byte(stdout), &out))
		assert.Equal(t, "file", out["kind"])
		assert.InDelta(t, len(content), out["size"], 0)
	})

	t.Run("get", func(t *testing.T) {
		local := filepath.Join(t.TempDir(), "downloaded.txt")

		_, stderr := runCLI(t, "get", file, local)
		assert.Contains(t, stderr, "Downloaded")

		got, err := os.ReadFile(local)
		require.NoError(t, err)
		assert.Equal(t, content, got)
	})

	t.Run("rm_folder_needs_recursive", func(t *testing.T) {
		_, _, err := runCLIErr("rm", dir+"/subfolder")
		assert.Error(t, err)
	})

	t.Run("rm_file", func(t *testing.T) {
		_, stderr := runCLI(t, "rm", file)
		assert.Contains(t, stderr, "Deleted")
	})
}

func TestE2E_UnicodeAndSpaces(t *testing.T) {
	dir := testDir(t, "names")

	for _, name := range []string{"Übung ä ö ü.txt", "with spaces.txt", "日本語.txt"} {
		t.Run(name, func(t *testing.T) {
			local := filepath.Join(t.TempDir(), "in.txt")
			require.NoError(t, os.WriteFile(local, []byte(name), 0o644))

			runCLI(t, "put", local, dir+"/"+name)

			out := filepath.Join(t.TempDir(), "out.txt")
			runCLI(t, "get", dir+"/"+name, out)

			got, err := os.ReadFile(out)
			require.NoError(t, err)
			assert.Equal(t, name, string(got))
		})
	}
}

func TestE2E_Df(t *testing.T) {
	stdout, _, err := runCLIErr("df", "--json")
	if err != nil {
		t.Skip("server does not report quota")
	}

	var out map[string]int64
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	assert.GreaterOrEqual(t, out["available_bytes"], int64(0))
}
