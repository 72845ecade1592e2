//go:build e2e

package e2e

import (
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iserv-go/iserv/testutil"
)

var (
	binaryPath string
	account    testutil.LiveAccount
)

// TestMain builds the CLI, isolates HOME and XDG dirs and exports the live
// account to the environment the CLI reads. Without a configured account
// every test is skipped.
func TestMain(m *testing.M) {
	moduleRoot := testutil.FindModuleRoot("..")
	testutil.LoadDotEnv(filepath.Join(moduleRoot, ".env"))

	var ok bool

	account, ok = testutil.LiveAccountFromEnv()
	if !ok {
		fmt.Fprintln(os.Stderr, "e2e: ISERV_E2E_BASE_URL, ISERV_E2E_USERNAME and ISERV_E2E_PASSWORD not set; skipping")
		os.Exit(0)
	}

	testutil.ValidateAllowlist(hostOf(account.BaseURL))

	tmpDir, err := os.MkdirTemp("", "iserv-e2e-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating temp dir: %v\n", err)
		os.Exit(1)
	}

	binaryPath = filepath.Join(tmpDir, "iserv")

	cmd := exec.Command("go", "build", "-o", binaryPath, "./cmd/iserv")
	cmd.Dir = moduleRoot
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "building binary: %v\n", err)
		os.Exit(1)
	}

	setupIsolation(tmpDir)

	code := m.Run()

	os.RemoveAll(tmpDir)
	os.Exit(code)
}

func hostOf(raw string) string {
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: invalid ISERV_E2E_BASE_URL %q: %v\n", raw, err)
		os.Exit(1)
	}

	return u.Hostname()
}

// setupIsolation points HOME and XDG_CONFIG_HOME into tempRoot so no
// production config can leak into the run, then exports the live account
// as ISERV_* variables.
func setupIsolation(tempRoot string) {
	home := filepath.Join(tempRoot, "home")
	xdg := filepath.Join(tempRoot, "config")

	for _, d := range []string{home, xdg} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: creating dir %s: %v\n", d, err)
			os.Exit(1)
		}
	}

	os.Unsetenv("ISERV_CONFIG")
	os.Setenv("HOME", home)
	os.Setenv("XDG_CONFIG_HOME", xdg)

	os.Setenv("ISERV_BASE_URL", account.BaseURL)
	os.Setenv("ISERV_USERNAME", account.Username)
	os.Setenv("ISERV_PASSWORD", account.Password)

	verifyIsolation(tempRoot)
}

// verifyIsolation hard-crashes the process if a production path could leak
// into the run. Runs before m.Run so no test executes when it fails.
func verifyIsolation(tempRoot string) {
	crash := func(msg string) {
		fmt.Fprintf(os.Stderr, "FATAL: isolation check failed: %s\n", msg)
		os.Exit(1)
	}

	if os.Getenv("ISERV_CONFIG") != "" {
		crash("ISERV_CONFIG is set")
	}

	for _, v := range []string{"HOME", "XDG_CONFIG_HOME"} {
		if !strings.HasPrefix(os.Getenv(v), tempRoot) {
			crash(v + " not overridden to temp dir")
		}
	}

	homeDir, _ := os.UserHomeDir()
	if !strings.HasPrefix(homeDir, tempRoot) {
		crash("UserHomeDir() returns " + homeDir + " (not under temp)")
	}
}

func TestIsolation_HomeOverridden(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Contains(t, home, "iserv-e2e-")
}
