package testutil

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LiveAccount holds the credentials of a real portal account used by the
// opt-in end-to-end tests.
type LiveAccount struct {
	BaseURL  string
	Username string
	Password string
	// Dir is the remote directory the tests may create and delete under.
	Dir string
}

// LoadDotEnv reads KEY=VALUE pairs from a .env file at the given path.
// Missing file is not an error (CI sets env vars directly).
// Existing env vars take precedence over .env values.
func LoadDotEnv(envPath string) {
	f, err := os.Open(envPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		value = strings.Trim(value, "\"'")

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// LiveAccountFromEnv returns the account configured by ISERV_E2E_BASE_URL,
// ISERV_E2E_USERNAME, ISERV_E2E_PASSWORD and ISERV_E2E_DIR (default
// "/iserv-go-e2e"). ok is false when the account is not configured.
func LiveAccountFromEnv() (LiveAccount, bool) {
	acct := LiveAccount{
		BaseURL:  os.Getenv("ISERV_E2E_BASE_URL"),
		Username: os.Getenv("ISERV_E2E_USERNAME"),
		Password: os.Getenv("ISERV_E2E_PASSWORD"),
		Dir:      os.Getenv("ISERV_E2E_DIR"),
	}

	if acct.Dir == "" {
		acct.Dir = "/iserv-go-e2e"
	}

	ok := acct.BaseURL != "" && acct.Username != "" && acct.Password != ""

	return acct, ok
}

// ValidateAllowlist crashes the process unless host is listed in
// ISERV_E2E_ALLOWED_HOSTS, so tests never write to an unintended portal.
func ValidateAllowlist(host string) {
	allowlist := os.Getenv("ISERV_E2E_ALLOWED_HOSTS")
	if allowlist == "" {
		fmt.Fprintln(os.Stderr, "FATAL: ISERV_E2E_ALLOWED_HOSTS not set")
		fmt.Fprintln(os.Stderr, "Example: ISERV_E2E_ALLOWED_HOSTS=test.schule.example")
		os.Exit(1)
	}

	for _, a := range strings.Split(allowlist, ",") {
		if strings.TrimSpace(a) == host {
			return
		}
	}

	fmt.Fprintf(os.Stderr, "FATAL: host %q is not in ISERV_E2E_ALLOWED_HOSTS=%q\n", host, allowlist)
	os.Exit(1)
}

// FindModuleRoot walks up from the current directory to find go.mod.
// Returns the fallback if the root is not found.
func FindModuleRoot(fallback string) string {
	dir, err := os.Getwd()
	if err != nil {
		return fallback
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return fallback
		}

		dir = parent
	}
}
