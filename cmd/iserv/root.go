package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"

	"github.com/iserv-go/iserv"
	"github.com/iserv-go/iserv/internal/config"
	"github.com/iserv-go/iserv/internal/logging"
)

// version is set at build time via ldflags.
var version = "dev"

// app carries the resolved options and the lazily created client through
// one command invocation.
type app struct {
	configPath string
	json       bool
	verbose    bool
	quiet      bool

	opts   iserv.Options
	client *iserv.Client
	stdout io.Writer
	stderr io.Writer
}

// run executes one command line and releases the client afterwards, also
// when the command failed.
func run(args []string, stdout, stderr io.Writer) error {
	a := &app{}

	cmd := newRootCmd(a)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := cmd.ExecuteContext(ctx)

	return errors.Join(err, a.close())
}

// newRootCmd builds the fully-assembled root command.
func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "iserv",
		Short:   "IServ portal client",
		Long:    "Access the files of an IServ school portal over WebDAV and mirror folders one way.",
		Version: version,
		// Errors are printed by main.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&a.configPath, "config", "", "config file path (default $ISERV_CONFIG or the platform config dir)")
	cmd.PersistentFlags().BoolVar(&a.json, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&a.quiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(
		newWhoamiCmd(a),
		newLsCmd(a),
		newStatCmd(a),
		newGetCmd(a),
		newPutCmd(a),
		newMkdirCmd(a),
		newRmCmd(a),
		newMvCmd(a),
		newCpCmd(a),
		newPublishCmd(a),
		newUnpublishCmd(a),
		newDfCmd(a),
		newPullCmd(a),
		newPushCmd(a),
		newNotificationsCmd(a),
	)

	return cmd
}

// load resolves the options; verbose and quiet override the configured
// log level.
func (a *app) load(cmd *cobra.Command) error {
	a.stdout = cmd.OutOrStdout()
	a.stderr = cmd.ErrOrStderr()

	opts, err := iserv.LoadOptions(a.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// The flags send logs to stderr instead of a configured log file.
	if a.verbose || a.quiet {
		if err := opts.Close(); err != nil {
			return fmt.Errorf("closing log file: %w", err)
		}
	}

	switch {
	case a.verbose:
		opts.Logger = logging.New(config.LoggingConfig{LogLevel: "debug", LogFormat: "auto"}, a.stderr)
	case a.quiet:
		opts.Logger = logging.New(config.LoggingConfig{LogLevel: "error", LogFormat: "auto"}, a.stderr)
	}

	// Local paths on the command line are resolved to absolute paths, so
	// the local filesystem is rooted at "/".
	opts.LocalFS = osfs.New("/")
	a.opts = opts

	return nil
}

// connect logs in on first use.
func (a *app) connect(ctx context.Context) (*iserv.Client, error) {
	if a.client != nil {
		return a.client, nil
	}

	if a.opts.BaseURL == "" {
		return nil, fmt.Errorf("no server configured: set [server] base_url or %s", config.EnvBaseURL)
	}

	if a.opts.Password == "" {
		return nil, fmt.Errorf("no password: set %s", config.EnvPassword)
	}

	c, err := iserv.Login(ctx, a.opts)
	if err != nil {
		return nil, err
	}

	a.client = c

	return c, nil
}

// close releases the client, or only the log file when no login happened.
func (a *app) close() error {
	if a.client == nil {
		return a.opts.Close()
	}

	err := a.client.Close()
	a.client = nil

	return err
}

// localPath resolves a command-line path against the configured local
// root and returns it absolute.
func (a *app) localPath(p string) (string, error) {
	if !filepath.IsAbs(p) {
		p = filepath.Join(a.opts.LocalRoot, p)
	}

	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", p, err)
	}

	return filepath.ToSlash(abs), nil
}
