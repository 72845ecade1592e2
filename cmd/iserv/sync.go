package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/iserv-go/iserv/pkg/sync"
)

func newPullCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pull <remote-dir> [local-dir]",
		Short: "Download everything missing locally",
		Long: `Copy every file and folder below remote-dir that does not exist below
local-dir. Existing local entries are never overwritten and nothing is
deleted. local-dir defaults to the configured local_root.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			localArg := "."
			if len(args) > 1 {
				localArg = args[1]
			}

			return a.runSync(cmd, sync.Pull, args[0], localArg)
		},
	}

	addSyncFlags(cmd)

	return cmd
}

func newPushCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push <local-dir> [remote-dir]",
		Short: "Upload everything missing remotely",
		Long: `Copy every file and folder below local-dir that does not exist below
remote-dir. Existing remote entries are never overwritten and nothing is
deleted. remote-dir defaults to the configured remote_root.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			remoteDir := "/"
			if len(args) > 1 {
				remoteDir = args[1]
			}

			return a.runSync(cmd, sync.Push, remoteDir, args[0])
		},
	}

	addSyncFlags(cmd)

	return cmd
}

func addSyncFlags(cmd *cobra.Command) {
	cmd.Flags().String("policy", "", "fail_fast or best_effort (default from config)")
	cmd.Flags().Bool("dry-run", false, "list what would be copied without copying")
}

// syncJSONOutput is the JSON output schema for pull and push.
type syncJSONOutput struct {
	Direction string           `json:"direction"`
	DryRun    bool             `json:"dry_run"`
	Synced    int              `json:"synced"`
	Dirs      int              `json:"dirs"`
	Files     int              `json:"files"`
	Bytes     int64            `json:"bytes"`
	Failed    []syncJSONFailed `json:"failed,omitempty"`
	Planned   []string         `json:"planned,omitempty"`
	Duration  string           `json:"duration,omitempty"`
}

type syncJSONFailed struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

func (a *app) runSync(cmd *cobra.Command, dir sync.Direction, remoteDir, localArg string) error {
	policyFlag, err := cmd.Flags().GetString("policy")
	if err != nil {
		return err
	}

	if policyFlag != "" {
		policy, err := sync.ParsePolicy(policyFlag)
		if err != nil {
			return err
		}

		a.opts.Policy = policy
	}

	dryRun, err := cmd.Flags().GetBool("dry-run")
	if err != nil {
		return err
	}

	localDir, err := a.localPath(localArg)
	if err != nil {
		return err
	}

	c, err := a.connect(cmd.Context())
	if err != nil {
		return err
	}

	ctx := interruptContext(cmd.Context(), a.opts.Logger)

	if dryRun {
		delta, err := c.Sync().Plan(ctx, dir, remoteDir, localDir)
		if err != nil {
			return err
		}

		return a.printPlan(dir, delta)
	}

	var report *sync.Report
	if dir == sync.Pull {
		report, err = c.Pull(ctx, remoteDir, localDir)
	} else {
		report, err = c.Push(ctx, remoteDir, localDir)
	}

	if report != nil {
		if perr := a.printReport(report); perr != nil {
			return perr
		}
	}

	if err != nil {
		return err
	}

	return report.Err()
}

func (a *app) printPlan(dir sync.Direction, delta sync.Delta) error {
	if a.json {
		out := syncJSONOutput{
			Direction: dir.String(),
			DryRun:    true,
			Dirs:      delta.Dirs(),
			Files:     delta.Files(),
			Bytes:     delta.Bytes(),
			Planned:   make([]string, 0, len(delta)),
		}

		for _, e := range delta {
			out.Planned = append(out.Planned, e.RelPath)
		}

		return printJSON(a.stdout, out)
	}

	for _, e := range delta {
		name := e.RelPath
		if e.IsDir() {
			name += "/"
		}

		fmt.Fprintln(a.stdout, name)
	}

	a.statusf("Would %s %d folders and %d files (%s)\n", dir, delta.Dirs(), delta.Files(), formatSize(delta.Bytes()))

	return nil
}

func (a *app) printReport(r *sync.Report) error {
	if a.json {
		out := syncJSONOutput{
			Direction: r.Direction.String(),
			Synced:    r.Synced,
			Dirs:      r.Dirs,
			Files:     r.Files,
			Bytes:     r.Bytes,
			Duration:  r.Duration.Round(time.Millisecond).String(),
		}

		for _, f := range r.Failed {
			out.Failed = append(out.Failed, syncJSONFailed{Path: f.RelPath, Error: f.Err.Error()})
		}

		return printJSON(a.stdout, out)
	}

	a.statusf("%s: %d folders, %d files, %s in %s\n",
		r.Direction, r.Dirs, r.Files, formatSize(r.Bytes), r.Duration.Round(time.Millisecond))

	for _, f := range r.Failed {
		a.statusf("  failed: %s: %v\n", f.RelPath, f.Err)
	}

	return nil
}

func newNotificationsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "Print the portal notification feed as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			readAll, err := cmd.Flags().GetBool("read-all")
			if err != nil {
				return err
			}

			c, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}

			raw, err := c.Session().Notifications(cmd.Context())
			if err != nil {
				return err
			}

			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("decoding notifications: %w", err)
			}

			if err := printJSON(a.stdout, v); err != nil {
				return err
			}

			if readAll {
				if _, err := c.Session().ReadAllNotifications(cmd.Context()); err != nil {
					return err
				}

				a.statusf("Marked all notifications as read\n")
			}

			return nil
		},
	}

	cmd.Flags().Bool("read-all", false, "mark all notifications as read afterwards")

	return cmd
}
