package main

import (
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/iserv-go/iserv/pkg/dav"
)

func newWhoamiCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Log in and show the account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}

			user := c.Session().Username()

			if a.json {
				return printJSON(a.stdout, map[string]string{"user": user, "server": a.opts.BaseURL})
			}

			fmt.Fprintf(a.stdout, "%s @ %s\n", user, a.opts.BaseURL)

			return nil
		},
	}
}

func newLsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ls [path]",
		Short: "List files and folders",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			remotePath := "/"
			if len(args) > 0 {
				remotePath = args[0]
			}

			c, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}

			items, err := c.Files().List(cmd.Context(), remotePath)
			if err != nil {
				return err
			}

			if a.json {
				return printJSON(a.stdout, toJSONItems(items))
			}

			printItemsTable(a, items)

			return nil
		},
	}
}

// jsonItem is the JSON output schema for one resource.
type jsonItem struct {
	Path       string `json:"path"`
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	Size       int64  `json:"size"`
	ModifiedAt string `json:"modified_at,omitempty"`
	ETag       string `json:"etag,omitempty"`
}

func toJSONItem(r *dav.Resource) jsonItem {
	item := jsonItem{
		Path: r.Path,
		Name: r.Name,
		Kind: r.Kind.String(),
		Size: r.Size,
		ETag: r.ETag,
	}

	if !r.ModifiedAt.IsZero() {
		item.ModifiedAt = r.ModifiedAt.UTC().Format(time.RFC3339)
	}

	return item
}

func toJSONItems(items []dav.Resource) []jsonItem {
	out := make([]jsonItem, 0, len(items))
	for i := range items {
		out = append(out, toJSONItem(&items[i]))
	}

	return out
}

func printItemsTable(a *app, items []dav.Resource) {
	// Folders first, then alphabetical.
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].IsDir() != items[j].IsDir() {
			return items[i].IsDir()
		}

		return items[i].Name < items[j].Name
	})

	rows := make([][]string, 0, len(items))

	for i := range items {
		name, size := items[i].Name, formatSize(items[i].Size)
		if items[i].IsDir() {
			name += "/"
			size = "-"
		}

		rows = append(rows, []string{name, size, formatTime(items[i].ModifiedAt)})
	}

	printTable(a.stdout, []string{"NAME", "SIZE", "MODIFIED"}, rows)
}

func newStatCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stat <path>",
		Short: "Show file or folder metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}

			r, err := c.Files().Info(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if a.json {
				return printJSON(a.stdout, toJSONItem(r))
			}

			printTable(a.stdout, []string{"FIELD", "VALUE"}, [][]string{
				{"path", r.Path},
				{"kind", r.Kind.String()},
				{"size", formatSize(r.Size)},
				{"modified", formatTime(r.ModifiedAt)},
				{"type", r.ContentType},
				{"etag", r.ETag},
			})

			return nil
		},
	}
}

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <remote-path> [local-path]",
		Short: "Download a file",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			remotePath := args[0]

			localArg := path.Base(remotePath)
			if len(args) > 1 {
				localArg = args[1]
			}

			local, err := a.localPath(localArg)
			if err != nil {
				return err
			}

			c, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}

			res, err := c.Download(interruptContext(cmd.Context(), a.opts.Logger), remotePath, local)
			if err != nil {
				return err
			}

			a.statusf("Downloaded %s (%s in %s)\n", local, formatSize(res.Size), res.Duration.Round(time.Millisecond))

			return nil
		},
	}
}

func newPutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "put <local-path> [remote-path]",
		Short: "Upload a file",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			local, err := a.localPath(args[0])
			if err != nil {
				return err
			}

			remotePath := "/" + path.Base(local)
			if len(args) > 1 {
				remotePath = args[1]
			}

			c, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}

			res, err := c.Upload(interruptContext(cmd.Context(), a.opts.Logger), remotePath, local)
			if err != nil {
				return err
			}

			a.statusf("Uploaded %s (%s)\n", remotePath, formatSize(res.Size))

			return nil
		},
	}
}

func newMkdirCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <path>",
		Short: "Create a folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}

			if err := c.Files().Mkdir(cmd.Context(), args[0]); err != nil {
				return err
			}

			a.statusf("Created %s\n", args[0])

			return nil
		},
	}
}

func newRmCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <path>",
		Short: "Delete a file or folder",
		Long: `Delete a file or folder. Folder deletion is recursive and permanent;
pass --recursive (-r) to confirm it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			recursive, err := cmd.Flags().GetBool("recursive")
			if err != nil {
				return err
			}

			c, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}

			r, err := c.Files().Info(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if r.IsDir() && !recursive {
				return fmt.Errorf("cannot delete folder %q without --recursive (-r)", args[0])
			}

			if err := c.Files().Delete(cmd.Context(), args[0]); err != nil {
				return err
			}

			a.statusf("Deleted %s\n", args[0])

			return nil
		},
	}

	cmd.Flags().BoolP("recursive", "r", false, "confirm recursive folder deletion")

	return cmd
}

func newMvCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mv <from> <to>",
		Short: "Move or rename a file or folder",
		Args:  cobra.ExactArgs(2), //nolint:mnd // source and destination
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}

			if err := c.Files().Move(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}

			a.statusf("Moved %s -> %s\n", args[0], args[1])

			return nil
		},
	}
}

func newCpCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cp <from> <to>",
		Short: "Copy a file or folder on the server",
		Args:  cobra.ExactArgs(2), //nolint:mnd // source and destination
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}

			if err := c.Files().Copy(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}

			a.statusf("Copied %s -> %s\n", args[0], args[1])

			return nil
		},
	}
}

func newPublishCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "publish <path>",
		Short: "Create a public link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}

			link, err := c.Files().Publish(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if a.json {
				return printJSON(a.stdout, map[string]string{"path": args[0], "url": link})
			}

			fmt.Fprintln(a.stdout, link)

			return nil
		},
	}
}

func newUnpublishCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unpublish <path>",
		Short: "Remove a public link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}

			if err := c.Files().Unpublish(cmd.Context(), args[0]); err != nil {
				return err
			}

			a.statusf("Unpublished %s\n", args[0])

			return nil
		},
	}
}

func newDfCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "df",
		Short: "Show available storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}

			free, err := c.Files().FreeSpace(cmd.Context())
			if err != nil {
				return err
			}

			if a.json {
				return printJSON(a.stdout, map[string]int64{"available_bytes": free})
			}

			fmt.Fprintf(a.stdout, "%s available\n", formatSize(free))

			return nil
		},
	}
}
