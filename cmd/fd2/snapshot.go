package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/agenda-podcast/fd2/pkg/apply"
	"github.com/agenda-podcast/fd2/pkg/snapshot"
)

func (a *app) snapshotCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Make or restore FD_APP_SOURCE_V1 repository snapshots",
	}
	cmd.AddCommand(a.snapshotMakeCommand(), a.snapshotApplyCommand())
	return cmd
}

func (a *app) snapshotMakeCommand() *cobra.Command {
	var (
		root     string
		out      string
		maxBytes int64
	)
	cmd := &cobra.Command{
		Use:   "make",
		Short: "Render the text files under --root as one snapshot",
		Long: `make renders every text file under --root into a single snapshot. Without
--out the snapshot is stored under the root's snapshot directory; --out - prints it.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			opts := snapshot.Options{MaxFileBytes: maxBytes}
			switch out {
			case "":
				path, err := snapshot.Write(root, opts)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "%s snapshot stored at %s\n", styles.Success.Render("✅"), path)
				return nil
			case "-":
				text, err := snapshot.Make(root, opts)
				if err != nil {
					return err
				}
				fmt.Fprint(a.stdout, text)
				return nil
			default:
				text, err := snapshot.Make(root, opts)
				if err != nil {
					return err
				}
				if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
					return fmt.Errorf("failed to create output directory: %w", err)
				}
				if err := os.WriteFile(out, []byte(text), 0o644); err != nil {
					return fmt.Errorf("failed to write snapshot: %w", err)
				}
				fmt.Fprintf(a.stdout, "%s snapshot written to %s\n", styles.Success.Render("✅"), out)
				return nil
			}
		},
	}
	cmd.Flags().StringVar(&root, "root", ".", "directory to snapshot")
	cmd.Flags().StringVar(&out, "out", "", "output file, - for stdout")
	cmd.Flags().Int64Var(&maxBytes, "max-file-bytes", snapshot.DefaultMaxFileBytes, "skip files larger than this")
	return cmd
}

func (a *app) snapshotApplyCommand() *cobra.Command {
	var root string
	cmd := &cobra.Command{
		Use:   "apply FILE",
		Short: "Restore the files of a snapshot under --root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := a.readInput(args[0])
			if err != nil {
				return failWith(exitUsage, err)
			}
			m, err := snapshot.Parse(text)
			if err != nil {
				return failWith(exitFailure, err)
			}
			r, err := apply.OpenRoot(root)
			if err != nil {
				return failWith(exitUsage, err)
			}
			res, err := apply.Apply(cmd.Context(), m, r)
			if err != nil {
				return failWith(exitFailure, err)
			}
			a.printApplied("snapshot", res)
			return nil
		},
	}
	cmd.Flags().StringVar(&root, "root", ".", "directory to restore into")
	return cmd
}
