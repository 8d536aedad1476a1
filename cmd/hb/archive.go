package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/homeboard/homeboard/internal/archive"
	"github.com/homeboard/homeboard/internal/docstore"
)

var exportCmd = &cobra.Command{
	Use:     "export [FILE]",
	GroupID: "data",
	Short:   "Export every feature document",
	Long: `Write the board, routines, meal log and memo pads to a YAML or JSON
file (by extension). Without FILE the archive is printed as YAML.

Examples:
  hb export backup.yaml
  hb export backup.json
  hb export --store file > snapshot.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, store docstore.Store) error {
			a, err := archive.Export(ctx, store, nil)
			if err != nil {
				return err
			}
			if len(args) == 0 {
				return archive.Encode(cmd.OutOrStdout(), a, archive.FormatYAML)
			}
			if err := archive.WriteFile(args[0], a); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d documents to %s\n", len(a.Documents), args[0])
			return nil
		})
	},
}

var importCmd = &cobra.Command{
	Use:     "import FILE",
	GroupID: "data",
	Short:   "Import documents from an export file",
	Long: `Write every document of an export file into the configured store.
Existing documents are replaced unless --merge is given.

Examples:
  hb import backup.yaml --dry-run
  hb import backup.yaml
  hb import backup.json --merge --yes`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		merge, _ := cmd.Flags().GetBool("merge")

		a, err := archive.ReadFile(args[0])
		if err != nil {
			return err
		}
		if !dryRun {
			ok, err := confirm(fmt.Sprintf("Overwrite %d documents in the %s store?", len(a.Documents), cfg.Store.Driver))
			if err != nil || !ok {
				return err
			}
		}
		return withStore(cmd, func(ctx context.Context, store docstore.Store) error {
			res, err := archive.Import(ctx, store, a, archive.ImportOptions{DryRun: dryRun, Merge: merge})
			if err != nil {
				return err
			}
			for _, e := range res.Errors {
				fmt.Fprintf(os.Stderr, "Warning: %s\n", e)
			}
			if dryRun {
				fmt.Fprintf(cmd.OutOrStdout(), "Would import %d documents\n", len(a.Documents)-len(res.Errors))
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d documents, skipped %d\n", res.Written, res.Skipped)
			return nil
		})
	},
}

func init() {
	importCmd.Flags().Bool("dry-run", false, "Validate the file without writing")
	importCmd.Flags().Bool("merge", false, "Merge fields into existing documents")

	rootCmd.AddCommand(exportCmd, importCmd)
}
