package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/homeboard/homeboard/internal/docstore"
	"github.com/homeboard/homeboard/internal/memo"
	"github.com/homeboard/homeboard/internal/ui"
)

var memoCmd = &cobra.Command{
	Use:     "memo",
	GroupID: "features",
	Short:   "Free-text memo pads",
	Long: `Read and write memo pads. Each pad is one document holding plain text.

Examples:
  hb memo ls
  hb memo get kitchen
  hb memo set kitchen "call the plumber"
  echo "groceries: milk" | hb memo set kitchen -`,
}

var memoLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List saved pads",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPads(cmd, func(ctx context.Context, pads *memo.Pads) error {
			names, err := pads.List(ctx)
			if err != nil {
				return err
			}
			if len(names) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), ui.MutedStyle.Render("No memo pads yet."))
				return nil
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		})
	},
}

var memoGetCmd = &cobra.Command{
	Use:   "get PAD",
	Short: "Print a pad",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPads(cmd, func(ctx context.Context, pads *memo.Pads) error {
			content, err := pads.Load(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), content)
			return nil
		})
	},
}

var memoSetCmd = &cobra.Command{
	Use:   "set PAD TEXT|-",
	Short: "Replace a pad; \"-\" reads the text from stdin",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		content := args[1]
		if content == "-" {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("failed to read stdin: %w", err)
			}
			content = strings.TrimRight(string(data), "\n")
		}
		return withPads(cmd, func(ctx context.Context, pads *memo.Pads) error {
			if err := pads.Save(ctx, args[0], content); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s\n", args[0])
			return nil
		})
	},
}

func withPads(cmd *cobra.Command, fn func(ctx context.Context, pads *memo.Pads) error) error {
	return withStore(cmd, func(ctx context.Context, store docstore.Store) error {
		return fn(ctx, memo.New(store))
	})
}

func init() {
	memoCmd.AddCommand(memoLsCmd, memoGetCmd, memoSetCmd)
	rootCmd.AddCommand(memoCmd)
}
