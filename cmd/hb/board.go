package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/homeboard/homeboard/internal/board"
	"github.com/homeboard/homeboard/internal/docstore"
	"github.com/homeboard/homeboard/internal/model"
	"github.com/homeboard/homeboard/internal/ui"
)

var boardCmd = &cobra.Command{
	Use:     "board",
	Aliases: []string{"b"},
	GroupID: "features",
	Short:   "Shared todo and shopping boxes",
	Long: `Show and edit the shared board.

The board is a list of boxes. A box is either a plain todo list or a
shopping list whose items carry a count and a unit. Shopping items with a
count of 3 or less are flagged as low.

Examples:
  hb board                             # show every box
  hb board add-box --mode shopping
  hb board add <box> "eggs" --count 6 --unit pcs
  hb board status <box> <item> red
  hb board reorder <box> <item> <item> ...`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBoard(cmd, func(ctx context.Context, b *board.Board) error {
			boxes, err := b.Boxes(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.Board(boxes))
			return nil
		})
	},
}

var boardLowCmd = &cobra.Command{
	Use:   "low",
	Short: "List shopping items that are running low",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBoard(cmd, func(ctx context.Context, b *board.Board) error {
			boxes, err := b.Boxes(ctx)
			if err != nil {
				return err
			}
			low := board.LowItems(boxes)
			if len(low) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), ui.MutedStyle.Render("Nothing is running low."))
				return nil
			}
			for _, it := range low {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", it.Text, it.Count, it.Unit)
			}
			return nil
		})
	},
}

var boardAddBoxCmd = &cobra.Command{
	Use:   "add-box",
	Short: "Add a box at the top of the board",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		modeFlag, _ := cmd.Flags().GetString("mode")
		title, _ := cmd.Flags().GetString("title")
		mode, err := model.ParseMode(modeFlag)
		if err != nil {
			return err
		}
		return withBoard(cmd, func(ctx context.Context, b *board.Board) error {
			box, err := b.AddBox(ctx, mode)
			if err != nil {
				return err
			}
			if title != "" {
				if err := b.ChangeTitle(ctx, box.ID, title); err != nil {
					return err
				}
				box.Title = title
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added box %s (%s)\n", box.Title, box.ID)
			return nil
		})
	},
}

var boardRmBoxCmd = &cobra.Command{
	Use:   "rm-box BOX",
	Short: "Delete a box and its items",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBoard(cmd, func(ctx context.Context, b *board.Board) error {
			box, err := b.Box(ctx, args[0])
			if err != nil {
				return err
			}
			ok, err := confirm(fmt.Sprintf("Delete box %q with %d items?", box.Title, len(box.Items)))
			if err != nil || !ok {
				return err
			}
			if err := b.RemoveBox(ctx, box.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted box %s\n", box.Title)
			return nil
		})
	},
}

var boardTitleCmd = &cobra.Command{
	Use:   "title BOX TITLE",
	Short: "Rename a box",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBoard(cmd, func(ctx context.Context, b *board.Board) error {
			return b.ChangeTitle(ctx, args[0], args[1])
		})
	},
}

var boardMoveDownCmd = &cobra.Command{
	Use:   "mv-down BOX",
	Short: "Move a box one place down",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBoard(cmd, func(ctx context.Context, b *board.Board) error {
			return b.MoveBoxDown(ctx, args[0])
		})
	},
}

var boardMoveCmd = &cobra.Command{
	Use:   "mv BOX OVER",
	Short: "Move a box to the position of another",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBoard(cmd, func(ctx context.Context, b *board.Board) error {
			return b.ReorderBoxes(ctx, args[0], args[1])
		})
	},
}

var boardAddCmd = &cobra.Command{
	Use:   "add BOX TEXT",
	Short: "Add an item to a box",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		count, _ := cmd.Flags().GetString("count")
		unit, _ := cmd.Flags().GetString("unit")
		return withBoard(cmd, func(ctx context.Context, b *board.Board) error {
			it, err := b.AddItem(ctx, args[0], board.ItemInput{Text: args[1], Count: count, Unit: unit})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %s (%s)\n", it.Text, it.ID)
			return nil
		})
	},
}

var boardRmCmd = &cobra.Command{
	Use:   "rm BOX ITEM",
	Short: "Remove an item from a box",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBoard(cmd, func(ctx context.Context, b *board.Board) error {
			return b.RemoveItem(ctx, args[0], args[1])
		})
	},
}

var boardSetCmd = &cobra.Command{
	Use:   "set BOX ITEM FIELD VALUE",
	Short: "Change text, count, unit or status of an item",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBoard(cmd, func(ctx context.Context, b *board.Board) error {
			return b.ChangeItemField(ctx, args[0], args[1], args[2], args[3])
		})
	},
}

var boardStatusCmd = &cobra.Command{
	Use:   "status BOX ITEM none|blue|red",
	Short: "Flag an item",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBoard(cmd, func(ctx context.Context, b *board.Board) error {
			return b.ChangeItemField(ctx, args[0], args[1], board.FieldStatus, args[2])
		})
	},
}

var boardReorderCmd = &cobra.Command{
	Use:   "reorder BOX ITEM...",
	Short: "Order the items of a box; unlisted items go last",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBoard(cmd, func(ctx context.Context, b *board.Board) error {
			return b.ReorderItems(ctx, args[0], args[1:])
		})
	},
}

func withBoard(cmd *cobra.Command, fn func(ctx context.Context, b *board.Board) error) error {
	return withStore(cmd, func(ctx context.Context, store docstore.Store) error {
		return fn(ctx, board.New(store))
	})
}

func init() {
	boardAddBoxCmd.Flags().String("mode", "default", "Box mode: default or shopping")
	boardAddBoxCmd.Flags().String("title", "", "Box title (defaults by mode)")

	boardAddCmd.Flags().String("count", "", "Count (shopping boxes)")
	boardAddCmd.Flags().String("unit", "", "Unit (shopping boxes)")

	boardCmd.AddCommand(boardLowCmd, boardAddBoxCmd, boardRmBoxCmd, boardTitleCmd, boardMoveDownCmd,
		boardMoveCmd, boardAddCmd, boardRmCmd, boardSetCmd, boardStatusCmd, boardReorderCmd)
	rootCmd.AddCommand(boardCmd)
}
