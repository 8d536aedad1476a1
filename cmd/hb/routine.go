package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/homeboard/homeboard/internal/docstore"
	"github.com/homeboard/homeboard/internal/model"
	"github.com/homeboard/homeboard/internal/routine"
	"github.com/homeboard/homeboard/internal/ui"
)

var routineCmd = &cobra.Command{
	Use:     "routine",
	Aliases: []string{"r"},
	GroupID: "features",
	Short:   "Recurring chores and when they are due",
	Long: `Show and edit recurring chores.

Without a subcommand, lists the chores that are due within the next few
days, split into daily and periodic ones.

Examples:
  hb routine                          # upcoming chores
  hb routine ls --sort cycle          # every item, by cycle
  hb routine add "Water filter" --cycle 90 --category kitchen
  hb routine check <id>               # done now
  hb routine check <id> --at yesterday
  hb routine toggle <id>              # check off, or undo today's check`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRoutine(cmd, func(ctx context.Context, svc *routine.Service) error {
			view, err := svc.Upcoming(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.Upcoming(view))
			return nil
		})
	},
}

var routineLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List every routine item",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sortFlag, _ := cmd.Flags().GetString("sort")
		desc, _ := cmd.Flags().GetBool("desc")
		key, err := routine.ParseSortKey(sortFlag)
		if err != nil {
			return err
		}
		return withRoutine(cmd, func(ctx context.Context, svc *routine.Service) error {
			items, err := svc.List(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.Routines(routine.Sort(items, key, !desc)))
			return nil
		})
	},
}

var routineAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Add a routine item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cycle, _ := cmd.Flags().GetInt("cycle")
		category, _ := cmd.Flags().GetString("category")
		memo, _ := cmd.Flags().GetString("memo")
		last, _ := cmd.Flags().GetString("last")

		item := model.RoutineItem{Name: args[0], Cycle: cycle, Category: category, Memo: memo}
		if last != "" {
			v, err := dateValue(last, time.Now())
			if err != nil {
				return err
			}
			item.LastChecked = v
		}
		return withRoutine(cmd, func(ctx context.Context, svc *routine.Service) error {
			saved, err := svc.Upsert(ctx, item)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %s (%s)\n", saved.Name, saved.ID)
			return nil
		})
	},
}

var routineCheckCmd = &cobra.Command{
	Use:   "check ID",
	Short: "Record a chore as done",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		at, _ := cmd.Flags().GetString("at")
		return withRoutine(cmd, func(ctx context.Context, svc *routine.Service) error {
			value, err := dateValue(at, time.Now())
			if err != nil {
				return err
			}
			it, err := svc.SetDate(ctx, args[0], "lastChecked", value)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Checked %s at %s\n", it.Name, it.LastChecked)
			return nil
		})
	},
}

var routineToggleCmd = &cobra.Command{
	Use:   "toggle ID",
	Short: "Check a chore off now, or take back today's check",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRoutine(cmd, func(ctx context.Context, svc *routine.Service) error {
			// The baseline must be current before a toggle can restore it.
			if _, err := svc.RefreshBaselines(ctx, time.Now()); err != nil {
				return err
			}
			it, err := svc.Toggle(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s last checked %s\n", it.Name, displayDate(it.LastChecked))
			return nil
		})
	},
}

var routineRmCmd = &cobra.Command{
	Use:   "rm ID",
	Short: "Delete a routine item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRoutine(cmd, func(ctx context.Context, svc *routine.Service) error {
			it, err := svc.Get(ctx, args[0])
			if err != nil {
				return err
			}
			ok, err := confirm(fmt.Sprintf("Delete %q?", it.Name))
			if err != nil || !ok {
				return err
			}
			if err := svc.Delete(ctx, it.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", it.Name)
			return nil
		})
	},
}

func withRoutine(cmd *cobra.Command, fn func(ctx context.Context, svc *routine.Service) error) error {
	calc, err := calculator()
	if err != nil {
		return err
	}
	return withStore(cmd, func(ctx context.Context, store docstore.Store) error {
		return fn(ctx, routine.New(store, calc, nil))
	})
}

func displayDate(s string) string {
	if s == "" {
		return "never"
	}
	return s
}

func init() {
	routineLsCmd.Flags().String("sort", "", "Sort by category, name, lastChecked, lastReplaced, cycle or memo")
	routineLsCmd.Flags().Bool("desc", false, "Sort descending")

	routineAddCmd.Flags().Int("cycle", 0, "Days between repeats (1 is daily)")
	routineAddCmd.Flags().String("category", "", "Category")
	routineAddCmd.Flags().String("memo", "", "Free-form note")
	routineAddCmd.Flags().String("last", "", "When it was last done (YYYY-MM-DD or e.g. \"3 days ago\")")

	routineCheckCmd.Flags().String("at", "now", "When it was done (YYYY-MM-DD, RFC3339 or e.g. \"yesterday 9pm\")")

	routineCmd.AddCommand(routineLsCmd, routineAddCmd, routineCheckCmd, routineToggleCmd, routineRmCmd)
	rootCmd.AddCommand(routineCmd)
}
