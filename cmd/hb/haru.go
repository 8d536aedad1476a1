package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/homeboard/homeboard/internal/chore"
	"github.com/homeboard/homeboard/internal/docstore"
	"github.com/homeboard/homeboard/internal/haru"
	"github.com/homeboard/homeboard/internal/model"
	"github.com/homeboard/homeboard/internal/syncengine"
	"github.com/homeboard/homeboard/internal/ui"
)

var haruCmd = &cobra.Command{
	Use:     "haru",
	GroupID: "features",
	Short:   "Daily meal and memo log",
	Long: `Show and edit the log of meals and notes for tomorrow, today and the
five days before. Days start at the chore boundary hour, so shortly after
midnight "today" is still the previous day.

Fields: ` + strings.Join(model.HaruFields, ", ") + `

Examples:
  hb haru
  hb haru set today dinner "kimchi stew"
  hb haru set tomorrow lunch "leftovers"
  hb haru set 2024-05-01 memo "dentist"`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withHaru(cmd, func(ctx context.Context, lg *haru.Log, _ chore.Calculator) error {
			fmt.Fprintln(cmd.OutOrStdout(), ui.Haru(lg.List(), lg.Highlight))
			return nil
		})
	},
}

var haruSetCmd = &cobra.Command{
	Use:   "set DAY FIELD VALUE",
	Short: "Set one field of a day",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withHaru(cmd, func(ctx context.Context, lg *haru.Log, calc chore.Calculator) error {
			key, err := dayKey(calc, args[0], time.Now())
			if err != nil {
				return err
			}
			changed, err := lg.Set(key, args[1], args[2])
			if err != nil {
				return err
			}
			if !changed {
				fmt.Fprintln(cmd.OutOrStdout(), ui.MutedStyle.Render("No change."))
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s %s\n", haru.Label(key), args[1])
			return nil
		})
	},
}

// withHaru runs fn against a synced day list. Missing days are added
// first, and every edit is flushed before returning.
func withHaru(cmd *cobra.Command, fn func(ctx context.Context, lg *haru.Log, calc chore.Calculator) error) error {
	calc, err := calculator()
	if err != nil {
		return err
	}
	return withStore(cmd, func(ctx context.Context, store docstore.Store) error {
		eng, err := syncengine.Open(ctx, store, model.HaruRef, model.HaruField, []model.HaruDay{}, engineConfig(nil))
		if err != nil {
			return err
		}
		defer eng.Close()

		lg := haru.New(eng, calc, nil)
		if _, err := lg.Ensure(); err != nil {
			return err
		}
		if err := fn(ctx, lg, calc); err != nil {
			return err
		}
		return eng.Flush(ctx)
	})
}

func init() {
	haruCmd.AddCommand(haruSetCmd)
	rootCmd.AddCommand(haruCmd)
}
