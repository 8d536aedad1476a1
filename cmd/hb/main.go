package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/homeboard/homeboard/internal/config"
	"github.com/homeboard/homeboard/internal/logging"
	"github.com/homeboard/homeboard/internal/ui"
)

// Version is set at build time.
var Version = "dev"

var (
	configPath string
	driverFlag string
	assumeYes  bool

	cfg  *config.Config
	logs = logging.Discard()
)

// skipConfig marks commands that must run without a valid config.
const skipConfig = "skip-config"

var rootCmd = &cobra.Command{
	Use:   "hb",
	Short: "homeboard - shared household board, routines, meals and memos",
	Long: `homeboard keeps a household's shared lists in one document store:
a todo and shopping board, recurring chores, a daily meal log and memo pads.

Run "hb serve" on one machine and point the other clients at it with
store.driver = "remote", or use a local sqlite or file store directly.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Annotations[skipConfig] == "true" {
			return nil
		}
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if driverFlag != "" {
			loaded.Store.Driver = driverFlag
			if err := loaded.Validate(); err != nil {
				return err
			}
		}
		cfg = loaded

		logs.Close()
		logs = logging.New(cfg.Log, os.Stderr)
		ui.Init(os.Stdout)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logs.Close()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.homeboard/config.toml)")
	rootCmd.PersistentFlags().StringVar(&driverFlag, "store", "", "Override store.driver (memory, sqlite, file, postgres, remote)")
	rootCmd.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false, "Answer yes to confirmation prompts")

	rootCmd.AddGroup(
		&cobra.Group{ID: "features", Title: "Household:"},
		&cobra.Group{ID: "server", Title: "Server:"},
		&cobra.Group{ID: "data", Title: "Data:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
