package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/homeboard/homeboard/internal/board"
	"github.com/homeboard/homeboard/internal/chore"
	"github.com/homeboard/homeboard/internal/docstore"
	"github.com/homeboard/homeboard/internal/haru"
	"github.com/homeboard/homeboard/internal/hotkey"
	"github.com/homeboard/homeboard/internal/model"
	"github.com/homeboard/homeboard/internal/routine"
	"github.com/homeboard/homeboard/internal/syncengine"
	"github.com/homeboard/homeboard/internal/ui"
)

// shellHelp is both the command help and the in-session "help" output.
const shellHelp = `Open a live session. Every list stays subscribed to the store, so
changes made by other clients show up as they happen, and edits are saved
after a short pause (or on "flush").

Undo (ctrl+z, cmd+z, ^Z or "undo") applies to the list used last; switch
with "use board|routine|haru".

Commands:
  use board|routine|haru   make a list the undo target and show it
  show                     show the current list
  add BOX TEXT             add an item to a board box
  check ID                 check a chore off, or take back today's check
  set DAY FIELD VALUE      edit the meal log
  undo                     undo on the current list
  flush                    save pending edits now
  quit`

var shellCmd = &cobra.Command{
	Use:     "shell",
	GroupID: "features",
	Short:   "Live session over the board, routines and meal log",
	Long:    shellHelp,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		calc, err := calculator()
		if err != nil {
			return err
		}
		return withStore(cmd, func(ctx context.Context, store docstore.Store) error {
			sh, err := openShell(ctx, store, calc, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer sh.close()
			return sh.run(ctx, os.Stdin)
		})
	},
}

type shell struct {
	out   io.Writer
	calc  chore.Calculator
	board *board.Board

	boxes    *syncengine.Engine[model.TodoBox]
	routines *syncengine.Engine[model.RoutineItem]
	days     *syncengine.Engine[model.HaruDay]
	log      *haru.Log

	keys    *hotkey.Dispatcher
	current string
	closers []func()
}

func openShell(ctx context.Context, store docstore.Store, calc chore.Calculator, out io.Writer) (*shell, error) {
	sh := &shell{
		out:   out,
		calc:  calc,
		board: board.New(store),
		keys:  hotkey.NewDispatcher(),
	}
	onConflict := func(err error) {
		fmt.Fprintln(sh.out, ui.Notice("Someone else changed this list first; your edit was dropped and their version loaded."))
	}

	var err error
	if sh.boxes, err = syncengine.Open(ctx, store, model.BoardRef, model.BoardField, []model.TodoBox{}, engineConfig(onConflict)); err != nil {
		return nil, err
	}
	sh.track("board", sh.boxes)

	if sh.routines, err = syncengine.Open(ctx, store, model.RoutineRef, model.RoutineField, []model.RoutineItem{}, engineConfig(onConflict)); err != nil {
		sh.close()
		return nil, err
	}
	sh.track("routine", sh.routines)

	if sh.days, err = syncengine.Open(ctx, store, model.HaruRef, model.HaruField, []model.HaruDay{}, engineConfig(onConflict)); err != nil {
		sh.close()
		return nil, err
	}
	sh.track("haru", sh.days)

	sh.log = haru.New(sh.days, calc, nil)
	if _, err := sh.log.Ensure(); err != nil {
		sh.close()
		return nil, err
	}
	sh.use("board")
	return sh, nil
}

// engine is the part of a sync engine the shell needs regardless of the
// record type.
type engine interface {
	hotkey.Undoer
	Flush(ctx context.Context) error
	Close() error
}

func (sh *shell) track(name string, e engine) {
	reg := sh.keys.Register(name, e)
	sh.closers = append(sh.closers, func() {
		reg.Unregister()
		_ = e.Flush(context.Background())
		_ = e.Close()
	})
}

func (sh *shell) close() {
	for i := len(sh.closers) - 1; i >= 0; i-- {
		sh.closers[i]()
	}
	sh.closers = nil
}

func (sh *shell) use(name string) bool {
	reg, ok := sh.keys.Lookup(name)
	if !ok {
		return false
	}
	reg.Activate()
	sh.current = name
	return true
}

func (sh *shell) run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(sh.out, sh.prompt())
	for scanner.Scan() {
		quit, err := sh.exec(ctx, scanner.Text())
		if err != nil {
			fmt.Fprintln(sh.out, ui.FailStyle.Render("Error:"), err)
		}
		if quit {
			return nil
		}
		fmt.Fprint(sh.out, sh.prompt())
	}
	return scanner.Err()
}

func (sh *shell) prompt() string {
	return ui.HeaderStyle.Render(sh.current) + "> "
}

// exec runs one input line and reports whether the session should end.
func (sh *shell) exec(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if len(line) == 1 && line[0] < 0x20 {
		return false, sh.key(ctx, hotkey.KeyFromByte(line[0]))
	}
	if k, err := hotkey.ParseKey(line); err == nil && k.IsUndo() {
		return false, sh.key(ctx, k)
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "quit", "exit", "q":
		return true, nil
	case "help":
		fmt.Fprintln(sh.out, shellHelp)
	case "use":
		if len(fields) != 2 || !sh.use(fields[1]) {
			return false, errors.New("usage: use board|routine|haru")
		}
		sh.show()
	case "show":
		sh.show()
	case "undo":
		return false, sh.key(ctx, hotkey.Key{Ctrl: true, Rune: 'z'})
	case "flush":
		for _, f := range []func(context.Context) error{sh.boxes.Flush, sh.routines.Flush, sh.days.Flush} {
			if err := f(ctx); err != nil {
				return false, err
			}
		}
	case "add":
		if len(fields) < 3 {
			return false, errors.New("usage: add BOX TEXT")
		}
		sh.use("board")
		it, err := sh.board.AddItem(ctx, fields[1], board.ItemInput{Text: strings.Join(fields[2:], " ")})
		if err != nil {
			return false, err
		}
		fmt.Fprintf(sh.out, "Added %s (%s)\n", it.Text, it.ID)
	case "check":
		if len(fields) != 2 {
			return false, errors.New("usage: check ID")
		}
		sh.use("routine")
		return false, sh.check(fields[1])
	case "set":
		if len(fields) < 4 {
			return false, errors.New("usage: set DAY FIELD VALUE")
		}
		sh.use("haru")
		key, err := dayKey(sh.calc, fields[1], time.Now())
		if err != nil {
			return false, err
		}
		if _, err := sh.log.Set(key, fields[2], strings.Join(fields[3:], " ")); err != nil {
			return false, err
		}
	default:
		return false, fmt.Errorf("unknown command %q (try help)", fields[0])
	}
	return false, nil
}

func (sh *shell) key(ctx context.Context, k hotkey.Key) error {
	handled, err := sh.keys.Dispatch(ctx, k)
	if err != nil {
		return err
	}
	if !handled {
		return fmt.Errorf("%s is not bound", k)
	}
	sh.show()
	return nil
}

func (sh *shell) check(id string) error {
	items := sh.routines.Items()
	for i := range items {
		if items[i].ID == id {
			items[i] = routine.ToggleItem(sh.calc, items[i], time.Now())
			if err := sh.routines.Update(items); err != nil {
				return err
			}
			fmt.Fprintf(sh.out, "%s last checked %s\n", items[i].Name, displayDate(items[i].LastChecked))
			return nil
		}
	}
	return fmt.Errorf("%w: %s", routine.ErrItemNotFound, id)
}

func (sh *shell) show() {
	switch sh.current {
	case "board":
		fmt.Fprintln(sh.out, ui.Board(sh.boxes.Items()))
	case "routine":
		fmt.Fprintln(sh.out, ui.Upcoming(routine.Upcoming(sh.calc, sh.routines.Items(), time.Now())))
	case "haru":
		fmt.Fprintln(sh.out, ui.Haru(sh.log.List(), sh.log.Highlight))
	}
}

func init() {
	rootCmd.AddCommand(shellCmd)
}
