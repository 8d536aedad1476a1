package main

import (
	"errors"
	"os"

	"github.com/charmbracelet/huh"

	"github.com/homeboard/homeboard/internal/ui"
)

var errNeedTerminal = errors.New("confirmation needs a terminal; pass --yes to skip it")

// confirm asks a yes/no question. --yes answers for the user; without a
// terminal and without --yes the answer is an error.
func confirm(title string) (bool, error) {
	if assumeYes {
		return true, nil
	}
	if !ui.IsTerminal(os.Stdin) {
		return false, errNeedTerminal
	}
	var ok bool
	err := huh.NewConfirm().
		Title(title).
		Affirmative("Yes").
		Negative("No").
		Value(&ok).
		Run()
	if err != nil {
		return false, err
	}
	return ok, nil
}
