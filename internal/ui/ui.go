// Package ui renders feature data for the terminal.
package ui

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/homeboard/homeboard/internal/haru"
	"github.com/homeboard/homeboard/internal/model"
	"github.com/homeboard/homeboard/internal/routine"
)

// Adaptive color pairs (dark terminal value, light terminal value).
var (
	ColorBlue   = lipgloss.AdaptiveColor{Dark: "#5B9BD5", Light: "#2B6CB0"}
	ColorGreen  = lipgloss.AdaptiveColor{Dark: "#6BCB77", Light: "#2F855A"}
	ColorYellow = lipgloss.AdaptiveColor{Dark: "#FFD93D", Light: "#B7791F"}
	ColorRed    = lipgloss.AdaptiveColor{Dark: "#FF6B6B", Light: "#C53030"}
	ColorGray   = lipgloss.AdaptiveColor{Dark: "#868E96", Light: "#718096"}
)

var (
	HeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorBlue)
	MutedStyle  = lipgloss.NewStyle().Foreground(ColorGray)
	PassStyle   = lipgloss.NewStyle().Foreground(ColorGreen)
	WarnStyle   = lipgloss.NewStyle().Foreground(ColorYellow)
	FailStyle   = lipgloss.NewStyle().Foreground(ColorRed).Bold(true)
	BoxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(ColorGray).Padding(0, 1)
)

// Init picks the color profile for out: plain text when out is not a
// terminal or NO_COLOR is set.
func Init(out *os.File) {
	if os.Getenv("NO_COLOR") != "" || !IsTerminal(out) {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	lipgloss.SetColorProfile(termenv.NewOutput(out).EnvColorProfile())
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return f != nil && term.IsTerminal(int(f.Fd()))
}

// Width returns the terminal width of f, or 80.
func Width(f *os.File) int {
	if f != nil {
		if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 0 {
			return w
		}
	}
	return 80
}

func statusMark(s model.TodoStatus) string {
	switch s {
	case model.StatusBlue:
		return lipgloss.NewStyle().Foreground(ColorBlue).Render("●")
	case model.StatusRed:
		return lipgloss.NewStyle().Foreground(ColorRed).Render("●")
	default:
		return MutedStyle.Render("○")
	}
}

// Board renders every box with its items. Ids are shown so they can be
// passed back to board commands.
func Board(boxes []model.TodoBox) string {
	if len(boxes) == 0 {
		return MutedStyle.Render("No boxes yet.")
	}
	blocks := make([]string, 0, len(boxes))
	for _, box := range boxes {
		var b strings.Builder
		title := box.Title
		if box.Mode == model.ModeShopping {
			title += " " + MutedStyle.Render("[shopping]")
		}
		fmt.Fprintf(&b, "%s %s\n", HeaderStyle.Render(title), MutedStyle.Render(box.ID))
		if len(box.Items) == 0 {
			b.WriteString(MutedStyle.Render("  (empty)"))
		}
		for i, it := range box.Items {
			if i > 0 {
				b.WriteString("\n")
			}
			line := fmt.Sprintf("%s %s", statusMark(it.Status), it.Text)
			if it.Count != "" || it.Unit != "" {
				qty := strings.TrimSpace(it.Count + " " + it.Unit)
				if box.LowCount(it) {
					qty = WarnStyle.Render(qty + " low")
				}
				line += " " + qty
			}
			fmt.Fprintf(&b, "  %s %s", line, MutedStyle.Render(it.ID))
		}
		blocks = append(blocks, BoxStyle.Render(b.String()))
	}
	return strings.Join(blocks, "\n")
}

// remaining describes a remaining-days value.
func remaining(n int) string {
	switch {
	case n > 0:
		return FailStyle.Render(fmt.Sprintf("%dd overdue", n))
	case n == 0:
		return WarnStyle.Render("due today")
	default:
		return PassStyle.Render(fmt.Sprintf("in %dd", -n))
	}
}

// Upcoming renders the daily and periodic sections.
func Upcoming(v routine.View) string {
	var b strings.Builder
	section := func(title string, entries []routine.Entry) {
		b.WriteString(HeaderStyle.Render(title) + "\n")
		if len(entries) == 0 {
			b.WriteString(MutedStyle.Render("  nothing upcoming") + "\n")
			return
		}
		for _, e := range entries {
			fmt.Fprintf(&b, "  %-24s %s\n", e.Name, remaining(e.Remaining))
		}
	}
	section("Daily", v.Daily)
	section("Periodic", v.Periodic)
	return strings.TrimRight(b.String(), "\n")
}

// Routines renders the full routine table.
func Routines(items []model.RoutineItem) string {
	if len(items) == 0 {
		return MutedStyle.Render("No routine items.")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", HeaderStyle.Render(fmt.Sprintf("%-12s %-24s %-6s %-25s %-12s %s",
		"CATEGORY", "NAME", "CYCLE", "LAST CHECKED", "REPLACED", "ID")))
	for _, it := range items {
		fmt.Fprintf(&b, "%-12s %-24s %-6d %-25s %-12s %s\n",
			it.Category, it.Name, it.Cycle, it.LastChecked, it.LastReplaced, MutedStyle.Render(it.ID))
		if it.Memo != "" {
			fmt.Fprintf(&b, "  %s\n", MutedStyle.Render(it.Memo))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// Haru renders the day log. highlight returns "today", "tomorrow" or "".
func Haru(days []model.HaruDay, highlight func(key string) string) string {
	var b strings.Builder
	for _, d := range days {
		label := haru.Label(d.Key)
		switch role := highlight(d.Key); role {
		case "today":
			label = PassStyle.Bold(true).Render(label + " today")
		case "tomorrow":
			label = WarnStyle.Render(label + " tomorrow")
		default:
			label = HeaderStyle.Render(label)
		}
		fmt.Fprintf(&b, "%s %s\n", label, MutedStyle.Render(d.Key))
		for _, f := range model.HaruFields {
			v, _ := d.Get(f)
			if v == "" {
				continue
			}
			fmt.Fprintf(&b, "  %-9s %s\n", f, v)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// Notice renders a blocking message such as a conflict warning.
func Notice(msg string) string {
	return BoxStyle.BorderForeground(ColorRed).Render(FailStyle.Render("!") + " " + msg)
}
