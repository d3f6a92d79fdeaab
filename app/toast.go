package app

import (
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
)

// ToastLevel determines the notification style and auto-dismiss duration.
type ToastLevel int

const (
	ToastInfo ToastLevel = iota
	ToastError
)

// Toast is a single transient notification: connection updates, mode
// switch failures, prompt errors.
type Toast struct {
	CreatedAt time.Time
	Message   string
	Duration  time.Duration
	Level     ToastLevel
}

// IsExpired reports whether the toast has outlived its duration.
func (t Toast) IsExpired(now time.Time) bool {
	return now.After(t.CreatedAt.Add(t.Duration))
}

// maxToasts caps the visible stack.
const maxToasts = 3

// ToastStack manages the transient notification stack.
type ToastStack struct {
	toasts []Toast
	width  int
}

// SetWidth sets the rendering width.
func (ts *ToastStack) SetWidth(w int) {
	ts.width = w
}

// Add pushes a notification, evicting the oldest beyond maxToasts.
func (ts *ToastStack) Add(message string, level ToastLevel) {
	duration := 4 * time.Second
	if level == ToastError {
		duration = 6 * time.Second
	}
	ts.toasts = append(ts.toasts, Toast{
		Message:   message,
		Level:     level,
		CreatedAt: time.Now(),
		Duration:  duration,
	})
	if len(ts.toasts) > maxToasts {
		ts.toasts = ts.toasts[len(ts.toasts)-maxToasts:]
	}
}

// Tick drops expired toasts, reporting whether anything changed.
func (ts *ToastStack) Tick(now time.Time) bool {
	var remaining []Toast
	changed := false
	for _, t := range ts.toasts {
		if t.IsExpired(now) {
			changed = true
		} else {
			remaining = append(remaining, t)
		}
	}
	ts.toasts = remaining
	return changed
}

// HasToasts reports whether any toasts are active.
func (ts *ToastStack) HasToasts() bool {
	return len(ts.toasts) > 0
}

// Height is the number of lines the toast area consumes.
func (ts *ToastStack) Height() int {
	return len(ts.toasts)
}

// View renders the active toasts stacked vertically.
func (ts *ToastStack) View() string {
	if len(ts.toasts) == 0 {
		return ""
	}
	var lines []string
	for _, t := range ts.toasts {
		style := toastInfoStyle
		icon := " i "
		if t.Level == ToastError {
			style = toastErrorStyle
			icon = " ! "
		}
		content := icon + t.Message
		if ts.width > 7 && runewidth.StringWidth(content) > ts.width-4 {
			content = runewidth.Truncate(content, ts.width-4, "…")
		}
		lines = append(lines, style.Width(ts.width).Render(content))
	}
	return strings.Join(lines, "\n")
}

var (
	toastInfoStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("17")).
			Foreground(lipgloss.Color("14")).
			Padding(0, 1)

	toastErrorStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("52")).
			Foreground(lipgloss.Color("9")).
			Padding(0, 1)
)
