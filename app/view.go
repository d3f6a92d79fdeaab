package app

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/devitools/arandu/transcript"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

	userStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	thinkingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Italic(true)
	toolStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("178"))
	noticeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))

	statusStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("252")).
			Padding(0, 1)

	planPaneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1)
)

// View renders the active screen.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	switch m.screen {
	case screenChat:
		return m.viewChat()
	default:
		return m.viewPicker()
	}
}

func (m Model) viewPicker() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("arandu sessions"))
	b.WriteString("\n\n")

	if m.loadErr != "" {
		b.WriteString(errorStyle.Render("error: " + m.loadErr))
		b.WriteString("\n\n")
	}

	if len(m.records) == 0 {
		b.WriteString(dimStyle.Render("No sessions yet. Press n to start one."))
		b.WriteString("\n")
	}
	for i, rec := range m.records {
		line := fmt.Sprintf("%s  %s", rec.Name, dimStyle.Render(string(rec.Phase)))
		if i == m.cursor {
			line = selectedStyle.Render("> ") + line
		} else {
			line = "  " + line
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	if m.inputMode == inputNewSession {
		b.WriteString("\n")
		b.WriteString(m.input.View())
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(dimStyle.Render("enter open · n new · d delete · q quit"))

	if m.toasts.HasToasts() {
		b.WriteString("\n")
		b.WriteString(m.toasts.View())
	}
	return b.String()
}

func (m Model) viewChat() string {
	var b strings.Builder
	b.WriteString(m.statusLine())
	b.WriteString("\n")

	if m.planPane && m.planContent != "" {
		b.WriteString(m.renderPlanPane())
		b.WriteString("\n")
	} else {
		b.WriteString(m.chat.View())
		b.WriteString("\n")
	}

	b.WriteString(m.input.View())
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("enter send · ctrl+a approve · ctrl+r feedback · ctrl+p plan · ctrl+s phase · ctrl+x cancel · esc back"))

	if m.toasts.HasToasts() {
		b.WriteString("\n")
		b.WriteString(m.toasts.View())
	}
	return b.String()
}

// statusLine shows connection, phase, mode, and streaming state.
func (m Model) statusLine() string {
	var parts []string

	state := m.controller.ConnState()
	switch {
	case m.connecting || state.Connecting:
		parts = append(parts, m.spin.View()+"connecting")
	case state.Connected:
		parts = append(parts, "● connected")
	default:
		parts = append(parts, "○ disconnected (ctrl+g to reconnect)")
	}

	if initErr := m.controller.InitErr(); initErr != "" {
		parts = append(parts, errorStyle.Render("init failed"))
	}

	parts = append(parts, "phase: "+string(m.controller.Workflow.Phase()))
	if mode := m.controller.Transcript.CurrentMode(); mode != "" {
		parts = append(parts, "mode: "+mode)
	}
	if m.controller.Transcript.Streaming() {
		parts = append(parts, m.spin.View()+"streaming")
	}

	return statusStyle.Width(m.width).Render(strings.Join(parts, "  ·  "))
}

// renderTranscript formats the message log for the chat viewport.
func (m Model) renderTranscript() string {
	var b strings.Builder
	for _, msg := range m.controller.Transcript.Messages() {
		switch {
		case msg.Role == transcript.RoleUser:
			b.WriteString(userStyle.Render("you ") + msg.Content)
		case msg.Kind == transcript.KindThinking:
			b.WriteString(thinkingStyle.Render(msg.Content))
		case msg.Kind == transcript.KindTool:
			marker := "⋯"
			if msg.ToolStatus == transcript.ToolStatusCompleted {
				marker = "✓"
			}
			b.WriteString(toolStyle.Render(marker + " " + msg.Content))
		case msg.Kind == transcript.KindNotice:
			b.WriteString(noticeStyle.Render(msg.Content))
		default:
			b.WriteString(msg.Content)
		}
		b.WriteString("\n\n")
	}

	for _, e := range m.controller.Transcript.Errors() {
		b.WriteString(errorStyle.Render("✗ "+e) + "\n")
	}
	return b.String()
}

// renderPlanPane shows the plan markdown through the cached renderer,
// falling back to the raw text before the first window size arrives.
func (m Model) renderPlanPane() string {
	content := m.planContent
	if m.markdown != nil {
		content = m.markdown.Render(content)
	}
	return planPaneStyle.Width(max(20, m.width-4)).Render(content)
}
