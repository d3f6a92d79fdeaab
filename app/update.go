package app

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

// Update routes messages to the active screen.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.toasts.SetWidth(msg.Width)
		m.input.SetWidth(msg.Width - 4)
		m.chat.Width = msg.Width
		m.chat.Height = max(3, msg.Height-m.input.Height()-4)
		paneWidth := max(20, msg.Width-8)
		if m.markdown == nil {
			if r, err := newPlanRenderer(m.cfg, paneWidth); err == nil {
				m.markdown = r
			}
		} else if err := m.markdown.Resize(paneWidth); err != nil {
			m.logger.Warn("plan renderer resize failed", "error", err)
		}
		return m, nil

	case toastTickMsg:
		m.toasts.Tick(time.Now())
		if m.toasts.HasToasts() {
			return m, toastTick()
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case sessionsLoadedMsg:
		if msg.err != nil {
			m.loadErr = msg.err.Error()
		} else {
			m.loadErr = ""
			m.records = msg.records
			if m.cursor >= len(m.records) {
				m.cursor = max(0, len(m.records)-1)
			}
		}
		return m, nil
	}

	switch m.screen {
	case screenChat:
		return m.updateChat(msg)
	default:
		return m.updatePicker(msg)
	}
}

func toastTick() tea.Cmd {
	return tea.Tick(time.Second, func(time.Time) tea.Msg {
		return toastTickMsg{}
	})
}

// updatePicker handles the session list screen.
func (m Model) updatePicker(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.inputMode == inputNewSession && m.input.Focused() {
			switch msg.Type {
			case tea.KeyEsc:
				m.input.Blur()
				m.input.Reset()
				m.inputMode = inputPrompt
				return m, nil
			case tea.KeyCtrlD:
				return m.createSession()
			default:
				var cmd tea.Cmd
				m.input, cmd = m.input.Update(msg)
				return m, cmd
			}
		}

		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.records)-1 {
				m.cursor++
			}
		case "n":
			m.inputMode = inputNewSession
			m.input.Reset()
			m.input.Placeholder = "Initial prompt for the new session (ctrl+d to create)"
			m.input.Focus()
		case "d":
			if m.cursor < len(m.records) {
				id := m.records[m.cursor].ID
				store := m.store
				return m, func() tea.Msg {
					if err := store.Delete(id); err != nil {
						return sessionsLoadedMsg{err: err}
					}
					records, err := store.List("")
					return sessionsLoadedMsg{records: records, err: err}
				}
			}
		case "enter":
			if m.cursor < len(m.records) {
				return m, m.openSession(m.records[m.cursor])
			}
		}
	}
	return m, nil
}

// createSession persists a new record and opens it.
func (m Model) createSession() (tea.Model, tea.Cmd) {
	prompt := m.input.Value()
	m.input.Blur()
	m.input.Reset()
	m.inputMode = inputPrompt
	if prompt == "" {
		return m, nil
	}

	name := prompt
	if len(name) > 48 {
		name = name[:48]
	}
	rec, err := m.store.Create(m.workspace, name, prompt)
	if err != nil {
		m.toasts.Add(fmt.Sprintf("create session: %v", err), ToastError)
		return m, toastTick()
	}
	return m, m.openSession(rec)
}

// updateChat handles the conversation screen.
func (m Model) updateChat(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case connectDoneMsg:
		m.connecting = false
		if msg.err != nil {
			m.toasts.Add(fmt.Sprintf("connect: %v", msg.err), ToastError)
			return m, toastTick()
		}
		m.watchPlan(m.controller.Workflow.PlanPath())
		m.refreshChat()
		return m, nil

	case changedMsg:
		if path := m.controller.Workflow.PlanPath(); path != "" && m.planWatcher == nil {
			m.watchPlan(path)
		}
		m.refreshChat()
		return m, m.waitForChange()

	case planContentMsg:
		m.planContent = msg.markdown
		return m, m.waitForPlan()

	case actionDoneMsg:
		if msg.err != nil {
			m.toasts.Add(fmt.Sprintf("%s: %v", msg.action, msg.err), ToastError)
			return m, toastTick()
		}
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.closeSession()
			m.quitting = true
			return m, tea.Quit
		case "esc":
			m.closeSession()
			return m, m.loadSessionsCmd()
		case "ctrl+p":
			m.planPane = !m.planPane
			return m, nil
		case "ctrl+a":
			return m, m.workflowCmd("approve", func() error {
				return m.controller.Workflow.ApprovePlan(m.ctx, m.planContent)
			})
		case "ctrl+r":
			if m.inputMode == inputFeedback {
				feedback := m.input.Value()
				m.input.Reset()
				m.inputMode = inputPrompt
				m.input.Placeholder = "Message the agent…"
				if feedback == "" {
					return m, nil
				}
				return m, m.workflowCmd("request changes", func() error {
					return m.controller.Workflow.RequestChanges(m.ctx, feedback)
				})
			}
			m.inputMode = inputFeedback
			m.input.Reset()
			m.input.Placeholder = "Feedback for the agent (ctrl+r again to send)"
			return m, nil
		case "ctrl+s":
			m.controller.Workflow.SetPhase(nextPhase(m.controller.Workflow.Phase()))
			return m, nil
		case "ctrl+x":
			return m, m.workflowCmd("cancel", m.controller.CancelTurn)
		case "ctrl+l":
			m.controller.Transcript.ClearErrors()
			m.refreshChat()
			return m, nil
		case "ctrl+g":
			// Manual reconnect, the recovery action for init errors.
			m.connecting = true
			ctrl, ctx := m.controller, m.ctx
			return m, func() tea.Msg {
				return connectDoneMsg{err: ctrl.Reconnect(ctx)}
			}
		case "enter":
			if m.inputMode == inputPrompt {
				text := m.input.Value()
				if text == "" {
					return m, nil
				}
				m.input.Reset()
				return m, m.workflowCmd("prompt", func() error {
					return m.controller.SendPrompt(m.ctx, text)
				})
			}
		}

		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.chat, cmd = m.chat.Update(msg)
	return m, cmd
}

// workflowCmd runs a session action off the update loop.
func (m Model) workflowCmd(action string, fn func() error) tea.Cmd {
	return func() tea.Msg {
		return actionDoneMsg{action: action, err: fn()}
	}
}

// refreshChat re-renders the transcript into the viewport and follows the
// tail.
func (m *Model) refreshChat() {
	m.chat.SetContent(m.renderTranscript())
	m.chat.GotoBottom()
}
