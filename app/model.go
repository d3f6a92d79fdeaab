// Package app is the bubbletea TUI: a session picker, the chat view fed
// by the transcript, a glamour-rendered plan pane, and the plan workflow
// actions (approve, request changes, phase override).
package app

import (
	"context"
	"log/slog"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/devitools/arandu/config"
	"github.com/devitools/arandu/planfile"
	"github.com/devitools/arandu/planner"
	"github.com/devitools/arandu/session"
)

// screen selects which top-level view is active.
type screen int

const (
	screenPicker screen = iota
	screenChat
)

// inputMode selects what the textarea submits as.
type inputMode int

const (
	inputPrompt inputMode = iota
	// inputNewSession captures the initial prompt for a fresh session.
	inputNewSession
	// inputFeedback captures request-changes feedback.
	inputFeedback
)

// Messages.

type changedMsg struct{}

type connectDoneMsg struct{ err error }

type actionDoneMsg struct {
	action string
	err    error
}

type planContentMsg struct{ markdown string }

type sessionsLoadedMsg struct {
	records []*session.Record
	err     error
}

type toastTickMsg struct{}

// Model is the root TUI model.
type Model struct {
	ctx       context.Context
	cfg       *config.Config
	store     *session.Store
	connector session.Connector
	workspace string
	logger    *slog.Logger

	screen screen
	width  int
	height int

	// Picker state.
	records  []*session.Record
	cursor   int
	loadErr  string
	quitting bool

	// Chat state.
	controller  *session.Controller
	changeCh    chan struct{}
	planCh      chan string
	planWatcher *planfile.Watcher
	planPane    bool
	planContent string
	connecting  bool

	input     textarea.Model
	inputMode inputMode
	chat      viewport.Model
	spin      spinner.Model
	markdown  *planRenderer
	toasts    ToastStack
}

// Config bundles the dependencies the TUI needs.
type Config struct {
	Ctx       context.Context
	AppConfig *config.Config
	Store     *session.Store
	Connector session.Connector
	// Workspace is the directory the agent works in.
	Workspace string
	Logger    *slog.Logger
}

// NewModel creates the root model on the session picker screen.
func NewModel(cfg Config) Model {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	input := textarea.New()
	input.Placeholder = "Describe what you want to build…"
	input.CharLimit = 0
	input.SetHeight(3)
	input.ShowLineNumbers = false

	spin := spinner.New()
	spin.Spinner = spinner.Dot
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return Model{
		ctx:       cfg.Ctx,
		cfg:       cfg.AppConfig,
		store:     cfg.Store,
		connector: cfg.Connector,
		workspace: cfg.Workspace,
		logger:    logger,
		screen:    screenPicker,
		input:     input,
		spin:      spin,
		changeCh:  make(chan struct{}, 16),
		planCh:    make(chan string, 4),
	}
}

// Init loads the session list.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.loadSessionsCmd(), m.spin.Tick)
}

// loadSessionsCmd refreshes the picker from the store.
func (m Model) loadSessionsCmd() tea.Cmd {
	store, workspace := m.store, m.workspace
	return func() tea.Msg {
		records, err := store.List(workspace)
		return sessionsLoadedMsg{records: records, err: err}
	}
}

// waitForChange yields a changedMsg when the controller reports one.
func (m Model) waitForChange() tea.Cmd {
	ch := m.changeCh
	return func() tea.Msg {
		<-ch
		return changedMsg{}
	}
}

// waitForPlan yields plan file content when the watcher reports a change.
func (m Model) waitForPlan() tea.Cmd {
	ch := m.planCh
	return func() tea.Msg {
		return planContentMsg{markdown: <-ch}
	}
}

// openSession binds a controller to the selected record and connects.
func (m *Model) openSession(rec *session.Record) tea.Cmd {
	changeCh := m.changeCh
	m.controller = session.NewController(session.ControllerConfig{
		Record:    rec,
		Store:     m.store,
		Connector: m.connector,
		Logger:    m.logger,
		OnChange: func() {
			select {
			case changeCh <- struct{}{}:
			default:
			}
		},
	})
	m.screen = screenChat
	m.connecting = true
	m.inputMode = inputPrompt
	m.input.Reset()
	m.input.Placeholder = "Message the agent…"
	m.input.Focus()

	ctrl, ctx := m.controller, m.ctx
	connect := func() tea.Msg {
		return connectDoneMsg{err: ctrl.Connect(ctx)}
	}
	return tea.Batch(connect, m.waitForChange(), m.waitForPlan())
}

// watchPlan starts (or restarts) the plan file watcher.
func (m *Model) watchPlan(path string) {
	if m.planWatcher != nil {
		m.planWatcher.Close()
		m.planWatcher = nil
	}
	if path == "" {
		return
	}
	planCh := m.planCh
	w, err := planfile.Watch(path, func(md string) {
		select {
		case planCh <- md:
		default:
		}
	}, m.logger)
	if err != nil {
		m.logger.Warn("plan watch failed", "path", path, "error", err)
		return
	}
	m.planWatcher = w
	if md, ok, err := planfile.Read(path); err == nil && ok {
		m.planContent = md
	}
}

// closeSession tears down the chat screen state.
func (m *Model) closeSession() {
	if m.planWatcher != nil {
		m.planWatcher.Close()
		m.planWatcher = nil
	}
	if m.controller != nil {
		m.controller.Close()
		m.controller = nil
	}
	m.planPane = false
	m.planContent = ""
	m.screen = screenPicker
}

// nextPhase cycles the workflow phase override.
func nextPhase(p planner.Phase) planner.Phase {
	phases := planner.Phases()
	for i, candidate := range phases {
		if candidate == p {
			return phases[(i+1)%len(phases)]
		}
	}
	return planner.PhaseIdle
}
