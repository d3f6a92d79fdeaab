package planner

import (
	"context"
	"log/slog"
	"sync"
)

// Prompt framing sent to the agent at each workflow action. The agent sees
// these verbatim, so the wording is part of the contract with it.
const (
	approvedPrompt = "The plan has been approved. Please proceed with execution."

	reviewedPromptPrefix = "The plan has been reviewed. Here is the feedback:\n\n"
	reviewedPromptSuffix = "\n\nPlease proceed with executing the plan, incorporating the feedback above."

	reviseFeedbackPrefix = "Please revise the plan based on this feedback:\n\n"
)

// SessionDriver is the slice of the live session the workflow drives. The
// session controller implements it; tests use a recorder.
type SessionDriver interface {
	SendPrompt(ctx context.Context, text string) error
	SetMode(ctx context.Context, modeID string) error
	AvailableModes() []string
	ActiveSessionID() string
}

// Store persists workflow state onto the local session record.
type Store interface {
	UpdatePhase(id string, phase Phase) error
	UpdatePlanPath(id, path string) error
	DefaultPlanPath(id string) (string, error)
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithLogger attaches a logger. Nil is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(w *Workflow) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithOnPhaseChange registers a callback invoked (outside the lock) after
// every phase change, including SetPhase overrides.
func WithOnPhaseChange(fn func(Phase)) Option {
	return func(w *Workflow) { w.onPhaseChange = fn }
}

// WithOnPlanPathChange registers a callback for plan file path changes.
func WithOnPlanPathChange(fn func(string)) Option {
	return func(w *Workflow) { w.onPlanPath = fn }
}

// Workflow is the plan workflow state machine for one local session. It
// favors reflecting user intent immediately over strict atomicity: a phase
// advances (and persists) before the prompt send, and a failed send does
// not roll it back. Mode switches are best-effort throughout and never
// block phase progression.
type Workflow struct {
	recordID string
	driver   SessionDriver
	store    Store
	logger   *slog.Logger

	onPhaseChange func(Phase)
	onPlanPath    func(string)

	mu              sync.Mutex
	phase           Phase
	planPath        string
	remoteSessionID string
}

// NewWorkflow creates a workflow for the local session record recordID,
// starting from the persisted phase and plan path.
func NewWorkflow(recordID string, phase Phase, planPath string, driver SessionDriver, store Store, opts ...Option) *Workflow {
	if phase == "" {
		phase = PhaseIdle
	}
	w := &Workflow{
		recordID: recordID,
		driver:   driver,
		store:    store,
		logger:   slog.New(slog.DiscardHandler),
		phase:    phase,
		planPath: planPath,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Phase returns the current phase.
func (w *Workflow) Phase() Phase {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.phase
}

// PlanPath returns the current plan file path, "" if unknown.
func (w *Workflow) PlanPath() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.planPath
}

// SetRemoteSessionID records the remote session id once the transport has
// minted or resumed one.
func (w *Workflow) SetRemoteSessionID(id string) {
	w.mu.Lock()
	w.remoteSessionID = id
	w.mu.Unlock()
}

// StartPlanning switches the session into a plan mode (best-effort),
// advances to planning, and sends the initial prompt. Side effects run in
// exactly that order.
func (w *Workflow) StartPlanning(ctx context.Context, remoteSessionID, prompt string) error {
	w.mu.Lock()
	if remoteSessionID != "" {
		w.remoteSessionID = remoteSessionID
	}
	w.mu.Unlock()

	w.switchMode(ctx, "plan")
	w.setPhase(PhasePlanning)
	return w.driver.SendPrompt(ctx, prompt)
}

// ApprovePlan switches the session into an agent mode (best-effort),
// advances to executing, and sends the approval prompt. reviewMarkdown, if
// non-empty, is embedded verbatim. No-op without a known session.
func (w *Workflow) ApprovePlan(ctx context.Context, reviewMarkdown string) error {
	w.mu.Lock()
	known := w.remoteSessionID != ""
	w.mu.Unlock()
	if !known && w.driver.ActiveSessionID() == "" {
		w.logger.Debug("approve skipped, no session")
		return nil
	}

	w.switchMode(ctx, "agent")
	w.setPhase(PhaseExecuting)

	prompt := approvedPrompt
	if reviewMarkdown != "" {
		prompt = reviewedPromptPrefix + reviewMarkdown + reviewedPromptSuffix
	}
	return w.driver.SendPrompt(ctx, prompt)
}

// RequestChanges returns to planning and asks the agent to revise, with
// the feedback embedded verbatim. No mode switch.
func (w *Workflow) RequestChanges(ctx context.Context, feedback string) error {
	w.setPhase(PhasePlanning)
	return w.driver.SendPrompt(ctx, reviseFeedbackPrefix+feedback)
}

// SetPhase is the direct user override: it updates and persists the phase
// and fires the change callback, nothing else. No prompt, no mode switch.
func (w *Workflow) SetPhase(phase Phase) {
	w.setPhase(phase)
}

// ObservePlanFile records an agent-discovered plan file path. The agent's
// word always wins over any prior value, and the record is updated.
func (w *Workflow) ObservePlanFile(path string) {
	if path == "" {
		return
	}
	w.mu.Lock()
	w.planPath = path
	w.mu.Unlock()

	if err := w.store.UpdatePlanPath(w.recordID, path); err != nil {
		w.logger.Warn("persist plan path failed", "error", err)
	}
	if w.onPlanPath != nil {
		w.onPlanPath(path)
	}
}

// ResolveDefaultPlanPath adopts the store's computed default plan path,
// but only when no path is known yet. An agent-discovered path that
// arrived first (or arrives later) is never displaced by the default.
func (w *Workflow) ResolveDefaultPlanPath() {
	w.mu.Lock()
	if w.planPath != "" || w.recordID == "" {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	path, err := w.store.DefaultPlanPath(w.recordID)
	if err != nil {
		w.logger.Debug("default plan path unavailable", "error", err)
		return
	}

	w.mu.Lock()
	if w.planPath != "" {
		w.mu.Unlock()
		return
	}
	w.planPath = path
	w.mu.Unlock()

	if w.onPlanPath != nil {
		w.onPlanPath(path)
	}
}

// switchMode is the best-effort mode negotiation: match the slug against
// the live mode list and switch if found. No match and transport failure
// alike are logged and swallowed; a mode problem must never block the
// phase transition or the prompt that follows.
func (w *Workflow) switchMode(ctx context.Context, slug string) {
	modeID, ok := FindModeBySlug(w.driver.AvailableModes(), slug)
	if !ok {
		w.logger.Debug("no matching mode", "slug", slug)
		return
	}
	if err := w.driver.SetMode(ctx, modeID); err != nil {
		w.logger.Warn("mode switch failed", "mode", modeID, "error", err)
	}
}

// setPhase updates, persists, and notifies. Persistence failures are
// logged but do not block the in-memory transition.
func (w *Workflow) setPhase(phase Phase) {
	w.mu.Lock()
	w.phase = phase
	w.mu.Unlock()

	if err := w.store.UpdatePhase(w.recordID, phase); err != nil {
		w.logger.Warn("persist phase failed", "phase", phase, "error", err)
	}
	if w.onPhaseChange != nil {
		w.onPhaseChange(phase)
	}
}
