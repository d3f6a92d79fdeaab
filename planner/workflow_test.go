package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// driverRecorder records every driver call in order.
type driverRecorder struct {
	modes    []string
	activeID string

	calls      []string
	prompts    []string
	setModes   []string
	promptErr  error
	setModeErr error
}

func (d *driverRecorder) SendPrompt(_ context.Context, text string) error {
	d.calls = append(d.calls, "prompt")
	d.prompts = append(d.prompts, text)
	return d.promptErr
}

func (d *driverRecorder) SetMode(_ context.Context, modeID string) error {
	d.calls = append(d.calls, "setMode")
	d.setModes = append(d.setModes, modeID)
	return d.setModeErr
}

func (d *driverRecorder) AvailableModes() []string { return d.modes }
func (d *driverRecorder) ActiveSessionID() string  { return d.activeID }

type storeRecorder struct {
	phases      []Phase
	planPaths   []string
	defaultPath string
	phaseErr    error
	defaultErr  error
}

func (s *storeRecorder) UpdatePhase(_ string, phase Phase) error {
	s.phases = append(s.phases, phase)
	return s.phaseErr
}

func (s *storeRecorder) UpdatePlanPath(_ string, path string) error {
	s.planPaths = append(s.planPaths, path)
	return nil
}

func (s *storeRecorder) DefaultPlanPath(string) (string, error) {
	return s.defaultPath, s.defaultErr
}

func TestFindModeBySlug(t *testing.T) {
	modes := []string{"builtin#agent", "builtin#plan", "custom-planner"}

	id, ok := FindModeBySlug(modes, "plan")
	require.True(t, ok)
	assert.Equal(t, "builtin#plan", id, "suffix match beats substring")

	id, ok = FindModeBySlug(modes, "agent")
	require.True(t, ok)
	assert.Equal(t, "builtin#agent", id)

	id, ok = FindModeBySlug([]string{"my-planning-mode"}, "plan")
	require.True(t, ok)
	assert.Equal(t, "my-planning-mode", id, "substring fallback")

	_, ok = FindModeBySlug([]string{"builtin#agent"}, "plan")
	assert.False(t, ok)

	_, ok = FindModeBySlug([]string{"Builtin#Plan"}, "plan")
	assert.False(t, ok, "matching is case-sensitive")

	_, ok = FindModeBySlug(nil, "plan")
	assert.False(t, ok)
}

func TestStartPlanningOrderAndPrompt(t *testing.T) {
	d := &driverRecorder{modes: []string{"builtin#plan", "builtin#agent"}}
	s := &storeRecorder{}
	var phases []Phase
	w := NewWorkflow("rec-1", PhaseIdle, "", d, s,
		WithOnPhaseChange(func(p Phase) { phases = append(phases, p) }))

	err := w.StartPlanning(context.Background(), "sess-1", "Write a function")
	require.NoError(t, err)

	// Mode switch first, then the prompt.
	assert.Equal(t, []string{"setMode", "prompt"}, d.calls)
	assert.Equal(t, []string{"builtin#plan"}, d.setModes)
	assert.Equal(t, []string{"Write a function"}, d.prompts)
	assert.Equal(t, PhasePlanning, w.Phase())
	assert.Equal(t, []Phase{PhasePlanning}, s.phases)
	assert.Equal(t, []Phase{PhasePlanning}, phases)
}

func TestStartPlanningNoMatchingModeSkipsSwitch(t *testing.T) {
	d := &driverRecorder{modes: []string{"builtin#agent"}}
	w := NewWorkflow("rec-1", PhaseIdle, "", d, &storeRecorder{})

	require.NoError(t, w.StartPlanning(context.Background(), "sess-1", "go"))
	assert.Equal(t, []string{"prompt"}, d.calls)
	assert.Equal(t, PhasePlanning, w.Phase())
}

func TestStartPlanningModeFailureDoesNotBlock(t *testing.T) {
	d := &driverRecorder{
		modes:      []string{"builtin#plan"},
		setModeErr: errors.New("mode rejected"),
	}
	w := NewWorkflow("rec-1", PhaseIdle, "", d, &storeRecorder{})

	require.NoError(t, w.StartPlanning(context.Background(), "sess-1", "go"))
	assert.Equal(t, []string{"setMode", "prompt"}, d.calls)
	assert.Equal(t, PhasePlanning, w.Phase())
}

func TestStartPlanningPromptFailureKeepsPhase(t *testing.T) {
	d := &driverRecorder{promptErr: errors.New("send failed")}
	w := NewWorkflow("rec-1", PhaseIdle, "", d, &storeRecorder{})

	err := w.StartPlanning(context.Background(), "sess-1", "go")
	require.Error(t, err)
	// The phase has already advanced; not rolled back.
	assert.Equal(t, PhasePlanning, w.Phase())
}

func TestApprovePlanWithoutReview(t *testing.T) {
	d := &driverRecorder{modes: []string{"x#agent"}, activeID: "sess-1"}
	s := &storeRecorder{}
	w := NewWorkflow("rec-1", PhaseReviewing, "", d, s)

	require.NoError(t, w.ApprovePlan(context.Background(), ""))
	assert.Equal(t, []string{"x#agent"}, d.setModes)
	assert.Equal(t, PhaseExecuting, w.Phase())
	assert.Equal(t,
		[]string{"The plan has been approved. Please proceed with execution."},
		d.prompts)
}

func TestApprovePlanWithReviewEmbedsFeedback(t *testing.T) {
	d := &driverRecorder{modes: []string{"builtin#agent"}, activeID: "sess-1"}
	w := NewWorkflow("rec-1", PhaseReviewing, "", d, &storeRecorder{})

	require.NoError(t, w.ApprovePlan(context.Background(), "## Looks good\n\n- one nit"))
	require.Len(t, d.prompts, 1)
	assert.Equal(t,
		"The plan has been reviewed. Here is the feedback:\n\n"+
			"## Looks good\n\n- one nit"+
			"\n\nPlease proceed with executing the plan, incorporating the feedback above.",
		d.prompts[0])
	assert.Equal(t, PhaseExecuting, w.Phase())
}

func TestApprovePlanNoSessionNoOp(t *testing.T) {
	d := &driverRecorder{modes: []string{"builtin#agent"}}
	s := &storeRecorder{}
	w := NewWorkflow("rec-1", PhaseReviewing, "", d, s)

	require.NoError(t, w.ApprovePlan(context.Background(), ""))
	assert.Empty(t, d.calls)
	assert.Empty(t, s.phases)
	assert.Equal(t, PhaseReviewing, w.Phase())
}

func TestApprovePlanUsesKnownRemoteID(t *testing.T) {
	d := &driverRecorder{modes: []string{"builtin#agent"}}
	w := NewWorkflow("rec-1", PhaseReviewing, "", d, &storeRecorder{})
	w.SetRemoteSessionID("sess-remote")

	require.NoError(t, w.ApprovePlan(context.Background(), ""))
	assert.Equal(t, PhaseExecuting, w.Phase())
	assert.Len(t, d.prompts, 1)
}

func TestRequestChanges(t *testing.T) {
	d := &driverRecorder{modes: []string{"builtin#plan", "builtin#agent"}}
	s := &storeRecorder{}
	w := NewWorkflow("rec-1", PhaseReviewing, "", d, s)

	require.NoError(t, w.RequestChanges(context.Background(), "split step 2"))
	// No mode switch on request-changes.
	assert.Equal(t, []string{"prompt"}, d.calls)
	assert.Equal(t,
		[]string{"Please revise the plan based on this feedback:\n\nsplit step 2"},
		d.prompts)
	assert.Equal(t, PhasePlanning, w.Phase())
	assert.Equal(t, []Phase{PhasePlanning}, s.phases)
}

func TestSetPhaseOverride(t *testing.T) {
	d := &driverRecorder{}
	s := &storeRecorder{}
	var notified []Phase
	w := NewWorkflow("rec-1", PhaseIdle, "", d, s,
		WithOnPhaseChange(func(p Phase) { notified = append(notified, p) }))

	w.SetPhase(PhaseDone)
	assert.Equal(t, PhaseDone, w.Phase())
	assert.Equal(t, []Phase{PhaseDone}, s.phases)
	assert.Equal(t, []Phase{PhaseDone}, notified)
	// Pure state override, nothing sent.
	assert.Empty(t, d.calls)
}

func TestObservePlanFileAlwaysWins(t *testing.T) {
	s := &storeRecorder{defaultPath: "/data/plans/rec-1.md"}
	var paths []string
	w := NewWorkflow("rec-1", PhasePlanning, "", &driverRecorder{}, s,
		WithOnPlanPathChange(func(p string) { paths = append(paths, p) }))

	w.ObservePlanFile("/ws/.arandu/sessions/sess-1/plan.md")
	assert.Equal(t, "/ws/.arandu/sessions/sess-1/plan.md", w.PlanPath())
	assert.Equal(t, []string{"/ws/.arandu/sessions/sess-1/plan.md"}, s.planPaths)

	// The default never displaces an agent-discovered path.
	w.ResolveDefaultPlanPath()
	assert.Equal(t, "/ws/.arandu/sessions/sess-1/plan.md", w.PlanPath())
	assert.Equal(t, []string{"/ws/.arandu/sessions/sess-1/plan.md"}, paths)
}

func TestResolveDefaultPlanPath(t *testing.T) {
	s := &storeRecorder{defaultPath: "/data/plans/rec-1.md"}
	w := NewWorkflow("rec-1", PhasePlanning, "", &driverRecorder{}, s)

	w.ResolveDefaultPlanPath()
	assert.Equal(t, "/data/plans/rec-1.md", w.PlanPath())
}

func TestPersistFailureDoesNotBlockTransition(t *testing.T) {
	s := &storeRecorder{phaseErr: errors.New("disk full")}
	d := &driverRecorder{}
	w := NewWorkflow("rec-1", PhaseIdle, "", d, s)

	require.NoError(t, w.StartPlanning(context.Background(), "sess-1", "go"))
	assert.Equal(t, PhasePlanning, w.Phase())
	assert.Equal(t, []string{"prompt"}, d.calls)
}

func TestParsePhase(t *testing.T) {
	p, err := ParsePhase("executing")
	require.NoError(t, err)
	assert.Equal(t, PhaseExecuting, p)

	_, err = ParsePhase("unknown")
	assert.Error(t, err)
}
