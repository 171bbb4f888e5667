// Package wizard drives the interactive prompts behind `ralph init`. A
// wizard is a fixed sequence of steps; each step renders a Bubbletea
// model, stores its answer under a state key, and may skip itself based
// on earlier answers.
package wizard

import (
	"errors"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// ErrCancelled is returned by Run when the user aborts with esc or
// ctrl+c. Callers treat it as "leave everything untouched".
var ErrCancelled = errors.New("setup cancelled")

// State holds the answers collected so far, keyed per step.
type State map[string]any

// String returns the string answer under key, or "" when absent.
func (s State) String(key string) string {
	v, _ := s[key].(string)
	return v
}

// Bool returns the boolean answer under key, or false when absent.
func (s State) Bool(key string) bool {
	v, _ := s[key].(bool)
	return v
}

// Step is one prompt in the sequence.
type Step interface {
	// ID identifies the step; it doubles as the default state key.
	ID() string

	// Title is shown in the step header.
	Title() string

	// Description is optional helper text under the title.
	Description() string

	// Skip reports whether the step should be passed over given the
	// answers so far.
	Skip(state State) bool

	// Init builds the step's interactive model.
	Init(state State) tea.Model

	// Result stores the completed model's answer into state.
	Result(model tea.Model, state State)
}

// Wizard runs steps in order, skipping as answers dictate.
type Wizard struct {
	steps   []Step
	current int
	state   State
	model   tea.Model
	err     error

	styles Styles
}

// Styles is the wizard's visual styling.
type Styles struct {
	Title       lipgloss.Style
	Description lipgloss.Style
	Progress    lipgloss.Style
	Error       lipgloss.Style
	Subtle      lipgloss.Style
}

// DefaultStyles returns the standard wizard styling.
func DefaultStyles() Styles {
	return Styles{
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			MarginBottom(1),
		Description: lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			MarginBottom(1),
		Progress: lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")),
		Error: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")),
		Subtle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")),
	}
}

// New creates a wizard over the given steps.
func New(steps ...Step) *Wizard {
	return &Wizard{
		steps:  steps,
		state:  make(State),
		styles: DefaultStyles(),
	}
}

// WithState seeds the wizard's state before the first step runs.
func (w *Wizard) WithState(state State) *Wizard {
	w.state = state
	return w
}

// State returns the collected answers.
func (w *Wizard) State() State {
	return w.state
}

// Run executes the wizard interactively. It returns ErrCancelled when
// the user aborts.
func (w *Wizard) Run() error {
	w.skipAhead()
	if w.current >= len(w.steps) {
		return nil
	}

	w.model = w.steps[w.current].Init(w.state)

	p := tea.NewProgram(w)
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("wizard: %w", err)
	}
	return w.err
}

// Init implements tea.Model.
func (w *Wizard) Init() tea.Cmd {
	if w.model == nil {
		return nil
	}
	return w.model.Init()
}

// Update implements tea.Model.
func (w *Wizard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			w.err = ErrCancelled
			return w, tea.Quit
		}

	case StepCompleteMsg:
		w.steps[w.current].Result(w.model, w.state)

		w.current++
		w.skipAhead()
		if w.current >= len(w.steps) {
			return w, tea.Quit
		}

		w.model = w.steps[w.current].Init(w.state)
		return w, w.model.Init()
	}

	if w.model != nil {
		var cmd tea.Cmd
		w.model, cmd = w.model.Update(msg)
		return w, cmd
	}
	return w, nil
}

// View implements tea.Model.
func (w *Wizard) View() string {
	if w.current >= len(w.steps) {
		return ""
	}

	step := w.steps[w.current]
	var s string

	s += w.styles.Progress.Render(fmt.Sprintf("Step %d of %d", w.current+1, len(w.steps))) + "\n\n"
	s += w.styles.Title.Render(step.Title()) + "\n"
	if desc := step.Description(); desc != "" {
		s += w.styles.Description.Render(desc) + "\n"
	}
	if w.model != nil {
		s += w.model.View()
	}
	return s
}

// skipAhead advances past steps whose Skip says so.
func (w *Wizard) skipAhead() {
	for w.current < len(w.steps) && w.steps[w.current].Skip(w.state) {
		w.current++
	}
}

// StepCompleteMsg signals that the current step finished.
type StepCompleteMsg struct{}

// CompleteStep returns the command a step model emits when done.
func CompleteStep() tea.Cmd {
	return func() tea.Msg {
		return StepCompleteMsg{}
	}
}
